package voice

import (
	"sync"

	"github.com/normanking/cortexcompanion/internal/capture"
)

type commandKind int

const (
	cmdEnter commandKind = iota
	cmdExit
	cmdStart
	cmdStop
	cmdToggle
	cmdInterrupt
	cmdClear
)

type command struct {
	kind commandKind
	done chan error
}

// captureMsg carries an event from capture session seq.
type captureMsg struct {
	seq uint64
	ev  capture.Event
}

// replyMsg carries the generator outcome for a turn.
type replyMsg struct {
	turnID uint64
	text   string
	err    error
}

// speechMsg carries the completion of utterance seq.
type speechMsg struct {
	seq uint64
	err error
}

// mailbox is an unbounded queue feeding the run loop. Posting never blocks,
// so adapters may post while holding their own locks.
type mailbox struct {
	mu     sync.Mutex
	queue  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg any) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue
	m.queue = nil
	return q
}
