// Package capture provides speech-to-text sources for the voice session.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrUnsupported means the platform offers no capture facility. Callers
	// disable voice input rather than retry.
	ErrUnsupported = errors.New("speech capture unsupported")
	// ErrClosed means the source has ended and cannot be restarted.
	ErrClosed = errors.New("speech capture closed")
)

// Kind classifies a capture event.
type Kind int

const (
	// Partial carries the best-effort text of the current utterance so far.
	Partial Kind = iota
	// Final carries the recognizer's complete text for the utterance.
	Final
	// End means the recognizer closed the session on its own.
	End
	// Unsupported means the recognizer found out it cannot run.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case End:
		return "end"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Event is one recognition update.
type Event struct {
	Kind Kind
	Text string
}

// Sink receives events in recognition order. It must not block.
type Sink func(Event)

// Adapter is a speech capture source. At most one session is open at a
// time; Start while started is a no-op. No events are delivered after
// Stop returns.
type Adapter interface {
	Start(ctx context.Context, sink Sink) error
	Stop() error
}

// AudioSink accepts raw audio for adapters fed by a remote client.
type AudioSink interface {
	SendAudio(pcm []byte) error
}

// gate delivers events for one session and goes quiet once closed.
type gate struct {
	sink   Sink
	closed bool
}

func (g *gate) deliver(ev Event) {
	if g == nil || g.closed {
		return
	}
	g.sink(ev)
}

// Unavailable is the adapter for platforms without speech capture.
type Unavailable struct{}

// Start always fails with ErrUnsupported.
func (Unavailable) Start(context.Context, Sink) error { return ErrUnsupported }

// Stop does nothing.
func (Unavailable) Stop() error { return nil }
