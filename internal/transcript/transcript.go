// Package transcript holds the ordered record of what has been said in a
// voice session.
package transcript

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/cortexcompanion/internal/reply"
)

var (
	// ErrEmptyText is returned when appending a blank turn.
	ErrEmptyText = errors.New("turn text is empty")
	// ErrOutOfOrder is returned when an assistant turn does not answer a user turn.
	ErrOutOfOrder = errors.New("assistant turn must follow a user turn")
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one immutable utterance.
type Turn struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transcript is an append-only ordered log of turns. Only the orchestrator
// writes to it; readers get copies.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

// New creates an empty transcript.
func New() *Transcript {
	return &Transcript{now: time.Now}
}

// Append records a new turn. CreatedAt is strictly greater than the
// previous turn's even if the clock has not advanced.
func (t *Transcript) Append(speaker Speaker, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyText
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var last *Turn
	if n := len(t.turns); n > 0 {
		last = &t.turns[n-1]
	}
	if speaker == SpeakerAssistant && last != nil && last.Speaker != SpeakerUser {
		return Turn{}, ErrOutOfOrder
	}

	createdAt := t.now()
	if last != nil && !createdAt.After(last.CreatedAt) {
		createdAt = last.CreatedAt.Add(time.Nanosecond)
	}

	turn := Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		CreatedAt: createdAt,
	}
	t.turns = append(t.turns, turn)
	return turn, nil
}

// Snapshot returns a copy of all turns, oldest first.
func (t *Transcript) Snapshot() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Last returns the newest turn.
func (t *Transcript) Last() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// Clear removes all turns.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = nil
}

// History converts the transcript into reply generator input.
func (t *Transcript) History() []reply.Message {
	return ToMessages(t.Snapshot())
}

// ToMessages converts turns into reply generator input.
func ToMessages(turns []Turn) []reply.Message {
	msgs := make([]reply.Message, 0, len(turns))
	for _, turn := range turns {
		role := reply.RoleUser
		if turn.Speaker == SpeakerAssistant {
			role = reply.RoleAssistant
		}
		msgs = append(msgs, reply.Message{Role: role, Text: turn.Text})
	}
	return msgs
}
