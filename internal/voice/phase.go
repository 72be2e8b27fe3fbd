// Package voice runs the turn-taking state machine behind a spoken
// conversation: it listens, asks for a reply, speaks it and listens again,
// keeping exactly one turn live at a time.
package voice

import (
	"errors"
	"time"
)

var (
	// ErrEmptyUtterance marks a finalized utterance with no words. It is
	// logged, never surfaced.
	ErrEmptyUtterance = errors.New("empty utterance")
	// ErrTurnInFlight is returned by operations that need a quiet session.
	ErrTurnInFlight = errors.New("a turn is in flight")
	// ErrSessionInactive is returned when no voice session has been entered.
	ErrSessionInactive = errors.New("voice session is not active")
	// ErrNotRunning is returned when the orchestrator loop has exited.
	ErrNotRunning = errors.New("orchestrator is not running")
)

// Phase is the state of the turn-taking state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseFinalizing
	PhaseAwaitingReply
	PhaseSpeaking
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseAwaitingReply:
		return "awaiting_reply"
	case PhaseSpeaking:
		return "speaking"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a read-only view of the orchestrator.
type State struct {
	Phase          Phase  `json:"phase"`
	Partial        string `json:"partial"`
	SessionActive  bool   `json:"sessionActive"`
	VoiceAvailable bool   `json:"voiceAvailable"`
	TurnID         uint64 `json:"turnId,omitempty"`
}

// Config holds the orchestrator settings.
type Config struct {
	// Greeting is spoken as the first assistant turn of every session.
	Greeting string
	// ReplyTimeout bounds the wait for the reply generator.
	ReplyTimeout time.Duration
	// AutoListen resumes listening once an assistant reply has been spoken.
	AutoListen bool
	// ListenAfterFailure reopens the microphone after a failed reply
	// instead of waiting for the user to start listening again.
	ListenAfterFailure bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReplyTimeout: 30 * time.Second,
		AutoListen:   true,
	}
}
