// Package synthesis provides text-to-speech output for assistant turns.
package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrFailed is delivered when playback could not produce audio.
	ErrFailed = errors.New("speech synthesis failed")
	// ErrUnavailable means the platform speech engine is missing.
	ErrUnavailable = errors.New("speech synthesis unavailable")
)

// Voice describes an installed voice.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Gender   string `json:"gender"` // male, female, or empty when unknown
	Language string `json:"language"`
}

// Adapter speaks one utterance at a time. The channel returned by Speak
// receives exactly one value when playback ends, nil or a wrapped
// ErrFailed. After Cancel, or cancellation of ctx, it receives nothing.
type Adapter interface {
	Speak(ctx context.Context, text string) <-chan error
	Cancel()
}

// VoiceLister is implemented by adapters that can enumerate voices.
type VoiceLister interface {
	Voices(ctx context.Context) ([]Voice, error)
}

var femaleHints = []string{"female", "woman", "girl"}

// PreferVoice picks the first voice matching gender, falling back to name
// hints. It returns "" when nothing matches so the platform default applies.
func PreferVoice(voices []Voice, gender string) string {
	gender = strings.ToLower(gender)
	if gender == "" {
		return ""
	}

	for _, v := range voices {
		if strings.EqualFold(v.Gender, gender) {
			return v.ID
		}
	}

	if gender == "female" {
		for _, v := range voices {
			name := strings.ToLower(v.Name)
			for _, hint := range femaleHints {
				if strings.Contains(name, hint) {
					return v.ID
				}
			}
		}
	}
	return ""
}

// utterance is one in-flight Speak call.
type utterance struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// player enforces a single live utterance and the completion contract.
type player struct {
	mu  sync.Mutex
	cur *utterance
}

// begin supersedes any current utterance.
func (p *player) begin(ctx context.Context) *utterance {
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{ctx: uctx, cancel: cancel, done: make(chan error, 1)}

	p.mu.Lock()
	if p.cur != nil {
		p.cur.cancel()
	}
	p.cur = u
	p.mu.Unlock()
	return u
}

// finish resolves u unless it was cancelled.
func (p *player) finish(u *utterance, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.cur == u && u.ctx.Err() == nil
	if p.cur == u {
		p.cur = nil
	}
	u.cancel()
	if live {
		u.done <- err
	}
}

func (p *player) cancelCurrent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		return false
	}
	p.cur.cancel()
	p.cur = nil
	return true
}
