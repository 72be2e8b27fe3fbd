package synthesis

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Silent simulates playback for headless use: an utterance lasts as long
// as it would take to read at WordsPerMinute.
type Silent struct {
	WordsPerMinute int
	Min            time.Duration

	logger zerolog.Logger
	player
}

// NewSilent creates a silent speaker.
func NewSilent(wordsPerMinute int, logger zerolog.Logger) *Silent {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 175
	}
	return &Silent{
		WordsPerMinute: wordsPerMinute,
		logger:         logger.With().Str("component", "synthesis-silent").Logger(),
	}
}

// Duration returns how long text takes to "speak".
func (s *Silent) Duration(text string) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(words) * time.Minute / time.Duration(s.WordsPerMinute)
	if d < s.Min {
		d = s.Min
	}
	return d
}

// Speak completes after Duration(text).
func (s *Silent) Speak(ctx context.Context, text string) <-chan error {
	u := s.begin(ctx)
	d := s.Duration(text)

	s.logger.Debug().Dur("duration", d).Msg("Speaking silently")

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			s.finish(u, nil)
		case <-u.ctx.Done():
			s.finish(u, u.ctx.Err())
		}
	}()

	return u.done
}

// Cancel aborts the current utterance.
func (s *Silent) Cancel() {
	s.cancelCurrent()
}
