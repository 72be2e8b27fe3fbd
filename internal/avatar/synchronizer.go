// Package avatar blends the character's idle and talking animation clips
// in step with the conversation.
package avatar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/rs/zerolog"
)

// DefaultFadeDuration is the crossfade length between clips.
const DefaultFadeDuration = 500 * time.Millisecond

// Blend holds clip weights. They always sum to 1.
type Blend struct {
	Idle    float32 `json:"idle"`
	Talking float32 `json:"talking"`
}

// Clips names the two animations driven by the synchronizer.
type Clips struct {
	Idle    string `json:"idle"`
	Talking string `json:"talking"` // Empty when the asset has no talking clip
}

// LoadClips reads the animation names from a glTF or GLB asset.
func LoadClips(path string) ([]string, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}

	names := make([]string, 0, len(doc.Animations))
	for i, anim := range doc.Animations {
		name := anim.Name
		if name == "" {
			name = fmt.Sprintf("animation_%d", i)
		}
		names = append(names, name)
	}
	return names, nil
}

// Config configures the synchronizer.
type Config struct {
	FadeDuration time.Duration
	IdleClip     string
	TalkingClip  string
}

// Synchronizer crossfades between the idle and talking clips. Until Ready
// is called, or when the asset lacks either clip, it stays on idle and
// SetTalking does nothing.
type Synchronizer struct {
	mu     sync.Mutex
	config Config
	logger zerolog.Logger

	ready      bool
	clips      Clips
	wantTalk   bool
	current    mgl32.Vec2 // {idle, talking}
	from       mgl32.Vec2
	to         mgl32.Vec2
	elapsed    time.Duration
	fading     bool
	onBlend    func(Blend)
	lastReport mgl32.Vec2
}

// NewSynchronizer creates a synchronizer resting on the idle clip.
func NewSynchronizer(config Config, logger zerolog.Logger) *Synchronizer {
	if config.FadeDuration <= 0 {
		config.FadeDuration = DefaultFadeDuration
	}
	if config.IdleClip == "" {
		config.IdleClip = "Idle"
	}
	if config.TalkingClip == "" {
		config.TalkingClip = "Talking"
	}

	idle := mgl32.Vec2{1, 0}
	return &Synchronizer{
		config:     config,
		logger:     logger.With().Str("component", "avatar").Logger(),
		current:    idle,
		from:       idle,
		to:         idle,
		lastReport: idle,
	}
}

// SetBlendHandler registers a callback for weight changes. It is called
// from Update and must not block.
func (s *Synchronizer) SetBlendHandler(fn func(Blend)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBlend = fn
}

// Ready tells the synchronizer the asset has loaded with the given clips.
// The idle clip is matched by name, falling back to the first clip.
func (s *Synchronizer) Ready(available []string) Clips {
	s.mu.Lock()

	var clips Clips
	for _, name := range available {
		switch {
		case clips.Idle == "" && strings.EqualFold(name, s.config.IdleClip):
			clips.Idle = name
		case clips.Talking == "" && strings.EqualFold(name, s.config.TalkingClip):
			clips.Talking = name
		}
	}
	if clips.Idle == "" {
		for _, name := range available {
			if name != clips.Talking {
				clips.Idle = name
				break
			}
		}
	}

	s.clips = clips
	s.ready = true
	s.fading = false

	// Snap to whatever the conversation is doing right now.
	target := mgl32.Vec2{1, 0}
	if s.wantTalk && s.animatingLocked() {
		target = mgl32.Vec2{0, 1}
	}
	s.current, s.from, s.to = target, target, target
	fn := s.reportLocked()
	s.mu.Unlock()

	switch {
	case clips.Talking == "":
		s.logger.Warn().Strs("clips", available).Msg("No talking clip, avatar stays idle")
	case clips.Idle == "":
		s.logger.Warn().Strs("clips", available).Msg("No idle clip to fade back to, avatar stays still")
	default:
		s.logger.Info().Str("idle", clips.Idle).Str("talking", clips.Talking).Msg("Avatar clips ready")
	}
	if fn != nil {
		fn()
	}
	return clips
}

// SetTalking starts a crossfade toward the talking clip (true) or back to
// idle (false) from the current weights.
func (s *Synchronizer) SetTalking(talking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wantTalk == talking {
		return
	}
	s.wantTalk = talking

	if !s.animatingLocked() {
		return
	}

	s.from = s.current
	s.to = mgl32.Vec2{1, 0}
	if talking {
		s.to = mgl32.Vec2{0, 1}
	}
	s.elapsed = 0
	s.fading = true
}

// Update advances the crossfade by dt and returns the new weights.
func (s *Synchronizer) Update(dt time.Duration) Blend {
	s.mu.Lock()

	if s.fading {
		s.elapsed += dt
		t := mgl32.Clamp(float32(s.elapsed)/float32(s.config.FadeDuration), 0, 1)
		s.current = s.from.Add(s.to.Sub(s.from).Mul(t))
		if t >= 1 {
			s.current = s.to
			s.fading = false
		}
	}

	blend := toBlend(s.current)
	fn := s.reportLocked()
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return blend
}

// Blend returns the current weights.
func (s *Synchronizer) Blend() Blend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return toBlend(s.current)
}

// Clips returns the clips chosen by Ready.
func (s *Synchronizer) Clips() Clips {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clips
}

// Fading reports whether a crossfade is in progress.
func (s *Synchronizer) Fading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fading
}

// Run calls Update tickRate times per second until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context, tickRate int) {
	if tickRate <= 0 {
		tickRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Update(now.Sub(last))
			last = now
		}
	}
}

// animatingLocked reports whether both clips exist to crossfade between.
func (s *Synchronizer) animatingLocked() bool {
	return s.ready && s.clips.Idle != "" && s.clips.Talking != ""
}

// reportLocked returns the blend callback to invoke once the lock is
// released, or nil when the weights have not moved.
func (s *Synchronizer) reportLocked() func() {
	if s.onBlend == nil || s.current.ApproxEqual(s.lastReport) {
		return nil
	}
	s.lastReport = s.current
	fn, blend := s.onBlend, toBlend(s.current)
	return func() { fn(blend) }
}

func toBlend(v mgl32.Vec2) Blend {
	return Blend{Idle: v.X(), Talking: v.Y()}
}
