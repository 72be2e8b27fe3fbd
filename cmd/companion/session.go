package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/archive"
	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/reply"
	"github.com/normanking/cortexcompanion/internal/safety"
	"github.com/normanking/cortexcompanion/internal/server"
	"github.com/normanking/cortexcompanion/internal/synthesis"
	"github.com/normanking/cortexcompanion/internal/voice"
)

const consoleWordDelay = 80 * time.Millisecond

func sessionCmd() *cobra.Command {
	var (
		serve         bool
		captureName   string
		synthesisName string
		noArchive     bool
	)

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a voice session",
		Long: `Run a voice session. By default each line typed on stdin is one
spoken utterance and replies are printed as they are spoken.

With --serve, a WebSocket bridge is exposed for a UI: it streams phase,
transcript and avatar events and accepts control frames and PCM audio.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := loadConfig()
			if err != nil {
				return err
			}
			if captureName != "" {
				cfg.Capture.Provider = captureName
			}
			if synthesisName != "" {
				cfg.Synthesis.Provider = synthesisName
			}
			if noArchive {
				cfg.Archive.Enabled = false
			}

			// Console sessions own stdout; logs go to the file only.
			consoleMode := cfg.Capture.Provider == "console" || cfg.Capture.Provider == ""
			logger, err := newLogger(cfg, !consoleMode)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSession(ctx, cfg, loader, logger, serve)
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "expose the WebSocket UI bridge")
	cmd.Flags().StringVar(&captureName, "capture", "", "speech capture provider (console, deepgram, none)")
	cmd.Flags().StringVar(&synthesisName, "synthesis", "", "speech synthesis provider (say, silent)")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not archive the transcript")

	return cmd
}

func runSession(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *logging.Logger, serve bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	zl := logger.Zerolog()
	eventBus := bus.NewEventBus()
	defer eventBus.Clear()
	forwardLogs(logger, eventBus)
	defer logger.SetOnLog(nil)

	gen, err := reply.New(ctx, cfg.Reply.Provider, reply.Options{
		Model:        cfg.Reply.Model,
		BaseURL:      cfg.Reply.BaseURL,
		APIKey:       cfg.Reply.APIKey,
		Temperature:  cfg.Reply.Temperature,
		MaxTokens:    cfg.Reply.MaxTokens,
		SystemPrompt: cfg.Reply.SystemPrompt,
	}, zl)
	if err != nil {
		return err
	}

	capt, audio, console := buildCapture(cfg.Capture, zl)
	speaker := buildSynthesis(ctx, cfg.Synthesis, zl)

	detector := safety.NewDetector(cfg.Safety.Keywords)
	detector.SetEnabled(cfg.Safety.Enabled)

	animator := avatar.NewSynchronizer(avatar.Config{
		FadeDuration: cfg.Avatar.FadeDuration,
		IdleClip:     cfg.Avatar.IdleClip,
		TalkingClip:  cfg.Avatar.TalkingClip,
	}, zl)
	animator.SetBlendHandler(func(b avatar.Blend) {
		eventBus.Publish(bus.Event{Type: bus.EventTypeAvatarBlend, Data: map[string]any{
			"idle":    b.Idle,
			"talking": b.Talking,
		}})
	})
	go animator.Run(ctx, cfg.Avatar.TickRate)
	if cfg.Avatar.AssetPath != "" {
		go func() {
			clips, err := avatar.LoadClips(cfg.Avatar.AssetPath)
			if err != nil {
				logger.Warn("avatar", "Avatar asset not loaded, staying idle", map[string]any{"error": err.Error()})
				return
			}
			animator.Ready(clips)
		}()
	}

	deps := voice.Dependencies{
		Capture:   capt,
		Synthesis: speaker,
		Generator: gen,
		Animator:  animator,
		Bus:       eventBus,
		Safety:    detector,
	}
	if cfg.Archive.Enabled {
		store, err := archive.Open(cfg.Archive.Path, zl)
		if err != nil {
			logger.Warn("archive", "Transcript archive disabled", map[string]any{"error": err.Error()})
		} else {
			defer store.Close()
			deps.Recorder = store
		}
	}

	if loader.File() != "" {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("config", "Ignoring invalid config change", map[string]any{"error": err.Error()})
				return
			}
			detector.SetKeywords(next.Safety.Keywords)
			detector.SetEnabled(next.Safety.Enabled)
			if !verbose {
				logger.SetLevel(logging.LogLevel(next.Log.Level))
			}
			logger.Info("config", "Configuration reloaded", nil)
		})
	}

	orch := voice.NewOrchestrator(voice.Config{
		Greeting:     cfg.Session.Greeting,
		ReplyTimeout: cfg.Session.ReplyTimeout,
		AutoListen:   cfg.Session.AutoListen,
		// Console input has no microphone button to retry with.
		ListenAfterFailure: console != nil && !serve,
	}, deps, zl)

	if console != nil {
		printConversation(os.Stdout, eventBus)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	if serve {
		srv := server.New(orch, server.Options{
			Addr:  cfg.Server.Addr,
			Bus:   eventBus,
			Audio: audio,
			Logs:  logger,
		}, zl)
		defer srv.Close()
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("server", "UI bridge stopped", err, nil)
				cancel()
			}
		}()
	}

	if err := orch.EnterSession(ctx); err != nil {
		return err
	}

	var inputDone <-chan struct{}
	if console != nil && !serve {
		inputDone = console.Done()
	}

	select {
	case <-ctx.Done():
	case <-inputDone:
		waitQuiet(ctx, orch)
		_ = orch.ExitSession(ctx)
	case err := <-runErr:
		return err
	}

	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitQuiet blocks until the last utterance has been answered and spoken.
func waitQuiet(ctx context.Context, orch *voice.Orchestrator) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := orch.State()
		if st.Phase == voice.PhaseIdle && st.TurnID == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildCapture(cfg config.CaptureConfig, logger zerolog.Logger) (capture.Adapter, capture.AudioSink, *capture.ConsoleCapture) {
	switch cfg.Provider {
	case "deepgram":
		dg := capture.NewDeepgramCapture(capture.DeepgramConfig{
			APIKey:         cfg.DeepgramAPIKey,
			Model:          cfg.Model,
			Language:       cfg.Language,
			SampleRate:     cfg.SampleRate,
			InterimResults: cfg.InterimResults,
			Punctuate:      true,
		}, logger)
		return dg, dg, nil
	case "none":
		return capture.Unavailable{}, nil, nil
	default:
		c := capture.NewConsoleCapture(os.Stdin, consoleWordDelay, logger)
		return c, nil, c
	}
}

func buildSynthesis(ctx context.Context, cfg config.SynthesisConfig, logger zerolog.Logger) synthesis.Adapter {
	if cfg.Provider == "say" {
		say := synthesis.NewSayCommand(synthesis.SayConfig{
			Voice:  cfg.Voice,
			Gender: cfg.PreferredGender,
			Rate:   cfg.Rate,
			Pitch:  cfg.Pitch,
		}, logger)
		if say.IsAvailable() {
			say.ResolveVoice(ctx)
			return say
		}
		logger.Warn().Msg("Speech binary not found, falling back to silent playback")
	}
	return synthesis.NewSilent(cfg.Rate, logger)
}

// forwardLogs publishes log entries on the bus for UI clients. Server entries
// stay out, since broadcasting them could log again.
func forwardLogs(logger *logging.Logger, eventBus *bus.EventBus) {
	logger.SetOnLog(func(e logging.LogEntry) {
		if e.Component == "server" || e.Level == zerolog.DebugLevel.String() {
			return
		}
		eventBus.Publish(bus.Event{Type: bus.EventTypeLog, Data: map[string]any{
			"timestamp": e.Timestamp,
			"level":     e.Level,
			"component": e.Component,
			"message":   e.Message,
			"data":      e.Data,
		}})
	})
}

// printConversation writes the spoken conversation to w.
func printConversation(w io.Writer, eventBus *bus.EventBus) {
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeTurnAppended,
		bus.EventTypeNotice,
		bus.EventTypeVoiceUnavailable,
	}, func(e bus.Event) {
		switch e.Type {
		case bus.EventTypeTurnAppended:
			speaker := "You"
			if e.Data["speaker"] == "assistant" {
				speaker = "Assistant"
			}
			fmt.Fprintf(w, "%s: %v\n", speaker, e.Data["text"])
		case bus.EventTypeNotice:
			fmt.Fprintf(w, "! %v\n", e.Data["message"])
		case bus.EventTypeVoiceUnavailable:
			fmt.Fprintf(w, "! %v\n", e.Data["message"])
		}
	})
}
