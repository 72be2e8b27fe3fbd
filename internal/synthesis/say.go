package synthesis

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// CommandFunc builds the process that speaks text aloud.
type CommandFunc func(ctx context.Context, voice string, rate int, text string) *exec.Cmd

// SayConfig configures the command-line speaker.
type SayConfig struct {
	Voice   string // Explicit voice; empty uses the preferred gender or system default
	Gender  string // Preferred gender when Voice is empty
	Rate    int     // Words per minute (default 175)
	Pitch   float64 // Pitch relative to the voice's own; 0 or 1 keeps it
	Command CommandFunc
}

// SayCommand speaks through the platform speech binary: `say` on macOS,
// `espeak` elsewhere.
type SayCommand struct {
	logger  zerolog.Logger
	config  SayConfig
	command CommandFunc
	binary  string

	player
}

// NewSayCommand creates the speaker for the current platform.
func NewSayCommand(config SayConfig, logger zerolog.Logger) *SayCommand {
	if config.Rate <= 0 {
		config.Rate = 175
	}

	s := &SayCommand{
		logger: logger.With().Str("component", "synthesis-say").Logger(),
		config: config,
		binary: "espeak",
	}
	if runtime.GOOS == "darwin" {
		s.binary = "say"
	}

	s.command = config.Command
	if s.command == nil {
		s.command = s.platformCommand
	}
	return s
}

// IsAvailable reports whether the speech binary is installed.
func (s *SayCommand) IsAvailable() bool {
	if s.config.Command != nil {
		return true
	}
	_, err := exec.LookPath(s.binary)
	return err == nil
}

func (s *SayCommand) platformCommand(ctx context.Context, voice string, rate int, text string) *exec.Cmd {
	pitched := s.config.Pitch > 0 && s.config.Pitch != 1

	var args []string
	switch s.binary {
	case "say":
		if voice != "" {
			args = append(args, "-v", voice)
		}
		args = append(args, "-r", strconv.Itoa(rate))
		if pitched {
			// Embedded command shifting the baseline pitch.
			text = fmt.Sprintf("[[pbas %+.1f]] %s", (s.config.Pitch-1)*sayPitchScale, text)
		}
	default:
		if voice != "" {
			args = append(args, "-v", voice)
		}
		args = append(args, "-s", strconv.Itoa(rate))
		if pitched {
			args = append(args, "-p", strconv.Itoa(espeakPitch(s.config.Pitch)))
		}
	}
	args = append(args, text)
	return exec.CommandContext(ctx, s.binary, args...)
}

const (
	// sayPitchScale converts a relative pitch into pbas steps.
	sayPitchScale = 20
	// espeakPitchBase is espeak's default -p value.
	espeakPitchBase = 50
)

// espeakPitch scales espeak's 0-99 pitch range around its default.
func espeakPitch(pitch float64) int {
	p := int(math.Round(pitch * espeakPitchBase))
	return min(max(p, 0), 99)
}

// ResolveVoice applies the configured preference against installed voices.
func (s *SayCommand) ResolveVoice(ctx context.Context) {
	if s.config.Voice != "" || s.config.Gender == "" {
		return
	}
	voices, err := s.Voices(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Voice listing unavailable, using system default")
		return
	}
	if id := PreferVoice(voices, s.config.Gender); id != "" {
		s.config.Voice = id
		s.logger.Info().Str("voice", id).Msg("Selected preferred voice")
	}
}

// Speak runs the speech process in the background.
func (s *SayCommand) Speak(ctx context.Context, text string) <-chan error {
	u := s.begin(ctx)
	cmd := s.command(u.ctx, s.config.Voice, s.config.Rate, text)

	s.logger.Debug().
		Str("voice", s.config.Voice).
		Int("textLen", len(text)).
		Msg("Speaking")

	go func() {
		output, err := cmd.CombinedOutput()
		if err != nil && u.ctx.Err() == nil {
			s.logger.Error().
				Err(err).
				Str("output", string(output)).
				Msg("Speech command failed")
			err = fmt.Errorf("%w: %v", ErrFailed, err)
		}
		s.finish(u, err)
	}()

	return u.done
}

// Cancel stops the speech process.
func (s *SayCommand) Cancel() {
	if s.cancelCurrent() {
		s.logger.Debug().Msg("Speech cancelled")
	}
}

// Voices lists installed voices.
func (s *SayCommand) Voices(ctx context.Context) ([]Voice, error) {
	if _, err := exec.LookPath(s.binary); err != nil {
		return nil, ErrUnavailable
	}

	var cmd *exec.Cmd
	if s.binary == "say" {
		cmd = exec.CommandContext(ctx, "say", "-v", "?")
	} else {
		cmd = exec.CommandContext(ctx, s.binary, "--voices")
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}

	if s.binary == "say" {
		return parseSayVoices(out), nil
	}
	return parseEspeakVoices(out), nil
}

var sayFemaleVoices = map[string]bool{
	"Samantha": true, "Karen": true, "Victoria": true, "Zoe": true,
	"Serena": true, "Fiona": true, "Moira": true, "Tessa": true, "Allison": true, "Ava": true,
}

var sayMaleVoices = map[string]bool{
	"Daniel": true, "Alex": true, "Oliver": true, "Tom": true, "Fred": true, "Rishi": true,
}

// parseSayVoices reads `say -v ?` output:
//
//	Samantha            en_US    # Hello, my name is Samantha.
func parseSayVoices(out []byte) []Voice {
	var voices []Voice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lang := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-1], " ")

		v := Voice{ID: name, Name: name, Language: lang}
		switch {
		case sayFemaleVoices[name]:
			v.Gender = "female"
		case sayMaleVoices[name]:
			v.Gender = "male"
		}
		voices = append(voices, v)
	}
	return voices
}

// parseEspeakVoices reads `espeak --voices` output:
//
//	Pty Language Age/Gender VoiceName   File     Other Languages
//	 5  en-us          F  english-us  en/en-us (en 2)
func parseEspeakVoices(out []byte) []Voice {
	var voices []Voice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}

		v := Voice{ID: fields[3], Name: fields[3], Language: fields[1]}
		gender := fields[2]
		if i := strings.Index(gender, "/"); i >= 0 {
			gender = gender[i+1:]
		}
		switch strings.ToUpper(gender) {
		case "F":
			v.Gender = "female"
		case "M":
			v.Gender = "male"
		}
		voices = append(voices, v)
	}
	return voices
}
