package synthesis

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferVoice(t *testing.T) {
	voices := []Voice{
		{ID: "daniel", Name: "Daniel", Gender: "male"},
		{ID: "english-female", Name: "English Female"},
		{ID: "samantha", Name: "Samantha", Gender: "female"},
	}

	tests := []struct {
		name   string
		voices []Voice
		gender string
		want   string
	}{
		{"gender field wins", voices, "female", "samantha"},
		{"male", voices, "Male", "daniel"},
		{"name hint fallback", voices[:2], "female", "english-female"},
		{"no match uses platform default", voices[:1], "female", ""},
		{"no preference", voices, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreferVoice(tt.voices, tt.gender))
		})
	}
}

func TestParseSayVoices(t *testing.T) {
	out := []byte(`Samantha            en_US    # Hello, my name is Samantha.
Daniel              en_GB    # Hello, my name is Daniel.
Bad News            en_US    # The light you see at the end of the tunnel.
`)

	voices := parseSayVoices(out)
	require.Len(t, voices, 3)
	assert.Equal(t, Voice{ID: "Samantha", Name: "Samantha", Gender: "female", Language: "en_US"}, voices[0])
	assert.Equal(t, "male", voices[1].Gender)
	assert.Equal(t, "Bad News", voices[2].Name)
	assert.Empty(t, voices[2].Gender)
}

func TestParseEspeakVoices(t *testing.T) {
	out := []byte(`Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  en-us           --/F      english-us           en/en-us             (en 2)
 5  en              --/M      default              default
`)

	voices := parseEspeakVoices(out)
	require.Len(t, voices, 2)
	assert.Equal(t, Voice{ID: "english-us", Name: "english-us", Gender: "female", Language: "en-us"}, voices[0])
	assert.Equal(t, "male", voices[1].Gender)
}

func TestSilent_CompletesAfterDuration(t *testing.T) {
	s := NewSilent(600, zerolog.Nop()) // 10 words per second
	assert.Equal(t, 300*time.Millisecond, s.Duration("one two three"))

	s.WordsPerMinute = 6000
	done := s.Speak(context.Background(), "one two three")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("speech did not complete")
	}
}

func TestSilent_MinimumDuration(t *testing.T) {
	s := NewSilent(0, zerolog.Nop())
	s.Min = 50 * time.Millisecond
	assert.Equal(t, 175, s.WordsPerMinute)
	assert.Equal(t, 50*time.Millisecond, s.Duration(""))
}

func TestSilent_CancelNeverResolves(t *testing.T) {
	s := NewSilent(1, zerolog.Nop())
	done := s.Speak(context.Background(), "a long pause")

	s.Cancel()
	select {
	case err := <-done:
		t.Fatalf("cancelled speech resolved with %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSilent_NewUtteranceSupersedesOld(t *testing.T) {
	s := NewSilent(1, zerolog.Nop())
	first := s.Speak(context.Background(), "slow words here")

	s.WordsPerMinute = 60000
	second := s.Speak(context.Background(), "quick")

	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second utterance did not complete")
	}

	select {
	case err := <-first:
		t.Fatalf("superseded utterance resolved with %v", err)
	default:
	}
}

func shellCommand(script string) CommandFunc {
	return func(ctx context.Context, voice string, rate int, text string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestSayCommand_Success(t *testing.T) {
	var gotVoice string
	var gotRate int
	s := NewSayCommand(SayConfig{
		Voice: "Samantha",
		Command: func(ctx context.Context, voice string, rate int, text string) *exec.Cmd {
			gotVoice, gotRate = voice, rate
			return exec.CommandContext(ctx, "sh", "-c", "exit 0")
		},
	}, zerolog.Nop())
	assert.True(t, s.IsAvailable())

	select {
	case err := <-s.Speak(context.Background(), "hello"):
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("speech did not complete")
	}
	assert.Equal(t, "Samantha", gotVoice)
	assert.Equal(t, 175, gotRate)
}

func TestSayCommand_FailureIsReported(t *testing.T) {
	s := NewSayCommand(SayConfig{Command: shellCommand("exit 3")}, zerolog.Nop())

	select {
	case err := <-s.Speak(context.Background(), "hello"):
		assert.ErrorIs(t, err, ErrFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("speech did not complete")
	}
}

func TestSayCommand_CancelKillsProcess(t *testing.T) {
	s := NewSayCommand(SayConfig{Command: shellCommand("sleep 10")}, zerolog.Nop())
	done := s.Speak(context.Background(), "hello")

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case err := <-done:
		t.Fatalf("cancelled speech resolved with %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSayCommand_PlatformArgs(t *testing.T) {
	tests := []struct {
		name   string
		binary string
		pitch  float64
		want   []string
	}{
		{"espeak default pitch", "espeak", 0, []string{"espeak", "-v", "en", "-s", "175", "hello"}},
		{"espeak raised pitch", "espeak", 1.1, []string{"espeak", "-v", "en", "-s", "175", "-p", "55", "hello"}},
		{"espeak pitch is clamped", "espeak", 3, []string{"espeak", "-v", "en", "-s", "175", "-p", "99", "hello"}},
		{"say default pitch", "say", 1, []string{"say", "-v", "en", "-r", "175", "hello"}},
		{"say raised pitch", "say", 1.1, []string{"say", "-v", "en", "-r", "175", "[[pbas +2.0]] hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSayCommand(SayConfig{Pitch: tt.pitch}, zerolog.Nop())
			s.binary = tt.binary

			cmd := s.platformCommand(context.Background(), "en", 175, "hello")
			assert.Equal(t, tt.want, cmd.Args)
		})
	}
}
