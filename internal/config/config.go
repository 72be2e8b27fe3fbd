// Package config provides configuration management for the companion
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Reply     ReplyConfig     `mapstructure:"reply" yaml:"reply"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Synthesis SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	Avatar    AvatarConfig    `mapstructure:"avatar" yaml:"avatar"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Safety    SafetyConfig    `mapstructure:"safety" yaml:"safety"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SessionConfig configures the turn-taking orchestrator
type SessionConfig struct {
	Greeting     string        `mapstructure:"greeting" yaml:"greeting"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	AutoListen   bool          `mapstructure:"auto_listen" yaml:"auto_listen"` // Resume listening after the assistant finishes speaking
}

// ReplyConfig configures the remote text-generation call
type ReplyConfig struct {
	Provider     string  `mapstructure:"provider" yaml:"provider"` // openai, gemini
	Model        string  `mapstructure:"model" yaml:"model"`
	BaseURL      string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string  `mapstructure:"api_key" yaml:"api_key"`
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string  `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// CaptureConfig configures speech capture
type CaptureConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider"` // console, deepgram, none
	DeepgramAPIKey string `mapstructure:"deepgram_api_key" yaml:"deepgram_api_key"`
	Model          string `mapstructure:"model" yaml:"model"`
	Language       string `mapstructure:"language" yaml:"language"`
	SampleRate     int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	InterimResults bool   `mapstructure:"interim_results" yaml:"interim_results"`
}

// SynthesisConfig configures speech output
type SynthesisConfig struct {
	Provider        string  `mapstructure:"provider" yaml:"provider"` // say, silent
	PreferredGender string  `mapstructure:"preferred_gender" yaml:"preferred_gender"`
	Voice           string  `mapstructure:"voice" yaml:"voice"` // Explicit voice, overrides preference
	Rate            int     `mapstructure:"rate" yaml:"rate"`   // Words per minute
	Pitch           float64 `mapstructure:"pitch" yaml:"pitch"` // Relative to the voice's own pitch
}

// AvatarConfig configures the animation synchronizer
type AvatarConfig struct {
	AssetPath    string        `mapstructure:"asset_path" yaml:"asset_path"`
	FadeDuration time.Duration `mapstructure:"fade_duration" yaml:"fade_duration"`
	IdleClip     string        `mapstructure:"idle_clip" yaml:"idle_clip"`
	TalkingClip  string        `mapstructure:"talking_clip" yaml:"talking_clip"`
	TickRate     int           `mapstructure:"tick_rate" yaml:"tick_rate"` // Updates per second
}

// ArchiveConfig configures transcript persistence
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the websocket UI bridge
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SafetyConfig configures the local keyword screen
type SafetyConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// LogConfig configures logging
type LogConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := GetConfigDir()

	return &Config{
		Session: SessionConfig{
			Greeting:     "Hi there! I'm Emma, your virtual companion. How are you feeling today? I'm here to listen and talk with you.",
			ReplyTimeout: 30 * time.Second,
			AutoListen:   true,
		},
		Reply: ReplyConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   500,
			SystemPrompt: "You are a compassionate mental health companion. Offer evidence-based coping strategies and emotional support, " +
				"be empathetic and patient, and encourage seeking professional help when needed.",
		},
		Capture: CaptureConfig{
			Provider:       "console",
			Model:          "nova-2",
			Language:       "en-US",
			SampleRate:     16000,
			InterimResults: true,
		},
		Synthesis: SynthesisConfig{
			Provider:        "silent",
			PreferredGender: "female",
			Rate:            175,
			Pitch:           1.1,
		},
		Avatar: AvatarConfig{
			FadeDuration: 500 * time.Millisecond,
			IdleClip:     "Idle",
			TalkingClip:  "Talking",
			TickRate:     30,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "transcripts.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Safety: SafetyConfig{
			Enabled: true,
			Keywords: []string{
				"suicide", "kill myself", "end my life", "self harm", "hurt myself", "want to die",
			},
		},
		Log: LogConfig{
			Dir:     filepath.Join(dir, "logs"),
			Level:   "info",
			Console: true,
		},
	}
}

// envKeys are the settings that can be overridden with COMPANION_* variables.
var envKeys = []string{
	"reply.model",
	"reply.base_url",
	"reply.api_key",
	"capture.provider",
	"synthesis.provider",
	"synthesis.voice",
	"avatar.asset_path",
	"archive.path",
	"server.addr",
	"log.level",
}

// Loader reads configuration from file and environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader. An explicit path overrides the search paths.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return &Loader{v: v}
}

// Load reads the file (if present) over the defaults. A missing file is
// not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	// Env-only secrets win over empty file values.
	if cfg.Reply.APIKey == "" {
		if cfg.Reply.Provider == "gemini" {
			cfg.Reply.APIKey = os.Getenv("GEMINI_API_KEY")
		} else {
			cfg.Reply.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Capture.DeepgramAPIKey == "" {
		cfg.Capture.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	return cfg, nil
}

// File returns the config file in use, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes and hands the
// fresh value to fn.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		err := l.v.Unmarshal(cfg)
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// Save writes the configuration to path, or to the default config file
// when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Secrets stay in the environment.
	reply, capture := cfg.Reply, cfg.Capture
	reply.APIKey = ""
	capture.DeepgramAPIKey = ""

	v := viper.New()
	v.Set("session", cfg.Session)
	v.Set("reply", reply)
	v.Set("capture", capture)
	v.Set("synthesis", cfg.Synthesis)
	v.Set("avatar", cfg.Avatar)
	v.Set("archive", cfg.Archive)
	v.Set("server", cfg.Server)
	v.Set("safety", cfg.Safety)
	v.Set("log", cfg.Log)

	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexcompanion"), nil
}
