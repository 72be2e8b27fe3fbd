// Package reply defines the text-generation collaborator the orchestrator
// calls once per user turn.
package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrGenerationFailed is returned when the remote call produced no usable reply.
var ErrGenerationFailed = errors.New("reply generation failed")

// Role identifies who said a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history, oldest first.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Generator produces the next assistant reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, history []Message) (string, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, history []Message) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, history []Message) (string, error) {
	return f(ctx, history)
}

// Options are the generation settings shared by remote providers. The
// system prompt is part of the provider, never of the history.
type Options struct {
	Model        string
	BaseURL      string
	APIKey       string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// New builds the Generator for the named provider.
func New(ctx context.Context, provider string, opts Options, logger zerolog.Logger) (Generator, error) {
	switch provider {
	case "", "openai":
		return NewOpenAIGenerator(opts, logger), nil
	case "gemini":
		g, err := NewGeminiGenerator(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown reply provider %q", provider)
	}
}
