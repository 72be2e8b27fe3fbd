package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiGenerator produces replies with the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	opts   Options
	logger zerolog.Logger
}

// NewGeminiGenerator creates a generator backed by the Gemini developer API.
func NewGeminiGenerator(ctx context.Context, opts Options, logger zerolog.Logger) (*GeminiGenerator, error) {
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiGenerator{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "reply-gemini").Logger(),
	}, nil
}

// Generate sends the history and returns the candidate text.
func (g *GeminiGenerator) Generate(ctx context.Context, history []Message) (string, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.opts.MaxTokens),
	}
	if g.opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(g.opts.Temperature))
	}
	if g.opts.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.opts.SystemPrompt, genai.RoleUser)
	}

	g.logger.Debug().Int("messages", len(contents)).Str("model", g.opts.Model).Msg("Requesting content")

	resp, err := g.client.Models.GenerateContent(ctx, g.opts.Model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	return text, nil
}
