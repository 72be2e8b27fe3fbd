package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
)

// OpenAIGenerator produces replies with the chat completions API.
type OpenAIGenerator struct {
	client openai.Client
	opts   Options
	logger zerolog.Logger
}

// NewOpenAIGenerator creates a generator. Extra request options are appended
// after the ones derived from opts.
func NewOpenAIGenerator(opts Options, logger zerolog.Logger, extra ...option.RequestOption) *OpenAIGenerator {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, extra...)

	return &OpenAIGenerator{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
		logger: logger.With().Str("component", "reply-openai").Logger(),
	}
}

// Generate sends the history and returns the first choice's text.
func (g *OpenAIGenerator) Generate(ctx context.Context, history []Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if g.opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(g.opts.SystemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		default:
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(g.opts.Model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(g.opts.MaxTokens)),
	}
	if g.opts.Temperature > 0 {
		params.Temperature = openai.Float(g.opts.Temperature)
	}

	g.logger.Debug().Int("messages", len(messages)).Str("model", g.opts.Model).Msg("Requesting completion")

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrGenerationFailed)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	return text, nil
}
