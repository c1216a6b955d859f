package inference

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a backend authenticated with apiKey. Extra
// request options (base URL, retries, HTTP client) pass through to the SDK.
func NewAnthropicBackend(apiKey string, opts ...option.RequestOption) *AnthropicBackend {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Complete(ctx context.Context, prompt string, p Params) (Completion, error) {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.Model),
		MaxTokens:   int64(p.MaxTokens),
		Temperature: anthropic.Float(p.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Completion{}, upstream(b.Name(), apiErr.StatusCode, err)
		}
		return Completion{}, upstream(b.Name(), 0, err)
	}

	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	if len(parts) == 0 {
		return Completion{}, upstream(b.Name(), 0, ErrEmptyCompletion)
	}

	return Completion{
		Text:   strings.Join(parts, ""),
		Tokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:  string(msg.Model),
	}, nil
}
