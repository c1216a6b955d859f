package inference

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates a backend. An empty baseURL targets the OpenAI
// API; anything else points at a compatible server.
func NewOpenAIBackend(apiKey, baseURL string, hc *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if hc != nil {
		cfg.HTTPClient = hc
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, prompt string, p Params) (Completion, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: float32(p.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		var (
			apiErr *openai.APIError
			reqErr *openai.RequestError
		)
		switch {
		case errors.As(err, &apiErr):
			return Completion{}, upstream(b.Name(), apiErr.HTTPStatusCode, err)
		case errors.As(err, &reqErr):
			return Completion{}, upstream(b.Name(), reqErr.HTTPStatusCode, err)
		default:
			return Completion{}, upstream(b.Name(), 0, err)
		}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{}, upstream(b.Name(), 0, ErrEmptyCompletion)
	}

	return Completion{
		Text:   resp.Choices[0].Message.Content,
		Tokens: resp.Usage.TotalTokens,
		Model:  resp.Model,
	}, nil
}
