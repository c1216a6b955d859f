package inference

import (
	"context"
	"strings"
)

// EchoBackend answers with the prompt itself. It costs nothing and is the
// default for development and tests.
type EchoBackend struct{}

func (EchoBackend) Name() string { return "echo" }

func (EchoBackend) Complete(ctx context.Context, prompt string, p Params) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	words := strings.Fields(prompt)
	if p.MaxTokens > 0 && len(words) > p.MaxTokens {
		words = words[:p.MaxTokens]
	}
	text := strings.Join(words, " ")
	return Completion{
		Text:   text,
		Tokens: len(strings.Fields(prompt)) + len(words),
		Model:  p.Model,
	}, nil
}
