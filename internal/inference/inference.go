// Package inference is the guarded operation behind the paywall: a single
// prompt completion against a pluggable LLM backend.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	DefaultModel       = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

var (
	ErrEmptyPrompt     = errors.New("inference: prompt is empty")
	ErrEmptyCompletion = errors.New("inference: backend returned no text")
)

// Params tune one completion.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is a backend's answer.
type Completion struct {
	Text   string
	Tokens int
	Model  string
}

// Backend produces completions. Implementations must be safe for
// concurrent use.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string, p Params) (Completion, error)
}

// UpstreamError is a failure reported by the provider's API.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("inference: %s returned %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference: %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CallerFault reports whether the provider rejected the request itself
// (bad model name, prompt too long). Rate limits and server errors are
// the provider's fault.
func (e *UpstreamError) CallerFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func upstream(provider string, status int, err error) error {
	return &UpstreamError{Provider: provider, StatusCode: status, Err: err}
}
