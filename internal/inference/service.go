package inference

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/fredagent/x402proxy/internal/circuitbreaker"
	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/traces"
)

// Service runs completions through a circuit breaker so a failing
// provider stops consuming payments.
type Service struct {
	backend Backend
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewService wraps backend. A nil breaker disables circuit breaking.
func NewService(backend Backend, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, breaker: breaker, logger: logger}
}

// Backend returns the name of the wrapped backend.
func (s *Service) Backend() string {
	return s.backend.Name()
}

// Available reports whether the backend's circuit admits calls. It does
// not consume the half-open probe.
func (s *Service) Available() bool {
	return s.breaker == nil || s.breaker.State(s.backend.Name()) != circuitbreaker.StateOpen
}

// Complete fills in default params and calls the backend.
func (s *Service) Complete(ctx context.Context, prompt string, p Params) (Completion, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Completion{}, ErrEmptyPrompt
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}

	ctx, span := traces.StartSpan(ctx, "inference.Complete", traces.Model(p.Model))
	defer span.End()

	var out Completion
	call := func() error {
		var err error
		out, err = s.backend.Complete(ctx, prompt, p)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(s.backend.Name(), call, countable)
	} else {
		err = call()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.InferenceRequestsTotal.WithLabelValues("circuit_open").Inc()
		traces.Fail(span, err)
		return Completion{}, err
	case err != nil:
		metrics.InferenceRequestsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		s.logger.Warn("inference failed", "backend", s.backend.Name(), "model", p.Model, "error", err)
		return Completion{}, err
	}

	if out.Model == "" {
		out.Model = p.Model
	}
	metrics.InferenceRequestsTotal.WithLabelValues("ok").Inc()
	metrics.InferenceTokensTotal.Add(float64(out.Tokens))
	return out, nil
}

// countable excludes request errors and caller cancellation from the
// breaker's failure count.
func countable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.CallerFault() {
		return false
	}
	return true
}
