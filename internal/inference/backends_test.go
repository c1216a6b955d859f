package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoBackend(t *testing.T) {
	out, err := EchoBackend{}.Complete(context.Background(), "what is the price of gas", Params{Model: "echo-1", MaxTokens: 3})
	require.NoError(t, err)
	assert.Equal(t, "what is the", out.Text)
	assert.Equal(t, 6+3, out.Tokens)
	assert.Equal(t, "echo-1", out.Model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoBackend{}.Complete(ctx, "hi", Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, 64, req.MaxTokens)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
			assert.Equal(t, "ping", req.Messages[0].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
		}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", srv.URL+"/v1", srv.Client())
	out, err := b.Complete(context.Background(), "ping", Params{Model: "gpt-4o-mini", MaxTokens: 64, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Text)
	assert.Equal(t, 4, out.Tokens)
	assert.Equal(t, "gpt-4o-mini", out.Model)
}

func TestOpenAIBackend_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", srv.URL+"/v1", srv.Client())
	_, err := b.Complete(context.Background(), "ping", Params{Model: "gpt-4o-mini", MaxTokens: 8})
	require.Error(t, err)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "openai", ue.Provider)
	assert.Equal(t, http.StatusInternalServerError, ue.StatusCode)
	assert.False(t, ue.CallerFault())
}

func TestAnthropicBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.Equal(t, 500, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_01","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",
			"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":10,"output_tokens":4}
		}`))
	}))
	defer srv.Close()

	b := NewAnthropicBackend("sk-ant-test", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	out, err := b.Complete(context.Background(), "hi", Params{Model: DefaultModel, MaxTokens: 500, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out.Text)
	assert.Equal(t, 14, out.Tokens)
	assert.Equal(t, DefaultModel, out.Model)
}

func TestAnthropicBackend_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"model: unknown"}}`))
	}))
	defer srv.Close()

	b := NewAnthropicBackend("sk-ant-test", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	_, err := b.Complete(context.Background(), "hi", Params{Model: "nope", MaxTokens: 10})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.True(t, ue.CallerFault())
}
