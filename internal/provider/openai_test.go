package provider

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/flynn-core/internal/model"
)

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAICall(t *testing.T) {
	var got chatRequest
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "Flynn", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi",
				"tool_calls": [{"id": "call-1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"go\"}"}}]},
				"finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})

	c := NewOpenAIClient(OpenAIConfig{
		ID:      "openai",
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"X-Title": "Flynn"},
	})

	resp, err := c.Call(context.Background(), "gpt-4o-mini", &model.Request{
		Messages: []model.Message{{Role: "user", Content: "hello"}},
		Tools:    []model.Tool{{Name: "search", Description: "web search"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "search", got.Tools[0].Function.Name)

	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, resp.ToolCalls[0].Arguments)
}

func TestOpenAIStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusTooManyRequests, model.ErrRateLimited},
		{http.StatusUnauthorized, model.ErrAuthFailure},
		{http.StatusForbidden, model.ErrAuthFailure},
		{http.StatusGatewayTimeout, model.ErrTimeout},
		{http.StatusBadGateway, model.ErrUnavailable},
		{http.StatusServiceUnavailable, model.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			})
			c := NewOpenAIClient(OpenAIConfig{ID: "p", BaseURL: srv.URL})

			_, err := c.Call(context.Background(), "m", &model.Request{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var pe *model.ProviderError
			require.True(t, stderrors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "p", pe.Provider)

			assert.ErrorIs(t, c.HealthCheck(context.Background()), tt.kind)
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := NewOpenAIClient(OpenAIConfig{ID: "p", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "m", &model.Request{})
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestOpenAICancelled(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	c := NewOpenAIClient(OpenAIConfig{ID: "p", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "m", &model.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})

	c := NewOpenAIClient(OpenAIConfig{ID: "p", BaseURL: srv.URL, MaxRetries: 3})
	resp, err := c.Call(context.Background(), "m", &model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), hits.Load())
}

func TestOpenAIDoesNotRetryAuth(t *testing.T) {
	var hits atomic.Int32
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := NewOpenAIClient(OpenAIConfig{ID: "p", BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Call(context.Background(), "m", &model.Request{})
	assert.ErrorIs(t, err, model.ErrAuthFailure)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenAIListModelsStampsProvider(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{
		ID:     "or",
		Models: []model.Model{{ID: "x", Tier: model.TierPremium}},
	})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "or", models[0].ProviderID)
	assert.Equal(t, "openai", c.Type())
}
