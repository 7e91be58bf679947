package provider

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// OpenAIConfig configures an OpenAI-compatible client (OpenAI, OpenRouter,
// GLM and similar chat completion endpoints).
type OpenAIConfig struct {
	ID      string
	Type    string
	APIKey  string
	BaseURL string // e.g. https://openrouter.ai/api/v1
	Timeout time.Duration
	Models  []model.Model

	// MaxRetries retries rate-limited and 5xx calls with exponential
	// backoff. Zero leaves retries to the caller.
	MaxRetries uint64

	// Headers are sent with every request (OpenRouter attribution etc.)
	Headers map[string]string
}

// OpenAIClient implements Client over the chat completions API.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIClient creates a new client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Type == "" {
		cfg.Type = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ID returns the provider id.
func (c *OpenAIClient) ID() string { return c.cfg.ID }

// Type returns the provider type.
func (c *OpenAIClient) Type() string { return c.cfg.Type }

// ListModels returns the configured catalog.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]model.Model, error) {
	out := make([]model.Model, len(c.cfg.Models))
	copy(out, c.cfg.Models)
	for i := range out {
		out[i].ProviderID = c.cfg.ID
	}
	return out, nil
}

// Call sends a chat completion request.
func (c *OpenAIClient) Call(ctx context.Context, modelID string, req *model.Request) (*model.Response, error) {
	body := chatRequest{
		Model:       modelID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var (
		start = time.Now()
		out   *model.Response
	)
	op := func() error {
		start = time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return c.retryable(c.classify(ctx, "call", 0, err))
		}
		ttft := time.Since(start)
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.retryable(c.classify(ctx, "call", 0, err))
		}
		if resp.StatusCode != http.StatusOK {
			return c.retryable(c.classify(ctx, "call", resp.StatusCode, fmt.Errorf("%s", truncate(respBody))))
		}

		var cr chatResponse
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return backoff.Permanent(c.classify(ctx, "call", resp.StatusCode, fmt.Errorf("parse response: %w", err)))
		}
		if len(cr.Choices) == 0 {
			return backoff.Permanent(c.classify(ctx, "call", resp.StatusCode, fmt.Errorf("no choices in response")))
		}

		msg := cr.Choices[0].Message
		out = &model.Response{
			Text:             msg.Content,
			Model:            cr.Model,
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TTFT:             ttft,
			Duration:         time.Since(start),
		}
		if out.Model == "" {
			out.Model = modelID
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return nil
	}

	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck lists the remote models.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.classify(ctx, "health", 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return c.classify(ctx, "health", resp.StatusCode, nil)
	}
	return nil
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func (c *OpenAIClient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.cfg.Timeout
	return backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
}

// retryable marks everything but rate limits and unavailability permanent.
func (c *OpenAIClient) retryable(err *model.ProviderError) error {
	if stderrors.Is(err, model.ErrRateLimited) || stderrors.Is(err, model.ErrUnavailable) {
		if !stderrors.Is(err, context.Canceled) {
			return err
		}
	}
	return backoff.Permanent(err)
}

// classify maps a transport error or HTTP status to a provider failure kind.
func (c *OpenAIClient) classify(ctx context.Context, op string, status int, err error) *model.ProviderError {
	pe := &model.ProviderError{Provider: c.cfg.ID, Op: op, StatusCode: status, Err: err}

	var netErr net.Error
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = model.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = model.ErrAuthFailure
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		pe.Kind = model.ErrTimeout
	case status != 0:
		pe.Kind = model.ErrUnavailable
	case stderrors.Is(ctx.Err(), context.Canceled):
		pe.Kind = model.ErrUnavailable
		pe.Err = context.Canceled
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &netErr) && netErr.Timeout():
		pe.Kind = model.ErrTimeout
	default:
		pe.Kind = model.ErrUnavailable
	}
	return pe
}

func truncate(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// ============================================================
// Chat Completions API Types
// ============================================================

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Tools       []chatTool      `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
