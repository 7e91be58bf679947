// Package embedding is an HTTP client for OpenAI-compatible /embeddings
// endpoints.
package embedding

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// Config configures the client.
type Config struct {
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	// MaxElapsed bounds retries of one call; the caller's context still wins.
	MaxElapsed time.Duration
}

// Client embeds text.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out [][]float32
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(c.classify(ctx, "rate limit", 0, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return c.retryable(c.classify(ctx, "request", 0, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.retryable(c.classify(ctx, "read", 0, err))
		}
		if resp.StatusCode != http.StatusOK {
			return c.retryable(c.classify(ctx, "request", resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(raw))))
		}

		var er embedResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			return backoff.Permanent(&model.EmbeddingError{Op: "decode", Kind: model.ErrEmbeddingUnavailable, Err: err})
		}
		if len(er.Data) != len(texts) {
			return backoff.Permanent(&model.EmbeddingError{
				Op:   "decode",
				Kind: model.ErrEmbeddingUnavailable,
				Err:  fmt.Errorf("got %d vectors for %d inputs", len(er.Data), len(texts)),
			})
		}

		sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
		out = make([][]float32, len(er.Data))
		for i, d := range er.Data {
			out[i] = d.Embedding
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.cfg.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		// A context ending between attempts surfaces as the bare ctx error.
		if stderrors.Is(err, context.DeadlineExceeded) && !isEmbeddingError(err) {
			return nil, &model.EmbeddingError{Op: "request", Kind: model.ErrEmbeddingTimeout, Err: err}
		}
		return nil, err
	}
	return out, nil
}

// retryable keeps 429 and 5xx retryable; everything else is permanent.
func (c *Client) retryable(err *model.EmbeddingError) error {
	if err.Kind == model.ErrEmbeddingTimeout {
		return backoff.Permanent(err)
	}
	if stderrors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	var se *statusError
	if stderrors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (c *Client) classify(ctx context.Context, op string, status int, err error) *model.EmbeddingError {
	ee := &model.EmbeddingError{Op: op, Kind: model.ErrEmbeddingUnavailable, Err: err}
	if status != 0 {
		ee.Err = &statusError{code: status, err: err}
		if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
			ee.Kind = model.ErrEmbeddingTimeout
		}
		return ee
	}

	var netErr net.Error
	switch {
	case stderrors.Is(ctx.Err(), context.Canceled):
		ee.Err = context.Canceled
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.As(err, &netErr) && netErr.Timeout():
		ee.Kind = model.ErrEmbeddingTimeout
	case op == "rate limit":
		// rate.Limiter refuses waits that would overrun the deadline.
		ee.Kind = model.ErrEmbeddingTimeout
	}
	return ee
}

func isEmbeddingError(err error) bool {
	var ee *model.EmbeddingError
	return stderrors.As(err, &ee)
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("status %d", e.code)
	}
	return fmt.Sprintf("status %d: %v", e.code, e.err)
}

func (e *statusError) Unwrap() error { return e.err }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}
