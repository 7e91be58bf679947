// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// Client is a scripted provider.
type Client struct {
	ProviderID string
	Models     []model.Model

	// CallFunc answers Call; nil echoes the last message.
	CallFunc func(ctx context.Context, modelID string, req *model.Request) (*model.Response, error)

	mu        sync.Mutex
	healthErr error
	calls     atomic.Int64
	probes    atomic.Int64
}

// New creates a client serving models. Missing ProviderIDs are filled in.
func New(id string, models ...model.Model) *Client {
	for i := range models {
		models[i].ProviderID = id
	}
	return &Client{ProviderID: id, Models: models}
}

func (c *Client) ID() string   { return c.ProviderID }
func (c *Client) Type() string { return "fake" }

func (c *Client) ListModels(ctx context.Context) ([]model.Model, error) {
	out := make([]model.Model, len(c.Models))
	copy(out, c.Models)
	return out, nil
}

func (c *Client) Call(ctx context.Context, modelID string, req *model.Request) (*model.Response, error) {
	c.calls.Add(1)
	if c.CallFunc != nil {
		return c.CallFunc(ctx, modelID, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var text string
	if n := len(req.Messages); n > 0 {
		text = req.Messages[n-1].Content
	}
	return &model.Response{Text: text, Model: modelID, PromptTokens: 10, CompletionTokens: 20}, nil
}

// SetHealthError makes HealthCheck fail with err (nil for healthy).
func (c *Client) SetHealthError(err error) {
	c.mu.Lock()
	c.healthErr = err
	c.mu.Unlock()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	c.probes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

// Calls returns how many times Call ran.
func (c *Client) Calls() int64 { return c.calls.Load() }

// Probes returns how many times HealthCheck ran.
func (c *Client) Probes() int64 { return c.probes.Load() }

// Model builds a catalog entry.
func Model(id string, tier model.Tier, inPer1K, outPer1K float64, fc bool) model.Model {
	return model.Model{
		ID:   id,
		Tier: tier,
		Cost: model.Cost{InputPer1K: inPer1K, OutputPer1K: outPer1K},
		Capabilities: model.Capabilities{
			FunctionCalling: fc,
			ContextWindow:   128000,
		},
	}
}
