// Package model provides the catalog and request types shared by the router,
// the provider registry and the provider clients.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the cost/capability class of a model.
type Tier int

const (
	TierEconomical Tier = iota // Cheapest models
	TierBalanced               // Mid-range models
	TierPremium                // Most capable models
)

// Tiers lists every tier from cheapest to most capable.
var Tiers = []Tier{TierEconomical, TierBalanced, TierPremium}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierEconomical:
		return "economical"
	case TierBalanced:
		return "balanced"
	case TierPremium:
		return "premium"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t >= TierEconomical && t <= TierPremium
}

// Lower returns the next cheaper tier. ok is false for TierEconomical.
func (t Tier) Lower() (Tier, bool) {
	if t <= TierEconomical || !t.Valid() {
		return t, false
	}
	return t - 1, true
}

// ParseTier parses a tier name. "cheap" is accepted for economical.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "economical", "cheap", "economy":
		return TierEconomical, nil
	case "balanced":
		return TierBalanced, nil
	case "premium":
		return TierPremium, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Cost is the per-1K-token price of a model in USD.
type Cost struct {
	InputPer1K  float64 `json:"input_per_1k" toml:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" toml:"output_per_1k" yaml:"output_per_1k"`
}

// Blended returns the ranking key used to compare models within a tier.
func (c Cost) Blended() float64 {
	return c.InputPer1K + c.OutputPer1K
}

// Estimate returns the USD cost of a call with the given token counts.
func (c Cost) Estimate(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.InputPer1K + float64(completionTokens)/1000*c.OutputPer1K
}

// Capabilities describes what a model can do.
type Capabilities struct {
	FunctionCalling         bool    `json:"function_calling"`
	FunctionCallingAccuracy float64 `json:"function_calling_accuracy,omitempty"`
	VisionSupport           bool    `json:"vision_support"`
	ContextWindow           int     `json:"context_window"`
}

// Requirements is what a request needs from a model.
type Requirements struct {
	FunctionCalling            bool    `json:"function_calling,omitempty"`
	Vision                     bool    `json:"vision,omitempty"`
	MinContextWindow           int     `json:"min_context_window,omitempty"`
	MinFunctionCallingAccuracy float64 `json:"min_function_calling_accuracy,omitempty"`
}

// Satisfies reports whether c meets every requirement in r.
func (c Capabilities) Satisfies(r Requirements) bool {
	if r.FunctionCalling && !c.FunctionCalling {
		return false
	}
	if r.Vision && !c.VisionSupport {
		return false
	}
	if r.MinContextWindow > 0 && c.ContextWindow < r.MinContextWindow {
		return false
	}
	if r.MinFunctionCallingAccuracy > 0 && c.FunctionCallingAccuracy < r.MinFunctionCallingAccuracy {
		return false
	}
	return true
}

// Model is one catalog entry of a provider.
type Model struct {
	ID           string       `json:"id"`
	ProviderID   string       `json:"provider_id"`
	Tier         Tier         `json:"tier"`
	Cost         Cost         `json:"cost"`
	Capabilities Capabilities `json:"capabilities"`
}

// HealthState is the last known health of a provider.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthDown
)

// String returns the state name.
func (h HealthState) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "invalid"
	}
}

// Provider is a configured LLM backend and its catalog.
type Provider struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	CredentialsRef string      `json:"credentials_ref,omitempty"`
	Models         []Model     `json:"models"`
	Health         HealthState `json:"health"`
	LastCheck      time.Time   `json:"last_check"`

	// DegradedUntil ends the cool-down window of a degraded provider
	DegradedUntil time.Time `json:"degraded_until,omitempty"`
}

// Routable reports whether the provider may receive traffic at now.
// Providers start unknown and are routable until a probe says otherwise.
func (p Provider) Routable(now time.Time) bool {
	switch p.Health {
	case HealthHealthy, HealthUnknown:
		return true
	case HealthDegraded:
		return !p.DegradedUntil.IsZero() && !now.Before(p.DegradedUntil)
	default:
		return false
	}
}

// ============================================================
// Completion Types
// ============================================================

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool represents a tool definition for function calling.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request represents a chat completion request sent to a provider.
type Request struct {
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response represents a provider completion.
type Response struct {
	Text             string        `json:"text"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	TTFT             time.Duration `json:"ttft"`
	Duration         time.Duration `json:"duration"`
}
