package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"economical", TierEconomical, false},
		{"cheap", TierEconomical, false},
		{" Balanced ", TierBalanced, false},
		{"PREMIUM", TierPremium, false},
		{"ultra", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Tier {
	t.Helper()
	tier, err := ParseTier(s)
	require.NoError(t, err)
	return tier
}

func TestTierLower(t *testing.T) {
	lower, ok := TierPremium.Lower()
	assert.True(t, ok)
	assert.Equal(t, TierBalanced, lower)

	lower, ok = TierBalanced.Lower()
	assert.True(t, ok)
	assert.Equal(t, TierEconomical, lower)

	_, ok = TierEconomical.Lower()
	assert.False(t, ok)
	assert.False(t, Tier(9).Valid())
}

func TestCost(t *testing.T) {
	c := Cost{InputPer1K: 0.5, OutputPer1K: 1.5}

	assert.InDelta(t, 2.0, c.Blended(), 1e-9)
	assert.InDelta(t, 0.5+0.75, c.Estimate(1000, 500), 1e-9)
	assert.Zero(t, Cost{}.Estimate(100, 100))
}

func TestCapabilitiesSatisfies(t *testing.T) {
	caps := Capabilities{FunctionCalling: true, FunctionCallingAccuracy: 0.9, ContextWindow: 32000}

	assert.True(t, caps.Satisfies(Requirements{}))
	assert.True(t, caps.Satisfies(Requirements{FunctionCalling: true, MinContextWindow: 32000}))
	assert.False(t, caps.Satisfies(Requirements{Vision: true}))
	assert.False(t, caps.Satisfies(Requirements{MinContextWindow: 64000}))
	assert.False(t, caps.Satisfies(Requirements{MinFunctionCallingAccuracy: 0.95}))
	assert.False(t, Capabilities{}.Satisfies(Requirements{FunctionCalling: true}))
}

func TestProviderRoutable(t *testing.T) {
	now := time.Unix(1000, 0)

	assert.True(t, Provider{Health: HealthUnknown}.Routable(now))
	assert.True(t, Provider{Health: HealthHealthy}.Routable(now))
	assert.False(t, Provider{Health: HealthDown}.Routable(now))
	assert.False(t, Provider{Health: HealthDegraded}.Routable(now))
	assert.False(t, Provider{Health: HealthDegraded, DegradedUntil: now.Add(time.Second)}.Routable(now))
	assert.True(t, Provider{Health: HealthDegraded, DegradedUntil: now}.Routable(now))
}

func TestProviderErrorMatchesKind(t *testing.T) {
	err := &ProviderError{Provider: "openrouter", Op: "call", Kind: ErrTimeout, Err: context.DeadlineExceeded}

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, "openrouter call: provider timeout: context deadline exceeded", err.Error())

	withStatus := &ProviderError{Provider: "glm", Op: "call", Kind: ErrRateLimited, StatusCode: 429}
	assert.Equal(t, "glm call: provider rate limited (status 429)", withStatus.Error())
	assert.True(t, errors.Is(withStatus, ErrRateLimited))
}

func TestEmbeddingErrorMatchesKind(t *testing.T) {
	err := &EmbeddingError{Op: "embed", Kind: ErrEmbeddingUnavailable}

	assert.True(t, errors.Is(err, ErrEmbeddingUnavailable))
	assert.Equal(t, "embedding embed: embedding service unavailable", err.Error())
}

func TestHealthStateString(t *testing.T) {
	assert.Equal(t, "degraded", HealthDegraded.String())
	assert.Equal(t, "invalid", HealthState(42).String())
}
