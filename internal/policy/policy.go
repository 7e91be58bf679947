// Package policy resolves the intelligence slider into a model tier.
//
// The admin-controlled settings live in a versioned, immutable Policy
// snapshot. Readers never lock; writers validate, persist through the Store
// and then swap in a new snapshot with a higher version.
package policy

import (
	"maps"
	"time"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
)

// DefaultIntelligence is used when neither a user nor a global value is set.
const DefaultIntelligence = 50

// DefaultDecisionCacheTTL is the decision cache TTL in seconds.
const DefaultDecisionCacheTTL = 300

// Scope says whom a setting applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// Setting is one stored intelligence value.
type Setting struct {
	Scope     Scope     `json:"scope"`
	UserID    string    `json:"user_id,omitempty"`
	Value     int       `json:"value"`
	SetBy     string    `json:"set_by"`
	SetAt     time.Time `json:"set_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means never
}

// Expired reports whether a user override has lapsed at now.
func (s Setting) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// TierModels names an explicit model per tier. Empty means no override.
type TierModels struct {
	Cheap    string `json:"cheap,omitempty"`
	Balanced string `json:"balanced,omitempty"`
	Premium  string `json:"premium,omitempty"`
}

// For returns the explicit model for t.
func (m TierModels) For(t model.Tier) string {
	switch t {
	case model.TierEconomical:
		return m.Cheap
	case model.TierBalanced:
		return m.Balanced
	case model.TierPremium:
		return m.Premium
	default:
		return ""
	}
}

// TierConfig is the admin's routing configuration.
type TierConfig struct {
	Enabled              bool       `json:"enabled"`
	ToolStrippingEnabled bool       `json:"tool_stripping_enabled"`
	DecisionCacheEnabled bool       `json:"decision_cache_enabled"`
	DecisionCacheTTL     int        `json:"decision_cache_ttl"` // seconds
	Models               TierModels `json:"models"`
}

// DefaultTierConfig returns tiering on, caching on, stripping off.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		Enabled:              true,
		DecisionCacheEnabled: true,
		DecisionCacheTTL:     DefaultDecisionCacheTTL,
	}
}

// TTL returns the decision cache TTL.
func (c TierConfig) TTL() time.Duration {
	return time.Duration(c.DecisionCacheTTL) * time.Second
}

// Validate rejects a non-positive TTL.
func (c TierConfig) Validate() error {
	if c.DecisionCacheTTL <= 0 {
		return errors.ConfigurationError("decision cache ttl must be positive, got %d", c.DecisionCacheTTL)
	}
	return nil
}

// Boundaries split the slider into tiers: [0,EconomicalMax] economical,
// (EconomicalMax,BalancedMax] balanced, the rest premium.
type Boundaries struct {
	EconomicalMax int `json:"economical_max"`
	BalancedMax   int `json:"balanced_max"`
}

// DefaultBoundaries returns 33/66.
func DefaultBoundaries() Boundaries {
	return Boundaries{EconomicalMax: 33, BalancedMax: 66}
}

// Validate requires 0 <= EconomicalMax < BalancedMax < 100.
func (b Boundaries) Validate() error {
	if b.EconomicalMax < 0 || b.EconomicalMax >= b.BalancedMax || b.BalancedMax >= 100 {
		return errors.ConfigurationError("tier boundaries %d/%d must satisfy 0 <= economical < balanced < 100", b.EconomicalMax, b.BalancedMax)
	}
	return nil
}

// ValidateIntelligence rejects values outside [0,100].
func ValidateIntelligence(v int) error {
	if v < 0 || v > 100 {
		return errors.ConfigurationError("intelligence value %d not in [0,100]", v)
	}
	return nil
}

// Target is the outcome of mapping a slider value.
type Target struct {
	Tier          model.Tier
	ExplicitModel string
}

// MapToTier maps a slider value to a tier. It is pure. With tiering disabled
// every value maps to balanced and explicit models are ignored.
func MapToTier(value int, b Boundaries, tc TierConfig) Target {
	if !tc.Enabled {
		return Target{Tier: model.TierBalanced}
	}

	tier := model.TierPremium
	switch {
	case value <= b.EconomicalMax:
		tier = model.TierEconomical
	case value <= b.BalancedMax:
		tier = model.TierBalanced
	}
	return Target{Tier: tier, ExplicitModel: tc.Models.For(tier)}
}

// Source says where a resolved value came from.
type Source string

const (
	SourceUser    Source = "user"
	SourceGlobal  Source = "global"
	SourceDefault Source = "default"
)

// Policy is an immutable snapshot of all routing settings.
type Policy struct {
	Version    uint64
	Global     *Setting
	Users      map[string]Setting
	Tiers      TierConfig
	Boundaries Boundaries
	Default    int
}

// Resolve returns the effective intelligence for userID at now: a live user
// override, else the global value, else the default.
func (p *Policy) Resolve(userID string, now time.Time) (int, Source) {
	if userID != "" {
		if s, ok := p.Users[userID]; ok && !s.Expired(now) {
			return s.Value, SourceUser
		}
	}
	if p.Global != nil {
		return p.Global.Value, SourceGlobal
	}
	return p.Default, SourceDefault
}

// Target resolves userID and maps the value to a tier.
func (p *Policy) Target(userID string, now time.Time) (int, Target) {
	v, _ := p.Resolve(userID, now)
	return v, MapToTier(v, p.Boundaries, p.Tiers)
}

func (p *Policy) clone() *Policy {
	next := *p
	next.Users = maps.Clone(p.Users)
	if next.Users == nil {
		next.Users = make(map[string]Setting)
	}
	if p.Global != nil {
		g := *p.Global
		next.Global = &g
	}
	return &next
}
