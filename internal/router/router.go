// Package router picks the provider and model for a request from the
// intelligence policy, provider health and model cost.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/flynn-ai/flynn-core/internal/cache"
	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/policy"
	"github.com/flynn-ai/flynn-core/internal/stats"
)

// Models is the view of the provider registry the router needs.
type Models interface {
	HealthyModels(tier *model.Tier, req model.Requirements) []model.Model
	HealthyModel(modelID string, req model.Requirements) (model.Model, bool)
	Model(providerID, modelID string) (model.Model, bool)
	Routable(providerID string) bool
}

// Policies supplies policy snapshots.
type Policies interface {
	Snapshot() *policy.Policy
}

// Request describes what a completion needs from routing.
type Request struct {
	UserID                  string
	TierOverride            *model.Tier // bypasses the slider when set
	RequiresFunctionCalling bool
	ToolsPresent            bool
	ModelHint               string
	Requirements            model.Requirements
}

// Reason says why a model was chosen.
type Reason string

const (
	ReasonCache    Reason = "cache"
	ReasonExplicit Reason = "explicit"
	ReasonHint     Reason = "hint"
	ReasonCheapest Reason = "cheapest"
	ReasonFallback Reason = "fallback"
)

// Decision is the routing outcome.
type Decision struct {
	ProviderID    string        `json:"provider"`
	ModelID       string        `json:"model"`
	Tier          model.Tier    `json:"tier"`
	RequestedTier model.Tier    `json:"requested_tier"`
	Intelligence  int           `json:"intelligence"`
	Source        policy.Source `json:"source"`
	Fingerprint   string        `json:"fingerprint"`
	UsedCache     bool          `json:"used_cache"`
	FellBack      bool          `json:"fell_back"`
	Reason        Reason        `json:"reason"`
	PolicyVersion uint64        `json:"policy_version"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
}

// Router routes requests.
type Router struct {
	models   Models
	policies Policies
	cache    *cache.Cache
	now      func() time.Time
	log      logrus.FieldLogger

	group    singleflight.Group
	inFlight stats.Gauge
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Router) { r.log = log }
}

// New creates a router. The cache must use the same clock.
func New(models Models, policies Policies, decisions *cache.Cache, opts ...Option) *Router {
	r := &Router{
		models:   models,
		policies: policies,
		cache:    decisions,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "router")
	return r
}

// InFlight counts Route calls in progress.
func (r *Router) InFlight() *stats.Gauge {
	return &r.inFlight
}

// Cache returns the decision cache.
func (r *Router) Cache() *cache.Cache {
	return r.cache
}

type selection struct {
	model  model.Model
	reason Reason
}

// Route picks a model for req.
//
// A live cached decision for the request fingerprint is returned as is.
// Fallback decisions are never cached.
// Otherwise the explicit tier model wins while healthy, then a healthy model
// hint in the tier, then the cheapest healthy model in the tier (declaration
// order breaks ties). With nothing healthy in the tier the cheapest model one
// tier down is used; past that Route fails with NoAvailableModel.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	_, release := r.inFlight.Acquire()
	defer release()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	snap := r.policies.Snapshot()
	r.cache.SyncVersion(snap.Version)
	now := r.now()

	value, source := snap.Resolve(req.UserID, now)
	target := policy.MapToTier(value, snap.Boundaries, snap.Tiers)
	if req.TierOverride != nil {
		if !req.TierOverride.Valid() {
			return Decision{}, errors.ConfigurationError("invalid tier override %d", int(*req.TierOverride))
		}
		target = policy.Target{Tier: *req.TierOverride}
		if snap.Tiers.Enabled {
			target.ExplicitModel = snap.Tiers.Models.For(target.Tier)
		}
	}

	needs := req.Requirements
	needs.FunctionCalling = needs.FunctionCalling || req.RequiresFunctionCalling
	hint := strings.TrimSpace(req.ModelHint)
	fp := cache.Fingerprint(target.Tier, needs.FunctionCalling, req.ToolsPresent, hint)

	out := Decision{
		RequestedTier: target.Tier,
		Intelligence:  value,
		Source:        source,
		Fingerprint:   fp,
		PolicyVersion: snap.Version,
	}
	log := r.log.WithFields(logrus.Fields{
		"user":         req.UserID,
		"intelligence": value,
		"tier":         target.Tier.String(),
	})

	caching := snap.Tiers.DecisionCacheEnabled
	if caching {
		if d, ok := r.cache.Get(fp); ok && r.usable(d, target, needs) {
			out.ProviderID = d.ProviderID
			out.ModelID = d.ModelID
			out.Tier = d.Tier
			out.UsedCache = true
			out.FellBack = d.Tier != target.Tier
			out.Reason = ReasonCache
			out.ExpiresAt = d.ExpiresAt
			log.WithField("model", d.ModelID).Debug("routing decision from cache")
			return out, nil
		}
	}

	key := fmt.Sprintf("%s@%d|%t|%d|%g", fp, snap.Version, needs.Vision, needs.MinContextWindow, needs.MinFunctionCallingAccuracy)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.selectModel(target, needs, hint)
	})
	if err != nil {
		log.WithError(err).Warn("no model available")
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	sel := v.(selection)
	out.ProviderID = sel.model.ProviderID
	out.ModelID = sel.model.ID
	out.Tier = sel.model.Tier
	out.Reason = sel.reason
	out.FellBack = sel.reason == ReasonFallback

	// A fallback only holds until the requested tier recovers.
	if caching && sel.reason != ReasonFallback {
		ttl := snap.Tiers.TTL()
		stored := r.cache.Put(cache.Decision{
			Fingerprint:   fp,
			ProviderID:    out.ProviderID,
			ModelID:       out.ModelID,
			Tier:          out.Tier,
			PolicyVersion: snap.Version,
		}, ttl)
		if stored {
			out.ExpiresAt = now.Add(ttl)
		}
	}

	log.WithFields(logrus.Fields{
		"provider": out.ProviderID,
		"model":    out.ModelID,
		"reason":   string(out.Reason),
	}).Debug("routing decision")
	return out, nil
}

// usable reports whether a cached decision still points at a routable model
// that fits this request and is not shadowing a healthy explicit tier model.
func (r *Router) usable(d cache.Decision, target policy.Target, needs model.Requirements) bool {
	if !r.models.Routable(d.ProviderID) {
		r.cache.Delete(d.Fingerprint)
		return false
	}
	m, ok := r.models.Model(d.ProviderID, d.ModelID)
	if !ok {
		r.cache.Delete(d.Fingerprint)
		return false
	}
	if target.ExplicitModel != "" {
		if d.ModelID == target.ExplicitModel {
			return true
		}
		if _, healthy := r.models.HealthyModel(target.ExplicitModel, model.Requirements{}); healthy {
			r.cache.Delete(d.Fingerprint)
			return false
		}
	}
	return m.Capabilities.Satisfies(needs)
}

func (r *Router) selectModel(target policy.Target, needs model.Requirements, hint string) (selection, error) {
	if target.ExplicitModel != "" {
		// The admin's explicit choice is not held to capability filters.
		if m, ok := r.models.HealthyModel(target.ExplicitModel, model.Requirements{}); ok {
			return selection{model: m, reason: ReasonExplicit}, nil
		}
		r.log.WithFields(logrus.Fields{
			"model": target.ExplicitModel,
			"tier":  target.Tier.String(),
		}).Warn("explicit tier model unavailable, selecting by cost")
	}

	tier := target.Tier
	candidates := r.models.HealthyModels(&tier, needs)
	if hint != "" {
		for _, m := range candidates {
			if m.ID == hint {
				return selection{model: m, reason: ReasonHint}, nil
			}
		}
	}
	if m, ok := cheapest(candidates); ok {
		return selection{model: m, reason: ReasonCheapest}, nil
	}

	if lower, ok := tier.Lower(); ok {
		if m, ok := cheapest(r.models.HealthyModels(&lower, needs)); ok {
			r.log.WithFields(logrus.Fields{
				"tier":     tier.String(),
				"fallback": lower.String(),
				"model":    m.ID,
			}).Info("no healthy model in tier, falling back one tier down")
			return selection{model: m, reason: ReasonFallback}, nil
		}
	}

	return selection{}, errors.NoAvailableModel(tier.String())
}

// cheapest returns the model with the lowest blended cost; the first declared
// wins ties.
func cheapest(models []model.Model) (model.Model, bool) {
	if len(models) == 0 {
		return model.Model{}, false
	}
	best := models[0]
	for _, m := range models[1:] {
		if m.Cost.Blended() < best.Cost.Blended() {
			best = m
		}
	}
	return best, true
}
