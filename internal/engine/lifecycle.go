package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/cache"
	"github.com/flynn-ai/flynn-core/internal/config"
	"github.com/flynn-ai/flynn-core/internal/cost"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/policy"
	"github.com/flynn-ai/flynn-core/internal/stats"
	"github.com/flynn-ai/flynn-core/internal/tools"
)

// ============================================================
// Background loops
// ============================================================

// Start begins flushing the decision cache on every policy change and
// refreshing tools on the configured interval or a config reload. Calling
// Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	changes, unsubscribe := e.resolver.Subscribe()
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		e.watchPolicy(ctx, changes)
	}()
	go func() {
		defer e.wg.Done()
		e.refreshLoop(ctx)
	}()
}

func (e *Engine) watchPolicy(ctx context.Context, changes <-chan policy.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if decisions := e.router.Cache(); decisions != nil && decisions.SyncVersion(c.Version) {
				e.log.WithFields(logrus.Fields{
					"kind":    c.Kind,
					"version": c.Version,
					"set_by":  c.SetBy,
				}).Info("policy changed, decision cache flushed")
			}
		}
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	var tick <-chan time.Time
	if e.refreshEvery > 0 {
		ticker := time.NewTicker(e.refreshEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-e.refresh:
		}

		st, err := e.RefreshTools(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).WithField("failed", st.Failed).Warn("tool re-index incomplete")
			continue
		}
		if st.Added+st.Updated+st.Removed > 0 {
			e.log.WithFields(logrus.Fields{
				"added":   st.Added,
				"updated": st.Updated,
				"removed": st.Removed,
			}).Info("tool index refreshed")
		}
	}
}

// requestRefresh asks the refresh loop for a run without blocking.
func (e *Engine) requestRefresh() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

// Close stops the background loops.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

// ============================================================
// Configuration
// ============================================================

// TierConfigFrom converts the routing section of the config file.
func TierConfigFrom(rc config.RoutingConfig) policy.TierConfig {
	return policy.TierConfig{
		Enabled:              rc.Enabled,
		ToolStrippingEnabled: rc.ToolStrippingEnabled,
		DecisionCacheEnabled: rc.DecisionCacheEnabled,
		DecisionCacheTTL:     rc.DecisionCacheTTL,
		Models: policy.TierModels{
			Cheap:    rc.Models.Cheap,
			Balanced: rc.Models.Balanced,
			Premium:  rc.Models.Premium,
		},
	}
}

// ApplyConfig pushes a reloaded config file into the running engine. The
// tier config is written only when the routing section changed since the
// last apply, so admin writes made through the API survive unrelated edits.
// Tools are refreshed in the background once Start has run.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if access, ok := e.access.(*tools.RoleAccess); ok {
		access.SetRoles(cfg.Roles())
	}

	tc := TierConfigFrom(cfg.Routing)

	e.mu.Lock()
	changed := e.lastTiers == nil || *e.lastTiers != tc
	e.mu.Unlock()

	if changed {
		if err := e.resolver.SetTierConfig(ctx, tc, "config"); err != nil {
			return err
		}
		e.mu.Lock()
		e.lastTiers = &tc
		e.mu.Unlock()
	}

	snap := e.resolver.Snapshot()
	b := policy.Boundaries{EconomicalMax: cfg.Routing.EconomicalMax, BalancedMax: cfg.Routing.BalancedMax}
	if b != snap.Boundaries || cfg.Routing.DefaultIntelligence != snap.Default {
		e.log.WithFields(logrus.Fields{
			"economical_max": b.EconomicalMax,
			"balanced_max":   b.BalancedMax,
			"default":        cfg.Routing.DefaultIntelligence,
		}).Warn("tier boundaries and default intelligence apply after restart")
	}

	e.requestRefresh()
	return nil
}

// MarkConfigApplied records tc as the routing section already in effect.
func (e *Engine) MarkConfigApplied(tc policy.TierConfig) {
	e.mu.Lock()
	e.lastTiers = &tc
	e.mu.Unlock()
}

// ============================================================
// Status
// ============================================================

// ProviderStatus is one provider's health.
type ProviderStatus struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Health        string    `json:"health"`
	DegradedUntil time.Time `json:"degraded_until,omitempty"`
	Models        int       `json:"models"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	PolicyVersion   uint64           `json:"policy_version"`
	Tiering         bool             `json:"tiering_enabled"`
	Providers       []ProviderStatus `json:"providers"`
	DecisionCache   cache.Stats      `json:"decision_cache"`
	IndexedTools    int              `json:"indexed_tools"`
	RetrievalDown   bool             `json:"retrieval_degraded"`
	Process         *stats.Stats     `json:"process"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	SavingsUSD      float64          `json:"savings_usd"`
	Daily           cost.DailyStats  `json:"daily"`
	TelemetryBuffer int              `json:"telemetry_records"`
}

// Status returns a snapshot for the status endpoint.
func (e *Engine) Status() Status {
	snap := e.resolver.Snapshot()
	st := Status{
		PolicyVersion:   snap.Version,
		Tiering:         snap.Tiers.Enabled,
		TotalCostUSD:    e.costs.TotalCost(),
		SavingsUSD:      e.costs.Savings(),
		Daily:           e.costs.GetDailyStats(),
		TelemetryBuffer: e.telemetry.Len(),
	}
	if e.db != nil {
		st.Process = e.stats.Collect(e.db.Size(), e.db.Path())
	} else {
		st.Process = e.stats.Collect(0, "")
	}
	for _, p := range e.registry.Providers() {
		ps := ProviderStatus{
			ID:     p.ID,
			Type:   p.Type,
			Health: p.Health.String(),
			Models: len(p.Models),
		}
		if p.Health == model.HealthDegraded {
			ps.DegradedUntil = p.DegradedUntil
		}
		st.Providers = append(st.Providers, ps)
	}
	if decisions := e.router.Cache(); decisions != nil {
		st.DecisionCache = decisions.Stats()
	}
	if e.retriever != nil {
		st.IndexedTools = e.retriever.Len()
		st.RetrievalDown = e.retriever.Degraded()
	}
	return st
}
