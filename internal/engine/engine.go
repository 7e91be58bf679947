// Package engine wires routing, tool retrieval and telemetry into the
// operations the chat backend calls.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/cost"
	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/policy"
	"github.com/flynn-ai/flynn-core/internal/provider"
	"github.com/flynn-ai/flynn-core/internal/retrieval"
	"github.com/flynn-ai/flynn-core/internal/router"
	"github.com/flynn-ai/flynn-core/internal/stats"
	"github.com/flynn-ai/flynn-core/internal/telemetry"
	"github.com/flynn-ai/flynn-core/internal/tools"
)

// Deps are the components an Engine drives.
type Deps struct {
	Registry  *provider.Registry
	Resolver  *policy.Resolver
	Router    *router.Router
	Retriever *retrieval.Retriever
	Catalog   *tools.Catalog
	Access    tools.AccessControl
	Telemetry *telemetry.Aggregator
	Costs     *cost.Tracker
	Stats     *stats.Collector
	Log       logrus.FieldLogger

	// Sources refill the catalog before every re-index
	Sources []ToolSource
	// Database is reported in Status when set
	Database DatabaseInfo
}

// ToolSource feeds tool descriptors into the catalog.
type ToolSource interface {
	Name() string
	Refresh(ctx context.Context, catalog *tools.Catalog) error
}

// DatabaseInfo describes the backing store file.
type DatabaseInfo interface {
	Path() string
	Size() int64
}

// Options tune an Engine.
type Options struct {
	CallTimeout time.Duration // bound on one provider call
	// ToolRefreshInterval re-discovers and re-indexes tools; zero refreshes
	// only on config reloads.
	ToolRefreshInterval time.Duration
	Clock               func() time.Time
	NewID               func() string
}

// Engine is the routing core.
type Engine struct {
	registry  *provider.Registry
	resolver  *policy.Resolver
	router    *router.Router
	retriever *retrieval.Retriever
	catalog   *tools.Catalog
	access    tools.AccessControl
	telemetry *telemetry.Aggregator
	costs     *cost.Tracker
	stats     *stats.Collector
	log       logrus.FieldLogger
	sources   []ToolSource
	db        DatabaseInfo

	callTimeout  time.Duration
	refreshEvery time.Duration
	now          func() time.Time
	newID        func() string

	refresh chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastTiers *policy.TierConfig
}

// New creates an Engine.
func New(d Deps, opts Options) (*Engine, error) {
	switch {
	case d.Registry == nil, d.Resolver == nil, d.Router == nil, d.Telemetry == nil:
		return nil, errors.ConfigurationError("engine needs a registry, resolver, router and telemetry aggregator")
	case d.Retriever != nil && (d.Catalog == nil || d.Access == nil):
		return nil, errors.ConfigurationError("tool retrieval needs a catalog and access control")
	case len(d.Sources) > 0 && d.Catalog == nil:
		return nil, errors.ConfigurationError("tool sources need a catalog")
	}

	e := &Engine{
		registry:     d.Registry,
		resolver:     d.Resolver,
		router:       d.Router,
		retriever:    d.Retriever,
		catalog:      d.Catalog,
		access:       d.Access,
		telemetry:    d.Telemetry,
		costs:        d.Costs,
		stats:        d.Stats,
		log:          d.Log,
		sources:      d.Sources,
		db:           d.Database,
		callTimeout:  opts.CallTimeout,
		refreshEvery: opts.ToolRefreshInterval,
		now:          opts.Clock,
		newID:        opts.NewID,
		refresh:      make(chan struct{}, 1),
	}
	if e.costs == nil {
		e.costs = cost.NewTracker()
	}
	if e.stats == nil {
		e.stats = stats.NewCollector()
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	e.log = e.log.WithField("component", "engine")
	if e.callTimeout <= 0 {
		e.callTimeout = 60 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// ============================================================
// Core operations
// ============================================================

// RouteRequest picks a provider and model.
func (e *Engine) RouteRequest(ctx context.Context, req router.Request) (router.Decision, error) {
	return e.router.Route(ctx, req)
}

// RetrieveTools returns the tools userID may use that are relevant to query.
// k <= 0 uses the configured default. Access control failures fail closed:
// the result is empty and the error is returned.
func (e *Engine) RetrieveTools(ctx context.Context, query, userID string, k int) (retrieval.Result, error) {
	if e.retriever == nil {
		return retrieval.Result{Tools: []retrieval.Scored{}}, nil
	}

	allowed, err := e.access.ResolveAllowedTools(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return retrieval.Result{}, ctx.Err()
		}
		e.log.WithError(err).WithField("user", userID).Warn("tool access denied")
		return retrieval.Result{Tools: []retrieval.Scored{}}, err
	}

	return e.retriever.Retrieve(ctx, retrieval.Request{
		Query:      query,
		K:          k,
		Allowed:    allowed,
		StripTools: e.resolver.TierConfig().ToolStrippingEnabled,
	})
}

// RecordTelemetry appends a record.
func (e *Engine) RecordTelemetry(rec telemetry.Record) {
	e.telemetry.Record(rec)
}

// GetPerformanceRollup computes KPIs over the last windowHours.
func (e *Engine) GetPerformanceRollup(windowHours float64) telemetry.PerformanceKPIs {
	return e.telemetry.Rollup(windowHours)
}

// SyncTools re-indexes the retriever from the tool catalog.
func (e *Engine) SyncTools(ctx context.Context) (retrieval.IndexStats, error) {
	if e.retriever == nil {
		return retrieval.IndexStats{}, nil
	}
	return e.retriever.Index(ctx, e.catalog.All())
}

// RefreshTools re-discovers every tool source and re-indexes. A failing
// source keeps its previous tools; tools that failed to embed last time are
// embedded again.
func (e *Engine) RefreshTools(ctx context.Context) (retrieval.IndexStats, error) {
	for _, src := range e.sources {
		if err := src.Refresh(ctx, e.catalog); err != nil {
			if ctx.Err() != nil {
				return retrieval.IndexStats{}, ctx.Err()
			}
			e.log.WithError(err).WithField("server", src.Name()).Warn("tool refresh failed, keeping previous tools")
		}
	}
	return e.SyncTools(ctx)
}

// ============================================================
// Completion
// ============================================================

// ChatRequest is one chat completion.
type ChatRequest struct {
	UserID       string
	Messages     []model.Message
	UseTools     bool   // offer tools to the model
	ToolQuery    string // defaults to the last user message
	ToolLimit    int
	TierOverride *model.Tier
	ModelHint    string
	Requirements model.Requirements
	MaxTokens    int
	Temperature  float64
}

// ChatResult is a completed chat call.
type ChatResult struct {
	RequestID string
	Response  *model.Response
	Decision  router.Decision
	Tools     retrieval.Result
	CostUSD   float64
}

// Complete retrieves tools, routes and calls the provider. Exactly one
// telemetry record is written per call, whatever the outcome.
func (e *Engine) Complete(ctx context.Context, req ChatRequest) (res *ChatResult, err error) {
	start := e.now()
	before, release := e.stats.InFlight().Acquire()
	defer release()

	rec := telemetry.Record{
		RequestID:         e.newID(),
		UserID:            req.UserID,
		Timestamp:         start,
		ConcurrentAtStart: int(before),
	}
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			rec.TotalLatencyMs = ms(e.now().Sub(start))
			rec.Success = err == nil
			rec.ErrorKind = telemetry.KindOf(err)
			if err != nil {
				rec.TTFTMs, rec.TokensPerSecond = 0, 0
				e.stats.RecordError()
			}
			e.telemetry.Record(rec)
		})
	}
	defer func() { finish(err) }()

	log := e.log.WithFields(logrus.Fields{"request_id": rec.RequestID, "user": req.UserID})

	var found retrieval.Result
	if req.UseTools {
		query := req.ToolQuery
		if query == "" {
			query = lastUserMessage(req.Messages)
		}
		found, err = e.RetrieveTools(ctx, query, req.UserID, req.ToolLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("continuing without tools")
			found, err = retrieval.Result{Tools: []retrieval.Scored{}}, nil
		}
	}
	toolsPresent := len(found.Tools) > 0

	decision, err := e.router.Route(ctx, router.Request{
		UserID:                  req.UserID,
		TierOverride:            req.TierOverride,
		RequiresFunctionCalling: toolsPresent,
		ToolsPresent:            toolsPresent,
		ModelHint:               req.ModelHint,
		Requirements:            req.Requirements,
	})
	rec.QueueWaitMs = ms(e.now().Sub(start))
	if err != nil {
		return nil, err
	}
	rec.Provider = decision.ProviderID
	rec.Model = decision.ModelID
	rec.Tier = decision.Tier.String()
	rec.CacheHit = decision.UsedCache

	client, ok := e.registry.Client(decision.ProviderID)
	if !ok {
		return nil, errors.System(errors.CodeUnknownProvider, "routed to unregistered provider "+decision.ProviderID)
	}

	callReq := &model.Request{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, d := range found.Descriptors() {
		callReq.Tools = append(callReq.Tools, d.Tool())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	callStart := e.now()
	resp, err := client.Call(callCtx, decision.ModelID, callReq)
	elapsed := e.now().Sub(callStart)
	if err != nil {
		// Only the call's own timeout or a provider error counts against the
		// provider; the caller running out of time does not.
		if cerr := ctx.Err(); cerr != nil {
			if !stderrors.Is(err, cerr) {
				err = fmt.Errorf("%w: %v", cerr, err)
			}
		} else {
			e.registry.ReportFailure(decision.ProviderID, err)
		}
		log.WithError(err).WithFields(logrus.Fields{
			"provider": decision.ProviderID,
			"model":    decision.ModelID,
		}).Warn("provider call failed")
		return nil, err
	}
	e.registry.ReportSuccess(decision.ProviderID)

	if resp.Duration <= 0 {
		resp.Duration = elapsed
	}
	ttft := resp.TTFT
	if ttft <= 0 {
		ttft = resp.Duration
	}

	m, _ := e.registry.Model(decision.ProviderID, decision.ModelID)
	costUSD := e.costs.Record(m, resp.PromptTokens, resp.CompletionTokens, e.baseline(m))

	rec.PromptTokens = resp.PromptTokens
	rec.CompletionTokens = resp.CompletionTokens
	rec.TTFTMs = ms(ttft)
	if secs := resp.Duration.Seconds(); secs > 0 {
		rec.TokensPerSecond = float64(resp.CompletionTokens) / secs
	}
	rec.CostUSD = costUSD
	e.stats.RecordRequest(resp.PromptTokens+resp.CompletionTokens, e.now().Sub(start))

	log.WithFields(logrus.Fields{
		"provider": decision.ProviderID,
		"model":    decision.ModelID,
		"tokens":   resp.PromptTokens + resp.CompletionTokens,
		"cost_usd": costUSD,
	}).Debug("completion done")

	return &ChatResult{
		RequestID: rec.RequestID,
		Response:  resp,
		Decision:  decision,
		Tools:     found,
		CostUSD:   costUSD,
	}, nil
}

// baseline is what a call would cost on the cheapest healthy premium model.
func (e *Engine) baseline(chosen model.Model) model.Cost {
	premium := model.TierPremium
	best := chosen.Cost
	found := false
	for _, m := range e.registry.HealthyModels(&premium, model.Requirements{}) {
		if !found || m.Cost.Blended() < best.Blended() {
			best = m.Cost
			found = true
		}
	}
	return best
}

func lastUserMessage(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
