// Package provider tracks configured LLM providers, their catalogs and their
// health.
//
// Reads go through an immutable snapshot swapped with atomic.Pointer, so the
// request path never takes a lock. Health changes arrive from the Checker and
// from failures reported by callers.
package provider

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
)

// Client is the capability interface every provider implements.
type Client interface {
	ID() string
	Type() string
	ListModels(ctx context.Context) ([]model.Model, error)
	Call(ctx context.Context, modelID string, req *model.Request) (*model.Response, error)
	HealthCheck(ctx context.Context) error
}

// Transition is a provider health change.
type Transition struct {
	ProviderID string
	From       model.HealthState
	To         model.HealthState
	At         time.Time
	Cause      error
}

type entry struct {
	provider model.Provider
	client   Client
	breaker  *errors.CircuitBreaker
}

type snapshot struct {
	order   []string
	entries map[string]*entry
}

// Registry holds registered providers.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]

	now              func() time.Time
	log              logrus.FieldLogger
	coolDown         time.Duration
	failureThreshold int

	subMu   sync.Mutex
	subs    map[int]chan Transition
	nextSub int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = log }
}

// WithCoolDown sets how long a degraded provider is kept out of routing.
func WithCoolDown(d time.Duration) Option {
	return func(r *Registry) { r.coolDown = d }
}

// WithFailureThreshold sets how many consecutive unavailable or rate-limited
// calls degrade a provider. Timeouts degrade it immediately.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) { r.failureThreshold = n }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:              time.Now,
		log:              logrus.StandardLogger(),
		coolDown:         30 * time.Second,
		failureThreshold: 3,
		subs:             make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "provider-registry")
	r.snap.Store(&snapshot{entries: make(map[string]*entry)})
	return r
}

// Register adds a provider and loads its catalog. Duplicate ids are rejected.
func (r *Registry) Register(ctx context.Context, c Client) error {
	id := c.ID()
	if id == "" {
		return errors.ConfigurationError("provider id must not be empty")
	}
	if _, ok := r.snap.Load().entries[id]; ok {
		return errors.DuplicateProvider(id)
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeProviderUnavailable, "load catalog of "+id, errors.CategorySystem)
	}
	seen := make(map[string]bool, len(models))
	for i := range models {
		if models[i].ProviderID == "" {
			models[i].ProviderID = id
		}
		if models[i].ProviderID != id {
			return errors.ConfigurationError("model %s of provider %s claims provider %s", models[i].ID, id, models[i].ProviderID)
		}
		if !models[i].Tier.Valid() {
			return errors.ConfigurationError("model %s of provider %s has invalid tier", models[i].ID, id)
		}
		if seen[models[i].ID] {
			return errors.ConfigurationError("model %s declared twice by provider %s", models[i].ID, id)
		}
		seen[models[i].ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.entries[id]; ok {
		return errors.DuplicateProvider(id)
	}

	next := cur.clone()
	next.order = append(next.order, id)
	next.entries[id] = &entry{
		provider: model.Provider{ID: id, Type: c.Type(), Models: models, Health: model.HealthUnknown},
		client:   c,
		breaker: errors.NewCircuitBreaker(id, &errors.CircuitBreakerConfig{
			MaxFailures:      r.failureThreshold,
			ResetTimeout:     r.coolDown,
			HalfOpenAttempts: 1,
			Clock:            r.now,
		}),
	}
	r.snap.Store(next)

	r.log.WithFields(logrus.Fields{"provider": id, "type": c.Type(), "models": len(models)}).Info("provider registered")
	return nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		order:   append([]string(nil), s.order...),
		entries: make(map[string]*entry, len(s.entries)+1),
	}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	return next
}

// Client returns the client for a provider.
func (r *Registry) Client(id string) (Client, bool) {
	e, ok := r.snap.Load().entries[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Provider returns a copy of one provider.
func (r *Registry) Provider(id string) (model.Provider, bool) {
	e, ok := r.snap.Load().entries[id]
	if !ok {
		return model.Provider{}, false
	}
	return e.provider, true
}

// Providers returns every provider in registration order.
func (r *Registry) Providers() []model.Provider {
	s := r.snap.Load()
	out := make([]model.Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].provider)
	}
	return out
}

// Routable reports whether a provider may receive traffic now.
func (r *Registry) Routable(id string) bool {
	e, ok := r.snap.Load().entries[id]
	return ok && e.provider.Routable(r.now())
}

// HealthyModels returns models of routable providers that match tier (nil
// means any tier) and satisfy req, in declaration order. An empty result is
// valid.
func (r *Registry) HealthyModels(tier *model.Tier, req model.Requirements) []model.Model {
	s := r.snap.Load()
	now := r.now()

	var out []model.Model
	for _, id := range s.order {
		e := s.entries[id]
		if !e.provider.Routable(now) {
			continue
		}
		for _, m := range e.provider.Models {
			if tier != nil && m.Tier != *tier {
				continue
			}
			if !m.Capabilities.Satisfies(req) {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// HealthyModel finds a model by id on a routable provider, ignoring tiers.
func (r *Registry) HealthyModel(modelID string, req model.Requirements) (model.Model, bool) {
	for _, m := range r.HealthyModels(nil, req) {
		if m.ID == modelID {
			return m, true
		}
	}
	return model.Model{}, false
}

// Model finds a model by provider and id regardless of health.
func (r *Registry) Model(providerID, modelID string) (model.Model, bool) {
	e, ok := r.snap.Load().entries[providerID]
	if !ok {
		return model.Model{}, false
	}
	for _, m := range e.provider.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return model.Model{}, false
}

// ============================================================
// Health
// ============================================================

// SetHealth records a probe result. Degraded providers sit out the cool-down.
func (r *Registry) SetHealth(id string, state model.HealthState, cause error) {
	r.setHealth(id, state, time.Time{}, cause)
}

func (r *Registry) setHealth(id string, state model.HealthState, degradedUntil time.Time, cause error) {
	r.mu.Lock()

	cur := r.snap.Load()
	e, ok := cur.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.now()
	p := e.provider
	from := p.Health
	p.Health = state
	p.LastCheck = now
	p.DegradedUntil = time.Time{}
	if state == model.HealthDegraded {
		if degradedUntil.IsZero() {
			degradedUntil = now.Add(r.coolDown)
		}
		p.DegradedUntil = degradedUntil
	}

	next := cur.clone()
	next.entries[id] = &entry{provider: p, client: e.client, breaker: e.breaker}
	r.snap.Store(next)
	r.mu.Unlock()

	if from == state && state != model.HealthDegraded {
		return
	}

	fields := logrus.Fields{"provider": id, "from": from.String(), "to": state.String()}
	if !p.DegradedUntil.IsZero() {
		fields["until"] = p.DegradedUntil
	}
	entryLog := r.log.WithFields(fields)
	if cause != nil {
		entryLog = entryLog.WithError(cause)
	}
	if state == model.HealthHealthy {
		entryLog.Info("provider health changed")
	} else {
		entryLog.Warn("provider health changed")
	}

	r.publish(Transition{ProviderID: id, From: from, To: state, At: now, Cause: cause})
}

// ReportFailure feeds a failed call into the provider's breaker. A timeout
// degrades the provider for the cool-down at once; unavailable and
// rate-limited calls do so after the failure threshold; auth failures mark it
// down. Caller cancellations are ignored.
func (r *Registry) ReportFailure(id string, err error) {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return
	}
	e, ok := r.snap.Load().entries[id]
	if !ok {
		return
	}

	switch {
	case stderrors.Is(err, model.ErrAuthFailure):
		r.SetHealth(id, model.HealthDown, err)
	case stderrors.Is(err, model.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		e.breaker.Trip()
		r.setHealth(id, model.HealthDegraded, e.breaker.OpenUntil(), err)
	case stderrors.Is(err, model.ErrUnavailable), stderrors.Is(err, model.ErrRateLimited):
		e.breaker.Allow() // half-opens once the cool-down has passed
		if e.breaker.Record(err) {
			r.setHealth(id, model.HealthDegraded, e.breaker.OpenUntil(), err)
		}
	}
}

// ReportSuccess closes the breaker and restores a degraded provider whose
// cool-down has passed.
func (r *Registry) ReportSuccess(id string) {
	e, ok := r.snap.Load().entries[id]
	if !ok {
		return
	}
	e.breaker.Allow()
	e.breaker.Record(nil)
	if e.provider.Health == model.HealthDegraded && e.provider.Routable(r.now()) {
		r.SetHealth(id, model.HealthHealthy, nil)
	}
}

// coolingDown reports whether a failed call has the provider sitting out.
func (r *Registry) coolingDown(id string) bool {
	e, ok := r.snap.Load().entries[id]
	return ok && e.breaker.Open()
}

func (r *Registry) resetBreaker(id string) {
	if e, ok := r.snap.Load().entries[id]; ok {
		e.breaker.Reset()
	}
}

// Subscribe returns a channel of health transitions and a func that ends the
// subscription. Transitions are dropped for subscribers that fall behind.
func (r *Registry) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 16)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(t Transition) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- t:
		default:
			r.log.WithField("provider", t.ProviderID).Debug("health subscriber behind, transition dropped")
		}
	}
}
