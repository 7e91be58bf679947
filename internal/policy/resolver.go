package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/errors"
)

// ChangeKind says what a write touched.
type ChangeKind string

const (
	ChangeGlobal     ChangeKind = "global"
	ChangeUser       ChangeKind = "user"
	ChangeTierConfig ChangeKind = "tier_config"
	ChangeReload     ChangeKind = "reload"
)

// Change is published after every successful write.
type Change struct {
	Kind    ChangeKind
	Version uint64
	UserID  string
	SetBy   string
}

// Resolver owns the current Policy snapshot.
type Resolver struct {
	store Store
	now   func() time.Time
	log   logrus.FieldLogger

	defaultValue int
	boundaries   Boundaries
	initialTiers TierConfig

	writeMu sync.Mutex
	snap    atomic.Pointer[Policy]

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithBoundaries overrides the 33/66 tier split.
func WithBoundaries(b Boundaries) Option {
	return func(r *Resolver) { r.boundaries = b }
}

// WithDefault overrides the fallback intelligence value.
func WithDefault(v int) Option {
	return func(r *Resolver) { r.defaultValue = v }
}

// WithTierConfig sets the tier config used until the store provides one.
func WithTierConfig(tc TierConfig) Option {
	return func(r *Resolver) { r.initialTiers = tc }
}

// NewResolver creates a resolver holding a version 0 snapshot built from the
// options. Call Reload to pull persisted settings.
func NewResolver(store Store, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		store:        store,
		now:          time.Now,
		log:          logrus.StandardLogger(),
		defaultValue: DefaultIntelligence,
		boundaries:   DefaultBoundaries(),
		initialTiers: DefaultTierConfig(),
		subs:         make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "policy")

	if err := ValidateIntelligence(r.defaultValue); err != nil {
		return nil, err
	}
	if err := r.boundaries.Validate(); err != nil {
		return nil, err
	}
	if err := r.initialTiers.Validate(); err != nil {
		return nil, err
	}

	r.snap.Store(&Policy{
		Users:      make(map[string]Setting),
		Tiers:      r.initialTiers,
		Boundaries: r.boundaries,
		Default:    r.defaultValue,
	})
	return r, nil
}

// Snapshot returns the current policy. Callers must not modify it.
func (r *Resolver) Snapshot() *Policy {
	return r.snap.Load()
}

// Resolve returns the effective intelligence value for userID.
func (r *Resolver) Resolve(userID string) int {
	v, _ := r.Snapshot().Resolve(userID, r.now())
	return v
}

// TierConfig returns the current tier config.
func (r *Resolver) TierConfig() TierConfig {
	return r.Snapshot().Tiers
}

// Reload replaces the snapshot with what the store holds.
func (r *Resolver) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	persisted, err := r.store.LoadPolicy(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "load policy", errors.CategorySystem)
	}

	r.apply(Change{Kind: ChangeReload, SetBy: "store"}, func(p *Policy) {
		p.Global = persisted.Global
		p.Users = make(map[string]Setting, len(persisted.Users))
		for _, s := range persisted.Users {
			p.Users[s.UserID] = s
		}
		if persisted.Tiers != nil {
			p.Tiers = *persisted.Tiers
		}
	})
	return nil
}

// SetGlobal sets the organization-wide slider.
func (r *Resolver) SetGlobal(ctx context.Context, value int, setBy string) error {
	if err := ValidateIntelligence(value); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	s := Setting{Scope: ScopeGlobal, Value: value, SetBy: setBy, SetAt: r.now()}
	if err := r.store.SaveSetting(ctx, s); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "save global intelligence", errors.CategorySystem)
	}

	r.apply(Change{Kind: ChangeGlobal, SetBy: setBy}, func(p *Policy) {
		p.Global = &s
	})
	return nil
}

// SetUserOverride sets a per-user slider. A positive ttl makes it expire.
func (r *Resolver) SetUserOverride(ctx context.Context, userID string, value int, setBy string, ttl time.Duration) error {
	if userID == "" {
		return errors.ConfigurationError("user override requires a user id")
	}
	if err := ValidateIntelligence(value); err != nil {
		return err
	}
	if ttl < 0 {
		return errors.ConfigurationError("user override ttl must not be negative")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.now()
	s := Setting{Scope: ScopeUser, UserID: userID, Value: value, SetBy: setBy, SetAt: now}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	if err := r.store.SaveSetting(ctx, s); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "save user intelligence", errors.CategorySystem)
	}

	r.apply(Change{Kind: ChangeUser, UserID: userID, SetBy: setBy}, func(p *Policy) {
		p.Users[userID] = s
	})
	return nil
}

// ClearUserOverride removes a per-user slider.
func (r *Resolver) ClearUserOverride(ctx context.Context, userID, setBy string) error {
	if userID == "" {
		return errors.ConfigurationError("user override requires a user id")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.store.DeleteSetting(ctx, ScopeUser, userID); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "delete user intelligence", errors.CategorySystem)
	}

	r.apply(Change{Kind: ChangeUser, UserID: userID, SetBy: setBy}, func(p *Policy) {
		delete(p.Users, userID)
	})
	return nil
}

// SetTierConfig replaces the tier config.
func (r *Resolver) SetTierConfig(ctx context.Context, tc TierConfig, setBy string) error {
	if err := tc.Validate(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.store.SaveTierConfig(ctx, tc, setBy); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "save tier config", errors.CategorySystem)
	}

	r.apply(Change{Kind: ChangeTierConfig, SetBy: setBy}, func(p *Policy) {
		p.Tiers = tc
	})
	return nil
}

// Subscribe returns a channel of changes and a func that ends the
// subscription. Slow subscribers only see the latest pending change; read
// Snapshot for the authoritative state.
func (r *Resolver) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)

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

// apply swaps in a mutated copy of the snapshot and notifies subscribers.
// Caller holds writeMu.
func (r *Resolver) apply(c Change, mutate func(*Policy)) {
	next := r.snap.Load().clone()
	mutate(next)
	next.Version++
	r.snap.Store(next)

	c.Version = next.Version
	r.log.WithFields(logrus.Fields{
		"kind":    c.Kind,
		"version": c.Version,
		"user":    c.UserID,
		"set_by":  c.SetBy,
	}).Info("policy changed")

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- c:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- c
		}
	}
}
