package policy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/logging"
	"github.com/flynn-ai/flynn-core/internal/model"
)

func TestMapToTierAllValues(t *testing.T) {
	b := DefaultBoundaries()
	tc := DefaultTierConfig()

	for v := 0; v <= 100; v++ {
		want := model.TierPremium
		switch {
		case v <= 33:
			want = model.TierEconomical
		case v <= 66:
			want = model.TierBalanced
		}

		got := MapToTier(v, b, tc)
		assert.Equal(t, want, got.Tier, "value %d", v)
		assert.Equal(t, got, MapToTier(v, b, tc), "pure for value %d", v)
		assert.Empty(t, got.ExplicitModel)
	}
}

func TestMapToTierBoundaries(t *testing.T) {
	tc := DefaultTierConfig()
	tests := []struct {
		value int
		b     Boundaries
		want  model.Tier
	}{
		{33, DefaultBoundaries(), model.TierEconomical},
		{34, DefaultBoundaries(), model.TierBalanced},
		{66, DefaultBoundaries(), model.TierBalanced},
		{67, DefaultBoundaries(), model.TierPremium},
		{20, Boundaries{EconomicalMax: 10, BalancedMax: 90}, model.TierBalanced},
		{95, Boundaries{EconomicalMax: 10, BalancedMax: 90}, model.TierPremium},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d_%d", tt.value, tt.b.EconomicalMax, tt.b.BalancedMax), func(t *testing.T) {
			assert.Equal(t, tt.want, MapToTier(tt.value, tt.b, tc).Tier)
		})
	}
}

func TestMapToTierExplicitModel(t *testing.T) {
	tc := DefaultTierConfig()
	tc.Models = TierModels{Premium: "gpt-4o", Cheap: "glm-4-flash"}

	assert.Equal(t, Target{Tier: model.TierPremium, ExplicitModel: "gpt-4o"}, MapToTier(90, DefaultBoundaries(), tc))
	assert.Equal(t, Target{Tier: model.TierEconomical, ExplicitModel: "glm-4-flash"}, MapToTier(5, DefaultBoundaries(), tc))
	assert.Equal(t, Target{Tier: model.TierBalanced}, MapToTier(50, DefaultBoundaries(), tc))
}

func TestMapToTierDisabled(t *testing.T) {
	tc := DefaultTierConfig()
	tc.Enabled = false
	tc.Models.Premium = "gpt-4o"

	for _, v := range []int{0, 50, 100} {
		assert.Equal(t, Target{Tier: model.TierBalanced}, MapToTier(v, DefaultBoundaries(), tc))
	}
}

func TestBoundariesValidate(t *testing.T) {
	assert.NoError(t, DefaultBoundaries().Validate())
	assert.Error(t, Boundaries{EconomicalMax: 50, BalancedMax: 50}.Validate())
	assert.Error(t, Boundaries{EconomicalMax: -1, BalancedMax: 50}.Validate())
	assert.Error(t, Boundaries{EconomicalMax: 10, BalancedMax: 100}.Validate())
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newResolver(t *testing.T, store Store) (*Resolver, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r, err := NewResolver(store, WithClock(clk.Now), WithLogger(logging.Discard()))
	require.NoError(t, err)
	return r, clk
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, NewMemoryStore())

	assert.Equal(t, 50, r.Resolve("alice"), "default")

	require.NoError(t, r.SetGlobal(ctx, 20, "admin"))
	assert.Equal(t, 20, r.Resolve("alice"), "global")

	require.NoError(t, r.SetUserOverride(ctx, "alice", 90, "admin", 0))
	assert.Equal(t, 90, r.Resolve("alice"), "user override")
	assert.Equal(t, 20, r.Resolve("bob"))
	assert.Equal(t, 20, r.Resolve(""))

	require.NoError(t, r.ClearUserOverride(ctx, "alice", "admin"))
	assert.Equal(t, 20, r.Resolve("alice"))

	v, src := r.Snapshot().Resolve("alice", time.Now())
	assert.Equal(t, 20, v)
	assert.Equal(t, SourceGlobal, src)
}

func TestUserOverrideExpires(t *testing.T) {
	ctx := context.Background()
	r, clk := newResolver(t, NewMemoryStore())

	require.NoError(t, r.SetUserOverride(ctx, "alice", 95, "admin", time.Hour))
	assert.Equal(t, 95, r.Resolve("alice"))

	clk.Advance(time.Hour)
	assert.Equal(t, 50, r.Resolve("alice"))
}

func TestWritesRejectOutOfRange(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, NewMemoryStore())
	require.NoError(t, r.SetGlobal(ctx, 40, "admin"))
	version := r.Snapshot().Version

	tests := []struct {
		name string
		fn   func() error
	}{
		{"global above", func() error { return r.SetGlobal(ctx, 150, "admin") }},
		{"global below", func() error { return r.SetGlobal(ctx, -5, "admin") }},
		{"user above", func() error { return r.SetUserOverride(ctx, "alice", 101, "admin", 0) }},
		{"user missing id", func() error { return r.SetUserOverride(ctx, "", 10, "admin", 0) }},
		{"user negative ttl", func() error { return r.SetUserOverride(ctx, "alice", 10, "admin", -time.Second) }},
		{"clear missing id", func() error { return r.ClearUserOverride(ctx, "", "admin") }},
		{"tier ttl zero", func() error { return r.SetTierConfig(ctx, TierConfig{Enabled: true}, "admin") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))
		})
	}

	assert.Equal(t, 40, r.Resolve("alice"), "never clamped")
	assert.Equal(t, version, r.Snapshot().Version, "rejected writes do not bump the version")
}

func TestVersionAndSubscription(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, NewMemoryStore())
	changes, cancel := r.Subscribe()
	defer cancel()

	assert.Equal(t, uint64(0), r.Snapshot().Version)

	tc := DefaultTierConfig()
	tc.ToolStrippingEnabled = true
	require.NoError(t, r.SetTierConfig(ctx, tc, "admin"))

	c := <-changes
	assert.Equal(t, ChangeTierConfig, c.Kind)
	assert.Equal(t, uint64(1), c.Version)
	assert.Equal(t, "admin", c.SetBy)
	assert.True(t, r.TierConfig().ToolStrippingEnabled)

	// unread changes coalesce to the latest
	require.NoError(t, r.SetGlobal(ctx, 10, "admin"))
	require.NoError(t, r.SetUserOverride(ctx, "alice", 70, "admin", 0))
	c = <-changes
	assert.Equal(t, ChangeUser, c.Kind)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, uint64(3), c.Version)

	cancel()
	_, open := <-changes
	assert.False(t, open)
	cancel()
	require.NoError(t, r.SetGlobal(ctx, 11, "admin"), "no subscribers left")
}

func TestSnapshotsAreImmutable(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, NewMemoryStore())
	require.NoError(t, r.SetUserOverride(ctx, "alice", 80, "admin", 0))
	before := r.Snapshot()

	require.NoError(t, r.SetUserOverride(ctx, "alice", 10, "admin", 0))
	require.NoError(t, r.SetGlobal(ctx, 60, "admin"))

	assert.Equal(t, 80, before.Users["alice"].Value)
	assert.Nil(t, before.Global)
	assert.Equal(t, 10, r.Snapshot().Users["alice"].Value)
}

func TestReloadFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveSetting(ctx, Setting{Scope: ScopeGlobal, Value: 70}))
	require.NoError(t, store.SaveSetting(ctx, Setting{Scope: ScopeUser, UserID: "bob", Value: 5}))
	tc := DefaultTierConfig()
	tc.Models.Premium = "gpt-4o"
	require.NoError(t, store.SaveTierConfig(ctx, tc, "admin"))

	r, _ := newResolver(t, store)
	require.NoError(t, r.Reload(ctx))

	assert.Equal(t, 70, r.Resolve("alice"))
	assert.Equal(t, 5, r.Resolve("bob"))
	assert.Equal(t, "gpt-4o", r.TierConfig().Models.Premium)
	assert.Equal(t, uint64(1), r.Snapshot().Version)

	_, target := r.Snapshot().Target("alice", time.Now())
	assert.Equal(t, Target{Tier: model.TierPremium, ExplicitModel: "gpt-4o"}, target)
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) SaveSetting(ctx context.Context, s Setting) error {
	return fmt.Errorf("disk full")
}

func (f *failingStore) LoadPolicy(ctx context.Context) (Persisted, error) {
	return Persisted{}, fmt.Errorf("locked")
}

func TestStoreFailureLeavesSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, &failingStore{MemoryStore: NewMemoryStore()})

	err := r.SetGlobal(ctx, 10, "admin")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStoreFailed))
	assert.Equal(t, 50, r.Resolve("alice"))
	assert.Equal(t, uint64(0), r.Snapshot().Version)

	assert.True(t, errors.HasCode(r.Reload(ctx), errors.CodeStoreFailed))
}

func TestNewResolverValidatesOptions(t *testing.T) {
	_, err := NewResolver(NewMemoryStore(), WithDefault(120))
	assert.True(t, errors.IsConfigurationError(err))

	_, err = NewResolver(NewMemoryStore(), WithBoundaries(Boundaries{EconomicalMax: 60, BalancedMax: 40}))
	assert.True(t, errors.IsConfigurationError(err))

	_, err = NewResolver(NewMemoryStore(), WithTierConfig(TierConfig{}))
	assert.True(t, errors.IsConfigurationError(err))

	r, err := NewResolver(NewMemoryStore(), WithDefault(10), WithBoundaries(Boundaries{EconomicalMax: 5, BalancedMax: 50}))
	require.NoError(t, err)
	_, target := r.Snapshot().Target("x", time.Now())
	assert.Equal(t, model.TierBalanced, target.Tier)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t, NewMemoryStore())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.SetGlobal(ctx, i, "admin"))
		}()
		go func() {
			defer wg.Done()
			v := r.Resolve("alice")
			assert.True(t, v >= 0 && v <= 100)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(20), r.Snapshot().Version)
}
