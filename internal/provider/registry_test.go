package provider

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/logging"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/provider/providertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRegistry(t *testing.T, clients ...Client) (*Registry, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(
		WithClock(clk.Now),
		WithLogger(logging.Discard()),
		WithCoolDown(30*time.Second),
		WithFailureThreshold(3),
	)
	for _, c := range clients {
		require.NoError(t, r.Register(context.Background(), c))
	}
	return r, clk
}

func twoProviders() (*providertest.Client, *providertest.Client) {
	a := providertest.New("a",
		providertest.Model("a-mini", model.TierEconomical, 0.1, 0.2, true),
		providertest.Model("a-mid", model.TierBalanced, 1, 2, false),
	)
	b := providertest.New("b",
		providertest.Model("b-mid", model.TierBalanced, 0.5, 1, true),
		providertest.Model("b-max", model.TierPremium, 10, 30, true),
	)
	return a, b
}

func ids(models []model.Model) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, m.ID)
	}
	return out
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	a, _ := twoProviders()
	r, _ := newRegistry(t, a)

	err := r.Register(context.Background(), providertest.New("a"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDuplicateProvider))
	assert.Len(t, r.Providers(), 1)
}

func TestRegisterValidatesCatalog(t *testing.T) {
	r, _ := newRegistry(t)

	dup := providertest.New("x",
		providertest.Model("m", model.TierBalanced, 1, 1, false),
		providertest.Model("m", model.TierPremium, 1, 1, false),
	)
	err := r.Register(context.Background(), dup)
	assert.True(t, errors.IsConfigurationError(err))

	bad := providertest.New("y", providertest.Model("m", model.Tier(9), 1, 1, false))
	err = r.Register(context.Background(), bad)
	assert.True(t, errors.IsConfigurationError(err))

	assert.Empty(t, r.Providers())
}

func TestHealthyModelsFiltersInDeclarationOrder(t *testing.T) {
	a, b := twoProviders()
	r, _ := newRegistry(t, a, b)

	balanced := model.TierBalanced
	assert.Equal(t, []string{"a-mid", "b-mid"}, ids(r.HealthyModels(&balanced, model.Requirements{})))
	assert.Equal(t, []string{"b-mid"}, ids(r.HealthyModels(&balanced, model.Requirements{FunctionCalling: true})))
	assert.Equal(t, []string{"a-mini", "a-mid", "b-mid", "b-max"}, ids(r.HealthyModels(nil, model.Requirements{})))

	assert.Empty(t, r.HealthyModels(&balanced, model.Requirements{Vision: true}), "empty result is valid")
}

func TestUnknownHealthIsRoutable(t *testing.T) {
	a, _ := twoProviders()
	r, _ := newRegistry(t, a)

	p, ok := r.Provider("a")
	require.True(t, ok)
	assert.Equal(t, model.HealthUnknown, p.Health)
	assert.True(t, r.Routable("a"))
}

func TestDownProviderExcluded(t *testing.T) {
	a, b := twoProviders()
	r, _ := newRegistry(t, a, b)

	r.SetHealth("b", model.HealthDown, fmt.Errorf("probe failed"))

	assert.Equal(t, []string{"a-mini", "a-mid"}, ids(r.HealthyModels(nil, model.Requirements{})))
	assert.False(t, r.Routable("b"))

	_, ok := r.HealthyModel("b-max", model.Requirements{})
	assert.False(t, ok)
	m, ok := r.Model("b", "b-max")
	assert.True(t, ok, "catalog lookup ignores health")
	assert.Equal(t, "b-max", m.ID)
}

func TestTimeoutDegradesForCoolDown(t *testing.T) {
	a, b := twoProviders()
	r, clk := newRegistry(t, a, b)

	r.ReportFailure("b", &model.ProviderError{Provider: "b", Op: "call", Kind: model.ErrTimeout})

	p, _ := r.Provider("b")
	assert.Equal(t, model.HealthDegraded, p.Health)
	assert.Equal(t, clk.Now().Add(30*time.Second), p.DegradedUntil)
	assert.False(t, r.Routable("b"))

	clk.Advance(29 * time.Second)
	assert.False(t, r.Routable("b"))

	clk.Advance(time.Second)
	assert.True(t, r.Routable("b"), "eligible again after the window")
	assert.Contains(t, ids(r.HealthyModels(nil, model.Requirements{})), "b-max")
}

func TestUnavailableDegradesAfterThreshold(t *testing.T) {
	a, _ := twoProviders()
	r, clk := newRegistry(t, a)

	unavailable := &model.ProviderError{Provider: "a", Op: "call", Kind: model.ErrUnavailable, StatusCode: 503}
	r.ReportFailure("a", unavailable)
	r.ReportFailure("a", unavailable)
	assert.True(t, r.Routable("a"))

	r.ReportFailure("a", unavailable)
	assert.False(t, r.Routable("a"))

	clk.Advance(31 * time.Second)
	assert.True(t, r.Routable("a"))

	// A failure after the window degrades again at once.
	r.ReportFailure("a", unavailable)
	assert.False(t, r.Routable("a"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	a, _ := twoProviders()
	r, _ := newRegistry(t, a)

	rl := &model.ProviderError{Provider: "a", Op: "call", Kind: model.ErrRateLimited, StatusCode: 429}
	r.ReportFailure("a", rl)
	r.ReportFailure("a", rl)
	r.ReportSuccess("a")
	r.ReportFailure("a", rl)
	r.ReportFailure("a", rl)

	assert.True(t, r.Routable("a"))
}

func TestAuthFailureMarksDown(t *testing.T) {
	a, _ := twoProviders()
	r, clk := newRegistry(t, a)

	r.ReportFailure("a", &model.ProviderError{Provider: "a", Op: "call", Kind: model.ErrAuthFailure, StatusCode: 401})
	clk.Advance(time.Hour)

	p, _ := r.Provider("a")
	assert.Equal(t, model.HealthDown, p.Health)
	assert.False(t, r.Routable("a"))
}

func TestCancellationIsNotAProviderFailure(t *testing.T) {
	a, _ := twoProviders()
	r, _ := newRegistry(t, a)

	for i := 0; i < 5; i++ {
		r.ReportFailure("a", &model.ProviderError{Provider: "a", Op: "call", Kind: model.ErrUnavailable, Err: context.Canceled})
		r.ReportFailure("a", context.Canceled)
	}
	assert.True(t, r.Routable("a"))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	a, _ := twoProviders()
	r, _ := newRegistry(t, a)

	ch, cancel := r.Subscribe()
	defer cancel()

	r.SetHealth("a", model.HealthHealthy, nil)
	r.SetHealth("a", model.HealthHealthy, nil) // no change, no event
	r.SetHealth("a", model.HealthDown, fmt.Errorf("boom"))

	first := <-ch
	assert.Equal(t, "a", first.ProviderID)
	assert.Equal(t, model.HealthUnknown, first.From)
	assert.Equal(t, model.HealthHealthy, first.To)

	second := <-ch
	assert.Equal(t, model.HealthHealthy, second.From)
	assert.Equal(t, model.HealthDown, second.To)
	assert.EqualError(t, second.Cause, "boom")

	select {
	case extra := <-ch:
		t.Fatalf("unexpected transition %+v", extra)
	default:
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel() // idempotent
}

func TestConcurrentReadsDuringHealthChanges(t *testing.T) {
	a, b := twoProviders()
	r, _ := newRegistry(t, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if i%2 == 0 {
					state := model.HealthHealthy
					if j%2 == 0 {
						state = model.HealthDown
					}
					r.SetHealth("b", state, nil)
					continue
				}
				models := r.HealthyModels(nil, model.Requirements{})
				assert.GreaterOrEqual(t, len(models), 2)
			}
		}(i)
	}
	wg.Wait()
}
