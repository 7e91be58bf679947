package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/flynn-core/internal/logging"
	"github.com/flynn-ai/flynn-core/internal/model"
)

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

func newCache(t *testing.T) (*Cache, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.Now), WithLogger(logging.Discard())), clk
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint(model.TierBalanced, true, false, "")

	assert.Equal(t, base, Fingerprint(model.TierBalanced, true, false, ""), "deterministic")
	assert.Equal(t, base, Fingerprint(model.TierBalanced, true, false, "  "), "hint is trimmed")
	assert.Len(t, base, 32)

	others := []string{
		Fingerprint(model.TierPremium, true, false, ""),
		Fingerprint(model.TierBalanced, false, false, ""),
		Fingerprint(model.TierBalanced, true, true, ""),
		Fingerprint(model.TierBalanced, true, false, "gpt-4o"),
	}
	seen := map[string]bool{base: true}
	for _, fp := range others {
		assert.False(t, seen[fp], "fingerprint collision")
		seen[fp] = true
	}
}

func TestPutGetWithinTTL(t *testing.T) {
	c, clk := newCache(t)
	fp := Fingerprint(model.TierEconomical, false, false, "")

	require.True(t, c.Put(Decision{Fingerprint: fp, ProviderID: "p", ModelID: "m"}, 300*time.Second))

	clk.Advance(299 * time.Second)
	d, ok := c.Get(fp)
	require.True(t, ok)
	assert.Equal(t, "m", d.ModelID)
	assert.Equal(t, d.CreatedAt.Add(300*time.Second), d.ExpiresAt)
}

func TestLazyExpiry(t *testing.T) {
	c, clk := newCache(t)
	fp := "fp"
	c.Put(Decision{Fingerprint: fp, ModelID: "m"}, time.Minute)

	clk.Advance(time.Minute)
	_, ok := c.Get(fp)
	assert.False(t, ok, "a decision never outlives its TTL")
	assert.Equal(t, 0, c.Len(), "expired entry removed on read")

	s := c.Stats()
	assert.Equal(t, uint64(0), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestPutRejects(t *testing.T) {
	c, _ := newCache(t)

	assert.False(t, c.Put(Decision{Fingerprint: "fp"}, 0))
	assert.False(t, c.Put(Decision{}, time.Minute))
	assert.False(t, c.Put(Decision{Fingerprint: "fp", PolicyVersion: 3}, time.Minute), "future version")
	assert.Equal(t, 0, c.Len())
}

func TestSyncVersionFlushes(t *testing.T) {
	c, _ := newCache(t)
	c.Put(Decision{Fingerprint: "a", ModelID: "m"}, time.Minute)
	c.Put(Decision{Fingerprint: "b", ModelID: "m"}, time.Minute)
	require.Equal(t, 2, c.Len())

	assert.True(t, c.SyncVersion(1))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Version())

	assert.False(t, c.SyncVersion(1), "same version is a no-op")
	assert.False(t, c.SyncVersion(0), "older version is ignored")

	// a decision computed under the old version cannot land after the flush
	assert.False(t, c.Put(Decision{Fingerprint: "a", PolicyVersion: 0}, time.Minute))
	assert.True(t, c.Put(Decision{Fingerprint: "a", PolicyVersion: 1}, time.Minute))
	assert.Equal(t, uint64(1), c.Stats().Flushes)
}

func TestFlushAndDelete(t *testing.T) {
	c, _ := newCache(t)
	c.Put(Decision{Fingerprint: "a"}, time.Minute)
	c.Put(Decision{Fingerprint: "b"}, time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Flush()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newCache(t)
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp := Fingerprint(model.Tier(i%3), i%2 == 0, false, "")
			c.Put(Decision{Fingerprint: fp, ModelID: "m"}, time.Minute)
			c.Get(fp)
			if i%8 == 0 {
				c.SyncVersion(uint64(i / 8))
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, uint64(32), s.Hits+s.Misses)
}
