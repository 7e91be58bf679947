// Package cache holds routing decisions keyed by request fingerprint.
//
// Entries carry their own expiry and the policy version they were computed
// under. Expiry is checked lazily on read against an injectable clock; there
// is no background sweeper.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// Decision is a cached routing outcome.
type Decision struct {
	Fingerprint   string
	ProviderID    string
	ModelID       string
	Tier          model.Tier
	CreatedAt     time.Time
	ExpiresAt     time.Time
	PolicyVersion uint64
}

// Expired reports whether the decision is past its TTL at now.
func (d Decision) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Fingerprint identifies requests that may share a routing decision.
func Fingerprint(tier model.Tier, requiresFunctionCalling, toolsPresent bool, modelHint string) string {
	var b strings.Builder
	b.WriteString(tier.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(requiresFunctionCalling))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(toolsPresent))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(modelHint))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// Stats are cache counters.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Flushes uint64 `json:"flushes"`
	Entries int    `json:"entries"`
}

// Cache stores decisions for the current policy version only.
type Cache struct {
	items   *gocache.Cache
	now     func() time.Time
	log     logrus.FieldLogger
	version atomic.Uint64

	hits    atomic.Uint64
	misses  atomic.Uint64
	flushes atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		// cleanup interval 0: no janitor goroutine, expiry is lazy
		items: gocache.New(gocache.NoExpiration, 0),
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "decision-cache")
	return c
}

// Get returns a live decision for fp.
func (c *Cache) Get(fp string) (Decision, bool) {
	v, ok := c.items.Get(fp)
	if !ok {
		c.misses.Add(1)
		return Decision{}, false
	}
	d := v.(Decision)
	if d.PolicyVersion != c.version.Load() || d.Expired(c.now()) {
		c.items.Delete(fp)
		c.misses.Add(1)
		return Decision{}, false
	}
	c.hits.Add(1)
	return d, true
}

// Put stores d for ttl. Decisions computed under an older policy version, and
// non-positive TTLs, are dropped. Returns whether the entry was stored.
func (c *Cache) Put(d Decision, ttl time.Duration) bool {
	if ttl <= 0 || d.Fingerprint == "" || d.PolicyVersion != c.version.Load() {
		return false
	}
	d.CreatedAt = c.now()
	d.ExpiresAt = d.CreatedAt.Add(ttl)
	c.items.Set(d.Fingerprint, d, gocache.NoExpiration)
	return true
}

// Delete drops one entry.
func (c *Cache) Delete(fp string) {
	c.items.Delete(fp)
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.items.Flush()
	c.flushes.Add(1)
	c.log.Debug("decision cache flushed")
}

// SyncVersion moves the cache to policy version v, flushing everything when v
// is newer than the version the cache holds. Returns true if it flushed.
func (c *Cache) SyncVersion(v uint64) bool {
	for {
		cur := c.version.Load()
		if v <= cur {
			return false
		}
		if c.version.CompareAndSwap(cur, v) {
			c.log.WithFields(logrus.Fields{"from": cur, "to": v}).Debug("policy version changed")
			c.Flush()
			return true
		}
	}
}

// Version returns the policy version entries are valid for.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Stats returns the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Flushes: c.flushes.Load(),
		Entries: c.Len(),
	}
}
