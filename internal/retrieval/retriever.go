// Package retrieval picks the tools relevant to a query by embedding
// similarity, scoring only the tools the caller is allowed to use.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/tools"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes retrieval.
type Config struct {
	TopK            int
	Threshold       float64 // minimum similarity for a tool to be returned
	NeedsToolsFloor float64 // best score below this means the query needs no tools
	EmbedTimeout    time.Duration
	QueryCacheTTL   time.Duration
	CoolDown        time.Duration // embedder sits out this long after failing
	FailureLimit    int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		TopK:            5,
		Threshold:       0.35,
		NeedsToolsFloor: 0.2,
		EmbedTimeout:    3 * time.Second,
		QueryCacheTTL:   10 * time.Minute,
		CoolDown:        30 * time.Second,
		FailureLimit:    3,
	}
}

// Request is one retrieval.
type Request struct {
	Query      string
	K          int // <= 0 uses Config.TopK
	Allowed    tools.Set
	StripTools bool
}

// Scored is a tool with its similarity to the query.
type Scored struct {
	Tool  tools.Descriptor `json:"tool"`
	Score float64          `json:"score"`
}

// Result is the outcome of Retrieve. Tools is never nil; an empty slice with
// Stripped set means the caller should omit the tools block.
type Result struct {
	Tools         []Scored `json:"tools"`
	FallbackToAll bool     `json:"fallback_to_all"`
	Degraded      bool     `json:"degraded"` // embedder down or allowed tools not yet embedded
	Stripped      bool     `json:"stripped"`
}

// Names returns the tool names in result order.
func (r Result) Names() []string {
	out := make([]string, 0, len(r.Tools))
	for _, s := range r.Tools {
		out = append(out, s.Tool.Name)
	}
	return out
}

// Descriptors returns the tools without scores.
func (r Result) Descriptors() []tools.Descriptor {
	out := make([]tools.Descriptor, 0, len(r.Tools))
	for _, s := range r.Tools {
		out = append(out, s.Tool)
	}
	return out
}

// IndexStats reports what Index changed.
type IndexStats struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Failed    int
}

type entry struct {
	desc tools.Descriptor
	hash string
}

// Retriever holds tool embeddings.
type Retriever struct {
	embedder Embedder
	cfg      Config
	log      logrus.FieldLogger
	breaker  *errors.CircuitBreaker
	queries  *gocache.Cache

	indexMu sync.Mutex // serializes Index
	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Retriever.
type Option func(*retrieverOptions)

type retrieverOptions struct {
	log logrus.FieldLogger
	now func() time.Time
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *retrieverOptions) { o.log = log }
}

// WithClock overrides time.Now for the embedder cool-down.
func WithClock(now func() time.Time) Option {
	return func(o *retrieverOptions) { o.now = now }
}

// New creates a retriever.
func New(embedder Embedder, cfg Config, opts ...Option) *Retriever {
	o := retrieverOptions{log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = DefaultConfig().FailureLimit
	}

	return &Retriever{
		embedder: embedder,
		cfg:      cfg,
		log:      o.log.WithField("component", "tool-retriever"),
		breaker: errors.NewCircuitBreaker("embedding", &errors.CircuitBreakerConfig{
			MaxFailures:      cfg.FailureLimit,
			ResetTimeout:     cfg.CoolDown,
			HalfOpenAttempts: 1,
			Clock:            o.now,
		}),
		queries: gocache.New(cfg.QueryCacheTTL, 0),
		entries: make(map[string]*entry),
	}
}

// Len returns the number of indexed tools.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Degraded reports whether the embedder is cooling down.
func (r *Retriever) Degraded() bool {
	return r.breaker.Open()
}

// ============================================================
// Indexing
// ============================================================

func descriptionHash(d tools.Descriptor) string {
	sum := sha256.Sum256([]byte(d.Text()))
	return hex.EncodeToString(sum[:])
}

// Index brings the index in line with ds. Only tools that are new or whose
// description changed are embedded; tools missing from ds are dropped. Tools
// that fail to embed stay indexed without a vector and are only returned by
// fallbacks; the next Index retries them.
func (r *Retriever) Index(ctx context.Context, ds []tools.Descriptor) (IndexStats, error) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	var stats IndexStats

	r.mu.RLock()
	current := make(map[string]*entry, len(r.entries))
	for k, v := range r.entries {
		current[k] = v
	}
	r.mu.RUnlock()

	next := make(map[string]*entry, len(ds))
	var embedErr error
	for _, d := range ds {
		hash := descriptionHash(d)
		old, exists := current[d.Name]
		if exists && old.hash == hash && old.desc.Embedding != nil {
			// Metadata such as AdminOnly may still change.
			d.Embedding = old.desc.Embedding
			next[d.Name] = &entry{desc: d, hash: hash}
			stats.Unchanged++
			continue
		}

		d.Embedding = nil
		if embedErr == nil {
			vec, err := r.embed(ctx, d.Text())
			if err != nil {
				embedErr = err
			} else {
				d.Embedding = vec
			}
		}
		if d.Embedding == nil {
			stats.Failed++
		}
		next[d.Name] = &entry{desc: d, hash: hash}

		if exists {
			stats.Updated++
		} else {
			stats.Added++
		}
	}
	for name := range current {
		if _, ok := next[name]; !ok {
			stats.Removed++
		}
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"added": stats.Added, "updated": stats.Updated,
		"removed": stats.Removed, "unchanged": stats.Unchanged,
	})
	if embedErr != nil {
		log.WithError(embedErr).WithField("failed", stats.Failed).Warn("tool index incomplete")
		return stats, embedErr
	}
	log.Debug("tool index updated")
	return stats, nil
}

// ============================================================
// Retrieval
// ============================================================

// Retrieve returns the allowed tools most similar to the query. Tools outside
// req.Allowed are never scored. The only error is the caller's own context
// ending; embedding failures fail open with every allowed tool and Degraded.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	allowed := r.allowed(req.Allowed)
	if len(allowed) == 0 {
		return Result{Tools: []Scored{}}, nil
	}

	qvec, err := r.queryVector(ctx, req.Query)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.log.WithError(err).Debug("retrieval degraded, returning all allowed tools")
		return Result{Tools: unscored(allowed), Degraded: true}, nil
	}

	scored := make([]Scored, 0, len(allowed))
	for _, d := range allowed {
		if d.Embedding == nil {
			continue
		}
		scored = append(scored, Scored{Tool: d, Score: cosine(qvec, d.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	// Tools without a vector cannot be judged, so they are never stripped.
	if len(scored) == 0 {
		r.log.WithField("tools", len(allowed)).Debug("no allowed tool is embedded, returning all allowed tools")
		return Result{Tools: unscored(allowed), FallbackToAll: true, Degraded: true}, nil
	}
	unembedded := len(scored) < len(allowed)
	if req.StripTools && scored[0].Score < r.cfg.NeedsToolsFloor {
		if unembedded {
			return Result{Tools: withScores(allowed, scored), FallbackToAll: true, Degraded: true}, nil
		}
		return Result{Tools: []Scored{}, Stripped: true}, nil
	}

	k := req.K
	if k <= 0 {
		k = r.cfg.TopK
	}
	top := make([]Scored, 0, k)
	for _, s := range scored {
		if s.Score < r.cfg.Threshold || len(top) == k {
			break
		}
		top = append(top, s)
	}
	if len(top) == 0 {
		return Result{Tools: withScores(allowed, scored), FallbackToAll: true, Degraded: unembedded}, nil
	}
	return Result{Tools: top}, nil
}

// allowed returns indexed tools in the allowed set, sorted by name.
func (r *Retriever) allowed(set tools.Set) []tools.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tools.Descriptor, 0, len(set))
	for name := range set {
		if e, ok := r.entries[name]; ok {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Retriever) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if v, ok := r.queries.Get(key); ok {
		return v.([]float32), nil
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.cfg.QueryCacheTTL > 0 {
		r.queries.Set(key, vec, gocache.DefaultExpiration)
	}
	return vec, nil
}

// embed calls the embedder under the timeout and the cool-down breaker. A
// timeout opens the breaker at once; other failures count toward the limit.
func (r *Retriever) embed(ctx context.Context, text string) ([]float32, error) {
	if !r.breaker.Allow() {
		return nil, &model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingUnavailable, Err: stderrors.New("cooling down")}
	}

	if r.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.EmbedTimeout)
		defer cancel()
	}

	vec, err := r.embedder.Embed(ctx, text)
	switch {
	case err == nil:
		r.breaker.Record(nil)
		return vec, nil
	case stderrors.Is(err, context.Canceled):
		r.breaker.Abandon()
	case stderrors.Is(err, model.ErrEmbeddingTimeout), stderrors.Is(err, context.DeadlineExceeded):
		r.breaker.Trip()
		r.log.WithError(err).Warn("embedding timed out, cooling down")
	default:
		if r.breaker.Record(err) {
			r.log.WithError(err).Warn("embedding unavailable, cooling down")
		}
	}
	return nil, err
}

func unscored(ds []tools.Descriptor) []Scored {
	out := make([]Scored, len(ds))
	for i, d := range ds {
		out[i] = Scored{Tool: d}
	}
	return out
}

// withScores returns every allowed tool, scored ones first by score.
func withScores(allowed []tools.Descriptor, scored []Scored) []Scored {
	out := make([]Scored, 0, len(allowed))
	out = append(out, scored...)
	seen := make(map[string]bool, len(scored))
	for _, s := range scored {
		seen[s.Tool.Name] = true
	}
	for _, d := range allowed {
		if !seen[d.Name] {
			out = append(out, Scored{Tool: d})
		}
	}
	return out
}
