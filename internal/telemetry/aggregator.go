package telemetry

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultRetention  = 7 * 24 * time.Hour
	defaultWindow     = 24.0
	compactEvery      = 1024
	sinkWriteTimeout  = 5 * time.Second
	defaultSinkBuffer = 256
)

// Aggregator is an append-only, in-memory log of records. Rollups are
// computed on read.
type Aggregator struct {
	mu      sync.Mutex
	records []Record
	appends int

	now       func() time.Time
	retention time.Duration
	log       logrus.FieldLogger
	metrics   *collectors

	sink       Sink
	sinkBuffer int
	sinkMu     sync.RWMutex
	sinkCh     chan Record
	sinkClosed bool
	sinkWG     sync.WaitGroup
	dropped    atomic.Uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Aggregator) { a.log = log }
}

// WithRetention bounds how long records stay in memory.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithSink forwards every record to s through a buffered channel.
func WithSink(s Sink, buffer int) Option {
	return func(a *Aggregator) {
		a.sink = s
		if buffer > 0 {
			a.sinkBuffer = buffer
		}
	}
}

// WithInFlight exposes a live in-flight count as a gauge.
func WithInFlight(fn func() float64) Option {
	return func(a *Aggregator) { a.metrics = newCollectors(fn) }
}

// NewAggregator creates an Aggregator. With a sink configured, call Close to
// drain it.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:        time.Now,
		retention:  defaultRetention,
		log:        logrus.StandardLogger(),
		sinkBuffer: defaultSinkBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = newCollectors(nil)
	}
	a.log = a.log.WithField("component", "telemetry")

	if a.sink != nil {
		a.sinkCh = make(chan Record, a.sinkBuffer)
		a.sinkWG.Add(1)
		go a.drain()
	}
	return a
}

// Record appends rec. It never blocks on the sink.
func (a *Aggregator) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	if rec.ErrorKind == "" {
		rec.ErrorKind = KindOK
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	a.appends++
	if a.appends%compactEvery == 0 {
		a.compactLocked()
	}
	a.mu.Unlock()

	a.metrics.observe(rec)
	a.forward(rec)
}

// Load appends historical records without forwarding them to the sink or
// the counters.
func (a *Aggregator) Load(recs []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, recs...)
	a.compactLocked()
}

// Len returns the number of records held.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Collectors returns the Prometheus collectors to register.
func (a *Aggregator) Collectors() []prometheus.Collector {
	return a.metrics.list()
}

// Dropped returns how many records the sink missed.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops forwarding and waits for the sink to drain.
func (a *Aggregator) Close() {
	a.sinkMu.Lock()
	if a.sinkCh == nil || a.sinkClosed {
		a.sinkMu.Unlock()
		return
	}
	a.sinkClosed = true
	close(a.sinkCh)
	a.sinkMu.Unlock()

	a.sinkWG.Wait()
}

func (a *Aggregator) forward(rec Record) {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	if a.sinkCh == nil || a.sinkClosed {
		return
	}
	select {
	case a.sinkCh <- rec:
	default:
		a.dropped.Add(1)
		a.metrics.sinkDropped.Inc()
		a.log.WithField("request_id", rec.RequestID).Warn("telemetry sink full, record not archived")
	}
}

func (a *Aggregator) drain() {
	defer a.sinkWG.Done()
	for rec := range a.sinkCh {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := a.sink.AppendTelemetry(ctx, rec); err != nil {
			a.log.WithError(err).WithField("request_id", rec.RequestID).Warn("telemetry sink write failed")
		}
		cancel()
	}
}

// compactLocked drops records older than the retention. Caller holds mu.
func (a *Aggregator) compactLocked() {
	cutoff := a.now().Add(-a.retention)
	kept := a.records[:0]
	for _, r := range a.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	clear(a.records[len(kept):])
	a.records = kept
}

// ============================================================
// Rollup
// ============================================================

// Percentiles summarizes a distribution.
type Percentiles struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Bucket is one hour of a long window.
type Bucket struct {
	Start        time.Time `json:"start"`
	Requests     int       `json:"requests"`
	ErrorRate    float64   `json:"error_rate"`
	LatencyP95Ms float64   `json:"latency_p95_ms"`
}

// PerformanceKPIs is the rollup of one window.
type PerformanceKPIs struct {
	WindowHours      float64        `json:"window_hours"`
	From             time.Time      `json:"from"`
	To               time.Time      `json:"to"`
	Requests         int            `json:"requests"`
	Successes        int            `json:"successes"`
	Failures         int            `json:"failures"`
	Cancelled        int            `json:"cancelled"`
	ErrorRate        float64        `json:"error_rate"`
	CacheHitRate     float64        `json:"cache_hit_rate"`
	TTFTMs           Percentiles    `json:"ttft_ms"`
	TokensPerSecond  Percentiles    `json:"tokens_per_second"`
	LatencyMs        Percentiles    `json:"latency_ms"`
	AvgConcurrency   float64        `json:"avg_concurrency"`
	MaxConcurrency   int            `json:"max_concurrency"`
	AvgQueueWaitMs   float64        `json:"avg_queue_wait_ms"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ErrorsByKind     map[string]int `json:"errors_by_kind"`
	Buckets          []Bucket       `json:"buckets,omitempty"`
}

// Rollup summarizes the last windowHours. Windows longer than a day are also
// bucketed hourly. A non-positive window means 24 hours.
//
// Failures exclude cancellations; ErrorRate is Failures over Requests.
// Latency, TTFT and throughput cover successful requests only.
func (a *Aggregator) Rollup(windowHours float64) PerformanceKPIs {
	if windowHours <= 0 {
		windowHours = defaultWindow
	}
	to := a.now()
	from := to.Add(-time.Duration(windowHours * float64(time.Hour)))

	a.mu.Lock()
	window := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		if r.Timestamp.After(from) && !r.Timestamp.After(to) {
			window = append(window, r)
		}
	}
	a.mu.Unlock()

	k := summarize(window)
	k.WindowHours = windowHours
	k.From = from
	k.To = to
	if windowHours > 24 {
		k.Buckets = hourly(window)
	}
	return k
}

func summarize(recs []Record) PerformanceKPIs {
	k := PerformanceKPIs{ErrorsByKind: make(map[string]int)}
	var ttft, tps, latency []float64
	var cacheHits, concurrency int
	var queueWait float64

	for _, r := range recs {
		k.Requests++
		switch {
		case r.Success:
			k.Successes++
			ttft = append(ttft, r.TTFTMs)
			latency = append(latency, r.TotalLatencyMs)
			if r.TokensPerSecond > 0 {
				tps = append(tps, r.TokensPerSecond)
			}
		case r.Cancelled():
			k.Cancelled++
		default:
			k.Failures++
			k.ErrorsByKind[r.ErrorKind]++
		}
		if r.CacheHit {
			cacheHits++
		}
		concurrency += r.ConcurrentAtStart
		k.MaxConcurrency = max(k.MaxConcurrency, r.ConcurrentAtStart)
		queueWait += r.QueueWaitMs
		k.EstimatedCostUSD += r.CostUSD
	}

	if k.Requests > 0 {
		n := float64(k.Requests)
		k.ErrorRate = float64(k.Failures) / n
		k.CacheHitRate = float64(cacheHits) / n
		k.AvgConcurrency = float64(concurrency) / n
		k.AvgQueueWaitMs = queueWait / n
	}
	k.TTFTMs = percentiles(ttft)
	k.TokensPerSecond = percentiles(tps)
	k.LatencyMs = percentiles(latency)
	return k
}

func hourly(recs []Record) []Bucket {
	groups := make(map[time.Time][]Record)
	for _, r := range recs {
		h := r.Timestamp.Truncate(time.Hour)
		groups[h] = append(groups[h], r)
	}

	buckets := make([]Bucket, 0, len(groups))
	for start, rs := range groups {
		s := summarize(rs)
		buckets = append(buckets, Bucket{
			Start:        start,
			Requests:     s.Requests,
			ErrorRate:    s.ErrorRate,
			LatencyP95Ms: s.LatencyMs.P95,
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets
}

// percentiles uses the nearest-rank method.
func percentiles(xs []float64) Percentiles {
	if len(xs) == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	sum := 0.0
	for _, x := range sorted {
		sum += x
	}
	return Percentiles{
		Avg: sum / float64(len(sorted)),
		P50: rank(sorted, 50),
		P95: rank(sorted, 95),
		P99: rank(sorted, 99),
	}
}

func rank(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
