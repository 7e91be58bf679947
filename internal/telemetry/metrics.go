package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flynn_router"

type collectors struct {
	requests    *prometheus.CounterVec
	latency     prometheus.Histogram
	ttft        prometheus.Histogram
	tokens      *prometheus.CounterVec
	cacheHits   prometheus.Counter
	sinkDropped prometheus.Counter
	inFlight    prometheus.GaugeFunc
}

func newCollectors(inFlight func() float64) *collectors {
	c := &collectors{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ttft: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first token of successful requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed by direction.",
		}, []string{"direction"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_hits_total",
			Help:      "Requests routed from the decision cache.",
		}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_sink_dropped_total",
			Help:      "Records not archived because the sink buffer was full.",
		}),
	}
	if inFlight != nil {
		c.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Requests currently in flight.",
		}, inFlight)
	}
	return c
}

func (c *collectors) observe(rec Record) {
	c.requests.WithLabelValues(rec.ErrorKind).Inc()
	if rec.CacheHit {
		c.cacheHits.Inc()
	}
	if !rec.Success {
		return
	}
	c.latency.Observe(rec.TotalLatencyMs / 1000)
	c.ttft.Observe(rec.TTFTMs / 1000)
	c.tokens.WithLabelValues("prompt").Add(float64(rec.PromptTokens))
	c.tokens.WithLabelValues("completion").Add(float64(rec.CompletionTokens))
}

func (c *collectors) list() []prometheus.Collector {
	out := []prometheus.Collector{c.requests, c.latency, c.ttft, c.tokens, c.cacheHits, c.sinkDropped}
	if c.inFlight != nil {
		out = append(out, c.inFlight)
	}
	return out
}
