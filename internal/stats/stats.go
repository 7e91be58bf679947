// Package stats provides process statistics for the router daemon.
package stats

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Collector collects process statistics and owns the completion gauge.
type Collector struct {
	startTime     time.Time
	requestCount  atomic.Int64
	tokenCount    atomic.Int64
	errorCount    atomic.Int64
	totalDuration atomic.Int64 // nanoseconds

	inFlight Gauge
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Stats represents process statistics at a point in time.
type Stats struct {
	// System resources
	MemoryStats MemoryStats `json:"memory"`
	Goroutines  int         `json:"goroutines"`
	Uptime      string      `json:"uptime"`

	// Completion metrics
	RequestCount int64   `json:"request_count"`
	TokenCount   int64   `json:"token_count"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	InFlight     int64   `json:"in_flight"`
	PeakInFlight int64   `json:"peak_in_flight"`

	// Database info
	DBSize   int64   `json:"db_size_bytes"`
	DBSizeMB float64 `json:"db_size_mb"`
	DBPath   string  `json:"db_path,omitempty"`
}

// MemoryStats represents memory usage statistics.
type MemoryStats struct {
	HeapAllocMB  float64       `json:"heap_alloc_mb"`
	HeapSysMB    float64       `json:"heap_sys_mb"`
	HeapObjects  uint64        `json:"heap_objects"`
	StackInuseMB float64       `json:"stack_inuse_mb"`
	NumGC        uint32        `json:"num_gc"`
	GCPauseTotal time.Duration `json:"gc_pause_total"`
}

// Collect returns current statistics.
func (c *Collector) Collect(dbSize int64, dbPath string) *Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	requests := c.requestCount.Load()
	avgLatency := float64(0)
	if requests > 0 {
		avgLatency = float64(c.totalDuration.Load()) / float64(requests) / 1e6
	}

	return &Stats{
		MemoryStats: MemoryStats{
			HeapAllocMB:  bytesToMB(int64(m.HeapAlloc)),
			HeapSysMB:    bytesToMB(int64(m.HeapSys)),
			HeapObjects:  m.HeapObjects,
			StackInuseMB: bytesToMB(int64(m.StackInuse)),
			NumGC:        m.NumGC,
			GCPauseTotal: time.Duration(m.PauseTotalNs),
		},
		Goroutines:   runtime.NumGoroutine(),
		Uptime:       time.Since(c.startTime).Round(time.Second).String(),
		RequestCount: requests,
		TokenCount:   c.tokenCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: avgLatency,
		InFlight:     c.inFlight.Current(),
		PeakInFlight: c.inFlight.Peak(),
		DBSize:       dbSize,
		DBSizeMB:     bytesToMB(dbSize),
		DBPath:       dbPath,
	}
}

// InFlight returns the completion gauge.
func (c *Collector) InFlight() *Gauge {
	return &c.inFlight
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(tokens int, duration time.Duration) {
	c.requestCount.Add(1)
	c.tokenCount.Add(int64(tokens))
	c.totalDuration.Add(duration.Nanoseconds())
}

// RecordError records a failed request.
func (c *Collector) RecordError() {
	c.errorCount.Add(1)
}

// StartTime returns when the collector started.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// bytesToMB converts bytes to megabytes.
func bytesToMB(b int64) float64 {
	return float64(b) / 1024 / 1024
}
