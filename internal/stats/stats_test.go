package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGaugeAcquireRelease(t *testing.T) {
	var g Gauge

	before, release1 := g.Acquire()
	assert.Equal(t, int64(0), before)
	before, release2 := g.Acquire()
	assert.Equal(t, int64(1), before)
	assert.Equal(t, int64(2), g.Current())

	release1()
	release1() // idempotent
	assert.Equal(t, int64(1), g.Current())
	release2()

	assert.Equal(t, int64(0), g.Current())
	assert.Equal(t, int64(2), g.Peak())
	assert.Equal(t, int64(2), g.Total())
}

func TestGaugeConcurrent(t *testing.T) {
	var g Gauge
	const workers = 64

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			before, release := g.Acquire()
			assert.GreaterOrEqual(t, before, int64(0))
			assert.Less(t, before, int64(workers))
			release()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(0), g.Current())
	assert.Equal(t, int64(workers), g.Total())
	assert.LessOrEqual(t, g.Peak(), int64(workers))
	assert.GreaterOrEqual(t, g.Peak(), int64(1))
}

func TestCollectorCollect(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(100, 20*time.Millisecond)
	c.RecordRequest(50, 40*time.Millisecond)
	c.RecordError()
	_, release := c.InFlight().Acquire()
	defer release()

	s := c.Collect(2*1024*1024, "/tmp/router.db")

	assert.Equal(t, int64(2), s.RequestCount)
	assert.Equal(t, int64(150), s.TokenCount)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.InDelta(t, 30.0, s.AvgLatencyMs, 0.001)
	assert.Equal(t, int64(1), s.InFlight)
	assert.InDelta(t, 2.0, s.DBSizeMB, 0.001)
	assert.Positive(t, s.Goroutines)
	assert.False(t, c.StartTime().IsZero())
}
