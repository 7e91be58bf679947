package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", &CircuitBreakerConfig{
		MaxFailures:      2,
		ResetTimeout:     time.Minute,
		HalfOpenAttempts: 1,
		Clock:            clock.Now,
	})
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	boom := errors.New("boom")

	assert.False(t, cb.Record(boom))
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Record(boom))
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.Open())
	assert.False(t, cb.Allow())
	assert.Equal(t, clock.t.Add(time.Minute), cb.OpenUntil())
}

func TestBreakerCoolDownThenHalfOpen(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	cb.Trip()

	clock.Advance(59 * time.Second)
	assert.True(t, cb.Open())
	assert.False(t, cb.Allow())

	clock.Advance(time.Second)
	assert.False(t, cb.Open())
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one half-open probe")

	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.OpenUntil().IsZero())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	cb.Trip()
	clock.Advance(time.Minute)

	assert.True(t, cb.Allow())
	assert.True(t, cb.Record(errors.New("still down")))
	assert.True(t, cb.Open())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
	boom := errors.New("boom")

	cb.Record(boom)
	cb.Record(nil)
	cb.Record(boom)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}

func TestBreakerAbandonFreesHalfOpenSlot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	cb.Trip()
	clock.Advance(time.Minute)

	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "single half-open probe")

	cb.Abandon()
	assert.True(t, cb.Allow(), "abandoned probe slot is reusable")
	assert.Equal(t, StateHalfOpen, cb.State())
}
