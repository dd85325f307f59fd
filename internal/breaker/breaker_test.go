package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	assert.False(t, b.Allow())
	assert.True(t, b.IsOpen())
	assert.Equal(t, int64(2), b.Snapshot().Rejections)
}

func TestLeakyDecrementOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)

	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestResetOnSuccessPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetOnSuccess = true
	b, _ := newTestBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterMinSuccesses(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 1, b.Snapshot().HalfOpenSuccesses)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Zero(t, b.Snapshot().HalfOpenSuccesses)

	// Open again, measured from the new failure
	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow())
}

func TestStateChangeHook(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())

	var transitions []string
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestResetForcesClosed(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}
