package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock for deterministic bucket-refill tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGovernorAcquireImmediateWhenDisabled(t *testing.T) {
	g := New(Config{Enabled: false})
	defer g.Close()
	permit, err := g.Acquire(context.Background(), "src-0")
	require.NoError(t, err)
	permit.Release()
}

func TestGovernorAcquireConsumesBurstThenWaits(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{Enabled: true, InitialRate: 1, BurstCapacity: 2, FailureLimit: 5, OpenDuration: time.Second, KeyStateTTL: time.Minute}).WithClock(clock)
	defer g.Close()

	for i := 0; i < 2; i++ {
		_, err := g.Acquire(context.Background(), "src-0")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := g.Acquire(ctx, "src-0")
	assert.Error(t, err) // bucket empty and we refuse to let the fake clock tick on its own
}

func TestGovernorBreakerOpensAfterFailures(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{Enabled: true, InitialRate: 10, BurstCapacity: 10, FailureLimit: 2, OpenDuration: time.Minute, KeyStateTTL: time.Minute}).WithClock(clock)
	defer g.Close()

	for i := 0; i < 2; i++ {
		g.Feedback("dev-1", Feedback{Err: errors.New("device timeout")})
	}

	_, err := g.Acquire(context.Background(), "dev-1")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	snap := g.Snapshot()
	require.Len(t, snap.Keys, 1)
	assert.Equal(t, "open", snap.Keys[0].CircuitState)
}

func TestGovernorBreakerHalfOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{Enabled: true, InitialRate: 10, BurstCapacity: 10, FailureLimit: 1, OpenDuration: time.Second, KeyStateTTL: time.Minute}).WithClock(clock)
	defer g.Close()

	g.Feedback("dev-2", Feedback{Err: errors.New("boom")})
	_, err := g.Acquire(context.Background(), "dev-2")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(2 * time.Second)
	_, err = g.Acquire(context.Background(), "dev-2")
	require.NoError(t, err) // breaker transitions to half-open and admits a probe

	for i := 0; i < 3; i++ {
		g.Feedback("dev-2", Feedback{})
	}
	snap := g.Snapshot()
	require.Len(t, snap.Keys, 1)
	assert.Equal(t, "closed", snap.Keys[0].CircuitState)
}

func TestGovernorShardingKeepsKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{Enabled: true, InitialRate: 1, BurstCapacity: 1, FailureLimit: 5, OpenDuration: time.Second, KeyStateTTL: time.Minute}).WithClock(clock)
	defer g.Close()

	_, err := g.Acquire(context.Background(), "src-a")
	require.NoError(t, err)
	_, err = g.Acquire(context.Background(), "src-b")
	require.NoError(t, err) // src-b's bucket is untouched by src-a's consumption
}
