package component

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateTracker computes a trailing events/sec and bytes/sec rate from
// periodic sample updates, used by every component's status report (spec
// §6: "current rate" fields on the status broadcast).
type RateTracker struct {
	mu          sync.Mutex
	windowStart time.Time
	windowEvents uint64
	windowBytes  uint64
	eventsRate   float64
	bytesRate    float64
	now         func() time.Time
}

// NewRateTracker returns a tracker using the real wall clock.
func NewRateTracker() *RateTracker {
	return &RateTracker{windowStart: time.Now(), now: time.Now}
}

// Record accumulates one observation (a decoded/forwarded/written batch) of
// the given event and byte counts into the current window.
func (r *RateTracker) Record(events, bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowEvents += events
	r.windowBytes += bytes
	r.maybeRoll()
}

// maybeRoll closes the current 1-second window and computes its rate once
// at least a second has elapsed, so Rates() is cheap to call from a hot
// status-report path. Must be called with r.mu held.
func (r *RateTracker) maybeRoll() {
	elapsed := r.now().Sub(r.windowStart)
	if elapsed < time.Second {
		return
	}
	seconds := elapsed.Seconds()
	r.eventsRate = float64(r.windowEvents) / seconds
	r.bytesRate = float64(r.windowBytes) / seconds
	r.windowEvents = 0
	r.windowBytes = 0
	r.windowStart = r.now()
}

// Rates returns the most recently computed events/sec and bytes/sec,
// rolling the window first if it is due.
func (r *RateTracker) Rates() (eventsPerSec, bytesPerSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeRoll()
	return r.eventsRate, r.bytesRate
}

// Counters are the atomic hot-path counters every component exposes on its
// status broadcast: total events processed, total bytes transferred, total
// dropped (queue overflow), and total errors (decode/write/device faults).
type Counters struct {
	Processed atomic.Uint64
	Bytes     atomic.Uint64
	Dropped   atomic.Uint64
	Errors    atomic.Uint64
}

// Snapshot is a point-in-time copy safe to serialize onto the state bus.
type CountersSnapshot struct {
	Processed uint64
	Bytes     uint64
	Dropped   uint64
	Errors    uint64
}

func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Processed: c.Processed.Load(),
		Bytes:     c.Bytes.Load(),
		Dropped:   c.Dropped.Load(),
		Errors:    c.Errors.Load(),
	}
}

// TrySend performs the non-blocking channel send every Receiver task must
// use (spec §3: the Receiver never blocks). On a full channel it increments
// dropped and returns false.
func TrySend[T any](ch chan<- T, v T, dropped *atomic.Uint64) bool {
	select {
	case ch <- v:
		return true
	default:
		dropped.Add(1)
		return false
	}
}

// Tasks coordinates a component's Receiver/Main/Sender (or Receiver/Writer,
// or Main/Sender) goroutine group: every task is started under the group's
// WaitGroup and observes ctx cancellation, mirroring the stage-worker
// choreography of a multi-stage pipeline (start N goroutines per stage,
// close downstream channels once every upstream producer has exited).
type Tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTasks derives a cancelable context from parent for this component's
// task group.
func NewTasks(parent context.Context) *Tasks {
	ctx, cancel := context.WithCancel(parent)
	return &Tasks{ctx: ctx, cancel: cancel}
}

// Context returns the group's shared cancelable context.
func (t *Tasks) Context() context.Context { return t.ctx }

// Go starts fn as a tracked goroutine.
func (t *Tasks) Go(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
}

// Stop cancels the group's context and blocks until every tracked goroutine
// has returned.
func (t *Tasks) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Wait blocks until every tracked goroutine has returned, without
// cancelling the context (used when tasks are expected to exit on their
// own, e.g. after observing a channel close).
func (t *Tasks) Wait() { t.wg.Wait() }

// StopAfter waits up to grace for every tracked goroutine to exit on its
// own — the caller is expected to have closed their input channels first so
// in-flight messages (an EndOfStream in particular) still drain — then
// cancels whatever remains and waits for it.
func (t *Tasks) StopAfter(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
	t.cancel()
	t.wg.Wait()
}
