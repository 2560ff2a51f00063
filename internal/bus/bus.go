// Package bus implements the in-process transport every pipeline stage uses
// to move EventDataBatch messages, run-lifecycle commands, and broadcast
// state between a component's receiver, main, and sender tasks (spec §3:
// "lock-free" component architecture realized here as bounded Go channels
// with drop-and-count on backpressure, never a blocking send on the hot
// Receiver path).
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// Subscription is a single subscriber's view of a Topic.
type Subscription[T any] interface {
	C() <-chan T
	Close()
	ID() int64
}

// TopicStats reports publish/drop counters for monitoring and tests.
type TopicStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Topic is a bounded, non-blocking publish/subscribe channel fan-out. A full
// subscriber buffer causes that subscriber (and only that subscriber) to
// drop the message; the publisher never blocks. This is the backbone of the
// Sender task -> Merger Receiver task hop and of the Monitor/Operator live
// push feeds.
type Topic[T any] struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber[T]
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	provider   metrics.Provider
	mPublished metrics.Counter
	mDropped   metrics.Counter
}

// NewTopic constructs a Topic that reports publish/drop counts to provider
// under the given metric name (used as the Subsystem label), e.g. "merger"
// or "monitor_histograms". A nil provider disables metrics.
func NewTopic[T any](provider metrics.Provider, subsystem string) *Topic[T] {
	t := &Topic[T]{subs: make(map[int64]*subscriber[T]), provider: provider}
	subsystem = sanitizeSubsystem(subsystem)
	if provider != nil {
		t.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "delila", Subsystem: subsystem, Name: "bus_published_total", Help: "messages published to this topic",
		}})
		t.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "delila", Subsystem: subsystem, Name: "bus_dropped_total", Help: "messages dropped due to a full subscriber buffer",
			Labels: []string{"subscriber"},
		}})
	}
	return t
}

// Publish fans v out to every current subscriber without blocking. Slow
// subscribers drop the message and increment their own drop counter; they
// never hold up the publisher or other subscribers.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	t.published.Add(1)
	if t.mPublished != nil {
		t.mPublished.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
			t.dropped.Add(1)
			if t.mDropped != nil {
				t.mDropped.Inc(1, s.idLabel)
			}
		}
	}
}

// Subscribe registers a new subscriber with the given buffer depth (0 means
// a default of 64 is used).
func (t *Topic[T]) Subscribe(buffer int) Subscription[T] {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan T, buffer)
	id := atomic.AddInt64(&t.nextID, 1)
	sub := &subscriber[T]{id: id, ch: ch, topic: t, idLabel: formatID(id)}
	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()
	return sub
}

func (t *Topic[T]) unsubscribe(id int64) {
	t.mu.Lock()
	s := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
}

// Stats reports current subscriber count and drop totals.
func (t *Topic[T]) Stats() TopicStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := TopicStats{Subscribers: int64(len(t.subs)), Published: t.published.Load(), Dropped: t.dropped.Load(), PerSubscriberDrops: make(map[int64]uint64)}
	for id, s := range t.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

type subscriber[T any] struct {
	id      int64
	ch      chan T
	topic   *Topic[T]
	dropped atomic.Uint64
	idLabel string
}

func (s *subscriber[T]) C() <-chan T { return s.ch }
func (s *subscriber[T]) ID() int64   { return s.id }
func (s *subscriber[T]) Close()      { s.topic.unsubscribe(s.id) }

// sanitizeSubsystem rewrites component ids like "reader-0" into a shape the
// metric name rules accept.
func sanitizeSubsystem(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func formatID(id int64) string {
	if id == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for id > 0 {
		i--
		digits[i] = byte('0' + (id % 10))
		id /= 10
	}
	return string(digits[i:])
}

// LatestValue holds a single "latest value wins" broadcast slot, used for
// the distributed system-state bus (spec §5): every reader always sees the
// most recent published value, never a backlog.
type LatestValue[T any] struct {
	mu      sync.RWMutex
	value   T
	set     bool
	waiters []chan struct{}
}

// NewLatestValue returns an empty LatestValue slot.
func NewLatestValue[T any]() *LatestValue[T] { return &LatestValue[T]{} }

// Set replaces the current value and wakes any Wait callers.
func (l *LatestValue[T]) Set(v T) {
	l.mu.Lock()
	l.value = v
	l.set = true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Get returns the current value and whether one has ever been Set.
func (l *LatestValue[T]) Get() (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value, l.set
}

// Wait blocks until a value has been Set or ctx is done, then returns the
// current value.
func (l *LatestValue[T]) Wait(ctx context.Context) (T, error) {
	l.mu.Lock()
	if l.set {
		v := l.value
		l.mu.Unlock()
		return v, nil
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		v, _ := l.Get()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
