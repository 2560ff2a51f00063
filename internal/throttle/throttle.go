// Package throttle provides a sharded-by-key token bucket with a circuit
// breaker, used to clamp the Emulator's synthetic event rate. The Reader's
// device reads are not routed through it: a failed read is counted as an
// error and the read loop goes straight on to the next read.
package throttle

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Acquire while a key's breaker is open.
var ErrCircuitOpen = errors.New("throttle: circuit open")

// Config controls bucket sizing, breaker thresholds, and shard count.
type Config struct {
	Enabled        bool
	Shards         int           // must be a power of two; default 16
	InitialRate    float64       // tokens/sec granted to a brand-new key
	BurstCapacity  float64       // max tokens a bucket can hold
	FailureLimit   int           // consecutive failures before the breaker opens
	OpenDuration   time.Duration // how long the breaker stays open before probing
	KeyStateTTL    time.Duration // idle keys are evicted after this long
}

// DefaultConfig returns sane defaults for a single digitizer source.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Shards:        16,
		InitialRate:   1,
		BurstCapacity: 10,
		FailureLimit:  5,
		OpenDuration:  5 * time.Second,
		KeyStateTTL:   2 * time.Minute,
	}
}

// Permit is returned by a successful Acquire; Release is a no-op placeholder
// kept for symmetry with callers that defer permit.Release().
type Permit interface{ Release() }

type immediatePermit struct{}

func (immediatePermit) Release() {}

// Feedback reports the outcome of the work gated by a prior Acquire, driving
// the breaker and adaptive fill rate for that key.
type Feedback struct {
	Err     error
	Latency time.Duration
}

// Snapshot summarizes current governor-wide counters and per-key state.
type Snapshot struct {
	TotalRequests int64
	Throttled     int64
	Denied        int64
	OpenCircuits  int64
	Keys          []KeySummary
}

// KeySummary reports one key's current fill rate and breaker state.
type KeySummary struct {
	Key          string
	FillRate     float64
	CircuitState string
	LastActivity time.Time
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Governor is a sharded per-key token-bucket rate limiter with a circuit
// breaker, safe for concurrent use by any number of sources.
type Governor struct {
	cfg   Config
	clock Clock
	shards []*shard
	mask   uint64

	mu      sync.Mutex
	metrics Snapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	evictWG  sync.WaitGroup
}

type shard struct {
	mu   sync.RWMutex
	keys map[string]*keyState
}

type breakerState struct {
	open        bool
	nextAttempt time.Time
	failures    int
	successes   int
	halfOpen    bool
}

type keyState struct {
	mu           sync.Mutex
	lastActivity time.Time
	fillRate     float64
	tokens       float64
	lastRefill   time.Time
	breaker      breakerState
}

// New constructs a Governor. An invalid (non-power-of-two or zero) shard
// count falls back to 16.
func New(cfg Config) *Governor {
	if cfg.Shards <= 0 || (cfg.Shards&(cfg.Shards-1)) != 0 {
		cfg.Shards = 16
	}
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = 1
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = cfg.InitialRate * 10
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Second
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	g := &Governor{cfg: cfg, clock: realClock{}, shards: shards, mask: uint64(cfg.Shards - 1), stopCh: make(chan struct{})}
	if cfg.KeyStateTTL > 0 {
		g.evictWG.Add(1)
		go g.evictLoop()
	}
	return g
}

// WithClock overrides the wall clock for tests.
func (g *Governor) WithClock(c Clock) *Governor {
	if c != nil {
		g.clock = c
	}
	return g
}

func (g *Governor) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[uint64(h.Sum32())&g.mask]
}

func (g *Governor) stateFor(key string) *keyState {
	sh := g.shardFor(key)
	sh.mu.RLock()
	s := sh.keys[key]
	sh.mu.RUnlock()
	if s != nil {
		return s
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s = sh.keys[key]; s == nil {
		now := g.clock.Now()
		s = &keyState{lastActivity: now, fillRate: g.cfg.InitialRate, tokens: g.cfg.BurstCapacity, lastRefill: now}
		sh.keys[key] = s
	}
	return s
}

// Acquire blocks (respecting ctx) until a token for key is available, the
// breaker trips ErrCircuitOpen, or ctx is done.
func (g *Governor) Acquire(ctx context.Context, key string) (Permit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !g.cfg.Enabled {
		return immediatePermit{}, nil
	}
	state := g.stateFor(key)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		now := g.clock.Now()
		wait, err := state.plan(g.cfg, now)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				g.bump(func(s *Snapshot) { s.Denied++ })
			}
			return nil, err
		}
		if wait <= 0 {
			g.bump(func(s *Snapshot) { s.TotalRequests++ })
			return immediatePermit{}, nil
		}
		g.bump(func(s *Snapshot) { s.Throttled++ })
		if !sleepCtx(ctx, g.clock, wait) {
			return nil, ctx.Err()
		}
	}
}

// Feedback reports the outcome of work gated by a prior Acquire, adapting
// the key's fill rate and breaker state.
func (g *Governor) Feedback(key string, fb Feedback) {
	if !g.cfg.Enabled {
		return
	}
	g.stateFor(key).applyFeedback(g.cfg, fb, g.clock.Now())
}

func (g *Governor) bump(mutate func(*Snapshot)) {
	g.mu.Lock()
	mutate(&g.metrics)
	g.mu.Unlock()
}

// Snapshot reports current governor-wide counters and per-key breaker state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	base := g.metrics
	g.mu.Unlock()

	var open int64
	var keys []KeySummary
	for _, sh := range g.shards {
		sh.mu.RLock()
		for name, state := range sh.keys {
			state.mu.Lock()
			cs := "closed"
			if state.breaker.open {
				cs = "open"
				open++
			} else if state.breaker.halfOpen {
				cs = "half-open"
			}
			keys = append(keys, KeySummary{Key: name, FillRate: state.fillRate, CircuitState: cs, LastActivity: state.lastActivity})
			state.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	base.Keys = keys
	base.OpenCircuits = open
	return base
}

// Close stops the background eviction loop.
func (g *Governor) Close() {
	g.stopOnce.Do(func() { close(g.stopCh); g.evictWG.Wait() })
}

func (g *Governor) evictLoop() {
	defer g.evictWG.Done()
	interval := g.cfg.KeyStateTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.evictIdle()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Governor) evictIdle() {
	now := g.clock.Now()
	for _, sh := range g.shards {
		sh.mu.Lock()
		for key, state := range sh.keys {
			state.mu.Lock()
			idle := now.Sub(state.lastActivity)
			state.mu.Unlock()
			if idle >= g.cfg.KeyStateTTL {
				delete(sh.keys, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *keyState) plan(cfg Config, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	if s.breaker.open {
		if now.After(s.breaker.nextAttempt) {
			s.breaker.open = false
			s.breaker.halfOpen = true
		} else {
			return 0, ErrCircuitOpen
		}
	}

	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed > 0 {
		s.tokens = math.Min(cfg.BurstCapacity, s.tokens+elapsed*s.fillRate)
		s.lastRefill = now
	}
	if s.tokens >= 1 {
		s.tokens--
		return 0, nil
	}
	waitSeconds := (1 - s.tokens) / math.Max(s.fillRate, 0.1)
	return time.Duration(waitSeconds * float64(time.Second)), nil
}

func (s *keyState) applyFeedback(cfg Config, fb Feedback, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	if fb.Err != nil {
		s.fillRate = math.Max(s.fillRate*0.8, 0.1)
		s.breaker.failures++
	} else {
		s.fillRate = math.Min(s.fillRate*1.05, cfg.BurstCapacity)
		if s.breaker.halfOpen {
			s.breaker.successes++
		}
	}

	switch {
	case s.breaker.halfOpen && s.breaker.successes >= 3:
		s.breaker = breakerState{}
	case s.breaker.halfOpen && s.breaker.failures > 0:
		s.breaker = breakerState{open: true, nextAttempt: now.Add(cfg.OpenDuration)}
	case !s.breaker.open && !s.breaker.halfOpen && s.breaker.failures >= cfg.FailureLimit:
		s.breaker = breakerState{open: true, nextAttempt: now.Add(cfg.OpenDuration)}
	}
}

func sleepCtx(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
