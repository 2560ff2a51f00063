// Package operator implements the coordination component (spec §4.7): it
// drives every other component through the synchronized Configure/Arm/Start
// lifecycle, maintains the run registry, computes aggregate system state,
// and exposes it all over an HTTP/WebSocket facade.
package operator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aogaki/delila-go/internal/config"
)

// RunStatus is the lifecycle state of one recorded run (spec §4.7 "Run
// registry"), distinct from component.State: it tracks the run as a whole,
// not any one component.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusAborted   RunStatus = "aborted"
)

// RunStats aggregates the metrics the Operator last observed across every
// component for this run. It is filled in once, when Stop finalizes the run.
type RunStats struct {
	EventsProcessed  uint64  `json:"events_processed"`
	BytesTransferred uint64  `json:"bytes_transferred"`
	EventRate        float64 `json:"event_rate"`
}

// Run is one entry in the run registry (spec §4.7): everything an operator
// (the human) needs to review after the fact, plus free-form notes taken
// during the run.
type Run struct {
	ID             string          `json:"id"`
	RunNumber      uint32          `json:"run_number"`
	ExpName        string          `json:"exp_name"`
	Comment        string          `json:"comment"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	DurationSecs   *float64        `json:"duration_secs,omitempty"`
	Status         RunStatus       `json:"status"`
	Stats          RunStats        `json:"stats"`
	ConfigSnapshot config.RunConfig `json:"config_snapshot"`
	Errors         []string        `json:"errors,omitempty"`
	Notes          []string        `json:"notes,omitempty"`
}

// RunStore persists the run registry. MemoryRunStore is the only
// implementation (spec §9 leaves durable run history an Open Question,
// resolved here as out of scope: see SPEC_FULL.md §3.8).
type RunStore interface {
	Create(cfg config.RunConfig) *Run
	Get(id string) (*Run, bool)
	List() []*Run
	Update(id string, fn func(*Run)) bool
}

// MemoryRunStore is an in-process RunStore, sufficient for a single
// Operator process's lifetime (runs do not survive a restart).
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	order []string
}

// NewMemoryRunStore constructs an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// Create registers a new run as running, keyed by a fresh uuid.
func (s *MemoryRunStore) Create(cfg config.RunConfig) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &Run{
		ID:             uuid.NewString(),
		RunNumber:      cfg.RunNumber,
		ExpName:        cfg.ExpName,
		Comment:        cfg.Comment,
		StartTime:      time.Now(),
		Status:         RunStatusRunning,
		ConfigSnapshot: cfg,
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return run
}

// Get returns the run with the given id, if known.
func (s *MemoryRunStore) Get(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// List returns every run in creation order.
func (s *MemoryRunStore) List() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id])
	}
	return out
}

// Update applies fn to the run with the given id while holding the store's
// lock, so callers can safely mutate multiple fields atomically.
func (s *MemoryRunStore) Update(id string, fn func(*Run)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}
