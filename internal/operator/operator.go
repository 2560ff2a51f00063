package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
	"github.com/aogaki/delila-go/internal/telemetry/tracing"
)

// SystemState is the Operator's computed aggregate over every component's
// individual state (spec §4.7 "Computed system state").
type SystemState string

const (
	SystemMixed   SystemState = "Mixed"
	SystemOffline SystemState = "Offline"
)

// ComponentStatusView is one row of the Operator's status report.
type ComponentStatusView struct {
	ID     string           `json:"id"`
	Status component.Status `json:"status"`
}

// SystemStatus is the full `GET /api/status` payload (spec §6).
type SystemStatus struct {
	Components      []ComponentStatusView `json:"components"`
	SystemState     SystemState            `json:"system_state"`
	RunInfo         *Run                   `json:"run_info,omitempty"`
	ExperimentName  string                 `json:"experiment_name"`
	NextRunNumber   *uint32                `json:"next_run_number,omitempty"`
}

// Operator coordinates the synchronized lifecycle across every registered
// component and maintains the run registry (spec §4.7).
type Operator struct {
	store           RunStore
	perPhaseTimeout time.Duration
	log             logging.Logger

	mu        sync.Mutex
	tracer    tracing.Tracer
	order     []string
	handles   map[string]ComponentHandle
	runID     string
	lastRunID string // most recently finalized run, still shown on /api/status
	expName   string
	nextRunNo uint32
}

// New constructs an Operator backed by store. perPhaseTimeout bounds every
// individual Configure/Arm/Start/Stop command (spec §5 "per-phase timeout
// default 5s"); zero selects config.DefaultPerPhaseTimeout.
func New(store RunStore, perPhaseTimeout time.Duration) *Operator {
	if perPhaseTimeout <= 0 {
		perPhaseTimeout = config.DefaultPerPhaseTimeout
	}
	return &Operator{
		store:           store,
		perPhaseTimeout: perPhaseTimeout,
		log:             logging.New(nil),
		tracer:          tracing.NewTracer(false),
		handles:         make(map[string]ComponentHandle),
		nextRunNo:       1,
	}
}

// phaseSpan opens a span for one lifecycle phase so every command issued
// within it — and every log line — carries the same trace id (a stuck
// two-phase start is then diagnosable from logs alone).
func (o *Operator) phaseSpan(ctx context.Context, name string) (context.Context, tracing.Span) {
	o.mu.Lock()
	tracer := o.tracer
	o.mu.Unlock()
	return tracer.StartSpan(ctx, name)
}

// AddComponent registers a component in pipeline order; Configure/Start
// proceed in this order ascending, Stop in this order descending.
func (o *Operator) AddComponent(h ComponentHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, h.ID())
	o.handles[h.ID()] = h
}

// Status returns the Operator's current aggregate view (spec §6 `GET
// /api/status`).
func (o *Operator) Status() SystemStatus {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	runID := o.runID
	if runID == "" {
		runID = o.lastRunID
	}
	expName := o.expName
	nextRunNo := o.nextRunNo
	o.mu.Unlock()

	views := make([]ComponentStatusView, 0, len(order))
	states := make([]component.State, 0, len(order))
	anyOffline := false
	for _, id := range order {
		h := o.handles[id]
		st, ok := h.StatusValue().Get()
		if !ok {
			anyOffline = true
		}
		views = append(views, ComponentStatusView{ID: id, Status: st})
		states = append(states, st.State)
	}

	status := SystemStatus{Components: views, SystemState: computeSystemState(states, anyOffline), ExperimentName: expName, NextRunNumber: &nextRunNo}
	if runID != "" {
		if run, ok := o.store.Get(runID); ok {
			status.RunInfo = run
		}
	}
	return status
}

func computeSystemState(states []component.State, anyOffline bool) SystemState {
	if len(states) == 0 || anyOffline {
		return SystemOffline
	}
	for _, s := range states {
		if s == component.StateError {
			return SystemState(component.StateError.String())
		}
	}
	first := states[0]
	for _, s := range states[1:] {
		if s != first {
			return SystemMixed
		}
	}
	return SystemState(first.String())
}

// Configure runs phase 1 of the two-phase start (spec §4.7 step 1):
// Configure is sent to every component in pipeline order ascending, each
// awaited before the next is issued. Any failure resets every
// already-configured component and aborts.
func (o *Operator) Configure(ctx context.Context, cfg config.RunConfig) error {
	o.mu.Lock()
	// The run config controls whether this and every later phase records
	// spans (RunConfig.TracingEnabled).
	o.tracer = tracing.NewTracer(cfg.TracingEnabled)
	// A run config naming an explicit pipeline_order overrides the
	// registration order for this and every later phase.
	if len(cfg.PipelineOrder) > 0 {
		o.order = o.applyPipelineOrder(cfg.PipelineOrder)
	}
	order := append([]string(nil), o.order...)
	// A zero run_number means "allocate the next one"; a non-zero value is a
	// user-supplied one-shot override (spec §4.7 "Run registry").
	if cfg.RunNumber == 0 {
		cfg.RunNumber = o.nextRunNo
	}
	o.mu.Unlock()

	ctx, span := o.phaseSpan(ctx, "configure")
	defer span.End()
	span.SetAttribute("run_number", cfg.RunNumber)

	cfg.Normalize()
	configured := make([]string, 0, len(order))
	for _, id := range order {
		cctx, cancel := context.WithTimeout(ctx, o.perPhaseTimeout)
		resp, err := o.handles[id].Command(cctx, component.CmdConfigure, &cfg)
		cancel()
		if err != nil || !resp.Success {
			o.resetAll(configured)
			if err != nil {
				o.log.ErrorCtx(ctx, "configure phase failed", "component", id, "err", err)
				return fmt.Errorf("operator: configure %s: %w", id, err)
			}
			o.log.ErrorCtx(ctx, "configure phase rejected", "component", id, "message", resp.Message)
			return fmt.Errorf("operator: configure %s: %s", id, resp.Message)
		}
		configured = append(configured, id)
	}
	o.log.InfoCtx(ctx, "all components configured", "run_number", cfg.RunNumber, "components", len(order))

	run := o.store.Create(cfg)
	o.mu.Lock()
	o.runID = run.ID
	o.expName = cfg.ExpName
	o.nextRunNo = cfg.RunNumber + 1
	o.mu.Unlock()
	return nil
}

// applyPipelineOrder returns the registered component ids sorted to match
// requested where possible: ids named in requested come first in that
// order, any registered id not mentioned keeps its relative position after
// them. Unknown ids in requested are ignored. Caller holds o.mu.
func (o *Operator) applyPipelineOrder(requested []string) []string {
	out := make([]string, 0, len(o.order))
	seen := make(map[string]bool, len(o.order))
	for _, id := range requested {
		if _, known := o.handles[id]; known && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range o.order {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Arm runs phase 2 (spec §4.7 step 2): Arm is sent to every component
// concurrently, and the barrier only releases once every component has
// replied. Because Command blocks until that component's handler fully
// settles, joining the concurrent calls is sufficient to implement "wait
// until all report Armed" without a separate state-broadcast poll.
func (o *Operator) Arm(ctx context.Context) error {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	o.mu.Unlock()

	ctx, span := o.phaseSpan(ctx, "arm")
	defer span.End()

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, id := range order {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, o.perPhaseTimeout)
			defer cancel()
			resp, err := o.handles[id].Command(cctx, component.CmdArm, nil)
			if err != nil {
				errs[i] = fmt.Errorf("operator: arm %s: %w", id, err)
			} else if !resp.Success {
				errs[i] = fmt.Errorf("operator: arm %s: %s", id, resp.Message)
			}
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			o.log.ErrorCtx(ctx, "arm barrier failed", "err", err)
			o.resetAll(order)
			return err
		}
	}
	o.log.InfoCtx(ctx, "all components armed", "components", len(order))
	return nil
}

// Start runs phase 3 (spec §4.7 step 3): Start in ascending pipeline order,
// each awaited before the next. On success, persists the Run as running.
func (o *Operator) Start(ctx context.Context, comment string) error {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	runID := o.runID
	o.mu.Unlock()

	ctx, span := o.phaseSpan(ctx, "start")
	defer span.End()

	started := make([]string, 0, len(order))
	for _, id := range order {
		cctx, cancel := context.WithTimeout(ctx, o.perPhaseTimeout)
		resp, err := o.handles[id].Command(cctx, component.CmdStart, nil)
		cancel()
		if err != nil || !resp.Success {
			o.resetAll(append(started, id))
			if err != nil {
				o.log.ErrorCtx(ctx, "start phase failed", "component", id, "err", err)
				return fmt.Errorf("operator: start %s: %w", id, err)
			}
			o.log.ErrorCtx(ctx, "start phase rejected", "component", id, "message", resp.Message)
			return fmt.Errorf("operator: start %s: %s", id, resp.Message)
		}
		started = append(started, id)
	}

	if runID != "" {
		o.store.Update(runID, func(r *Run) {
			if comment != "" {
				r.Comment = comment
			}
		})
	}
	o.log.InfoCtx(ctx, "all components running", "components", len(order))
	return nil
}

// Stop drains the pipeline in descending pipeline order (spec §4.7: "so
// upstream stops first, draining downstream naturally") and finalizes the
// active Run document.
func (o *Operator) Stop(ctx context.Context) error {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	runID := o.runID
	o.mu.Unlock()

	ctx, span := o.phaseSpan(ctx, "stop")
	defer span.End()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		cctx, cancel := context.WithTimeout(ctx, o.perPhaseTimeout)
		resp, err := o.handles[id].Command(cctx, component.CmdStop, nil)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("operator: stop %s: %w", id, err)
		} else if !resp.Success && firstErr == nil {
			firstErr = fmt.Errorf("operator: stop %s: %s", id, resp.Message)
		}
	}

	stats, componentErrs := o.collectFinalStats(order)

	if runID != "" {
		o.store.Update(runID, func(r *Run) {
			now := time.Now()
			r.EndTime = &now
			secs := now.Sub(r.StartTime).Seconds()
			r.DurationSecs = &secs
			r.Stats = stats
			r.Errors = append(r.Errors, componentErrs...)
			if firstErr != nil {
				r.Errors = append(r.Errors, firstErr.Error())
			}
			if firstErr != nil || len(componentErrs) > 0 {
				r.Status = RunStatusError
			} else {
				r.Status = RunStatusCompleted
			}
		})
	}
	o.mu.Lock()
	o.runID = ""
	if runID != "" {
		o.lastRunID = runID
	}
	o.mu.Unlock()
	return firstErr
}

// collectFinalStats sums each component's last-broadcast metrics into the
// run-level totals and gathers the error messages of any component sitting
// in the Error state, so the finalized Run document records both (spec §4.7
// "aggregate final stats", spec §7 "annotates the active Run.errors[]").
func (o *Operator) collectFinalStats(order []string) (RunStats, []string) {
	var stats RunStats
	var errs []string
	for _, id := range order {
		st, ok := o.handles[id].StatusValue().Get()
		if !ok {
			continue
		}
		stats.EventsProcessed += st.Metrics.EventsProcessed
		stats.BytesTransferred += st.Metrics.BytesTransferred
		stats.EventRate += st.Metrics.EventRate
		if st.State == component.StateError {
			msg := st.ErrorMessage
			if msg == "" {
				msg = "component in Error state"
			}
			errs = append(errs, fmt.Sprintf("%s: %s", id, msg))
		}
	}
	return stats, errs
}

// Reset sends Reset to every component, unordered (spec §4.7: "Reset is
// unordered"), the universal escape hatch back to Idle. A run still open at
// this point never went through Stop's finalization, so it is closed as
// aborted rather than left dangling.
func (o *Operator) Reset(ctx context.Context) error {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	runID := o.runID
	o.runID = ""
	if runID != "" {
		o.lastRunID = runID
	}
	o.mu.Unlock()

	if runID != "" {
		o.store.Update(runID, func(r *Run) {
			now := time.Now()
			r.EndTime = &now
			secs := now.Sub(r.StartTime).Seconds()
			r.DurationSecs = &secs
			r.Status = RunStatusAborted
		})
	}
	return o.resetAll(order)
}

func (o *Operator) resetAll(ids []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(context.Background(), o.perPhaseTimeout)
			defer cancel()
			if _, err := o.handles[id].Command(cctx, component.CmdReset, nil); err != nil {
				errs[i] = err
			}
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// OverrideRunNumber replaces the active run's allocated run_number with a
// user-supplied one-shot value (spec §6: `POST /api/start` body
// `{run_number?, comment?}`); subsequent allocation continues from it.
func (o *Operator) OverrideRunNumber(n uint32) error {
	o.mu.Lock()
	runID := o.runID
	o.mu.Unlock()
	if runID == "" {
		return fmt.Errorf("operator: no active run")
	}
	if !o.store.Update(runID, func(r *Run) { r.RunNumber = n }) {
		return fmt.Errorf("operator: run %s not found", runID)
	}
	o.mu.Lock()
	o.nextRunNo = n + 1
	o.mu.Unlock()
	return nil
}

// AddNote appends text to the active run's notes (spec §6 `POST
// /api/notes`).
func (o *Operator) AddNote(text string) error {
	o.mu.Lock()
	runID := o.runID
	o.mu.Unlock()
	if runID == "" {
		return fmt.Errorf("operator: no active run")
	}
	if !o.store.Update(runID, func(r *Run) { r.Notes = append(r.Notes, text) }) {
		return fmt.Errorf("operator: run %s not found", runID)
	}
	return nil
}
