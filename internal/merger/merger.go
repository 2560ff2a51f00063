// Package merger implements the N-to-1 stream fan-in stage (spec §4.4): it
// subscribes to every upstream Reader/Emulator's published batch stream,
// tracks per-source sequence continuity, forwards End-of-Stream, and
// re-publishes a single merged stream for the Recorder and Monitor.
package merger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// sourceQueueDepth bounds the per-source mpsc queue a Receiver task feeds
// (spec §4.4: "try_send into internal mpsc. Never block.").
const sourceQueueDepth = 256

// senderQueueDepth bounds the Main-to-Sender handoff channel.
const senderQueueDepth = 256

// stallAfter is how long without a Data/Heartbeat from a known source
// before it is reported stalled (SPEC_FULL.md §4 "Heartbeat stall
// detection": 3x the ~1Hz heartbeat period).
const stallAfter = 3 * time.Second

// drainGrace bounds how long Stop waits for the data tasks to drain
// in-flight messages on their own before force-cancelling them.
const drainGrace = 500 * time.Millisecond

// Request is one command delivered to a Merger's Endpoint.
type Request struct {
	Cmd component.Command
	Run *config.RunConfig
}

// SourceStats is the per-source bookkeeping the Main task maintains and the
// status broadcast exposes (spec §4.4 "last_sequence, total_batches,
// restart_count").
type SourceStats struct {
	SourceID     uint32
	LastSequence uint64
	TotalBatches uint64
	RestartCount uint64
	Dropped      uint64
	Terminal     bool
	Stalled      bool
	LastSeen     time.Time
}

// source is one upstream's subscription plus its Receiver-task queue and
// Main-task-owned bookkeeping. Bookkeeping fields are touched only by the
// Main task; mu guards the snapshot taken by SourceStats from another
// goroutine (spec §9 "per-source state in Merger": sharded by source_id,
// one entry per upstream, never a single global lock in the receive loop).
type source struct {
	id    uint32
	topic *busp.Topic[eventdata.Message]
	sub   busp.Subscription[eventdata.Message]
	queue chan eventdata.Message

	cursor eventdata.SourceCursor

	mu    sync.Mutex
	stats SourceStats

	dropped atomic.Uint64
}

// Merger is the N-to-1 fan-in component. Construct with New, register
// upstream sources with AddSource before Run, then drive it like any other
// component via its Endpoint.
type Merger struct {
	id       string
	sourceID uint32

	sm       *component.StateMachine
	counters component.Counters
	rate     *component.RateTracker
	status   *busp.LatestValue[component.Status]
	data     *busp.Topic[eventdata.Message]
	endpoint *busp.Endpoint[Request, component.CommandResponse]
	tasks    *component.Tasks

	mu      sync.Mutex
	sources []*source

	wake chan struct{}
	send chan eventdata.Message

	runNumber atomic.Uint32
	hasRun    atomic.Bool
}

// New constructs a Merger identified by id/sourceID (its own outbound
// source_id, used for the aggregate EndOfStream it emits once every
// upstream has gone terminal). A nil metrics provider disables bus
// instrumentation.
func New(id string, sourceID uint32, statusProvider *busp.LatestValue[component.Status], provider metrics.Provider) *Merger {
	m := &Merger{
		id:       id,
		sourceID: sourceID,
		sm:       component.NewStateMachine(),
		rate:     component.NewRateTracker(),
		status:   statusProvider,
		data:     busp.NewTopic[eventdata.Message](provider, "merger_"+id),
		endpoint: busp.NewEndpoint[Request, component.CommandResponse](16),
	}
	m.publishStatus("")
	return m
}

// ID returns the component id this Merger registers under.
func (m *Merger) ID() string { return m.id }

// AddSource registers an upstream Topic to fan in from. Must be called
// before Start; sources are fixed for the lifetime of a run.
func (m *Merger) AddSource(sourceID uint32, topic *busp.Topic[eventdata.Message]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, &source{id: sourceID, topic: topic, queue: make(chan eventdata.Message, sourceQueueDepth)})
}

// Data returns the Topic a Recorder/Monitor subscribes to for the merged
// stream.
func (m *Merger) Data() *busp.Topic[eventdata.Message] { return m.data }

// Endpoint returns the command Endpoint the Operator issues commands
// through.
func (m *Merger) Endpoint() *busp.Endpoint[Request, component.CommandResponse] { return m.endpoint }

// Status returns the LatestValue broadcast slot observers poll.
func (m *Merger) Status() *busp.LatestValue[component.Status] { return m.status }

// SourceStats returns a snapshot of every registered source's bookkeeping.
func (m *Merger) SourceStats() []SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceStats, len(m.sources))
	for i, s := range m.sources {
		s.mu.Lock()
		out[i] = s.stats
		out[i].Dropped = s.dropped.Load()
		s.mu.Unlock()
	}
	return out
}

// Run starts the command-serving loop and blocks until ctx is cancelled.
func (m *Merger) Run(ctx context.Context) {
	m.endpoint.Serve(ctx, m.handle)
	if m.tasks != nil {
		m.tasks.Stop()
	}
}

func (m *Merger) handle(ctx context.Context, req Request) component.CommandResponse {
	switch req.Cmd {
	case component.CmdGetStatus:
		return m.statusResponse(true, "")
	case component.CmdConfigure:
		return m.doConfigure(req)
	case component.CmdArm:
		return m.doArm()
	case component.CmdStart:
		return m.doStart()
	case component.CmdStop:
		return m.doStop()
	case component.CmdReset:
		return m.doReset()
	default:
		return component.CommandResponse{Success: false, Message: "merger: unknown command", State: m.sm.Current()}
	}
}

func (m *Merger) doConfigure(req Request) component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdConfigure); err != nil {
		return m.rejected(err)
	}
	if req.Run != nil {
		m.runNumber.Store(req.Run.RunNumber)
		m.hasRun.Store(true)
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "configured")
}

// doArm has no hardware analog for the Merger (it owns no device); it only
// validates the transition so it can settle at Armed in step with its
// peers in the Operator's synchronization barrier.
func (m *Merger) doArm() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdArm); err != nil {
		return m.rejected(err)
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "armed")
}

func (m *Merger) doStart() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdStart); err != nil {
		return m.rejected(err)
	}

	m.mu.Lock()
	for _, s := range m.sources {
		s.sub = s.topic.Subscribe(sourceQueueDepth)
		s.mu.Lock()
		s.stats = SourceStats{SourceID: s.id}
		s.mu.Unlock()
		s.cursor = eventdata.SourceCursor{}
	}
	sources := append([]*source(nil), m.sources...)
	m.mu.Unlock()

	m.wake = make(chan struct{}, 1)
	m.send = make(chan eventdata.Message, senderQueueDepth)

	m.tasks = component.NewTasks(context.Background())
	for _, s := range sources {
		s := s
		in := s.sub.C()
		m.tasks.Go(func(ctx context.Context) { m.receiverLoop(ctx, s, in) })
	}
	m.tasks.Go(func(ctx context.Context) { m.mainLoop(ctx, sources) })
	m.tasks.Go(func(ctx context.Context) { m.senderLoop(ctx) })

	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "running")
}

func (m *Merger) doStop() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdStop); err != nil {
		return m.rejected(err)
	}
	// Close upstream subscriptions first: each Receiver task drains its
	// channel's buffered messages (a pending EndOfStream in particular)
	// before exiting on the close, so an upstream that already terminated
	// still flows through to the merged stream within the grace period.
	m.closeSubs()
	if m.tasks != nil {
		m.tasks.StopAfter(drainGrace)
		m.tasks = nil
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "stopped")
}

func (m *Merger) closeSubs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.sub != nil {
			s.sub.Close()
			s.sub = nil
		}
	}
}

func (m *Merger) doReset() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdReset); err != nil {
		return m.rejected(err)
	}
	m.closeSubs()
	if m.tasks != nil {
		m.tasks.Stop()
		m.tasks = nil
	}
	m.hasRun.Store(false)
	m.runNumber.Store(0)
	m.publishStatus("")
	return m.statusResponse(true, "reset")
}

func (m *Merger) rejected(err error) component.CommandResponse {
	return component.CommandResponse{Success: false, Message: err.Error(), State: m.sm.Current()}
}

// metricsSnapshot builds the ComponentMetrics view of this Merger: the
// cumulative event/byte totals, the Main-to-Sender queue's current depth,
// and the trailing event rate.
func (m *Merger) metricsSnapshot() component.Metrics {
	eventsRate, _ := m.rate.Rates()
	snap := m.counters.Snapshot()
	out := component.Metrics{EventsProcessed: snap.Processed, BytesTransferred: snap.Bytes, EventRate: eventsRate}
	if m.send != nil {
		out.QueueSize = len(m.send)
		out.QueueMax = cap(m.send)
	}
	return out
}

func (m *Merger) statusResponse(success bool, message string) component.CommandResponse {
	metrics := m.metricsSnapshot()
	resp := component.CommandResponse{Success: success, Message: message, State: m.sm.Current(), Metrics: &metrics}
	if m.hasRun.Load() {
		rn := m.runNumber.Load()
		resp.RunNumber = &rn
	}
	return resp
}

func (m *Merger) publishStatus(errMsg string) {
	if m.status == nil {
		return
	}
	st := component.Status{
		ComponentID:  m.id,
		State:        m.sm.Current(),
		Metrics:      m.metricsSnapshot(),
		ErrorMessage: errMsg,
	}
	if m.hasRun.Load() {
		rn := m.runNumber.Load()
		st.RunNumber = &rn
	}
	m.status.Set(st)
}

// receiverLoop is the per-source Receiver task: drains the subscription and
// non-blockingly enqueues into that source's own queue, then pokes wake so
// the Main task's poll loop notices new work without busy-spinning.
func (m *Merger) receiverLoop(ctx context.Context, s *source, in <-chan eventdata.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if component.TrySend(s.queue, msg, &s.dropped) {
				select {
				case m.wake <- struct{}{}:
				default:
				}
			} else {
				m.counters.Dropped.Add(1)
			}
		}
	}
}

// mainLoop round-robin drains every source's queue (spec §4.4 "Main task")
// and forwards events and control messages to the Sender task, tracking
// per-source sequence continuity and terminal (EOS) state until every known
// source has gone terminal.
func (m *Merger) mainLoop(ctx context.Context, sources []*source) {
	defer func() {
		if m.send != nil {
			close(m.send)
		}
	}()

	stallTicker := time.NewTicker(time.Second)
	defer stallTicker.Stop()

	terminalCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-stallTicker.C:
			m.checkStalls(sources)
		}

		for progressed := true; progressed; {
			progressed = false
			for _, s := range sources {
				select {
				case msg, ok := <-s.queue:
					if !ok {
						continue
					}
					progressed = true
					if m.process(s, msg) {
						terminalCount++
						if terminalCount >= len(sources) {
							m.finish()
							return
						}
					}
				default:
				}
			}
		}
	}
}

// process handles one message from source s, forwarding it downstream and
// updating s's bookkeeping. It returns true exactly when msg is the EOS that
// makes s terminal for the first time.
func (m *Merger) process(s *source, msg eventdata.Message) (wentTerminal bool) {
	now := time.Now()
	switch msg.Kind {
	case eventdata.KindData:
		restart, err := s.cursor.Advance(msg.Batch)
		if err != nil {
			// Invariant-class error (spec §7): log and drop the batch, never
			// terminate the pipeline.
			m.counters.Errors.Add(1)
			return false
		}
		s.mu.Lock()
		s.stats.LastSequence = msg.Batch.SequenceNumber
		s.stats.TotalBatches++
		s.stats.LastSeen = now
		s.stats.Stalled = false
		if restart {
			s.stats.RestartCount++
		}
		s.mu.Unlock()
		m.counters.Processed.Add(uint64(len(msg.Batch.Events)))
		var bytes uint64
		for range msg.Batch.Events {
			bytes += eventdata.MinimalEventDataSize
		}
		m.counters.Bytes.Add(bytes)
		m.rate.Record(uint64(len(msg.Batch.Events)), bytes)
		m.forward(msg)
		return false
	case eventdata.KindHeartbeat:
		s.mu.Lock()
		s.stats.LastSeen = now
		s.stats.Stalled = false
		s.mu.Unlock()
		m.forward(msg)
		return false
	case eventdata.KindEndOfStream:
		s.mu.Lock()
		already := s.stats.Terminal
		s.stats.Terminal = true
		s.mu.Unlock()
		m.forward(msg)
		return !already
	default:
		return false
	}
}

func (m *Merger) forward(msg eventdata.Message) {
	component.TrySend(m.send, msg, &m.counters.Dropped)
}

func (m *Merger) checkStalls(sources []*source) {
	now := time.Now()
	for _, s := range sources {
		s.mu.Lock()
		if !s.stats.Terminal && !s.stats.LastSeen.IsZero() && now.Sub(s.stats.LastSeen) > stallAfter {
			s.stats.Stalled = true
		}
		s.mu.Unlock()
	}
}

// finish emits the Merger's own aggregate EndOfStream once every known
// source has gone terminal (spec §4.4 EOS policy).
func (m *Merger) finish() {
	m.send <- eventdata.EOSMessage(m.sourceID)
}

// senderLoop is the Sender task: republishes the merged stream on the
// output Topic (spec §4.4 "Sender task").
func (m *Merger) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.send:
			if !ok {
				return
			}
			m.data.Publish(msg)
		}
	}
}
