package monitor

import (
	"context"
	"sync"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// receiveQueueDepth bounds the Receiver-to-Main handoff channel.
const receiveQueueDepth = 512

// drainGrace bounds how long Stop waits for the Receiver/Main chain to
// drain in-flight batches on its own before force-cancelling it.
const drainGrace = 500 * time.Millisecond

// Request is one command delivered to a Monitor's Endpoint.
type Request struct {
	Cmd component.Command
	Run *config.RunConfig
}

// Monitor is the online-spectra component (spec §4.6): it subscribes to the
// Merger's merged stream, feeds every batch into its histogram Engine, and
// exposes the Engine read-only to an HTTP/WebSocket facade. It never writes
// to disk and never participates in sequencing, so unlike the Recorder it
// has no per-source sorter: histogram order doesn't matter, only coverage.
type Monitor struct {
	id     string
	input  *busp.Topic[eventdata.Message]
	engine *Engine

	sm       *component.StateMachine
	counters component.Counters
	rate     *component.RateTracker
	status   *busp.LatestValue[component.Status]
	endpoint *busp.Endpoint[Request, component.CommandResponse]
	tasks    *component.Tasks
	mIngested metrics.Counter

	mu    sync.Mutex
	sub   busp.Subscription[eventdata.Message]
	queue chan eventdata.Message // Receiver-to-Main handoff, for queue metrics
}

// New constructs a Monitor subscribing to input (the Merger's output
// Topic) and ingesting into a freshly created Engine. A nil metrics
// provider disables bus instrumentation.
func New(id string, input *busp.Topic[eventdata.Message], statusProvider *busp.LatestValue[component.Status], provider metrics.Provider) *Monitor {
	m := &Monitor{
		id:       id,
		input:    input,
		engine:   NewEngine(DefaultHistogramConfig()),
		sm:       component.NewStateMachine(),
		rate:     component.NewRateTracker(),
		status:   statusProvider,
		endpoint: busp.NewEndpoint[Request, component.CommandResponse](16),
	}
	if provider != nil {
		m.mIngested = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "monitor", Name: "events_ingested_total", Help: "events folded into the histogram engine",
		}})
	}
	m.publishStatus("")
	return m
}

// ID returns the component id this Monitor registers under.
func (m *Monitor) ID() string { return m.id }

// Engine returns the histogram store an HTTP facade reads from.
func (m *Monitor) Engine() *Engine { return m.engine }

// Endpoint returns the command Endpoint the Operator issues commands
// through.
func (m *Monitor) Endpoint() *busp.Endpoint[Request, component.CommandResponse] { return m.endpoint }

// Status returns the LatestValue broadcast slot observers poll.
func (m *Monitor) Status() *busp.LatestValue[component.Status] { return m.status }

// Run starts the command-serving loop and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.endpoint.Serve(ctx, m.handle)
	if m.tasks != nil {
		m.tasks.Stop()
	}
}

func (m *Monitor) handle(ctx context.Context, req Request) component.CommandResponse {
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
		return component.CommandResponse{Success: false, Message: "monitor: unknown command", State: m.sm.Current()}
	}
}

func (m *Monitor) doConfigure(req Request) component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdConfigure); err != nil {
		return m.rejected(err)
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "configured")
}

// doArm has no hardware analog for the Monitor; it settles at Armed so the
// Operator's synchronization barrier sees it ready alongside its peers.
func (m *Monitor) doArm() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdArm); err != nil {
		return m.rejected(err)
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "armed")
}

func (m *Monitor) doStart() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdStart); err != nil {
		return m.rejected(err)
	}

	sub := m.input.Subscribe(receiveQueueDepth)
	recvCh := make(chan eventdata.Message, receiveQueueDepth)
	m.mu.Lock()
	m.sub = sub
	m.queue = recvCh
	m.mu.Unlock()

	m.tasks = component.NewTasks(context.Background())
	m.tasks.Go(func(ctx context.Context) { m.receiverLoop(ctx, sub, recvCh) })
	m.tasks.Go(func(ctx context.Context) { m.ingestLoop(ctx, recvCh) })

	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "running")
}

func (m *Monitor) doStop() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdStop); err != nil {
		return m.rejected(err)
	}
	m.closeSub()
	if m.tasks != nil {
		m.tasks.StopAfter(drainGrace)
		m.tasks = nil
	}
	_ = m.sm.Advance()
	m.publishStatus("")
	return m.statusResponse(true, "stopped")
}

func (m *Monitor) closeSub() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (m *Monitor) doReset() component.CommandResponse {
	if _, err := m.sm.Apply(component.CmdReset); err != nil {
		return m.rejected(err)
	}
	m.closeSub()
	if m.tasks != nil {
		m.tasks.Stop()
		m.tasks = nil
	}
	m.publishStatus("")
	return m.statusResponse(true, "reset")
}

func (m *Monitor) rejected(err error) component.CommandResponse {
	return component.CommandResponse{Success: false, Message: err.Error(), State: m.sm.Current()}
}

// metricsSnapshot builds the ComponentMetrics view of this Monitor: the
// cumulative event/byte totals, the Receiver-to-Main queue's current
// depth, and the trailing event rate.
func (m *Monitor) metricsSnapshot() component.Metrics {
	eventsRate, _ := m.rate.Rates()
	snap := m.counters.Snapshot()
	out := component.Metrics{EventsProcessed: snap.Processed, BytesTransferred: snap.Bytes, EventRate: eventsRate}
	m.mu.Lock()
	if m.queue != nil {
		out.QueueSize = len(m.queue)
		out.QueueMax = cap(m.queue)
	}
	m.mu.Unlock()
	return out
}

func (m *Monitor) statusResponse(success bool, message string) component.CommandResponse {
	metrics := m.metricsSnapshot()
	return component.CommandResponse{Success: success, Message: message, State: m.sm.Current(), Metrics: &metrics}
}

func (m *Monitor) publishStatus(errMsg string) {
	if m.status == nil {
		return
	}
	m.status.Set(component.Status{
		ComponentID:  m.id,
		State:        m.sm.Current(),
		Metrics:      m.metricsSnapshot(),
		ErrorMessage: errMsg,
	})
}

// receiverLoop is the Receiver task: drains the subscription and
// non-blockingly enqueues into recvCh.
func (m *Monitor) receiverLoop(ctx context.Context, sub busp.Subscription[eventdata.Message], recvCh chan<- eventdata.Message) {
	defer func() {
		sub.Close()
		close(recvCh)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			component.TrySend(recvCh, msg, &m.counters.Dropped)
		}
	}
}

// ingestLoop is the Main task: feeds every data batch into the Engine and
// tracks processed-event metrics. Order across sources is irrelevant for a
// histogram, so unlike the Recorder this has no sorter stage.
func (m *Monitor) ingestLoop(ctx context.Context, recvCh <-chan eventdata.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recvCh:
			if !ok {
				return
			}
			if msg.Kind != eventdata.KindData {
				continue
			}
			m.engine.Ingest(msg.Batch)
			var bytes uint64
			for range msg.Batch.Events {
				bytes += eventdata.MinimalEventDataSize
			}
			m.counters.Processed.Add(uint64(len(msg.Batch.Events)))
			m.counters.Bytes.Add(bytes)
			m.rate.Record(uint64(len(msg.Batch.Events)), bytes)
			if m.mIngested != nil {
				m.mIngested.Inc(float64(len(msg.Batch.Events)))
			}
		}
	}
}
