// Package reader implements the Reader/Emulator pipeline stage (spec §4.3):
// it owns a digitizer.Device, decodes raw aggregates into EventData, batches
// them, and publishes the batch stream plus serves the component command
// protocol.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/decode"
	"github.com/aogaki/delila-go/internal/digitizer"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
	"github.com/aogaki/delila-go/internal/throttle"
	busp "github.com/aogaki/delila-go/internal/bus"
)

// DefaultPublishBatchSize governs how many decoded events accumulate into a
// batch before a hardware-backed Reader publishes it; the Emulator
// overrides this per-run via EmulatorRuntimeConfig.EventsPerBatch.
const DefaultPublishBatchSize = 64

// flushInterval bounds how long a partially-filled batch may sit before
// being published anyway, so a low-rate source does not starve downstream.
const flushInterval = 200 * time.Millisecond

// heartbeatInterval paces the liveness beacon emitted alongside data so
// downstream consumers can tell a stalled source from an idle one.
const heartbeatInterval = time.Second

// Request is one command delivered to a Reader's Endpoint.
type Request struct {
	Cmd             component.Command
	Run             *config.RunConfig
	Digitizer       *config.DigitizerConfig
	EmulatorRuntime *config.EmulatorRuntimeConfig
}

// Reader owns a digitizer.Device for the lifetime of a run and decodes its
// raw aggregate stream into a published EventDataBatch stream. An "Emulator"
// (spec §4.3) is this same type driven by a *digitizer.EmulatedDevice and
// given a non-nil initial EmulatorRuntimeConfig.
type Reader struct {
	id       string
	sourceID uint32
	moduleID uint8

	device  digitizer.Device
	decoder decode.Decoder
	kind    string // "psd1" | "psd2", selects param-name translation and Arm/Start semantics
	startMode string

	sm       *component.StateMachine
	counters component.Counters
	rate     *component.RateTracker
	status   *busp.LatestValue[component.Status]
	data     *busp.Topic[eventdata.Message]
	endpoint *busp.Endpoint[Request, component.CommandResponse]
	tasks    *component.Tasks

	// governor clamps max-speed emulation; swapped wholesale on an
	// UpdateEmulatorConfig that changes the cap, so the read loop only ever
	// does an atomic load on its hot path.
	governor atomic.Pointer[throttle.Governor]

	emulatorRuntime atomic.Pointer[config.EmulatorRuntimeConfig]
	runNumber       atomic.Uint32
	hasRun          atomic.Bool

	outbound chan eventdata.EventData
	seq      atomic.Uint64
}

// New constructs a Reader identified by id/sourceID, driving device with the
// given decoder/kind. If runtime is non-nil, the Reader operates in Emulator
// mode: its read loop is paced by runtime (and by a throttle.Governor when
// BatchIntervalMs == 0, the "max speed" case, spec §9 Open Question). A nil
// metrics provider disables bus instrumentation.
func New(id string, sourceID uint32, device digitizer.Device, decoder decode.Decoder, kind string, runtime *config.EmulatorRuntimeConfig, statusProvider *busp.LatestValue[component.Status], provider metrics.Provider) *Reader {
	r := &Reader{
		id:       id,
		sourceID: sourceID,
		device:   device,
		decoder:  decoder,
		kind:     kind,
		sm:       component.NewStateMachine(),
		rate:     component.NewRateTracker(),
		status:   statusProvider,
		data:     busp.NewTopic[eventdata.Message](provider, "reader_"+id),
		endpoint: busp.NewEndpoint[Request, component.CommandResponse](16),
		outbound: make(chan eventdata.EventData, 4096),
	}
	if runtime != nil {
		cp := *runtime
		r.emulatorRuntime.Store(&cp)
		if runtime.BatchIntervalMs == 0 {
			r.governor.Store(newMaxSpeedGovernor(runtime.MaxEventsPerSec))
		}
	}
	r.publishStatus("")
	return r
}

// defaultMaxSpeedEventsPerSec caps "max speed" emulation when the runtime
// config does not name its own limit, protecting downstream stages from an
// unclamped generator.
const defaultMaxSpeedEventsPerSec = 100000

func newMaxSpeedGovernor(maxEventsPerSec float64) *throttle.Governor {
	cfg := throttle.DefaultConfig()
	if maxEventsPerSec <= 0 {
		maxEventsPerSec = defaultMaxSpeedEventsPerSec
	}
	cfg.InitialRate = maxEventsPerSec
	cfg.BurstCapacity = maxEventsPerSec
	return throttle.New(cfg)
}

// ID returns the component id this Reader registers under.
func (r *Reader) ID() string { return r.id }

// Data returns the Topic a Merger subscribes to for this Reader's batches.
func (r *Reader) Data() *busp.Topic[eventdata.Message] { return r.data }

// Endpoint returns the command Endpoint the Operator issues commands
// through.
func (r *Reader) Endpoint() *busp.Endpoint[Request, component.CommandResponse] { return r.endpoint }

// Status returns the LatestValue broadcast slot observers poll for this
// Reader's current ComponentStatus.
func (r *Reader) Status() *busp.LatestValue[component.Status] { return r.status }

// Run starts the command-serving loop and blocks until ctx is cancelled.
// Data-plane tasks (read/publish) are started and stopped as Start/Stop
// commands arrive.
func (r *Reader) Run(ctx context.Context) {
	r.endpoint.Serve(ctx, r.handle)
	if r.tasks != nil {
		r.tasks.Stop()
	}
	if g := r.governor.Load(); g != nil {
		g.Close()
	}
}

func (r *Reader) handle(ctx context.Context, req Request) component.CommandResponse {
	switch req.Cmd {
	case component.CmdGetStatus:
		return r.statusResponse(true, "")
	case component.CmdConfigure:
		return r.doConfigure(ctx, req)
	case component.CmdArm:
		return r.doArm(ctx)
	case component.CmdStart:
		return r.doStart(ctx)
	case component.CmdStop:
		return r.doStop(ctx)
	case component.CmdReset:
		return r.doReset(ctx)
	case component.CmdUpdateEmulatorConfig:
		return r.doUpdateEmulatorConfig(req)
	default:
		return component.CommandResponse{Success: false, Message: "reader: unknown command", State: r.sm.Current()}
	}
}

func (r *Reader) doConfigure(ctx context.Context, req Request) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdConfigure); err != nil {
		return r.rejected(err)
	}
	var applyErrs []error
	if req.Digitizer != nil {
		r.kind = req.Digitizer.DecoderKind
		r.startMode = req.Digitizer.StartMode
		applyErrs = r.applyDigitizerConfig(ctx, req.Digitizer)
	}
	if req.Run != nil {
		r.runNumber.Store(req.Run.RunNumber)
		r.hasRun.Store(true)
	}
	if len(applyErrs) > 0 {
		r.sm.Fail()
		msg := fmt.Sprintf("reader: %d parameter(s) failed to apply: %v", len(applyErrs), applyErrs[0])
		r.counters.Errors.Add(uint64(len(applyErrs)))
		r.publishStatus(msg)
		return component.CommandResponse{Success: false, Message: msg, State: r.sm.Current()}
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "configured")
}

func (r *Reader) doArm(ctx context.Context) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdArm); err != nil {
		return r.rejected(err)
	}
	if err := r.device.Arm(ctx); err != nil {
		r.sm.Fail()
		r.publishStatus(err.Error())
		return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
	}
	if r.kind == "psd1" && r.startMode == "START_MODE_SW" {
		if err := r.device.StartSW(ctx); err != nil {
			r.sm.Fail()
			r.publishStatus(err.Error())
			return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
		}
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "armed")
}

func (r *Reader) doStart(ctx context.Context) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdStart); err != nil {
		return r.rejected(err)
	}
	if r.kind != "psd1" {
		if err := r.device.StartSW(ctx); err != nil {
			r.sm.Fail()
			r.publishStatus(err.Error())
			return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
		}
	}
	r.tasks = component.NewTasks(context.Background())
	r.outbound = make(chan eventdata.EventData, 4096)
	r.tasks.Go(r.readLoop)
	r.tasks.Go(r.publishLoop)
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "running")
}

func (r *Reader) doStop(ctx context.Context) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdStop); err != nil {
		return r.rejected(err)
	}
	if r.tasks != nil {
		r.tasks.Stop()
		r.tasks = nil
	}
	if err := r.device.StopSW(ctx); err != nil {
		r.counters.Errors.Add(1)
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "stopped")
}

func (r *Reader) doReset(ctx context.Context) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdReset); err != nil {
		return r.rejected(err)
	}
	if r.tasks != nil {
		r.tasks.Stop()
		r.tasks = nil
	}
	_ = r.device.Disarm(ctx)
	r.hasRun.Store(false)
	r.runNumber.Store(0)
	r.publishStatus("")
	return r.statusResponse(true, "reset")
}

func (r *Reader) doUpdateEmulatorConfig(req Request) component.CommandResponse {
	if req.EmulatorRuntime == nil {
		return component.CommandResponse{Success: false, Message: "reader: missing emulator runtime config", State: r.sm.Current()}
	}
	if _, err := r.sm.Apply(component.CmdUpdateEmulatorConfig); err != nil {
		return r.rejected(err)
	}
	prev := r.emulatorRuntime.Load()
	cp := *req.EmulatorRuntime
	r.emulatorRuntime.Store(&cp)
	if cp.BatchIntervalMs == 0 && (prev == nil || prev.BatchIntervalMs != 0 || prev.MaxEventsPerSec != cp.MaxEventsPerSec) {
		old := r.governor.Swap(newMaxSpeedGovernor(cp.MaxEventsPerSec))
		if old != nil {
			old.Close()
		}
	}
	if ed, ok := r.device.(*digitizer.EmulatedDevice); ok {
		ed.SetParams(digitizer.Params{
			Seed:            1,
			Modules:         maxu8(cp.Modules, 1),
			ChannelsPerMod:  maxu8(cp.ChannelsPerMod, 1),
			EnableWaveform:  cp.EnableWaveform,
			WaveformSamples: cp.WaveformSamples,
			EnergyMean:      4000,
			EnergyStdDev:    500,
		})
	}
	return r.statusResponse(true, "emulator config updated")
}

func maxu8(v, floor uint8) uint8 {
	if v == 0 {
		return floor
	}
	return v
}

func (r *Reader) rejected(err error) component.CommandResponse {
	return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
}

// metricsSnapshot builds the ComponentMetrics view of this Reader: the
// cumulative event/byte totals, the decode-to-publish queue's current
// depth, and the trailing event rate.
func (r *Reader) metricsSnapshot() component.Metrics {
	eventsRate, _ := r.rate.Rates()
	snap := r.counters.Snapshot()
	return component.Metrics{
		EventsProcessed:  snap.Processed,
		BytesTransferred: snap.Bytes,
		QueueSize:        len(r.outbound),
		QueueMax:         cap(r.outbound),
		EventRate:        eventsRate,
	}
}

func (r *Reader) statusResponse(success bool, message string) component.CommandResponse {
	m := r.metricsSnapshot()
	resp := component.CommandResponse{Success: success, Message: message, State: r.sm.Current(), Metrics: &m}
	if r.hasRun.Load() {
		rn := r.runNumber.Load()
		resp.RunNumber = &rn
	}
	return resp
}

func (r *Reader) publishStatus(errMsg string) {
	if r.status == nil {
		return
	}
	st := component.Status{
		ComponentID:  r.id,
		State:        r.sm.Current(),
		Metrics:      r.metricsSnapshot(),
		ErrorMessage: errMsg,
	}
	if r.hasRun.Load() {
		rn := r.runNumber.Load()
		st.RunNumber = &rn
	}
	r.status.Set(st)
}

// readLoop blocks on the device, decodes, and feeds individual EventData
// into the outbound channel via a non-blocking send (spec §4.3 point 3: the
// Receiver never blocks).
func (r *Reader) readLoop(ctx context.Context) {
	defer close(r.outbound)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rt := r.emulatorRuntime.Load()
		batchSize := 1
		if rt != nil && rt.EventsPerBatch > 0 {
			batchSize = rt.EventsPerBatch
		}
		for i := 0; i < batchSize; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if rt != nil && rt.BatchIntervalMs == 0 {
				if g := r.governor.Load(); g != nil {
					if _, err := g.Acquire(ctx, "emulator"); err != nil {
						return
					}
				}
			}
			raw, err := r.device.ReadRaw(ctx)
			if err != nil {
				r.counters.Errors.Add(1)
				if errors.Is(err, digitizer.ErrDeviceClosed) {
					return
				}
				continue
			}
			class, events, err := r.decoder.Decode(r.sourceID, r.moduleID, raw.Bytes)
			if err != nil {
				r.counters.Errors.Add(1)
				continue
			}
			if class != decode.ClassEvent {
				continue
			}
			for _, ev := range events {
				if component.TrySend(r.outbound, ev, &r.counters.Dropped) {
					r.counters.Processed.Add(1)
				}
			}
		}
		if rt != nil && rt.BatchIntervalMs > 0 {
			if !sleepCtx(ctx, time.Duration(rt.BatchIntervalMs)*time.Millisecond) {
				return
			}
		}
	}
}

// publishLoop assembles decoded events into EventDataBatch messages and
// publishes them, flushing early once a batch fills or flushInterval
// elapses, and emits a terminal EndOfStream once the outbound channel closes
// (spec §4.3 point 4, spec §4.4 EOS policy).
func (r *Reader) publishLoop(ctx context.Context) {
	var buf []eventdata.EventData
	batchSize := DefaultPublishBatchSize
	if rt := r.emulatorRuntime.Load(); rt != nil && rt.EventsPerBatch > 0 {
		batchSize = rt.EventsPerBatch
	}

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := eventdata.EventDataBatch{SourceID: r.sourceID, SequenceNumber: r.seq.Add(1), Events: buf}
		r.data.Publish(eventdata.DataMessage(batch))
		var bytes uint64
		for range batch.Events {
			bytes += eventdata.MinimalEventDataSize
		}
		r.counters.Bytes.Add(bytes)
		r.rate.Record(uint64(len(batch.Events)), bytes)
		buf = nil
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	var heartbeatCount uint64
	for {
		select {
		case ev, ok := <-r.outbound:
			if !ok {
				flush()
				r.data.Publish(eventdata.EOSMessage(r.sourceID))
				return
			}
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-heartbeat.C:
			heartbeatCount++
			r.data.Publish(eventdata.HeartbeatMessage(eventdata.Heartbeat{
				SourceID:    r.sourceID,
				TimestampNs: uint64(time.Now().UnixNano()),
				Counter:     heartbeatCount,
			}))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
