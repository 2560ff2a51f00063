package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cespare/xxhash/v2"
)

// receiveQueueDepth bounds the Receiver-to-Sorter handoff channel.
const receiveQueueDepth = 512

// mergeQueueDepth bounds the Sorter-to-Writer handoff channel.
const mergeQueueDepth = 256

// fsyncInterval is how often the Writer task flushes to stable storage,
// absorbing the cost off the Receiver's hot path (spec §4.5 "an fsync there
// must not block the Receiver").
const fsyncInterval = 200 * time.Millisecond

// drainGrace bounds how long Stop waits for the Receiver/Sorter/Writer
// chain to drain in-flight batches and finalize the file on its own before
// force-cancelling it.
const drainGrace = 500 * time.Millisecond

// Request is one command delivered to a Recorder's Endpoint.
type Request struct {
	Cmd component.Command
	Run *config.RunConfig
}

// Recorder is the block-framed checksummed file writer (spec §4.5). It
// subscribes to exactly one upstream (in practice the Merger's merged
// stream), so upstreamID identifies the EndOfStream that means "the data
// plane is finished" — distinct from the individual per-original-source EOS
// messages the Merger also forwards through the same stream.
type Recorder struct {
	id         string
	upstreamID uint32
	input      *busp.Topic[eventdata.Message]
	outputDir  string

	sm       *component.StateMachine
	counters component.Counters
	rate     *component.RateTracker
	status   *busp.LatestValue[component.Status]
	endpoint *busp.Endpoint[Request, component.CommandResponse]
	tasks    *component.Tasks

	mEvents metrics.Counter
	mBlocks metrics.Counter
	mBytes  metrics.Counter

	runNumber atomic.Uint32
	hasRun    atomic.Bool
	expName   atomic.Pointer[string]
	eosSeen   atomic.Bool // upstream EndOfStream observed for the current run

	mu       sync.Mutex
	filePath string
	sub      busp.Subscription[eventdata.Message]
	queue    chan eventdata.Message // Receiver-to-Sorter handoff, for queue metrics
	lastFile *FileFooter // last completed file's footer, for status/tests
}

// New constructs a Recorder identified by id, subscribing to input (the
// Merger's output Topic) and recognizing upstreamID's EndOfStream as the
// data-plane-complete signal. Files are written under outputDir. A nil
// metrics provider disables bus instrumentation.
func New(id string, upstreamID uint32, input *busp.Topic[eventdata.Message], outputDir string, statusProvider *busp.LatestValue[component.Status], provider metrics.Provider) *Recorder {
	r := &Recorder{
		id:         id,
		upstreamID: upstreamID,
		input:      input,
		outputDir:  outputDir,
		sm:         component.NewStateMachine(),
		rate:       component.NewRateTracker(),
		status:     statusProvider,
		endpoint:   busp.NewEndpoint[Request, component.CommandResponse](16),
	}
	if provider != nil {
		r.mEvents = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "recorder", Name: "events_written_total", Help: "events appended to the current file",
		}})
		r.mBlocks = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "recorder", Name: "blocks_written_total", Help: "blocks appended to the current file",
		}})
		r.mBytes = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "recorder", Name: "bytes_written_total", Help: "bytes appended to the current file",
		}})
	}
	r.publishStatus("")
	return r
}

// ID returns the component id this Recorder registers under.
func (r *Recorder) ID() string { return r.id }

// Endpoint returns the command Endpoint the Operator issues commands
// through.
func (r *Recorder) Endpoint() *busp.Endpoint[Request, component.CommandResponse] { return r.endpoint }

// Status returns the LatestValue broadcast slot observers poll.
func (r *Recorder) Status() *busp.LatestValue[component.Status] { return r.status }

// LastFooter returns the footer of the most recently finalized file, if
// any, for status reporting and tests.
func (r *Recorder) LastFooter() (FileFooter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFile == nil {
		return FileFooter{}, false
	}
	return *r.lastFile, true
}

// FilePath returns the path of the file currently (or most recently) being
// written.
func (r *Recorder) FilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filePath
}

// Run starts the command-serving loop and blocks until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	r.endpoint.Serve(ctx, r.handle)
	if r.tasks != nil {
		r.tasks.Stop()
	}
}

func (r *Recorder) handle(ctx context.Context, req Request) component.CommandResponse {
	switch req.Cmd {
	case component.CmdGetStatus:
		return r.statusResponse(true, "")
	case component.CmdConfigure:
		return r.doConfigure(req)
	case component.CmdArm:
		return r.doArm()
	case component.CmdStart:
		return r.doStart()
	case component.CmdStop:
		return r.doStop()
	case component.CmdReset:
		return r.doReset()
	default:
		return component.CommandResponse{Success: false, Message: "recorder: unknown command", State: r.sm.Current()}
	}
}

func (r *Recorder) doConfigure(req Request) component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdConfigure); err != nil {
		return r.rejected(err)
	}
	if req.Run != nil {
		r.runNumber.Store(req.Run.RunNumber)
		r.hasRun.Store(true)
		exp := req.Run.ExpName
		r.expName.Store(&exp)
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "configured")
}

// doArm has no hardware analog for the Recorder; it settles at Armed so the
// Operator's synchronization barrier sees it ready alongside its peers.
func (r *Recorder) doArm() component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdArm); err != nil {
		return r.rejected(err)
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "armed")
}

func (r *Recorder) doStart() component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdStart); err != nil {
		return r.rejected(err)
	}

	exp := ""
	if p := r.expName.Load(); p != nil {
		exp = *p
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		r.sm.Fail()
		r.publishStatus(err.Error())
		return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
	}
	path := filepath.Join(r.outputDir, fmt.Sprintf("run%06d.delila", r.runNumber.Load()))
	f, err := os.Create(path)
	if err != nil {
		r.sm.Fail()
		r.publishStatus(err.Error())
		return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
	}
	hdr := FileHeader{Version: FileFormatVersion, RunNumber: r.runNumber.Load(), ExpName: exp, StartTimeUnixNano: time.Now().UnixNano()}
	hdrBytes, err := hdr.Encode()
	if err != nil {
		_ = f.Close()
		r.sm.Fail()
		r.publishStatus(err.Error())
		return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
	}
	if _, err := f.Write(hdrBytes); err != nil {
		_ = f.Close()
		r.sm.Fail()
		r.publishStatus(err.Error())
		return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
	}

	r.eosSeen.Store(false)
	sub := r.input.Subscribe(receiveQueueDepth)
	recvCh := make(chan eventdata.Message, receiveQueueDepth)
	r.mu.Lock()
	r.filePath = path
	r.sub = sub
	r.queue = recvCh
	r.mu.Unlock()

	mergedCh := make(chan eventdata.EventDataBatch, mergeQueueDepth)

	r.tasks = component.NewTasks(context.Background())
	r.tasks.Go(func(ctx context.Context) { r.receiverLoop(ctx, sub, recvCh) })
	r.tasks.Go(func(ctx context.Context) { r.sorterLoop(ctx, recvCh, mergedCh) })
	r.tasks.Go(func(ctx context.Context) { r.writerLoop(ctx, f, mergedCh) })

	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "running")
}

func (r *Recorder) doStop() component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdStop); err != nil {
		return r.rejected(err)
	}
	// Close the subscription first so the Receiver drains whatever the
	// Merger already published (its terminal EndOfStream included), then
	// the Sorter/Writer chain finalizes the file on its own.
	r.closeSub()
	if r.tasks != nil {
		r.tasks.StopAfter(drainGrace)
		r.tasks = nil
	}
	_ = r.sm.Advance()
	r.publishStatus("")
	return r.statusResponse(true, "stopped")
}

func (r *Recorder) closeSub() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (r *Recorder) doReset() component.CommandResponse {
	if _, err := r.sm.Apply(component.CmdReset); err != nil {
		return r.rejected(err)
	}
	r.closeSub()
	if r.tasks != nil {
		r.tasks.Stop()
		r.tasks = nil
	}
	r.hasRun.Store(false)
	r.runNumber.Store(0)
	r.publishStatus("")
	return r.statusResponse(true, "reset")
}

func (r *Recorder) rejected(err error) component.CommandResponse {
	return component.CommandResponse{Success: false, Message: err.Error(), State: r.sm.Current()}
}

// metricsSnapshot builds the ComponentMetrics view of this Recorder: the
// cumulative event/byte totals, the Receiver-to-Sorter queue's current
// depth, and the trailing event rate.
func (r *Recorder) metricsSnapshot() component.Metrics {
	eventsRate, _ := r.rate.Rates()
	snap := r.counters.Snapshot()
	out := component.Metrics{EventsProcessed: snap.Processed, BytesTransferred: snap.Bytes, EventRate: eventsRate}
	r.mu.Lock()
	if r.queue != nil {
		out.QueueSize = len(r.queue)
		out.QueueMax = cap(r.queue)
	}
	r.mu.Unlock()
	return out
}

func (r *Recorder) statusResponse(success bool, message string) component.CommandResponse {
	metrics := r.metricsSnapshot()
	resp := component.CommandResponse{Success: success, Message: message, State: r.sm.Current(), Metrics: &metrics}
	if r.hasRun.Load() {
		rn := r.runNumber.Load()
		resp.RunNumber = &rn
	}
	return resp
}

func (r *Recorder) publishStatus(errMsg string) {
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

// receiverLoop is the Receiver task: drains the subscription and
// non-blockingly enqueues into recvCh (spec §4.5 "Receiver").
func (r *Recorder) receiverLoop(ctx context.Context, sub busp.Subscription[eventdata.Message], recvCh chan<- eventdata.Message) {
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
			component.TrySend(recvCh, msg, &r.counters.Dropped)
		}
	}
}

// sorterLoop is the Sorter task: applies the one-batch-per-source window
// and forwards merged batches to the Writer, finalizing the window once the
// configured upstreamID's EndOfStream is observed (spec §4.5 "Sorter").
func (r *Recorder) sorterLoop(ctx context.Context, recvCh <-chan eventdata.Message, mergedCh chan<- eventdata.EventDataBatch) {
	defer close(mergedCh)
	sorter := NewSorter()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recvCh:
			if !ok {
				// Input closed without the upstream EndOfStream (an operator
				// Stop): flush what the window still holds so no received
				// batch is lost, leaving is_complete unset in the footer.
				if batch, ready := sorter.Drain(); ready {
					mergedCh <- batch
				}
				return
			}
			switch msg.Kind {
			case eventdata.KindData:
				if err := msg.Batch.ValidateSorted(); err != nil {
					r.counters.Errors.Add(1)
					continue
				}
				if batch, ready := sorter.Offer(msg.Batch.SourceID, *msg.Batch); ready {
					mergedCh <- batch
				}
			case eventdata.KindEndOfStream:
				if batch, ready := sorter.MarkEOS(msg.EOS.SourceID); ready {
					mergedCh <- batch
				}
				if msg.EOS.SourceID == r.upstreamID {
					r.eosSeen.Store(true)
					if batch, ok := sorter.Drain(); ok {
						mergedCh <- batch
					}
					return
				}
			case eventdata.KindHeartbeat:
				// Heartbeats carry no events and are not tracked here; per-source
				// stall detection lives in the Merger.
			}
		}
	}
}

// writerLoop is the Writer task: appends one Block per merged batch,
// fsyncs on a ticker so the sync cost never lands on the Receiver, and
// writes the FileFooter once mergedCh closes (spec §4.5 "Writer").
func (r *Recorder) writerLoop(ctx context.Context, f *os.File, mergedCh <-chan eventdata.EventDataBatch) {
	defer f.Close()

	var seq uint64
	var totalEvents, dataBytes uint64
	tsMin, tsMax := float64(0), float64(0)
	haveRange := false
	digest := xxhash.New()

	ticker := time.NewTicker(fsyncInterval)
	defer ticker.Stop()

	finalize := func() {
		footer := FileFooter{
			TotalEvents: totalEvents,
			TsMin:       tsMin,
			TsMax:       tsMax,
			IsComplete:  r.eosSeen.Load(),
			DataBytes:   dataBytes,
			Checksum:    digest.Sum64(),
		}
		_, _ = f.Write(footer.Encode())
		_ = f.Sync()
		r.mu.Lock()
		fc := footer
		r.lastFile = &fc
		r.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-mergedCh:
			if !ok {
				finalize()
				return
			}
			payload, err := msgpack.Marshal(&batch)
			if err != nil {
				r.counters.Errors.Add(1)
				continue
			}
			seq++
			block := EncodeBlock(seq, payload)
			if _, err := f.Write(block); err != nil {
				r.counters.Errors.Add(1)
				continue
			}
			_, _ = digest.Write(block)
			totalEvents += uint64(len(batch.Events))
			dataBytes += uint64(len(block))
			for _, ev := range batch.Events {
				if !haveRange {
					tsMin, tsMax = ev.TimestampNs, ev.TimestampNs
					haveRange = true
				} else {
					if ev.TimestampNs < tsMin {
						tsMin = ev.TimestampNs
					}
					if ev.TimestampNs > tsMax {
						tsMax = ev.TimestampNs
					}
				}
			}
			r.counters.Processed.Add(uint64(len(batch.Events)))
			r.counters.Bytes.Add(uint64(len(block)))
			r.rate.Record(uint64(len(batch.Events)), uint64(len(block)))
			if r.mEvents != nil {
				r.mEvents.Inc(float64(len(batch.Events)))
				r.mBlocks.Inc(1)
				r.mBytes.Inc(float64(len(block)))
			}
		case <-ticker.C:
			_ = f.Sync()
		}
	}
}
