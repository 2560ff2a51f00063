// Package system assembles a runnable DAQ topology — one or more
// Readers/Emulators, a Merger, optionally a Recorder and a Monitor, and an
// Operator coordinating all of them through the two-phase synchronized
// lifecycle (spec §4.7) — from a small set of options.
//
// spec §2 depicts five independent OS processes wired by PUB/SUB and
// REQ/REP sockets. internal/bus implements that contract as an in-process
// transport (see its package doc), so here a "deployment" is one OS process
// that owns every Topic/Endpoint and every component subscribed to them;
// cmd/operator is that process. The narrower cmd/reader, cmd/merger,
// cmd/recorder and cmd/monitor binaries build a truncated topology from the
// same Options type to run and exercise a single stage in isolation, the
// way the real system's separate processes would run independently.
package system

import (
	"context"
	"fmt"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/decode"
	"github.com/aogaki/delila-go/internal/digitizer"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/merger"
	"github.com/aogaki/delila-go/internal/monitor"
	"github.com/aogaki/delila-go/internal/operator"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/recorder"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// SourceSpec describes one Reader/Emulator source to build.
type SourceSpec struct {
	ID       string
	SourceID uint32
	Emulator config.EmulatorRuntimeConfig
}

// Options configures which stages Build assembles. Recorder and Monitor are
// each included only when their corresponding flag is true, so a caller
// building a single-stage smoke topology (cmd/reader, cmd/merger) pays for
// only what it wires.
type Options struct {
	Sources         []SourceSpec
	MergerID        string
	MergerSourceID  uint32
	WithRecorder    bool
	RecorderID      string
	OutputDir       string
	WithMonitor     bool
	MonitorID       string
	PerPhaseTimeout time.Duration
	Metrics         metrics.Provider
}

// Pipeline is a fully wired, not-yet-running topology. Run starts every
// component's command-serving loop; the Operator field drives the
// lifecycle across all of them.
type Pipeline struct {
	Readers  []*reader.Reader
	Merger   *merger.Merger
	Recorder *recorder.Recorder
	Monitor  *monitor.Monitor
	Operator *operator.Operator
	RunStore operator.RunStore
}

// Build constructs every requested component and wires their Topics and
// Operator handles, but does not start any goroutines (see Run).
func Build(opts Options) (*Pipeline, error) {
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("system: at least one source is required")
	}
	if opts.MergerID == "" {
		opts.MergerID = "merger"
	}

	store := operator.NewMemoryRunStore()
	op := operator.New(store, opts.PerPhaseTimeout)

	p := &Pipeline{Operator: op, RunStore: store}

	m := merger.New(opts.MergerID, opts.MergerSourceID, busp.NewLatestValue[component.Status](), opts.Metrics)
	for _, src := range opts.Sources {
		runtime := src.Emulator
		device := digitizer.NewEmulatedDevice(digitizer.Params{
			Seed:            int64(src.SourceID)*7 + 1,
			Modules:         runtime.Modules,
			ChannelsPerMod:  runtime.ChannelsPerMod,
			EnableWaveform:  runtime.EnableWaveform,
			WaveformSamples: runtime.WaveformSamples,
			EnergyMean:      4000,
			EnergyStdDev:    500,
		})
		r := reader.New(src.ID, src.SourceID, device, decode.Psd2Decoder{}, "psd2", &runtime, busp.NewLatestValue[component.Status](), opts.Metrics)
		p.Readers = append(p.Readers, r)
		m.AddSource(src.SourceID, r.Data())
	}
	p.Merger = m

	if opts.WithRecorder {
		id := opts.RecorderID
		if id == "" {
			id = "recorder"
		}
		p.Recorder = recorder.New(id, opts.MergerSourceID, m.Data(), opts.OutputDir, busp.NewLatestValue[component.Status](), opts.Metrics)
	}

	if opts.WithMonitor {
		id := opts.MonitorID
		if id == "" {
			id = "monitor"
		}
		p.Monitor = monitor.New(id, m.Data(), busp.NewLatestValue[component.Status](), opts.Metrics)
	}

	// Pipeline order runs sink-first: ascending Configure/Arm/Start brings
	// downstream consumers up before any source emits, and the Operator's
	// descending Stop then halts sources first so their EndOfStream drains
	// through the Merger into a finalized Recorder file.
	if p.Recorder != nil {
		op.AddComponent(operator.NewRecorderHandle(p.Recorder.ID(), p.Recorder))
	}
	if p.Monitor != nil {
		op.AddComponent(operator.NewMonitorHandle(p.Monitor.ID(), p.Monitor))
	}
	op.AddComponent(operator.NewMergerHandle(opts.MergerID, m))
	for i, src := range opts.Sources {
		op.AddComponent(operator.NewReaderHandle(src.ID, p.Readers[i]))
	}

	return p, nil
}

// Run starts every component's command-serving loop as a goroutine and
// blocks until ctx is cancelled, then waits for each to return.
func (p *Pipeline) Run(ctx context.Context) {
	done := make(chan struct{}, len(p.Readers)+3)
	spawn := func(run func(context.Context)) {
		go func() {
			run(ctx)
			done <- struct{}{}
		}()
	}

	n := 0
	for _, r := range p.Readers {
		spawn(r.Run)
		n++
	}
	spawn(p.Merger.Run)
	n++
	if p.Recorder != nil {
		spawn(p.Recorder.Run)
		n++
	}
	if p.Monitor != nil {
		spawn(p.Monitor.Run)
		n++
	}

	<-ctx.Done()
	for i := 0; i < n; i++ {
		<-done
	}
}

// DataTopic returns the merged stream every downstream consumer subscribes
// to, useful for a standalone cmd that wants to print batch statistics
// without running a Recorder or Monitor.
func (p *Pipeline) DataTopic() *busp.Topic[eventdata.Message] { return p.Merger.Data() }
