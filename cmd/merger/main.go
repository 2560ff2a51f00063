// Command merger runs a standalone Merger (spec §4.4) fed by N in-process
// Emulators, self-driving the full lifecycle (no separate Operator process
// attached) and logging per-source merge statistics until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/decode"
	"github.com/aogaki/delila-go/internal/digitizer"
	"github.com/aogaki/delila-go/internal/merger"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
)

func main() {
	var (
		sources         = flag.String("sources", "reader-0,reader-1", "comma separated upstream Reader/Emulator ids")
		runNumber       = flag.Uint("run-number", 1, "run_number pushed on Configure")
		expName         = flag.String("exp-name", "NP1306", "experiment name pushed on Configure")
		eventsPerBatch  = flag.Int("events-per-batch", 64, "events per published batch, per source")
		batchIntervalMs = flag.Int("batch-interval-ms", 100, "inter-batch delay, per source")
	)
	flag.Parse()

	logger := logging.New(slog.Default())
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every component's command Endpoint stops serving the instant its
	// context is done (internal/bus/reqrep.go Serve), so Run needs a context
	// separate from sigCtx: otherwise the Stop issued below on shutdown
	// would race the Endpoints' own teardown and very likely time out.
	componentCtx, componentCancel := context.WithCancel(context.Background())
	defer componentCancel()

	ids := splitNonEmpty(*sources)
	if len(ids) == 0 {
		log.Fatal("merger: at least one source required")
	}

	m := merger.New("merger", uint32(len(ids)+1), busp.NewLatestValue[component.Status](), nil)
	readers := make([]*reader.Reader, 0, len(ids))
	for i, id := range ids {
		sourceID := uint32(i + 1)
		runtime := config.EmulatorRuntimeConfig{EventsPerBatch: *eventsPerBatch, BatchIntervalMs: *batchIntervalMs, Modules: 1, ChannelsPerMod: 8}
		device := digitizer.NewEmulatedDevice(digitizer.Params{Seed: int64(sourceID)*7 + 1, Modules: 1, ChannelsPerMod: 8, EnergyMean: 4000, EnergyStdDev: 500})
		r := reader.New(id, sourceID, device, decode.Psd2Decoder{}, "psd2", &runtime, busp.NewLatestValue[component.Status](), nil)
		m.AddSource(sourceID, r.Data())
		readers = append(readers, r)
	}

	for _, r := range readers {
		go r.Run(componentCtx)
	}
	go m.Run(componentCtx)

	// Sink-first bring-up: the Merger subscribes to every Reader topic on
	// its own Start, so it must start before any Reader begins publishing.
	runConfig := &config.RunConfig{RunNumber: uint32(*runNumber), ExpName: *expName}
	issueMergerFirst(readers, m, component.CmdConfigure, runConfig)
	issueMergerFirst(readers, m, component.CmdArm, nil)
	issueMergerFirst(readers, m, component.CmdStart, nil)

	sub := m.Data().Subscribe(256)
	defer sub.Close()

	logger.InfoCtx(sigCtx, "merger running", "sources", ids)
	events, batches := uint64(0), uint64(0)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			issueReadersFirst(readers, m, component.CmdStop, nil)
			logger.InfoCtx(context.Background(), "merger stopped", "events", events, "batches", batches, "sources", m.SourceStats())
			return
		case msg := <-sub.C():
			if msg.Batch != nil {
				batches++
				events += uint64(len(msg.Batch.Events))
			}
		case <-ticker.C:
			logger.InfoCtx(sigCtx, "merger throughput", "events", events, "batches", batches, "sources", m.SourceStats())
		}
	}
}

// issueMergerFirst sends cmd to the Merger then every Reader (pipeline
// order ascending, sink first), failing fast on the first rejection since
// no Operator is present to coordinate a retry.
func issueMergerFirst(readers []*reader.Reader, m *merger.Merger, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := m.Endpoint().Request(reqCtx, merger.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("merger: %v on merger failed: resp=%+v err=%v", cmd, resp, err)
	}
	for _, r := range readers {
		resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: cmd, Run: run})
		if err != nil || !resp.Success {
			log.Fatalf("merger: %v on reader %s failed: resp=%+v err=%v", cmd, r.ID(), resp, err)
		}
	}
}

// issueReadersFirst sends cmd to every Reader then the Merger (pipeline
// order descending, sources first), used for Stop so each Reader's
// EndOfStream drains through the still-running Merger.
func issueReadersFirst(readers []*reader.Reader, m *merger.Merger, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range readers {
		resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: cmd, Run: run})
		if err != nil || !resp.Success {
			log.Fatalf("merger: %v on reader %s failed: resp=%+v err=%v", cmd, r.ID(), resp, err)
		}
	}
	resp, err := m.Endpoint().Request(reqCtx, merger.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("merger: %v on merger failed: resp=%+v err=%v", cmd, resp, err)
	}
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
