// Command recorder runs a standalone Reader(s) -> Merger -> Recorder chain
// (spec §4.5) in isolation: it self-drives the full lifecycle (no separate
// Operator process attached), writes the checksummed .delila file under
// -output-dir, and logs the written file's footer once Stop finalizes it.
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
	"github.com/aogaki/delila-go/internal/recorder"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
)

func main() {
	var (
		sources         = flag.String("sources", "reader-0", "comma separated upstream Reader/Emulator ids")
		outputDir       = flag.String("output-dir", "./runs", "directory the .delila file is written under")
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
		log.Fatal("recorder: at least one source required")
	}
	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("recorder: create output dir: %v", err)
	}

	mergerSourceID := uint32(len(ids) + 1)
	m := merger.New("merger", mergerSourceID, busp.NewLatestValue[component.Status](), nil)
	readers := make([]*reader.Reader, 0, len(ids))
	for i, id := range ids {
		sourceID := uint32(i + 1)
		runtime := config.EmulatorRuntimeConfig{EventsPerBatch: *eventsPerBatch, BatchIntervalMs: *batchIntervalMs, Modules: 1, ChannelsPerMod: 8}
		device := digitizer.NewEmulatedDevice(digitizer.Params{Seed: int64(sourceID)*7 + 1, Modules: 1, ChannelsPerMod: 8, EnergyMean: 4000, EnergyStdDev: 500})
		r := reader.New(id, sourceID, device, decode.Psd2Decoder{}, "psd2", &runtime, busp.NewLatestValue[component.Status](), nil)
		m.AddSource(sourceID, r.Data())
		readers = append(readers, r)
	}
	rec := recorder.New("recorder", mergerSourceID, m.Data(), *outputDir, busp.NewLatestValue[component.Status](), nil)

	for _, r := range readers {
		go r.Run(componentCtx)
	}
	go m.Run(componentCtx)
	go rec.Run(componentCtx)

	// Sink-first bring-up: the Recorder and Merger must be subscribed before
	// any Reader starts publishing, or the first batches land on an empty
	// Topic and are lost.
	runConfig := &config.RunConfig{RunNumber: uint32(*runNumber), ExpName: *expName}
	issueRecorder(rec, component.CmdConfigure, runConfig)
	issueMerger(m, component.CmdConfigure, runConfig)
	issueReaders(readers, component.CmdConfigure, runConfig)

	issueRecorder(rec, component.CmdArm, nil)
	issueMerger(m, component.CmdArm, nil)
	issueReaders(readers, component.CmdArm, nil)

	issueRecorder(rec, component.CmdStart, nil)
	issueMerger(m, component.CmdStart, nil)
	issueReaders(readers, component.CmdStart, nil)

	logger.InfoCtx(sigCtx, "recorder running", "sources", ids, "output_dir", *outputDir, "file", rec.FilePath())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			// Sources stop first so their EndOfStream drains through the
			// Merger and the Recorder finalizes its footer before stopping.
			issueReaders(readers, component.CmdStop, nil)
			issueMerger(m, component.CmdStop, nil)
			issueRecorder(rec, component.CmdStop, nil)
			footer, ok := rec.LastFooter()
			logger.InfoCtx(context.Background(), "recorder stopped", "file", rec.FilePath(), "footer_present", ok, "total_events", footer.TotalEvents)
			return
		case <-ticker.C:
			logger.InfoCtx(sigCtx, "recorder progress", "file", rec.FilePath())
		}
	}
}

func issueReaders(readers []*reader.Reader, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range readers {
		resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: cmd, Run: run})
		if err != nil || !resp.Success {
			log.Fatalf("recorder: %v on reader failed: resp=%+v err=%v", cmd, resp, err)
		}
	}
}

func issueMerger(m *merger.Merger, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := m.Endpoint().Request(reqCtx, merger.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("recorder: %v on merger failed: resp=%+v err=%v", cmd, resp, err)
	}
}

func issueRecorder(rec *recorder.Recorder, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := rec.Endpoint().Request(reqCtx, recorder.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("recorder: %v on recorder failed: resp=%+v err=%v", cmd, resp, err)
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
