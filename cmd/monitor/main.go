// Command monitor runs a standalone Reader(s) -> Merger -> Monitor chain
// (spec §4.6) in isolation: it self-drives the full lifecycle (no separate
// Operator process attached) and serves the Monitor's HTTP facade — REST
// histogram/waveform reads, a live WebSocket push feed, and /metrics — on
// -addr until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
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
	"github.com/aogaki/delila-go/internal/monitor"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

func main() {
	var (
		sources         = flag.String("sources", "reader-0", "comma separated upstream Reader/Emulator ids")
		addr            = flag.String("addr", ":8081", "Monitor HTTP listen address")
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
		log.Fatal("monitor: at least one source required")
	}

	promProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})

	mergerSourceID := uint32(len(ids) + 1)
	m := merger.New("merger", mergerSourceID, busp.NewLatestValue[component.Status](), promProvider)
	readers := make([]*reader.Reader, 0, len(ids))
	for i, id := range ids {
		sourceID := uint32(i + 1)
		runtime := config.EmulatorRuntimeConfig{EventsPerBatch: *eventsPerBatch, BatchIntervalMs: *batchIntervalMs, Modules: 1, ChannelsPerMod: 8}
		device := digitizer.NewEmulatedDevice(digitizer.Params{Seed: int64(sourceID)*7 + 1, Modules: 1, ChannelsPerMod: 8, EnergyMean: 4000, EnergyStdDev: 500})
		r := reader.New(id, sourceID, device, decode.Psd2Decoder{}, "psd2", &runtime, busp.NewLatestValue[component.Status](), promProvider)
		m.AddSource(sourceID, r.Data())
		readers = append(readers, r)
	}
	mon := monitor.New("monitor", m.Data(), busp.NewLatestValue[component.Status](), promProvider)

	for _, r := range readers {
		go r.Run(componentCtx)
	}
	go m.Run(componentCtx)
	go mon.Run(componentCtx)

	// Sink-first bring-up: the Monitor and Merger subscribe before any
	// Reader starts publishing so no early batch misses the histograms.
	runConfig := &config.RunConfig{RunNumber: uint32(*runNumber), ExpName: *expName}
	issueMonitor(mon, component.CmdConfigure, runConfig)
	issueMerger(m, component.CmdConfigure, runConfig)
	issueReaders(readers, component.CmdConfigure, runConfig)

	issueMonitor(mon, component.CmdArm, nil)
	issueMerger(m, component.CmdArm, nil)
	issueReaders(readers, component.CmdArm, nil)

	issueMonitor(mon, component.CmdStart, nil)
	issueMerger(m, component.CmdStart, nil)
	issueReaders(readers, component.CmdStart, nil)

	mux := monitor.NewMux(monitor.HandlerOptions{Engine: mon.Engine(), Metrics: promProvider})
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoCtx(sigCtx, "monitor http listening", "addr", *addr, "sources", ids)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("monitor: http server error: %v", err)
	}

	issueReaders(readers, component.CmdStop, nil)
	issueMerger(m, component.CmdStop, nil)
	issueMonitor(mon, component.CmdStop, nil)
	logger.InfoCtx(context.Background(), "monitor stopped")
}

func issueReaders(readers []*reader.Reader, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range readers {
		resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: cmd, Run: run})
		if err != nil || !resp.Success {
			log.Fatalf("monitor: %v on reader failed: resp=%+v err=%v", cmd, resp, err)
		}
	}
}

func issueMerger(m *merger.Merger, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := m.Endpoint().Request(reqCtx, merger.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("monitor: %v on merger failed: resp=%+v err=%v", cmd, resp, err)
	}
}

func issueMonitor(mon *monitor.Monitor, cmd component.Command, run *config.RunConfig) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := mon.Endpoint().Request(reqCtx, monitor.Request{Cmd: cmd, Run: run})
	if err != nil || !resp.Success {
		log.Fatalf("monitor: %v on monitor failed: resp=%+v err=%v", cmd, resp, err)
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
