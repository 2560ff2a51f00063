// Command operator is the control-plane process (spec §4.7): it composes
// every Reader/Emulator, the Merger, the Recorder and the Monitor into one
// topology (internal/system), drives the two-phase synchronized run
// lifecycle over HTTP, and serves the run registry and live status feed.
//
// Because internal/bus is an in-process transport, this single binary is
// the full deployment unit spec §2's five-process diagram describes; it
// also serves the Monitor's HTTP facade (spec §6: "Monitor HTTP: 8081") so
// a single `delila-operator` process is everything an operator needs to
// start.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/monitor"
	"github.com/aogaki/delila-go/internal/operator"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/system"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

func main() {
	var (
		sources         = flag.String("sources", "reader-0", "comma separated Reader/Emulator ids")
		outputDir       = flag.String("output-dir", "./runs", "directory Recorder files are written under")
		operatorAddr    = flag.String("operator-addr", ":8080", "Operator HTTP listen address")
		monitorAddr     = flag.String("monitor-addr", ":8081", "Monitor HTTP listen address")
		perPhaseTimeout = flag.Duration("per-phase-timeout", config.DefaultPerPhaseTimeout, "Configure/Arm/Start/Stop per-component timeout")
		eventsPerBatch  = flag.Int("events-per-batch", 100, "Emulator events per published batch")
		batchIntervalMs = flag.Int("batch-interval-ms", 100, "Emulator inter-batch delay; 0 selects the throttle-governed max-speed mode")
		configPath      = flag.String("config", "", "optional run-config YAML watched for live emulator_runtime changes")
	)
	flag.Parse()

	logger := logging.New(slog.Default())
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Components stay alive (serving commands) past the shutdown signal so
	// Operator.Stop/Reset below can still reach them; pipelineCancel is only
	// invoked once that drain has finished.
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()

	ids := strings.Split(*sources, ",")
	specs := make([]system.SourceSpec, 0, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		specs = append(specs, system.SourceSpec{
			ID:       id,
			SourceID: uint32(i + 1),
			Emulator: config.EmulatorRuntimeConfig{
				EventsPerBatch:  *eventsPerBatch,
				BatchIntervalMs: *batchIntervalMs,
				Modules:         1,
				ChannelsPerMod:  8,
			},
		})
	}
	if len(specs) == 0 {
		log.Fatal("operator: no sources configured")
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("operator: create output dir: %v", err)
	}

	promProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})

	pipeline, err := system.Build(system.Options{
		Sources:         specs,
		MergerID:        "merger",
		MergerSourceID:  uint32(len(specs) + 1),
		WithRecorder:    true,
		RecorderID:      "recorder",
		OutputDir:       *outputDir,
		WithMonitor:     true,
		MonitorID:       "monitor",
		PerPhaseTimeout: *perPhaseTimeout,
		Metrics:         promProvider,
	})
	if err != nil {
		log.Fatalf("operator: build pipeline: %v", err)
	}

	go pipeline.Run(pipelineCtx)

	if *configPath != "" {
		readersByID := make(map[string]*reader.Reader, len(specs))
		for i, spec := range specs {
			readersByID[spec.ID] = pipeline.Readers[i]
		}
		if err := watchEmulatorConfig(sigCtx, *configPath, readersByID, logger); err != nil {
			log.Fatalf("operator: watch config: %v", err)
		}
	}

	opMux := operator.NewMux(operator.HandlerOptions{Operator: pipeline.Operator, Metrics: promProvider})
	opSrv := &http.Server{Addr: *operatorAddr, Handler: opMux}

	monMux := monitor.NewMux(monitor.HandlerOptions{Engine: pipeline.Monitor.Engine(), Metrics: promProvider})
	monSrv := &http.Server{Addr: *monitorAddr, Handler: monMux}

	go serveUntilDone(sigCtx, opSrv, "operator", logger)
	go serveUntilDone(sigCtx, monSrv, "monitor", logger)

	logger.InfoCtx(sigCtx, "operator ready", "operator_addr", *operatorAddr, "monitor_addr", *monitorAddr, "sources", len(specs))

	<-sigCtx.Done()
	logger.InfoCtx(context.Background(), "shutdown signal received, draining pipeline")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = pipeline.Operator.Stop(shutdownCtx)
	_ = pipeline.Operator.Reset(shutdownCtx)
}

// watchEmulatorConfig hot-reloads emulator_runtime entries from path,
// reissuing each changed entry to its Reader as an UpdateEmulatorConfig
// command whenever the file changes on disk.
func watchEmulatorConfig(ctx context.Context, path string, readers map[string]*reader.Reader, logger logging.Logger) error {
	reloader := config.NewHotReloader(path)
	if _, err := reloader.Seed(); err != nil {
		return err
	}
	changes, errs, err := reloader.Watch(ctx)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				logger.WarnCtx(ctx, "config watch error", "err", err)
			case change, ok := <-changes:
				if !ok {
					return
				}
				for _, id := range change.Changed {
					r, found := readers[id]
					if !found {
						continue
					}
					runtime := change.Config.EmulatorRuntime[id]
					reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: component.CmdUpdateEmulatorConfig, EmulatorRuntime: &runtime})
					cancel()
					if err != nil || !resp.Success {
						logger.WarnCtx(ctx, "emulator config update rejected", "reader", id, "err", err, "message", resp.Message)
						continue
					}
					logger.InfoCtx(ctx, "emulator config updated from file", "reader", id)
				}
			}
		}
	}()
	return nil
}

func serveUntilDone(ctx context.Context, srv *http.Server, name string, logger logging.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.InfoCtx(ctx, fmt.Sprintf("%s http listening", name), "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("%s: http server error: %v", name, err)
	}
}
