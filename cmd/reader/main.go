// Command reader runs a single Reader/Emulator (spec §4.3) in isolation: it
// self-drives Configure/Arm/Start through its own command Endpoint (there is
// no separate Operator process attached), then logs batch throughput until
// interrupted, issuing Stop on shutdown so the EOS cascade (spec §8
// scenario 6) still fires cleanly.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/decode"
	"github.com/aogaki/delila-go/internal/digitizer"
	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/telemetry/logging"
)

func main() {
	var (
		id              = flag.String("id", "reader-0", "component id / source label")
		sourceID        = flag.Uint("source-id", 1, "numeric source_id this Reader publishes under")
		runNumber       = flag.Uint("run-number", 1, "run_number pushed on Configure")
		expName         = flag.String("exp-name", "NP1306", "experiment name pushed on Configure")
		eventsPerBatch  = flag.Int("events-per-batch", 64, "events per published batch")
		batchIntervalMs = flag.Int("batch-interval-ms", 100, "inter-batch delay; 0 selects max-speed throttle governance")
		enableWaveform  = flag.Bool("enable-waveform", false, "include waveform samples on emitted events")
		waveformSamples = flag.Int("waveform-samples", 0, "waveform sample count when -enable-waveform is set")
		modules         = flag.Uint("modules", 1, "emulated board count")
		channels        = flag.Uint("channels-per-module", 8, "emulated channels per board")
		configPath      = flag.String("config", "", "optional run-config YAML watched for live emulator_runtime changes")
	)
	flag.Parse()

	logger := logging.New(slog.Default())
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The Reader's command Endpoint stops serving the instant its context is
	// done (internal/bus/reqrep.go Serve), so it needs a context separate
	// from sigCtx: otherwise the Stop request issued below on shutdown would
	// race the Endpoint's own teardown and very likely time out.
	componentCtx, componentCancel := context.WithCancel(context.Background())
	defer componentCancel()

	runtime := config.EmulatorRuntimeConfig{
		EventsPerBatch:  *eventsPerBatch,
		BatchIntervalMs: *batchIntervalMs,
		EnableWaveform:  *enableWaveform,
		WaveformSamples: *waveformSamples,
		Modules:         uint8(*modules),
		ChannelsPerMod:  uint8(*channels),
	}
	device := digitizer.NewEmulatedDevice(digitizer.Params{
		Seed: int64(*sourceID)*7 + 1, Modules: runtime.Modules, ChannelsPerMod: runtime.ChannelsPerMod,
		EnableWaveform: runtime.EnableWaveform, WaveformSamples: runtime.WaveformSamples,
		EnergyMean: 4000, EnergyStdDev: 500,
	})
	r := reader.New(*id, uint32(*sourceID), device, decode.Psd2Decoder{}, "psd2", &runtime, busp.NewLatestValue[component.Status](), nil)

	go r.Run(componentCtx)

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	if resp, err := r.Endpoint().Request(runCtx, reader.Request{Cmd: component.CmdConfigure, Run: &config.RunConfig{RunNumber: uint32(*runNumber), ExpName: *expName}}); err != nil || !resp.Success {
		log.Fatalf("reader: configure failed: resp=%+v err=%v", resp, err)
	}
	if resp, err := r.Endpoint().Request(runCtx, reader.Request{Cmd: component.CmdArm}); err != nil || !resp.Success {
		log.Fatalf("reader: arm failed: resp=%+v err=%v", resp, err)
	}
	if resp, err := r.Endpoint().Request(runCtx, reader.Request{Cmd: component.CmdStart}); err != nil || !resp.Success {
		log.Fatalf("reader: start failed: resp=%+v err=%v", resp, err)
	}

	if *configPath != "" {
		if err := watchEmulatorConfig(sigCtx, *configPath, *id, r, logger); err != nil {
			log.Fatalf("reader: watch config: %v", err)
		}
	}

	sub := r.Data().Subscribe(64)
	defer sub.Close()

	logger.InfoCtx(sigCtx, "reader running", "id", *id, "source_id", *sourceID)
	events, batches := uint64(0), uint64(0)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			resp, err := r.Endpoint().Request(stopCtx, reader.Request{Cmd: component.CmdStop})
			cancel()
			logger.InfoCtx(context.Background(), "reader stopped", "success", resp.Success, "err", err, "events", events, "batches", batches)
			return
		case msg := <-sub.C():
			if msg.Kind == eventdata.KindData {
				batches++
				if msg.Batch != nil {
					events += uint64(len(msg.Batch.Events))
				}
			}
		case <-ticker.C:
			logger.InfoCtx(sigCtx, "reader throughput", "events", events, "batches", batches)
		}
	}
}

// watchEmulatorConfig hot-reloads the emulator_runtime entry for this
// reader's id from path, reissuing it as an UpdateEmulatorConfig command
// whenever the file changes on disk.
func watchEmulatorConfig(ctx context.Context, path, id string, r *reader.Reader, logger logging.Logger) error {
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
				runtime, found := change.Config.EmulatorRuntime[id]
				if !found {
					continue
				}
				reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				resp, err := r.Endpoint().Request(reqCtx, reader.Request{Cmd: component.CmdUpdateEmulatorConfig, EmulatorRuntime: &runtime})
				cancel()
				if err != nil || !resp.Success {
					logger.WarnCtx(ctx, "emulator config update rejected", "err", err, "message", resp.Message)
					continue
				}
				logger.InfoCtx(ctx, "emulator config updated from file", "events_per_batch", runtime.EventsPerBatch, "batch_interval_ms", runtime.BatchIntervalMs)
			}
		}
	}()
	return nil
}
