package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/recorder"
)

func TestBuildRequiresAtLeastOneSource(t *testing.T) {
	_, err := Build(Options{})
	assert.Error(t, err)
}

func TestPipelineFullLifecycle(t *testing.T) {
	dir := t.TempDir()
	p, err := Build(Options{
		Sources: []SourceSpec{{
			ID:       "reader-0",
			SourceID: 1,
			Emulator: config.EmulatorRuntimeConfig{EventsPerBatch: 16, BatchIntervalMs: 5, Modules: 1, ChannelsPerMod: 4},
		}},
		MergerID:        "merger",
		MergerSourceID:  2,
		WithRecorder:    true,
		RecorderID:      "recorder",
		OutputDir:       dir,
		WithMonitor:     true,
		MonitorID:       "monitor",
		PerPhaseTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	opCtx := context.Background()
	require.NoError(t, p.Operator.Configure(opCtx, config.RunConfig{ExpName: "NP1306"}))
	require.NoError(t, p.Operator.Arm(opCtx))
	require.NoError(t, p.Operator.Start(opCtx, "smoke"))

	// Let batches flow emulator -> merger -> recorder/monitor until the
	// histogram engine has discovered at least one channel.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.Monitor.Engine().ListChannels()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, p.Monitor.Engine().ListChannels(), "monitor never saw merged data")

	// Sources stop first (descending pipeline order), so their EndOfStream
	// drains through the Merger and the Recorder finalizes its footer.
	require.NoError(t, p.Operator.Stop(opCtx))

	path := p.Recorder.FilePath()
	require.NotEmpty(t, path)
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Recorder.LastFooter(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	footer, ok := p.Recorder.LastFooter()
	require.True(t, ok, "recorder never finalized its file after the EOS cascade")
	assert.True(t, footer.IsComplete)
	assert.NotZero(t, footer.TotalEvents)

	report, err := recorder.Recover(path)
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, footer.TotalEvents, report.TotalEvents)

	status := p.Operator.Status()
	require.NotNil(t, status.RunInfo)
	assert.NotZero(t, status.RunInfo.RunNumber)
}
