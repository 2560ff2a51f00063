package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoaderLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	writeYAML(t, path, `
exp_name: test-exp
pipeline_order: [r0, merger, recorder]
`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-exp", cfg.ExpName)
	assert.Equal(t, []string{"r0", "merger", "recorder"}, cfg.PipelineOrder)
	assert.Equal(t, DefaultPerPhaseTimeout, cfg.PerPhaseTimeout)
}

func TestLoaderLoadMissingFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderSaveThenLoadRoundtrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	loader := NewLoader()

	cfg := &RunConfig{
		ExpName:       "roundtrip",
		RunNumber:     7,
		PipelineOrder: []string{"r0", "r1", "merger"},
		EmulatorRuntime: map[string]EmulatorRuntimeConfig{
			"r0": DefaultEmulatorRuntimeConfig(),
		},
	}
	require.NoError(t, loader.Save(path, cfg))

	loaded, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ExpName, loaded.ExpName)
	assert.Equal(t, cfg.RunNumber, loaded.RunNumber)
	assert.Equal(t, cfg.EmulatorRuntime["r0"], loaded.EmulatorRuntime["r0"])
}

func TestHotReloaderDetectsEmulatorRuntimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	loader := NewLoader()

	base := &RunConfig{
		ExpName:       "hotreload",
		PipelineOrder: []string{"r0"},
		EmulatorRuntime: map[string]EmulatorRuntimeConfig{
			"r0": {EventsPerBatch: 100, BatchIntervalMs: 100},
		},
	}
	require.NoError(t, loader.Save(path, base))

	reloader := NewHotReloader(path)
	_, err := reloader.Seed()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, errs, err := reloader.Watch(ctx)
	require.NoError(t, err)

	updated := *base
	updated.EmulatorRuntime = map[string]EmulatorRuntimeConfig{
		"r0": {EventsPerBatch: 500, BatchIntervalMs: 10},
	}

	// Give the watcher's directory subscription time to register before the
	// write, matching the teacher's hot-reload test style of a short settle
	// delay around filesystem events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, loader.Save(path, &updated))

	select {
	case change := <-changes:
		require.NotNil(t, change)
		assert.Contains(t, change.Changed, "r0")
		assert.Equal(t, 500, change.Config.EmulatorRuntime["r0"].EventsPerBatch)
	case err := <-errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot reload change")
	}
}

func TestHotReloaderIgnoresUnrelatedFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	loader := NewLoader()
	require.NoError(t, loader.Save(path, &RunConfig{ExpName: "x", PipelineOrder: []string{"r0"}}))

	reloader := NewHotReloader(path)
	_, err := reloader.Seed()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, _, err := reloader.Watch(ctx)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	writeYAML(t, filepath.Join(dir, "unrelated.txt"), "noise")

	select {
	case change := <-changes:
		t.Fatalf("unexpected change for unrelated file: %+v", change)
	case <-time.After(300 * time.Millisecond):
	}
}
