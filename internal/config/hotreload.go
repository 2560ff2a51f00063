package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change describes a detected configuration file change, narrowed to the
// EmulatorRuntimeConfig entries that actually changed so a watcher can
// republish only what moved as UpdateEmulatorConfig commands (SPEC_FULL.md
// §0 Ambient Stack).
type Change struct {
	Config   *RunConfig
	Changed  []string // keys into Config.EmulatorRuntime whose checksum changed
	Checksum string
}

// HotReloader watches a RunConfig YAML file for writes and emits a Change
// whenever its content differs from the last loaded version. Ported from
// the teacher's HotReloadSystem (engine/internal/runtime/runtime.go), which
// watches a config file's parent directory with fsnotify and filters events
// down to writes on the exact filename, detecting an actual content change
// via a checksum rather than trusting the write event alone.
type HotReloader struct {
	path   string
	loader *Loader

	mu       sync.Mutex
	lastSum  string
	lastCfg  *RunConfig
}

// NewHotReloader constructs a HotReloader for path. It does not read the
// file; call Seed or let the first Watch iteration populate the baseline.
func NewHotReloader(path string) *HotReloader {
	return &HotReloader{path: path, loader: NewLoader()}
}

// Seed loads the current file content as the baseline against which future
// writes are diffed, without emitting a Change for it.
func (h *HotReloader) Seed() (*RunConfig, error) {
	cfg, err := h.loader.Load(h.path)
	if err != nil {
		return nil, err
	}
	sum, err := checksumFile(h.path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.lastCfg = cfg
	h.lastSum = sum
	h.mu.Unlock()
	return cfg, nil
}

// Watch starts watching the parent directory of path (fsnotify on some
// platforms does not reliably notify on a bind-mounted single file) and
// returns a channel of Change events plus a channel of watch errors. Both
// channels are closed when ctx is cancelled or the underlying fsnotify
// watcher's channels close.
func (h *HotReloader) Watch(ctx context.Context) (<-chan *Change, <-chan error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	changes := make(chan *Change, 4)
	errs := make(chan error, 4)

	go func() {
		defer watcher.Close()
		defer close(changes)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(h.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				change, err := h.detect()
				if err != nil {
					select {
					case errs <- err:
					case <-ctx.Done():
						return
					}
					continue
				}
				if change == nil {
					continue
				}
				select {
				case changes <- change:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return changes, errs, nil
}

// detect reloads the file and returns a non-nil Change only if its checksum
// differs from the last known one, diffing EmulatorRuntime entries to name
// which ones actually moved.
func (h *HotReloader) detect() (*Change, error) {
	sum, err := checksumFile(h.path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	unchanged := sum == h.lastSum
	prev := h.lastCfg
	h.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	cfg, err := h.loader.Load(h.path)
	if err != nil {
		return nil, err
	}

	var changedKeys []string
	for key, next := range cfg.EmulatorRuntime {
		if prev == nil {
			changedKeys = append(changedKeys, key)
			continue
		}
		if old, ok := prev.EmulatorRuntime[key]; !ok || old != next {
			changedKeys = append(changedKeys, key)
		}
	}

	h.mu.Lock()
	h.lastCfg = cfg
	h.lastSum = sum
	h.mu.Unlock()

	return &Change{Config: cfg, Changed: changedKeys, Checksum: sum}, nil
}

func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: checksum %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
