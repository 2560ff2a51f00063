// Package monitor implements the online histogram engine (spec §4.6): a
// per-(module,channel) 1-D spectrum over energy plus a small waveform ring
// buffer, fed by the Merger's merged stream and exposed read-only to a
// REST/WebSocket facade.
package monitor

import (
	"math"
	"sort"
	"sync"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// ChannelKey identifies one (module, channel) histogram shard.
type ChannelKey struct {
	Module  uint8
	Channel uint8
}

// HistogramConfig configures a channel's 1-D spectrum over energy.
type HistogramConfig struct {
	NumBins  int
	MinValue float64
	MaxValue float64
}

// DefaultHistogramConfig matches the digitizer's 16-bit energy range.
func DefaultHistogramConfig() HistogramConfig {
	return HistogramConfig{NumBins: 4096, MinValue: 0, MaxValue: 65536}
}

// HistogramSnapshot is an immutable copy-on-read view of one channel's
// spectrum, safe to serialize or hand to an HTTP handler without holding the
// engine's shard lock (spec §5 "readers obtain immutable snapshots").
type HistogramSnapshot struct {
	Module      uint8    `json:"module"`
	Channel     uint8    `json:"channel"`
	NumBins     int      `json:"num_bins"`
	MinValue    float64  `json:"min_value"`
	MaxValue    float64  `json:"max_value"`
	Bins        []uint64 `json:"bins"`
	Underflow   uint64   `json:"underflow"`
	Overflow    uint64   `json:"overflow"`
	TotalCounts uint64   `json:"total_counts"`
}

// waveformRingSize bounds how many recent waveform snapshots a channel
// retains for on-demand retrieval (spec §4.6: "N small, e.g. 16").
const waveformRingSize = 16

// shard is one (module,channel) entry: its own mutex, so reads/writes on one
// channel never contend with another (spec §4.6 "per-channel lock-per-entry").
type shard struct {
	mu sync.Mutex

	cfg         HistogramConfig
	bins        []uint64
	underflow   uint64
	overflow    uint64
	totalCounts uint64

	waveforms    [waveformRingSize]*eventdata.Waveform
	waveformHead int
	waveformLen  int
}

func newShard(cfg HistogramConfig) *shard {
	return &shard{cfg: cfg, bins: make([]uint64, cfg.NumBins)}
}

func (s *shard) record(ev eventdata.EventData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binWidth := (s.cfg.MaxValue - s.cfg.MinValue) / float64(s.cfg.NumBins)
	bin := int(math.Floor((float64(ev.Energy) - s.cfg.MinValue) / binWidth))
	switch {
	case bin < 0:
		s.underflow++
	case bin >= s.cfg.NumBins:
		s.overflow++
	default:
		s.bins[bin]++
	}
	s.totalCounts++

	if ev.Waveform != nil {
		s.waveforms[s.waveformHead] = ev.Waveform
		s.waveformHead = (s.waveformHead + 1) % waveformRingSize
		if s.waveformLen < waveformRingSize {
			s.waveformLen++
		}
	}
}

func (s *shard) snapshot(key ChannelKey) HistogramSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	bins := make([]uint64, len(s.bins))
	copy(bins, s.bins)
	return HistogramSnapshot{
		Module: key.Module, Channel: key.Channel,
		NumBins: s.cfg.NumBins, MinValue: s.cfg.MinValue, MaxValue: s.cfg.MaxValue,
		Bins: bins, Underflow: s.underflow, Overflow: s.overflow, TotalCounts: s.totalCounts,
	}
}

func (s *shard) latestWaveform() (*eventdata.Waveform, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waveformLen == 0 {
		return nil, false
	}
	idx := (s.waveformHead - 1 + waveformRingSize) % waveformRingSize
	return s.waveforms[idx], true
}

// Engine is the concurrent per-channel histogram store: one shard per
// (module,channel) key, created lazily on first event, guarded by its own
// mutex so ingestion on one channel never blocks a snapshot read of another.
type Engine struct {
	defaultConfig HistogramConfig

	mu     sync.RWMutex
	shards map[ChannelKey]*shard
}

// NewEngine constructs an Engine; every newly-discovered channel uses
// defaultConfig. There is no per-channel binning override.
func NewEngine(defaultConfig HistogramConfig) *Engine {
	return &Engine{defaultConfig: defaultConfig, shards: make(map[ChannelKey]*shard)}
}

func (e *Engine) shardFor(key ChannelKey) *shard {
	e.mu.RLock()
	s := e.shards[key]
	e.mu.RUnlock()
	if s != nil {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.shards[key]; s != nil {
		return s
	}
	s = newShard(e.defaultConfig)
	e.shards[key] = s
	return s
}

// Ingest updates every event in batch into its (module,channel) histogram
// and waveform ring (spec §4.6 "Updates on each received batch").
func (e *Engine) Ingest(batch *eventdata.EventDataBatch) {
	for _, ev := range batch.Events {
		e.shardFor(ChannelKey{Module: ev.Module, Channel: ev.Channel}).record(ev)
	}
}

// ListChannels returns every (module,channel) key discovered so far, sorted
// for stable HTTP responses.
func (e *Engine) ListChannels() []ChannelKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]ChannelKey, 0, len(e.shards))
	for k := range e.shards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Module != keys[j].Module {
			return keys[i].Module < keys[j].Module
		}
		return keys[i].Channel < keys[j].Channel
	})
	return keys
}

// GetHistogram returns an immutable snapshot of one channel's spectrum.
func (e *Engine) GetHistogram(module, channel uint8) (HistogramSnapshot, bool) {
	key := ChannelKey{Module: module, Channel: channel}
	e.mu.RLock()
	s := e.shards[key]
	e.mu.RUnlock()
	if s == nil {
		return HistogramSnapshot{}, false
	}
	return s.snapshot(key), true
}

// GetLatestWaveform returns the most recent waveform snapshot recorded for a
// channel, if any event on it carried one.
func (e *Engine) GetLatestWaveform(module, channel uint8) (*eventdata.Waveform, bool) {
	e.mu.RLock()
	s := e.shards[ChannelKey{Module: module, Channel: channel}]
	e.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	return s.latestWaveform()
}
