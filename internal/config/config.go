// Package config defines the run and digitizer configuration structures and
// a YAML loader plus an fsnotify-backed hot-reload watcher for the
// Emulator's runtime parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ChannelOverride holds per-channel parameter overrides layered on top of
// DigitizerConfig's board-level and channel_defaults values.
type ChannelOverride struct {
	Channel  uint8             `yaml:"channel" json:"channel"`
	Polarity string            `yaml:"polarity,omitempty" json:"polarity,omitempty"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// DigitizerConfig is the board-level configuration a Reader pushes to its
// DigitizerDevice on Configure (spec §4.3). PSD1/PSD2 parameter-name
// translation (ch_-prefixed vs bare, POLARITY_NEGATIVE vs Negative) is
// applied by the Reader at push time, not stored here.
type DigitizerConfig struct {
	URL              string            `yaml:"url" json:"url"`
	DecoderKind      string            `yaml:"decoder_kind" json:"decoder_kind"` // "psd1" | "psd2"
	StartMode        string            `yaml:"start_mode,omitempty" json:"start_mode,omitempty"`
	TimeStepNs       float64           `yaml:"time_step_ns,omitempty" json:"time_step_ns,omitempty"`
	IncludeNEvents   bool              `yaml:"include_n_events" json:"include_n_events"`
	ChannelDefaults  map[string]string `yaml:"channel_defaults,omitempty" json:"channel_defaults,omitempty"`
	ChannelOverrides []ChannelOverride `yaml:"channel_overrides,omitempty" json:"channel_overrides,omitempty"`
}

// EmulatorRuntimeConfig is the set of Emulator parameters updatable live via
// UpdateEmulatorConfig (spec §4.3), independent of DigitizerConfig.
type EmulatorRuntimeConfig struct {
	EventsPerBatch  int     `yaml:"events_per_batch" json:"events_per_batch"`
	BatchIntervalMs int     `yaml:"batch_interval_ms" json:"batch_interval_ms"` // 0 => max-speed, governed by internal/throttle
	EnableWaveform  bool    `yaml:"enable_waveform" json:"enable_waveform"`
	WaveformSamples int     `yaml:"waveform_samples" json:"waveform_samples"`
	Modules         uint8   `yaml:"modules" json:"modules"`
	ChannelsPerMod  uint8   `yaml:"channels_per_module" json:"channels_per_module"`
	MaxEventsPerSec float64 `yaml:"max_events_per_sec,omitempty" json:"max_events_per_sec,omitempty"`
}

// DefaultEmulatorRuntimeConfig returns a small, fast configuration.
func DefaultEmulatorRuntimeConfig() EmulatorRuntimeConfig {
	return EmulatorRuntimeConfig{
		EventsPerBatch:  100,
		BatchIntervalMs: 100,
		Modules:         1,
		ChannelsPerMod:  8,
	}
}

// RunConfig is the document an Operator pushes to every component on
// Configure (spec §3 "Run" and §4.7).
type RunConfig struct {
	RunNumber       uint32                 `yaml:"run_number,omitempty" json:"run_number,omitempty"`
	ExpName         string                 `yaml:"exp_name" json:"exp_name"`
	Comment         string                 `yaml:"comment,omitempty" json:"comment,omitempty"`
	PipelineOrder   []string               `yaml:"pipeline_order" json:"pipeline_order"`
	Digitizers      map[string]DigitizerConfig      `yaml:"digitizers,omitempty" json:"digitizers,omitempty"`
	EmulatorRuntime map[string]EmulatorRuntimeConfig `yaml:"emulator_runtime,omitempty" json:"emulator_runtime,omitempty"`
	TracingEnabled  bool                   `yaml:"tracing_enabled" json:"tracing_enabled"`
	PerPhaseTimeout time.Duration          `yaml:"per_phase_timeout,omitempty" json:"per_phase_timeout,omitempty"`
}

// DefaultPerPhaseTimeout is the Operator's default Configure/Arm/Start
// phase timeout (spec §5 "Cancellation and timeouts").
const DefaultPerPhaseTimeout = 5 * time.Second

// Normalize fills in defaults left zero by a partially-specified YAML
// document.
func (c *RunConfig) Normalize() {
	if c.PerPhaseTimeout <= 0 {
		c.PerPhaseTimeout = DefaultPerPhaseTimeout
	}
}

// Loader reads a RunConfig from a YAML file.
type Loader struct{}

// NewLoader returns a Loader. It holds no state; it exists so the Operator
// can depend on an interface-shaped collaborator in tests.
func NewLoader() *Loader { return &Loader{} }

// Load reads and parses path into a RunConfig, applying defaults.
func (Loader) Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg RunConfig
	if err := unmarshalYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (Loader) Save(path string, cfg *RunConfig) error {
	data, err := marshalYAML(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
