// Package digitizer defines the DigitizerDevice capability a Reader depends
// on (spec §6) and a deterministic emulated implementation used when no
// physical CAEN hardware is attached. The real CAEN C-library binding is
// out of scope (spec §1 "Out of scope"); this package only specifies and
// implements the interface boundary the Reader is written against.
package digitizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// ErrDeviceClosed is returned by any device operation after Close.
var ErrDeviceClosed = errors.New("digitizer: device closed")

// RawData is one raw aggregate read from the device, handed to a decoder
// unmodified.
type RawData struct {
	Bytes   []byte
	NEvents *uint32 // present only on endpoints configured with includeNEvents
}

// DeviceTree is the device's self-described parameter tree, opaque to the
// Reader beyond being forwarded verbatim to the Monitor/Operator on request.
type DeviceTree map[string]any

// Device is the capability a Reader exclusively owns for the lifetime of a
// run. Close must be safe to call more than once and must release the
// underlying handle even if the Reader is tearing down after a panic-style
// failure (spec §9 "Device lifetime").
type Device interface {
	ReadDeviceTree(ctx context.Context) (DeviceTree, error)
	SetParameter(ctx context.Context, path string, value string) error
	ConfigureEndpoint(ctx context.Context, includeNEvents bool) error
	Arm(ctx context.Context) error
	StartSW(ctx context.Context) error
	StopSW(ctx context.Context) error
	Disarm(ctx context.Context) error
	ReadRaw(ctx context.Context) (RawData, error)
	Close() error
}

// Opener opens a Device at the given URL (e.g. "dig2://192.168.1.10" or
// "emulator://"). Exactly one concrete Opener ships in this package today
// (the emulator); a real CAEN binding would register another.
type Opener func(url string) (Device, error)

// Open resolves url through the given opener table, defaulting to the
// emulator opener for "emulator://"-prefixed URLs and any scheme the table
// does not recognize, so a Reader always has something to run against in
// tests and in environments without hardware attached.
func Open(url string, openers map[string]Opener) (Device, error) {
	scheme, _, ok := splitScheme(url)
	if ok {
		if opener, found := openers[scheme]; found {
			return opener(url)
		}
	}
	return OpenEmulated(url)
}

func splitScheme(url string) (scheme, rest string, ok bool) {
	for i := 0; i < len(url)-2; i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return url[:i], url[i+3:], true
		}
	}
	return "", url, false
}

// EmulatedDevice is a deterministic, seedable synthetic digitizer: it never
// touches hardware and produces PSD2-framed board-aggregate-equivalent
// event records (flat per-event records, per spec §4.2 "PSD2") shaped by
// Params, advanced by a seeded PRNG so test runs are reproducible.
type EmulatedDevice struct {
	mu      sync.Mutex
	closed  atomic.Bool
	armed   bool
	running bool
	rng     *rand.Rand

	params Params
	seq    uint64
}

// Params controls the emulator's synthetic event shape. Every field may be
// updated live via UpdateEmulatorConfig without reopening the device.
type Params struct {
	Seed            int64
	Modules         uint8
	ChannelsPerMod  uint8
	EnableWaveform  bool
	WaveformSamples int
	EnergyMean      float64
	EnergyStdDev    float64
}

// DefaultParams returns a small, fast-to-simulate configuration.
func DefaultParams() Params {
	return Params{Seed: 1, Modules: 1, ChannelsPerMod: 8, EnergyMean: 4000, EnergyStdDev: 500}
}

// OpenEmulated constructs an EmulatedDevice; url is accepted for interface
// symmetry with a real Opener but otherwise ignored.
func OpenEmulated(url string) (Device, error) {
	p := DefaultParams()
	return &EmulatedDevice{rng: rand.New(rand.NewSource(p.Seed)), params: p}, nil
}

// NewEmulatedDevice constructs an EmulatedDevice with explicit params,
// primarily for tests and for the Emulator component's direct use (bypassing
// the Opener indirection a hardware-backed Reader would need).
func NewEmulatedDevice(p Params) *EmulatedDevice {
	if p.Seed == 0 {
		p.Seed = 1
	}
	return &EmulatedDevice{rng: rand.New(rand.NewSource(p.Seed)), params: p}
}

// SetParams replaces the live parameter set, guarded by the same mutex as
// ReadRaw so a config update never races a concurrent generate.
func (d *EmulatedDevice) SetParams(p Params) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = p
}

func (d *EmulatedDevice) checkOpen() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	return nil
}

func (d *EmulatedDevice) ReadDeviceTree(ctx context.Context) (DeviceTree, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceTree{
		"modules":           d.params.Modules,
		"channels_per_mod":  d.params.ChannelsPerMod,
		"enable_waveform":   d.params.EnableWaveform,
		"waveform_samples":  d.params.WaveformSamples,
	}, nil
}

func (d *EmulatedDevice) SetParameter(ctx context.Context, path string, value string) error {
	return d.checkOpen()
}

func (d *EmulatedDevice) ConfigureEndpoint(ctx context.Context, includeNEvents bool) error {
	return d.checkOpen()
}

func (d *EmulatedDevice) Arm(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	d.armed = true
	d.mu.Unlock()
	return nil
}

func (d *EmulatedDevice) StartSW(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return fmt.Errorf("digitizer: start requested before arm")
	}
	d.running = true
	return nil
}

func (d *EmulatedDevice) StopSW(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *EmulatedDevice) Disarm(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	d.armed = false
	d.mu.Unlock()
	return nil
}

// ReadRaw synthesizes one PSD2 flat event record for a pseudo-random
// module/channel, shaped by the current Params. It never blocks on
// anything but the device mutex and is safe to poll in a tight loop.
func (d *EmulatedDevice) ReadRaw(ctx context.Context) (RawData, error) {
	if err := d.checkOpen(); err != nil {
		return RawData{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return RawData{}, fmt.Errorf("digitizer: read requested while not running")
	}

	module := uint8(d.rng.Intn(int(max8(d.params.Modules, 1))))
	channel := uint8(d.rng.Intn(int(max8(d.params.ChannelsPerMod, 1))))
	energy := d.rng.NormFloat64()*d.params.EnergyStdDev + d.params.EnergyMean
	if energy < 0 {
		energy = 0
	}
	if energy > 65535 {
		energy = 65535
	}
	samples := 0
	if d.params.EnableWaveform {
		samples = d.params.WaveformSamples
	}
	raw := encodePsd2Flat(module, channel, uint64(d.seq), uint16(energy), uint16(energy*0.1), samples)
	d.seq++
	return RawData{Bytes: raw}, nil
}

func (d *EmulatedDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func max8(v, floor uint8) uint8 {
	if v == 0 {
		return floor
	}
	return v
}
