// Package eventdata defines the canonical event record produced by every
// decoder and consumed by every downstream pipeline stage, plus the
// transport envelope ("Message") carried over the pub/sub data bus.
package eventdata

import (
	"errors"
	"fmt"
	"math"
)

// Flag bits carried in EventData.Flags.
const (
	FlagPileup       uint64 = 0x01
	FlagTriggerLost  uint64 = 0x02
	FlagOverRange    uint64 = 0x04
	Flag1024Trigger  uint64 = 0x08
	FlagNLost        uint64 = 0x10
)

// Waveform holds up to two analog probes and four digital probes, sampled
// at a common rate described by the surrounding EventData metadata fields.
type Waveform struct {
	Analog1 []uint16 `msgpack:"analog1,omitempty" json:"analog1,omitempty"`
	Analog2 []uint16 `msgpack:"analog2,omitempty" json:"analog2,omitempty"`
	Digital []uint8  `msgpack:"digital,omitempty" json:"digital,omitempty"` // one byte per sample, low 4 bits = 4 probes
}

func (w *Waveform) samples() int {
	if w == nil {
		return 0
	}
	n := len(w.Analog1)
	if len(w.Analog2) > n {
		n = len(w.Analog2)
	}
	if len(w.Digital) > n {
		n = len(w.Digital)
	}
	return n
}

// EventData is the canonical per-event record produced by every decoder.
type EventData struct {
	TimestampNs  float64   `msgpack:"timestamp_ns" json:"timestamp_ns"`
	Module       uint8     `msgpack:"module" json:"module"`
	Channel      uint8     `msgpack:"channel" json:"channel"`
	Energy       uint16    `msgpack:"energy" json:"energy"`
	EnergyShort  uint16    `msgpack:"energy_short" json:"energy_short"`
	Flags        uint64    `msgpack:"flags" json:"flags"`
	Waveform     *Waveform `msgpack:"waveform,omitempty" json:"waveform,omitempty"`
	AnalogType1  uint8     `msgpack:"analog_type1" json:"analog_type1"`
	AnalogType2  uint8     `msgpack:"analog_type2" json:"analog_type2"`
	TimeResolution uint8   `msgpack:"time_resolution" json:"time_resolution"`
	DownSample   uint8     `msgpack:"down_sample" json:"down_sample"`
	AMax         uint16    `msgpack:"a_max" json:"a_max"`
}

// TimeStampTree is the floor()'d integer nanosecond timestamp some legacy
// downstream consumers (ROOT TTree branches, per spec §9 design notes)
// expect alongside the full-precision float branch.
func (e EventData) TimeStampTree() int64 { return int64(math.Floor(e.TimestampNs)) }

// FineTS is the full-precision float64 branch kept alongside TimeStampTree.
func (e EventData) FineTS() float64 { return e.TimestampNs }

// Checksum is a XOR of the scalar fields, used only by property tests as an
// end-to-end fidelity check embedded in a test-owned copy of Flags. It is
// never produced by a decoder and is not part of the wire format.
func (e EventData) Checksum() uint64 {
	bits := math.Float64bits(e.TimestampNs)
	return bits ^ uint64(e.Module) ^ uint64(e.Channel)<<8 ^ uint64(e.Energy)<<16 ^
		uint64(e.EnergyShort)<<32 ^ e.Flags
}

// MinimalEventData is the 22-byte packed variant without waveform data,
// kept wire-compatible with the legacy C++ implementation's packed struct:
// module(1) channel(1) energy(2) energy_short(2) flags(8) timestamp_ns(8).
type MinimalEventData struct {
	Module      uint8
	Channel     uint8
	Energy      uint16
	EnergyShort uint16
	Flags       uint64
	TimestampNs float64
}

// MinimalEventDataSize is the fixed packed wire size in bytes.
const MinimalEventDataSize = 1 + 1 + 2 + 2 + 8 + 8

func ToMinimal(e EventData) MinimalEventData {
	return MinimalEventData{
		Module: e.Module, Channel: e.Channel, Energy: e.Energy,
		EnergyShort: e.EnergyShort, Flags: e.Flags, TimestampNs: e.TimestampNs,
	}
}

// EventDataBatch is the transport unit across the pipeline: an ordered
// sequence of events from a single source, tagged with a monotonic
// per-source sequence number.
type EventDataBatch struct {
	SourceID       uint32      `msgpack:"source_id" json:"source_id"`
	SequenceNumber uint64      `msgpack:"sequence_number" json:"sequence_number"`
	Events         []EventData `msgpack:"events" json:"events"`
}

var (
	// ErrSequenceGap is an Invariant-class error (spec §7): sequence did not
	// advance by exactly 1 and the gap was not large enough (>100) to be
	// interpreted as an upstream restart.
	ErrSequenceGap = errors.New("eventdata: sequence number gap that is not a restart")
	// ErrUnsortedBatch is an Invariant-class error: events within a batch
	// were not sorted non-decreasingly by timestamp_ns.
	ErrUnsortedBatch = errors.New("eventdata: batch events not sorted by timestamp_ns")
)

// RestartGapThreshold is the sequence-number jump beyond which a drop is
// interpreted as an upstream process restart rather than a lost batch.
const RestartGapThreshold = 100

// SourceCursor tracks per-source sequence-number continuity.
type SourceCursor struct {
	LastSequence uint64
	Seen         bool
}

// Advance validates b.SequenceNumber against the cursor's last-seen value
// per invariant 1, returning whether the advance represents a detected
// upstream restart. On success (err == nil) the cursor is updated.
func (c *SourceCursor) Advance(b *EventDataBatch) (restart bool, err error) {
	if !c.Seen {
		c.Seen = true
		c.LastSequence = b.SequenceNumber
		return false, nil
	}
	expected := c.LastSequence + 1
	if b.SequenceNumber == expected {
		c.LastSequence = b.SequenceNumber
		return false, nil
	}
	diff := int64(b.SequenceNumber) - int64(c.LastSequence)
	if diff < 0 {
		diff = -diff
	}
	if diff > RestartGapThreshold {
		c.LastSequence = b.SequenceNumber
		return true, nil
	}
	return false, fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, expected, b.SequenceNumber)
}

// ValidateSorted implements invariant 2: events within a batch must be
// sorted non-decreasingly by TimestampNs.
func (b *EventDataBatch) ValidateSorted() error {
	for i := 1; i < len(b.Events); i++ {
		if b.Events[i].TimestampNs < b.Events[i-1].TimestampNs {
			return fmt.Errorf("%w: index %d (%.3f) precedes index %d (%.3f)",
				ErrUnsortedBatch, i, b.Events[i].TimestampNs, i-1, b.Events[i-1].TimestampNs)
		}
	}
	return nil
}
