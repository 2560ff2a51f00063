package decode

import (
	"encoding/binary"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// Psd2Decoder decodes the 64-bit big-endian flat event format (spec
// §4.2 "PSD2"). It is stateless: every call is independent of every other.
//
// Record layout (all words 64-bit big-endian):
//
//	word0 (header): record_type(8 @ bits 63-56) | channel(8 @ 55-48) |
//	                 flags(16 @ 47-32) | waveform_samples(16 @ 31-16) |
//	                 time_resolution(8 @ 15-8) | down_sample(8 @ 7-0)
//	word1: raw_timestamp, fixed-point ticks at 1/1024 ns resolution
//	word2: energy(16 @ 63-48) | energy_short(16 @ 47-32) | a_max(16 @ 31-16) |
//	       analog_type1(8 @ 15-8) | analog_type2(8 @ 7-0)
//	word3..: one word per waveform sample when waveform_samples > 0:
//	       analog1(16 @ 63-48) | analog2(16 @ 47-32) | digital(4 @ 31-28)
type Psd2Decoder struct{}

const psd2WordSize = 8

const (
	psd2RecordEvent = 0x02
	psd2RecordStart = 0x01
	psd2RecordStop  = 0x03
)

func (Psd2Decoder) Decode(sourceID uint32, moduleID uint8, raw []byte) (Classification, []eventdata.EventData, error) {
	if len(raw) < psd2WordSize {
		return ClassUnknown, nil, corruptf("psd2: aggregate too short: %d bytes", len(raw))
	}
	header := binary.BigEndian.Uint64(raw[0:8])
	recordType := uint8(header >> 56)

	switch recordType {
	case psd2RecordStart:
		return ClassStart, nil, nil
	case psd2RecordStop:
		return ClassStop, nil, nil
	case psd2RecordEvent:
		// fall through to full event decode below
	default:
		return ClassUnknown, nil, corruptf("psd2: unrecognized record type 0x%02x", recordType)
	}

	if len(raw) < 3*psd2WordSize {
		return ClassUnknown, nil, corruptf("psd2: event record truncated: %d bytes", len(raw))
	}

	channel := uint8(header >> 48)
	flags := (header >> 32) & 0xFFFF
	waveformSamples := int((header >> 16) & 0xFFFF)
	timeResolution := uint8(header >> 8)
	downSample := uint8(header)

	rawTimestamp := binary.BigEndian.Uint64(raw[8:16])
	timestampNs := float64(rawTimestamp) / 1024.0

	word2 := binary.BigEndian.Uint64(raw[16:24])
	energy := uint16(word2 >> 48)
	energyShort := uint16(word2 >> 32)
	aMax := uint16(word2 >> 16)
	analogType1 := uint8(word2 >> 8)
	analogType2 := uint8(word2)

	event := eventdata.EventData{
		TimestampNs:    timestampNs,
		Module:         moduleID,
		Channel:        channel,
		Energy:         energy,
		EnergyShort:    energyShort,
		Flags:          flags,
		AnalogType1:    analogType1,
		AnalogType2:    analogType2,
		TimeResolution: timeResolution,
		DownSample:     downSample,
		AMax:           aMax,
	}

	if waveformSamples > 0 {
		need := 3*psd2WordSize + waveformSamples*psd2WordSize
		if len(raw) < need {
			return ClassUnknown, nil, corruptf("psd2: waveform truncated: need %d bytes, have %d", need, len(raw))
		}
		wf := &eventdata.Waveform{
			Analog1: make([]uint16, waveformSamples),
			Analog2: make([]uint16, waveformSamples),
			Digital: make([]uint8, waveformSamples),
		}
		for i := 0; i < waveformSamples; i++ {
			off := 3*psd2WordSize + i*psd2WordSize
			w := binary.BigEndian.Uint64(raw[off : off+8])
			wf.Analog1[i] = uint16(w >> 48)
			wf.Analog2[i] = uint16(w >> 32)
			wf.Digital[i] = uint8((w >> 28) & 0xF)
		}
		event.Waveform = wf
	}

	events := []eventdata.EventData{event}
	sortByTimestamp(events)
	return ClassEvent, events, nil
}
