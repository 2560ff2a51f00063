package decode

import (
	"encoding/binary"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// TimeStep is the digitizer-specific nanosecond duration of one acquisition
// tick, used in the PSD1 timestamp assembly formula (spec §4.2). DT5730
// boards run at 2ns/tick.
type TimeStep float64

const TimeStepDT5730 TimeStep = 2.0

// ExtraOption selects how a PSD1 dual-channel block's optional "extras"
// word is interpreted. Only option 2 (extended time + flags + fine time) is
// implemented, matching spec §4.2's worked example; option 0 means no
// extras word is present and fine_time is always 0.
type ExtraOption uint8

const (
	ExtraOptionNone ExtraOption = 0
	ExtraOptionTwo  ExtraOption = 2
)

// Psd1Decoder decodes the 32-bit little-endian hierarchical aggregate
// format (Board Aggregate -> Dual Channel Block -> Event), spec §4.2
// "PSD1". A single Decode call consumes one complete board aggregate and
// may emit events from several dual-channel blocks.
type Psd1Decoder struct {
	TimeStep    TimeStep
	ExtraOption ExtraOption
}

func NewPsd1Decoder(step TimeStep, opt ExtraOption) Psd1Decoder {
	if step <= 0 {
		step = TimeStepDT5730
	}
	return Psd1Decoder{TimeStep: step, ExtraOption: opt}
}

const psd1WordSize = 4

// Board header bit layout (word indices into the 32-bit LE word stream).
const (
	boardHdrTypeNibbleShift = 28
	boardHdrSizeMask        = 0x0FFFFFFF

	boardHdrControlBit  = 1 << 8  // word1: this aggregate is a control marker, not data
	boardHdrStopBit     = 1 << 9  // word1: when control bit set, 0=Start 1=Stop
	boardHdrMaskMask     = 0xFF
	boardHdrFailBit     = 1 << 26
	boardHdrIDShift     = 27
	boardHdrAggCountMask = 0x7FFFFF
)

// Dual channel header word1 bit layout.
const (
	dualHdrSamples8Mask = 0xFFFF
	dualHdrDTBit        = 1 << 24 // waveform samples present
	dualHdrEQBit        = 1 << 25 // charge word present (always parsed regardless)
	dualHdrETBit        = 1 << 26 // extras word present
	dualHdrEEBit        = 1 << 27 // reserved for extended-energy variants
	dualHdrESBit        = 1 << 28 // reserved for extra-samples variants
	dualHdrSizeMask     = 0x3FFFFF
)

func (d Psd1Decoder) Decode(sourceID uint32, moduleID uint8, raw []byte) (Classification, []eventdata.EventData, error) {
	if len(raw) < 4*psd1WordSize {
		return ClassUnknown, nil, corruptf("psd1: aggregate shorter than board header: %d bytes", len(raw))
	}
	words := make([]uint32, len(raw)/psd1WordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*psd1WordSize : i*psd1WordSize+4])
	}

	word0 := words[0]
	typeNibble := word0 >> boardHdrTypeNibbleShift
	if typeNibble != 0xA {
		return ClassUnknown, nil, corruptf("psd1: board header type nibble 0x%X != 0xA", typeNibble)
	}
	aggregateSize := int(word0 & boardHdrSizeMask)
	if aggregateSize < 4 || aggregateSize > len(words) {
		return ClassUnknown, nil, corruptf("psd1: aggregate size %d out of range (have %d words)", aggregateSize, len(words))
	}

	word1 := words[1]
	if word1&boardHdrControlBit != 0 {
		if word1&boardHdrStopBit != 0 {
			return ClassStop, nil, nil
		}
		return ClassStart, nil, nil
	}
	dualChannelMask := word1 & boardHdrMaskMask
	_ = word1 & boardHdrFailBit // board_fail: surfaced via Reader telemetry, not the event stream
	_ = word1 >> boardHdrIDShift
	_ = words[2] & boardHdrAggCountMask // aggregate_counter
	boardTimeTag := words[3]
	_ = boardTimeTag

	var events []eventdata.EventData
	pos := 4
	for pair := 0; pair < 8 && pos < aggregateSize; pair++ {
		if dualChannelMask&(1<<uint(pair)) == 0 {
			continue
		}
		if pos+2 > len(words) {
			return ClassUnknown, nil, corruptf("psd1: truncated dual channel header at word %d", pos)
		}
		dualWord0 := words[pos]
		dualWord1 := words[pos+1]
		blockSize := int(dualWord0 & dualHdrSizeMask)
		if blockSize < 2 || pos+blockSize > len(words) || pos+blockSize > aggregateSize {
			return ClassUnknown, nil, corruptf("psd1: dual channel block size %d invalid at word %d", blockSize, pos)
		}
		blockEnd := pos + blockSize
		samples := int(dualWord1&dualHdrSamples8Mask) * 8
		hasWaveform := dualWord1&dualHdrDTBit != 0
		hasExtras := dualWord1&dualHdrETBit != 0

		cursor := pos + 2
		for cursor < blockEnd {
			if cursor >= len(words) {
				return ClassUnknown, nil, corruptf("psd1: truncated event at word %d", cursor)
			}
			triggerWord := words[cursor]
			cursor++
			oddChannel := (triggerWord>>31)&1 == 1
			triggerTimeTag := triggerWord & 0x7FFFFFFF
			channel := uint8(pair*2)
			if oddChannel {
				channel++
			}

			var extendedTime uint64
			var fineTime uint64
			var extraFlags uint64
			if hasExtras {
				if cursor >= len(words) {
					return ClassUnknown, nil, corruptf("psd1: missing extras word at event word %d", cursor)
				}
				extrasWord := words[cursor]
				cursor++
				if d.ExtraOption == ExtraOptionTwo {
					extendedTime = uint64(extrasWord>>16) & 0xFFFF
					extraFlags = uint64(extrasWord>>10) & 0x3F
					fineTime = uint64(extrasWord) & 0x3FF
				}
			}

			if cursor >= len(words) {
				return ClassUnknown, nil, corruptf("psd1: missing charge word at event word %d", cursor)
			}
			chargeWord := words[cursor]
			cursor++
			chargeShort := uint16(chargeWord & 0x7FFF)
			pileup := (chargeWord>>15)&1 == 1
			chargeLong := uint16((chargeWord >> 16) & 0xFFFF)

			var wf *eventdata.Waveform
			if hasWaveform && samples > 0 {
				wordsNeeded := (samples + 1) / 2
				if cursor+wordsNeeded > len(words) || cursor+wordsNeeded > blockEnd {
					return ClassUnknown, nil, corruptf("psd1: truncated waveform at word %d", cursor)
				}
				// Each 32-bit word packs two consecutive analog samples
				// (14 bits each) and two digital-probe bits per sample.
				wf = &eventdata.Waveform{
					Analog1: make([]uint16, samples),
					Digital: make([]uint8, samples),
				}
				for s := 0; s < wordsNeeded; s++ {
					w := words[cursor+s]
					i0 := s * 2
					wf.Analog1[i0] = uint16(w & 0x3FFF)
					wf.Digital[i0] = uint8((w >> 14) & 0x3)
					if i0+1 < samples {
						wf.Analog1[i0+1] = uint16((w >> 16) & 0x3FFF)
						wf.Digital[i0+1] = uint8((w >> 30) & 0x3)
					}
				}
				cursor += wordsNeeded
			}

			var flags uint64
			if pileup {
				flags |= eventdata.FlagPileup
			}
			flags |= extraFlags << 8 // preserve extras-word status bits verbatim, shifted clear of the canonical low bits

			timestampNs := float64((extendedTime<<31)|uint64(triggerTimeTag))*float64(d.TimeStep) +
				float64(fineTime)*float64(d.TimeStep)/1024.0

			events = append(events, eventdata.EventData{
				TimestampNs: timestampNs,
				Module:      moduleID,
				Channel:     channel,
				Energy:      chargeLong,
				EnergyShort: chargeShort,
				Flags:       flags,
				Waveform:    wf,
			})
		}
		pos = blockEnd
	}

	sortByTimestamp(events)
	return ClassEvent, events, nil
}
