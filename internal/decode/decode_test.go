package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- PSD2 test helpers -----------------------------------------------------

func buildPsd2Event(t *testing.T, recordType uint8, channel uint8, flags uint16, rawTimestamp uint64, energy, energyShort, aMax uint16, waveformSamples int) []byte {
	t.Helper()
	header := uint64(recordType)<<56 | uint64(channel)<<48 | uint64(flags)<<32 | uint64(waveformSamples)<<16
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, header)

	if recordType != psd2RecordEvent {
		return buf
	}

	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, rawTimestamp)

	word2 := uint64(energy)<<48 | uint64(energyShort)<<32 | uint64(aMax)<<16
	w2Buf := make([]byte, 8)
	binary.BigEndian.PutUint64(w2Buf, word2)

	out := append(buf, tsBuf...)
	out = append(out, w2Buf...)
	for i := 0; i < waveformSamples; i++ {
		w := uint64(100+i)<<48 | uint64(200+i)<<32 | uint64(0b1010)<<28
		wb := make([]byte, 8)
		binary.BigEndian.PutUint64(wb, w)
		out = append(out, wb...)
	}
	return out
}

func TestPsd2DecodeEvent(t *testing.T) {
	raw := buildPsd2Event(t, psd2RecordEvent, 5, 0x0021, 1024*500, 4000, 100, 900, 0)
	class, events, err := Psd2Decoder{}.Decode(1, 9, raw)
	require.NoError(t, err)
	assert.Equal(t, ClassEvent, class)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, uint8(9), e.Module)
	assert.Equal(t, uint8(5), e.Channel)
	assert.Equal(t, uint16(4000), e.Energy)
	assert.Equal(t, uint16(100), e.EnergyShort)
	assert.Equal(t, uint64(0x0021), e.Flags)
	assert.InDelta(t, 500.0, e.TimestampNs, 1e-9)
	assert.Nil(t, e.Waveform)
}

func TestPsd2DecodeEventWithWaveform(t *testing.T) {
	raw := buildPsd2Event(t, psd2RecordEvent, 2, 0, 2048, 1, 1, 1, 4)
	class, events, err := Psd2Decoder{}.Decode(1, 0, raw)
	require.NoError(t, err)
	assert.Equal(t, ClassEvent, class)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Waveform)
	assert.Len(t, events[0].Waveform.Analog1, 4)
	assert.Equal(t, uint16(100), events[0].Waveform.Analog1[0])
	assert.Equal(t, uint16(200), events[0].Waveform.Analog2[0])
	assert.Equal(t, uint8(0b1010), events[0].Waveform.Digital[0])
}

func TestPsd2DecodeStartStop(t *testing.T) {
	class, events, err := Psd2Decoder{}.Decode(1, 0, buildPsd2Event(t, psd2RecordStart, 0, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, ClassStart, class)
	assert.Nil(t, events)

	class, _, err = Psd2Decoder{}.Decode(1, 0, buildPsd2Event(t, psd2RecordStop, 0, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, ClassStop, class)
}

func TestPsd2DecodeUnknownRecordType(t *testing.T) {
	class, _, err := Psd2Decoder{}.Decode(1, 0, buildPsd2Event(t, 0x7, 0, 0, 0, 0, 0, 0, 0))
	assert.Equal(t, ClassUnknown, class)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPsd2DecodeTruncated(t *testing.T) {
	_, _, err := Psd2Decoder{}.Decode(1, 0, []byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)
}

// --- PSD1 test helpers -----------------------------------------------------

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

type psd1Event struct {
	oddChannel            bool
	triggerTimeTag         uint32
	extendedTime, fineTime uint32
	chargeShort, chargeLong uint16
	pileup                 bool
}

func buildPsd1Aggregate(t *testing.T, boardID uint8, pairMask uint8, extraOpt ExtraOption, perPair map[int][]psd1Event, withWaveform bool, samples8 uint16) []byte {
	t.Helper()
	var body [][]byte // dual channel blocks, built after header

	for pair := 0; pair < 8; pair++ {
		if pairMask&(1<<uint(pair)) == 0 {
			continue
		}
		evs := perPair[pair]
		var blockWords [][]byte
		for _, ev := range evs {
			trig := ev.triggerTimeTag & 0x7FFFFFFF
			if ev.oddChannel {
				trig |= 1 << 31
			}
			blockWords = append(blockWords, le32(trig))
			if extraOpt == ExtraOptionTwo {
				extras := (ev.extendedTime&0xFFFF)<<16 | (ev.fineTime & 0x3FF)
				blockWords = append(blockWords, le32(extras))
			}
			charge := uint32(ev.chargeShort&0x7FFF) | uint32(ev.chargeLong)<<16
			if ev.pileup {
				charge |= 1 << 15
			}
			blockWords = append(blockWords, le32(charge))
			if withWaveform {
				n := int(samples8) * 8
				for s := 0; s < (n+1)/2; s++ {
					w := uint32(1000+s) & 0x3FFF
					if s*2+1 < n {
						w |= (uint32(2000+s) & 0x3FFF) << 16
					}
					blockWords = append(blockWords, le32(w))
				}
			}
		}
		dualHdr1Flags := uint32(0)
		if extraOpt != ExtraOptionNone {
			dualHdr1Flags |= dualHdrETBit
		}
		if withWaveform {
			dualHdr1Flags |= dualHdrDTBit
		}
		dualWord1 := uint32(samples8) | dualHdr1Flags
		blockSize := 2 + len(blockWords)
		dualWord0 := uint32(blockSize) & dualHdrSizeMask
		block := append(le32(dualWord0), le32(dualWord1)...)
		for _, w := range blockWords {
			block = append(block, w...)
		}
		body = append(body, block)
	}

	totalBodyWords := 0
	var flatBody []byte
	for _, b := range body {
		flatBody = append(flatBody, b...)
		totalBodyWords += len(b) / 4
	}
	aggregateSize := uint32(4 + totalBodyWords)
	word0 := (uint32(0xA) << boardHdrTypeNibbleShift) | (aggregateSize & boardHdrSizeMask)
	word1 := uint32(pairMask) | uint32(boardID)<<boardHdrIDShift
	word2 := uint32(1) // aggregate_counter
	word3 := uint32(99999)

	out := append([]byte{}, le32(word0)...)
	out = append(out, le32(word1)...)
	out = append(out, le32(word2)...)
	out = append(out, le32(word3)...)
	out = append(out, flatBody...)
	return out
}

func TestPsd1DecodeSimpleEvent(t *testing.T) {
	events := map[int][]psd1Event{
		0: {{oddChannel: false, triggerTimeTag: 1000, chargeShort: 50, chargeLong: 4000}},
	}
	raw := buildPsd1Aggregate(t, 3, 0x01, ExtraOptionNone, events, false, 0)
	d := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone)
	class, got, err := d.Decode(1, 3, raw)
	require.NoError(t, err)
	assert.Equal(t, ClassEvent, class)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(0), got[0].Channel)
	assert.Equal(t, uint16(4000), got[0].Energy)
	assert.Equal(t, uint16(50), got[0].EnergyShort)
	assert.InDelta(t, 1000*2.0, got[0].TimestampNs, 1e-9)
}

func TestPsd1DecodeOddChannelAndPileup(t *testing.T) {
	events := map[int][]psd1Event{
		2: {{oddChannel: true, triggerTimeTag: 10, chargeShort: 1, chargeLong: 2, pileup: true}},
	}
	raw := buildPsd1Aggregate(t, 0, 0x04, ExtraOptionNone, events, false, 0)
	d := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone)
	_, got, err := d.Decode(1, 0, raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(5), got[0].Channel) // pair 2 odd => 2*2+1
	assert.NotZero(t, got[0].Flags&0x01)
}

func TestPsd1DecodeExtraOptionTwoTimestamp(t *testing.T) {
	events := map[int][]psd1Event{
		0: {{oddChannel: false, triggerTimeTag: 100, extendedTime: 1, fineTime: 512, chargeShort: 1, chargeLong: 1}},
	}
	raw := buildPsd1Aggregate(t, 0, 0x01, ExtraOptionTwo, events, false, 0)
	d := NewPsd1Decoder(TimeStepDT5730, ExtraOptionTwo)
	_, got, err := d.Decode(1, 0, raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	wantTicks := (uint64(1)<<31 | uint64(100))
	want := float64(wantTicks)*2.0 + float64(512)*2.0/1024.0
	assert.InDelta(t, want, got[0].TimestampNs, 1e-6)
}

func TestPsd1DecodeWaveform(t *testing.T) {
	events := map[int][]psd1Event{
		0: {{oddChannel: false, triggerTimeTag: 5, chargeShort: 1, chargeLong: 1}},
	}
	raw := buildPsd1Aggregate(t, 0, 0x01, ExtraOptionNone, events, true, 1) // 8 samples
	d := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone)
	_, got, err := d.Decode(1, 0, raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Waveform)
	assert.Len(t, got[0].Waveform.Analog1, 8)
}

func TestPsd1DecodeMultiplePairsSortedByTimestamp(t *testing.T) {
	events := map[int][]psd1Event{
		0: {{oddChannel: false, triggerTimeTag: 300, chargeShort: 1, chargeLong: 1}},
		1: {{oddChannel: false, triggerTimeTag: 10, chargeShort: 1, chargeLong: 1}},
	}
	raw := buildPsd1Aggregate(t, 0, 0x03, ExtraOptionNone, events, false, 0)
	d := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone)
	_, got, err := d.Decode(1, 0, raw)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.LessOrEqual(t, got[0].TimestampNs, got[1].TimestampNs)
}

func TestPsd1DecodeBadTypeNibble(t *testing.T) {
	raw := buildPsd1Aggregate(t, 0, 0x01, ExtraOptionNone, map[int][]psd1Event{0: {{triggerTimeTag: 1, chargeLong: 1}}}, false, 0)
	raw[3] = 0x5F // corrupt top nibble of word0 (little endian: byte 3 holds bits 24-31)
	_, _, err := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone).Decode(1, 0, raw)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPsd1DecodeStartStopControlMarker(t *testing.T) {
	word0 := (uint32(0xA) << boardHdrTypeNibbleShift) | 4
	word1 := uint32(boardHdrControlBit)
	raw := append([]byte{}, le32(word0)...)
	raw = append(raw, le32(word1)...)
	raw = append(raw, le32(0)...)
	raw = append(raw, le32(0)...)
	class, events, err := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone).Decode(1, 0, raw)
	require.NoError(t, err)
	assert.Equal(t, ClassStart, class)
	assert.Nil(t, events)
}

func TestPsd1DecodeTruncatedAggregate(t *testing.T) {
	_, _, err := NewPsd1Decoder(TimeStepDT5730, ExtraOptionNone).Decode(1, 0, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}
