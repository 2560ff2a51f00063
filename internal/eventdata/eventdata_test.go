package eventdata

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() EventData {
	return EventData{
		TimestampNs: 123456789.5,
		Module:      3,
		Channel:     17,
		Energy:      65535,
		EnergyShort: 4096,
		Flags:       FlagPileup | FlagOverRange,
		AnalogType1: 1,
		DownSample:  2,
		AMax:        900,
		Waveform: &Waveform{
			Analog1: []uint16{10, 20, 30},
			Analog2: []uint16{11, 21, 31},
			Digital: []uint8{0x3, 0x1, 0x0},
		},
	}
}

func TestMessageRoundtripData(t *testing.T) {
	batch := EventDataBatch{SourceID: 7, SequenceNumber: 42, Events: []EventData{sampleEvent()}}
	msg := DataMessage(batch)

	raw, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindData, decoded.Kind)
	require.NotNil(t, decoded.Batch)
	assert.Equal(t, batch.SourceID, decoded.Batch.SourceID)
	assert.Equal(t, batch.SequenceNumber, decoded.Batch.SequenceNumber)
	require.Len(t, decoded.Batch.Events, 1)

	got := decoded.Batch.Events[0]
	want := batch.Events[0]
	assert.Equal(t, want.Flags, got.Flags)
	assert.True(t, math.Float64bits(want.TimestampNs) == math.Float64bits(got.TimestampNs),
		"timestamp_ns must roundtrip bit-for-bit")
	assert.Equal(t, want.Energy, got.Energy)
	assert.Equal(t, want.EnergyShort, got.EnergyShort)
	require.NotNil(t, got.Waveform)
	assert.Equal(t, want.Waveform.Analog1, got.Waveform.Analog1)
	assert.Equal(t, want.Waveform.Analog2, got.Waveform.Analog2)
	assert.Equal(t, want.Waveform.Digital, got.Waveform.Digital)
}

func TestMessageRoundtripEOSAndHeartbeat(t *testing.T) {
	raw, err := EncodeMessage(EOSMessage(9))
	require.NoError(t, err)
	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindEndOfStream, decoded.Kind)
	assert.Equal(t, uint32(9), decoded.EOS.SourceID)

	hb := Heartbeat{SourceID: 9, TimestampNs: 555, Counter: 3}
	raw, err = EncodeMessage(HeartbeatMessage(hb))
	require.NoError(t, err)
	decoded, err = DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindHeartbeat, decoded.Kind)
	assert.Equal(t, hb, *decoded.Beat)
}

func TestDecodeMessageRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeMessage([]byte{0x80}) // empty msgpack map, kind defaults to 0
	assert.Error(t, err)
}

func TestMinimalCodecRoundtrip(t *testing.T) {
	m := MinimalEventData{Module: 200, Channel: 55, Energy: 65535, EnergyShort: 0, Flags: FlagNLost, TimestampNs: 9007199254740992.0}
	buf := EncodeMinimal(m)
	assert.Len(t, buf, MinimalEventDataSize)
	got, err := DecodeMinimal(buf[:])
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeMinimalTruncated(t *testing.T) {
	_, err := DecodeMinimal(make([]byte, 5))
	assert.Error(t, err)
}

func TestSourceCursorAdvance(t *testing.T) {
	var c SourceCursor
	b := &EventDataBatch{SequenceNumber: 1}
	restart, err := c.Advance(b)
	require.NoError(t, err)
	assert.False(t, restart)

	b.SequenceNumber = 2
	restart, err = c.Advance(b)
	require.NoError(t, err)
	assert.False(t, restart)

	b.SequenceNumber = 5 // gap of 3, not a restart, not contiguous
	_, err = c.Advance(b)
	assert.ErrorIs(t, err, ErrSequenceGap)

	b.SequenceNumber = 200 // gap > 100 => restart
	restart, err = c.Advance(b)
	require.NoError(t, err)
	assert.True(t, restart)
}

func TestValidateSorted(t *testing.T) {
	b := &EventDataBatch{Events: []EventData{{TimestampNs: 1}, {TimestampNs: 2}, {TimestampNs: 2}}}
	assert.NoError(t, b.ValidateSorted())

	b.Events[2].TimestampNs = 0.5
	assert.ErrorIs(t, b.ValidateSorted(), ErrUnsortedBatch)
}

func TestTimeStampTreeAndFineTS(t *testing.T) {
	e := EventData{TimestampNs: 42.75}
	assert.Equal(t, int64(42), e.TimeStampTree())
	assert.Equal(t, 42.75, e.FineTS())
}
