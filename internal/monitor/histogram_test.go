package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/eventdata"
)

func TestEngineBinsEventsByModuleChannel(t *testing.T) {
	e := NewEngine(HistogramConfig{NumBins: 10, MinValue: 0, MaxValue: 100})
	e.Ingest(&eventdata.EventDataBatch{Events: []eventdata.EventData{
		{Module: 0, Channel: 1, Energy: 5},
		{Module: 0, Channel: 1, Energy: 15},
		{Module: 0, Channel: 2, Energy: 55},
	}})

	snap, ok := e.GetHistogram(0, 1)
	require.True(t, ok)
	assert.EqualValues(t, 2, snap.TotalCounts)
	assert.EqualValues(t, 1, snap.Bins[0])
	assert.EqualValues(t, 1, snap.Bins[1])

	snap2, ok := e.GetHistogram(0, 2)
	require.True(t, ok)
	assert.EqualValues(t, 1, snap2.TotalCounts)
	assert.EqualValues(t, 1, snap2.Bins[5])

	_, ok = e.GetHistogram(9, 9)
	assert.False(t, ok)
}

func TestEngineTracksUnderflowAndOverflow(t *testing.T) {
	e := NewEngine(HistogramConfig{NumBins: 4, MinValue: 10, MaxValue: 20})
	e.Ingest(&eventdata.EventDataBatch{Events: []eventdata.EventData{
		{Module: 1, Channel: 0, Energy: 1},
		{Module: 1, Channel: 0, Energy: 30},
		{Module: 1, Channel: 0, Energy: 15},
	}})

	snap, ok := e.GetHistogram(1, 0)
	require.True(t, ok)
	assert.EqualValues(t, 1, snap.Underflow)
	assert.EqualValues(t, 1, snap.Overflow)
	assert.EqualValues(t, 3, snap.TotalCounts)
}

func TestEngineListChannelsIsSortedAndDiscoveredLazily(t *testing.T) {
	e := NewEngine(DefaultHistogramConfig())
	assert.Empty(t, e.ListChannels())

	e.Ingest(&eventdata.EventDataBatch{Events: []eventdata.EventData{
		{Module: 2, Channel: 1, Energy: 100},
		{Module: 1, Channel: 3, Energy: 100},
		{Module: 1, Channel: 0, Energy: 100},
	}})

	keys := e.ListChannels()
	require.Len(t, keys, 3)
	assert.Equal(t, ChannelKey{Module: 1, Channel: 0}, keys[0])
	assert.Equal(t, ChannelKey{Module: 1, Channel: 3}, keys[1])
	assert.Equal(t, ChannelKey{Module: 2, Channel: 1}, keys[2])
}

func TestEngineWaveformRingKeepsLatest(t *testing.T) {
	e := NewEngine(DefaultHistogramConfig())
	for i := 0; i < waveformRingSize+3; i++ {
		e.Ingest(&eventdata.EventDataBatch{Events: []eventdata.EventData{
			{Module: 0, Channel: 0, Energy: uint16(i), Waveform: &eventdata.Waveform{}},
		}})
	}

	_, ok := e.GetLatestWaveform(5, 5)
	assert.False(t, ok)

	wf, ok := e.GetLatestWaveform(0, 0)
	require.True(t, ok)
	require.NotNil(t, wf)
}

func TestEngineNoWaveformLeavesRingEmpty(t *testing.T) {
	e := NewEngine(DefaultHistogramConfig())
	e.Ingest(&eventdata.EventDataBatch{Events: []eventdata.EventData{{Module: 0, Channel: 0, Energy: 1}}})

	_, ok := e.GetLatestWaveform(0, 0)
	assert.False(t, ok)
}
