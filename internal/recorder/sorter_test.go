package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/eventdata"
)

func TestSorterFlushesOnceEveryActiveSourceContributes(t *testing.T) {
	s := NewSorter()
	s.Expect(1)
	s.Expect(2)

	_, ready := s.Offer(1, eventdata.EventDataBatch{SourceID: 1, Events: []eventdata.EventData{{TimestampNs: 5}, {TimestampNs: 10}}})
	assert.False(t, ready)

	batch, ready := s.Offer(2, eventdata.EventDataBatch{SourceID: 2, Events: []eventdata.EventData{{TimestampNs: 3}, {TimestampNs: 20}}})
	require.True(t, ready)
	require.Len(t, batch.Events, 4)
	ts := make([]float64, len(batch.Events))
	for i, ev := range batch.Events {
		ts[i] = ev.TimestampNs
	}
	assert.Equal(t, []float64{3, 5, 10, 20}, ts)
}

func TestSorterEOSUnblocksRemainingSources(t *testing.T) {
	s := NewSorter()
	s.Expect(1)
	s.Expect(2)

	_, ready := s.Offer(1, eventdata.EventDataBatch{SourceID: 1, Events: []eventdata.EventData{{TimestampNs: 1}}})
	assert.False(t, ready, "source 2 hasn't contributed yet")

	batch, ready := s.MarkEOS(2)
	require.True(t, ready, "removing source 2 should unblock source 1's pending batch")
	assert.Len(t, batch.Events, 1)
}

func TestSorterDrainFlushesRemainder(t *testing.T) {
	s := NewSorter()
	s.Expect(1)
	s.Expect(2)
	s.Offer(1, eventdata.EventDataBatch{SourceID: 1, Events: []eventdata.EventData{{TimestampNs: 1}}})

	batch, ready := s.Drain()
	require.True(t, ready)
	assert.Len(t, batch.Events, 1)

	_, ready = s.Drain()
	assert.False(t, ready)
}
