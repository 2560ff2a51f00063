package merger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/eventdata"
)

func startMerger(t *testing.T, nSources int) (*Merger, []*busp.Topic[eventdata.Message]) {
	t.Helper()
	status := busp.NewLatestValue[component.Status]()
	m := New("merger-0", 1000, status, nil)
	topics := make([]*busp.Topic[eventdata.Message], nSources)
	for i := 0; i < nSources; i++ {
		topics[i] = busp.NewTopic[eventdata.Message](nil, "src")
		m.AddSource(uint32(i+1), topics[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	resp, err := m.Endpoint().Request(ctx2, Request{Cmd: component.CmdConfigure, Run: &config.RunConfig{RunNumber: 7}})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = m.Endpoint().Request(ctx2, Request{Cmd: component.CmdArm})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = m.Endpoint().Request(ctx2, Request{Cmd: component.CmdStart})
	require.NoError(t, err)
	require.True(t, resp.Success)

	return m, topics
}

func TestMergerForwardsDataAndTracksSequence(t *testing.T) {
	m, topics := startMerger(t, 1)
	sub := m.Data().Subscribe(16)
	defer sub.Close()

	topics[0].Publish(eventdata.DataMessage(eventdata.EventDataBatch{
		SourceID: 1, SequenceNumber: 1,
		Events: []eventdata.EventData{{TimestampNs: 1}, {TimestampNs: 2}},
	}))

	select {
	case msg := <-sub.C():
		require.Equal(t, eventdata.KindData, msg.Kind)
		assert.Len(t, msg.Batch.Events, 2)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded batch")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats := m.SourceStats()
		if stats[0].TotalBatches == 1 {
			assert.EqualValues(t, 1, stats[0].LastSequence)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("source stats never observed the batch")
}

func TestMergerEOSCascade(t *testing.T) {
	m, topics := startMerger(t, 2)
	sub := m.Data().Subscribe(16)
	defer sub.Close()

	topics[0].Publish(eventdata.EOSMessage(1))
	topics[1].Publish(eventdata.EOSMessage(2))

	seen := map[uint32]bool{}
	var ownEOS bool
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 || !ownEOS {
		select {
		case msg := <-sub.C():
			require.Equal(t, eventdata.KindEndOfStream, msg.Kind)
			if msg.EOS.SourceID == 1000 {
				ownEOS = true
			} else {
				seen[msg.EOS.SourceID] = true
			}
		case <-deadline:
			t.Fatalf("timed out: seen=%v ownEOS=%v", seen, ownEOS)
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestMergerRestartDetection(t *testing.T) {
	m, topics := startMerger(t, 1)
	sub := m.Data().Subscribe(16)
	defer sub.Close()

	topics[0].Publish(eventdata.DataMessage(eventdata.EventDataBatch{SourceID: 1, SequenceNumber: 1, Events: []eventdata.EventData{{TimestampNs: 1}}}))
	<-sub.C()
	topics[0].Publish(eventdata.DataMessage(eventdata.EventDataBatch{SourceID: 1, SequenceNumber: 500, Events: []eventdata.EventData{{TimestampNs: 2}}}))
	<-sub.C()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats := m.SourceStats()
		if stats[0].RestartCount == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("restart never detected")
}

func TestMergerIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	status := busp.NewLatestValue[component.Status]()
	m := New("merger-1", 999, status, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	resp, err := m.Endpoint().Request(reqCtx, Request{Cmd: component.CmdStart})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, component.StateIdle, resp.State)
}
