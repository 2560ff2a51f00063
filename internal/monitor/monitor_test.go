package monitor

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

func startMonitor(t *testing.T) (*Monitor, *busp.Topic[eventdata.Message]) {
	t.Helper()
	input := busp.NewTopic[eventdata.Message](nil, "merged")
	status := busp.NewLatestValue[component.Status]()
	m := New("monitor-0", input, status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	resp, err := m.Endpoint().Request(reqCtx, Request{Cmd: component.CmdConfigure, Run: &config.RunConfig{RunNumber: 9}})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = m.Endpoint().Request(reqCtx, Request{Cmd: component.CmdArm})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = m.Endpoint().Request(reqCtx, Request{Cmd: component.CmdStart})
	require.NoError(t, err)
	require.True(t, resp.Success)

	return m, input
}

func TestMonitorIngestsPublishedBatches(t *testing.T) {
	m, input := startMonitor(t)

	input.Publish(eventdata.DataMessage(eventdata.EventDataBatch{
		SourceID: 1, SequenceNumber: 1,
		Events: []eventdata.EventData{{Module: 0, Channel: 0, Energy: 100}},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := m.Engine().GetHistogram(0, 0); ok && snap.TotalCounts > 0 {
			assert.EqualValues(t, 1, snap.TotalCounts)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("monitor never ingested the published batch")
}

func TestMonitorIgnoresHeartbeatsAndEOS(t *testing.T) {
	m, input := startMonitor(t)

	input.Publish(eventdata.HeartbeatMessage(eventdata.Heartbeat{SourceID: 1}))
	input.Publish(eventdata.EOSMessage(1))
	input.Publish(eventdata.DataMessage(eventdata.EventDataBatch{
		SourceID: 1, SequenceNumber: 1,
		Events: []eventdata.EventData{{Module: 3, Channel: 4, Energy: 200}},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := m.Engine().GetHistogram(3, 4); ok && snap.TotalCounts > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("monitor never ingested the data batch following non-data messages")
}

func TestMonitorIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	input := busp.NewTopic[eventdata.Message](nil, "merged")
	status := busp.NewLatestValue[component.Status]()
	m := New("monitor-1", input, status, nil)

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
