package recorder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/eventdata"
)

func startRecorder(t *testing.T, upstreamID uint32) (*Recorder, *busp.Topic[eventdata.Message]) {
	t.Helper()
	dir := t.TempDir()
	input := busp.NewTopic[eventdata.Message](nil, "merged")
	status := busp.NewLatestValue[component.Status]()
	r := New("recorder-0", upstreamID, input, dir, status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	resp, err := r.Endpoint().Request(reqCtx, Request{Cmd: component.CmdConfigure, Run: &config.RunConfig{RunNumber: 11, ExpName: "NP1306"}})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = r.Endpoint().Request(reqCtx, Request{Cmd: component.CmdArm})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = r.Endpoint().Request(reqCtx, Request{Cmd: component.CmdStart})
	require.NoError(t, err)
	require.True(t, resp.Success)

	return r, input
}

func TestRecorderWritesFileAndFinalizesOnEOS(t *testing.T) {
	r, input := startRecorder(t, 1000)

	input.Publish(eventdata.DataMessage(eventdata.EventDataBatch{
		SourceID: 1000, SequenceNumber: 1,
		Events: []eventdata.EventData{{TimestampNs: 1}, {TimestampNs: 2}},
	}))
	input.Publish(eventdata.EOSMessage(1000))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if footer, ok := r.LastFooter(); ok {
			assert.EqualValues(t, 2, footer.TotalEvents)
			assert.True(t, footer.IsComplete)
			assert.Equal(t, float64(1), footer.TsMin)
			assert.Equal(t, float64(2), footer.TsMax)

			path := r.FilePath()
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Greater(t, len(data), FileHeaderSize+FooterSize)

			report := RecoverBytes(data)
			require.NotNil(t, report.Header)
			assert.EqualValues(t, 11, report.Header.RunNumber)
			assert.Equal(t, "NP1306", report.Header.ExpName)
			assert.True(t, report.Valid())
			assert.Len(t, report.CorruptBlocks(), 0)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("recorder never finalized its file after EOS")
}

func TestRecorderStopWithoutEOSMarksFileIncomplete(t *testing.T) {
	r, input := startRecorder(t, 1000)
	input.Publish(eventdata.DataMessage(eventdata.EventDataBatch{
		SourceID: 1000, SequenceNumber: 1,
		Events: []eventdata.EventData{{TimestampNs: 1}},
	}))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.Endpoint().Request(ctx, Request{Cmd: component.CmdStop})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	path := r.FilePath()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// A Stop without the upstream EndOfStream still drains and closes the
	// file, but the footer must not claim completeness.
	report := RecoverBytes(data)
	require.True(t, report.FooterValid)
	assert.False(t, report.Footer.IsComplete, "a stop without upstream EOS must not claim completeness")
	assert.False(t, report.Valid())
	assert.EqualValues(t, 1, report.TotalEvents, "the received batch must still be recoverable")
}

func TestRecorderIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	input := busp.NewTopic[eventdata.Message](nil, "merged")
	status := busp.NewLatestValue[component.Status]()
	r := New("recorder-1", 1000, input, t.TempDir(), status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	resp, err := r.Endpoint().Request(reqCtx, Request{Cmd: component.CmdStart})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, component.StateIdle, resp.State)
}
