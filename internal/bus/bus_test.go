package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

func TestTopicPublishSubscribe(t *testing.T) {
	topic := NewTopic[int](metrics.NewNoopProvider(), "test")
	sub := topic.Subscribe(10)
	defer sub.Close()

	topic.Publish(42)
	select {
	case got := <-sub.C():
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestTopicDropsOnFullSubscriberBuffer(t *testing.T) {
	topic := NewTopic[int](metrics.NewNoopProvider(), "test")
	sub := topic.Subscribe(1)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}
	stats := topic.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Greater(t, stats.Dropped, uint64(0))
}

func TestTopicMultipleSubscribersIndependent(t *testing.T) {
	topic := NewTopic[string](metrics.NewNoopProvider(), "test")
	s1 := topic.Subscribe(4)
	s2 := topic.Subscribe(1) // deliberately small, will drop

	topic.Publish("a")
	topic.Publish("b")
	topic.Publish("c")

	require.Len(t, s1.C(), 3)
	assert.LessOrEqual(t, len(s2.C()), 1)
	s1.Close()
	s2.Close()
}

func TestTopicUnsubscribeClosesChannel(t *testing.T) {
	topic := NewTopic[int](metrics.NewNoopProvider(), "test")
	sub := topic.Subscribe(2)
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestLatestValueGetAndWait(t *testing.T) {
	lv := NewLatestValue[string]()
	_, ok := lv.Get()
	assert.False(t, ok)

	lv.Set("running")
	v, ok := lv.Get()
	require.True(t, ok)
	assert.Equal(t, "running", v)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := lv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", got)
}

func TestLatestValueWaitBlocksUntilSet(t *testing.T) {
	lv := NewLatestValue[int]()
	done := make(chan int, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, _ := lv.Wait(ctx)
		done <- v
	}()
	time.Sleep(20 * time.Millisecond)
	lv.Set(7)
	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}

func TestLatestValueWaitRespectsContextCancellation(t *testing.T) {
	lv := NewLatestValue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := lv.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpointRequestReply(t *testing.T) {
	ep := NewEndpoint[string, string](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx, func(_ context.Context, cmd string) string {
		return "echo:" + cmd
	})

	rep, err := ep.Request(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", rep)
}

func TestEndpointSerializesRequests(t *testing.T) {
	ep := NewEndpoint[int, int](8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var order []int
	done := make(chan struct{})
	go ep.Serve(ctx, func(_ context.Context, cmd int) int {
		order = append(order, cmd)
		if len(order) == 3 {
			close(done)
		}
		return cmd
	})

	for i := 0; i < 3; i++ {
		_, err := ep.Request(context.Background(), i)
		require.NoError(t, err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not process all requests")
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEndpointCloseUnblocksRequest(t *testing.T) {
	ep := NewEndpoint[int, int](0)
	// No Serve running: Request should block until Close.
	errCh := make(chan error, 1)
	go func() {
		_, err := ep.Request(context.Background(), 1)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ep.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrEndpointClosed)
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock after Close")
	}
}
