package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzapply/rzapply/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	_, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("task.completed", "test", map[string]interface{}{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), "task.completed", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "t1", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	b := newTestBus(t)
	var single, tail int32

	_, err := b.Subscribe("task.log.*", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&single, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("task.>", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&tail, 1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "task.log.t1", NewEvent("task.log", "test", nil)))
	require.NoError(t, b.Publish(ctx, "task.enqueued", NewEvent("task.enqueued", "test", nil)))
	require.NoError(t, b.Publish(ctx, "agent.offline", NewEvent("agent.offline", "test", nil)))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&single) == 1 && atomic.LoadInt32(&tail) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	var count int32

	sub, err := b.Subscribe("agent.offline", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agent.offline", NewEvent("agent.offline", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewEvent_LiftsIdentifiers(t *testing.T) {
	e := NewEvent("task.assigned", "test", map[string]interface{}{
		"task_id":   "t1",
		"client_id": "c1",
		"pending":   3,
	})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, "c1", e.ClientID)
	assert.Equal(t, "t1", e.String("task_id"))
	assert.Empty(t, e.String("pending"))

	bare := NewEvent("agent.offline", "test", nil)
	assert.Empty(t, bare.TaskID)
	assert.Empty(t, bare.String("client_id"))
}

func TestMatchTokens(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"task.completed", "task.completed", true},
		{"task.completed", "task.assigned", false},
		{"task.log.*", "task.log.t1", true},
		{"task.log.*", "task.log", false},
		{"task.log.*", "task.log.t1.extra", false},
		{"task.>", "task.log.t1", true},
		{"task.>", "task", false},
		{"*.offline", "agent.offline", true},
		{">", "agent.registered", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			got := matchTokens(strings.Split(tt.pattern, "."), strings.Split(tt.subject, "."))
			assert.Equal(t, tt.want, got)
		})
	}
}
