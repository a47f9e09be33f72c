package messenger

import (
	"context"
	"testing"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "taskgraph.default.run-task", RunTaskTopic("default"))
	assert.Equal(t, "taskgraph.edge.task-finished", TaskFinishedTopic("edge"))
	assert.Equal(t, "taskgraph.default.run-graph", RunGraphTopic("default"))
}

func TestGoChannelMessenger_TaskFinishedRoundTrip(t *testing.T) {
	m := NewGoChannelMessenger(false)
	defer m.Close()
	ctx := context.Background()

	received := make(chan TaskFinishedEvent, 1)
	sub, err := m.SubscribeTaskFinished(ctx, "default", func(ev TaskFinishedEvent) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, m.PublishTaskFinished(ctx, TaskFinishedEvent{
		TaskID:           "t1",
		GraphID:          "g1",
		Domain:           "default",
		State:            types.StateFailed,
		Context:          map[string]interface{}{"k": "v"},
		TerminalOnStates: []types.State{types.StateFailed},
	}))

	select {
	case ev := <-received:
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, types.StateFailed, ev.State)
		assert.Equal(t, "v", ev.Context["k"])
		assert.Equal(t, []types.State{types.StateFailed}, ev.TerminalOnStates)
	case <-time.After(2 * time.Second):
		t.Fatal("task finished event not delivered")
	}
}

func TestGoChannelMessenger_DomainIsolation(t *testing.T) {
	m := NewGoChannelMessenger(false)
	defer m.Close()
	ctx := context.Background()

	received := make(chan RunTaskEvent, 2)
	sub, err := m.SubscribeRunTask(ctx, "a", func(ev RunTaskEvent) { received <- ev })
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, m.PublishRunTask(ctx, RunTaskEvent{TaskID: "other", GraphID: "g", Domain: "b"}))
	require.NoError(t, m.PublishRunTask(ctx, RunTaskEvent{TaskID: "mine", GraphID: "g", Domain: "a"}))

	select {
	case ev := <-received:
		assert.Equal(t, "mine", ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("run task event not delivered")
	}
}

func TestSubscriptionDispose(t *testing.T) {
	m := NewGoChannelMessenger(false)
	defer m.Close()
	ctx := context.Background()

	received := make(chan CancelTaskEvent, 4)
	sub, err := m.SubscribeCancel(ctx, func(ev CancelTaskEvent) { received <- ev })
	require.NoError(t, err)
	assert.Equal(t, CancelTaskTopic, sub.Topic())

	sub.Dispose()
	sub.Dispose()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}

	require.NoError(t, m.PublishCancelTask(ctx, CancelTaskEvent{TaskID: "t1"}))
	select {
	case <-received:
		t.Fatal("disposed subscription must not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}
