package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseExpirationPoller_ReclaimsStaleLease(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "lease", InjectableName: "Graph.lease",
		Tasks: []definition.TaskEntry{{Label: "a", TaskName: "Task.record"}},
	})
	ref := storage.TaskRef{GraphID: g.InstanceID, TaskID: g.TaskByLabel("a").InstanceID}

	rec, err := c.store.CheckoutTaskForRunner(ctx, "crashed-runner", ref)
	require.NoError(t, err)
	require.NotNil(t, rec)

	poller := NewLeaseExpirationPoller(c.store, LeasePollerOptions{LeaseAdjust: 50 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, poller.opts.Interval, "默认间隔为2倍leaseAdjust")

	count, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "心跳新鲜时不回收")

	time.Sleep(80 * time.Millisecond)
	count, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "每次过期只回收一次")

	ready, err := c.store.FindReadyTasks(ctx, types.DefaultDomain, g.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, []storage.TaskRef{ref}, ready.Tasks, "任务重新可调度")
}

func TestLeaseExpirationPoller_StartStop(t *testing.T) {
	c := newCluster(t)
	poller := NewLeaseExpirationPoller(c.store, LeasePollerOptions{Interval: 10 * time.Millisecond})
	require.NoError(t, poller.Start(context.Background()))
	assert.Error(t, poller.Start(context.Background()))
	poller.Stop()
	poller.Stop()
}

func TestCompletedTaskPoller_FinishesGraphAndDeletesRecords(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "completed", InjectableName: "Graph.completed",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.record"},
			{Label: "b", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": {types.StateSucceeded}}},
		},
	})

	done := make(chan messenger.GraphEvent, 1)
	sub, err := c.messenger.SubscribeGraphFinished(ctx, func(ev messenger.GraphEvent) { done <- ev })
	require.NoError(t, err)
	defer sub.Dispose()

	// a以failed结束且b等待succeeded：评估已完成，但图失败的事件丢失
	a := g.TaskByLabel("a").InstanceID
	ev := storage.TaskEvaluation{GraphID: g.InstanceID, TaskID: a, State: types.StateFailed}
	_, err = c.store.CheckoutTaskForRunner(ctx, "runner-1", storage.TaskRef{GraphID: g.InstanceID, TaskID: a})
	require.NoError(t, err)
	matched, err := c.store.SetTaskState(ctx, storage.TaskStateUpdate{GraphID: g.InstanceID, TaskID: a, RunnerID: "runner-1", State: types.StateFailed})
	require.NoError(t, err)
	require.True(t, matched)
	require.NoError(t, c.store.UpdateDependentTasks(ctx, ev))
	require.NoError(t, c.store.UpdateUnreachableTasks(ctx, ev))
	require.NoError(t, c.store.MarkTaskEvaluated(ctx, ev))

	poller := NewCompletedTaskPoller(c.store, c.messenger, CompletedPollerOptions{})
	deleted, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "只有a已评估")

	select {
	case ev := <-done:
		assert.Equal(t, g.InstanceID, ev.GraphID)
		assert.Equal(t, types.StateFailed, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("未发布图结束事件")
	}

	// 图已结束，剩余的unreachable记录在下一轮被清理
	deleted, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, types.StateFailed, c.graphStatus(t, g.InstanceID))
}

func TestCompletedTaskPoller_KeepsActiveGraphRunning(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "partial", InjectableName: "Graph.partial",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.record"},
			{Label: "b", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": finished()}},
		},
	})
	a := g.TaskByLabel("a").InstanceID
	ev := storage.TaskEvaluation{GraphID: g.InstanceID, TaskID: a, State: types.StateSucceeded}
	_, err := c.store.CheckoutTaskForRunner(ctx, "runner-1", storage.TaskRef{GraphID: g.InstanceID, TaskID: a})
	require.NoError(t, err)
	matched, err := c.store.SetTaskState(ctx, storage.TaskStateUpdate{GraphID: g.InstanceID, TaskID: a, RunnerID: "runner-1", State: types.StateSucceeded})
	require.NoError(t, err)
	require.True(t, matched)
	require.NoError(t, c.store.UpdateDependentTasks(ctx, ev))
	require.NoError(t, c.store.MarkTaskEvaluated(ctx, ev))

	poller := NewCompletedTaskPoller(c.store, nil, CompletedPollerOptions{BatchSize: 10})
	deleted, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, types.StateRunning, c.graphStatus(t, g.InstanceID), "b仍待运行")

	ready, err := c.store.FindReadyTasks(ctx, types.DefaultDomain, g.InstanceID)
	require.NoError(t, err)
	require.Len(t, ready.Tasks, 1)
	assert.Equal(t, g.TaskByLabel("b").InstanceID, ready.Tasks[0].TaskID)
}
