package runner

import (
	"context"
	"testing"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *memory.Store
	messenger *messenger.WatermillMessenger
	registry  *task.JobRegistry
	runner    *TaskRunner
	finished  chan messenger.TaskFinishedEvent
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		messenger: messenger.NewGoChannelMessenger(false),
		registry:  task.NewDefaultJobRegistry(),
		finished:  make(chan messenger.TaskFinishedEvent, 8),
	}
	require.NoError(t, f.registry.RegisterFunc("Job.share", func(jc *task.JobContext) error {
		jc.Set("shared", jc.GetOptionString("value"))
		return nil
	}))
	var err error
	f.runner, err = NewTaskRunner(f.store, f.messenger, f.registry, opts)
	require.NoError(t, err)

	sub, err := f.messenger.SubscribeTaskFinished(context.Background(), types.DefaultDomain, func(ev messenger.TaskFinishedEvent) {
		f.finished <- ev
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Dispose()
		f.runner.Stop()
		f.runner.Wait()
		f.messenger.Close()
	})
	return f
}

func (f *fixture) submit(t *testing.T, entries ...definition.TaskEntry) *graph.TaskGraph {
	t.Helper()
	share := &definition.TaskDefinition{
		FriendlyName: "share", InjectableName: "Task.share", RunJob: "Job.share",
		Options: map[string]interface{}{"value": "from-task"},
	}
	resolve := graph.IndexResolver(append(definition.BuiltinTaskDefinitions(), share)...)
	def := &definition.GraphDefinition{FriendlyName: "runner", InjectableName: "Graph.runner", Tasks: entries}
	g, err := graph.Create(context.Background(), def, graph.CreateOptions{}, resolve, f.registry)
	require.NoError(t, err)
	g.Bind(graph.Runtime{Store: f.store, Messenger: f.messenger})
	require.NoError(t, g.Submit(context.Background()))
	return g
}

func (f *fixture) waitFinished(t *testing.T) messenger.TaskFinishedEvent {
	t.Helper()
	select {
	case ev := <-f.finished:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("未收到任务结束事件")
		return messenger.TaskFinishedEvent{}
	}
}

func (f *fixture) run(t *testing.T, g *graph.TaskGraph, label string) string {
	t.Helper()
	id := g.TaskByLabel(label).InstanceID
	require.NoError(t, f.messenger.PublishRunTask(context.Background(), messenger.RunTaskEvent{
		TaskID: id, GraphID: g.InstanceID, Domain: types.DefaultDomain,
	}))
	return id
}

func TestTaskRunner_RunsAndReports(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.runner.Start(context.Background()))
	g := f.submit(t, definition.TaskEntry{Label: "share", TaskName: "Task.share"})

	id := f.run(t, g, "share")
	ev := f.waitFinished(t)
	assert.Equal(t, id, ev.TaskID)
	assert.Equal(t, g.InstanceID, ev.GraphID)
	assert.Equal(t, types.StateSucceeded, ev.State)
	assert.Equal(t, "from-task", ev.Context["shared"])
	assert.Equal(t, g.InstanceID, ev.Context["graphId"], "Job看到图的共享上下文")
	assert.ElementsMatch(t, types.FinishedStates, ev.TerminalOnStates)

	obj, err := f.store.GetGraphObject(context.Background(), g.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, obj.TaskStates[id])

	unevaluated, err := f.store.FindUnevaluatedTasks(context.Background(), "scheduler", types.DefaultDomain, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, unevaluated, 1)
	assert.Empty(t, unevaluated[0].TaskRunnerLease, "结束后释放执行器租约")
	assert.Zero(t, f.runner.ActiveTaskCount())
}

func TestTaskRunner_ReportsFailure(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.runner.Start(context.Background()))
	g := f.submit(t, definition.TaskEntry{Label: "boom", TaskName: "Task.fail"})

	f.run(t, g, "boom")
	ev := f.waitFinished(t)
	assert.Equal(t, types.StateFailed, ev.State)
	assert.Equal(t, "task failed", ev.Error)
}

func TestTaskRunner_DuplicateRunEventRunsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.runner.Start(context.Background()))
	g := f.submit(t, definition.TaskEntry{Label: "share", TaskName: "Task.share"})

	f.run(t, g, "share")
	f.run(t, g, "share")
	f.waitFinished(t)
	select {
	case ev := <-f.finished:
		t.Fatalf("任务被执行了两次: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTaskRunner_CancelEvent(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.runner.Start(context.Background()))
	g := f.submit(t, definition.TaskEntry{Label: "wait", TaskName: "Task.wait"})

	// 等待10秒的任务
	g.TaskByLabel("wait").Options["duration"] = 10000
	require.NoError(t, f.store.PersistGraphObject(context.Background(), mustObject(t, g)))

	id := f.run(t, g, "wait")
	require.Eventually(t, func() bool { return f.runner.ActiveTaskCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.messenger.PublishCancelTask(context.Background(), messenger.CancelTaskEvent{
		TaskID: id, GraphID: g.InstanceID, Reason: "用户取消",
	}))

	ev := f.waitFinished(t)
	assert.Equal(t, id, ev.TaskID)
	assert.Equal(t, types.StateCancelled, ev.State)
	assert.Contains(t, ev.Error, "用户取消")
}

func TestTaskRunner_HeartbeatReleasesLostTasks(t *testing.T) {
	f := newFixture(t, Options{RunnerID: "runner-1", LostTaskLimit: 2})
	ctx := context.Background()
	g := f.submit(t, definition.TaskEntry{Label: "share", TaskName: "Task.share"})
	ref := storage.TaskRef{GraphID: g.InstanceID, TaskID: g.TaskByLabel("share").InstanceID}

	// 租约属于runner-1，但本地没有跟踪该任务
	rec, err := f.store.CheckoutTaskForRunner(ctx, "runner-1", ref)
	require.NoError(t, err)
	require.NotNil(t, rec)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.runner.Heartbeat(ctx))
		own, err := f.store.GetOwnTasks(ctx, "runner-1")
		require.NoError(t, err)
		assert.Len(t, own, 1, "未超过上限前保留租约")
	}

	require.NoError(t, f.runner.Heartbeat(ctx))
	own, err := f.store.GetOwnTasks(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, own, "超过上限后释放租约")
}

func TestTaskRunner_HeartbeatStopsUnownedTasks(t *testing.T) {
	f := newFixture(t, Options{RunnerID: "runner-1", HeartbeatInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.runner.Start(ctx))
	g := f.submit(t, definition.TaskEntry{Label: "wait", TaskName: "Task.wait"})
	g.TaskByLabel("wait").Options["duration"] = 10000
	require.NoError(t, f.store.PersistGraphObject(ctx, mustObject(t, g)))

	id := f.run(t, g, "wait")
	require.Eventually(t, func() bool { return f.runner.ActiveTaskCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// 租约被回收（例如被LeaseExpirationPoller清空）
	released, err := f.store.ReleaseLease(ctx, id, "runner-1")
	require.NoError(t, err)
	require.True(t, released)

	require.NoError(t, f.runner.Heartbeat(ctx))
	require.Eventually(t, func() bool { return f.runner.ActiveTaskCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-f.finished:
		t.Fatalf("失去租约的任务不应上报结果: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	unevaluated, err := f.store.FindUnevaluatedTasks(ctx, "scheduler", types.DefaultDomain, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, unevaluated, "记录仍为pending，等待重新调度")
}

func TestTaskRunner_ReportAfterLeaseTakenOverIsDropped(t *testing.T) {
	f := newFixture(t, Options{RunnerID: "runner-a"})
	ctx := context.Background()
	g := f.submit(t, definition.TaskEntry{Label: "share", TaskName: "Task.share"})
	id := g.TaskByLabel("share").InstanceID
	ref := storage.TaskRef{GraphID: g.InstanceID, TaskID: id}

	rec, err := f.store.CheckoutTaskForRunner(ctx, "runner-a", ref)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// runner-a的租约被回收后，任务被runner-b重新领取
	released, err := f.store.ReleaseLease(ctx, id, "runner-a")
	require.NoError(t, err)
	require.True(t, released)
	taken, err := f.store.CheckoutTaskForRunner(ctx, "runner-b", ref)
	require.NoError(t, err)
	require.NotNil(t, taken)

	f.runner.report(ctx, &activeTask{ref: ref}, rec, &task.Result{State: types.StateSucceeded})

	select {
	case ev := <-f.finished:
		t.Fatalf("已失去租约的执行器不应发布任务结束事件: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
	current, err := f.store.GetTaskDependency(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, types.StatePending, current.State)
	assert.Equal(t, "runner-b", current.TaskRunnerLease)
}

func TestTaskRunner_HeartbeatReconcilesByTaskID(t *testing.T) {
	f := newFixture(t, Options{RunnerID: "runner-1", HeartbeatInterval: time.Hour, LostTaskLimit: 1})
	ctx := context.Background()
	require.NoError(t, f.runner.Start(ctx))
	g := f.submit(t,
		definition.TaskEntry{Label: "wait", TaskName: "Task.wait", Options: map[string]interface{}{"duration": 10000}},
		definition.TaskEntry{Label: "share", TaskName: "Task.share"},
	)

	waitID := f.run(t, g, "wait")
	require.Eventually(t, func() bool { return f.runner.ActiveTaskCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// wait的租约被回收，同时share的租约属于runner-1但本地未跟踪：数量仍然一致
	released, err := f.store.ReleaseLease(ctx, waitID, "runner-1")
	require.NoError(t, err)
	require.True(t, released)
	shareRef := storage.TaskRef{GraphID: g.InstanceID, TaskID: g.TaskByLabel("share").InstanceID}
	phantom, err := f.store.CheckoutTaskForRunner(ctx, "runner-1", shareRef)
	require.NoError(t, err)
	require.NotNil(t, phantom)

	require.NoError(t, f.runner.Heartbeat(ctx))
	require.Eventually(t, func() bool { return f.runner.ActiveTaskCount() == 0 }, 2*time.Second, 10*time.Millisecond,
		"租约已被回收的任务应被停止")
	select {
	case ev := <-f.finished:
		t.Fatalf("失去租约的任务不应上报结果: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, f.runner.Heartbeat(ctx))
	own, err := f.store.GetOwnTasks(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, own, "超过上限后释放丢失任务的租约")
}

func mustObject(t *testing.T, g *graph.TaskGraph) *storage.GraphObject {
	t.Helper()
	obj, err := g.ToObject()
	require.NoError(t, err)
	return obj
}
