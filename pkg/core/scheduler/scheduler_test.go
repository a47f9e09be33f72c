package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/runner"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== 测试辅助 ==========

type recorder struct {
	mu     sync.Mutex
	labels []string
}

func (r *recorder) job(jc *task.JobContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, task.GetTaskLabel(jc.Context()))
	return nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

type cluster struct {
	store     *memory.Store
	messenger *messenger.WatermillMessenger
	registry  *task.JobRegistry
	recorder  *recorder
	scheduler *TaskScheduler
	runner    *runner.TaskRunner
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{
		store:     memory.New(),
		messenger: messenger.NewGoChannelMessenger(false),
		registry:  task.NewDefaultJobRegistry(),
		recorder:  &recorder{},
	}
	require.NoError(t, c.registry.RegisterFunc("Job.record", c.recorder.job))
	t.Cleanup(func() { c.messenger.Close() })
	return c
}

func (c *cluster) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	var err error
	c.scheduler, err = NewTaskScheduler(c.store, c.messenger, Options{
		PollInterval: 20 * time.Millisecond,
		LeaseAdjust:  time.Second,
	})
	require.NoError(t, err)
	c.runner, err = runner.NewTaskRunner(c.store, c.messenger, c.registry, runner.Options{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.scheduler.Start(ctx))
	require.NoError(t, c.runner.Start(ctx))
	t.Cleanup(func() {
		c.runner.Stop()
		c.scheduler.Stop()
		c.runner.Wait()
	})
}

func (c *cluster) submit(t *testing.T, def *definition.GraphDefinition) *graph.TaskGraph {
	t.Helper()
	resolve := graph.IndexResolver(append(definition.BuiltinTaskDefinitions(), recordTask())...)
	g, err := graph.Create(context.Background(), def, graph.CreateOptions{}, resolve, c.registry)
	require.NoError(t, err)
	g.Bind(graph.Runtime{Store: c.store, Messenger: c.messenger})
	require.NoError(t, g.Submit(context.Background()))
	return g
}

func (c *cluster) graphStatus(t *testing.T, graphID string) types.State {
	obj, err := c.store.GetGraphObject(context.Background(), graphID)
	require.NoError(t, err)
	require.NotNil(t, obj)
	return obj.Status
}

func recordTask() *definition.TaskDefinition {
	return &definition.TaskDefinition{FriendlyName: "record", InjectableName: "Task.record", RunJob: "Job.record"}
}

func finished() types.StateList {
	return types.StateList{types.StateFinished}
}

// ========== 限流 ==========

func TestStageLimiter_DropsWhenSaturated(t *testing.T) {
	limiter := newStageLimiter("test", 1)
	var wg sync.WaitGroup
	release := make(chan struct{})

	assert.True(t, limiter.TryGo(&wg, func() { <-release }))
	assert.False(t, limiter.TryGo(&wg, func() {}), "饱和时应丢弃")
	assert.Equal(t, int64(1), limiter.Dropped())
	assert.Equal(t, 1, limiter.InFlight())

	close(release)
	wg.Wait()
	assert.Equal(t, 0, limiter.InFlight())
	assert.True(t, limiter.TryGo(&wg, func() {}))
	wg.Wait()
}

func TestTaskScheduler_NoStageAdmittedAfterStop(t *testing.T) {
	c := newCluster(t)
	s, err := NewTaskScheduler(c.store, c.messenger, Options{PollInterval: time.Hour})
	require.NoError(t, err)
	assert.False(t, s.goStage(s.evaluation, func() {}), "未启动时不应接收阶段工作")

	require.NoError(t, s.Start(context.Background()))
	ran := make(chan struct{})
	require.True(t, s.goStage(s.evaluation, func() { close(ran) }))
	<-ran
	s.Stop()

	assert.False(t, s.goStage(s.evaluation, func() { t.Error("停止后不应运行阶段") }))
	assert.Equal(t, 0, s.evaluation.InFlight())
	s.wg.Wait()
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()
	assert.NotEmpty(t, opts.SchedulerID)
	assert.Equal(t, types.DefaultDomain, opts.Domain)
	assert.Equal(t, DefaultPollInterval, opts.PollInterval)
	assert.Equal(t, DefaultLeaseAdjust, opts.LeaseAdjust)
	assert.Equal(t, DefaultStageConcurrency, opts.Concurrency.Dispatch)
	assert.Equal(t, 1, opts.Concurrency.UnevaluatedPoll)
}

func TestNewTaskScheduler_RequiresCollaborators(t *testing.T) {
	_, err := NewTaskScheduler(nil, messenger.NewGoChannelMessenger(false), Options{})
	assert.Error(t, err)
	_, err = NewTaskScheduler(memory.New(), nil, Options{})
	assert.Error(t, err)
}

// ========== 端到端 ==========

func TestTaskScheduler_RunsGraphInDependencyOrder(t *testing.T) {
	c := newCluster(t)
	c.start(t)

	done := make(chan messenger.GraphEvent, 1)
	sub, err := c.messenger.SubscribeGraphFinished(context.Background(), func(ev messenger.GraphEvent) { done <- ev })
	require.NoError(t, err)
	defer sub.Dispose()

	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "order", InjectableName: "Graph.order",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.record"},
			{Label: "b", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": finished()}},
			{Label: "c", TaskName: "Task.record", WaitOn: map[string]types.StateList{"b": {types.StateSucceeded}}},
		},
	})

	select {
	case ev := <-done:
		assert.Equal(t, g.InstanceID, ev.GraphID)
		assert.Equal(t, types.StateSucceeded, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("图未在超时前结束")
	}
	assert.Equal(t, []string{"a", "b", "c"}, c.recorder.order())
	assert.Equal(t, types.StateSucceeded, c.graphStatus(t, g.InstanceID))

	restored, err := graph.FromObject(mustGetGraph(t, c.store, g.InstanceID))
	require.NoError(t, err)
	for _, tk := range restored.Tasks {
		assert.Equal(t, types.StateSucceeded, tk.State, "任务 %s", tk.Label)
	}
}

func TestTaskScheduler_UnhandledFailureFailsGraph(t *testing.T) {
	c := newCluster(t)
	c.start(t)

	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "fail", InjectableName: "Graph.fail",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.fail"},
			{Label: "b", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": {types.StateSucceeded}}},
		},
	})

	require.Eventually(t, func() bool {
		return c.graphStatus(t, g.InstanceID) == types.StateFailed
	}, 5*time.Second, 20*time.Millisecond)

	b := g.TaskByLabel("b").InstanceID
	require.Eventually(t, func() bool {
		rec := findRecord(t, c.store, b)
		return rec != nil && !rec.Reachable
	}, 5*time.Second, 20*time.Millisecond, "b应被标记为unreachable")
	assert.Empty(t, c.recorder.order(), "b永远不会运行")
}

func TestTaskScheduler_HandledFailureContinues(t *testing.T) {
	c := newCluster(t)
	c.start(t)

	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "recover", InjectableName: "Graph.recover",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.fail"},
			{Label: "cleanup", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": {types.StateFailed}}},
			{Label: "next", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": {types.StateSucceeded}}},
		},
	})

	require.Eventually(t, func() bool {
		return c.graphStatus(t, g.InstanceID) == types.StateSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"cleanup"}, c.recorder.order())
}

func TestTaskScheduler_RecoversFromDroppedEvents(t *testing.T) {
	c := newCluster(t)

	// 调度器启动前提交，run-graph事件无人接收，只能由轮询发现
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "late", InjectableName: "Graph.late",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.record"},
			{Label: "b", TaskName: "Task.record", WaitOn: map[string]types.StateList{"a": finished()}},
		},
	})
	c.start(t)

	require.Eventually(t, func() bool {
		return c.graphStatus(t, g.InstanceID) == types.StateSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.recorder.order())
}

func TestTaskScheduler_FinishesGraphWhenOnlyUnreachableRemain(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "potential", InjectableName: "Graph.potential",
		Tasks: []definition.TaskEntry{{Label: "a", TaskName: "Task.record"}},
	})
	a := g.TaskByLabel("a").InstanceID

	// 模拟已完成评估但完成事件丢失的图
	_, err := c.store.CheckoutTaskForRunner(ctx, "runner-x", storage.TaskRef{GraphID: g.InstanceID, TaskID: a})
	require.NoError(t, err)
	matched, err := c.store.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID: g.InstanceID, TaskID: a, RunnerID: "runner-x", State: types.StateSucceeded,
	})
	require.NoError(t, err)
	require.True(t, matched)
	require.NoError(t, c.store.MarkTaskEvaluated(ctx, storage.TaskEvaluation{GraphID: g.InstanceID, TaskID: a, State: types.StateSucceeded}))

	c.start(t)
	require.Eventually(t, func() bool {
		return c.graphStatus(t, g.InstanceID) == types.StateSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, c.recorder.order())
}

func mustGetGraph(t *testing.T, store storage.Store, graphID string) *storage.GraphObject {
	t.Helper()
	obj, err := store.GetGraphObject(context.Background(), graphID)
	require.NoError(t, err)
	require.NotNil(t, obj)
	return obj
}

// findRecord 图结束后剩余的记录可以通过FindCompletedTasks取到
func findRecord(t *testing.T, store storage.Store, taskID string) *storage.TaskDependency {
	t.Helper()
	records, err := store.FindCompletedTasks(context.Background(), 0)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.TaskID == taskID {
			return rec
		}
	}
	return nil
}

// ========== 过期与重复的任务结束事件 ==========

// evaluator 不启动轮询，直接驱动评估阶段
func (c *cluster) evaluator(t *testing.T) *TaskScheduler {
	t.Helper()
	s, err := NewTaskScheduler(c.store, c.messenger, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	t.Cleanup(func() {
		cancel()
		s.wg.Wait()
	})
	return s
}

func (c *cluster) readyIDs(t *testing.T, graphID string) []string {
	t.Helper()
	ready, err := c.store.FindReadyTasks(context.Background(), types.DefaultDomain, graphID)
	require.NoError(t, err)
	ids := make([]string, 0, len(ready.Tasks))
	for _, ref := range ready.Tasks {
		ids = append(ids, ref.TaskID)
	}
	return ids
}

func TestTaskScheduler_StaleFinishedEventDoesNotReleaseSuccessor(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "stale", InjectableName: "Graph.stale",
		Tasks: []definition.TaskEntry{
			{Label: "up", TaskName: "Task.record"},
			{Label: "down", TaskName: "Task.record", WaitOn: map[string]types.StateList{"up": finished()}},
		},
	})
	up := g.TaskByLabel("up").InstanceID
	down := g.TaskByLabel("down").InstanceID
	ref := storage.TaskRef{GraphID: g.InstanceID, TaskID: up}

	// runner-a失去租约，up已由runner-b重新领取，仍为pending
	_, err := c.store.CheckoutTaskForRunner(ctx, "runner-a", ref)
	require.NoError(t, err)
	_, err = c.store.ReleaseLease(ctx, up, "runner-a")
	require.NoError(t, err)
	taken, err := c.store.CheckoutTaskForRunner(ctx, "runner-b", ref)
	require.NoError(t, err)
	require.NotNil(t, taken)

	s := c.evaluator(t)
	s.evaluateTask(finishedTask{GraphID: g.InstanceID, TaskID: up, State: types.StateSucceeded})

	assert.NotContains(t, c.readyIDs(t, g.InstanceID), down, "上游仍在执行时后继不能就绪")
	rec, err := c.store.GetTaskDependency(ctx, up)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatePending, rec.State)
	assert.False(t, rec.Evaluated)
	assert.Equal(t, "runner-b", rec.TaskRunnerLease)
	downRec, err := c.store.GetTaskDependency(ctx, down)
	require.NoError(t, err)
	require.NotNil(t, downRec)
	assert.Contains(t, downRec.Dependencies, up)
}

func TestTaskScheduler_DuplicateAndMismatchedFinishedEvents(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	g := c.submit(t, &definition.GraphDefinition{
		FriendlyName: "dup", InjectableName: "Graph.dup",
		Tasks: []definition.TaskEntry{
			{Label: "up", TaskName: "Task.record"},
			{Label: "down", TaskName: "Task.record", WaitOn: map[string]types.StateList{"up": {types.StateSucceeded}}},
		},
	})
	up := g.TaskByLabel("up").InstanceID
	down := g.TaskByLabel("down").InstanceID

	_, err := c.store.CheckoutTaskForRunner(ctx, "runner-b", storage.TaskRef{GraphID: g.InstanceID, TaskID: up})
	require.NoError(t, err)
	matched, err := c.store.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID: g.InstanceID, TaskID: up, RunnerID: "runner-b", State: types.StateSucceeded,
	})
	require.NoError(t, err)
	require.True(t, matched)

	s := c.evaluator(t)

	// 与记录不一致的failed事件被忽略，down不会被标记为unreachable
	s.evaluateTask(finishedTask{GraphID: g.InstanceID, TaskID: up, State: types.StateFailed})
	downRec, err := c.store.GetTaskDependency(ctx, down)
	require.NoError(t, err)
	require.NotNil(t, downRec)
	assert.True(t, downRec.Reachable)
	assert.Equal(t, types.StateRunning, c.graphStatus(t, g.InstanceID))

	// 重复投递的succeeded事件只会解除一次依赖
	ev := finishedTask{GraphID: g.InstanceID, TaskID: up, State: types.StateSucceeded}
	s.evaluateTask(ev)
	s.evaluateTask(ev)
	assert.Equal(t, []string{down}, c.readyIDs(t, g.InstanceID))
	rec, err := c.store.GetTaskDependency(ctx, up)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Evaluated)
}
