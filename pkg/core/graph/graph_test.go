package graph

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== 测试辅助 ==========

func builtinResolver() TaskResolver {
	return IndexResolver(definition.BuiltinTaskDefinitions()...)
}

func noopGraph(t *testing.T) *TaskGraph {
	t.Helper()
	def := definition.BuiltinGraphDefinitions()[0]
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	return g
}

func inlineDef(name string, options map[string]interface{}, required ...string) *definition.TaskDefinition {
	return &definition.TaskDefinition{
		FriendlyName:    name,
		InjectableName:  name,
		RunJob:          "Job.noop",
		Options:         options,
		RequiredOptions: required,
	}
}

func waits(states ...types.State) types.StateList {
	return types.StateList(states)
}

type fakeSubscription struct {
	mu       sync.Mutex
	disposed bool
}

func (s *fakeSubscription) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

func (s *fakeSubscription) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// fakeDispatcher 记录派发顺序，由测试手动回调任务结束
type fakeDispatcher struct {
	mu         sync.Mutex
	callbacks  map[string]func(messenger.TaskFinishedEvent)
	subs       map[string]*fakeSubscription
	dispatched []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		callbacks: make(map[string]func(messenger.TaskFinishedEvent)),
		subs:      make(map[string]*fakeSubscription),
	}
}

func (d *fakeDispatcher) OnTaskFinished(ctx context.Context, domain, taskID string, cb func(messenger.TaskFinishedEvent)) (Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := &fakeSubscription{}
	d.callbacks[taskID] = cb
	d.subs[taskID] = sub
	return sub, nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, domain, graphID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.callbacks[taskID]; !ok {
		panic("dispatch before subscribe: " + taskID)
	}
	d.dispatched = append(d.dispatched, taskID)
	return nil
}

func (d *fakeDispatcher) finish(g *TaskGraph, taskID string, state types.State) {
	d.mu.Lock()
	cb := d.callbacks[taskID]
	d.mu.Unlock()
	cb(messenger.TaskFinishedEvent{
		TaskID:  taskID,
		GraphID: g.InstanceID,
		Domain:  g.Domain,
		State:   state,
		Context: map[string]interface{}{"last": g.Tasks[taskID].Label},
	})
}

func (d *fakeDispatcher) dispatchedLabels(g *TaskGraph) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	labels := make([]string, 0, len(d.dispatched))
	for _, id := range d.dispatched {
		labels = append(labels, g.Tasks[id].Label)
	}
	return labels
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func startEmbedded(t *testing.T, g *TaskGraph) (*fakeDispatcher, *memory.Store) {
	t.Helper()
	store := memory.New()
	dispatcher := newFakeDispatcher()
	g.Bind(Runtime{Store: store, Dispatcher: dispatcher})
	require.NoError(t, g.Start(context.Background()))
	return dispatcher, store
}

// ========== 创建与校验 ==========

func TestCreate_PopulatesTasks(t *testing.T) {
	g := noopGraph(t)

	assert.Equal(t, types.StateValid, g.Status)
	assert.Equal(t, types.DefaultDomain, g.Domain)
	assert.Equal(t, g.InstanceID, g.Context["graphId"])
	assert.Equal(t, "Graph.noop-example", g.Context["graphName"])
	require.Len(t, g.Tasks, 4)

	noop1 := g.TaskByLabel("noop-1")
	noop2 := g.TaskByLabel("noop-2")
	parallel := g.TaskByLabel("parallel-noop-1")
	require.NotNil(t, noop1)
	require.NotNil(t, noop2)
	require.NotNil(t, parallel)

	_, err := uuid.Parse(noop1.InstanceID)
	assert.NoError(t, err)
	assert.Equal(t, "Job.noop", noop1.RunJob)
	assert.Equal(t, types.StatePending, noop1.State)
	assert.Empty(t, noop1.WaitingOn)
	assert.Equal(t, map[string]types.StateList{noop1.InstanceID: waits(types.StateFinished)}, noop2.WaitingOn)
	assert.Equal(t, waits(types.StateFinished, types.StateTimeout), parallel.WaitingOn[noop2.InstanceID])

	// 后继等待finished时，任何终态都不会使任务成为终结任务
	assert.Empty(t, noop1.TerminalOnStates)
	assert.Equal(t, types.FinishedStates, parallel.TerminalOnStates)
}

func TestCreate_TwoTaskChain(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "chain", InjectableName: "Graph.chain",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.noop"},
			{Label: "b", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateFinished)}},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err, "两个任务的链式图应能创建")
	require.Len(t, g.Tasks, 2)
	a := g.TaskByLabel("a")
	b := g.TaskByLabel("b")
	assert.Equal(t, map[string]types.StateList{a.InstanceID: waits(types.StateFinished)}, b.WaitingOn)
}

func TestCreate_TwoTaskCycle(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "cycle", InjectableName: "Graph.cycle2",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"b": waits(types.StateFinished)}},
			{Label: "b", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateFinished)}},
		},
	}
	_, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.Error(t, err)
	assert.True(t, types.IsBadRequest(err))
	assert.Contains(t, err.Error(), "循环依赖")
	assert.Contains(t, err.Error(), "would create a loop")
}

func TestCreate_ValidationErrors(t *testing.T) {
	registry := task.NewDefaultJobRegistry()
	cases := []struct {
		name     string
		def      *definition.GraphDefinition
		contains string
	}{
		{
			name: "重复label",
			def: &definition.GraphDefinition{
				FriendlyName: "dup", InjectableName: "Graph.dup",
				Tasks: []definition.TaskEntry{
					{Label: "a", TaskName: "Task.noop"},
					{Label: "a", TaskName: "Task.noop"},
				},
			},
			contains: "重复的任务label: a",
		},
		{
			name: "任务定义不存在",
			def: &definition.GraphDefinition{
				FriendlyName: "missing", InjectableName: "Graph.missing",
				Tasks: []definition.TaskEntry{{Label: "a", TaskName: "Task.unknown"}},
			},
			contains: "Task.unknown",
		},
		{
			name: "job未注册",
			def: &definition.GraphDefinition{
				FriendlyName: "nojob", InjectableName: "Graph.nojob",
				Tasks: []definition.TaskEntry{{Label: "a", TaskDefinition: &definition.TaskDefinition{
					FriendlyName: "x", InjectableName: "Task.x", RunJob: "Job.unknown",
				}}},
			},
			contains: "Job.unknown",
		},
		{
			name: "循环依赖",
			def: &definition.GraphDefinition{
				FriendlyName: "cycle", InjectableName: "Graph.cycle",
				Tasks: []definition.TaskEntry{
					{Label: "a", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"c": waits(types.StateFinished)}},
					{Label: "b", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateFinished)}},
					{Label: "c", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"b": waits(types.StateFinished)}},
				},
			},
			contains: "循环依赖",
		},
		{
			name: "缺少必需选项",
			def: &definition.GraphDefinition{
				FriendlyName: "opts", InjectableName: "Graph.opts",
				Tasks: []definition.TaskEntry{{Label: "wait", TaskDefinition: &definition.TaskDefinition{
					FriendlyName: "w", InjectableName: "Task.w", ImplementsTask: "Task.Base.wait",
				}}},
			},
			contains: "缺少必需选项 duration",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Create(context.Background(), tc.def, CreateOptions{}, builtinResolver(), registry)
			require.Error(t, err)
			assert.True(t, types.IsBadRequest(err), "应返回BadRequest: %v", err)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestCreate_RequiredOptionFromGraphDefaults(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "opts", InjectableName: "Graph.opts",
		Tasks: []definition.TaskEntry{{Label: "wait", TaskDefinition: &definition.TaskDefinition{
			FriendlyName: "w", InjectableName: "Task.w", ImplementsTask: "Task.Base.wait",
		}}},
		Options: map[string]map[string]interface{}{
			definition.DefaultsOptionKey: {"duration": 5, "unrelated": true},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"duration": 5}, g.TaskByLabel("wait").Options)
}

func TestCreate_OptionPrecedence(t *testing.T) {
	base := inlineDef("Task.Base.opts", map[string]interface{}{"a": 1, "b": 1, "c": 1})
	child := &definition.TaskDefinition{
		FriendlyName: "child", InjectableName: "Task.opts", ImplementsTask: "Task.Base.opts",
		Options: map[string]interface{}{"b": 2, "c": 2},
	}
	def := &definition.GraphDefinition{
		FriendlyName: "precedence", InjectableName: "Graph.precedence",
		Tasks: []definition.TaskEntry{{Label: "t", TaskName: "Task.opts"}},
		Options: map[string]map[string]interface{}{
			definition.DefaultsOptionKey: {"c": 3, "z": 9},
			"t":                          {"d": 4},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{
		Options: map[string]map[string]interface{}{"t": {"e": 5}},
	}, IndexResolver(base, child), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5}, g.TaskByLabel("t").Options)
}

func TestCreate_TaskEntryOptionsWinOverGraphOptions(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "entry", InjectableName: "Graph.entry",
		Tasks: []definition.TaskEntry{
			{Label: "fast", TaskName: "Task.wait", Options: map[string]interface{}{"duration": 1}},
			{Label: "slow", TaskName: "Task.wait"},
		},
		Options: map[string]map[string]interface{}{
			definition.DefaultsOptionKey: {"duration": 50},
			"fast":                       {"duration": 20},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	assert.Equal(t, 1, g.TaskByLabel("fast").Options["duration"])
	assert.Equal(t, 50, g.TaskByLabel("slow").Options["duration"])
}

func TestCreate_RequiredOptionFromTaskEntry(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "entry", InjectableName: "Graph.entry",
		Tasks: []definition.TaskEntry{{
			Label: "wait",
			TaskDefinition: &definition.TaskDefinition{
				FriendlyName: "w", InjectableName: "Task.w", ImplementsTask: "Task.Base.wait",
			},
			Options: map[string]interface{}{"duration": 7},
		}},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"duration": 7}, g.TaskByLabel("wait").Options)
}

func TestCreate_UUIDTemplateRenderedOnce(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "uuid", InjectableName: "Graph.uuid",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskDefinition: inlineDef("Task.a", nil, "token")},
			{Label: "b", TaskDefinition: inlineDef("Task.b", nil, "token")},
		},
		Options: map[string]map[string]interface{}{
			definition.DefaultsOptionKey: {"token": UUIDTemplate},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, nil, task.NewDefaultJobRegistry())
	require.NoError(t, err)

	a := g.TaskByLabel("a").Options["token"]
	b := g.TaskByLabel("b").Options["token"]
	require.IsType(t, "", a)
	assert.NotEqual(t, UUIDTemplate, a)
	_, err = uuid.Parse(a.(string))
	assert.NoError(t, err)
	assert.Equal(t, a, b, "同一图实例中模板只渲染一次")
}

func TestCreate_RequiredProperties(t *testing.T) {
	cook := &definition.TaskDefinition{
		FriendlyName: "cook", InjectableName: "Task.cook", RunJob: "Job.noop",
		Properties: map[string]interface{}{"pancakes": map[string]interface{}{"cooked": true, "count": 3}},
	}
	eat := &definition.TaskDefinition{
		FriendlyName: "eat", InjectableName: "Task.eat", RunJob: "Job.noop",
		RequiredProperties: map[string]interface{}{"pancakes.cooked": true},
	}
	resolve := IndexResolver(cook, eat)
	registry := task.NewDefaultJobRegistry()

	hungry := &definition.GraphDefinition{
		FriendlyName: "hungry", InjectableName: "Graph.hungry",
		Tasks: []definition.TaskEntry{{Label: "eat", TaskName: "Task.eat"}},
	}
	_, err := Create(context.Background(), hungry, CreateOptions{}, resolve, registry)
	require.Error(t, err)
	assert.True(t, types.IsBadRequest(err))
	assert.Contains(t, err.Error(), "pancakes.cooked")

	breakfast := &definition.GraphDefinition{
		FriendlyName: "breakfast", InjectableName: "Graph.breakfast",
		Tasks: []definition.TaskEntry{
			{Label: "cook", TaskName: "Task.cook"},
			{Label: "eat", TaskName: "Task.eat", WaitOn: map[string]types.StateList{"cook": waits(types.StateSucceeded)}},
		},
	}
	_, err = Create(context.Background(), breakfast, CreateOptions{}, resolve, registry)
	assert.NoError(t, err)
}

func TestCreate_DoesNotMutateDefinition(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "uuid", InjectableName: "Graph.uuid",
		Tasks:   []definition.TaskEntry{{Label: "a", TaskDefinition: inlineDef("Task.a", nil, "token")}},
		Options: map[string]map[string]interface{}{definition.DefaultsOptionKey: {"token": UUIDTemplate}},
	}
	_, err := Create(context.Background(), def, CreateOptions{Target: "node-1"}, nil, task.NewDefaultJobRegistry())
	require.NoError(t, err)
	assert.Equal(t, UUIDTemplate, def.Options[definition.DefaultsOptionKey]["token"])
}

// ========== 就绪检测 ==========

func TestFindReadyTasks(t *testing.T) {
	g := noopGraph(t)
	ready := g.FindReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "noop-1", ready[0].Label)

	g2 := noopGraph(t)
	g2.TaskByLabel("noop-1").State = types.StateSucceeded
	labels := func(tasks []*task.Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.Label)
		}
		return out
	}
	assert.Equal(t, []string{"noop-2"}, labels(g2.FindReadyTasks()))

	g2.TaskByLabel("noop-2").State = types.StateTimeout
	assert.Equal(t, []string{"noop-2", "parallel-noop-1", "parallel-noop-2"}, labels(g2.FindReadyTasks()),
		"已在就绪队列中的任务不会重复加入")
}

// ========== 序列化 ==========

func TestSerializeRoundTrip(t *testing.T) {
	g := noopGraph(t)
	g.TaskByLabel("noop-1").State = types.StateSucceeded

	data, err := g.Serialize()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "valid", raw["_status"])
	assert.Len(t, raw["pendingTasks"], 3)
	assert.Len(t, raw["finishedTasks"], 1)
	assert.NotContains(t, raw, "node")

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, g.InstanceID, restored.InstanceID)
	assert.Equal(t, g.Status, restored.Status)
	require.Len(t, restored.Tasks, 4)
	assert.Equal(t, types.StateSucceeded, restored.TaskByLabel("noop-1").State)
	assert.Equal(t, g.TaskByLabel("noop-2").WaitingOn, restored.TaskByLabel("noop-2").WaitingOn)
	assert.False(t, isClosed(restored.Done()))
}

func TestFromObject_OverlaysTaskStates(t *testing.T) {
	g := noopGraph(t)
	obj, err := g.ToObject()
	require.NoError(t, err)

	noop1 := g.TaskByLabel("noop-1").InstanceID
	obj.Status = types.StateFailed
	obj.TaskStates = map[string]types.State{noop1: types.StateFailed}

	restored, err := FromObject(obj)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, restored.Status)
	assert.Equal(t, types.StateFailed, restored.Tasks[noop1].State)
	assert.True(t, isClosed(restored.Done()), "终态的图应立即发出完成信号")
}

func TestCreateTaskDependencyItems(t *testing.T) {
	g := noopGraph(t)
	items := g.CreateTaskDependencyItems()
	require.Len(t, items, 4)
	assert.Equal(t, g.TaskByLabel("noop-1").InstanceID, items[0].TaskID)
	for _, item := range items {
		assert.Equal(t, g.InstanceID, item.GraphID)
		assert.Equal(t, types.StatePending, item.State)
		assert.True(t, item.Reachable)
		assert.Equal(t, g.Tasks[item.TaskID].WaitingOn, item.Dependencies)
	}
}

// ========== 嵌入式运行 ==========

func TestEmbeddedRun_Succeeds(t *testing.T) {
	g := noopGraph(t)
	dispatcher, store := startEmbedded(t, g)
	assert.Equal(t, types.StateRunning, g.Status)
	assert.Equal(t, []string{"noop-1"}, dispatcher.dispatchedLabels(g))

	dispatcher.finish(g, g.TaskByLabel("noop-1").InstanceID, types.StateSucceeded)
	assert.Equal(t, []string{"noop-1", "noop-2"}, dispatcher.dispatchedLabels(g))

	dispatcher.finish(g, g.TaskByLabel("noop-2").InstanceID, types.StateSucceeded)
	assert.Equal(t, []string{"noop-1", "noop-2", "parallel-noop-1", "parallel-noop-2"}, dispatcher.dispatchedLabels(g))
	assert.False(t, isClosed(g.Done()))

	dispatcher.finish(g, g.TaskByLabel("parallel-noop-1").InstanceID, types.StateSucceeded)
	dispatcher.finish(g, g.TaskByLabel("parallel-noop-2").InstanceID, types.StateSucceeded)
	assert.True(t, isClosed(g.Done()))
	assert.Equal(t, types.StateSucceeded, g.Status)
	assert.Equal(t, "parallel-noop-2", g.Context["last"])

	obj, err := store.GetGraphObject(context.Background(), g.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, types.StateSucceeded, obj.Status)
	for _, sub := range dispatcher.subs {
		assert.True(t, sub.isDisposed())
	}
}

func TestEmbeddedRun_DuplicateNotificationIgnored(t *testing.T) {
	g := noopGraph(t)
	dispatcher, _ := startEmbedded(t, g)
	id := g.TaskByLabel("noop-1").InstanceID

	dispatcher.finish(g, id, types.StateSucceeded)
	dispatcher.finish(g, id, types.StateFailed)
	assert.Equal(t, types.StateSucceeded, g.Tasks[id].State)
	assert.Equal(t, []string{"noop-1", "noop-2"}, dispatcher.dispatchedLabels(g))
}

func TestEmbeddedRun_UnhandledFailureFailsGraph(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "fail", InjectableName: "Graph.fail",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.noop"},
			{Label: "b", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateSucceeded)}},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	dispatcher, _ := startEmbedded(t, g)

	dispatcher.finish(g, g.TaskByLabel("a").InstanceID, types.StateFailed)
	assert.True(t, isClosed(g.Done()))
	assert.Equal(t, types.StateFailed, g.Status)
	assert.Equal(t, []string{"a"}, dispatcher.dispatchedLabels(g))
}

func TestEmbeddedRun_HandledFailureSkipsUnreachable(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "branch", InjectableName: "Graph.branch",
		Tasks: []definition.TaskEntry{
			{Label: "a", TaskName: "Task.noop"},
			{Label: "on-success", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateSucceeded)}},
			{Label: "after-success", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"on-success": waits(types.StateFinished)}},
			{Label: "on-failure", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"a": waits(types.StateFailed)}},
		},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	dispatcher, _ := startEmbedded(t, g)

	dispatcher.finish(g, g.TaskByLabel("a").InstanceID, types.StateFailed)
	assert.Equal(t, []string{"a", "on-failure"}, dispatcher.dispatchedLabels(g))
	assert.False(t, isClosed(g.Done()))

	dispatcher.finish(g, g.TaskByLabel("on-failure").InstanceID, types.StateSucceeded)
	assert.True(t, isClosed(g.Done()))
	assert.Equal(t, types.StateSucceeded, g.Status)
	assert.Equal(t, types.StatePending, g.TaskByLabel("after-success").State)
}

func TestEmbeddedRun_IgnoreFailure(t *testing.T) {
	def := &definition.GraphDefinition{
		FriendlyName: "ignore", InjectableName: "Graph.ignore",
		Tasks: []definition.TaskEntry{{Label: "a", TaskName: "Task.fail", IgnoreFailure: true}},
	}
	g, err := Create(context.Background(), def, CreateOptions{}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	dispatcher, _ := startEmbedded(t, g)

	dispatcher.finish(g, g.TaskByLabel("a").InstanceID, types.StateFailed)
	assert.Equal(t, types.StateSucceeded, g.Status)
}

func TestStart_RejectsRunningGraph(t *testing.T) {
	g := noopGraph(t)
	startEmbedded(t, g)
	err := g.Start(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsBadRequest(err))
}

func TestStart_TargetTakenRollsBackDependencies(t *testing.T) {
	ctx := context.Background()
	def := definition.BuiltinGraphDefinitions()[0]
	first, err := Create(ctx, def, CreateOptions{Target: "node-1"}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	_, store := startEmbedded(t, first)

	second, err := Create(ctx, def, CreateOptions{Target: "node-1"}, builtinResolver(), task.NewDefaultJobRegistry())
	require.NoError(t, err)
	second.Bind(Runtime{Store: store, Dispatcher: newFakeDispatcher()})
	err = second.Start(ctx)
	require.Error(t, err)
	assert.True(t, types.IsForbidden(err), "got %v", err)
	assert.Equal(t, types.StateValid, second.Status)

	for id := range second.Tasks {
		record, err := store.GetTaskDependency(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, record, "dependency record of rejected graph must be removed")
	}
	obj, err := store.GetGraphObject(ctx, second.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

// ========== 取消 ==========

func TestCancel(t *testing.T) {
	g := noopGraph(t)
	dispatcher, store := startEmbedded(t, g)
	noop1 := g.TaskByLabel("noop-1").InstanceID

	require.NoError(t, g.Cancel(context.Background(), ""))
	assert.Equal(t, types.StateCancelled, g.Status)
	assert.True(t, isClosed(g.Done()))
	for _, tk := range g.Tasks {
		assert.Equal(t, types.StateCancelled, tk.State)
		assert.NotEmpty(t, tk.Error)
	}
	assert.True(t, dispatcher.subs[noop1].isDisposed())

	obj, err := store.GetGraphObject(context.Background(), g.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, obj.Status)

	err = g.Cancel(context.Background(), "")
	require.Error(t, err)
	assert.True(t, types.IsForbidden(err))

	// 取消之后迟到的结束通知不会改变图状态
	dispatcher.finish(g, noop1, types.StateSucceeded)
	assert.Equal(t, types.StateCancelled, g.Status)
	assert.Equal(t, []string{"noop-1"}, dispatcher.dispatchedLabels(g))
}

func TestCancel_LosesRaceToCompletion(t *testing.T) {
	g := noopGraph(t)
	_, store := startEmbedded(t, g)

	_, err := store.SetGraphDone(context.Background(), g.InstanceID, types.StateSucceeded)
	require.NoError(t, err)

	err = g.Cancel(context.Background(), types.StateCancelled)
	require.Error(t, err)
	assert.True(t, types.IsForbidden(err))
	assert.Equal(t, types.StateRunning, g.Status)
}
