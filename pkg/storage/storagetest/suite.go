// Package storagetest 提供所有Store实现共用的行为测试
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 为每个子测试创建一个全新的Store
type Factory func(t *testing.T) storage.Store

// Run 执行完整的Store行为测试
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"Definitions", testDefinitions},
		{"GraphObjectLifecycle", testGraphObjectLifecycle},
		{"OneActiveGraphPerTarget", testOneActiveGraphPerTarget},
		{"PersistIsIdempotent", testPersistIsIdempotent},
		{"ReadyAndResolve", testReadyAndResolve},
		{"ReadySkipsFinishedGraphs", testReadySkipsFinishedGraphs},
		{"SchedulerCheckoutExclusive", testSchedulerCheckoutExclusive},
		{"RunnerCheckoutExclusive", testRunnerCheckoutExclusive},
		{"SetTaskStateOnce", testSetTaskStateOnce},
		{"SetTaskStateForeignLease", testSetTaskStateForeignLease},
		{"UnreachableCascade", testUnreachableCascade},
		{"FailureHandled", testFailureHandled},
		{"LeaseExpiry", testLeaseExpiry},
		{"CompletedTasksCleanup", testCompletedTasksCleanup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

const domain = types.DefaultDomain

func dep(graphID, taskID string, deps map[string]types.StateList, terminal ...types.State) *storage.TaskDependency {
	if deps == nil {
		deps = map[string]types.StateList{}
	}
	return &storage.TaskDependency{
		TaskID:           taskID,
		GraphID:          graphID,
		Domain:           domain,
		State:            types.StatePending,
		Dependencies:     deps,
		Reachable:        true,
		TerminalOnStates: terminal,
	}
}

func graphObject(id string, status types.State) *storage.GraphObject {
	doc, _ := json.Marshal(map[string]interface{}{
		"instanceId": id,
		"context":    map[string]interface{}{"graphId": id, "target": "node-1"},
		"tasks": map[string]interface{}{
			"t1": map[string]interface{}{"label": "first", "runJob": "Job.noop"},
		},
	})
	return &storage.GraphObject{
		InstanceID:     id,
		InjectableName: "Graph.test",
		Domain:         domain,
		Target:         "node-1",
		Status:         status,
		Document:       doc,
	}
}

func readyIDs(t *testing.T, s storage.Store, graphID string) []string {
	ready, err := s.FindReadyTasks(context.Background(), domain, graphID)
	require.NoError(t, err)
	ids := make([]string, 0, len(ready.Tasks))
	for _, ref := range ready.Tasks {
		ids = append(ids, ref.TaskID)
	}
	return ids
}

func finish(t *testing.T, s storage.Store, graphID, taskID string, state types.State) {
	ctx := context.Background()
	_, err := s.CheckoutTaskForRunner(ctx, "runner-1", storage.TaskRef{GraphID: graphID, TaskID: taskID})
	require.NoError(t, err)
	matched, err := s.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID: graphID, TaskID: taskID, RunnerID: "runner-1", State: state,
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func evaluate(t *testing.T, s storage.Store, graphID, taskID string, state types.State) {
	ctx := context.Background()
	ev := storage.TaskEvaluation{GraphID: graphID, TaskID: taskID, State: state}
	require.NoError(t, s.UpdateDependentTasks(ctx, ev))
	require.NoError(t, s.UpdateUnreachableTasks(ctx, ev))
	require.NoError(t, s.MarkTaskEvaluated(ctx, ev))
}

func testDefinitions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, def := range definition.BuiltinTaskDefinitions() {
		require.NoError(t, s.PersistTaskDefinition(ctx, def))
	}
	tasks, err := s.GetTaskDefinitions(ctx, "Task.noop")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Task.Base.noop", tasks[0].ImplementsTask)

	graphs := definition.BuiltinGraphDefinitions()
	require.NotEmpty(t, graphs)
	require.NoError(t, s.PersistGraphDefinition(ctx, graphs[0]))
	graphs[0].FriendlyName = "renamed"
	require.NoError(t, s.PersistGraphDefinition(ctx, graphs[0]))

	all, err := s.GetGraphDefinitions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].FriendlyName)
	assert.Len(t, all[0].Tasks, len(graphs[0].Tasks))

	existed, err := s.DestroyGraphDefinition(ctx, graphs[0].InjectableName)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.DestroyGraphDefinition(ctx, graphs[0].InjectableName)
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = s.DeleteTaskDefinition(ctx, "Task.noop")
	require.NoError(t, err)
	assert.True(t, existed)
	missing, err := s.GetTaskDefinitions(ctx, "Task.noop")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func testGraphObjectLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))

	got, err := s.GetGraphObject(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StateRunning, got.Status)

	active, err := s.FindActiveGraphForTarget(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "g1", active.InstanceID)

	data, err := s.GetTaskByID(ctx, storage.TaskRef{GraphID: "g1", TaskID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "g1", data.Context["graphId"])

	deleted, err := s.DeleteGraph(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, deleted, "active graphs must not be deleted")

	done, err := s.SetGraphDone(ctx, "g1", types.StateSucceeded)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, types.StateSucceeded, done.Status)

	again, err := s.SetGraphDone(ctx, "g1", types.StateFailed)
	require.NoError(t, err)
	assert.Nil(t, again, "second transition must not happen")

	// 旧快照不会把终态覆盖回running
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	got, err = s.GetGraphObject(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, got.Status)

	active, err = s.FindActiveGraphForTarget(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	list, err := s.ListGraphObjects(ctx, storage.GraphFilter{Status: types.StateSucceeded})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	deleted, err = s.DeleteGraph(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, deleted)
	got, err = s.GetGraphObject(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testOneActiveGraphPerTarget(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	// 同一实例的后续快照不受影响
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))

	err := s.PersistGraphObject(ctx, graphObject("g2", types.StateRunning))
	require.Error(t, err)
	assert.True(t, types.IsForbidden(err), "got %v", err)
	got, err := s.GetGraphObject(ctx, "g2")
	require.NoError(t, err)
	assert.Nil(t, got)

	other := graphObject("g3", types.StateRunning)
	other.Target = "node-2"
	require.NoError(t, s.PersistGraphObject(ctx, other))
	untargeted := graphObject("g4", types.StateRunning)
	untargeted.Target = ""
	require.NoError(t, s.PersistGraphObject(ctx, untargeted))
	untargeted2 := graphObject("g5", types.StateRunning)
	untargeted2.Target = ""
	require.NoError(t, s.PersistGraphObject(ctx, untargeted2))

	// g1结束后target被释放
	done, err := s.SetGraphDone(ctx, "g1", types.StateSucceeded)
	require.NoError(t, err)
	require.NotNil(t, done)
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g2", types.StateRunning)))
	active, err := s.FindActiveGraphForTarget(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "g2", active.InstanceID)

	// 已结束实例的旧快照不会重新占用target
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	active, err = s.FindActiveGraphForTarget(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "g2", active.InstanceID)
}

func testPersistIsIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	finish(t, s, "g1", "a", types.StateSucceeded)

	// 重复持久化不会覆盖已有记录
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	unevaluated, err := s.FindUnevaluatedTasks(ctx, "sched-1", domain, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, unevaluated, 1)
	assert.Equal(t, types.StateSucceeded, unevaluated[0].State)
}

func testReadyAndResolve(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "b",
		map[string]types.StateList{"a": {types.StateFinished}}, types.FinishedStates...)))

	assert.Equal(t, []string{"a"}, readyIDs(t, s, "g1"))
	assert.Equal(t, []string{"a"}, readyIDs(t, s, ""))

	finish(t, s, "g1", "a", types.StateFailed)
	finished, err := s.CheckGraphFinished(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, finished)

	evaluate(t, s, "g1", "a", types.StateFailed)
	assert.Equal(t, []string{"b"}, readyIDs(t, s, "g1"))

	finish(t, s, "g1", "b", types.StateSucceeded)
	finished, err = s.CheckGraphFinished(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, finished)

	got, err := s.GetGraphObject(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.TaskStates["a"])
	assert.Equal(t, types.StateSucceeded, got.TaskStates["b"])
}

func testReadySkipsFinishedGraphs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	assert.Empty(t, readyIDs(t, s, "g1"), "records without a graph object are not dispatched")

	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	assert.Equal(t, []string{"a"}, readyIDs(t, s, "g1"))

	_, err := s.SetGraphDone(ctx, "g1", types.StateCancelled)
	require.NoError(t, err)
	assert.Empty(t, readyIDs(t, s, "g1"))
}

func testSchedulerCheckoutExclusive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	ref := storage.TaskRef{GraphID: "g1", TaskID: "a"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, id := range []string{"sched-1", "sched-2", "sched-3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := s.CheckoutTaskForScheduler(ctx, id, domain, ref, time.Minute)
			assert.NoError(t, err)
			if got != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	unowned, err := s.FindUnevaluatedTasks(ctx, "sched-x", domain, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, unowned)
}

func testRunnerCheckoutExclusive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	ref := storage.TaskRef{GraphID: "g1", TaskID: "a"}

	first, err := s.CheckoutTaskForRunner(ctx, "runner-1", ref)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "runner-1", first.TaskRunnerLease)
	assert.NotNil(t, first.TaskRunnerHeartbeat)

	second, err := s.CheckoutTaskForRunner(ctx, "runner-2", ref)
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Empty(t, readyIDs(t, s, "g1"), "leased task is not ready")

	own, err := s.GetOwnTasks(ctx, "runner-1")
	require.NoError(t, err)
	assert.Len(t, own, 1)
	n, err := s.HeartbeatTasksForRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testSetTaskStateOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	finish(t, s, "g1", "a", types.StateSucceeded)

	// 重复上报不会改变已结束的状态
	matched, err := s.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID: "g1", TaskID: "a", RunnerID: "runner-1", State: types.StateFailed,
	})
	require.NoError(t, err)
	assert.False(t, matched)
	records, err := s.FindUnevaluatedTasks(ctx, "sched-1", domain, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.StateSucceeded, records[0].State)
	assert.Empty(t, records[0].TaskRunnerLease)

	ref := storage.TaskRef{GraphID: "g1", TaskID: "a"}
	got, err := s.CheckoutTaskForRunner(ctx, "runner-2", ref)
	require.NoError(t, err)
	assert.Nil(t, got, "finished task cannot be checked out again")
}

func testSetTaskStateForeignLease(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	ref := storage.TaskRef{GraphID: "g1", TaskID: "a"}

	_, err := s.CheckoutTaskForRunner(ctx, "runner-1", ref)
	require.NoError(t, err)
	released, err := s.ReleaseLease(ctx, "a", "runner-1")
	require.NoError(t, err)
	require.True(t, released)
	taken, err := s.CheckoutTaskForRunner(ctx, "runner-2", ref)
	require.NoError(t, err)
	require.NotNil(t, taken)

	// runner-1已失去租约，上报不生效
	matched, err := s.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID: "g1", TaskID: "a", RunnerID: "runner-1", State: types.StateSucceeded,
	})
	require.NoError(t, err)
	assert.False(t, matched)

	rec, err := s.GetTaskDependency(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatePending, rec.State)
	assert.Equal(t, "runner-2", rec.TaskRunnerLease)

	missing, err := s.GetTaskDependency(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testUnreachableCascade(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "b",
		map[string]types.StateList{"a": {types.StateSucceeded}})))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "c",
		map[string]types.StateList{"b": {types.StateFinished}})))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "d",
		map[string]types.StateList{"a": {types.StateFailed}})))

	finish(t, s, "g1", "a", types.StateFailed)
	evaluate(t, s, "g1", "a", types.StateFailed)

	assert.Equal(t, []string{"d"}, readyIDs(t, s, "g1"))

	finish(t, s, "g1", "d", types.StateSucceeded)
	finished, err := s.CheckGraphFinished(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, finished, "b and c are unreachable")
}

func testFailureHandled(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil, types.StateFailed, types.StateTimeout)))
	handled, err := s.IsTaskFailureHandled(ctx, "g1", "a", types.StateFailed)
	require.NoError(t, err)
	assert.False(t, handled)
	handled, err = s.IsTaskFailureHandled(ctx, "g1", "a", types.StateCancelled)
	require.NoError(t, err)
	assert.True(t, handled)

	ignored := dep("g1", "b", nil, types.FinishedStates...)
	ignored.IgnoreFailure = true
	require.NoError(t, s.PersistTaskDependencies(ctx, ignored))
	handled, err = s.IsTaskFailureHandled(ctx, "g1", "b", types.StateFailed)
	require.NoError(t, err)
	assert.True(t, handled)
}

func testLeaseExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	ref := storage.TaskRef{GraphID: "g1", TaskID: "a"}
	_, err := s.CheckoutTaskForRunner(ctx, "runner-1", ref)
	require.NoError(t, err)

	expired, err := s.FindExpiredLeases(ctx, domain, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expired)

	time.Sleep(20 * time.Millisecond)
	expired, err = s.FindExpiredLeases(ctx, domain, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// 心跳刷新后不再过期
	_, err = s.HeartbeatTasksForRunner(ctx, "runner-1")
	require.NoError(t, err)
	ok, err := s.ExpireLease(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = s.ExpireLease(ctx, "a", 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, readyIDs(t, s, "g1"))

	again, err := s.CheckoutTaskForRunner(ctx, "runner-2", ref)
	require.NoError(t, err)
	require.NotNil(t, again)
	released, err := s.ReleaseLease(ctx, "a", "runner-1")
	require.NoError(t, err)
	assert.False(t, released, "only the owner can release")
	released, err = s.ReleaseLease(ctx, "a", "runner-2")
	require.NoError(t, err)
	assert.True(t, released)
}

func testCompletedTasksCleanup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PersistGraphObject(ctx, graphObject("g1", types.StateRunning)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "a", nil)))
	require.NoError(t, s.PersistTaskDependencies(ctx, dep("g1", "b",
		map[string]types.StateList{"a": {types.StateSucceeded}})))

	completed, err := s.FindCompletedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, completed)

	finish(t, s, "g1", "a", types.StateSucceeded)
	evaluate(t, s, "g1", "a", types.StateSucceeded)
	completed, err = s.FindCompletedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "a", completed[0].TaskID)

	// 图结束后剩余记录也会被清理
	_, err = s.SetGraphDone(ctx, "g1", types.StateCancelled)
	require.NoError(t, err)
	completed, err = s.FindCompletedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)

	require.NoError(t, s.DeleteTasks(ctx, []string{"a", "b"}))
	completed, err = s.FindCompletedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, completed)
}
