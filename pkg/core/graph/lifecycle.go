package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
)

// ========== 启动 ==========

// Submit 将图交给集群调度器运行（对外导出）
// 任务依赖记录先于图实例写入，调度器看到活跃的图时其记录必然已经完整
func (g *TaskGraph) Submit(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.prepareStartLocked(ctx); err != nil {
		return err
	}
	if g.rt.Messenger != nil {
		if err := g.rt.Messenger.PublishRunTaskGraph(ctx, messenger.RunGraphEvent{GraphID: g.InstanceID, Domain: g.Domain}); err != nil {
			// 调度器的轮询会兜底
			g.logf("⚠️ 发布run-graph事件失败: graphId=%s, error=%v", g.InstanceID, err)
		}
	}
	g.publishLocked(ctx, messenger.GraphStartedTopic)
	return nil
}

// Start 在进程内驱动图运行（对外导出）
// 由图自身订阅任务结束事件并派发就绪任务，不依赖TaskScheduler
func (g *TaskGraph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rt.Dispatcher == nil {
		return fmt.Errorf("图 %s 未绑定Dispatcher", g.InstanceID)
	}
	if err := g.prepareStartLocked(ctx); err != nil {
		return err
	}
	g.publishLocked(ctx, messenger.GraphStartedTopic)
	g.findReadyTasksLocked()
	return g.scheduleReadyTasksLocked(ctx)
}

func (g *TaskGraph) prepareStartLocked(ctx context.Context) error {
	if g.rt.Store == nil {
		return fmt.Errorf("图 %s 未绑定Store", g.InstanceID)
	}
	if g.Status != types.StateValid {
		return types.NewBadRequestError("图 %s 当前状态为 %s，无法启动", g.InstanceID, g.Status)
	}
	g.Status = types.StateRunning
	var persisted []string
	for _, item := range g.taskDependencyItemsLocked() {
		if err := g.rt.Store.PersistTaskDependencies(ctx, item); err != nil {
			g.rollbackStartLocked(ctx, persisted)
			return fmt.Errorf("保存任务依赖记录失败: %w", err)
		}
		persisted = append(persisted, item.TaskID)
	}
	if err := g.persistLocked(ctx); err != nil {
		// 图实例未能落库（如target已被其他活跃实例占用）
		g.rollbackStartLocked(ctx, persisted)
		return err
	}
	g.logf("🚀 图已启动: graphId=%s, name=%s, tasks=%d", g.InstanceID, g.InjectableName, len(g.Tasks))
	return nil
}

// rollbackStartLocked 撤回启动时已写入的任务依赖记录，图回到valid状态
func (g *TaskGraph) rollbackStartLocked(ctx context.Context, taskIDs []string) {
	g.Status = types.StateValid
	if len(taskIDs) == 0 {
		return
	}
	if err := g.rt.Store.DeleteTasks(ctx, taskIDs); err != nil {
		g.logf("⚠️ 撤回任务依赖记录失败: graphId=%s, error=%v", g.InstanceID, err)
	}
}

// Persist 持久化当前快照
func (g *TaskGraph) Persist(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persistLocked(ctx)
}

func (g *TaskGraph) persistLocked(ctx context.Context) error {
	if g.rt.Store == nil {
		return fmt.Errorf("图 %s 未绑定Store", g.InstanceID)
	}
	g.UpdatedAt = time.Now().UTC()
	obj, err := g.toObjectLocked()
	if err != nil {
		return err
	}
	if err := g.rt.Store.PersistGraphObject(ctx, obj); err != nil {
		return fmt.Errorf("保存图实例 %s 失败: %w", g.InstanceID, err)
	}
	return nil
}

// ========== 就绪检测与派发 ==========

// FindReadyTasks 将新就绪的任务加入就绪队列并返回当前队列
func (g *TaskGraph) FindReadyTasks() []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findReadyTasksLocked()
}

func (g *TaskGraph) findReadyTasksLocked() []*task.Task {
	queued := make(map[string]struct{}, len(g.ready))
	for _, t := range g.ready {
		queued[t.InstanceID] = struct{}{}
	}
	lookup := func(id string) (types.State, bool) {
		t, ok := g.Tasks[id]
		if !ok {
			return "", false
		}
		return t.State, true
	}
	for _, id := range g.sortedTaskIDs() {
		if _, ok := queued[id]; ok {
			continue
		}
		if _, scheduled := g.subscriptions[id]; scheduled {
			continue
		}
		if t := g.Tasks[id]; t.IsReady(lookup) {
			g.ready = append(g.ready, t)
		}
	}
	return append([]*task.Task(nil), g.ready...)
}

// ScheduleReadyTasks 派发就绪队列中的任务
func (g *TaskGraph) ScheduleReadyTasks(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scheduleReadyTasksLocked(ctx)
}

// scheduleReadyTasksLocked 每个任务先订阅结束事件再发布执行事件，避免错过快速完成的任务
func (g *TaskGraph) scheduleReadyTasksLocked(ctx context.Context) error {
	if g.rt.Dispatcher == nil {
		return fmt.Errorf("图 %s 未绑定Dispatcher", g.InstanceID)
	}
	for len(g.ready) > 0 {
		t := g.ready[0]
		g.ready = g.ready[1:]

		sub, err := g.rt.Dispatcher.OnTaskFinished(ctx, g.Domain, t.InstanceID, func(ev messenger.TaskFinishedEvent) {
			g.TaskFinishedCallback(context.Background(), ev)
		})
		if err != nil {
			return fmt.Errorf("订阅任务 %s 结束事件失败: %w", t.InstanceID, err)
		}
		g.subscriptions[t.InstanceID] = sub
		if err := g.rt.Dispatcher.Dispatch(ctx, g.Domain, g.InstanceID, t.InstanceID); err != nil {
			sub.Dispose()
			delete(g.subscriptions, t.InstanceID)
			return fmt.Errorf("派发任务 %s 失败: %w", t.InstanceID, err)
		}
		g.logf("📤 派发任务: graphId=%s, taskId=%s, label=%s", g.InstanceID, t.InstanceID, t.Label)
	}
	return nil
}

// TaskFinishedCallback 处理任务结束通知（对外导出）
// 重复投递是安全的：已结束的任务不会被改写，已释放的订阅不会再次释放
func (g *TaskGraph) TaskFinishedCallback(ctx context.Context, ev messenger.TaskFinishedEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.Tasks[ev.TaskID]
	if !ok {
		return
	}
	if sub, ok := g.subscriptions[ev.TaskID]; ok {
		sub.Dispose()
		delete(g.subscriptions, ev.TaskID)
	}
	if !t.State.IsFinished() {
		t.State = ev.State
		t.Error = ev.Error
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
	for k, v := range ev.Context {
		g.Context[k] = v
	}

	if err := g.persistLocked(ctx); err != nil {
		g.logf("❌ %v", err)
	}
	if g.checkDoneLocked(ctx) {
		return
	}
	g.findReadyTasksLocked()
	if err := g.scheduleReadyTasksLocked(ctx); err != nil {
		g.logf("❌ 派发就绪任务失败: graphId=%s, error=%v", g.InstanceID, err)
	}
}

// ========== 完成检测 ==========

// CheckDone 检查图是否已结束，结束时完成状态转换并返回true
func (g *TaskGraph) CheckDone(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkDoneLocked(ctx)
}

// checkDoneLocked 失败与成功只会发生其一；已处于终态时直接返回
func (g *TaskGraph) checkDoneLocked(ctx context.Context) bool {
	if !g.Status.IsActiveGraphState() {
		return true
	}
	for _, t := range g.Tasks {
		if t.State.IsFailed() && !t.IgnoreFailure && t.IsTerminalOn(t.State) {
			g.finishLocked(ctx, types.StateFailed)
			return true
		}
	}
	unreachable := g.unreachableLocked()
	for id, t := range g.Tasks {
		if !t.State.IsFinished() && !unreachable[id] {
			return false
		}
	}
	g.finishLocked(ctx, types.StateSucceeded)
	return true
}

// unreachableLocked 计算因上游以不匹配的状态结束而永远不会运行的任务（含传递）
func (g *TaskGraph) unreachableLocked() map[string]bool {
	unreachable := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for id, t := range g.Tasks {
			if unreachable[id] || !t.IsPending() {
				continue
			}
			for upstream, states := range t.WaitingOn {
				u, ok := g.Tasks[upstream]
				if !ok {
					continue
				}
				if unreachable[upstream] || (u.State.IsFinished() && !states.SatisfiedBy(u.State)) {
					unreachable[id] = true
					changed = true
					break
				}
			}
		}
	}
	return unreachable
}

// finishLocked 将图置为终态；状态转换由Store的条件更新保证只发生一次
func (g *TaskGraph) finishLocked(ctx context.Context, state types.State) {
	transitioned := true
	if g.rt.Store != nil {
		obj, err := g.rt.Store.SetGraphDone(ctx, g.InstanceID, state)
		if err != nil {
			g.logf("❌ 设置图终态失败: graphId=%s, error=%v", g.InstanceID, err)
			return
		}
		if obj == nil {
			transitioned = false
			if current, err := g.rt.Store.GetGraphObject(ctx, g.InstanceID); err == nil && current != nil &&
				!current.Status.IsActiveGraphState() {
				state = current.Status
			}
		}
	}
	g.Status = state
	g.disposeSubscriptionsLocked()
	if g.rt.Store != nil {
		if err := g.persistLocked(ctx); err != nil {
			g.logf("❌ %v", err)
		}
	}
	if transitioned {
		g.logf("🏁 图已结束: graphId=%s, status=%s", g.InstanceID, state)
		g.publishLocked(ctx, messenger.GraphFinishedTopic)
	}
	g.signalIfFinished()
}

// ========== 取消 ==========

// Cancel 取消图（对外导出）
// 未结束的任务收到取消信号后立即标记为cancelled，不等待Job真正退出
func (g *TaskGraph) Cancel(ctx context.Context, state types.State) error {
	if state == "" {
		state = types.StateCancelled
	}
	if !state.IsFinished() {
		return types.NewBadRequestError("无效的取消状态: %s", state)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.Status.IsActiveGraphState() {
		return types.NewForbiddenError("图 %s 已处于终态 %s，无法取消", g.InstanceID, g.Status)
	}
	if g.rt.Store != nil {
		obj, err := g.rt.Store.SetGraphDone(ctx, g.InstanceID, state)
		if err != nil {
			return fmt.Errorf("取消图 %s 失败: %w", g.InstanceID, err)
		}
		if obj == nil {
			return types.NewForbiddenError("图 %s 已结束，无法取消", g.InstanceID)
		}
	}
	g.Status = state

	cancelErr := types.NewTaskCancellationError("图 %s 已被取消", g.InstanceID)
	for _, id := range g.sortedTaskIDs() {
		t := g.Tasks[id]
		if t.IsFinished() {
			continue
		}
		t.Cancel(cancelErr)
		if g.rt.Messenger != nil {
			if err := g.rt.Messenger.PublishCancelTask(ctx, messenger.CancelTaskEvent{
				TaskID: t.InstanceID, GraphID: g.InstanceID, Reason: cancelErr.Error(),
			}); err != nil {
				g.logf("⚠️ 发布取消任务事件失败: taskId=%s, error=%v", t.InstanceID, err)
			}
		}
	}
	g.ready = nil
	g.disposeSubscriptionsLocked()
	if g.rt.Store != nil {
		if err := g.persistLocked(ctx); err != nil {
			g.logf("❌ %v", err)
		}
	}
	g.logf("🛑 图已取消: graphId=%s, status=%s", g.InstanceID, state)
	g.publishLocked(ctx, messenger.GraphFinishedTopic)
	g.signalIfFinished()
	return nil
}

func (g *TaskGraph) disposeSubscriptionsLocked() {
	for id, sub := range g.subscriptions {
		sub.Dispose()
		delete(g.subscriptions, id)
	}
}

// Event 当前状态对应的图生命周期事件
func (g *TaskGraph) Event() messenger.GraphEvent {
	return messenger.GraphEvent{
		GraphID:        g.InstanceID,
		InjectableName: g.InjectableName,
		Domain:         g.Domain,
		Target:         g.Target(),
		Status:         g.Status,
		Timestamp:      time.Now().UTC(),
	}
}

func (g *TaskGraph) publishLocked(ctx context.Context, topic string) {
	if g.rt.Messenger == nil {
		return
	}
	var err error
	switch topic {
	case messenger.GraphStartedTopic:
		err = g.rt.Messenger.PublishGraphStarted(ctx, g.Event())
	case messenger.GraphFinishedTopic:
		err = g.rt.Messenger.PublishGraphFinished(ctx, g.Event())
	}
	if err != nil {
		g.logf("⚠️ 发布图事件失败: graphId=%s, topic=%s, error=%v", g.InstanceID, topic, err)
	}
}
