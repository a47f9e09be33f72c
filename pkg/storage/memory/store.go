// Package memory 单进程内存Store实现，用于嵌入式运行与测试
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
)

// Store 内存Store实现（对外导出）
// 所有操作在同一把锁内完成，条件更新天然原子；返回值均为副本
type Store struct {
	mu        sync.RWMutex
	graphDefs map[string]*definition.GraphDefinition
	taskDefs  map[string]*definition.TaskDefinition
	graphs    map[string]*storage.GraphObject
	deps      map[string]*storage.TaskDependency
	clock     func() time.Time
}

// New 创建内存Store实例（对外导出）
func New() *Store {
	return &Store{
		graphDefs: make(map[string]*definition.GraphDefinition),
		taskDefs:  make(map[string]*definition.TaskDefinition),
		graphs:    make(map[string]*storage.GraphObject),
		deps:      make(map[string]*storage.TaskDependency),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Close 内存实现无需释放资源
func (s *Store) Close() error {
	return nil
}

// ========== 定义 ==========

// PersistGraphDefinition 插入或更新图定义
func (s *Store) PersistGraphDefinition(ctx context.Context, def *definition.GraphDefinition) error {
	cp, err := def.Clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphDefs[def.InjectableName] = cp
	return nil
}

// GetGraphDefinitions 查询图定义
func (s *Store) GetGraphDefinitions(ctx context.Context, name string) ([]*definition.GraphDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*definition.GraphDefinition{}
	for _, key := range sortedKeys(s.graphDefs) {
		if name != "" && key != name {
			continue
		}
		cp, err := s.graphDefs[key].Clone()
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// DestroyGraphDefinition 删除图定义
func (s *Store) DestroyGraphDefinition(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.graphDefs[name]
	delete(s.graphDefs, name)
	return ok, nil
}

// PersistTaskDefinition 插入或更新任务定义
func (s *Store) PersistTaskDefinition(ctx context.Context, def *definition.TaskDefinition) error {
	cp, err := def.Clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskDefs[def.InjectableName] = cp
	return nil
}

// GetTaskDefinitions 查询任务定义
func (s *Store) GetTaskDefinitions(ctx context.Context, name string) ([]*definition.TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*definition.TaskDefinition{}
	for _, key := range sortedKeys(s.taskDefs) {
		if name != "" && key != name {
			continue
		}
		cp, err := s.taskDefs[key].Clone()
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// DeleteTaskDefinition 删除任务定义
func (s *Store) DeleteTaskDefinition(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.taskDefs[name]
	delete(s.taskDefs, name)
	return ok, nil
}

// ========== 图实例 ==========

// PersistGraphObject 保存图实例快照，终态不会被覆盖
func (s *Store) PersistGraphObject(ctx context.Context, graph *storage.GraphObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneGraph(graph)
	now := s.clock()
	cp.UpdatedAt = now
	if existing, ok := s.graphs[graph.InstanceID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.TaskStates = existing.TaskStates
		if !existing.Status.IsActiveGraphState() {
			cp.Status = existing.Status
		}
	} else {
		if active := s.activeGraphForTargetLocked(cp.Target); cp.Status.IsActiveGraphState() && active != nil {
			return types.NewForbiddenError("目标 %s 已有活跃的图实例: %s", cp.Target, active.InstanceID)
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.TaskStates = nil
	}
	s.graphs[graph.InstanceID] = cp
	return nil
}

func (s *Store) activeGraphForTargetLocked(target string) *storage.GraphObject {
	if target == "" {
		return nil
	}
	for _, g := range s.graphs {
		if g.Target == target && g.Status.IsActiveGraphState() {
			return g
		}
	}
	return nil
}

// GetGraphObject 读取图实例
func (s *Store) GetGraphObject(ctx context.Context, instanceID string) (*storage.GraphObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[instanceID]
	if !ok {
		return nil, nil
	}
	return cloneGraph(g), nil
}

// ListGraphObjects 分页查询图实例
func (s *Store) ListGraphObjects(ctx context.Context, filter storage.GraphFilter) ([]*storage.GraphObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []*storage.GraphObject{}
	for _, g := range s.graphs {
		if filter.Domain != "" && g.Domain != filter.Domain {
			continue
		}
		if filter.InjectableName != "" && g.InjectableName != filter.InjectableName {
			continue
		}
		if filter.Target != "" && g.Target != filter.Target {
			continue
		}
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.ServiceGraph != nil && g.ServiceGraph != *filter.ServiceGraph {
			continue
		}
		matched = append(matched, cloneGraph(g))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].InstanceID < matched[j].InstanceID
	})
	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return []*storage.GraphObject{}, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// FindActiveGraphs 查询域内活跃图实例
func (s *Store) FindActiveGraphs(ctx context.Context, domain string) ([]*storage.GraphObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*storage.GraphObject{}
	for _, g := range s.graphs {
		if g.Domain == domain && g.Status.IsActiveGraphState() {
			result = append(result, cloneGraph(g))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// FindActiveGraphForTarget 查询target上的活跃图实例
func (s *Store) FindActiveGraphForTarget(ctx context.Context, target string) (*storage.GraphObject, error) {
	if target == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g := s.activeGraphForTargetLocked(target); g != nil {
		return cloneGraph(g), nil
	}
	return nil, nil
}

// DeleteGraph 删除已结束的图实例
func (s *Store) DeleteGraph(ctx context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[instanceID]
	if !ok || g.Status.IsActiveGraphState() {
		return false, nil
	}
	delete(s.graphs, instanceID)
	for id, d := range s.deps {
		if d.GraphID == instanceID {
			delete(s.deps, id)
		}
	}
	return true, nil
}

// SetGraphDone 仅在图仍活跃时置为终态
func (s *Store) SetGraphDone(ctx context.Context, graphID string, state types.State) (*storage.GraphObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[graphID]
	if !ok || !g.Status.IsActiveGraphState() {
		return nil, nil
	}
	g.Status = state
	g.UpdatedAt = s.clock()
	return cloneGraph(g), nil
}

// CheckGraphFinished 图中没有pending且reachable的记录
func (s *Store) CheckGraphFinished(ctx context.Context, graphID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deps {
		if d.GraphID == graphID && d.State == types.StatePending && d.Reachable {
			return false, nil
		}
	}
	return true, nil
}

// UpdateGraphTaskState 更新图实例中的任务状态投影
func (s *Store) UpdateGraphTaskState(ctx context.Context, graphID, taskID string, state types.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateGraphTaskStateLocked(graphID, taskID, state)
	return nil
}

func (s *Store) updateGraphTaskStateLocked(graphID, taskID string, state types.State) {
	g, ok := s.graphs[graphID]
	if !ok {
		return
	}
	if g.TaskStates == nil {
		g.TaskStates = make(map[string]types.State)
	}
	g.TaskStates[taskID] = state
}

// GetTaskByID 取出任务数据与图上下文
func (s *Store) GetTaskByID(ctx context.Context, ref storage.TaskRef) (*storage.TaskData, error) {
	g, err := s.GetGraphObject(ctx, ref.GraphID)
	if err != nil {
		return nil, err
	}
	return storage.ExtractTaskData(g, ref.TaskID)
}

// ========== 任务依赖记录 ==========

// PersistTaskDependencies 插入任务依赖记录，已存在时保持原状
func (s *Store) PersistTaskDependencies(ctx context.Context, dep *storage.TaskDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deps[dep.TaskID]; ok {
		return nil
	}
	cp := cloneDependency(dep)
	now := s.clock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Dependencies == nil {
		cp.Dependencies = map[string]types.StateList{}
	}
	s.deps[dep.TaskID] = cp
	return nil
}

// FindReadyTasks 查询就绪任务
func (s *Store) FindReadyTasks(ctx context.Context, domain, graphID string) (*storage.ReadyTasks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ready := s.selectLocked(func(d *storage.TaskDependency) bool {
		g, ok := s.graphs[d.GraphID]
		return ok && g.Status.IsActiveGraphState() &&
			d.Domain == domain && (graphID == "" || d.GraphID == graphID) && d.IsReady()
	}, 0)
	refs := make([]storage.TaskRef, 0, len(ready))
	for _, d := range ready {
		refs = append(refs, d.Ref())
	}
	return &storage.ReadyTasks{GraphID: graphID, Tasks: refs}, nil
}

// CheckoutTaskForScheduler 条件设置调度器租约
func (s *Store) CheckoutTaskForScheduler(ctx context.Context, schedulerID, domain string, ref storage.TaskRef, leaseAdjust time.Duration) (*storage.TaskDependency, error) {
	now := s.clock()
	got, _ := s.compareAndUpdate(ref.TaskID, func(d *storage.TaskDependency) bool {
		return d.GraphID == ref.GraphID && d.Domain == domain && d.State == types.StatePending &&
			d.Reachable && d.TaskRunnerLease == "" && schedulerLeaseAvailable(d, schedulerID, now, leaseAdjust)
	}, func(d *storage.TaskDependency) {
		d.SchedulerLease = schedulerID
		d.SchedulerHeartbeat = &now
	})
	return got, nil
}

// CheckoutTaskForRunner 条件设置执行器租约
func (s *Store) CheckoutTaskForRunner(ctx context.Context, runnerID string, ref storage.TaskRef) (*storage.TaskDependency, error) {
	now := s.clock()
	got, _ := s.compareAndUpdate(ref.TaskID, func(d *storage.TaskDependency) bool {
		return d.GraphID == ref.GraphID && d.State == types.StatePending && d.TaskRunnerLease == ""
	}, func(d *storage.TaskDependency) {
		d.TaskRunnerLease = runnerID
		d.TaskRunnerHeartbeat = &now
	})
	return got, nil
}

// FindUnevaluatedTasks 查询已结束但未评估的记录
func (s *Store) FindUnevaluatedTasks(ctx context.Context, schedulerID, domain string, leaseAdjust time.Duration, limit int) ([]*storage.TaskDependency, error) {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(func(d *storage.TaskDependency) bool {
		return d.Domain == domain && !d.Evaluated && d.Reachable && d.State.IsFinished() &&
			schedulerLeaseAvailable(d, schedulerID, now, leaseAdjust)
	}, limit), nil
}

// UpdateDependentTasks 移除目标状态匹配的依赖
func (s *Store) UpdateDependentTasks(ctx context.Context, ev storage.TaskEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for _, d := range s.deps {
		if d.GraphID != ev.GraphID {
			continue
		}
		if states, ok := d.Dependencies[ev.TaskID]; ok && states.SatisfiedBy(ev.State) {
			delete(d.Dependencies, ev.TaskID)
			d.UpdatedAt = now
		}
	}
	return nil
}

// UpdateUnreachableTasks 标记不可达后继及其传递后继
func (s *Store) UpdateUnreachableTasks(ctx context.Context, ev storage.TaskEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	frontier := []string{}
	for _, d := range s.deps {
		if d.GraphID != ev.GraphID || !d.Reachable {
			continue
		}
		if states, ok := d.Dependencies[ev.TaskID]; ok && !states.SatisfiedBy(ev.State) {
			d.Reachable = false
			d.UpdatedAt = now
			frontier = append(frontier, d.TaskID)
		}
	}
	for len(frontier) > 0 {
		upstream := frontier[0]
		frontier = frontier[1:]
		for _, d := range s.deps {
			if d.GraphID != ev.GraphID || !d.Reachable || d.State != types.StatePending {
				continue
			}
			if _, ok := d.Dependencies[upstream]; ok {
				d.Reachable = false
				d.UpdatedAt = now
				frontier = append(frontier, d.TaskID)
			}
		}
	}
	return nil
}

// MarkTaskEvaluated 标记记录已评估
func (s *Store) MarkTaskEvaluated(ctx context.Context, ev storage.TaskEvaluation) error {
	s.compareAndUpdate(ev.TaskID, func(d *storage.TaskDependency) bool {
		return d.GraphID == ev.GraphID
	}, func(d *storage.TaskDependency) {
		d.Evaluated = true
	})
	return nil
}

// IsTaskFailureHandled 失败状态是否被图处理
func (s *Store) IsTaskFailureHandled(ctx context.Context, graphID, taskID string, state types.State) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deps[taskID]
	if !ok || d.GraphID != graphID {
		return false, nil
	}
	return d.IgnoreFailure || !types.StateList(d.TerminalOnStates).Contains(state), nil
}

// SetTaskState 记录任务结果并释放执行器租约
func (s *Store) SetTaskState(ctx context.Context, update storage.TaskStateUpdate) (bool, error) {
	_, matched := s.compareAndUpdate(update.TaskID, func(d *storage.TaskDependency) bool {
		return d.GraphID == update.GraphID && d.State == types.StatePending &&
			(d.TaskRunnerLease == update.RunnerID || d.TaskRunnerLease == "")
	}, func(d *storage.TaskDependency) {
		d.State = update.State
		d.Context = cloneContext(update.Context)
		d.Evaluated = false
		d.TaskRunnerLease = ""
		d.TaskRunnerHeartbeat = nil
	})
	if !matched {
		return false, nil
	}
	return true, s.UpdateGraphTaskState(ctx, update.GraphID, update.TaskID, update.State)
}

// GetTaskDependency 按任务ID查询依赖记录
func (s *Store) GetTaskDependency(ctx context.Context, taskID string) (*storage.TaskDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deps[taskID]
	if !ok {
		return nil, nil
	}
	return cloneDependency(d), nil
}

// FindExpiredLeases 查询执行器心跳过期的记录
func (s *Store) FindExpiredLeases(ctx context.Context, domain string, leaseAdjust time.Duration) ([]*storage.TaskDependency, error) {
	cutoff := s.clock().Add(-leaseAdjust)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(func(d *storage.TaskDependency) bool {
		return d.Domain == domain && d.State == types.StatePending && runnerLeaseExpired(d, cutoff)
	}, 0), nil
}

// ExpireLease 心跳仍过期时清空执行器租约
func (s *Store) ExpireLease(ctx context.Context, taskID string, leaseAdjust time.Duration) (bool, error) {
	cutoff := s.clock().Add(-leaseAdjust)
	_, matched := s.compareAndUpdate(taskID, func(d *storage.TaskDependency) bool {
		return runnerLeaseExpired(d, cutoff)
	}, func(d *storage.TaskDependency) {
		d.TaskRunnerLease = ""
		d.TaskRunnerHeartbeat = nil
	})
	return matched, nil
}

// ReleaseLease 执行器释放自己的租约
func (s *Store) ReleaseLease(ctx context.Context, taskID, runnerID string) (bool, error) {
	_, matched := s.compareAndUpdate(taskID, func(d *storage.TaskDependency) bool {
		return d.TaskRunnerLease == runnerID
	}, func(d *storage.TaskDependency) {
		d.TaskRunnerLease = ""
		d.TaskRunnerHeartbeat = nil
	})
	return matched, nil
}

// HeartbeatTasksForRunner 刷新执行器租约心跳
func (s *Store) HeartbeatTasksForRunner(ctx context.Context, runnerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for _, d := range s.deps {
		if d.TaskRunnerLease == runnerID {
			hb := now
			d.TaskRunnerHeartbeat = &hb
			n++
		}
	}
	return n, nil
}

// GetOwnTasks 查询执行器持有的记录
func (s *Store) GetOwnTasks(ctx context.Context, runnerID string) ([]*storage.TaskDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(func(d *storage.TaskDependency) bool {
		return d.TaskRunnerLease == runnerID
	}, 0), nil
}

// FindCompletedTasks 查询可清理的记录
func (s *Store) FindCompletedTasks(ctx context.Context, limit int) ([]*storage.TaskDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(func(d *storage.TaskDependency) bool {
		if d.Evaluated && d.State.IsFinished() {
			return true
		}
		g, ok := s.graphs[d.GraphID]
		return ok && !g.Status.IsActiveGraphState()
	}, limit), nil
}

// DeleteTasks 删除任务依赖记录
func (s *Store) DeleteTasks(ctx context.Context, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		delete(s.deps, id)
	}
	return nil
}

// ========== 内部方法 ==========

// compareAndUpdate 在锁内对单条记录执行条件更新，返回更新后的副本与是否命中
func (s *Store) compareAndUpdate(taskID string, filter func(*storage.TaskDependency) bool, update func(*storage.TaskDependency)) (*storage.TaskDependency, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[taskID]
	if !ok || !filter(d) {
		return nil, false
	}
	update(d)
	d.UpdatedAt = s.clock()
	return cloneDependency(d), true
}

// selectLocked 调用方需持有锁；结果按更新时间排序
func (s *Store) selectLocked(filter func(*storage.TaskDependency) bool, limit int) []*storage.TaskDependency {
	result := []*storage.TaskDependency{}
	for _, d := range s.deps {
		if filter(d) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].TaskID < result[j].TaskID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	for i, d := range result {
		result[i] = cloneDependency(d)
	}
	return result
}

func schedulerLeaseAvailable(d *storage.TaskDependency, schedulerID string, now time.Time, leaseAdjust time.Duration) bool {
	if d.SchedulerLease == "" || d.SchedulerLease == schedulerID {
		return true
	}
	return d.SchedulerHeartbeat == nil || d.SchedulerHeartbeat.Before(now.Add(-leaseAdjust))
}

func runnerLeaseExpired(d *storage.TaskDependency, cutoff time.Time) bool {
	return d.TaskRunnerLease != "" && d.TaskRunnerHeartbeat != nil && d.TaskRunnerHeartbeat.Before(cutoff)
}

func cloneDependency(d *storage.TaskDependency) *storage.TaskDependency {
	cp := *d
	cp.Dependencies = make(map[string]types.StateList, len(d.Dependencies))
	for k, v := range d.Dependencies {
		cp.Dependencies[k] = append(types.StateList(nil), v...)
	}
	cp.TerminalOnStates = append([]types.State(nil), d.TerminalOnStates...)
	if d.SchedulerHeartbeat != nil {
		hb := *d.SchedulerHeartbeat
		cp.SchedulerHeartbeat = &hb
	}
	if d.TaskRunnerHeartbeat != nil {
		hb := *d.TaskRunnerHeartbeat
		cp.TaskRunnerHeartbeat = &hb
	}
	cp.Context = cloneContext(d.Context)
	return &cp
}

// cloneContext 通过JSON往返深拷贝，与SQL实现的读写语义一致
func cloneContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	var cp map[string]interface{}
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return cp
}

func cloneGraph(g *storage.GraphObject) *storage.GraphObject {
	cp := *g
	cp.Document = append(json.RawMessage(nil), g.Document...)
	if g.TaskStates != nil {
		cp.TaskStates = make(map[string]types.State, len(g.TaskStates))
		for k, v := range g.TaskStates {
			cp.TaskStates[k] = v
		}
	}
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ storage.Store = (*Store)(nil)
