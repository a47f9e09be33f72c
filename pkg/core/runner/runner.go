// Package runner TaskRunner：领取就绪任务、执行Job并上报结果
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/google/uuid"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultLostTaskLimit     = 3
)

// Options TaskRunner配置
type Options struct {
	RunnerID          string
	Domain            string
	HeartbeatInterval time.Duration
	// LostTaskLimit Store中属于本执行器、但本地未跟踪的任务，连续多少次心跳后主动释放租约
	LostTaskLimit int
	Debug         bool
}

func (o *Options) applyDefaults() {
	if o.RunnerID == "" {
		o.RunnerID = uuid.NewString()
	}
	if o.Domain == "" {
		o.Domain = types.DefaultDomain
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.LostTaskLimit <= 0 {
		o.LostTaskLimit = DefaultLostTaskLimit
	}
}

// activeTask 本执行器持有租约的任务
type activeTask struct {
	ref  storage.TaskRef
	task *task.Task
	// revoked 租约已被回收，结果不再上报
	revoked bool
	// cancelErr 在任务加载完成前收到的取消
	cancelErr error
}

// TaskRunner 任务执行器（对外导出）
type TaskRunner struct {
	store     storage.Store
	messenger messenger.Messenger
	registry  *task.JobRegistry
	opts      Options

	mu            sync.Mutex
	running       bool
	activeTasks   map[string]*activeTask
	lostTasks     map[string]int
	subscriptions []*messenger.Subscription
	cancel        context.CancelFunc
	loops         sync.WaitGroup
	inflight      sync.WaitGroup
}

// NewTaskRunner 创建TaskRunner（对外导出的工厂方法）
func NewTaskRunner(store storage.Store, msg messenger.Messenger, registry *task.JobRegistry, opts Options) (*TaskRunner, error) {
	if store == nil {
		return nil, fmt.Errorf("TaskRunner需要Store")
	}
	if msg == nil {
		return nil, fmt.Errorf("TaskRunner需要Messenger")
	}
	if registry == nil {
		registry = task.NewDefaultJobRegistry()
	}
	opts.applyDefaults()
	return &TaskRunner{
		store:       store,
		messenger:   msg,
		registry:    registry,
		opts:        opts,
		activeTasks: make(map[string]*activeTask),
		lostTasks:   make(map[string]int),
	}, nil
}

// RunnerID 执行器实例ID（租约持有者标识）
func (r *TaskRunner) RunnerID() string {
	return r.opts.RunnerID
}

// Start 订阅run-task与取消事件并启动心跳（对外导出）
func (r *TaskRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("TaskRunner %s 已在运行", r.opts.RunnerID)
	}
	loopCtx, cancel := context.WithCancel(ctx)

	runSub, err := r.messenger.SubscribeRunTask(loopCtx, r.opts.Domain, r.handleRunTask)
	if err != nil {
		cancel()
		return fmt.Errorf("订阅run-task事件失败: %w", err)
	}
	cancelSub, err := r.messenger.SubscribeCancel(loopCtx, r.handleCancel)
	if err != nil {
		runSub.Dispose()
		cancel()
		return fmt.Errorf("订阅取消事件失败: %w", err)
	}
	r.subscriptions = []*messenger.Subscription{runSub, cancelSub}
	r.cancel = cancel

	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		r.heartbeatLoop(loopCtx)
	}()

	r.running = true
	log.Printf("[TaskRunner] ✅ 执行器已启动: runnerId=%s, domain=%s", r.opts.RunnerID, r.opts.Domain)
	return nil
}

// Stop 释放订阅并停止心跳（对外导出）
// 进行中的任务不会被强制终止，它们会自行结束或在租约过期后被回收
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for _, sub := range r.subscriptions {
		sub.Dispose()
	}
	r.subscriptions = nil
	r.cancel()
	r.mu.Unlock()

	r.loops.Wait()
	log.Printf("[TaskRunner] 执行器已停止: runnerId=%s", r.opts.RunnerID)
}

// Wait 等待所有进行中的任务结束
func (r *TaskRunner) Wait() {
	r.inflight.Wait()
}

// ActiveTaskCount 本地跟踪的任务数
func (r *TaskRunner) ActiveTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeTasks)
}

// ========== 执行 ==========

func (r *TaskRunner) handleRunTask(ev messenger.RunTaskEvent) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if _, ok := r.activeTasks[ev.TaskID]; ok {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.inflight.Done()
		r.runTask(context.Background(), storage.TaskRef{GraphID: ev.GraphID, TaskID: ev.TaskID})
	}()
}

// runTask 领取租约、执行Job、记录结果并发布任务结束事件
func (r *TaskRunner) runTask(ctx context.Context, ref storage.TaskRef) {
	rec, err := r.store.CheckoutTaskForRunner(ctx, r.opts.RunnerID, ref)
	if err != nil {
		log.Printf("[TaskRunner] ❌ 获取执行器租约失败: runnerId=%s, taskId=%s, error=%v", r.opts.RunnerID, ref.TaskID, err)
		return
	}
	if rec == nil {
		r.debugf("任务已被其他执行器领取: taskId=%s", ref.TaskID)
		return
	}

	active := &activeTask{ref: ref}
	r.mu.Lock()
	r.activeTasks[ref.TaskID] = active
	delete(r.lostTasks, ref.TaskID)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeTasks, ref.TaskID)
		r.mu.Unlock()
	}()

	t, shared, err := r.loadTask(ctx, ref)
	if err != nil {
		log.Printf("[TaskRunner] ❌ 加载任务失败: runnerId=%s, taskId=%s, error=%v", r.opts.RunnerID, ref.TaskID, err)
		r.report(ctx, active, rec, &task.Result{State: types.StateFailed, Error: err, Context: shared})
		return
	}

	r.mu.Lock()
	active.task = t
	pendingCancel := active.cancelErr
	r.mu.Unlock()
	if pendingCancel != nil {
		t.Cancel(pendingCancel)
	}

	log.Printf("[TaskRunner] ▶️ 开始执行任务: graphId=%s, taskId=%s, label=%s, job=%s", ref.GraphID, ref.TaskID, t.Label, t.RunJob)
	result := t.Run(ctx, r.registry, ref.GraphID, shared)
	log.Printf("[TaskRunner] ⏹️ 任务结束: graphId=%s, taskId=%s, state=%s, duration=%s", ref.GraphID, ref.TaskID, result.State, result.Duration)
	r.report(ctx, active, rec, result)
}

// loadTask 从图实例快照中还原任务与图的共享上下文
func (r *TaskRunner) loadTask(ctx context.Context, ref storage.TaskRef) (*task.Task, map[string]interface{}, error) {
	data, err := r.store.GetTaskByID(ctx, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("读取任务数据失败: %w", err)
	}
	if data == nil {
		return nil, nil, types.NewNotFoundError("图 %s 中不存在任务 %s", ref.GraphID, ref.TaskID)
	}
	var t task.Task
	if err := json.Unmarshal(data.Task, &t); err != nil {
		return nil, data.Context, fmt.Errorf("解析任务 %s 失败: %w", ref.TaskID, err)
	}
	// 快照中的状态可能来自取消前的写入，执行以记录为准
	t.State = types.StatePending
	t.Error = ""
	shared := data.Context
	if shared == nil {
		shared = make(map[string]interface{})
	}
	return &t, shared, nil
}

// report 记录结果并发布事件；租约已被回收时不再上报
func (r *TaskRunner) report(ctx context.Context, active *activeTask, rec *storage.TaskDependency, result *task.Result) {
	r.mu.Lock()
	revoked := active.revoked
	r.mu.Unlock()
	if revoked {
		log.Printf("[TaskRunner] ⚠️ 租约已被回收，丢弃任务结果: taskId=%s, state=%s", rec.TaskID, result.State)
		return
	}

	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	matched, err := r.store.SetTaskState(ctx, storage.TaskStateUpdate{
		GraphID:  rec.GraphID,
		TaskID:   rec.TaskID,
		RunnerID: r.opts.RunnerID,
		State:    result.State,
		Context:  result.Context,
	})
	if err != nil {
		// 记录仍由本执行器持有，租约过期后任务会被重新调度
		log.Printf("[TaskRunner] ❌ 记录任务结果失败: taskId=%s, error=%v", rec.TaskID, err)
		return
	}
	if !matched {
		log.Printf("[TaskRunner] ⚠️ 任务记录已不属于本执行器，丢弃任务结果: taskId=%s, state=%s", rec.TaskID, result.State)
		return
	}
	ev := messenger.TaskFinishedEvent{
		TaskID:           rec.TaskID,
		GraphID:          rec.GraphID,
		Domain:           rec.Domain,
		State:            result.State,
		Error:            errMsg,
		Context:          result.Context,
		TerminalOnStates: rec.TerminalOnStates,
	}
	if err := r.messenger.PublishTaskFinished(ctx, ev); err != nil {
		log.Printf("[TaskRunner] ⚠️ 发布任务结束事件失败: taskId=%s, error=%v", rec.TaskID, err)
	}
}

// handleCancel 取消本地正在执行的任务
func (r *TaskRunner) handleCancel(ev messenger.CancelTaskEvent) {
	r.mu.Lock()
	active, ok := r.activeTasks[ev.TaskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "任务已被取消"
	}
	cancelErr := types.NewTaskCancellationError("%s", reason)
	t := active.task
	if t == nil {
		active.cancelErr = cancelErr
	}
	r.mu.Unlock()

	if t != nil {
		log.Printf("[TaskRunner] 🛑 取消任务: taskId=%s, reason=%s", ev.TaskID, reason)
		t.Cancel(cancelErr)
	}
}

// ========== 心跳 ==========

func (r *TaskRunner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[TaskRunner] ❌ 心跳失败: runnerId=%s, error=%v", r.opts.RunnerID, err)
			}
		}
	}
}

// Heartbeat 刷新租约心跳，并与本地跟踪的任务对账（对外导出）
// 本地跟踪但Store中已不属于本执行器：租约已被回收，停止这些任务
// Store中属于本执行器但本地未跟踪：丢失的任务，超过LostTaskLimit次后释放租约
// 数量一致时两种情况也可能同时出现，因此按任务ID集合对账
func (r *TaskRunner) Heartbeat(ctx context.Context) error {
	// 只对账查询前已在本地跟踪的任务，刚领取的任务可能不在查询结果中
	r.mu.Lock()
	tracked := make(map[string]struct{}, len(r.activeTasks))
	for id := range r.activeTasks {
		tracked[id] = struct{}{}
	}
	r.mu.Unlock()

	owned, err := r.store.HeartbeatTasksForRunner(ctx, r.opts.RunnerID)
	if err != nil {
		return fmt.Errorf("刷新租约心跳失败: %w", err)
	}

	records, err := r.store.GetOwnTasks(ctx, r.opts.RunnerID)
	if err != nil {
		return fmt.Errorf("查询自身租约失败: %w", err)
	}
	ownedIDs := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ownedIDs[rec.TaskID] = struct{}{}
	}

	r.mu.Lock()
	local := len(r.activeTasks)
	r.mu.Unlock()
	if owned != local {
		r.debugf("租约数量与本地任务不一致: owned=%d, local=%d", owned, local)
	}

	r.stopUnownedTasks(tracked, ownedIDs)
	r.releaseLostTasks(ctx, records)
	return nil
}

// stopUnownedTasks 停止租约已不属于本执行器的任务
func (r *TaskRunner) stopUnownedTasks(tracked, ownedIDs map[string]struct{}) {
	var unowned []*task.Task
	r.mu.Lock()
	for id := range tracked {
		active, ok := r.activeTasks[id]
		if !ok || active.revoked {
			continue
		}
		if _, ok := ownedIDs[id]; ok {
			continue
		}
		active.revoked = true
		if active.task != nil {
			unowned = append(unowned, active.task)
		} else {
			active.cancelErr = types.NewTaskCancellationError("任务 %s 的执行器租约已失效", id)
		}
		log.Printf("[TaskRunner] ⚠️ 任务租约已被回收，停止本地执行: runnerId=%s, taskId=%s", r.opts.RunnerID, id)
	}
	r.mu.Unlock()

	for _, t := range unowned {
		t.Cancel(types.NewTaskCancellationError("任务 %s 的执行器租约已失效", t.InstanceID))
	}
}

// releaseLostTasks 释放本地未跟踪、但Store中仍属于本执行器的租约
func (r *TaskRunner) releaseLostTasks(ctx context.Context, records []*storage.TaskDependency) {
	var release []string
	r.mu.Lock()
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.TaskID] = struct{}{}
		if _, ok := r.activeTasks[rec.TaskID]; ok {
			continue
		}
		r.lostTasks[rec.TaskID]++
		if r.lostTasks[rec.TaskID] > r.opts.LostTaskLimit {
			release = append(release, rec.TaskID)
			delete(r.lostTasks, rec.TaskID)
		}
	}
	for id := range r.lostTasks {
		if _, ok := seen[id]; !ok {
			delete(r.lostTasks, id)
		}
	}
	r.mu.Unlock()

	for _, id := range release {
		ok, err := r.store.ReleaseLease(ctx, id, r.opts.RunnerID)
		if err != nil {
			log.Printf("[TaskRunner] ❌ 释放丢失任务的租约失败: taskId=%s, error=%v", id, err)
			continue
		}
		if ok {
			log.Printf("[TaskRunner] ♻️ 已释放丢失任务的租约: runnerId=%s, taskId=%s", r.opts.RunnerID, id)
		}
	}
}

func (r *TaskRunner) debugf(format string, args ...interface{}) {
	if r.opts.Debug {
		log.Printf("[TaskRunner] "+format, args...)
	}
}
