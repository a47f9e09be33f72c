// Package scheduler 集群调度：TaskScheduler、LeaseExpirationPoller、CompletedTaskPoller
// 多个调度器进程只通过共享Store上的条件更新协作，不依赖分布式锁
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval         = time.Second
	DefaultLeaseAdjust          = 60 * time.Second
	DefaultStageConcurrency     = 100
	DefaultUnevaluatedBatchSize = 200
)

// Concurrency 各阶段的并发上限
type Concurrency struct {
	// Evaluation 依赖更新阶段
	Evaluation int
	// FindReady 就绪任务查询阶段
	FindReady int
	// Dispatch 租约获取与run-task发布阶段
	Dispatch int
	// Completion 图完成检测阶段
	Completion int
	// UnevaluatedPoll 未评估任务轮询，默认1，评估缓慢时不会挤占派发
	UnevaluatedPoll int
}

// Options TaskScheduler配置
type Options struct {
	SchedulerID          string
	Domain               string
	PollInterval         time.Duration
	LeaseAdjust          time.Duration
	UnevaluatedBatchSize int
	Concurrency          Concurrency
	// Debug 打印每条流水线消息
	Debug bool
}

func (o *Options) applyDefaults() {
	if o.SchedulerID == "" {
		o.SchedulerID = uuid.NewString()
	}
	if o.Domain == "" {
		o.Domain = types.DefaultDomain
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LeaseAdjust <= 0 {
		o.LeaseAdjust = DefaultLeaseAdjust
	}
	if o.UnevaluatedBatchSize <= 0 {
		o.UnevaluatedBatchSize = DefaultUnevaluatedBatchSize
	}
	c := &o.Concurrency
	for _, v := range []*int{&c.Evaluation, &c.FindReady, &c.Dispatch, &c.Completion} {
		if *v <= 0 {
			*v = DefaultStageConcurrency
		}
	}
	if c.UnevaluatedPoll <= 0 {
		c.UnevaluatedPoll = 1
	}
}

// finishedTask 进入评估阶段的已结束任务
type finishedTask struct {
	GraphID          string
	TaskID           string
	State            types.State
	TerminalOnStates []types.State
}

func (f finishedTask) isTerminal() bool {
	return types.StateList(f.TerminalOnStates).Contains(f.State)
}

// TaskScheduler 集群调度器（对外导出）
// 评估 → 就绪 → 派发 → 完成，每个阶段独立限流，事件只是轮询之上的加速
type TaskScheduler struct {
	store     storage.Store
	messenger messenger.Messenger
	opts      Options
	completer *graphCompleter

	evaluation      *stageLimiter
	findReady       *stageLimiter
	dispatch        *stageLimiter
	completion      *stageLimiter
	unevaluatedPoll *stageLimiter

	mu            sync.Mutex
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	subscriptions []*messenger.Subscription
	// stageMu 保证Stop取消ctx之后不再有阶段向wg登记
	stageMu sync.RWMutex
}

// NewTaskScheduler 创建TaskScheduler（对外导出的工厂方法）
func NewTaskScheduler(store storage.Store, msg messenger.Messenger, opts Options) (*TaskScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("TaskScheduler需要Store")
	}
	if msg == nil {
		return nil, fmt.Errorf("TaskScheduler需要Messenger")
	}
	opts.applyDefaults()
	return &TaskScheduler{
		store:           store,
		messenger:       msg,
		opts:            opts,
		completer:       &graphCompleter{store: store, messenger: msg, tag: "TaskScheduler"},
		evaluation:      newStageLimiter("evaluation", opts.Concurrency.Evaluation),
		findReady:       newStageLimiter("find-ready", opts.Concurrency.FindReady),
		dispatch:        newStageLimiter("dispatch", opts.Concurrency.Dispatch),
		completion:      newStageLimiter("completion", opts.Concurrency.Completion),
		unevaluatedPoll: newStageLimiter("unevaluated-poll", opts.Concurrency.UnevaluatedPoll),
	}, nil
}

// SchedulerID 调度器实例ID（租约持有者标识）
func (s *TaskScheduler) SchedulerID() string {
	return s.opts.SchedulerID
}

// Domain 调度器负责的域
func (s *TaskScheduler) Domain() string {
	return s.opts.Domain
}

// Start 订阅事件流并启动轮询（对外导出）
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("TaskScheduler %s 已在运行", s.opts.SchedulerID)
	}
	s.stageMu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stageMu.Unlock()

	finishedSub, err := s.messenger.SubscribeTaskFinished(s.ctx, s.opts.Domain, s.handleTaskFinished)
	if err != nil {
		s.cancel()
		return fmt.Errorf("订阅任务结束事件失败: %w", err)
	}
	graphSub, err := s.messenger.SubscribeRunTaskGraph(s.ctx, s.opts.Domain, s.handleRunGraph)
	if err != nil {
		finishedSub.Dispose()
		s.cancel()
		return fmt.Errorf("订阅run-graph事件失败: %w", err)
	}
	s.subscriptions = []*messenger.Subscription{finishedSub, graphSub}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop()
	}()

	s.running = true
	log.Printf("[TaskScheduler] ✅ 调度器已启动: schedulerId=%s, domain=%s, pollInterval=%s",
		s.opts.SchedulerID, s.opts.Domain, s.opts.PollInterval)
	return nil
}

// Stop 停止调度器并等待进行中的阶段退出（对外导出）
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, sub := range s.subscriptions {
		sub.Dispose()
	}
	s.subscriptions = nil
	s.stageMu.Lock()
	s.cancel()
	s.stageMu.Unlock()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[TaskScheduler] 调度器已停止: schedulerId=%s", s.opts.SchedulerID)
	case <-time.After(30 * time.Second):
		log.Printf("[TaskScheduler] ⚠️ 等待调度器阶段退出超时: schedulerId=%s", s.opts.SchedulerID)
	}
}

// goStage 调度器已停止时拒绝新的阶段工作
func (s *TaskScheduler) goStage(l *stageLimiter, fn func()) bool {
	s.stageMu.RLock()
	defer s.stageMu.RUnlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}
	return l.TryGo(&s.wg, fn)
}

// pollLoop 轮询是事件丢失时的兜底
func (s *TaskScheduler) pollLoop() {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *TaskScheduler) tick() {
	s.goStage(s.unevaluatedPoll, s.pollUnevaluatedTasks)
	s.triggerFindReady("")
}

// ========== 评估阶段 ==========

func (s *TaskScheduler) handleTaskFinished(ev messenger.TaskFinishedEvent) {
	s.debugf("收到任务结束事件: graphId=%s, taskId=%s, state=%s", ev.GraphID, ev.TaskID, ev.State)
	s.triggerEvaluation(finishedTask{
		GraphID:          ev.GraphID,
		TaskID:           ev.TaskID,
		State:            ev.State,
		TerminalOnStates: ev.TerminalOnStates,
	})
}

// pollUnevaluatedTasks 查询已结束但尚未评估的记录
func (s *TaskScheduler) pollUnevaluatedTasks() {
	records, err := s.store.FindUnevaluatedTasks(s.ctx, s.opts.SchedulerID, s.opts.Domain, s.opts.LeaseAdjust, s.opts.UnevaluatedBatchSize)
	if err != nil {
		s.logError("查询未评估任务", err)
		return
	}
	for _, rec := range records {
		s.triggerEvaluation(finishedTask{
			GraphID:          rec.GraphID,
			TaskID:           rec.TaskID,
			State:            rec.State,
			TerminalOnStates: rec.TerminalOnStates,
		})
	}
}

func (s *TaskScheduler) triggerEvaluation(ft finishedTask) {
	if !s.goStage(s.evaluation, func() { s.evaluateTask(ft) }) {
		s.debugf("评估阶段已满，丢弃: taskId=%s", ft.TaskID)
	}
}

// evaluateTask 依次更新依赖、标记不可达后继、标记已评估，任一步失败则留待下一轮重试
// 每一步都是幂等的集合操作，重复执行是安全的
func (s *TaskScheduler) evaluateTask(ft finishedTask) {
	ctx := s.ctx
	ev := storage.TaskEvaluation{GraphID: ft.GraphID, TaskID: ft.TaskID, State: ft.State}

	// 事件只是加速手段，状态以记录为准；记录未结束或状态不一致的事件直接丢弃
	rec, err := s.store.GetTaskDependency(ctx, ft.TaskID)
	if err != nil {
		s.logError("查询任务依赖记录", err, ft.TaskID)
		return
	}
	if rec == nil || rec.GraphID != ft.GraphID || rec.State != ft.State {
		s.debugf("事件状态与记录不一致，跳过评估: taskId=%s, state=%s", ft.TaskID, ft.State)
		return
	}

	// 未被处理的失败先使图失败，之后仍继续更新依赖，使后继被标记为unreachable
	if ft.State.IsFailed() {
		handled, err := s.store.IsTaskFailureHandled(ctx, ft.GraphID, ft.TaskID, ft.State)
		if err != nil {
			s.logError("检查任务失败是否被处理", err, ft.TaskID)
			return
		}
		if !handled {
			if err := s.completer.setGraphDone(ctx, ft.GraphID, types.StateFailed); err != nil {
				s.logError("设置图失败", err, ft.TaskID)
				return
			}
		}
	}

	if err := s.store.UpdateGraphTaskState(ctx, ft.GraphID, ft.TaskID, ft.State); err != nil {
		s.logError("更新图中的任务状态", err, ft.TaskID)
		return
	}
	if err := s.store.UpdateDependentTasks(ctx, ev); err != nil {
		s.logError("更新依赖任务", err, ft.TaskID)
		return
	}
	if err := s.store.UpdateUnreachableTasks(ctx, ev); err != nil {
		s.logError("更新不可达任务", err, ft.TaskID)
		return
	}
	if err := s.store.MarkTaskEvaluated(ctx, ev); err != nil {
		s.logError("标记任务已评估", err, ft.TaskID)
		return
	}
	s.debugf("任务已评估: graphId=%s, taskId=%s, state=%s", ft.GraphID, ft.TaskID, ft.State)

	if ft.isTerminal() {
		s.triggerCompletion(ft)
		return
	}
	s.triggerFindReady(ft.GraphID)
}

// ========== 完成阶段 ==========

func (s *TaskScheduler) triggerCompletion(ft finishedTask) {
	if !s.goStage(s.completion, func() { s.checkGraphCompletion(ft) }) {
		s.debugf("完成检测阶段已满，丢弃: graphId=%s", ft.GraphID)
	}
}

func (s *TaskScheduler) checkGraphCompletion(ft finishedTask) {
	done, err := s.completer.checkTerminalTask(s.ctx, ft.GraphID, ft.TaskID, ft.State)
	if err != nil {
		s.logError("检查图是否结束", err, ft.TaskID)
		return
	}
	if !done {
		s.triggerFindReady(ft.GraphID)
	}
}

// ========== 就绪与派发阶段 ==========

// triggerFindReady graphID为空时查询整个域
func (s *TaskScheduler) triggerFindReady(graphID string) {
	if !s.goStage(s.findReady, func() { s.findReadyTasks(graphID) }) {
		s.debugf("就绪查询阶段已满，丢弃: graphId=%s", graphID)
	}
}

func (s *TaskScheduler) findReadyTasks(graphID string) {
	ready, err := s.store.FindReadyTasks(s.ctx, s.opts.Domain, graphID)
	if err != nil {
		s.logError("查询就绪任务", err)
		return
	}
	for _, ref := range ready.Tasks {
		if !s.goStage(s.dispatch, func() { s.dispatchTask(ref) }) {
			s.debugf("派发阶段已满，丢弃: taskId=%s", ref.TaskID)
		}
	}
	if graphID == "" {
		s.findPotentialFinishedGraphs(ready)
	}
}

// dispatchTask 获取调度器租约成功后才发布run-task，获取失败说明其他调度器已接手
func (s *TaskScheduler) dispatchTask(ref storage.TaskRef) {
	rec, err := s.store.CheckoutTaskForScheduler(s.ctx, s.opts.SchedulerID, s.opts.Domain, ref, s.opts.LeaseAdjust)
	if err != nil {
		s.logError("获取调度器租约", err, ref.TaskID)
		return
	}
	if rec == nil {
		s.debugf("任务已被其他调度器持有: taskId=%s", ref.TaskID)
		return
	}
	ev := messenger.RunTaskEvent{TaskID: ref.TaskID, GraphID: ref.GraphID, Domain: s.opts.Domain}
	if err := s.messenger.PublishRunTask(s.ctx, ev); err != nil {
		s.logError("发布run-task事件", err, ref.TaskID)
		return
	}
	s.debugf("📤 已派发任务: graphId=%s, taskId=%s", ref.GraphID, ref.TaskID)
}

// findPotentialFinishedGraphs 没有就绪任务的活跃图可能已经结束，但其完成事件被丢弃了
func (s *TaskScheduler) findPotentialFinishedGraphs(ready *storage.ReadyTasks) {
	withReady := make(map[string]struct{}, len(ready.Tasks))
	for _, ref := range ready.Tasks {
		withReady[ref.GraphID] = struct{}{}
	}
	graphs, err := s.store.FindActiveGraphs(s.ctx, s.opts.Domain)
	if err != nil {
		s.logError("查询活跃图", err)
		return
	}
	for _, obj := range graphs {
		if _, ok := withReady[obj.InstanceID]; ok || obj.Status != types.StateRunning {
			continue
		}
		graphID := obj.InstanceID
		if !s.goStage(s.completion, func() {
			if _, err := s.completer.checkGraphSucceeded(s.ctx, graphID); err != nil {
				s.logError("检查潜在已结束的图", err)
			}
		}) {
			s.debugf("完成检测阶段已满，丢弃: graphId=%s", graphID)
		}
	}
}

// ========== 启动图 ==========

// handleRunGraph 为已持久化的图补齐任务依赖记录并触发评估
func (s *TaskScheduler) handleRunGraph(ev messenger.RunGraphEvent) {
	obj, err := s.store.GetGraphObject(s.ctx, ev.GraphID)
	if err != nil {
		s.logError("读取图实例", err)
		return
	}
	if obj == nil {
		log.Printf("[TaskScheduler] ⚠️ run-graph事件引用的图不存在: graphId=%s", ev.GraphID)
		return
	}
	g, err := graph.FromObject(obj)
	if err != nil {
		s.logError("还原图实例", err)
		return
	}
	for _, item := range g.CreateTaskDependencyItems() {
		if err := s.store.PersistTaskDependencies(s.ctx, item); err != nil {
			s.logError("保存任务依赖记录", err, item.TaskID)
			return
		}
	}
	s.debugf("图已进入调度: graphId=%s, tasks=%d", ev.GraphID, len(g.Tasks))
	s.triggerFindReady(ev.GraphID)
}

// ========== 日志 ==========

func (s *TaskScheduler) logError(action string, err error, ids ...string) {
	if s.ctx.Err() != nil {
		return
	}
	log.Printf("[TaskScheduler] ❌ %s失败: schedulerId=%s, ids=%v, error=%v", action, s.opts.SchedulerID, ids, err)
}

func (s *TaskScheduler) debugf(format string, args ...interface{}) {
	if s.opts.Debug {
		log.Printf("[TaskScheduler] "+format, args...)
	}
}
