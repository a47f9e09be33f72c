package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
)

// TimeoutOptionKey 任务超时选项（毫秒），大于0时生效
const TimeoutOptionKey = "taskTimeout"

// Task 展开后的图中的一个任务实例（对外导出）
type Task struct {
	InstanceID       string                     `json:"instanceId"`
	Label            string                     `json:"label"`
	InjectableName   string                     `json:"injectableName"`
	FriendlyName     string                     `json:"friendlyName"`
	RunJob           string                     `json:"runJob"`
	WaitingOn        map[string]types.StateList `json:"waitingOn"`
	State            types.State                `json:"state"`
	IgnoreFailure    bool                       `json:"ignoreFailure"`
	Options          map[string]interface{}     `json:"options"`
	Properties       map[string]interface{}     `json:"properties"`
	TerminalOnStates []types.State              `json:"terminalOnStates"`
	Error            string                     `json:"error,omitempty"`
	StartedAt        *time.Time                 `json:"startedAt,omitempty"`
	FinishedAt       *time.Time                 `json:"finishedAt,omitempty"`

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// Result 任务执行结果
type Result struct {
	State    types.State
	Error    error
	Context  map[string]interface{}
	Duration time.Duration
}

// IsPending 任务是否处于pending状态
func (t *Task) IsPending() bool {
	return t.State == types.StatePending
}

// IsFinished 任务是否已进入终态
func (t *Task) IsFinished() bool {
	return t.State.IsFinished()
}

// IsReady 判断任务是否可以运行（对外导出）
// 任务必须处于pending状态，且waitingOn中的每一项都已满足；lookup返回上游任务当前状态
func (t *Task) IsReady(lookup func(taskID string) (types.State, bool)) bool {
	if !t.IsPending() {
		return false
	}
	for upstream, required := range t.WaitingOn {
		state, ok := lookup(upstream)
		if !ok || !required.SatisfiedBy(state) {
			return false
		}
	}
	return true
}

// Run 执行任务并等待终态（对外导出）
// shared为图的共享上下文，Job对其的写入会出现在Result.Context中
func (t *Task) Run(ctx context.Context, registry *JobRegistry, graphID string, shared map[string]interface{}) *Result {
	job, ok := registry.Get(t.RunJob)
	if !ok {
		return t.finish(&Result{
			State:   types.StateFailed,
			Error:   fmt.Errorf("无法解析任务 %s 的job: %s", t.InstanceID, t.RunJob),
			Context: shared,
		})
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout := t.timeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	t.mu.Lock()
	if t.State.IsFinished() {
		result := &Result{State: t.State, Context: shared}
		if t.Error != "" {
			result.Error = errors.New(t.Error)
		}
		t.mu.Unlock()
		return result
	}
	now := time.Now().UTC()
	t.StartedAt = &now
	t.cancel = cancel
	t.mu.Unlock()

	jc := NewJobContext(runCtx, t.InstanceID, graphID, t.Label, t.Options, shared)
	var result *Result
	select {
	case state := <-Execute(jc, job):
		result = &Result{State: classify(runCtx, state.Error), Error: state.Error, Duration: state.Duration}
	case <-runCtx.Done():
		// Job未响应取消信号时不再等待
		result = &Result{State: classify(runCtx, runCtx.Err()), Error: context.Cause(runCtx)}
	}
	result.Context = jc.Shared()
	return t.finish(result)
}

// Cancel 取消任务（对外导出）
// 正在运行的任务收到取消信号；尚未结束的任务直接标记为cancelled
func (t *Task) Cancel(err error) {
	if err == nil {
		err = types.NewTaskCancellationError("任务 %s 已取消", t.InstanceID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel(err)
	}
	if !t.State.IsFinished() {
		t.State = types.StateCancelled
		t.Error = err.Error()
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
}

// IsTerminalOn 给定状态是否使该任务成为图的终结任务
func (t *Task) IsTerminalOn(state types.State) bool {
	return types.StateList(t.TerminalOnStates).Contains(state)
}

func (t *Task) finish(result *Result) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = nil
	if t.State.IsFinished() {
		// 已被取消
		result.State = t.State
		return result
	}
	t.State = result.State
	if result.Error != nil {
		t.Error = result.Error.Error()
	}
	now := time.Now().UTC()
	t.FinishedAt = &now
	return result
}

func (t *Task) timeout() time.Duration {
	v, ok := t.Options[TimeoutOptionKey]
	if !ok {
		return 0
	}
	jc := &JobContext{Options: map[string]interface{}{TimeoutOptionKey: v}}
	d, err := jc.GetOptionDuration(TimeoutOptionKey)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// classify 根据Job返回的错误与context状态推导终态
func classify(ctx context.Context, err error) types.State {
	if err == nil {
		return types.StateSucceeded
	}
	if types.IsTaskCancellation(context.Cause(ctx)) || types.IsTaskCancellation(err) {
		return types.StateCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.StateTimeout
	}
	if errors.Is(err, context.Canceled) {
		return types.StateCancelled
	}
	return types.StateFailed
}
