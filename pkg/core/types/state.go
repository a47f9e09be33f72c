package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// State 任务/图实例状态枚举（对外导出）
type State string

const (
	// StateValid 图已通过校验，尚未启动
	StateValid State = "valid"
	// StatePending 任务等待调度（图的非终态同样使用running）
	StatePending State = "pending"
	// StateRunning 图运行中
	StateRunning State = "running"
	// StateSucceeded 成功（终态）
	StateSucceeded State = "succeeded"
	// StateFailed 失败（终态）
	StateFailed State = "failed"
	// StateTimeout 超时（终态）
	StateTimeout State = "timeout"
	// StateCancelled 已取消（终态）
	StateCancelled State = "cancelled"

	// StateFinished waitOn哨兵值，匹配任意终态
	StateFinished State = "finished"
)

// FinishedStates 终态集合
var FinishedStates = []State{StateSucceeded, StateFailed, StateTimeout, StateCancelled}

// FailedStates 失败类终态集合
var FailedStates = []State{StateFailed, StateTimeout, StateCancelled}

// ActiveGraphStates 图的非终态集合
var ActiveGraphStates = []State{StateValid, StateRunning}

const (
	// DefaultDomain 默认调度域
	DefaultDomain = "default"
	// DefaultLeaseAdjust 默认租约过期阈值
	DefaultLeaseAdjust = 60 * time.Second
)

// IsFinished 是否为终态（对外导出）
func (s State) IsFinished() bool {
	return containsState(FinishedStates, s)
}

// IsFailed 是否为失败类终态（对外导出）
func (s State) IsFailed() bool {
	return containsState(FailedStates, s)
}

// IsActiveGraphState 图是否仍处于活跃状态
func (s State) IsActiveGraphState() bool {
	return containsState(ActiveGraphStates, s)
}

// IsValid 检查状态是否有效（对外导出）
func (s State) IsValid() bool {
	switch s {
	case StateValid, StatePending, StateRunning, StateSucceeded,
		StateFailed, StateTimeout, StateCancelled, StateFinished:
		return true
	default:
		return false
	}
}

// Satisfies 判断实际状态是否满足waitOn要求的状态
// "finished"匹配任意终态，其余状态要求完全相等
func Satisfies(actual State, required State) bool {
	if required == StateFinished {
		return actual.IsFinished()
	}
	return actual == required
}

func containsState(list []State, s State) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// StateList waitOn的目标状态列表
// 定义文件中既可以写成字符串，也可以写成字符串数组
type StateList []State

// Contains 列表是否包含指定状态
func (l StateList) Contains(s State) bool {
	return containsState(l, s)
}

// SatisfiedBy 任一目标状态被满足即返回true
func (l StateList) SatisfiedBy(actual State) bool {
	for _, required := range l {
		if Satisfies(actual, required) {
			return true
		}
	}
	return false
}

// Validate 校验列表中的状态值
func (l StateList) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("waitOn状态不能为空")
	}
	for _, s := range l {
		if !s.IsValid() {
			return fmt.Errorf("未知的waitOn状态: %s", s)
		}
	}
	return nil
}

// MarshalJSON 单个状态序列化为字符串
func (l StateList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(string(l[0]))
	}
	return json.Marshal([]State(l))
}

// UnmarshalJSON 同时接受字符串与数组
func (l *StateList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StateList{State(single)}
		return nil
	}
	var many []State
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("waitOn状态格式错误: %w", err)
	}
	*l = many
	return nil
}

// UnmarshalYAML 同时接受标量与序列
func (l *StateList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StateList{State(value.Value)}
		return nil
	case yaml.SequenceNode:
		var many []State
		if err := value.Decode(&many); err != nil {
			return err
		}
		*l = many
		return nil
	default:
		return fmt.Errorf("waitOn状态格式错误: line %d", value.Line)
	}
}
