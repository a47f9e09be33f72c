package messenger

import (
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
)

// RunTaskEvent 请求执行器执行一个就绪任务
type RunTaskEvent struct {
	TaskID  string `json:"taskId"`
	GraphID string `json:"graphId"`
	Domain  string `json:"domain"`
}

// TaskFinishedEvent 任务执行结束
type TaskFinishedEvent struct {
	TaskID           string                 `json:"taskId"`
	GraphID          string                 `json:"graphId"`
	Domain           string                 `json:"domain"`
	State            types.State            `json:"state"`
	Error            string                 `json:"error,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	TerminalOnStates []types.State          `json:"terminalOnStates,omitempty"`
}

// RunGraphEvent 请求调度器开始评估一个已持久化的图
type RunGraphEvent struct {
	GraphID string `json:"graphId"`
	Domain  string `json:"domain"`
}

// CancelTaskEvent 请求执行器取消正在运行的任务
type CancelTaskEvent struct {
	TaskID  string `json:"taskId"`
	GraphID string `json:"graphId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// GraphEvent 图生命周期通知
type GraphEvent struct {
	GraphID        string      `json:"graphId"`
	InjectableName string      `json:"injectableName"`
	Domain         string      `json:"domain"`
	Target         string      `json:"target,omitempty"`
	Status         types.State `json:"status"`
	Timestamp      time.Time   `json:"timestamp"`
}
