package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JobContext Job执行上下文，提供类型安全的API访问任务选项与图共享上下文（对外导出）
type JobContext struct {
	ctx     context.Context // 底层context，用于超时、取消
	TaskID  string
	GraphID string
	Label   string
	Options map[string]interface{}

	mu     sync.Mutex
	shared map[string]interface{} // 图的共享上下文，Job可以写入
}

// NewJobContext 创建JobContext（对外导出）
func NewJobContext(ctx context.Context, taskID, graphID, label string, options, shared map[string]interface{}) *JobContext {
	if shared == nil {
		shared = make(map[string]interface{})
	}
	ctx = WithTaskLabel(WithGraphID(WithTaskID(ctx, taskID), graphID), label)
	return &JobContext{
		ctx:     ctx,
		TaskID:  taskID,
		GraphID: graphID,
		Label:   label,
		Options: options,
		shared:  shared,
	}
}

// Context 返回底层context
func (jc *JobContext) Context() context.Context {
	return jc.ctx
}

// Done 取消信号
func (jc *JobContext) Done() <-chan struct{} {
	return jc.ctx.Done()
}

// Err 返回context错误
func (jc *JobContext) Err() error {
	return jc.ctx.Err()
}

// GetOption 获取选项原始值
func (jc *JobContext) GetOption(key string) interface{} {
	if jc.Options == nil {
		return nil
	}
	return jc.Options[key]
}

// HasOption 检查选项是否存在
func (jc *JobContext) HasOption(key string) bool {
	if jc.Options == nil {
		return false
	}
	_, exists := jc.Options[key]
	return exists
}

// GetOptionString 获取字符串选项
func (jc *JobContext) GetOptionString(key string) string {
	val := jc.GetOption(key)
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", val)
}

// GetOptionInt 获取整数选项（对外导出）
func (jc *JobContext) GetOptionInt(key string) (int, error) {
	val := jc.GetOption(key)
	if val == nil {
		return 0, fmt.Errorf("选项 %s 不存在", key)
	}
	switch v := val.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		var i int
		_, err := fmt.Sscanf(v, "%d", &i)
		return i, err
	default:
		return 0, fmt.Errorf("选项 %s 类型不是整数，当前类型: %T", key, val)
	}
}

// GetOptionBool 获取布尔选项
func (jc *JobContext) GetOptionBool(key string) (bool, error) {
	val := jc.GetOption(key)
	if val == nil {
		return false, fmt.Errorf("选项 %s 不存在", key)
	}
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return v == "true" || v == "1" || v == "yes", nil
	default:
		return false, fmt.Errorf("选项 %s 类型不是布尔值，当前类型: %T", key, val)
	}
}

// GetOptionDuration 获取以毫秒表示的时长选项
func (jc *JobContext) GetOptionDuration(key string) (time.Duration, error) {
	ms, err := jc.GetOptionInt(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Set 写入图共享上下文
func (jc *JobContext) Set(key string, value interface{}) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.shared[key] = value
}

// Get 读取图共享上下文
func (jc *JobContext) Get(key string) (interface{}, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	v, ok := jc.shared[key]
	return v, ok
}

// Shared 返回共享上下文的快照
func (jc *JobContext) Shared() map[string]interface{} {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	snapshot := make(map[string]interface{}, len(jc.shared))
	for k, v := range jc.shared {
		snapshot[k] = v
	}
	return snapshot
}
