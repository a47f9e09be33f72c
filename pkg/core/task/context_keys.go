package task

import "context"

// context key类型，用于类型安全的context.Value访问
type contextKey string

const (
	// TaskIDKey 任务实例ID在context中的key
	TaskIDKey contextKey = "taskgraph.task.id"
	// GraphIDKey 图实例ID在context中的key
	GraphIDKey contextKey = "taskgraph.graph.id"
	// TaskLabelKey 任务label在context中的key
	TaskLabelKey contextKey = "taskgraph.task.label"
)

// WithTaskID 将任务ID添加到context中（对外导出）
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTaskID 从context中获取任务ID（对外导出）
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}

// WithGraphID 将图实例ID添加到context中（对外导出）
func WithGraphID(ctx context.Context, graphID string) context.Context {
	return context.WithValue(ctx, GraphIDKey, graphID)
}

// GetGraphID 从context中获取图实例ID（对外导出）
func GetGraphID(ctx context.Context) string {
	if id, ok := ctx.Value(GraphIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTaskLabel 将任务label添加到context中
func WithTaskLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, TaskLabelKey, label)
}

// GetTaskLabel 从context中获取任务label
func GetTaskLabel(ctx context.Context) string {
	if label, ok := ctx.Value(TaskLabelKey).(string); ok {
		return label
	}
	return ""
}
