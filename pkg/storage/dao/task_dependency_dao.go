package dao

import (
	"database/sql"
	"time"
)

// TaskDependencyDAO task_dependencies表的数据访问对象（内部使用）
type TaskDependencyDAO struct {
	TaskID              string         `db:"task_id"`
	GraphID             string         `db:"graph_id"`
	Domain              string         `db:"domain"`
	State               string         `db:"state"`
	Reachable           bool           `db:"reachable"`
	Evaluated           bool           `db:"evaluated"`
	IgnoreFailure       bool           `db:"ignore_failure"`
	TerminalOnStates    string         `db:"terminal_on_states"` // ",a,b," 分隔格式
	SchedulerLease      string         `db:"scheduler_lease"`
	SchedulerHeartbeat  sql.NullTime   `db:"scheduler_heartbeat"`
	TaskRunnerLease     string         `db:"task_runner_lease"`
	TaskRunnerHeartbeat sql.NullTime   `db:"task_runner_heartbeat"`
	Context             sql.NullString `db:"context"` // JSON格式存储
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// TaskDependencyEdgeDAO task_dependency_edges表的数据访问对象（内部使用）
// 每条记录表示task_id仍在等待depends_on进入states中的某个状态
type TaskDependencyEdgeDAO struct {
	GraphID   string `db:"graph_id"`
	TaskID    string `db:"task_id"`
	DependsOn string `db:"depends_on"`
	States    string `db:"states"` // ",a,b," 分隔格式
}
