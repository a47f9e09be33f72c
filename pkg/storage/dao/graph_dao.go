package dao

import (
	"database/sql"
	"time"
)

// GraphDefinitionDAO graph_definitions表的数据访问对象（内部使用）
type GraphDefinitionDAO struct {
	InjectableName string    `db:"injectable_name"`
	FriendlyName   string    `db:"friendly_name"`
	ServiceGraph   bool      `db:"service_graph"`
	Definition     string    `db:"definition"` // JSON格式存储
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// TaskDefinitionDAO task_definitions表的数据访问对象（内部使用）
type TaskDefinitionDAO struct {
	InjectableName string    `db:"injectable_name"`
	FriendlyName   string    `db:"friendly_name"`
	ImplementsTask string    `db:"implements_task"`
	Definition     string    `db:"definition"` // JSON格式存储
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// GraphObjectDAO graph_objects表的数据访问对象（内部使用）
type GraphObjectDAO struct {
	InstanceID     string         `db:"instance_id"`
	InjectableName string         `db:"injectable_name"`
	Domain         string         `db:"domain"`
	Target         string         `db:"target"`
	ActiveTarget   sql.NullString `db:"active_target"` // 活跃实例的target，唯一约束保证同一target至多一个活跃实例
	ServiceGraph   bool           `db:"service_graph"`
	Status         string         `db:"status"`
	Document       string         `db:"document"` // 序列化后的图实例
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// GraphObjectTaskDAO graph_object_tasks表的数据访问对象（内部使用）
// 图实例中任务状态的投影，避免对整个文档做读-改-写
type GraphObjectTaskDAO struct {
	GraphID   string    `db:"graph_id"`
	TaskID    string    `db:"task_id"`
	State     string    `db:"state"`
	UpdatedAt time.Time `db:"updated_at"`
}
