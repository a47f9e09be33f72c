package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/jmoiron/sqlx"
)

// Store 基于sqlx的Store实现（对外导出）
// 协调操作均为单条带条件的UPDATE/DELETE，以RowsAffected判断是否命中
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// SchemaErrorFilter 方言可选实现：判断建表/建索引错误是否可以忽略（如索引已存在）
type SchemaErrorFilter interface {
	IgnorableSchemaError(err error) bool
}

// New 创建Store实例并初始化表结构（对外导出）
func New(db *sqlx.DB, dialect storage.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("配置数据库失败: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return s, nil
}

// DB 获取底层数据库连接（对外导出）
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect 获取SQL方言
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Close 关闭数据库连接（对外导出）
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initSchema 初始化数据库表结构
// DDL以SQLite语法书写，由方言转换
func (s *Store) initSchema() error {
	text := s.dialect.TextType()
	statements := []string{
		// 图定义表
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_definitions (
			injectable_name VARCHAR(255) PRIMARY KEY,
			friendly_name VARCHAR(255) NOT NULL,
			service_graph BOOLEAN NOT NULL DEFAULT 0,
			definition %s NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`, text),
		// 任务定义表
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_definitions (
			injectable_name VARCHAR(255) PRIMARY KEY,
			friendly_name VARCHAR(255) NOT NULL,
			implements_task VARCHAR(255) NOT NULL,
			definition %s NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`, text),
		// 图实例表
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_objects (
			instance_id VARCHAR(64) PRIMARY KEY,
			injectable_name VARCHAR(255) NOT NULL,
			domain VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			active_target VARCHAR(255) NULL UNIQUE,
			service_graph BOOLEAN NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			document %s NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`, text),
		`CREATE INDEX IF NOT EXISTS idx_graph_objects_domain_status ON graph_objects (domain, status)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_objects_target_status ON graph_objects (target, status)`,
		// 图实例中的任务状态投影
		`CREATE TABLE IF NOT EXISTS graph_object_tasks (
			graph_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			state VARCHAR(32) NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (graph_id, task_id)
		)`,
		// 任务依赖记录表
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id VARCHAR(64) PRIMARY KEY,
			graph_id VARCHAR(64) NOT NULL,
			domain VARCHAR(255) NOT NULL,
			state VARCHAR(32) NOT NULL,
			reachable BOOLEAN NOT NULL DEFAULT 1,
			evaluated BOOLEAN NOT NULL DEFAULT 0,
			ignore_failure BOOLEAN NOT NULL DEFAULT 0,
			terminal_on_states VARCHAR(255) NOT NULL,
			scheduler_lease VARCHAR(64) NOT NULL,
			scheduler_heartbeat DATETIME NULL,
			task_runner_lease VARCHAR(64) NOT NULL,
			task_runner_heartbeat DATETIME NULL,
			context %s NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`, text),
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_domain_state ON task_dependencies (domain, state, evaluated)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_graph ON task_dependencies (graph_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_runner ON task_dependencies (task_runner_lease)`,
		// 未解决的依赖边
		`CREATE TABLE IF NOT EXISTS task_dependency_edges (
			graph_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			depends_on VARCHAR(64) NOT NULL,
			states VARCHAR(255) NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependency_edges_upstream ON task_dependency_edges (graph_id, depends_on)`,
	}

	filter, _ := s.dialect.(SchemaErrorFilter)
	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.CreateTableSQL(stmt)); err != nil {
			if filter != nil && filter.IgnorableSchemaError(err) {
				continue
			}
			return fmt.Errorf("执行DDL失败 [%s]: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// now 统一使用UTC并截断到微秒，与各数据库时间精度一致
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// rowsAffected 读取条件更新的命中行数
func rowsAffected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return n, nil
}

// in 展开IN子句并按方言重新绑定占位符
func (s *Store) in(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), a, nil
}

// exec 按方言重新绑定占位符后执行
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.Index(stmt, "\n"); i > 0 {
		return stmt[:i]
	}
	return stmt
}

var _ storage.Store = (*Store)(nil)
