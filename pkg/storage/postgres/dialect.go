package postgres

import (
	"fmt"
	"strings"

	"github.com/LENAX/task-graph/pkg/storage"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名称（lib/pq）
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// Placeholder 返回占位符（PostgreSQL使用$1, $2...）
func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回PostgreSQL的ON CONFLICT DO NOTHING语句
func (d *PostgresDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
		conflictColumn,
	)
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) string {
	result := schema

	// DATETIME -> TIMESTAMP
	result = strings.ReplaceAll(result, "DATETIME", "TIMESTAMP")

	// 自增主键
	result = strings.ReplaceAll(result, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")

	// 布尔字段（约定：布尔列以 BOOLEAN 声明，SQLite同样接受）
	result = strings.ReplaceAll(result, "BOOLEAN NOT NULL DEFAULT 0", "BOOLEAN NOT NULL DEFAULT FALSE")
	result = strings.ReplaceAll(result, "BOOLEAN NOT NULL DEFAULT 1", "BOOLEAN NOT NULL DEFAULT TRUE")

	return result
}

// ConfigureDB 返回PostgreSQL配置SQL
func (d *PostgresDialect) ConfigureDB() []string {
	return []string{
		"SET timezone = 'UTC'",
	}
}

// AutoIncrementKeyword 返回PostgreSQL自增关键字
func (d *PostgresDialect) AutoIncrementKeyword() string {
	return "BIGSERIAL PRIMARY KEY"
}

// BooleanType 返回PostgreSQL布尔类型
func (d *PostgresDialect) BooleanType() string {
	return "BOOLEAN"
}

// TextType 返回PostgreSQL文本类型
func (d *PostgresDialect) TextType() string {
	return "TEXT"
}

// TimestampType 返回PostgreSQL时间戳类型
func (d *PostgresDialect) TimestampType() string {
	return "TIMESTAMP"
}

func namedPlaceholders(columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = ":" + col
	}
	return strings.Join(parts, ", ")
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
