package sqlite

import (
	"fmt"
	"strings"

	"github.com/LENAX/task-graph/pkg/storage"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名称
func (d *SQLiteDialect) DriverName() string {
	return "sqlite3"
}

// Placeholder 返回占位符（SQLite使用?）
func (d *SQLiteDialect) Placeholder(index int) string {
	return "?"
}

// UpsertSQL 返回SQLite的UPSERT语句
func (d *SQLiteDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	// SQLite 3.24+ 支持 ON CONFLICT ... DO UPDATE，不会像INSERT OR REPLACE那样重建整行
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = excluded.%s", col, col)
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

// InsertIgnoreSQL 返回SQLite的INSERT OR IGNORE语句
func (d *SQLiteDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
	)
}

// CreateTableSQL 返回创建表的DDL（SQLite原样返回）
func (d *SQLiteDialect) CreateTableSQL(schema string) string {
	return schema
}

// ConfigureDB 返回SQLite配置SQL
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}
}

// AutoIncrementKeyword 返回SQLite自增关键字
func (d *SQLiteDialect) AutoIncrementKeyword() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// BooleanType 返回SQLite布尔类型
func (d *SQLiteDialect) BooleanType() string {
	return "INTEGER"
}

// TextType 返回SQLite文本类型
func (d *SQLiteDialect) TextType() string {
	return "TEXT"
}

// TimestampType 返回SQLite时间戳类型
func (d *SQLiteDialect) TimestampType() string {
	return "DATETIME"
}

func namedPlaceholders(columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = ":" + col
	}
	return strings.Join(parts, ", ")
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)
