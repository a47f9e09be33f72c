package mysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LENAX/task-graph/pkg/storage"
	mysqldriver "github.com/go-sql-driver/mysql"
)

const errDupKeyName = 1061

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名称
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// Placeholder 返回占位符（MySQL使用?）
func (d *MySQLDialect) Placeholder(index int) string {
	return "?"
}

// UpsertSQL 返回MySQL的UPSERT语句（使用ON DUPLICATE KEY UPDATE）
func (d *MySQLDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回MySQL的INSERT IGNORE语句
func (d *MySQLDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
	)
}

// CreateTableSQL 转换DDL为MySQL兼容格式
func (d *MySQLDialect) CreateTableSQL(schema string) string {
	result := schema

	// 替换AUTOINCREMENT为AUTO_INCREMENT
	result = strings.ReplaceAll(result, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")

	// TEXT主键/索引列在MySQL中需要长度，约定以VARCHAR(255)声明键列
	// 时间戳保留微秒精度，保证租约心跳比较的准确性
	result = strings.ReplaceAll(result, "DATETIME", "DATETIME(6)")

	// MySQL不支持CREATE INDEX IF NOT EXISTS，重复建索引的错误由IgnorableSchemaError忽略
	result = strings.Replace(result, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)

	// 添加引擎声明
	if !strings.Contains(result, "ENGINE=") && strings.Contains(result, "CREATE TABLE") {
		result = strings.TrimRight(strings.TrimSpace(result), ";") + " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}

	return result
}

// ConfigureDB 返回MySQL配置SQL
func (d *MySQLDialect) ConfigureDB() []string {
	return []string{
		"SET SESSION sql_mode='STRICT_TRANS_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE,ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION'",
	}
}

// AutoIncrementKeyword 返回MySQL自增关键字
func (d *MySQLDialect) AutoIncrementKeyword() string {
	return "BIGINT PRIMARY KEY AUTO_INCREMENT"
}

// BooleanType 返回MySQL布尔类型
func (d *MySQLDialect) BooleanType() string {
	return "TINYINT(1)"
}

// TextType 返回MySQL文本类型
func (d *MySQLDialect) TextType() string {
	return "LONGTEXT"
}

// TimestampType 返回MySQL时间戳类型
func (d *MySQLDialect) TimestampType() string {
	return "DATETIME(6)"
}

// IgnorableSchemaError 索引已存在（1061）时忽略建索引错误
func (d *MySQLDialect) IgnorableSchemaError(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDupKeyName
}

func namedPlaceholders(columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = ":" + col
	}
	return strings.Join(parts, ", ")
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
