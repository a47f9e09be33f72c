package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回database/sql驱动名称
	DriverName() string

	// Placeholder 返回指定位置的占位符
	// SQLite/MySQL: ? (忽略index)
	// PostgreSQL: $1, $2, ...
	Placeholder(index int) string

	// UpsertSQL 返回INSERT或UPDATE的SQL语句（命名参数）
	// conflictColumn: 冲突判断列，复合主键用逗号分隔
	// updateColumns: 需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// InsertIgnoreSQL 返回记录已存在时不做任何修改的INSERT语句（命名参数）
	InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string

	// CreateTableSQL 返回创建表的DDL语句
	// 输入为SQLite语法，各方言负责转换
	CreateTableSQL(schema string) string

	// ConfigureDB 配置数据库连接（如SQLite的PRAGMA）
	ConfigureDB() []string

	// AutoIncrementKeyword 返回自增主键关键字
	// SQLite: INTEGER PRIMARY KEY AUTOINCREMENT
	// MySQL: BIGINT PRIMARY KEY AUTO_INCREMENT
	// PostgreSQL: BIGSERIAL PRIMARY KEY
	AutoIncrementKeyword() string

	// BooleanType 返回布尔类型
	BooleanType() string

	// TextType 返回文本类型
	TextType() string

	// TimestampType 返回时间戳类型
	TimestampType() string
}
