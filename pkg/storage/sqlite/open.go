package sqlite

import (
	"fmt"
	"strings"

	"github.com/LENAX/task-graph/pkg/storage/sqlstore"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Open 打开SQLite数据库并初始化表结构（对外导出）
// SQLite同一时间只允许一个写事务，连接池限制为单连接以避免database is locked
func Open(dsn string) (*sqlstore.Store, error) {
	db, err := sqlx.Open("sqlite3", withDefaultParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开SQLite数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(db, NewSQLiteDialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// withDefaultParams 补充忙等待与时区参数
func withDefaultParams(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	params := []string{}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=30000")
	}
	if !strings.Contains(dsn, "_loc") {
		params = append(params, "_loc=UTC")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
