package mysql

import (
	"fmt"
	"time"

	"github.com/LENAX/task-graph/pkg/storage/sqlstore"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Open 连接MySQL并初始化表结构（对外导出）
// 协调操作依赖RowsAffected返回匹配行数，因此强制开启ClientFoundRows
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sqlstore.Store, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析MySQL DSN失败: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("打开MySQL连接失败: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	store, err := sqlstore.New(db, NewMySQLDialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
