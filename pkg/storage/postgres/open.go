package postgres

import (
	"fmt"

	"github.com/LENAX/task-graph/pkg/storage/sqlstore"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Open 连接PostgreSQL并初始化表结构（对外导出）
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sqlstore.Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开PostgreSQL连接失败: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接PostgreSQL失败: %w", err)
	}

	store, err := sqlstore.New(db, NewPostgresDialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
