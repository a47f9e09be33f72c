package storage

import (
	"fmt"

	"github.com/LENAX/task-graph/pkg/config"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/memory"
	"github.com/LENAX/task-graph/pkg/storage/mysql"
	"github.com/LENAX/task-graph/pkg/storage/postgres"
	"github.com/LENAX/task-graph/pkg/storage/sqlite"
	"github.com/LENAX/task-graph/pkg/storage/sqlstore"
)

// DatabaseFactory 数据库工厂接口（内部使用）
type DatabaseFactory interface {
	// Store 按配置创建的Store
	Store() storage.Store
	// SQL 底层SQL Store，memory类型返回nil
	SQL() *sqlstore.Store
	// Close 关闭数据库连接
	Close() error
}

// NewDatabaseFactory 按storage.database配置创建数据库工厂（内部方法）
// 支持的类型：memory/sqlite/mysql/postgres
func NewDatabaseFactory(cfg *config.EngineConfig) (DatabaseFactory, error) {
	db := cfg.TaskGraph.Storage.Database
	var (
		store *sqlstore.Store
		err   error
	)
	switch db.Type {
	case "memory":
		return &memoryFactory{store: memory.New()}, nil
	case "sqlite":
		store, err = sqlite.Open(db.DSN)
	case "mysql":
		store, err = mysql.Open(db.DSN, db.MaxOpenConns, db.MaxIdleConns)
	case "postgres", "postgresql":
		store, err = postgres.Open(db.DSN, db.MaxOpenConns, db.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", db.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s store failed: %w", db.Type, err)
	}
	if db.Type != "sqlite" {
		store.DB().SetConnMaxLifetime(db.ConnMaxLifetime)
		store.DB().SetConnMaxIdleTime(db.ConnMaxIdleTime)
	}
	return &sqlFactory{store: store}, nil
}

// memoryFactory 进程内存储（内部实现）
type memoryFactory struct {
	store *memory.Store
}

func (f *memoryFactory) Store() storage.Store { return f.store }

func (f *memoryFactory) SQL() *sqlstore.Store { return nil }

func (f *memoryFactory) Close() error { return nil }

// sqlFactory SQL数据库工厂（内部实现）
type sqlFactory struct {
	store *sqlstore.Store
}

func (f *sqlFactory) Store() storage.Store { return f.store }

func (f *sqlFactory) SQL() *sqlstore.Store { return f.store }

func (f *sqlFactory) Close() error {
	return f.store.Close()
}
