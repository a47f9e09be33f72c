package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LENAX/task-graph/pkg/config"
	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(dbType, dsn string) *config.EngineConfig {
	cfg := &config.EngineConfig{}
	cfg.TaskGraph.Storage.Database.Type = dbType
	cfg.TaskGraph.Storage.Database.DSN = dsn
	cfg.ApplyDefaults()
	return cfg
}

func TestNewDatabaseFactory_Memory(t *testing.T) {
	f, err := NewDatabaseFactory(newConfig("memory", ""))
	require.NoError(t, err)
	defer f.Close()
	assert.NotNil(t, f.Store())
	assert.Nil(t, f.SQL())
}

func TestNewDatabaseFactory_SQLite(t *testing.T) {
	f, err := NewDatabaseFactory(newConfig("sqlite", filepath.Join(t.TempDir(), "graph.db")))
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, f.SQL())

	ctx := context.Background()
	require.NoError(t, f.Store().PersistTaskDefinition(ctx, definition.BuiltinTaskDefinitions()[0]))
	defs, err := f.Store().GetTaskDefinitions(ctx, "Task.Base.noop")
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestNewDatabaseFactory_Unsupported(t *testing.T) {
	_, err := NewDatabaseFactory(newConfig("oracle", ""))
	assert.Error(t, err)
}
