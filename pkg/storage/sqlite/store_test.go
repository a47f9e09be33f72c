package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := Open(filepath.Join(t.TempDir(), "taskgraph.db"))
		require.NoError(t, err)
		return store
	})
}

func TestWithDefaultParams(t *testing.T) {
	assert.Equal(t, ":memory:?_busy_timeout=30000&_loc=UTC", withDefaultParams(""))
	assert.Equal(t, "a.db?mode=rwc&_busy_timeout=30000&_loc=UTC", withDefaultParams("a.db?mode=rwc"))
	assert.Equal(t, "a.db?_busy_timeout=1&_loc=UTC", withDefaultParams("a.db?_busy_timeout=1&_loc=UTC"))
}

func TestDialectUpsert(t *testing.T) {
	d := NewSQLiteDialect()
	sql := d.UpsertSQL("t", []string{"id", "v"}, "id", []string{"v"})
	assert.Equal(t, "INSERT INTO t (id, v) VALUES (:id, :v) ON CONFLICT (id) DO UPDATE SET v = excluded.v", sql)
	assert.Equal(t, "INSERT OR IGNORE INTO t (id, v) VALUES (:id, :v)", d.InsertIgnoreSQL("t", []string{"id", "v"}, "id"))
}
