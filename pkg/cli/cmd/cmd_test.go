package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/LENAX/task-graph/pkg/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	configPath, outputJSON = "", false
	runWait, runTarget, runOptions, runContext = false, "", "", ""
	deleteTaskDefinition = false
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sqliteConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "graph.db")
	cfg := writeFile(t, dir, "taskgraph.yaml", `
task-graph:
  storage:
    database:
      type: sqlite
      dsn: `+dbPath+`
  scheduler:
    poll_interval: 50ms
  runner:
    heartbeat_interval: 50ms
  service_graphs:
    enabled: false
`)
	return cfg, dbPath
}

func TestDefinitionApply(t *testing.T) {
	cfg, dbPath := sqliteConfig(t)
	defs := writeFile(t, t.TempDir(), "defs.yaml", `
friendlyName: Two Noops
injectableName: Graph.two-noops
tasks:
  - label: a
    taskName: Task.noop
  - label: b
    taskName: Task.noop
    waitOn:
      a: finished
`)
	require.NoError(t, execute(t, "definition", "apply", defs, "--config", cfg))
	require.NoError(t, execute(t, "definition", "graphs", "--config", cfg))

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	graphs, err := store.GetGraphDefinitions(context.Background(), "Graph.two-noops")
	require.NoError(t, err)
	assert.Len(t, graphs, 1)
}

func TestDefinitionApply_InvalidGraph(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	defs := writeFile(t, t.TempDir(), "defs.yaml", `
friendlyName: Broken
injectableName: Graph.broken
tasks:
  - label: a
    taskName: Task.missing
`)
	assert.Error(t, execute(t, "definition", "apply", defs, "--config", cfg))
}

func TestRunAndInspect(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	require.NoError(t, execute(t, "run", "Graph.noop-example", "--wait", "--config", cfg))
	require.NoError(t, execute(t, "instance", "list", "--config", cfg))
	assert.Error(t, execute(t, "instance", "status", "missing", "--config", cfg))
	assert.Error(t, execute(t, "run", "Graph.missing", "--config", cfg))
}

func TestVersion(t *testing.T) {
	assert.NoError(t, execute(t, "version"))
}
