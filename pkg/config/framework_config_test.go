package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFrameworkConfig_Defaults(t *testing.T) {
	cfg, err := LoadFrameworkConfig("")
	require.NoError(t, err)

	tg := cfg.TaskGraph
	assert.Equal(t, "task-graph", tg.General.InstanceName)
	assert.Equal(t, "memory", cfg.GetDatabaseType())
	assert.Equal(t, "gochannel", tg.Messenger.Type)
	assert.Equal(t, "default", tg.Scheduler.Domain)
	assert.Equal(t, "default", tg.Runner.Domain)
	assert.Equal(t, time.Second, tg.Scheduler.PollInterval)
	assert.Equal(t, 60*time.Second, tg.Scheduler.LeaseAdjust)
	assert.Equal(t, 100, tg.Scheduler.Concurrency.Dispatch)
	assert.Equal(t, 1, tg.Scheduler.Concurrency.UnevaluatedPoll)
	assert.Equal(t, 3, tg.Runner.LostTaskLimit)
	assert.Equal(t, 120*time.Second, tg.Pollers.LeasePollInterval)
	assert.Equal(t, 200, tg.Pollers.CompletedBatchSize)
	assert.Equal(t, 5*time.Second, tg.Catalog.CacheTTL)

	assert.True(t, cfg.SchedulerEnabled())
	assert.True(t, cfg.RunnerEnabled())
	assert.True(t, cfg.PollersEnabled())
	assert.True(t, cfg.ServiceGraphsEnabled())
}

func TestLoadFrameworkConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
task-graph:
  general:
    instance_name: worker-1
    embedded: true
  storage:
    database:
      type: sqlite
      dsn: /tmp/graph.db
  messenger:
    type: sql
    poll_interval: 50ms
  scheduler:
    domain: edge
    lease_adjust: 10s
  runner:
    enabled: false
  catalog:
    directories: [./definitions]
`)
	cfg, err := LoadFrameworkConfig(path)
	require.NoError(t, err)

	tg := cfg.TaskGraph
	assert.Equal(t, "worker-1", tg.General.InstanceName)
	assert.Equal(t, "sqlite", cfg.GetDatabaseType())
	assert.Equal(t, "/tmp/graph.db", cfg.GetDatabaseDSN())
	assert.Equal(t, 50*time.Millisecond, tg.Messenger.PollInterval)
	assert.Equal(t, "edge", tg.Runner.Domain, "执行器默认沿用调度器的域")
	assert.Equal(t, 20*time.Second, tg.Pollers.LeasePollInterval)
	assert.Equal(t, []string{"./definitions"}, tg.Catalog.Directories)

	assert.False(t, cfg.SchedulerEnabled(), "嵌入式模式默认不启动调度器")
	assert.False(t, cfg.RunnerEnabled())
}

func TestLoadFrameworkConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown database":        "task-graph:\n  storage:\n    database:\n      type: oracle\n",
		"sql bus needs sql store": "task-graph:\n  messenger:\n    type: sql\n",
		"unknown messenger":       "task-graph:\n  messenger:\n    type: kafka\n",
		"domain mismatch":         "task-graph:\n  scheduler:\n    domain: a\n  runner:\n    domain: b\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrameworkConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadFrameworkConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFrameworkConfig_SampleFile(t *testing.T) {
	cfg, err := LoadFrameworkConfig(filepath.Join("..", "..", "configs", "taskgraph.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.GetDatabaseType())
	assert.Equal(t, "sql", cfg.TaskGraph.Messenger.Type)
	assert.Equal(t, 24*time.Hour, cfg.TaskGraph.Messenger.Retention)
	assert.True(t, cfg.SchedulerEnabled())
}
