package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	TaskGraph struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			Env          string `yaml:"env"`
			Debug        bool   `yaml:"debug"`
			// Embedded 为true时图实例在提交进程内驱动派发，不启动TaskScheduler
			Embedded bool `yaml:"embedded"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
			} `yaml:"database"`
		} `yaml:"storage"`
		Messenger struct {
			// Type gochannel（单进程）或sql（共享事件表）
			Type         string        `yaml:"type"`
			PollInterval time.Duration `yaml:"poll_interval"`
			BatchSize    int           `yaml:"batch_size"`
			Retention    time.Duration `yaml:"retention"`
		} `yaml:"messenger"`
		Scheduler struct {
			Enabled      *bool         `yaml:"enabled"`
			SchedulerID  string        `yaml:"scheduler_id"`
			Domain       string        `yaml:"domain"`
			PollInterval time.Duration `yaml:"poll_interval"`
			LeaseAdjust  time.Duration `yaml:"lease_adjust"`
			Concurrency  struct {
				Evaluation      int `yaml:"evaluation"`
				FindReady       int `yaml:"find_ready"`
				Dispatch        int `yaml:"dispatch"`
				Completion      int `yaml:"completion"`
				UnevaluatedPoll int `yaml:"unevaluated_poll"`
			} `yaml:"concurrency"`
		} `yaml:"scheduler"`
		Runner struct {
			Enabled           *bool         `yaml:"enabled"`
			RunnerID          string        `yaml:"runner_id"`
			Domain            string        `yaml:"domain"`
			HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
			LostTaskLimit     int           `yaml:"lost_task_limit"`
		} `yaml:"runner"`
		Pollers struct {
			Enabled               *bool         `yaml:"enabled"`
			LeasePollInterval     time.Duration `yaml:"lease_poll_interval"`
			CompletedPollInterval time.Duration `yaml:"completed_poll_interval"`
			CompletedBatchSize    int           `yaml:"completed_batch_size"`
		} `yaml:"pollers"`
		ServiceGraphs struct {
			Enabled      *bool         `yaml:"enabled"`
			RestartDelay time.Duration `yaml:"restart_delay"`
		} `yaml:"service_graphs"`
		Catalog struct {
			Directories []string `yaml:"directories"`
			// CacheTTL 任务定义解析缓存有效期，负数表示不缓存
			CacheTTL time.Duration `yaml:"cache_ttl"`
		} `yaml:"catalog"`
	} `yaml:"task-graph"`
}

// LoadFrameworkConfig 读取YAML配置文件并应用默认值
// path为空时返回全默认配置
func LoadFrameworkConfig(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.TaskGraph.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.TaskGraph.Storage.Database.DSN
}

// SchedulerEnabled 是否启动TaskScheduler，嵌入式模式下默认关闭
func (c *EngineConfig) SchedulerEnabled() bool {
	if c.TaskGraph.Scheduler.Enabled == nil {
		return !c.TaskGraph.General.Embedded
	}
	return *c.TaskGraph.Scheduler.Enabled
}

// RunnerEnabled 是否启动TaskRunner
func (c *EngineConfig) RunnerEnabled() bool {
	return enabled(c.TaskGraph.Runner.Enabled)
}

// PollersEnabled 是否启动租约过期与已完成任务轮询
func (c *EngineConfig) PollersEnabled() bool {
	return enabled(c.TaskGraph.Pollers.Enabled)
}

// ServiceGraphsEnabled 是否启动服务图
func (c *EngineConfig) ServiceGraphsEnabled() bool {
	return enabled(c.TaskGraph.ServiceGraphs.Enabled)
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Validate 校验取值范围
func (c *EngineConfig) Validate() error {
	switch c.TaskGraph.Storage.Database.Type {
	case "memory", "sqlite", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.TaskGraph.Storage.Database.Type)
	}
	switch c.TaskGraph.Messenger.Type {
	case "gochannel":
	case "sql":
		if c.TaskGraph.Storage.Database.Type == "memory" {
			return fmt.Errorf("sql消息总线需要SQL存储，当前为memory")
		}
	default:
		return fmt.Errorf("不支持的消息总线类型: %s", c.TaskGraph.Messenger.Type)
	}
	if c.TaskGraph.Scheduler.Domain != c.TaskGraph.Runner.Domain {
		return fmt.Errorf("调度器与执行器的域不一致: %s != %s", c.TaskGraph.Scheduler.Domain, c.TaskGraph.Runner.Domain)
	}
	return nil
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	tg := &c.TaskGraph

	// General默认值
	if tg.General.InstanceName == "" {
		tg.General.InstanceName = "task-graph"
	}
	if tg.General.Env == "" {
		tg.General.Env = "dev"
	}

	// Database默认值
	if tg.Storage.Database.Type == "" {
		tg.Storage.Database.Type = "memory"
	}
	if tg.Storage.Database.MaxOpenConns <= 0 {
		tg.Storage.Database.MaxOpenConns = 10
	}
	if tg.Storage.Database.MaxIdleConns <= 0 {
		tg.Storage.Database.MaxIdleConns = 5
	}
	if tg.Storage.Database.ConnMaxLifetime <= 0 {
		tg.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if tg.Storage.Database.ConnMaxIdleTime <= 0 {
		tg.Storage.Database.ConnMaxIdleTime = 1 * time.Hour
	}

	// Messenger默认值
	if tg.Messenger.Type == "" {
		tg.Messenger.Type = "gochannel"
	}
	if tg.Messenger.PollInterval <= 0 {
		tg.Messenger.PollInterval = 100 * time.Millisecond
	}
	if tg.Messenger.BatchSize <= 0 {
		tg.Messenger.BatchSize = 100
	}

	// Scheduler默认值
	if tg.Scheduler.Domain == "" {
		tg.Scheduler.Domain = "default"
	}
	if tg.Scheduler.PollInterval <= 0 {
		tg.Scheduler.PollInterval = time.Second
	}
	if tg.Scheduler.LeaseAdjust <= 0 {
		tg.Scheduler.LeaseAdjust = 60 * time.Second
	}
	conc := &tg.Scheduler.Concurrency
	for _, v := range []*int{&conc.Evaluation, &conc.FindReady, &conc.Dispatch, &conc.Completion} {
		if *v <= 0 {
			*v = 100
		}
	}
	if conc.UnevaluatedPoll <= 0 {
		conc.UnevaluatedPoll = 1
	}

	// Runner默认值
	if tg.Runner.Domain == "" {
		tg.Runner.Domain = tg.Scheduler.Domain
	}
	if tg.Runner.HeartbeatInterval <= 0 {
		tg.Runner.HeartbeatInterval = time.Second
	}
	if tg.Runner.LostTaskLimit <= 0 {
		tg.Runner.LostTaskLimit = 3
	}

	// Pollers默认值
	if tg.Pollers.LeasePollInterval <= 0 {
		tg.Pollers.LeasePollInterval = 2 * tg.Scheduler.LeaseAdjust
	}
	if tg.Pollers.CompletedPollInterval <= 0 {
		tg.Pollers.CompletedPollInterval = time.Second
	}
	if tg.Pollers.CompletedBatchSize <= 0 {
		tg.Pollers.CompletedBatchSize = 200
	}

	if tg.Catalog.CacheTTL == 0 {
		tg.Catalog.CacheTTL = 5 * time.Second
	}

	if tg.ServiceGraphs.RestartDelay <= 0 {
		tg.ServiceGraphs.RestartDelay = time.Second
	}
}
