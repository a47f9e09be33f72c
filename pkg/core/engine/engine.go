// Package engine 按配置组装Store、消息总线、调度器、执行器与轮询器（构造注入）
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	internalstorage "github.com/LENAX/task-graph/internal/storage"
	"github.com/LENAX/task-graph/pkg/config"
	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/runner"
	"github.com/LENAX/task-graph/pkg/core/scheduler"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/workflow"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/messenger/sqlbus"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/ThreeDotsLabs/watermill"
)

// shutdownTimeout 等待执行中任务结束的最长时间
const shutdownTimeout = 30 * time.Second

// Engine 调度引擎核心结构体（对外导出）
// 一个进程可以同时承担调度器、执行器与轮询器角色，也可以只启用其中一部分
type Engine struct {
	cfg       *config.EngineConfig
	factory   internalstorage.DatabaseFactory
	store     storage.Store
	messenger messenger.Messenger
	registry  *task.JobRegistry
	service   *workflow.Service

	scheduler       *scheduler.TaskScheduler
	runner          *runner.TaskRunner
	leasePoller     *scheduler.LeaseExpirationPoller
	completedPoller *scheduler.CompletedTaskPoller
	serviceGraphs   *workflow.ServiceGraphKeeper
	cronScheduler   *CronScheduler

	running bool
	mu      sync.Mutex
}

// NewEngine 按配置创建Engine实例（对外导出的工厂方法）
// registry为nil时只包含内置Job
func NewEngine(cfg *config.EngineConfig, registry *task.JobRegistry) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("引擎配置不能为空")
	}
	if registry == nil {
		registry = task.NewDefaultJobRegistry()
	}
	tg := cfg.TaskGraph

	factory, err := internalstorage.NewDatabaseFactory(cfg)
	if err != nil {
		return nil, err
	}
	msg, err := newMessenger(cfg, factory)
	if err != nil {
		factory.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		factory:   factory,
		store:     factory.Store(),
		messenger: msg,
		registry:  registry,
	}
	e.service = workflow.NewService(e.store, msg, registry, workflow.ServiceOptions{
		Embedded:           tg.General.Embedded,
		DefinitionCacheTTL: tg.Catalog.CacheTTL,
	})
	e.cronScheduler = NewCronScheduler(e.service)

	if cfg.SchedulerEnabled() {
		e.scheduler, err = scheduler.NewTaskScheduler(e.store, msg, scheduler.Options{
			SchedulerID:  tg.Scheduler.SchedulerID,
			Domain:       tg.Scheduler.Domain,
			PollInterval: tg.Scheduler.PollInterval,
			LeaseAdjust:  tg.Scheduler.LeaseAdjust,
			Concurrency: scheduler.Concurrency{
				Evaluation:      tg.Scheduler.Concurrency.Evaluation,
				FindReady:       tg.Scheduler.Concurrency.FindReady,
				Dispatch:        tg.Scheduler.Concurrency.Dispatch,
				Completion:      tg.Scheduler.Concurrency.Completion,
				UnevaluatedPoll: tg.Scheduler.Concurrency.UnevaluatedPoll,
			},
			Debug: tg.General.Debug,
		})
		if err != nil {
			e.close()
			return nil, err
		}
	}
	if cfg.RunnerEnabled() {
		e.runner, err = runner.NewTaskRunner(e.store, msg, registry, runner.Options{
			RunnerID:          tg.Runner.RunnerID,
			Domain:            tg.Runner.Domain,
			HeartbeatInterval: tg.Runner.HeartbeatInterval,
			LostTaskLimit:     tg.Runner.LostTaskLimit,
			Debug:             tg.General.Debug,
		})
		if err != nil {
			e.close()
			return nil, err
		}
	}
	if cfg.PollersEnabled() {
		e.leasePoller = scheduler.NewLeaseExpirationPoller(e.store, scheduler.LeasePollerOptions{
			Domain:      tg.Scheduler.Domain,
			LeaseAdjust: tg.Scheduler.LeaseAdjust,
			Interval:    tg.Pollers.LeasePollInterval,
		})
		e.completedPoller = scheduler.NewCompletedTaskPoller(e.store, msg, scheduler.CompletedPollerOptions{
			Interval:  tg.Pollers.CompletedPollInterval,
			BatchSize: tg.Pollers.CompletedBatchSize,
		})
	}
	if cfg.ServiceGraphsEnabled() {
		e.serviceGraphs = workflow.NewServiceGraphKeeper(e.service, tg.ServiceGraphs.RestartDelay)
	}
	return e, nil
}

// newMessenger 按messenger.type创建消息总线
func newMessenger(cfg *config.EngineConfig, factory internalstorage.DatabaseFactory) (messenger.Messenger, error) {
	tg := cfg.TaskGraph
	switch tg.Messenger.Type {
	case "gochannel":
		return messenger.NewGoChannelMessenger(tg.General.Debug), nil
	case "sql":
		sqlStore := factory.SQL()
		if sqlStore == nil {
			return nil, fmt.Errorf("sql消息总线需要SQL存储")
		}
		logger := watermill.NewStdLogger(tg.General.Debug, false)
		ps, err := sqlbus.New(sqlStore.DB(), sqlStore.Dialect(), sqlbus.Config{
			PollInterval: tg.Messenger.PollInterval,
			BatchSize:    tg.Messenger.BatchSize,
			Retention:    tg.Messenger.Retention,
		}, logger)
		if err != nil {
			return nil, err
		}
		return messenger.NewWatermillMessenger(ps, ps, logger), nil
	default:
		return nil, fmt.Errorf("不支持的消息总线类型: %s", tg.Messenger.Type)
	}
}

// Service 工作流操作入口
func (e *Engine) Service() *workflow.Service {
	return e.service
}

// Store 引擎使用的Store
func (e *Engine) Store() storage.Store {
	return e.store
}

// Registry Job注册中心
func (e *Engine) Registry() *task.JobRegistry {
	return e.registry
}

// Config 引擎配置
func (e *Engine) Config() *config.EngineConfig {
	return e.cfg
}

// CronScheduler 定时调度器
func (e *Engine) CronScheduler() *CronScheduler {
	return e.cronScheduler
}

// SeedCatalog 写入内置定义与catalog.directories中的定义
func (e *Engine) SeedCatalog(ctx context.Context) error {
	catalog, err := definition.LoadCatalog(e.cfg.TaskGraph.Catalog.Directories...)
	if err != nil {
		return fmt.Errorf("加载定义目录失败: %w", err)
	}
	return e.service.SeedCatalog(ctx, catalog)
}

// Running 引擎是否已启动
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start 启动引擎（对外导出）
// 依次写入定义目录、启动调度器与轮询器、执行器，最后启动定时触发与服务图
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.SeedCatalog(ctx); err != nil {
		return err
	}

	if e.scheduler != nil {
		if err := e.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("启动调度器失败: %w", err)
		}
	}
	if e.leasePoller != nil {
		if err := e.leasePoller.Start(ctx); err != nil {
			return fmt.Errorf("启动租约轮询失败: %w", err)
		}
		if err := e.completedPoller.Start(ctx); err != nil {
			return fmt.Errorf("启动已完成任务轮询失败: %w", err)
		}
	}
	if e.runner != nil {
		if err := e.runner.Start(ctx); err != nil {
			return fmt.Errorf("启动执行器失败: %w", err)
		}
	}

	defs, err := e.service.GetGraphDefinitions(ctx, "")
	if err != nil {
		return err
	}
	scheduled := e.cronScheduler.SyncDefinitions(defs)
	e.cronScheduler.Start()

	if e.serviceGraphs != nil {
		if err := e.serviceGraphs.Start(ctx); err != nil {
			log.Printf("启动服务图失败: %v", err)
		}
	}

	e.running = true
	log.Printf("✅ 任务图引擎已启动: instance=%s, embedded=%v, scheduler=%v, runner=%v, cron=%d",
		e.cfg.TaskGraph.General.InstanceName, e.cfg.TaskGraph.General.Embedded,
		e.scheduler != nil, e.runner != nil, scheduled)
	return nil
}

// Stop 停止引擎（对外导出）
// 执行中的任务最多等待30秒，随后关闭消息总线与数据库连接
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.close()
		return
	}
	e.running = false

	if e.serviceGraphs != nil {
		e.serviceGraphs.Stop(context.Background())
	}
	e.cronScheduler.Stop()

	if e.runner != nil {
		e.runner.Stop()
		done := make(chan struct{})
		go func() {
			e.runner.Wait()
			close(done)
		}()
		select {
		case <-done:
			log.Println("所有执行中的任务已结束")
		case <-time.After(shutdownTimeout):
			log.Println("等待执行中的任务结束超时")
		}
	}
	if e.completedPoller != nil {
		e.completedPoller.Stop()
	}
	if e.leasePoller != nil {
		e.leasePoller.Stop()
	}
	if e.scheduler != nil {
		e.scheduler.Stop()
	}

	e.close()
	log.Println("✅ 任务图引擎已停止")
}

func (e *Engine) close() {
	if e.messenger != nil {
		if err := e.messenger.Close(); err != nil {
			log.Printf("关闭消息总线失败: %v", err)
		}
		e.messenger = nil
	}
	if e.factory != nil {
		if err := e.factory.Close(); err != nil {
			log.Printf("关闭数据库失败: %v", err)
		}
		e.factory = nil
	}
}
