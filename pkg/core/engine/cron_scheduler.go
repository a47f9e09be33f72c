package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/core/workflow"
	"github.com/robfig/cron/v3"
)

// GraphStarter 按图定义名启动图实例
type GraphStarter interface {
	CreateAndRunGraph(ctx context.Context, req workflow.RunRequest) (*graph.TaskGraph, error)
}

// CronScheduler 定时调度器（对外导出）
// 为带schedule的图定义按cron表达式周期性创建图实例
type CronScheduler struct {
	cron    *cron.Cron
	starter GraphStarter
	graphs  map[string]string       // injectableName -> schedule
	entries map[string]cron.EntryID // injectableName -> cron.EntryID
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(starter GraphStarter) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron:    cron.New(),
		starter: starter,
		graphs:  make(map[string]string),
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterGraph 注册图定义到定时调度器（对外导出）
// 同名图定义已注册时替换原有的cron任务
func (cs *CronScheduler) RegisterGraph(def *definition.GraphDefinition) error {
	if def.Schedule == "" {
		return fmt.Errorf("图定义 %s 未设置schedule", def.InjectableName)
	}
	schedule, err := definition.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("图定义 %s 的Cron表达式无效: %w", def.InjectableName, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if entryID, exists := cs.entries[def.InjectableName]; exists {
		cs.cron.Remove(entryID)
	}

	name := def.InjectableName
	entryID := cs.cron.Schedule(schedule, cron.FuncJob(func() {
		cs.triggerGraph(name)
	}))
	cs.graphs[name] = def.Schedule
	cs.entries[name] = entryID

	log.Printf("✅ [Cron调度器] 已注册图定义: Name=%s, Schedule=%s", name, def.Schedule)
	return nil
}

// UnregisterGraph 取消注册图定义（对外导出）
func (cs *CronScheduler) UnregisterGraph(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entryID, exists := cs.entries[name]
	if !exists {
		return fmt.Errorf("图定义 %s 未注册到定时调度器", name)
	}
	cs.cron.Remove(entryID)
	delete(cs.graphs, name)
	delete(cs.entries, name)

	log.Printf("✅ [Cron调度器] 已取消注册图定义: Name=%s", name)
	return nil
}

// SyncDefinitions 按当前图定义刷新注册：注册带schedule的定义，移除已不存在或不再定时的定义
func (cs *CronScheduler) SyncDefinitions(defs []*definition.GraphDefinition) int {
	wanted := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		if err := cs.RegisterGraph(def); err != nil {
			log.Printf("⚠️ [Cron调度器] 注册图定义失败: Name=%s, Error=%v", def.InjectableName, err)
			continue
		}
		wanted[def.InjectableName] = true
	}
	for _, name := range cs.GetRegisteredGraphs() {
		if !wanted[name] {
			_ = cs.UnregisterGraph(name)
		}
	}
	return len(wanted)
}

// triggerGraph 触发图实例创建（内部方法）
func (cs *CronScheduler) triggerGraph(name string) {
	log.Printf("🕐 [Cron调度器] 触发图定义: Name=%s", name)
	g, err := cs.starter.CreateAndRunGraph(cs.ctx, workflow.RunRequest{Name: name})
	if err != nil {
		if types.IsForbidden(err) {
			log.Printf("⚠️ [Cron调度器] 跳过本次触发: Name=%s, Error=%v", name, err)
			return
		}
		log.Printf("❌ [Cron调度器] 启动图失败: Name=%s, Error=%v", name, err)
		return
	}
	log.Printf("✅ [Cron调度器] 图已启动: Name=%s, GraphID=%s", name, g.InstanceID)
}

// Start 启动定时调度器（对外导出）
func (cs *CronScheduler) Start() {
	cs.cron.Start()
	log.Println("✅ [Cron调度器] 已启动")
}

// Stop 停止定时调度器并等待正在执行的触发结束（对外导出）
func (cs *CronScheduler) Stop() {
	<-cs.cron.Stop().Done()
	cs.cancel()
	log.Println("✅ [Cron调度器] 已停止")
}

// GetRegisteredGraphs 获取已注册的图定义名（对外导出）
func (cs *CronScheduler) GetRegisteredGraphs() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	names := make([]string, 0, len(cs.graphs))
	for name := range cs.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
