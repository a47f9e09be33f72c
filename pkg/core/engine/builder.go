package engine

import (
	"errors"
	"fmt"

	"github.com/LENAX/task-graph/pkg/config"
	"github.com/LENAX/task-graph/pkg/core/task"
)

// EngineBuilder 引擎构建器（链式调用）
type EngineBuilder struct {
	engineConfigPath string
	cfg              *config.EngineConfig
	jobs             map[string]task.Job
	err              error
}

// NewEngineBuilder 创建引擎构建器（入口）
// engineConfigPath为空时使用默认配置
func NewEngineBuilder(engineConfigPath string) *EngineBuilder {
	return &EngineBuilder{
		engineConfigPath: engineConfigPath,
		jobs:             make(map[string]task.Job),
	}
}

// WithConfig 直接使用已加载的配置，忽略配置文件路径（链式）
func (b *EngineBuilder) WithConfig(cfg *config.EngineConfig) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if cfg == nil {
		b.err = errors.New("engine config is nil")
		return b
	}
	b.cfg = cfg
	return b
}

// WithJob 注册Job（链式）
func (b *EngineBuilder) WithJob(name string, job task.Job) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if name == "" || job == nil {
		b.err = errors.New("job name or job is empty")
		return b
	}
	b.jobs[name] = job
	return b
}

// WithJobFunc 以函数注册Job（链式）
func (b *EngineBuilder) WithJobFunc(name string, fn func(jc *task.JobContext) error) *EngineBuilder {
	if fn == nil {
		return b.WithJob(name, nil)
	}
	return b.WithJob(name, task.JobFunc(fn))
}

// Build 构建Engine
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.LoadFrameworkConfig(b.engineConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	registry := task.NewDefaultJobRegistry()
	for name, job := range b.jobs {
		if err := registry.Register(name, job); err != nil {
			return nil, fmt.Errorf("注册Job %s 失败: %w", name, err)
		}
	}
	return NewEngine(cfg, registry)
}
