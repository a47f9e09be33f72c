package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Job 任务包装的可执行单元，对引擎而言是黑盒（对外导出）
// 返回nil视为成功；遵循JobContext的取消信号
type Job interface {
	Run(jc *JobContext) error
}

// JobFunc 函数形式的Job
type JobFunc func(jc *JobContext) error

// Run 实现Job接口
func (f JobFunc) Run(jc *JobContext) error {
	return f(jc)
}

// JobState Job执行完成时的通知
type JobState struct {
	Error    error
	Duration time.Duration
}

// Execute 异步执行Job，通过channel通知完成（对外导出）
// Job中的panic会被转换为错误
func Execute(jc *JobContext, job Job) <-chan JobState {
	stateCh := make(chan JobState, 1)
	go func() {
		defer close(stateCh)
		start := time.Now()
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job panic: %v", r)
				}
			}()
			err = job.Run(jc)
		}()
		stateCh <- JobState{Error: err, Duration: time.Since(start)}
	}()
	return stateCh
}

// JobRegistry Job注册中心（对外导出）
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewJobRegistry 创建空的Job注册中心
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]Job)}
}

// NewDefaultJobRegistry 创建包含内置Job的注册中心（对外导出）
func NewDefaultJobRegistry() *JobRegistry {
	r := NewJobRegistry()
	for name, job := range builtinJobs() {
		r.jobs[name] = job
	}
	return r
}

// Register 注册Job，名称重复时返回错误
func (r *JobRegistry) Register(name string, job Job) error {
	if name == "" {
		return errors.New("job名称不能为空")
	}
	if job == nil {
		return fmt.Errorf("job %s 不能为空", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %s 已注册", name)
	}
	r.jobs[name] = job
	return nil
}

// RegisterFunc 注册函数形式的Job
func (r *JobRegistry) RegisterFunc(name string, fn func(jc *JobContext) error) error {
	return r.Register(name, JobFunc(fn))
}

// Get 获取Job
func (r *JobRegistry) Get(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	return job, ok
}

// Has 判断Job是否可解析
func (r *JobRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names 返回已注册的Job名称（排序）
func (r *JobRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
