// Package graph 任务图实例：将图定义展开为带依赖的任务集合并管理其生命周期
package graph

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
	dag "github.com/begmaroman/go-dag"
	"github.com/google/uuid"
)

// TaskResolver 按injectableName解析任务定义，不存在时返回(nil, nil)
type TaskResolver func(ctx context.Context, name string) (*definition.TaskDefinition, error)

// IndexResolver 基于一组已加载的任务定义创建解析器
func IndexResolver(defs ...*definition.TaskDefinition) TaskResolver {
	index := make(map[string]*definition.TaskDefinition, len(defs))
	for _, d := range defs {
		index[d.InjectableName] = d
	}
	return func(ctx context.Context, name string) (*definition.TaskDefinition, error) {
		return index[name], nil
	}
}

// CreateOptions 创建图实例的参数
type CreateOptions struct {
	// Options 请求级选项覆盖，结构与图定义的options相同，按分组合并覆盖图定义
	Options map[string]map[string]interface{}
	// Context 初始共享上下文
	Context map[string]interface{}
	Domain  string
	// Target 绑定的目标节点ID，可为空
	Target string
}

// Dispatcher 嵌入式运行时TaskGraph派发任务使用的协作者
type Dispatcher interface {
	// OnTaskFinished 订阅单个任务的结束事件
	OnTaskFinished(ctx context.Context, domain, taskID string, cb func(messenger.TaskFinishedEvent)) (Subscription, error)
	// Dispatch 发布执行任务事件
	Dispatch(ctx context.Context, domain, graphID, taskID string) error
}

// Subscription 可释放的订阅
type Subscription interface {
	Dispose()
}

// Runtime TaskGraph运行所需的外部协作者（构造注入）
type Runtime struct {
	Store      storage.Store
	Messenger  messenger.Messenger
	Dispatcher Dispatcher
}

// TaskGraph 一个运行中的图实例（对外导出）
type TaskGraph struct {
	InstanceID     string                            `json:"instanceId"`
	InjectableName string                            `json:"injectableName"`
	FriendlyName   string                            `json:"friendlyName"`
	Domain         string                            `json:"domain"`
	ServiceGraph   bool                              `json:"serviceGraph,omitempty"`
	Definition     *definition.GraphDefinition       `json:"definition"`
	Options        map[string]map[string]interface{} `json:"options,omitempty"`
	Context        map[string]interface{}            `json:"context"`
	Tasks          map[string]*task.Task             `json:"tasks"`
	Status         types.State                       `json:"_status"`
	CreatedAt      time.Time                         `json:"createdAt"`
	UpdatedAt      time.Time                         `json:"updatedAt"`

	mu            sync.Mutex
	rt            Runtime
	labels        map[string]string
	subscriptions map[string]Subscription
	ready         []*task.Task
	done          chan struct{}
	doneOnce      sync.Once
}

// Create 由图定义创建并校验图实例（对外导出）
// 校验失败时返回BadRequest错误，不会创建任何任务实例
func Create(ctx context.Context, def *definition.GraphDefinition, opts CreateOptions, resolve TaskResolver, registry *task.JobRegistry) (*TaskGraph, error) {
	if def == nil {
		return nil, types.NewBadRequestError("图定义不能为空")
	}
	copied, err := def.Clone()
	if err != nil {
		return nil, types.AsBadRequest(err)
	}

	domain := opts.Domain
	if domain == "" {
		domain = types.DefaultDomain
	}
	now := time.Now().UTC()
	g := &TaskGraph{
		InstanceID:     uuid.NewString(),
		InjectableName: copied.InjectableName,
		FriendlyName:   copied.FriendlyName,
		Domain:         domain,
		ServiceGraph:   copied.ServiceGraph,
		Definition:     copied,
		Options:        mergeGraphOptions(copied.Options, opts.Options),
		Context:        cloneMap(opts.Context),
		Tasks:          make(map[string]*task.Task),
		Status:         types.StateValid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if g.Context == nil {
		g.Context = make(map[string]interface{})
	}
	g.Context["graphId"] = g.InstanceID
	g.Context["graphName"] = g.InjectableName
	if opts.Target != "" {
		g.Context["target"] = opts.Target
	}
	g.init()

	resolved, err := g.validate(ctx, resolve, registry)
	if err != nil {
		return nil, err
	}
	g.populateTaskData(resolved)
	return g, nil
}

func (g *TaskGraph) init() {
	g.subscriptions = make(map[string]Subscription)
	g.done = make(chan struct{})
	g.labels = make(map[string]string, len(g.Tasks))
	for id, t := range g.Tasks {
		g.labels[t.Label] = id
	}
	g.signalIfFinished()
}

// signalIfFinished 图处于终态时关闭完成信号
func (g *TaskGraph) signalIfFinished() {
	if !g.Status.IsActiveGraphState() {
		g.doneOnce.Do(func() { close(g.done) })
	}
}

// Bind 绑定运行时协作者
func (g *TaskGraph) Bind(rt Runtime) *TaskGraph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rt = rt
	return g
}

// Target 绑定的目标节点ID
func (g *TaskGraph) Target() string {
	if v, ok := g.Context["target"].(string); ok {
		return v
	}
	return ""
}

// TaskByLabel 按label查找任务实例
func (g *TaskGraph) TaskByLabel(label string) *task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Tasks[g.labels[label]]
}

// Done 图进入终态时关闭
func (g *TaskGraph) Done() <-chan struct{} {
	return g.done
}

// resolvedTask 校验阶段解析出的任务条目
type resolvedTask struct {
	entry   definition.TaskEntry
	base    *definition.TaskDefinition
	taskDef *definition.TaskDefinition
	options map[string]interface{}
}

// validate 校验图定义并解析每个任务（对内使用）
// 按定义顺序遍历任务，属性上下文随之累积，后续任务的requiredProperties据此检查
func (g *TaskGraph) validate(ctx context.Context, resolve TaskResolver, registry *task.JobRegistry) ([]resolvedTask, error) {
	def := g.Definition
	if err := def.Validate(); err != nil {
		return nil, types.AsBadRequest(err)
	}

	// 模板只在图级选项中渲染一次，所有引用同一默认值的任务得到相同的值
	for _, group := range g.Options {
		renderOptions(group)
	}

	accumulated := make(map[string]interface{})
	resolved := make([]resolvedTask, 0, len(def.Tasks))
	for _, entry := range def.Tasks {
		taskDef, base, err := resolveEntry(ctx, entry, resolve)
		if err != nil {
			return nil, err
		}
		if registry != nil && !registry.Has(base.RunJob) {
			return nil, types.NewBadRequestError("任务 %s 的job %s 未注册", entry.Label, base.RunJob)
		}

		options := mergeTaskOptions(base, taskDef, entry, g.Options)
		for _, key := range requiredOptions(base, taskDef) {
			if v, ok := options[key]; !ok || v == nil {
				return nil, types.NewBadRequestError("任务 %s 缺少必需选项 %s", entry.Label, key)
			}
		}

		required := mergeProperties(cloneMap(base.RequiredProperties), taskDef.RequiredProperties)
		if err := validateRequiredProperties(entry.Label, required, accumulated); err != nil {
			return nil, types.NewBadRequestError("%s", err.Error())
		}
		accumulated = mergeProperties(accumulated, base.Properties)
		if taskDef != base {
			accumulated = mergeProperties(accumulated, taskDef.Properties)
		}

		resolved = append(resolved, resolvedTask{entry: entry, base: base, taskDef: taskDef, options: options})
	}

	if err := detectCycle(def); err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveEntry 解析任务条目引用的任务定义及其基础任务定义
func resolveEntry(ctx context.Context, entry definition.TaskEntry, resolve TaskResolver) (*definition.TaskDefinition, *definition.TaskDefinition, error) {
	taskDef := entry.TaskDefinition
	if taskDef == nil {
		if resolve == nil {
			return nil, nil, types.NewBadRequestError("无法解析任务 %s 的定义 %s", entry.Label, entry.TaskName)
		}
		found, err := resolve(ctx, entry.TaskName)
		if err != nil {
			return nil, nil, fmt.Errorf("查询任务定义 %s 失败: %w", entry.TaskName, err)
		}
		if found == nil {
			return nil, nil, types.NewBadRequestError("任务 %s 引用的任务定义 %s 不存在", entry.Label, entry.TaskName)
		}
		taskDef = found
	}
	if err := taskDef.Validate(); err != nil {
		return nil, nil, types.AsBadRequest(err)
	}
	if taskDef.IsBaseTask() {
		return taskDef, taskDef, nil
	}

	if resolve == nil {
		return nil, nil, types.NewBadRequestError("无法解析基础任务定义 %s", taskDef.ImplementsTask)
	}
	base, err := resolve(ctx, taskDef.ImplementsTask)
	if err != nil {
		return nil, nil, fmt.Errorf("查询基础任务定义 %s 失败: %w", taskDef.ImplementsTask, err)
	}
	if base == nil {
		return nil, nil, types.NewBadRequestError("任务定义 %s 实现的基础任务 %s 不存在", taskDef.InjectableName, taskDef.ImplementsTask)
	}
	if !base.IsBaseTask() {
		return nil, nil, types.NewBadRequestError("%s 不是基础任务定义（缺少runJob）", base.InjectableName)
	}
	return taskDef, base, nil
}

// labelNode go-dag顶点；go-dag按JSON内容计算顶点哈希，Label必须导出
type labelNode struct {
	Label string `json:"label"`
}

func (n *labelNode) ID() string {
	return n.Label
}

// detectCycle 用go-dag检测waitOn是否成环
func detectCycle(def *definition.GraphDefinition) error {
	d := dag.NewDAG[*labelNode]()
	for _, entry := range def.Tasks {
		if _, err := d.AddVertex(&labelNode{Label: entry.Label}); err != nil {
			return types.NewBadRequestError("添加任务 %s 失败: %v", entry.Label, err)
		}
	}
	for _, entry := range def.Tasks {
		for upstream := range entry.WaitOn {
			if err := d.AddEdge(upstream, entry.Label); err != nil {
				return types.NewBadRequestError("任务 %s 与 %s 之间存在循环依赖: %v", upstream, entry.Label, err)
			}
		}
	}
	return nil
}

// populateTaskData 为每个label生成实例ID并构建任务（对内使用）
func (g *TaskGraph) populateTaskData(resolved []resolvedTask) {
	ids := make(map[string]string, len(resolved))
	for _, r := range resolved {
		ids[r.entry.Label] = uuid.NewString()
	}

	successors := make(map[string][]types.StateList)
	for _, r := range resolved {
		for upstream, states := range r.entry.WaitOn {
			successors[upstream] = append(successors[upstream], states)
		}
	}

	for _, r := range resolved {
		waitingOn := make(map[string]types.StateList, len(r.entry.WaitOn))
		for upstream, states := range r.entry.WaitOn {
			waitingOn[ids[upstream]] = append(types.StateList(nil), states...)
		}
		properties := mergeProperties(cloneMap(r.base.Properties), r.taskDef.Properties)
		t := &task.Task{
			InstanceID:       ids[r.entry.Label],
			Label:            r.entry.Label,
			InjectableName:   r.taskDef.InjectableName,
			FriendlyName:     r.taskDef.FriendlyName,
			RunJob:           r.base.RunJob,
			WaitingOn:        waitingOn,
			State:            types.StatePending,
			IgnoreFailure:    r.entry.IgnoreFailure,
			Options:          r.options,
			Properties:       properties,
			TerminalOnStates: terminalOnStates(successors[r.entry.Label]),
		}
		g.Tasks[t.InstanceID] = t
		g.labels[t.Label] = t.InstanceID
	}
}

// terminalOnStates 没有任何后继等待的终态集合；任务以这些状态结束时图可能随之结束
func terminalOnStates(waits []types.StateList) []types.State {
	var result []types.State
	for _, s := range types.FinishedStates {
		handled := false
		for _, states := range waits {
			if states.SatisfiedBy(s) {
				handled = true
				break
			}
		}
		if !handled {
			result = append(result, s)
		}
	}
	return result
}

// mergeGraphOptions 请求选项按分组覆盖图定义选项
func mergeGraphOptions(defOptions, overrides map[string]map[string]interface{}) map[string]map[string]interface{} {
	merged := make(map[string]map[string]interface{}, len(defOptions)+len(overrides))
	for group, values := range defOptions {
		merged[group] = cloneMap(values)
	}
	for group, values := range overrides {
		if merged[group] == nil {
			merged[group] = make(map[string]interface{})
		}
		for k, v := range values {
			merged[group][k] = cloneValue(v)
		}
	}
	return merged
}

func (g *TaskGraph) logf(format string, args ...interface{}) {
	log.Printf("[TaskGraph] "+format, args...)
}
