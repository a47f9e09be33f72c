// Package workflow 工作流对外操作：创建并运行图、查询/取消/删除实例、维护图与任务定义
package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/cache"
	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/task"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
)

// CancelCommand 唯一支持的工作流动作
const CancelCommand = "cancel"

// RunRequest 创建并运行图的请求
type RunRequest struct {
	// Name 图定义的injectableName
	Name    string                            `json:"name"`
	Options map[string]map[string]interface{} `json:"options,omitempty"`
	Context map[string]interface{}            `json:"context,omitempty"`
	Domain  string                            `json:"domain,omitempty"`
	// Target 绑定的目标节点，同一目标同时只能有一个活跃的图
	Target string `json:"target,omitempty"`
}

// ServiceOptions Service配置
type ServiceOptions struct {
	// Embedded 为true时由图实例在本进程内驱动派发，不依赖TaskScheduler
	Embedded bool
	// DefinitionCacheTTL 创建图时解析任务定义的缓存有效期，0表示不缓存
	// 其他进程修改的任务定义最多在这段时间后生效
	DefinitionCacheTTL time.Duration
}

// Service 工作流操作入口（对外导出）
// 每个操作都是对TaskGraph/Store的薄封装，唯一的业务规则是目标节点的活跃图互斥
type Service struct {
	store      storage.Store
	messenger  messenger.Messenger
	registry   *task.JobRegistry
	opts       ServiceOptions
	dispatcher graph.Dispatcher
	taskDefs   *cache.TTLCache[*definition.TaskDefinition]

	mu   sync.Mutex
	live map[string]*graph.TaskGraph
}

// NewService 创建Service（对外导出的工厂方法）
func NewService(store storage.Store, msg messenger.Messenger, registry *task.JobRegistry, opts ServiceOptions) *Service {
	if registry == nil {
		registry = task.NewDefaultJobRegistry()
	}
	s := &Service{
		store:     store,
		messenger: msg,
		registry:  registry,
		opts:      opts,
		taskDefs:  cache.NewTTLCache[*definition.TaskDefinition](opts.DefinitionCacheTTL),
		live:      make(map[string]*graph.TaskGraph),
	}
	if opts.Embedded {
		s.dispatcher = NewMessengerDispatcher(store, msg)
	}
	return s
}

// Registry Job注册中心
func (s *Service) Registry() *task.JobRegistry {
	return s.registry
}

// ========== 图实例 ==========

// CreateAndRunGraph 按图定义名创建并运行图实例（对外导出）
func (s *Service) CreateAndRunGraph(ctx context.Context, req RunRequest) (*graph.TaskGraph, error) {
	if req.Name == "" {
		return nil, types.NewBadRequestError("图定义名称缺失")
	}
	// 提前拒绝；并发启动由Store在写入图实例时原子地裁决
	if req.Target != "" {
		active, err := s.store.FindActiveGraphForTarget(ctx, req.Target)
		if err != nil {
			return nil, fmt.Errorf("查询目标 %s 的活跃图失败: %w", req.Target, err)
		}
		if active != nil {
			return nil, types.NewForbiddenError("无法对同一目标运行多个任务图: target=%s, activeGraph=%s", req.Target, active.InstanceID)
		}
	}
	def, err := s.findGraphDefinitionByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	g, err := graph.Create(ctx, def, graph.CreateOptions{
		Options: req.Options,
		Context: req.Context,
		Domain:  req.Domain,
		Target:  req.Target,
	}, s.resolveTask, s.registry)
	if err != nil {
		log.Printf("[Workflow] ❌ 创建图失败: name=%s, error=%v", req.Name, err)
		return nil, types.AsBadRequest(err)
	}

	if err := s.run(ctx, g); err != nil {
		return nil, err
	}
	log.Printf("[Workflow] ✅ 图已创建并运行: graphId=%s, name=%s, target=%s", g.InstanceID, g.InjectableName, req.Target)
	return g, nil
}

func (s *Service) run(ctx context.Context, g *graph.TaskGraph) error {
	if !s.opts.Embedded {
		g.Bind(graph.Runtime{Store: s.store, Messenger: s.messenger})
		return g.Submit(ctx)
	}

	g.Bind(graph.Runtime{Store: s.store, Messenger: s.messenger, Dispatcher: s.dispatcher})
	if err := g.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.live[g.InstanceID] = g
	s.mu.Unlock()
	go func() {
		<-g.Done()
		s.mu.Lock()
		delete(s.live, g.InstanceID)
		s.mu.Unlock()
	}()
	return nil
}

// GetWorkflows 分页查询图实例
func (s *Service) GetWorkflows(ctx context.Context, filter storage.GraphFilter) ([]*graph.TaskGraph, error) {
	objects, err := s.store.ListGraphObjects(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("查询图实例失败: %w", err)
	}
	graphs := make([]*graph.TaskGraph, 0, len(objects))
	for _, obj := range objects {
		g, err := graph.FromObject(obj)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// GetWorkflowsByTarget 查询绑定到目标节点的图实例
func (s *Service) GetWorkflowsByTarget(ctx context.Context, target string, filter storage.GraphFilter) ([]*graph.TaskGraph, error) {
	filter.Target = target
	return s.GetWorkflows(ctx, filter)
}

// GetWorkflowByID 按instanceId查询图实例，不存在时返回NotFound
func (s *Service) GetWorkflowByID(ctx context.Context, graphID string) (*graph.TaskGraph, error) {
	obj, err := s.needGraphObject(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return graph.FromObject(obj)
}

// FindActiveGraphForTarget 查询目标节点上的活跃图，没有时返回(nil, nil)
func (s *Service) FindActiveGraphForTarget(ctx context.Context, target string) (*graph.TaskGraph, error) {
	obj, err := s.store.FindActiveGraphForTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	return graph.FromObject(obj)
}

// WorkflowAction 对图实例执行动作，目前只支持cancel
func (s *Service) WorkflowAction(ctx context.Context, graphID, command string) (*graph.TaskGraph, error) {
	if command != CancelCommand {
		return nil, types.NewBadRequestError("不支持的工作流动作: %s", command)
	}
	return s.CancelGraph(ctx, graphID)
}

// CancelGraph 取消活跃的图实例（对外导出）
// 本进程驱动的图直接取消；否则由持久化快照还原后取消，运行中的任务通过cancel-task事件通知执行器
func (s *Service) CancelGraph(ctx context.Context, graphID string) (*graph.TaskGraph, error) {
	obj, err := s.needGraphObject(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if !obj.Status.IsActiveGraphState() {
		return nil, types.NewTaskCancellationError("%s 不是活跃的工作流", graphID)
	}

	s.mu.Lock()
	g, ok := s.live[graphID]
	s.mu.Unlock()
	if !ok {
		g, err = graph.FromObject(obj)
		if err != nil {
			return nil, err
		}
		g.Bind(graph.Runtime{Store: s.store, Messenger: s.messenger})
	}
	if err := g.Cancel(ctx, types.StateCancelled); err != nil {
		return nil, err
	}
	log.Printf("[Workflow] 🛑 图已取消: graphId=%s", graphID)
	return g, nil
}

// DeleteGraph 删除已结束的图实例，活跃实例返回Forbidden
func (s *Service) DeleteGraph(ctx context.Context, graphID string) (*graph.TaskGraph, error) {
	obj, err := s.needGraphObject(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if obj.Status.IsActiveGraphState() {
		return nil, types.NewForbiddenError("禁止删除活跃的工作流 %s", graphID)
	}
	deleted, err := s.store.DeleteGraph(ctx, graphID)
	if err != nil {
		return nil, fmt.Errorf("删除图实例 %s 失败: %w", graphID, err)
	}
	if !deleted {
		return nil, types.NewForbiddenError("禁止删除活跃的工作流 %s", graphID)
	}
	return graph.FromObject(obj)
}

func (s *Service) needGraphObject(ctx context.Context, graphID string) (*storage.GraphObject, error) {
	obj, err := s.store.GetGraphObject(ctx, graphID)
	if err != nil {
		return nil, fmt.Errorf("查询图实例 %s 失败: %w", graphID, err)
	}
	if obj == nil {
		return nil, types.NewNotFoundError("图实例不存在: %s", graphID)
	}
	return obj, nil
}

// ========== 图定义 ==========

// DefineTaskGraph 校验并保存图定义，返回injectableName
// 校验与创建图实例相同，但不会产生任何实例
func (s *Service) DefineTaskGraph(ctx context.Context, def *definition.GraphDefinition) (string, error) {
	if _, err := graph.Create(ctx, def, graph.CreateOptions{}, s.resolveTask, s.registry); err != nil {
		log.Printf("[Workflow] ❌ 图定义校验失败: error=%v", err)
		return "", types.AsBadRequest(err)
	}
	if err := s.store.PersistGraphDefinition(ctx, def); err != nil {
		return "", fmt.Errorf("保存图定义失败: %w", err)
	}
	return def.InjectableName, nil
}

// GetGraphDefinitions 查询图定义，name为空时返回全部
func (s *Service) GetGraphDefinitions(ctx context.Context, name string) ([]*definition.GraphDefinition, error) {
	return s.store.GetGraphDefinitions(ctx, name)
}

// DestroyGraphDefinition 删除图定义
func (s *Service) DestroyGraphDefinition(ctx context.Context, name string) error {
	ok, err := s.store.DestroyGraphDefinition(ctx, name)
	if err != nil {
		return fmt.Errorf("删除图定义 %s 失败: %w", name, err)
	}
	if !ok {
		return types.NewNotFoundError("图定义不存在: %s", name)
	}
	return nil
}

func (s *Service) findGraphDefinitionByName(ctx context.Context, name string) (*definition.GraphDefinition, error) {
	defs, err := s.store.GetGraphDefinitions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("查询图定义 %s 失败: %w", name, err)
	}
	if len(defs) == 0 {
		return nil, types.NewNotFoundError("图定义不存在: %s", name)
	}
	return defs[0], nil
}

// ========== 任务定义 ==========

// DefineTask 保存任务定义
func (s *Service) DefineTask(ctx context.Context, def *definition.TaskDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := s.store.PersistTaskDefinition(ctx, def); err != nil {
		return fmt.Errorf("保存任务定义失败: %w", err)
	}
	s.taskDefs.Delete(def.InjectableName)
	return nil
}

// GetTaskDefinitions 查询任务定义，name为空时返回全部
func (s *Service) GetTaskDefinitions(ctx context.Context, name string) ([]*definition.TaskDefinition, error) {
	return s.store.GetTaskDefinitions(ctx, name)
}

// PutTaskDefinition 替换已存在的任务定义，不存在时返回NotFound
func (s *Service) PutTaskDefinition(ctx context.Context, name string, def *definition.TaskDefinition) error {
	if def.InjectableName == "" {
		def.InjectableName = name
	}
	if def.InjectableName != name {
		return types.NewBadRequestError("任务定义名称不一致: %s != %s", def.InjectableName, name)
	}
	existing, err := s.store.GetTaskDefinitions(ctx, name)
	if err != nil {
		return fmt.Errorf("查询任务定义 %s 失败: %w", name, err)
	}
	if len(existing) == 0 {
		return types.NewNotFoundError("任务定义不存在: %s", name)
	}
	return s.DefineTask(ctx, def)
}

// DeleteTaskDefinition 删除任务定义，不存在时返回NotFound
func (s *Service) DeleteTaskDefinition(ctx context.Context, name string) error {
	s.taskDefs.Delete(name)
	ok, err := s.store.DeleteTaskDefinition(ctx, name)
	if err != nil {
		return fmt.Errorf("删除任务定义 %s 失败: %w", name, err)
	}
	if !ok {
		return types.NewNotFoundError("任务定义不存在: %s", name)
	}
	return nil
}

// resolveTask 从Store解析任务定义，供图校验使用
func (s *Service) resolveTask(ctx context.Context, name string) (*definition.TaskDefinition, error) {
	if def, ok := s.taskDefs.Get(name); ok {
		return def, nil
	}
	defs, err := s.store.GetTaskDefinitions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}
	s.taskDefs.Set(name, defs[0])
	return defs[0], nil
}

// ========== 定义目录 ==========

// SeedCatalog 写入内置定义与目录中的定义；任务定义先于图定义写入
// 无效的图定义只记录日志，不影响其余定义
func (s *Service) SeedCatalog(ctx context.Context, catalog *definition.Catalog) error {
	tasks := definition.BuiltinTaskDefinitions()
	graphs := definition.BuiltinGraphDefinitions()
	if catalog != nil {
		tasks = append(tasks, catalog.Tasks...)
		graphs = append(graphs, catalog.Graphs...)
	}
	for _, def := range tasks {
		if err := s.DefineTask(ctx, def); err != nil {
			return fmt.Errorf("写入任务定义 %s 失败: %w", def.InjectableName, err)
		}
	}
	loaded := 0
	for _, def := range graphs {
		if _, err := s.DefineTaskGraph(ctx, def); err != nil {
			log.Printf("[Workflow] ⚠️ 跳过无效的图定义: name=%s, error=%v", def.InjectableName, err)
			continue
		}
		loaded++
	}
	log.Printf("[Workflow] 📚 定义目录已加载: tasks=%d, graphs=%d", len(tasks), loaded)
	return nil
}
