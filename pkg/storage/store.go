package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/types"
)

// Store 调度器、执行器、轮询器共享的持久化存储契约（对外导出）
// 所有跨进程的协调写操作都是一次条件更新，调用方不得假设读-改-写的原子性
// 查询不到记录时返回 (nil, nil)
type Store interface {
	DefinitionStore
	GraphObjectStore
	TaskDependencyStore

	// Close 关闭底层连接
	Close() error
}

// DefinitionStore 图定义与任务定义
type DefinitionStore interface {
	// PersistGraphDefinition 按injectableName插入或更新图定义
	PersistGraphDefinition(ctx context.Context, def *definition.GraphDefinition) error
	// GetGraphDefinitions 查询图定义，name为空时返回全部
	GetGraphDefinitions(ctx context.Context, name string) ([]*definition.GraphDefinition, error)
	// DestroyGraphDefinition 删除图定义，返回是否存在
	DestroyGraphDefinition(ctx context.Context, name string) (bool, error)

	// PersistTaskDefinition 按injectableName插入或更新任务定义
	PersistTaskDefinition(ctx context.Context, def *definition.TaskDefinition) error
	// GetTaskDefinitions 查询任务定义，name为空时返回全部
	GetTaskDefinitions(ctx context.Context, name string) ([]*definition.TaskDefinition, error)
	// DeleteTaskDefinition 删除任务定义，返回是否存在
	DeleteTaskDefinition(ctx context.Context, name string) (bool, error)
}

// GraphObjectStore 图实例
type GraphObjectStore interface {
	// PersistGraphObject 插入或整体替换图实例快照
	// 同一target至多一个活跃实例，新实例与之冲突时返回ForbiddenError
	PersistGraphObject(ctx context.Context, graph *GraphObject) error
	// GetGraphObject 按instanceId读取图实例，TaskStates包含最新的任务状态投影
	GetGraphObject(ctx context.Context, instanceID string) (*GraphObject, error)
	// ListGraphObjects 分页查询图实例，按创建时间倒序
	ListGraphObjects(ctx context.Context, filter GraphFilter) ([]*GraphObject, error)
	// FindActiveGraphs 查询域内所有非终态的图实例
	FindActiveGraphs(ctx context.Context, domain string) ([]*GraphObject, error)
	// FindActiveGraphForTarget 查询绑定到target的活跃图实例
	FindActiveGraphForTarget(ctx context.Context, target string) (*GraphObject, error)
	// DeleteGraph 删除已结束的图实例及其剩余的任务依赖记录，活跃实例不会被删除
	DeleteGraph(ctx context.Context, instanceID string) (bool, error)
	// SetGraphDone 仅当图仍处于非终态时将其置为终态，未发生状态转换时返回nil
	SetGraphDone(ctx context.Context, graphID string, state types.State) (*GraphObject, error)
	// CheckGraphFinished 图中不再有pending且reachable的任务依赖记录时返回true
	CheckGraphFinished(ctx context.Context, graphID string) (bool, error)
	// UpdateGraphTaskState 将任务状态写入所属图实例的任务状态投影
	UpdateGraphTaskState(ctx context.Context, graphID, taskID string, state types.State) error
	// GetTaskByID 从图实例快照中取出任务数据与图上下文
	GetTaskByID(ctx context.Context, ref TaskRef) (*TaskData, error)
}

// TaskDependencyStore 任务依赖记录（集群共享的调度状态）
type TaskDependencyStore interface {
	// PersistTaskDependencies 插入任务依赖记录，记录已存在时保持原状
	PersistTaskDependencies(ctx context.Context, dep *TaskDependency) error
	// FindReadyTasks 查询活跃图中的就绪任务：依赖为空、reachable、pending且无执行器租约；graphID为空时查询整个域
	FindReadyTasks(ctx context.Context, domain, graphID string) (*ReadyTasks, error)
	// CheckoutTaskForScheduler 条件设置调度器租约；租约为空、属于自己或心跳早于leaseAdjust时成功
	CheckoutTaskForScheduler(ctx context.Context, schedulerID, domain string, ref TaskRef, leaseAdjust time.Duration) (*TaskDependency, error)
	// CheckoutTaskForRunner 条件设置执行器租约；仅当租约为空且任务仍为pending时成功
	CheckoutTaskForRunner(ctx context.Context, runnerID string, ref TaskRef) (*TaskDependency, error)
	// FindUnevaluatedTasks 查询已结束但未评估的任务（属于本调度器、无主或调度器心跳已过期）
	FindUnevaluatedTasks(ctx context.Context, schedulerID, domain string, leaseAdjust time.Duration, limit int) ([]*TaskDependency, error)
	// UpdateDependentTasks 从等待该任务且目标状态匹配的记录中移除该依赖
	UpdateDependentTasks(ctx context.Context, ev TaskEvaluation) error
	// UpdateUnreachableTasks 将等待状态不匹配的后继（及其传递后继）标记为unreachable
	UpdateUnreachableTasks(ctx context.Context, ev TaskEvaluation) error
	// MarkTaskEvaluated 标记记录已评估
	MarkTaskEvaluated(ctx context.Context, ev TaskEvaluation) error
	// IsTaskFailureHandled 失败状态是否被图处理（后继等待该状态，或任务忽略失败）
	IsTaskFailureHandled(ctx context.Context, graphID, taskID string, state types.State) (bool, error)
	// SetTaskState 记录任务执行结果并释放执行器租约，同时更新图实例中的任务状态投影
	// 记录已不是pending或租约已属于其他执行器时不做任何修改，matched为false
	SetTaskState(ctx context.Context, update TaskStateUpdate) (matched bool, err error)
	// GetTaskDependency 按任务ID查询依赖记录，不存在时返回nil
	GetTaskDependency(ctx context.Context, taskID string) (*TaskDependency, error)
	// FindExpiredLeases 查询执行器心跳早于now-leaseAdjust的记录
	FindExpiredLeases(ctx context.Context, domain string, leaseAdjust time.Duration) ([]*TaskDependency, error)
	// ExpireLease 心跳仍然过期时清空执行器租约，返回是否发生了更新
	ExpireLease(ctx context.Context, taskID string, leaseAdjust time.Duration) (bool, error)
	// ReleaseLease 执行器主动释放自己持有的租约
	ReleaseLease(ctx context.Context, taskID, runnerID string) (bool, error)
	// HeartbeatTasksForRunner 刷新执行器持有的所有租约心跳，返回记录数
	HeartbeatTasksForRunner(ctx context.Context, runnerID string) (int, error)
	// GetOwnTasks 查询执行器持有租约的记录
	GetOwnTasks(ctx context.Context, runnerID string) ([]*TaskDependency, error)
	// FindCompletedTasks 查询已评估的终态记录，以及所属图已结束的剩余记录
	FindCompletedTasks(ctx context.Context, limit int) ([]*TaskDependency, error)
	// DeleteTasks 删除任务依赖记录
	DeleteTasks(ctx context.Context, taskIDs []string) error
}

// GraphObject 持久化的图实例（对外导出）
type GraphObject struct {
	InstanceID     string                 `json:"instanceId"`
	InjectableName string                 `json:"injectableName"`
	Domain         string                 `json:"domain"`
	Target         string                 `json:"target,omitempty"`
	ServiceGraph   bool                   `json:"serviceGraph,omitempty"`
	Status         types.State            `json:"_status"`
	Document       json.RawMessage        `json:"document"`
	TaskStates     map[string]types.State `json:"taskStates,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// GraphFilter 图实例查询条件
type GraphFilter struct {
	Domain         string
	InjectableName string
	Target         string
	Status         types.State
	ServiceGraph   *bool
	Skip           int
	Limit          int
}

// TaskDependency 任务依赖记录（对外导出）
type TaskDependency struct {
	TaskID              string                     `json:"taskId"`
	GraphID             string                     `json:"graphId"`
	Domain              string                     `json:"domain"`
	State               types.State                `json:"state"`
	Dependencies        map[string]types.StateList `json:"dependencies"`
	Reachable           bool                       `json:"reachable"`
	Evaluated           bool                       `json:"evaluated"`
	IgnoreFailure       bool                       `json:"ignoreFailure"`
	TerminalOnStates    []types.State              `json:"terminalOnStates"`
	SchedulerLease      string                     `json:"schedulerLease,omitempty"`
	SchedulerHeartbeat  *time.Time                 `json:"schedulerHeartbeat,omitempty"`
	TaskRunnerLease     string                     `json:"taskRunnerLease,omitempty"`
	TaskRunnerHeartbeat *time.Time                 `json:"taskRunnerHeartbeat,omitempty"`
	Context             map[string]interface{}     `json:"context,omitempty"`
	CreatedAt           time.Time                  `json:"createdAt"`
	UpdatedAt           time.Time                  `json:"updatedAt"`
}

// Ref 返回记录的定位键
func (d *TaskDependency) Ref() TaskRef {
	return TaskRef{GraphID: d.GraphID, TaskID: d.TaskID}
}

// IsTerminal 当前状态是否使该任务成为图的终结任务
func (d *TaskDependency) IsTerminal() bool {
	return types.StateList(d.TerminalOnStates).Contains(d.State)
}

// IsReady 就绪判定：依赖为空、reachable、pending且无执行器租约
func (d *TaskDependency) IsReady() bool {
	return len(d.Dependencies) == 0 && d.Reachable && d.State == types.StatePending && d.TaskRunnerLease == ""
}

// TaskRef 任务定位键
type TaskRef struct {
	GraphID string `json:"graphId"`
	TaskID  string `json:"taskId"`
}

// ReadyTasks 就绪任务查询结果，GraphID为空表示整个域
type ReadyTasks struct {
	GraphID string    `json:"graphId,omitempty"`
	Tasks   []TaskRef `json:"tasks"`
}

// TaskEvaluation 调度器评估一个已结束任务时使用的数据
type TaskEvaluation struct {
	GraphID string      `json:"graphId"`
	TaskID  string      `json:"taskId"`
	State   types.State `json:"state"`
}

// TaskStateUpdate 执行器上报的任务结果
type TaskStateUpdate struct {
	GraphID  string
	TaskID   string
	RunnerID string
	State    types.State
	Context  map[string]interface{}
}

// TaskData 任务数据与其所属图的上下文
type TaskData struct {
	GraphID string                 `json:"graphId"`
	Context map[string]interface{} `json:"context"`
	Task    json.RawMessage        `json:"task"`
}

// ExtractTaskData 从图实例文档中取出指定任务
func ExtractTaskData(graph *GraphObject, taskID string) (*TaskData, error) {
	if graph == nil {
		return nil, nil
	}
	var doc struct {
		Context map[string]interface{}     `json:"context"`
		Tasks   map[string]json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(graph.Document, &doc); err != nil {
		return nil, err
	}
	raw, ok := doc.Tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &TaskData{GraphID: graph.InstanceID, Context: doc.Context, Task: raw}, nil
}
