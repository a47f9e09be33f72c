package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
)

// TaskSummary pendingTasks/finishedTasks投影中的一项
type TaskSummary struct {
	InstanceID string      `json:"instanceId"`
	Label      string      `json:"label"`
	State      types.State `json:"state"`
}

// Node 图绑定的目标节点
type Node struct {
	ID string `json:"id"`
}

type graphAlias TaskGraph

// document 序列化形式：图的全部非瞬态字段加上派生投影
type document struct {
	*graphAlias
	PendingTasks  []TaskSummary `json:"pendingTasks"`
	FinishedTasks []TaskSummary `json:"finishedTasks"`
	Node          *Node         `json:"node,omitempty"`
}

// Serialize 序列化为JSON文档（对外导出）
// 订阅、就绪队列等瞬态字段不参与序列化
func (g *TaskGraph) Serialize() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serializeLocked()
}

func (g *TaskGraph) serializeLocked() ([]byte, error) {
	doc := document{
		graphAlias:    (*graphAlias)(g),
		PendingTasks:  []TaskSummary{},
		FinishedTasks: []TaskSummary{},
	}
	for _, id := range g.sortedTaskIDs() {
		t := g.Tasks[id]
		summary := TaskSummary{InstanceID: t.InstanceID, Label: t.Label, State: t.State}
		if t.State.IsFinished() {
			doc.FinishedTasks = append(doc.FinishedTasks, summary)
		} else {
			doc.PendingTasks = append(doc.PendingTasks, summary)
		}
	}
	if target := g.Target(); target != "" {
		doc.Node = &Node{ID: target}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("序列化图实例 %s 失败: %w", g.InstanceID, err)
	}
	return data, nil
}

// Deserialize 由JSON文档还原图实例（对外导出）
// 时间字段由JSON解码重新构造；派生投影被忽略，以tasks为准
func Deserialize(data []byte) (*TaskGraph, error) {
	g := &TaskGraph{}
	doc := document{graphAlias: (*graphAlias)(g)}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("反序列化图实例失败: %w", err)
	}
	if g.Tasks == nil {
		return nil, fmt.Errorf("图实例文档缺少tasks")
	}
	if g.Context == nil {
		g.Context = make(map[string]interface{})
	}
	g.init()
	return g, nil
}

// ToObject 转换为持久化记录
func (g *TaskGraph) ToObject() (*storage.GraphObject, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.toObjectLocked()
}

func (g *TaskGraph) toObjectLocked() (*storage.GraphObject, error) {
	data, err := g.serializeLocked()
	if err != nil {
		return nil, err
	}
	return &storage.GraphObject{
		InstanceID:     g.InstanceID,
		InjectableName: g.InjectableName,
		Domain:         g.Domain,
		Target:         g.Target(),
		ServiceGraph:   g.ServiceGraph,
		Status:         g.Status,
		Document:       data,
		CreatedAt:      g.CreatedAt,
	}, nil
}

// FromObject 由持久化记录还原图实例
// 记录上的状态与任务状态投影比文档更新，覆盖文档中的值
func FromObject(obj *storage.GraphObject) (*TaskGraph, error) {
	if obj == nil {
		return nil, nil
	}
	g, err := Deserialize(obj.Document)
	if err != nil {
		return nil, err
	}
	g.Status = obj.Status
	for id, state := range obj.TaskStates {
		if t, ok := g.Tasks[id]; ok {
			t.State = state
		}
	}
	g.UpdatedAt = obj.UpdatedAt
	g.signalIfFinished()
	return g, nil
}

// CreateTaskDependencyItems 为每个任务生成集群共享的任务依赖记录
func (g *TaskGraph) CreateTaskDependencyItems() []*storage.TaskDependency {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taskDependencyItemsLocked()
}

func (g *TaskGraph) taskDependencyItemsLocked() []*storage.TaskDependency {
	items := make([]*storage.TaskDependency, 0, len(g.Tasks))
	for _, id := range g.sortedTaskIDs() {
		t := g.Tasks[id]
		deps := make(map[string]types.StateList, len(t.WaitingOn))
		for upstream, states := range t.WaitingOn {
			deps[upstream] = append(types.StateList(nil), states...)
		}
		items = append(items, &storage.TaskDependency{
			TaskID:           t.InstanceID,
			GraphID:          g.InstanceID,
			Domain:           g.Domain,
			State:            types.StatePending,
			Dependencies:     deps,
			Reachable:        true,
			IgnoreFailure:    t.IgnoreFailure,
			TerminalOnStates: append([]types.State(nil), t.TerminalOnStates...),
		})
	}
	return items
}

// sortedTaskIDs 按定义顺序返回任务ID，保证序列化结果稳定
func (g *TaskGraph) sortedTaskIDs() []string {
	order := make(map[string]int)
	if g.Definition != nil {
		for i, entry := range g.Definition.Tasks {
			order[entry.Label] = i
		}
	}
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := order[g.Tasks[ids[i]].Label], order[g.Tasks[ids[j]].Label]
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	return ids
}
