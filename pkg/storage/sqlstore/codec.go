package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/dao"
)

// encodeStates 将状态列表编码为 ",a,b," 形式，便于用LIKE匹配单个状态
func encodeStates(states []types.State) string {
	if len(states) == 0 {
		return ","
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return "," + strings.Join(parts, ",") + ","
}

func decodeStates(encoded string) []types.State {
	var states []types.State
	for _, part := range strings.Split(encoded, ",") {
		if part != "" {
			states = append(states, types.State(part))
		}
	}
	return states
}

// stateLike 匹配 encodeStates 结果中单个状态的LIKE模式
func stateLike(s types.State) string {
	return "%," + string(s) + ",%"
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化失败: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func toTaskDependencyDAO(dep *storage.TaskDependency) (*dao.TaskDependencyDAO, error) {
	d := &dao.TaskDependencyDAO{
		TaskID:              dep.TaskID,
		GraphID:             dep.GraphID,
		Domain:              dep.Domain,
		State:               string(dep.State),
		Reachable:           dep.Reachable,
		Evaluated:           dep.Evaluated,
		IgnoreFailure:       dep.IgnoreFailure,
		TerminalOnStates:    encodeStates(dep.TerminalOnStates),
		SchedulerLease:      dep.SchedulerLease,
		SchedulerHeartbeat:  nullTime(dep.SchedulerHeartbeat),
		TaskRunnerLease:     dep.TaskRunnerLease,
		TaskRunnerHeartbeat: nullTime(dep.TaskRunnerHeartbeat),
		CreatedAt:           dep.CreatedAt,
		UpdatedAt:           dep.UpdatedAt,
	}
	if dep.Context != nil {
		ctxJSON, err := encodeJSON(dep.Context)
		if err != nil {
			return nil, err
		}
		d.Context = sql.NullString{String: ctxJSON, Valid: true}
	}
	return d, nil
}

func fromTaskDependencyDAO(d *dao.TaskDependencyDAO, edges []dao.TaskDependencyEdgeDAO) (*storage.TaskDependency, error) {
	dep := &storage.TaskDependency{
		TaskID:              d.TaskID,
		GraphID:             d.GraphID,
		Domain:              d.Domain,
		State:               types.State(d.State),
		Dependencies:        make(map[string]types.StateList, len(edges)),
		Reachable:           d.Reachable,
		Evaluated:           d.Evaluated,
		IgnoreFailure:       d.IgnoreFailure,
		TerminalOnStates:    decodeStates(d.TerminalOnStates),
		SchedulerLease:      d.SchedulerLease,
		SchedulerHeartbeat:  timePtr(d.SchedulerHeartbeat),
		TaskRunnerLease:     d.TaskRunnerLease,
		TaskRunnerHeartbeat: timePtr(d.TaskRunnerHeartbeat),
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
	for _, e := range edges {
		dep.Dependencies[e.DependsOn] = types.StateList(decodeStates(e.States))
	}
	if d.Context.Valid && d.Context.String != "" {
		if err := json.Unmarshal([]byte(d.Context.String), &dep.Context); err != nil {
			return nil, fmt.Errorf("解析任务上下文失败: %w", err)
		}
	}
	return dep, nil
}

func fromGraphObjectDAO(d *dao.GraphObjectDAO, states []dao.GraphObjectTaskDAO) *storage.GraphObject {
	obj := &storage.GraphObject{
		InstanceID:     d.InstanceID,
		InjectableName: d.InjectableName,
		Domain:         d.Domain,
		Target:         d.Target,
		ServiceGraph:   d.ServiceGraph,
		Status:         types.State(d.Status),
		Document:       json.RawMessage(d.Document),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if len(states) > 0 {
		obj.TaskStates = make(map[string]types.State, len(states))
		for _, s := range states {
			obj.TaskStates[s.TaskID] = types.State(s.State)
		}
	}
	return obj
}
