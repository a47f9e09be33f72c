package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/dao"
)

// activeStatuses 图的非终态，用于条件更新
func activeStatuses() []interface{} {
	args := make([]interface{}, len(types.ActiveGraphStates))
	for i, s := range types.ActiveGraphStates {
		args[i] = string(s)
	}
	return args
}

// activeTarget 活跃且绑定target的实例返回target，否则为NULL
func activeTarget(graph *storage.GraphObject) sql.NullString {
	if graph.Target == "" || !graph.Status.IsActiveGraphState() {
		return sql.NullString{}
	}
	return sql.NullString{String: graph.Target, Valid: true}
}

// ========== 图实例相关操作 ==========

// PersistGraphObject 保存图实例快照
// 已进入终态的实例不会被旧快照覆盖回非终态；
// 新实例与已有活跃实例绑定同一target时返回ForbiddenError
func (s *Store) PersistGraphObject(ctx context.Context, graph *storage.GraphObject) error {
	ts := now()
	// MySQL按SET顺序求值，active_target必须在status之前，以便读到旧状态
	query, args, err := s.in(`UPDATE graph_objects SET
			injectable_name = ?, domain = ?, target = ?, service_graph = ?, document = ?, updated_at = ?,
			active_target = CASE WHEN status IN (?) THEN ? ELSE NULL END,
			status = CASE WHEN status IN (?) THEN ? ELSE status END
		WHERE instance_id = ?`,
		graph.InjectableName, graph.Domain, graph.Target, graph.ServiceGraph, string(graph.Document), ts,
		activeStatuses(), activeTarget(graph),
		activeStatuses(), string(graph.Status),
		graph.InstanceID,
	)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.targetConflict(ctx, graph, fmt.Errorf("更新图实例失败: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	createdAt := graph.CreatedAt
	if createdAt.IsZero() {
		createdAt = ts
	}
	row := &dao.GraphObjectDAO{
		InstanceID:     graph.InstanceID,
		InjectableName: graph.InjectableName,
		Domain:         graph.Domain,
		Target:         graph.Target,
		ActiveTarget:   activeTarget(graph),
		ServiceGraph:   graph.ServiceGraph,
		Status:         string(graph.Status),
		Document:       string(graph.Document),
		CreatedAt:      createdAt.UTC(),
		UpdatedAt:      ts,
	}
	insert := `INSERT INTO graph_objects
		(instance_id, injectable_name, domain, target, active_target, service_graph, status, document, created_at, updated_at)
		VALUES (:instance_id, :injectable_name, :domain, :target, :active_target, :service_graph, :status, :document, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, insert, row); err != nil {
		return s.targetConflict(ctx, graph, fmt.Errorf("保存图实例失败: %w", err))
	}
	return nil
}

// targetConflict 写入失败时判断是否因target已被其他活跃实例占用
// 唯一约束冲突的错误码因驱动而异，这里回查target上的活跃实例
func (s *Store) targetConflict(ctx context.Context, graph *storage.GraphObject, err error) error {
	if !activeTarget(graph).Valid {
		return err
	}
	active, findErr := s.FindActiveGraphForTarget(ctx, graph.Target)
	if findErr != nil || active == nil || active.InstanceID == graph.InstanceID {
		return err
	}
	return types.NewForbiddenError("目标 %s 已有活跃的图实例: %s", graph.Target, active.InstanceID)
}

// GetGraphObject 按instanceId读取图实例
func (s *Store) GetGraphObject(ctx context.Context, instanceID string) (*storage.GraphObject, error) {
	var row dao.GraphObjectDAO
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM graph_objects WHERE instance_id = ?`), instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询图实例失败: %w", err)
	}
	var states []dao.GraphObjectTaskDAO
	if err := s.db.SelectContext(ctx, &states,
		s.db.Rebind(`SELECT * FROM graph_object_tasks WHERE graph_id = ?`), instanceID); err != nil {
		return nil, fmt.Errorf("查询任务状态失败: %w", err)
	}
	return fromGraphObjectDAO(&row, states), nil
}

// ListGraphObjects 分页查询图实例
func (s *Store) ListGraphObjects(ctx context.Context, filter storage.GraphFilter) ([]*storage.GraphObject, error) {
	query := `SELECT * FROM graph_objects WHERE 1 = 1`
	var args []interface{}
	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if filter.InjectableName != "" {
		query += ` AND injectable_name = ?`
		args = append(args, filter.InjectableName)
	}
	if filter.Target != "" {
		query += ` AND target = ?`
		args = append(args, filter.Target)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ServiceGraph != nil {
		query += ` AND service_graph = ?`
		args = append(args, *filter.ServiceGraph)
	}
	query += ` ORDER BY created_at DESC, instance_id`
	if filter.Limit > 0 || filter.Skip > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = 1 << 30
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Skip)
	}

	var rows []dao.GraphObjectDAO
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询图实例列表失败: %w", err)
	}
	return s.withTaskStates(ctx, rows)
}

// FindActiveGraphs 查询域内所有非终态的图实例
func (s *Store) FindActiveGraphs(ctx context.Context, domain string) ([]*storage.GraphObject, error) {
	query, args, err := s.in(`SELECT * FROM graph_objects WHERE domain = ? AND status IN (?) ORDER BY created_at`,
		domain, activeStatuses())
	if err != nil {
		return nil, err
	}
	var rows []dao.GraphObjectDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("查询活跃图实例失败: %w", err)
	}
	return s.withTaskStates(ctx, rows)
}

// FindActiveGraphForTarget 查询绑定到target的活跃图实例
func (s *Store) FindActiveGraphForTarget(ctx context.Context, target string) (*storage.GraphObject, error) {
	if target == "" {
		return nil, nil
	}
	query, args, err := s.in(`SELECT * FROM graph_objects WHERE target = ? AND status IN (?) ORDER BY created_at`,
		target, activeStatuses())
	if err != nil {
		return nil, err
	}
	var rows []dao.GraphObjectDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("查询target活跃图实例失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return fromGraphObjectDAO(&rows[0], nil), nil
}

// DeleteGraph 删除已结束的图实例
func (s *Store) DeleteGraph(ctx context.Context, instanceID string) (bool, error) {
	query, args, err := s.in(`DELETE FROM graph_objects WHERE instance_id = ? AND status NOT IN (?)`,
		instanceID, activeStatuses())
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("删除图实例失败: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}

	cleanup := []string{
		`DELETE FROM graph_object_tasks WHERE graph_id = ?`,
		`DELETE FROM task_dependency_edges WHERE graph_id = ?`,
		`DELETE FROM task_dependencies WHERE graph_id = ?`,
	}
	for _, stmt := range cleanup {
		if _, err := s.exec(ctx, stmt, instanceID); err != nil {
			return true, fmt.Errorf("清理图实例数据失败: %w", err)
		}
	}
	return true, nil
}

// SetGraphDone 条件更新：仅当图仍处于非终态时置为终态
func (s *Store) SetGraphDone(ctx context.Context, graphID string, state types.State) (*storage.GraphObject, error) {
	query, args, err := s.in(`UPDATE graph_objects SET active_target = NULL, status = ?, updated_at = ? WHERE instance_id = ? AND status IN (?)`,
		string(state), now(), graphID, activeStatuses())
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("设置图实例终态失败: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return nil, err
	}
	return s.GetGraphObject(ctx, graphID)
}

// CheckGraphFinished 图中不再有pending且reachable的任务时返回true
func (s *Store) CheckGraphFinished(ctx context.Context, graphID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM task_dependencies WHERE graph_id = ? AND state = ? AND reachable = ?`),
		graphID, string(types.StatePending), true)
	if err != nil {
		return false, fmt.Errorf("检查图实例完成状态失败: %w", err)
	}
	return count == 0, nil
}

// UpdateGraphTaskState 更新图实例中的任务状态投影
func (s *Store) UpdateGraphTaskState(ctx context.Context, graphID, taskID string, state types.State) error {
	row := &dao.GraphObjectTaskDAO{GraphID: graphID, TaskID: taskID, State: string(state), UpdatedAt: now()}
	query := s.dialect.UpsertSQL("graph_object_tasks",
		[]string{"graph_id", "task_id", "state", "updated_at"},
		"graph_id, task_id",
		[]string{"state", "updated_at"},
	)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("更新任务状态投影失败: %w", err)
	}
	return nil
}

// GetTaskByID 从图实例快照中取出任务数据与图上下文
func (s *Store) GetTaskByID(ctx context.Context, ref storage.TaskRef) (*storage.TaskData, error) {
	graph, err := s.GetGraphObject(ctx, ref.GraphID)
	if err != nil || graph == nil {
		return nil, err
	}
	data, err := storage.ExtractTaskData(graph, ref.TaskID)
	if err != nil {
		return nil, fmt.Errorf("解析图实例 %s 失败: %w", ref.GraphID, err)
	}
	return data, nil
}

func (s *Store) withTaskStates(ctx context.Context, rows []dao.GraphObjectDAO) ([]*storage.GraphObject, error) {
	graphs := make([]*storage.GraphObject, 0, len(rows))
	if len(rows) == 0 {
		return graphs, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.InstanceID
	}
	query, args, err := s.in(`SELECT * FROM graph_object_tasks WHERE graph_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var states []dao.GraphObjectTaskDAO
	if err := s.db.SelectContext(ctx, &states, query, args...); err != nil {
		return nil, fmt.Errorf("查询任务状态失败: %w", err)
	}
	byGraph := make(map[string][]dao.GraphObjectTaskDAO)
	for _, st := range states {
		byGraph[st.GraphID] = append(byGraph[st.GraphID], st)
	}
	for i := range rows {
		graphs = append(graphs, fromGraphObjectDAO(&rows[i], byGraph[rows[i].InstanceID]))
	}
	return graphs, nil
}
