package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/LENAX/task-graph/pkg/storage/dao"
)

var taskDependencyColumns = []string{
	"task_id", "graph_id", "domain", "state", "reachable", "evaluated", "ignore_failure",
	"terminal_on_states", "scheduler_lease", "scheduler_heartbeat", "task_runner_lease",
	"task_runner_heartbeat", "context", "created_at", "updated_at",
}

func finishedStateArgs() []interface{} {
	args := make([]interface{}, len(types.FinishedStates))
	for i, s := range types.FinishedStates {
		args[i] = string(s)
	}
	return args
}

// ========== 任务依赖记录相关操作 ==========

// PersistTaskDependencies 插入任务依赖记录及其依赖边，记录已存在时保持原状
func (s *Store) PersistTaskDependencies(ctx context.Context, dep *storage.TaskDependency) error {
	ts := now()
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = ts
	}
	dep.UpdatedAt = ts
	row, err := toTaskDependencyDAO(dep)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx,
		s.dialect.InsertIgnoreSQL("task_dependencies", taskDependencyColumns, "task_id"), row)
	if err != nil {
		return fmt.Errorf("保存任务依赖记录失败: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		edgeSQL := s.dialect.InsertIgnoreSQL("task_dependency_edges",
			[]string{"graph_id", "task_id", "depends_on", "states"}, "task_id, depends_on")
		for upstream, states := range dep.Dependencies {
			edge := &dao.TaskDependencyEdgeDAO{
				GraphID:   dep.GraphID,
				TaskID:    dep.TaskID,
				DependsOn: upstream,
				States:    encodeStates(states),
			}
			if _, err := tx.NamedExecContext(ctx, edgeSQL, edge); err != nil {
				return fmt.Errorf("保存依赖边失败: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// FindReadyTasks 查询活跃图中的就绪任务
func (s *Store) FindReadyTasks(ctx context.Context, domain, graphID string) (*storage.ReadyTasks, error) {
	query := `SELECT d.graph_id, d.task_id FROM task_dependencies d
		JOIN graph_objects g ON g.instance_id = d.graph_id
		WHERE d.domain = ? AND d.state = ? AND d.reachable = ? AND d.task_runner_lease = ''
		AND g.status IN (?)
		AND NOT EXISTS (SELECT 1 FROM task_dependency_edges e WHERE e.task_id = d.task_id)`
	args := []interface{}{domain, string(types.StatePending), true, activeStatuses()}
	if graphID != "" {
		query += ` AND d.graph_id = ?`
		args = append(args, graphID)
	}
	query += ` ORDER BY d.created_at`

	q, a, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	var refs []storage.TaskRef
	rows, err := s.db.QueryxContext(ctx, q, a...)
	if err != nil {
		return nil, fmt.Errorf("查询就绪任务失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref storage.TaskRef
		if err := rows.Scan(&ref.GraphID, &ref.TaskID); err != nil {
			return nil, fmt.Errorf("读取就绪任务失败: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &storage.ReadyTasks{GraphID: graphID, Tasks: refs}, nil
}

// CheckoutTaskForScheduler 条件设置调度器租约
func (s *Store) CheckoutTaskForScheduler(ctx context.Context, schedulerID, domain string, ref storage.TaskRef, leaseAdjust time.Duration) (*storage.TaskDependency, error) {
	ts := now()
	n, err := s.exec(ctx, `UPDATE task_dependencies SET scheduler_lease = ?, scheduler_heartbeat = ?, updated_at = ?
		WHERE task_id = ? AND graph_id = ? AND domain = ? AND state = ? AND reachable = ? AND task_runner_lease = ''
		AND (scheduler_lease = '' OR scheduler_lease = ? OR scheduler_heartbeat IS NULL OR scheduler_heartbeat < ?)`,
		schedulerID, ts, ts,
		ref.TaskID, ref.GraphID, domain, string(types.StatePending), true,
		schedulerID, ts.Add(-leaseAdjust),
	)
	if err != nil {
		return nil, fmt.Errorf("调度器签出任务失败: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetTaskDependency(ctx, ref.TaskID)
}

// CheckoutTaskForRunner 条件设置执行器租约
func (s *Store) CheckoutTaskForRunner(ctx context.Context, runnerID string, ref storage.TaskRef) (*storage.TaskDependency, error) {
	ts := now()
	n, err := s.exec(ctx, `UPDATE task_dependencies SET task_runner_lease = ?, task_runner_heartbeat = ?, updated_at = ?
		WHERE task_id = ? AND graph_id = ? AND state = ? AND task_runner_lease = ''`,
		runnerID, ts, ts, ref.TaskID, ref.GraphID, string(types.StatePending),
	)
	if err != nil {
		return nil, fmt.Errorf("执行器签出任务失败: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetTaskDependency(ctx, ref.TaskID)
}

// FindUnevaluatedTasks 查询已结束但未评估的任务
func (s *Store) FindUnevaluatedTasks(ctx context.Context, schedulerID, domain string, leaseAdjust time.Duration, limit int) ([]*storage.TaskDependency, error) {
	query := `SELECT * FROM task_dependencies
		WHERE domain = ? AND evaluated = ? AND reachable = ? AND state IN (?)
		AND (scheduler_lease = '' OR scheduler_lease = ? OR scheduler_heartbeat IS NULL OR scheduler_heartbeat < ?)
		ORDER BY updated_at`
	args := []interface{}{domain, false, true, finishedStateArgs(), schedulerID, now().Add(-leaseAdjust)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectTaskDependencies(ctx, query, args...)
}

// UpdateDependentTasks 移除目标状态匹配的依赖边（依赖解析）
func (s *Store) UpdateDependentTasks(ctx context.Context, ev storage.TaskEvaluation) error {
	query := `DELETE FROM task_dependency_edges WHERE graph_id = ? AND depends_on = ? AND (states LIKE ?`
	args := []interface{}{ev.GraphID, ev.TaskID, stateLike(ev.State)}
	if ev.State.IsFinished() {
		query += ` OR states LIKE ?`
		args = append(args, stateLike(types.StateFinished))
	}
	query += `)`
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("更新依赖任务失败: %w", err)
	}
	return nil
}

// UpdateUnreachableTasks 将等待状态不匹配的后继及其传递后继标记为unreachable
func (s *Store) UpdateUnreachableTasks(ctx context.Context, ev storage.TaskEvaluation) error {
	match := `e.states LIKE ?`
	matchArgs := []interface{}{stateLike(ev.State)}
	if ev.State.IsFinished() {
		match = `(e.states LIKE ? OR e.states LIKE ?)`
		matchArgs = append(matchArgs, stateLike(types.StateFinished))
	}

	// 派生表包装子查询，兼容MySQL不允许在UPDATE中直接引用目标表的限制
	direct := `UPDATE task_dependencies SET reachable = ?, updated_at = ?
		WHERE graph_id = ? AND reachable = ? AND task_id IN (
			SELECT task_id FROM (
				SELECT e.task_id FROM task_dependency_edges e
				WHERE e.graph_id = ? AND e.depends_on = ? AND NOT (` + match + `)
			) AS unreachable
		)`
	args := append([]interface{}{false, now(), ev.GraphID, true, ev.GraphID, ev.TaskID}, matchArgs...)
	n, err := s.exec(ctx, direct, args...)
	if err != nil {
		return fmt.Errorf("标记不可达任务失败: %w", err)
	}

	// 不可达任务永远不会结束，其后继同样不可达
	transitive := `UPDATE task_dependencies SET reachable = ?, updated_at = ?
		WHERE graph_id = ? AND reachable = ? AND state = ? AND task_id IN (
			SELECT task_id FROM (
				SELECT e.task_id FROM task_dependency_edges e
				JOIN task_dependencies u ON u.task_id = e.depends_on
				WHERE e.graph_id = ? AND u.reachable = ?
			) AS unreachable
		)`
	for n > 0 {
		n, err = s.exec(ctx, transitive, false, now(), ev.GraphID, true, string(types.StatePending), ev.GraphID, false)
		if err != nil {
			return fmt.Errorf("传播不可达状态失败: %w", err)
		}
	}
	return nil
}

// MarkTaskEvaluated 标记记录已评估
func (s *Store) MarkTaskEvaluated(ctx context.Context, ev storage.TaskEvaluation) error {
	if _, err := s.exec(ctx, `UPDATE task_dependencies SET evaluated = ?, updated_at = ? WHERE task_id = ? AND graph_id = ?`,
		true, now(), ev.TaskID, ev.GraphID); err != nil {
		return fmt.Errorf("标记任务已评估失败: %w", err)
	}
	return nil
}

// IsTaskFailureHandled 失败状态是否被图处理
func (s *Store) IsTaskFailureHandled(ctx context.Context, graphID, taskID string, state types.State) (bool, error) {
	dep, err := s.GetTaskDependency(ctx, taskID)
	if err != nil {
		return false, err
	}
	if dep == nil || dep.GraphID != graphID {
		return false, nil
	}
	return dep.IgnoreFailure || !types.StateList(dep.TerminalOnStates).Contains(state), nil
}

// SetTaskState 记录任务执行结果并释放执行器租约
func (s *Store) SetTaskState(ctx context.Context, update storage.TaskStateUpdate) (bool, error) {
	var ctxJSON sql.NullString
	if update.Context != nil {
		encoded, err := encodeJSON(update.Context)
		if err != nil {
			return false, err
		}
		ctxJSON = sql.NullString{String: encoded, Valid: true}
	}
	ts := now()
	n, err := s.exec(ctx, `UPDATE task_dependencies
		SET state = ?, context = ?, evaluated = ?, task_runner_lease = '', task_runner_heartbeat = NULL, updated_at = ?
		WHERE task_id = ? AND graph_id = ? AND state = ? AND (task_runner_lease = ? OR task_runner_lease = '')`,
		string(update.State), ctxJSON, false, ts,
		update.TaskID, update.GraphID, string(types.StatePending), update.RunnerID,
	)
	if err != nil {
		return false, fmt.Errorf("更新任务状态失败: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	return true, s.UpdateGraphTaskState(ctx, update.GraphID, update.TaskID, update.State)
}

// FindExpiredLeases 查询执行器心跳过期的记录
func (s *Store) FindExpiredLeases(ctx context.Context, domain string, leaseAdjust time.Duration) ([]*storage.TaskDependency, error) {
	return s.selectTaskDependencies(ctx, `SELECT * FROM task_dependencies
		WHERE domain = ? AND state = ? AND task_runner_lease <> '' AND task_runner_heartbeat < ?`,
		domain, string(types.StatePending), now().Add(-leaseAdjust))
}

// ExpireLease 心跳仍然过期时清空执行器租约
func (s *Store) ExpireLease(ctx context.Context, taskID string, leaseAdjust time.Duration) (bool, error) {
	n, err := s.exec(ctx, `UPDATE task_dependencies SET task_runner_lease = '', task_runner_heartbeat = NULL, updated_at = ?
		WHERE task_id = ? AND task_runner_lease <> '' AND task_runner_heartbeat < ?`,
		now(), taskID, now().Add(-leaseAdjust))
	if err != nil {
		return false, fmt.Errorf("过期租约失败: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease 执行器主动释放自己持有的租约
func (s *Store) ReleaseLease(ctx context.Context, taskID, runnerID string) (bool, error) {
	n, err := s.exec(ctx, `UPDATE task_dependencies SET task_runner_lease = '', task_runner_heartbeat = NULL, updated_at = ?
		WHERE task_id = ? AND task_runner_lease = ?`, now(), taskID, runnerID)
	if err != nil {
		return false, fmt.Errorf("释放租约失败: %w", err)
	}
	return n > 0, nil
}

// HeartbeatTasksForRunner 刷新执行器持有的所有租约心跳
func (s *Store) HeartbeatTasksForRunner(ctx context.Context, runnerID string) (int, error) {
	n, err := s.exec(ctx, `UPDATE task_dependencies SET task_runner_heartbeat = ? WHERE task_runner_lease = ?`,
		now(), runnerID)
	if err != nil {
		return 0, fmt.Errorf("刷新心跳失败: %w", err)
	}
	return int(n), nil
}

// GetOwnTasks 查询执行器持有租约的记录
func (s *Store) GetOwnTasks(ctx context.Context, runnerID string) ([]*storage.TaskDependency, error) {
	return s.selectTaskDependencies(ctx, `SELECT * FROM task_dependencies WHERE task_runner_lease = ?`, runnerID)
}

// FindCompletedTasks 查询已评估的终态记录，以及所属图已结束的剩余记录
func (s *Store) FindCompletedTasks(ctx context.Context, limit int) ([]*storage.TaskDependency, error) {
	query := `SELECT * FROM task_dependencies
		WHERE (evaluated = ? AND state IN (?))
		OR graph_id IN (SELECT instance_id FROM graph_objects WHERE status NOT IN (?))
		ORDER BY updated_at`
	args := []interface{}{true, finishedStateArgs(), activeStatuses()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectTaskDependencies(ctx, query, args...)
}

// DeleteTasks 删除任务依赖记录
func (s *Store) DeleteTasks(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	for _, stmt := range []string{
		`DELETE FROM task_dependency_edges WHERE task_id IN (?)`,
		`DELETE FROM task_dependencies WHERE task_id IN (?)`,
	} {
		query, args, err := s.in(stmt, taskIDs)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("删除任务依赖记录失败: %w", err)
		}
	}
	return nil
}

// GetTaskDependency 按任务ID查询依赖记录（含依赖边）
func (s *Store) GetTaskDependency(ctx context.Context, taskID string) (*storage.TaskDependency, error) {
	var row dao.TaskDependencyDAO
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM task_dependencies WHERE task_id = ?`), taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询任务依赖记录失败: %w", err)
	}
	var edges []dao.TaskDependencyEdgeDAO
	if err := s.db.SelectContext(ctx, &edges,
		s.db.Rebind(`SELECT * FROM task_dependency_edges WHERE task_id = ?`), taskID); err != nil {
		return nil, fmt.Errorf("查询依赖边失败: %w", err)
	}
	return fromTaskDependencyDAO(&row, edges)
}

func (s *Store) selectTaskDependencies(ctx context.Context, query string, args ...interface{}) ([]*storage.TaskDependency, error) {
	q, a, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []dao.TaskDependencyDAO
	if err := s.db.SelectContext(ctx, &rows, q, a...); err != nil {
		return nil, fmt.Errorf("查询任务依赖记录失败: %w", err)
	}
	deps := make([]*storage.TaskDependency, 0, len(rows))
	if len(rows) == 0 {
		return deps, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.TaskID
	}
	edgeQuery, edgeArgs, err := s.in(`SELECT * FROM task_dependency_edges WHERE task_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var edges []dao.TaskDependencyEdgeDAO
	if err := s.db.SelectContext(ctx, &edges, edgeQuery, edgeArgs...); err != nil {
		return nil, fmt.Errorf("查询依赖边失败: %w", err)
	}
	byTask := make(map[string][]dao.TaskDependencyEdgeDAO)
	for _, e := range edges {
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}
	for i := range rows {
		dep, err := fromTaskDependencyDAO(&rows[i], byTask[rows[i].TaskID])
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}
