package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/storage/dao"
)

// ========== 图定义相关操作 ==========

// PersistGraphDefinition 按injectableName插入或更新图定义
func (s *Store) PersistGraphDefinition(ctx context.Context, def *definition.GraphDefinition) error {
	body, err := encodeJSON(def)
	if err != nil {
		return err
	}
	ts := now()
	row := &dao.GraphDefinitionDAO{
		InjectableName: def.InjectableName,
		FriendlyName:   def.FriendlyName,
		ServiceGraph:   def.ServiceGraph,
		Definition:     body,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	query := s.dialect.UpsertSQL("graph_definitions",
		[]string{"injectable_name", "friendly_name", "service_graph", "definition", "created_at", "updated_at"},
		"injectable_name",
		[]string{"friendly_name", "service_graph", "definition", "updated_at"},
	)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("保存图定义失败: %w", err)
	}
	return nil
}

// GetGraphDefinitions 查询图定义，name为空时返回全部
func (s *Store) GetGraphDefinitions(ctx context.Context, name string) ([]*definition.GraphDefinition, error) {
	var rows []dao.GraphDefinitionDAO
	query := `SELECT * FROM graph_definitions`
	var args []interface{}
	if name != "" {
		query += ` WHERE injectable_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY injectable_name`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询图定义失败: %w", err)
	}
	defs := make([]*definition.GraphDefinition, 0, len(rows))
	for _, row := range rows {
		var def definition.GraphDefinition
		if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
			return nil, fmt.Errorf("解析图定义 %s 失败: %w", row.InjectableName, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// DestroyGraphDefinition 删除图定义
func (s *Store) DestroyGraphDefinition(ctx context.Context, name string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM graph_definitions WHERE injectable_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("删除图定义失败: %w", err)
	}
	return n > 0, nil
}

// ========== 任务定义相关操作 ==========

// PersistTaskDefinition 按injectableName插入或更新任务定义
func (s *Store) PersistTaskDefinition(ctx context.Context, def *definition.TaskDefinition) error {
	body, err := encodeJSON(def)
	if err != nil {
		return err
	}
	ts := now()
	row := &dao.TaskDefinitionDAO{
		InjectableName: def.InjectableName,
		FriendlyName:   def.FriendlyName,
		ImplementsTask: def.ImplementsTask,
		Definition:     body,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	query := s.dialect.UpsertSQL("task_definitions",
		[]string{"injectable_name", "friendly_name", "implements_task", "definition", "created_at", "updated_at"},
		"injectable_name",
		[]string{"friendly_name", "implements_task", "definition", "updated_at"},
	)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("保存任务定义失败: %w", err)
	}
	return nil
}

// GetTaskDefinitions 查询任务定义，name为空时返回全部
func (s *Store) GetTaskDefinitions(ctx context.Context, name string) ([]*definition.TaskDefinition, error) {
	var rows []dao.TaskDefinitionDAO
	query := `SELECT * FROM task_definitions`
	var args []interface{}
	if name != "" {
		query += ` WHERE injectable_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY injectable_name`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询任务定义失败: %w", err)
	}
	defs := make([]*definition.TaskDefinition, 0, len(rows))
	for _, row := range rows {
		var def definition.TaskDefinition
		if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
			return nil, fmt.Errorf("解析任务定义 %s 失败: %w", row.InjectableName, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// DeleteTaskDefinition 删除任务定义
func (s *Store) DeleteTaskDefinition(ctx context.Context, name string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM task_definitions WHERE injectable_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("删除任务定义失败: %w", err)
	}
	return n > 0, nil
}
