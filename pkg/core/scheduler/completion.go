package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
)

// graphCompleter 图完成检测，TaskScheduler与CompletedTaskPoller共用
// 终态转换由Store.SetGraphDone的条件更新保证只发生一次，多个写者并发调用是安全的
type graphCompleter struct {
	store     storage.Store
	messenger messenger.Messenger
	tag       string
}

// checkTerminalTask 处理以终结状态结束的任务
// 未被处理的失败立即使图失败；否则图中没有pending且reachable的记录时图成功
// 返回图是否已结束
func (c *graphCompleter) checkTerminalTask(ctx context.Context, graphID, taskID string, state types.State) (bool, error) {
	if state.IsFailed() {
		handled, err := c.store.IsTaskFailureHandled(ctx, graphID, taskID, state)
		if err != nil {
			return false, fmt.Errorf("检查任务失败是否被处理失败: %w", err)
		}
		if !handled {
			log.Printf("[%s] ❌ 任务失败未被处理，图将失败: graphId=%s, taskId=%s, state=%s", c.tag, graphID, taskID, state)
			return true, c.setGraphDone(ctx, graphID, types.StateFailed)
		}
	}
	return c.checkGraphSucceeded(ctx, graphID)
}

// checkGraphSucceeded 图中不再有待运行的任务时将图置为succeeded
func (c *graphCompleter) checkGraphSucceeded(ctx context.Context, graphID string) (bool, error) {
	finished, err := c.store.CheckGraphFinished(ctx, graphID)
	if err != nil {
		return false, fmt.Errorf("检查图 %s 是否结束失败: %w", graphID, err)
	}
	if !finished {
		return false, nil
	}
	return true, c.setGraphDone(ctx, graphID, types.StateSucceeded)
}

// setGraphDone 条件设置图终态，仅在发生状态转换时发布图结束事件
func (c *graphCompleter) setGraphDone(ctx context.Context, graphID string, state types.State) error {
	obj, err := c.store.SetGraphDone(ctx, graphID, state)
	if err != nil {
		return fmt.Errorf("设置图 %s 终态失败: %w", graphID, err)
	}
	if obj == nil {
		return nil
	}
	log.Printf("[%s] 🏁 图已结束: graphId=%s, name=%s, status=%s", c.tag, graphID, obj.InjectableName, obj.Status)
	if c.messenger == nil {
		return nil
	}
	ev := messenger.GraphEvent{
		GraphID:        obj.InstanceID,
		InjectableName: obj.InjectableName,
		Domain:         obj.Domain,
		Target:         obj.Target,
		Status:         obj.Status,
		Timestamp:      time.Now().UTC(),
	}
	if err := c.messenger.PublishGraphFinished(ctx, ev); err != nil {
		log.Printf("[%s] ⚠️ 发布图结束事件失败: graphId=%s, error=%v", c.tag, graphID, err)
	}
	return nil
}
