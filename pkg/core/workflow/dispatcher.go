package workflow

import (
	"context"
	"log"

	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
)

// MessengerDispatcher 嵌入式运行时图实例使用的派发器（对外导出）
// 没有TaskScheduler评估记录，收到任务结束事件时由这里标记记录已评估，使CompletedTaskPoller可以清理
type MessengerDispatcher struct {
	store     storage.Store
	messenger messenger.Messenger
}

var _ graph.Dispatcher = (*MessengerDispatcher)(nil)

// NewMessengerDispatcher 创建MessengerDispatcher
func NewMessengerDispatcher(store storage.Store, msg messenger.Messenger) *MessengerDispatcher {
	return &MessengerDispatcher{store: store, messenger: msg}
}

// OnTaskFinished 订阅单个任务的结束事件
func (d *MessengerDispatcher) OnTaskFinished(ctx context.Context, domain, taskID string, cb func(messenger.TaskFinishedEvent)) (graph.Subscription, error) {
	sub, err := d.messenger.SubscribeTaskFinished(context.Background(), domain, func(ev messenger.TaskFinishedEvent) {
		if ev.TaskID != taskID {
			return
		}
		if err := d.store.MarkTaskEvaluated(context.Background(), storage.TaskEvaluation{
			GraphID: ev.GraphID, TaskID: ev.TaskID, State: ev.State,
		}); err != nil {
			log.Printf("[Workflow] ⚠️ 标记任务已评估失败: taskId=%s, error=%v", ev.TaskID, err)
		}
		cb(ev)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Dispatch 发布run-task事件
func (d *MessengerDispatcher) Dispatch(ctx context.Context, domain, graphID, taskID string) error {
	return d.messenger.PublishRunTask(ctx, messenger.RunTaskEvent{TaskID: taskID, GraphID: graphID, Domain: domain})
}
