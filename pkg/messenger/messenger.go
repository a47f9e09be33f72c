// Package messenger 基于watermill的调度事件总线
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

const topicPrefix = "taskgraph"

// RunTaskTopic 域内执行任务事件的主题
func RunTaskTopic(domain string) string {
	return fmt.Sprintf("%s.%s.run-task", topicPrefix, domain)
}

// TaskFinishedTopic 域内任务结束事件的主题
func TaskFinishedTopic(domain string) string {
	return fmt.Sprintf("%s.%s.task-finished", topicPrefix, domain)
}

// RunGraphTopic 域内开始评估图事件的主题
func RunGraphTopic(domain string) string {
	return fmt.Sprintf("%s.%s.run-graph", topicPrefix, domain)
}

const (
	CancelTaskTopic    = topicPrefix + ".cancel-task"
	GraphStartedTopic  = topicPrefix + ".graph-started"
	GraphFinishedTopic = topicPrefix + ".graph-finished"
)

// Messenger 调度事件发布订阅契约（对外导出）
// 所有事件至少投递一次、不保证顺序，订阅方必须幂等
type Messenger interface {
	PublishRunTask(ctx context.Context, ev RunTaskEvent) error
	SubscribeRunTask(ctx context.Context, domain string, handler func(RunTaskEvent)) (*Subscription, error)

	PublishTaskFinished(ctx context.Context, ev TaskFinishedEvent) error
	SubscribeTaskFinished(ctx context.Context, domain string, handler func(TaskFinishedEvent)) (*Subscription, error)

	PublishRunTaskGraph(ctx context.Context, ev RunGraphEvent) error
	SubscribeRunTaskGraph(ctx context.Context, domain string, handler func(RunGraphEvent)) (*Subscription, error)

	PublishCancelTask(ctx context.Context, ev CancelTaskEvent) error
	SubscribeCancel(ctx context.Context, handler func(CancelTaskEvent)) (*Subscription, error)

	PublishGraphStarted(ctx context.Context, ev GraphEvent) error
	PublishGraphFinished(ctx context.Context, ev GraphEvent) error
	SubscribeGraphFinished(ctx context.Context, handler func(GraphEvent)) (*Subscription, error)

	Close() error
}

// Subscription 一个活跃的订阅，Dispose后不再回调
type Subscription struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Topic 订阅的主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Dispose 取消订阅，可在回调内调用，可重复调用
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.cancel()
}

// Done 分发协程退出后关闭
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// WatermillMessenger 基于watermill Publisher/Subscriber的Messenger实现（对外导出）
type WatermillMessenger struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	closers    []func() error
}

// NewWatermillMessenger 使用任意watermill Publisher/Subscriber创建Messenger
func NewWatermillMessenger(publisher message.Publisher, subscriber message.Subscriber, logger watermill.LoggerAdapter) *WatermillMessenger {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &WatermillMessenger{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger,
		closers:    []func() error{publisher.Close, subscriber.Close},
	}
}

// NewGoChannelMessenger 创建进程内Messenger（单进程部署与测试）
func NewGoChannelMessenger(debug bool) *WatermillMessenger {
	logger := watermill.NewStdLogger(debug, false)
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
			OutputChannelBuffer:            256,
		},
		logger,
	)
	m := NewWatermillMessenger(pubsub, pubsub, logger)
	m.closers = []func() error{pubsub.Close}
	return m
}

// ========== 发布 ==========

func (m *WatermillMessenger) publish(topic string, payload interface{}, metadata map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	if err := m.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("发布事件到 %s 失败: %w", topic, err)
	}
	return nil
}

// PublishRunTask 发布执行任务事件
func (m *WatermillMessenger) PublishRunTask(ctx context.Context, ev RunTaskEvent) error {
	return m.publish(RunTaskTopic(ev.Domain), ev, map[string]string{"task_id": ev.TaskID, "graph_id": ev.GraphID})
}

// PublishTaskFinished 发布任务结束事件
func (m *WatermillMessenger) PublishTaskFinished(ctx context.Context, ev TaskFinishedEvent) error {
	return m.publish(TaskFinishedTopic(ev.Domain), ev, map[string]string{"task_id": ev.TaskID, "graph_id": ev.GraphID})
}

// PublishRunTaskGraph 发布开始评估图事件
func (m *WatermillMessenger) PublishRunTaskGraph(ctx context.Context, ev RunGraphEvent) error {
	return m.publish(RunGraphTopic(ev.Domain), ev, map[string]string{"graph_id": ev.GraphID})
}

// PublishCancelTask 发布取消任务事件
func (m *WatermillMessenger) PublishCancelTask(ctx context.Context, ev CancelTaskEvent) error {
	return m.publish(CancelTaskTopic, ev, map[string]string{"task_id": ev.TaskID, "graph_id": ev.GraphID})
}

// PublishGraphStarted 发布图开始事件
func (m *WatermillMessenger) PublishGraphStarted(ctx context.Context, ev GraphEvent) error {
	return m.publish(GraphStartedTopic, ev, map[string]string{"graph_id": ev.GraphID})
}

// PublishGraphFinished 发布图结束事件
func (m *WatermillMessenger) PublishGraphFinished(ctx context.Context, ev GraphEvent) error {
	return m.publish(GraphFinishedTopic, ev, map[string]string{"graph_id": ev.GraphID})
}

// ========== 订阅 ==========

// subscribe 订阅主题并在独立协程中解码分发
// 消息先Ack再回调，耗时的处理由回调方自行异步化
func subscribe[T any](ctx context.Context, m *WatermillMessenger, topic string, handler func(T)) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := m.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("订阅 %s 失败: %w", topic, err)
	}
	sub := &Subscription{topic: topic, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				msg.Ack()
				var ev T
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					log.Printf("⚠️ [Messenger] 丢弃无法解析的消息: topic=%s, uuid=%s, error=%v", topic, msg.UUID, err)
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				handler(ev)
			}
		}
	}()
	return sub, nil
}

// SubscribeRunTask 订阅执行任务事件
func (m *WatermillMessenger) SubscribeRunTask(ctx context.Context, domain string, handler func(RunTaskEvent)) (*Subscription, error) {
	return subscribe(ctx, m, RunTaskTopic(domain), handler)
}

// SubscribeTaskFinished 订阅任务结束事件
func (m *WatermillMessenger) SubscribeTaskFinished(ctx context.Context, domain string, handler func(TaskFinishedEvent)) (*Subscription, error) {
	return subscribe(ctx, m, TaskFinishedTopic(domain), handler)
}

// SubscribeRunTaskGraph 订阅开始评估图事件
func (m *WatermillMessenger) SubscribeRunTaskGraph(ctx context.Context, domain string, handler func(RunGraphEvent)) (*Subscription, error) {
	return subscribe(ctx, m, RunGraphTopic(domain), handler)
}

// SubscribeCancel 订阅取消任务事件
func (m *WatermillMessenger) SubscribeCancel(ctx context.Context, handler func(CancelTaskEvent)) (*Subscription, error) {
	return subscribe(ctx, m, CancelTaskTopic, handler)
}

// SubscribeGraphFinished 订阅图结束事件
func (m *WatermillMessenger) SubscribeGraphFinished(ctx context.Context, handler func(GraphEvent)) (*Subscription, error) {
	return subscribe(ctx, m, GraphFinishedTopic, handler)
}

// Close 关闭底层Publisher/Subscriber
func (m *WatermillMessenger) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Messenger = (*WatermillMessenger)(nil)
