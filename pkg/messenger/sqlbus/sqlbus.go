// Package sqlbus 以共享SQL事件表实现watermill的Publisher/Subscriber
// 多个进程连接同一数据库即可互相收发事件，订阅方轮询新增记录
package sqlbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
)

// ErrClosed PubSub已关闭
var ErrClosed = errors.New("sqlbus已关闭")

// Config sqlbus配置
type Config struct {
	// PollInterval 订阅方轮询新事件的间隔
	PollInterval time.Duration
	// BatchSize 单次轮询读取的最大事件数
	BatchSize int
	// Retention 事件保留时长，0表示不清理
	Retention time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

type eventRow struct {
	ID       int64  `db:"id"`
	UUID     string `db:"uuid"`
	Payload  string `db:"payload"`
	Metadata string `db:"metadata"`
}

// PubSub 同时实现message.Publisher与message.Subscriber（对外导出）
type PubSub struct {
	db      *sqlx.DB
	dialect storage.Dialect
	config  Config
	logger  watermill.LoggerAdapter

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New 创建PubSub并初始化事件表
func New(db *sqlx.DB, dialect storage.Dialect, config Config, logger watermill.LoggerAdapter) (*PubSub, error) {
	config.setDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ps := &PubSub{
		db:      db,
		dialect: dialect,
		config:  config,
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := ps.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化事件表失败: %w", err)
	}
	if config.Retention > 0 {
		ps.wg.Add(1)
		go ps.pruneLoop()
	}
	return ps, nil
}

func (ps *PubSub) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_events (
			id %s,
			uuid VARCHAR(64) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			payload %s NOT NULL,
			metadata %s NOT NULL,
			created_at DATETIME NOT NULL
		)`, ps.dialect.AutoIncrementKeyword(), ps.dialect.TextType(), ps.dialect.TextType()),
		`CREATE INDEX IF NOT EXISTS idx_task_events_topic ON task_events (topic, id)`,
	}
	filter, _ := ps.dialect.(interface{ IgnorableSchemaError(error) bool })
	for _, stmt := range statements {
		if _, err := ps.db.Exec(ps.dialect.CreateTableSQL(stmt)); err != nil {
			if filter != nil && filter.IgnorableSchemaError(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// Publish 将消息写入事件表
func (ps *PubSub) Publish(topic string, messages ...*message.Message) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrClosed
	}
	insert := ps.db.Rebind(`INSERT INTO task_events (uuid, topic, payload, metadata, created_at) VALUES (?, ?, ?, ?, ?)`)
	for _, msg := range messages {
		metadata, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("序列化消息元数据失败: %w", err)
		}
		if _, err := ps.db.Exec(insert, msg.UUID, topic, string(msg.Payload), string(metadata),
			time.Now().UTC().Truncate(time.Microsecond)); err != nil {
			return fmt.Errorf("写入事件失败: %w", err)
		}
	}
	return nil
}

// Subscribe 从订阅时刻起投递该主题的新事件
func (ps *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return nil, ErrClosed
	}

	var lastID int64
	if err := ps.db.GetContext(ctx, &lastID,
		ps.db.Rebind(`SELECT COALESCE(MAX(id), 0) FROM task_events WHERE topic = ?`), topic); err != nil {
		return nil, fmt.Errorf("读取事件位置失败: %w", err)
	}

	out := make(chan *message.Message)
	ps.wg.Add(1)
	go ps.consume(ctx, topic, lastID, out)
	return out, nil
}

func (ps *PubSub) consume(ctx context.Context, topic string, lastID int64, out chan<- *message.Message) {
	defer ps.wg.Done()
	defer close(out)

	fields := watermill.LogFields{"topic": topic}
	query := ps.db.Rebind(`SELECT id, uuid, payload, metadata FROM task_events
		WHERE topic = ? AND id > ? ORDER BY id LIMIT ?`)
	ticker := time.NewTicker(ps.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.closing:
			return
		case <-ticker.C:
		}

		var rows []eventRow
		if err := ps.db.SelectContext(ctx, &rows, query, topic, lastID, ps.config.BatchSize); err != nil {
			if ctx.Err() == nil {
				ps.logger.Error("轮询事件失败", err, fields)
			}
			continue
		}
		for _, row := range rows {
			delivered, ok := ps.deliver(ctx, row, out)
			if !ok {
				return
			}
			if !delivered {
				// Nack：下一轮从该事件重新投递
				break
			}
			lastID = row.ID
		}
	}
}

// deliver 投递单条消息并等待Ack/Nack；第二个返回值为false表示订阅已结束
func (ps *PubSub) deliver(ctx context.Context, row eventRow, out chan<- *message.Message) (bool, bool) {
	msg := message.NewMessage(row.UUID, []byte(row.Payload))
	if row.Metadata != "" {
		_ = json.Unmarshal([]byte(row.Metadata), &msg.Metadata)
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false, false
	case <-ps.closing:
		return false, false
	}
	select {
	case <-msg.Acked():
		return true, true
	case <-msg.Nacked():
		return false, true
	case <-ctx.Done():
		return false, false
	case <-ps.closing:
		return false, false
	}
}

func (ps *PubSub) pruneLoop() {
	defer ps.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ps.closing:
			return
		case <-ticker.C:
			n, err := ps.Prune(context.Background(), ps.config.Retention)
			if err != nil {
				ps.logger.Error("清理过期事件失败", err, nil)
			} else if n > 0 {
				ps.logger.Debug("已清理过期事件", watermill.LogFields{"count": n})
			}
		}
	}
}

// Prune 删除早于olderThan的事件
func (ps *PubSub) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := ps.db.ExecContext(ctx, ps.db.Rebind(`DELETE FROM task_events WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close 停止所有订阅协程
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	close(ps.closing)
	ps.mu.Unlock()
	ps.wg.Wait()
	return nil
}

var (
	_ message.Publisher  = (*PubSub)(nil)
	_ message.Subscriber = (*PubSub)(nil)
)
