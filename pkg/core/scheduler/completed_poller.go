package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
)

const (
	DefaultCompletedPollInterval = time.Second
	DefaultCompletedBatchSize    = 200
)

// CompletedPollerOptions CompletedTaskPoller配置
type CompletedPollerOptions struct {
	Interval  time.Duration
	BatchSize int
}

// CompletedTaskPoller 清理已处理完的任务依赖记录，并补做可能因事件丢失而遗漏的图完成检测（对外导出）
type CompletedTaskPoller struct {
	store     storage.Store
	opts      CompletedPollerOptions
	completer *graphCompleter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCompletedTaskPoller 创建CompletedTaskPoller
func NewCompletedTaskPoller(store storage.Store, msg messenger.Messenger, opts CompletedPollerOptions) *CompletedTaskPoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCompletedPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultCompletedBatchSize
	}
	return &CompletedTaskPoller{
		store:     store,
		opts:      opts,
		completer: &graphCompleter{store: store, messenger: msg, tag: "CompletedTaskPoller"},
	}
}

// Start 启动轮询
func (p *CompletedTaskPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("CompletedTaskPoller已在运行")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[CompletedTaskPoller] ❌ %v", err)
				}
			}
		}
	}()
	log.Printf("[CompletedTaskPoller] ✅ 已启动: interval=%s, batchSize=%d", p.opts.Interval, p.opts.BatchSize)
	return nil
}

// Stop 停止轮询
func (p *CompletedTaskPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

// Poll 处理一批已结束的记录，返回删除的记录数
// 终结任务所在的图先做完成检测；检测失败的图其记录保留到下一轮
func (p *CompletedTaskPoller) Poll(ctx context.Context) (int, error) {
	records, err := p.store.FindCompletedTasks(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("查询已完成任务失败: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	failedGraphs := make(map[string]struct{})
	checked := make(map[string]struct{})
	for _, rec := range records {
		if !rec.IsTerminal() {
			continue
		}
		key := rec.GraphID + "/" + string(rec.State)
		if _, ok := checked[key]; ok && !rec.State.IsFailed() {
			continue
		}
		checked[key] = struct{}{}
		if _, err := p.completer.checkTerminalTask(ctx, rec.GraphID, rec.TaskID, rec.State); err != nil {
			log.Printf("[CompletedTaskPoller] ❌ 检查图是否结束失败: graphId=%s, taskId=%s, error=%v", rec.GraphID, rec.TaskID, err)
			failedGraphs[rec.GraphID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if _, skip := failedGraphs[rec.GraphID]; skip {
			continue
		}
		ids = append(ids, rec.TaskID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := p.store.DeleteTasks(ctx, ids); err != nil {
		return 0, fmt.Errorf("删除已完成任务失败: %w", err)
	}
	log.Printf("[CompletedTaskPoller] 🧹 已清理任务依赖记录: count=%d", len(ids))
	return len(ids), nil
}
