package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
)

// LeasePollerOptions LeaseExpirationPoller配置
type LeasePollerOptions struct {
	Domain      string
	LeaseAdjust time.Duration
	// Interval 轮询间隔，默认2倍LeaseAdjust
	Interval time.Duration
}

// LeaseExpirationPoller 回收心跳过期的执行器租约（对外导出）
// 执行器崩溃后任务只能经由这里回到就绪池；调度器租约不在这里处理
type LeaseExpirationPoller struct {
	store storage.Store
	opts  LeasePollerOptions

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLeaseExpirationPoller 创建LeaseExpirationPoller
func NewLeaseExpirationPoller(store storage.Store, opts LeasePollerOptions) *LeaseExpirationPoller {
	if opts.Domain == "" {
		opts.Domain = types.DefaultDomain
	}
	if opts.LeaseAdjust <= 0 {
		opts.LeaseAdjust = DefaultLeaseAdjust
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * opts.LeaseAdjust
	}
	return &LeaseExpirationPoller{store: store, opts: opts}
}

// Start 启动轮询
func (p *LeaseExpirationPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("LeaseExpirationPoller已在运行")
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
					log.Printf("[LeaseExpirationPoller] ❌ %v", err)
				}
			}
		}
	}()
	log.Printf("[LeaseExpirationPoller] ✅ 已启动: domain=%s, leaseAdjust=%s, interval=%s",
		p.opts.Domain, p.opts.LeaseAdjust, p.opts.Interval)
	return nil
}

// Stop 停止轮询
func (p *LeaseExpirationPoller) Stop() {
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

// Poll 执行一轮回收，返回被清空租约的记录数
func (p *LeaseExpirationPoller) Poll(ctx context.Context) (int, error) {
	expired, err := p.store.FindExpiredLeases(ctx, p.opts.Domain, p.opts.LeaseAdjust)
	if err != nil {
		return 0, fmt.Errorf("查询过期租约失败: %w", err)
	}
	count := 0
	for _, rec := range expired {
		ok, err := p.store.ExpireLease(ctx, rec.TaskID, p.opts.LeaseAdjust)
		if err != nil {
			log.Printf("[LeaseExpirationPoller] ❌ 清空租约失败: taskId=%s, runner=%s, error=%v", rec.TaskID, rec.TaskRunnerLease, err)
			continue
		}
		if ok {
			count++
			log.Printf("[LeaseExpirationPoller] ♻️ 租约已过期，任务回到就绪池: graphId=%s, taskId=%s, runner=%s",
				rec.GraphID, rec.TaskID, rec.TaskRunnerLease)
		}
	}
	return count, nil
}
