package workflow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/messenger"
	"github.com/LENAX/task-graph/pkg/storage"
)

// DefaultServiceGraphRestartDelay 服务图结束后重新启动前的等待时间
const DefaultServiceGraphRestartDelay = time.Second

// ServiceGraphKeeper 保持服务图（serviceGraph=true）常驻运行（对外导出）
// 启动时补齐未运行的服务图，收到服务图结束通知后延迟重启，停止时取消全部服务图
type ServiceGraphKeeper struct {
	svc          *Service
	restartDelay time.Duration

	mu       sync.Mutex
	names    map[string]bool
	sub      *messenger.Subscription
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServiceGraphKeeper 创建ServiceGraphKeeper，restartDelay<=0时使用默认值
func NewServiceGraphKeeper(svc *Service, restartDelay time.Duration) *ServiceGraphKeeper {
	if restartDelay <= 0 {
		restartDelay = DefaultServiceGraphRestartDelay
	}
	return &ServiceGraphKeeper{svc: svc, restartDelay: restartDelay, names: make(map[string]bool)}
}

// Start 启动所有未运行的服务图并订阅结束通知
func (k *ServiceGraphKeeper) Start(ctx context.Context) error {
	defs, err := k.svc.GetGraphDefinitions(ctx, "")
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.stopping = false
	for _, def := range defs {
		if def.ServiceGraph {
			k.names[def.InjectableName] = true
		}
	}
	k.mu.Unlock()

	sub, err := k.svc.messenger.SubscribeGraphFinished(ctx, k.handleGraphFinished)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.sub = sub
	k.mu.Unlock()

	for _, def := range defs {
		if !def.ServiceGraph {
			continue
		}
		if err := k.ensureRunning(ctx, def); err != nil {
			log.Printf("[ServiceGraph] ❌ 启动服务图失败: name=%s, error=%v", def.InjectableName, err)
		}
	}
	return nil
}

// ensureRunning 服务图没有活跃实例时创建一个
func (k *ServiceGraphKeeper) ensureRunning(ctx context.Context, def *definition.GraphDefinition) error {
	active, err := k.activeServiceGraphs(ctx, def.InjectableName)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		log.Printf("[ServiceGraph] 服务图已在运行: name=%s, count=%d", def.InjectableName, len(active))
		return nil
	}
	g, err := k.svc.CreateAndRunGraph(ctx, RunRequest{Name: def.InjectableName})
	if err != nil {
		return err
	}
	log.Printf("[ServiceGraph] 🚀 服务图已启动: name=%s, graphId=%s", def.InjectableName, g.InstanceID)
	return nil
}

func (k *ServiceGraphKeeper) activeServiceGraphs(ctx context.Context, name string) ([]*storage.GraphObject, error) {
	isService := true
	objects, err := k.svc.store.ListGraphObjects(ctx, storage.GraphFilter{InjectableName: name, ServiceGraph: &isService})
	if err != nil {
		return nil, err
	}
	active := make([]*storage.GraphObject, 0, len(objects))
	for _, obj := range objects {
		if obj.Status.IsActiveGraphState() {
			active = append(active, obj)
		}
	}
	return active, nil
}

func (k *ServiceGraphKeeper) handleGraphFinished(ev messenger.GraphEvent) {
	k.mu.Lock()
	if k.stopping || !k.names[ev.InjectableName] {
		k.mu.Unlock()
		return
	}
	ctx := k.ctx
	k.wg.Add(1)
	k.mu.Unlock()

	go func() {
		defer k.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(k.restartDelay):
		}
		defs, err := k.svc.GetGraphDefinitions(ctx, ev.InjectableName)
		if err != nil || len(defs) == 0 {
			log.Printf("[ServiceGraph] ⚠️ 服务图定义不可用，不再重启: name=%s, error=%v", ev.InjectableName, err)
			return
		}
		log.Printf("[ServiceGraph] 🔄 服务图已结束，重新启动: name=%s, status=%s", ev.InjectableName, ev.Status)
		if err := k.ensureRunning(ctx, defs[0]); err != nil {
			log.Printf("[ServiceGraph] ❌ 重启服务图失败: name=%s, error=%v", ev.InjectableName, err)
		}
	}()
}

// Stop 停止重启并取消所有活跃的服务图
func (k *ServiceGraphKeeper) Stop(ctx context.Context) {
	k.mu.Lock()
	k.stopping = true
	sub := k.sub
	k.sub = nil
	if k.cancel != nil {
		k.cancel()
	}
	names := make([]string, 0, len(k.names))
	for name := range k.names {
		names = append(names, name)
	}
	k.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
	k.wg.Wait()

	for _, name := range names {
		active, err := k.activeServiceGraphs(ctx, name)
		if err != nil {
			log.Printf("[ServiceGraph] ⚠️ 查询服务图失败: name=%s, error=%v", name, err)
			continue
		}
		for _, obj := range active {
			if _, err := k.svc.CancelGraph(ctx, obj.InstanceID); err != nil {
				log.Printf("[ServiceGraph] ⚠️ 取消服务图失败: graphId=%s, error=%v", obj.InstanceID, err)
			}
		}
	}
	log.Printf("[ServiceGraph] ✅ 已停止")
}
