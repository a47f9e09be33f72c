package scheduler

import (
	"sync"
	"sync/atomic"
)

// stageLimiter 单个流水线阶段的并发上限（对内使用）
// 饱和时直接丢弃本次工作，记录仍在Store中，由下一轮轮询重新发现
type stageLimiter struct {
	name    string
	slots   chan struct{}
	dropped atomic.Int64
}

func newStageLimiter(name string, size int) *stageLimiter {
	if size <= 0 {
		size = 1
	}
	return &stageLimiter{name: name, slots: make(chan struct{}, size)}
}

// TryGo 有空闲槽位时在新goroutine中执行fn，否则返回false
func (l *stageLimiter) TryGo(wg *sync.WaitGroup, fn func()) bool {
	select {
	case l.slots <- struct{}{}:
	default:
		l.dropped.Add(1)
		return false
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-l.slots }()
		fn()
	}()
	return true
}

// InFlight 当前占用的槽位数
func (l *stageLimiter) InFlight() int {
	return len(l.slots)
}

// Dropped 因饱和被丢弃的工作数
func (l *stageLimiter) Dropped() int64 {
	return l.dropped.Load()
}
