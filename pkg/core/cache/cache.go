// Package cache 进程内TTL缓存
package cache

import (
	"sync"
	"time"
)

// cacheEntry 缓存条目（内部使用）
type cacheEntry[V any] struct {
	value      V
	expireTime time.Time
}

// TTLCache 带有效期的内存缓存（对外导出）
// 过期条目在读取时删除；ttl<=0时缓存不保存任何值
type TTLCache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]*cacheEntry[V]
}

// NewTTLCache 创建TTL缓存实例（对外导出）
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]*cacheEntry[V]),
	}
}

// Enabled ttl>0时缓存才生效
func (c *TTLCache[V]) Enabled() bool {
	return c != nil && c.ttl > 0
}

// Set 设置缓存值
func (c *TTLCache[V]) Set(key string, value V) {
	if key == "" || !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &cacheEntry[V]{value: value, expireTime: c.now().Add(c.ttl)}
}

// Get 获取缓存值
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	if key == "" || !c.Enabled() {
		return zero, false
	}

	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()
	if !exists {
		return zero, false
	}
	if c.now().After(entry.expireTime) {
		c.mu.Lock()
		if current, ok := c.cache[key]; ok && current == entry {
			delete(c.cache, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *TTLCache[V]) Delete(key string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// Clear 清空所有缓存
func (c *TTLCache[V]) Clear() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry[V])
}

// Len 当前条目数（含未清理的过期条目）
func (c *TTLCache[V]) Len() int {
	if !c.Enabled() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
