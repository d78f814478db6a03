// Package cache 提供缓存相关功能
package cache

import (
	"sync"
	"time"

	"gateway/internal/metrics"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache 容量与 TTL 双界的进程内缓存
// 读取时懒过期，后台周期清扫兜底；容量满时优先剔除已过期条目，
// 仍满则淘汰最早到期的条目。用于余额看板等只读热点投影。
type TTLCache struct {
	name     string // 指标维度
	capacity int
	ttl      time.Duration
	entries  map[string]entry
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewTTLCache 创建缓存并启动清扫协程
// name 作为 prometheus cache_type 标签值。
func NewTTLCache(name string, capacity int, ttl time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	c := &TTLCache{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]entry),
		stopCh:   make(chan struct{}),
	}

	go c.sweep()

	return c
}

// Get 读取缓存条目
// 过期条目视为未命中并顺手删除。
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// 双检：清扫协程可能已更新该键
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set 写入缓存条目
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	c.entries[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Delete 删除缓存条目（写路径主动失效）
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len 当前条目数
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop 停止清扫协程
func (c *TTLCache) Stop() {
	close(c.stopCh)
}

// evictLocked 容量腾挪：先清过期，仍满则淘汰最早到期的条目
// 调用方必须持有写锁。
func (c *TTLCache) evictLocked() {
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// sweep 周期清扫过期条目
func (c *TTLCache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
