package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mailzen/backend/internal/storage"
)

// LocalCache 本地内存缓存（单实例部署时的幂等提示缓存）
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 后台定期清理过期条目
// - 超出容量时拒绝写入新键
type LocalCache struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

var _ storage.DedupCache = (*LocalCache)(nil)

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	cache := &LocalCache{
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	// 启动定期清理
	go cache.cleanupLoop(time.Minute)

	return cache
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (string, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return "", false
	}

	entry := val.(*cacheEntry)

	// 检查是否过期
	if time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return "", false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key, value string, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	if _, loaded := c.data.Load(key); !loaded {
		if c.maxSize > 0 && c.size.Load() >= int64(c.maxSize) {
			return
		}
		c.size.Add(1)
	}
	c.data.Store(key, entry)
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 当前条目数
func (c *LocalCache) Len() int {
	return int(c.size.Load())
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// GetEmailID 实现 storage.DedupCache
func (c *LocalCache) GetEmailID(_ context.Context, mailboxID, messageID string) (string, bool) {
	return c.Get(storage.DedupKey(mailboxID, messageID))
}

// RememberEmailID 实现 storage.DedupCache
func (c *LocalCache) RememberEmailID(_ context.Context, mailboxID, messageID, emailID string) {
	c.Set(storage.DedupKey(mailboxID, messageID), emailID, 0)
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired(time.Now())
		}
	}
}

func (c *LocalCache) purgeExpired(now time.Time) {
	c.data.Range(func(key, value interface{}) bool {
		entry := value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}
