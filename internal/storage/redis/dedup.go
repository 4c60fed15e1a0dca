package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailzen/backend/internal/storage"
)

// DedupCache 基于 Redis 的入站幂等提示缓存，跨实例共享。
// Redis 故障时按未命中处理，由入站事件表兜底。
type DedupCache struct {
	rdb goredis.Cmdable
	ttl time.Duration
	log *zap.Logger
}

var _ storage.DedupCache = (*DedupCache)(nil)

// NewDedupCache 创建幂等提示缓存
func NewDedupCache(rdb goredis.Cmdable, ttl time.Duration, log *zap.Logger) *DedupCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DedupCache{rdb: rdb, ttl: ttl, log: log}
}

// GetEmailID 查询已入库邮件 ID
func (c *DedupCache) GetEmailID(ctx context.Context, mailboxID, messageID string) (string, bool) {
	value, err := c.rdb.Get(ctx, storage.DedupKey(mailboxID, messageID)).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("dedup cache lookup failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
		}
		return "", false
	}
	return value, value != ""
}

// RememberEmailID 记录邮件 ID
func (c *DedupCache) RememberEmailID(ctx context.Context, mailboxID, messageID, emailID string) {
	if err := c.rdb.Set(ctx, storage.DedupKey(mailboxID, messageID), emailID, c.ttl).Err(); err != nil {
		c.log.Warn("dedup cache write failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
	}
}
