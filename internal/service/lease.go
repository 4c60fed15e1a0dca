package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/storage"
)

// 租约有效期范围
const (
	DefaultLeaseTTL = 180 * time.Second
	MinLeaseTTL     = 30 * time.Second
	MaxLeaseTTL     = time.Hour
)

// LeaseManager 基于数据库条件更新的邮箱同步租约。
//
// 同一时刻一个邮箱最多一个未过期租约；持有者崩溃后租约在 TTL 到期时自动失效。
type LeaseManager struct {
	repo    storage.MailboxRepository
	ttl     time.Duration
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewLeaseManager 创建租约管理器，ttl 夹在 [30s, 1h]，<=0 使用默认值
func NewLeaseManager(repo storage.MailboxRepository, ttl time.Duration, log *zap.Logger) *LeaseManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &LeaseManager{
		repo: repo,
		ttl:  ClampLeaseTTL(ttl),
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 记录租约获取结果
func (l *LeaseManager) WithMetrics(m *monitoring.Metrics) *LeaseManager {
	l.metrics = m
	return l
}

// ClampLeaseTTL 租约有效期取值规则
func ClampLeaseTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultLeaseTTL
	case ttl < MinLeaseTTL:
		return MinLeaseTTL
	case ttl > MaxLeaseTTL:
		return MaxLeaseTTL
	default:
		return ttl
	}
}

// TTL 当前租约有效期
func (l *LeaseManager) TTL() time.Duration {
	return l.ttl
}

// Acquire 尝试获取租约。未获得不是错误，调用方应记录 SKIPPED。
func (l *LeaseManager) Acquire(ctx context.Context, mailboxID string) (bool, string, error) {
	token := uuid.NewString()
	now := l.now()
	acquired, err := l.repo.AcquireLease(ctx, mailboxID, token, now, now.Add(l.ttl))
	if err != nil {
		return false, "", fmt.Errorf("acquire mailbox sync lease: %w", err)
	}
	l.metrics.RecordLeaseAcquire(acquired)
	if !acquired {
		return false, "", nil
	}
	return true, token, nil
}

// Release 释放自己持有的租约；token 不匹配时不做任何修改
func (l *LeaseManager) Release(ctx context.Context, mailboxID, token string) error {
	if token == "" {
		return nil
	}
	if err := l.repo.ReleaseLease(ctx, mailboxID, token); err != nil {
		return fmt.Errorf("release mailbox sync lease: %w", err)
	}
	return nil
}

// releaseQuietly 释放失败只记录日志，租约会在 TTL 后自然过期
func (l *LeaseManager) releaseQuietly(ctx context.Context, mailboxID, token string) {
	if err := l.Release(ctx, mailboxID, token); err != nil {
		l.log.Warn("failed to release mailbox sync lease",
			zap.String("mailbox_id", mailboxID),
			zap.Error(err),
		)
	}
}
