package storage

import (
	"context"
	"errors"
	"time"

	"mailzen/backend/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱未找到错误
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 邮件未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrInboundEventNotFound 入站事件未找到错误
	ErrInboundEventNotFound = errors.New("inbound event not found")
	// ErrAlertStateNotFound 告警状态未找到错误
	ErrAlertStateNotFound = errors.New("alert state not found")
)

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error)
	// ListActiveMailboxes 按 ID 升序返回最多 limit 个 ACTIVE 邮箱
	ListActiveMailboxes(ctx context.Context, limit int) ([]domain.Mailbox, error)
	UpdateSyncState(ctx context.Context, id string, update domain.SyncStateUpdate) error

	// AcquireLease 仅当邮箱为 ACTIVE 且租约为空或已过期时写入新租约，返回是否获得
	AcquireLease(ctx context.Context, id, token string, now, expiresAt time.Time) (bool, error)
	// ReleaseLease 仅当 token 与当前租约一致时清空租约
	ReleaseLease(ctx context.Context, id, token string) error
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	CreateMessage(ctx context.Context, message *domain.Message) error
	FindMessageByInboundID(ctx context.Context, mailboxID, inboundMessageID string) (*domain.Message, error)
}

// InboundEventRepository 定义入站幂等记录存取操作。
type InboundEventRepository interface {
	GetInboundEvent(ctx context.Context, mailboxID, messageID string) (*domain.InboundEvent, error)
	// UpsertInboundEvent 按 (mailbox_id, message_id) 插入或覆盖状态字段，EmailID 为空时保留已有关联
	UpsertInboundEvent(ctx context.Context, event *domain.InboundEvent) error
	// AcceptInboundMessage 在同一事务内保存邮件、累加邮箱已用字节并写入 ACCEPTED 事件
	AcceptInboundMessage(ctx context.Context, message *domain.Message, event *domain.InboundEvent) error
	InboundEventStats(ctx context.Context, userID, mailboxID string, since time.Time) (*domain.InboundEventStats, error)
	ListInboundOwnersSince(ctx context.Context, since time.Time, limit int) ([]string, error)
	PurgeInboundEvents(ctx context.Context, before time.Time) (int64, error)
}

// SyncRunRepository 定义同步台账存取操作。台账只追加，不更新。
type SyncRunRepository interface {
	CreateSyncRun(ctx context.Context, run *domain.SyncRun) error
	ListSyncRuns(ctx context.Context, filter domain.SyncRunFilter) ([]domain.SyncRun, error)
	SyncRunStats(ctx context.Context, userID, mailboxID string, since time.Time) (*domain.SyncRunStats, error)
	ListSyncRunOwnersSince(ctx context.Context, since time.Time, limit int) ([]string, error)
	PurgeSyncRuns(ctx context.Context, before time.Time) (int64, error)
}

// AlertStateRepository 定义告警状态存取操作。
type AlertStateRepository interface {
	GetAlertState(ctx context.Context, userID string, alertDomain domain.AlertDomain) (*domain.AlertState, error)
	SaveAlertState(ctx context.Context, state *domain.AlertState) error
	DeleteAlertState(ctx context.Context, userID string, alertDomain domain.AlertDomain) error
	ListAlertStateOwners(ctx context.Context, alertDomain domain.AlertDomain, limit int) ([]string, error)
}

// PreferenceRepository 定义通知偏好存取操作。
type PreferenceRepository interface {
	// GetNotificationPreference 未保存过的用户返回默认偏好
	GetNotificationPreference(ctx context.Context, userID string) (*domain.NotificationPreference, error)
	SaveNotificationPreference(ctx context.Context, pref *domain.NotificationPreference) error
}

// NotificationRepository 定义通知记录存取操作。
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// DedupCache 入站幂等提示缓存，命中只是提示，权威记录仍是入站事件表。
type DedupCache interface {
	GetEmailID(ctx context.Context, mailboxID, messageID string) (string, bool)
	RememberEmailID(ctx context.Context, mailboxID, messageID, emailID string)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	MessageRepository
	InboundEventRepository
	SyncRunRepository
	AlertStateRepository
	PreferenceRepository
	NotificationRepository

	// 工具方法
	Close() error
	Health() error
}

// DedupKey 生成幂等缓存键
func DedupKey(mailboxID, messageID string) string {
	return "mailzen:inbound:" + mailboxID + ":" + messageID
}

// ClampLimit 将查询条数限制在 [1, upper]，<=0 使用 fallback
func ClampLimit(limit, fallback, upper int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > upper {
		limit = upper
	}
	return limit
}
