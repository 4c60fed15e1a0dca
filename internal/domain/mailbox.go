package domain

import (
	"time"
)

// MailboxStatus 邮箱生命周期状态
type MailboxStatus string

const (
	MailboxStatusActive    MailboxStatus = "ACTIVE"
	MailboxStatusSuspended MailboxStatus = "SUSPENDED"
)

// SyncStatus 邮箱入站同步状态
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusConnected SyncStatus = "connected"
	SyncStatusError     SyncStatus = "error"
)

// DefaultQuotaLimitMB 未设置配额时的默认值（50GB）
const DefaultQuotaLimitMB = 51200

// Mailbox 表示受托管的外部邮箱。
//
// 租约字段（InboundSyncLeaseToken / InboundSyncLeaseExpiresAt）只能通过存储层的条件更新修改，
// 未过期租约存在期间其他 worker 不得开始轮询。
type Mailbox struct {
	ID           string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID       string        `json:"userId" gorm:"type:varchar(36);index;not null"`
	WorkspaceID  *string       `json:"workspaceId,omitempty" gorm:"type:varchar(36);index"`
	Email        string        `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Status       MailboxStatus `json:"status" gorm:"type:varchar(20);index;not null;default:ACTIVE"`
	QuotaLimitMB int64         `json:"quotaLimitMb" gorm:"not null"`
	UsedBytes    int64         `json:"usedBytes" gorm:"not null;default:0"`

	InboundSyncCursor       *string    `json:"inboundSyncCursor,omitempty" gorm:"type:varchar(512)"`
	InboundSyncStatus       SyncStatus `json:"inboundSyncStatus" gorm:"type:varchar(20);not null;default:idle"`
	InboundSyncLastPolledAt *time.Time `json:"inboundSyncLastPolledAt,omitempty"`
	InboundSyncLastError    *string    `json:"inboundSyncLastError,omitempty" gorm:"type:varchar(500)"`
	InboundSyncLastErrorAt  *time.Time `json:"inboundSyncLastErrorAt,omitempty"`

	InboundSyncLeaseToken     *string    `json:"-" gorm:"type:varchar(64)"`
	InboundSyncLeaseExpiresAt *time.Time `json:"inboundSyncLeaseExpiresAt,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QuotaBytes 返回配额字节数，<=0 表示不限制
func (m *Mailbox) QuotaBytes() int64 {
	if m.QuotaLimitMB <= 0 {
		return 0
	}
	return m.QuotaLimitMB * 1024 * 1024
}

// RemainingBytes 返回剩余可用字节数；无配额限制时第二个返回值为 false
func (m *Mailbox) RemainingBytes() (int64, bool) {
	quota := m.QuotaBytes()
	if quota <= 0 {
		return 0, false
	}
	return quota - m.UsedBytes, true
}

// LastError 返回上一次同步错误文本（无错误时为空串）
func (m *Mailbox) LastError() string {
	if m.InboundSyncLastError == nil {
		return ""
	}
	return *m.InboundSyncLastError
}

// Cursor 返回持久化的同步游标
func (m *Mailbox) Cursor() string {
	if m.InboundSyncCursor == nil {
		return ""
	}
	return *m.InboundSyncCursor
}

// LeaseHeld 判断在 now 时刻租约是否仍被占用
func (m *Mailbox) LeaseHeld(now time.Time) bool {
	return m.InboundSyncLeaseExpiresAt != nil && !m.InboundSyncLeaseExpiresAt.Before(now)
}

// SyncStateUpdate 描述一次同步结束后需要落库的邮箱字段
type SyncStateUpdate struct {
	Status       SyncStatus
	Cursor       *string
	LastPolledAt *time.Time
	LastError    *string
	LastErrorAt  *time.Time
	// ClearError 为 true 时清空错误字段（忽略 LastError / LastErrorAt）
	ClearError bool
	// SetCursor 为 true 时才写入 Cursor
	SetCursor bool
}

// Apply 将更新写入内存中的邮箱对象
func (u SyncStateUpdate) Apply(m *Mailbox) {
	if u.Status != "" {
		m.InboundSyncStatus = u.Status
	}
	if u.SetCursor {
		m.InboundSyncCursor = u.Cursor
	}
	if u.LastPolledAt != nil {
		m.InboundSyncLastPolledAt = u.LastPolledAt
	}
	if u.ClearError {
		m.InboundSyncLastError = nil
		m.InboundSyncLastErrorAt = nil
	} else if u.LastError != nil {
		m.InboundSyncLastError = u.LastError
		m.InboundSyncLastErrorAt = u.LastErrorAt
	}
}
