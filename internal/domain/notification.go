package domain

import "time"

// 通知类型
const (
	NotificationMailboxInbound    = "MAILBOX_INBOUND"
	NotificationSyncFailed        = "MAILBOX_SYNC_FAILED"
	NotificationSyncRecovered     = "MAILBOX_SYNC_RECOVERED"
	NotificationSyncIncidentAlert = "MAILBOX_SYNC_INCIDENT_ALERT"
	NotificationInboundSLAAlert   = "MAILBOX_INBOUND_SLA_ALERT"
)

// Notification 已发布的通知事件
type Notification struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `json:"userId" gorm:"type:varchar(36);not null;index"`
	Type      string    `json:"type" gorm:"type:varchar(64);not null;index"`
	Title     string    `json:"title" gorm:"type:varchar(255)"`
	Message   string    `json:"message" gorm:"type:text"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"` // JSON
	IsRead    bool      `json:"isRead" gorm:"default:false"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}
