package domain

import "time"

// InboundEventStatus 入站事件处理结果
type InboundEventStatus string

const (
	InboundEventAccepted     InboundEventStatus = "ACCEPTED"
	InboundEventDeduplicated InboundEventStatus = "DEDUPLICATED"
	InboundEventRejected     InboundEventStatus = "REJECTED"
)

// InboundEvent 入站幂等记录，(MailboxID, MessageID) 唯一。
type InboundEvent struct {
	ID                 string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID          string             `json:"mailboxId" gorm:"type:varchar(36);not null;uniqueIndex:uq_inbound_events_mailbox_message,priority:1"`
	UserID             string             `json:"userId" gorm:"type:varchar(36);not null;index"`
	MessageID          string             `json:"messageId" gorm:"type:varchar(512);not null;uniqueIndex:uq_inbound_events_mailbox_message,priority:2"`
	EmailID            *string            `json:"emailId,omitempty" gorm:"type:varchar(36)"`
	Status             InboundEventStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	SourceIP           string             `json:"sourceIp,omitempty" gorm:"type:varchar(64)"`
	SignatureValidated bool               `json:"signatureValidated"`
	ErrorReason        *string            `json:"errorReason,omitempty" gorm:"type:varchar(500)"`
	CreatedAt          time.Time          `json:"createdAt" gorm:"index"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// InboundEventStats 时间窗口内的入站事件统计
type InboundEventStats struct {
	MailboxID       string     `json:"mailboxId,omitempty"`
	WindowHours     int        `json:"windowHours"`
	Total           int        `json:"totalCount"`
	Accepted        int        `json:"acceptedCount"`
	Deduplicated    int        `json:"deduplicatedCount"`
	Rejected        int        `json:"rejectedCount"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
}
