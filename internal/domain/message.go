package domain

import "time"

// MessageStatusUnread 新入站邮件的初始状态
const MessageStatusUnread = "UNREAD"

// Message 表示一封已入库的入站邮件。
type Message struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID        string    `json:"mailboxId" gorm:"type:varchar(36);index:idx_messages_mailbox_inbound,priority:1;not null"`
	UserID           string    `json:"userId" gorm:"type:varchar(36);index;not null"`
	From             string    `json:"from" gorm:"type:varchar(255)"`
	To               string    `json:"to" gorm:"type:text"`
	Subject          string    `json:"subject" gorm:"type:varchar(500)"`
	TextBody         string    `json:"textBody,omitempty" gorm:"type:text"`
	HTMLBody         string    `json:"htmlBody,omitempty" gorm:"type:text"`
	InboundMessageID string    `json:"inboundMessageId" gorm:"type:varchar(512);index:idx_messages_mailbox_inbound,priority:2"`
	InReplyTo        string    `json:"inReplyTo,omitempty" gorm:"type:varchar(512)"`
	ThreadKey        string    `json:"threadKey" gorm:"type:varchar(600);index"`
	SizeBytes        int64     `json:"sizeBytes"`
	Status           string    `json:"status" gorm:"type:varchar(20);default:UNREAD"`
	ReceivedAt       time.Time `json:"receivedAt"`
	CreatedAt        time.Time `json:"createdAt"`
}
