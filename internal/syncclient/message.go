package syncclient

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PulledMessage 外部 API 返回的单条消息，字段允许多种别名
type PulledMessage struct {
	ID               flexString  `json:"id"`
	MessageID        flexString  `json:"messageId"`
	MailboxEmail     string      `json:"mailboxEmail"`
	From             string      `json:"from"`
	To               flexStrings `json:"to"`
	Subject          string      `json:"subject"`
	TextBody         string      `json:"textBody"`
	Body             string      `json:"body"`
	HTMLBody         string      `json:"htmlBody"`
	InReplyTo        flexString  `json:"inReplyTo"`
	ReplyToMessageID flexString  `json:"replyToMessageId"`
	SizeBytes        flexString  `json:"sizeBytes"`
	Size             flexString  `json:"size"`
}

// Normalized 归一化后的消息，可直接交给入站网关
type Normalized struct {
	MailboxEmail string
	From         string
	To           []string
	Subject      string
	TextBody     string
	HTMLBody     string
	MessageID    string
	InReplyTo    string
	SizeBytes    int64
}

// Normalize 解析别名字段；mailboxEmail 缺省取所属邮箱，收件人始终包含所属邮箱
func (m PulledMessage) Normalize(mailboxEmail string) Normalized {
	out := Normalized{
		MailboxEmail: firstNonEmpty(m.MailboxEmail, mailboxEmail),
		From:         strings.ToLower(strings.TrimSpace(m.From)),
		Subject:      firstNonEmpty(m.Subject, DefaultSubject),
		TextBody:     firstNonEmpty(m.TextBody, m.Body),
		HTMLBody:     m.HTMLBody,
		MessageID:    firstNonEmpty(string(m.MessageID), string(m.ID)),
		InReplyTo:    firstNonEmpty(string(m.InReplyTo), string(m.ReplyToMessageID)),
	}

	size := firstNonEmpty(string(m.SizeBytes), string(m.Size))
	if n, err := strconv.ParseFloat(size, 64); err == nil && n > 0 {
		out.SizeBytes = int64(n)
	}

	out.To = append(out.To, m.To...)
	out.To = append(out.To, mailboxEmail)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// flexString 接受字符串或数字
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// flexStrings 接受单个字符串或字符串数组
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil && strings.TrimSpace(single) != "" {
		*f = []string{single}
		return nil
	}
	*f = nil
	return nil
}
