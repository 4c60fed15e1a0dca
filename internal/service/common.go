package service

import (
	"context"
	"errors"
	"fmt"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

// 统计窗口（小时）
const (
	DefaultWindowHours = 24
	MaxWindowHours     = 168
)

func clampWindowHours(hours int) int {
	if hours <= 0 {
		return DefaultWindowHours
	}
	if hours > MaxWindowHours {
		return MaxWindowHours
	}
	return hours
}

// ownedMailbox 读取邮箱并校验归属，不属于该用户时按不存在处理
func ownedMailbox(ctx context.Context, repo storage.MailboxRepository, userID, mailboxID string) (*domain.Mailbox, error) {
	mailbox, err := repo.GetMailbox(ctx, mailboxID)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, domain.NotFound("Mailbox not found")
		}
		return nil, fmt.Errorf("load mailbox: %w", err)
	}
	if userID != "" && mailbox.UserID != userID {
		return nil, domain.NotFound("Mailbox not found")
	}
	return mailbox, nil
}
