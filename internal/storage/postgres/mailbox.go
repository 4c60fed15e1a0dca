package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	mailbox.Email = domain.NormalizeEmail(mailbox.Email)
	if mailbox.Status == "" {
		mailbox.Status = domain.MailboxStatusActive
	}
	if mailbox.InboundSyncStatus == "" {
		mailbox.InboundSyncStatus = domain.SyncStatusIdle
	}
	return s.db.WithContext(ctx).Save(mailbox).Error
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&mailbox).Error; err != nil {
		return nil, notFound(err, storage.ErrMailboxNotFound)
	}
	return &mailbox, nil
}

// GetMailboxByEmail 根据规范化地址获取邮箱
func (s *Store) GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&mailbox).Error
	if err != nil {
		return nil, notFound(err, storage.ErrMailboxNotFound)
	}
	return &mailbox, nil
}

// ListActiveMailboxes 按 ID 升序返回 ACTIVE 邮箱
func (s *Store) ListActiveMailboxes(ctx context.Context, limit int) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	query := s.db.WithContext(ctx).Where("status = ?", string(domain.MailboxStatusActive)).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&mailboxes).Error
	return mailboxes, err
}

// UpdateSyncState 只更新同步相关列
func (s *Store) UpdateSyncState(ctx context.Context, id string, update domain.SyncStateUpdate) error {
	updates := map[string]interface{}{}
	if update.Status != "" {
		updates["inbound_sync_status"] = string(update.Status)
	}
	if update.SetCursor {
		updates["inbound_sync_cursor"] = update.Cursor
	}
	if update.LastPolledAt != nil {
		updates["inbound_sync_last_polled_at"] = *update.LastPolledAt
	}
	if update.ClearError {
		updates["inbound_sync_last_error"] = nil
		updates["inbound_sync_last_error_at"] = nil
	} else if update.LastError != nil {
		updates["inbound_sync_last_error"] = *update.LastError
		updates["inbound_sync_last_error_at"] = update.LastErrorAt
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// AcquireLease 单条条件 UPDATE，影响行数为 1 即获得租约
func (s *Store) AcquireLease(ctx context.Context, id, token string, now, expiresAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ? AND status = ? AND (inbound_sync_lease_expires_at IS NULL OR inbound_sync_lease_expires_at < ?)",
			id, string(domain.MailboxStatusActive), now).
		Updates(map[string]interface{}{
			"inbound_sync_lease_token":      token,
			"inbound_sync_lease_expires_at": expiresAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseLease 仅清除自己持有的租约
func (s *Store) ReleaseLease(ctx context.Context, id, token string) error {
	return s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ? AND inbound_sync_lease_token = ?", id, token).
		Updates(map[string]interface{}{
			"inbound_sync_lease_token":      nil,
			"inbound_sync_lease_expires_at": nil,
		}).Error
}

// ========== Message Repository ==========

// CreateMessage 保存入站邮件
func (s *Store) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(message).Error
}

// FindMessageByInboundID 按外部 message id 查找已存邮件
func (s *Store) FindMessageByInboundID(ctx context.Context, mailboxID, inboundMessageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND inbound_message_id = ?", mailboxID, inboundMessageID).
		Order("created_at ASC").
		First(&message).Error
	if err != nil {
		return nil, notFound(err, storage.ErrMessageNotFound)
	}
	return &message, nil
}
