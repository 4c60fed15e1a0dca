package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

// ========== Inbound Event Repository ==========

// GetInboundEvent 查找入站事件
func (s *Store) GetInboundEvent(ctx context.Context, mailboxID, messageID string) (*domain.InboundEvent, error) {
	var event domain.InboundEvent
	err := s.db.WithContext(ctx).Where("mailbox_id = ? AND message_id = ?", mailboxID, messageID).First(&event).Error
	if err != nil {
		return nil, notFound(err, storage.ErrInboundEventNotFound)
	}
	return &event, nil
}

// UpsertInboundEvent 依赖 (mailbox_id, message_id) 唯一索引，冲突时覆盖状态列。
// 已关联的 email_id 不会被空值覆盖。
func (s *Store) UpsertInboundEvent(ctx context.Context, event *domain.InboundEvent) error {
	return upsertInboundEvent(s.db.WithContext(ctx), event)
}

func upsertInboundEvent(db *gorm.DB, event *domain.InboundEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	updates := clause.AssignmentColumns([]string{
		"status", "source_ip", "signature_validated", "error_reason", "updated_at",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "email_id"},
		Value:  keepEmailIDExpr(db),
	})
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox_id"}, {Name: "message_id"}},
		DoUpdates: updates,
	}).Create(event).Error
}

// keepEmailIDExpr MySQL 用 VALUES()，PostgreSQL 与 SQLite 用 excluded
func keepEmailIDExpr(db *gorm.DB) clause.Expr {
	if db.Dialector.Name() == "mysql" {
		return gorm.Expr("COALESCE(VALUES(email_id), email_id)")
	}
	return gorm.Expr("COALESCE(excluded.email_id, inbound_events.email_id)")
}

// AcceptInboundMessage 同一事务内保存邮件、累加用量、写入 ACCEPTED 事件
func (s *Store) AcceptInboundMessage(ctx context.Context, message *domain.Message, event *domain.InboundEvent) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}

		result := tx.Model(&domain.Mailbox{}).
			Where("id = ?", message.MailboxID).
			UpdateColumn("used_bytes", gorm.Expr("used_bytes + ?", message.SizeBytes))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}

		emailID := message.ID
		event.EmailID = &emailID
		event.Status = domain.InboundEventAccepted
		return upsertInboundEvent(tx, event)
	})
}

type statusCount struct {
	Status string
	Count  int
}

// InboundEventStats 统计窗口内的入站事件，mailboxID 为空时统计用户全部邮箱
func (s *Store) InboundEventStats(ctx context.Context, userID, mailboxID string, since time.Time) (*domain.InboundEventStats, error) {
	scope := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&domain.InboundEvent{}).
			Where("user_id = ? AND created_at >= ?", userID, since)
		if mailboxID != "" {
			query = query.Where("mailbox_id = ?", mailboxID)
		}
		return query
	}

	var rows []statusCount
	if err := scope().Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &domain.InboundEventStats{MailboxID: mailboxID}
	for _, row := range rows {
		stats.Total += row.Count
		switch domain.InboundEventStatus(row.Status) {
		case domain.InboundEventAccepted:
			stats.Accepted += row.Count
		case domain.InboundEventDeduplicated:
			stats.Deduplicated += row.Count
		case domain.InboundEventRejected:
			stats.Rejected += row.Count
		}
	}
	if stats.Total == 0 {
		return stats, nil
	}

	var latest domain.InboundEvent
	if err := scope().Order("updated_at DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, err
	}
	if latest.ID != "" {
		processed := latest.UpdatedAt
		stats.LastProcessedAt = &processed
	}
	return stats, nil
}

// ListInboundOwnersSince 返回窗口内有入站事件的用户
func (s *Store) ListInboundOwnersSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	var owners []string
	query := s.db.WithContext(ctx).Model(&domain.InboundEvent{}).
		Where("created_at >= ?", since).
		Distinct("user_id").
		Order("user_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("user_id", &owners).Error
	return owners, err
}

// PurgeInboundEvents 删除早于 before 的入站事件
func (s *Store) PurgeInboundEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&domain.InboundEvent{})
	return result.RowsAffected, result.Error
}
