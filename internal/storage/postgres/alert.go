package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

// ========== Alert State Repository ==========

// GetAlertState 获取告警状态
func (s *Store) GetAlertState(ctx context.Context, userID string, alertDomain domain.AlertDomain) (*domain.AlertState, error) {
	var state domain.AlertState
	err := s.db.WithContext(ctx).Where("user_id = ? AND domain = ?", userID, string(alertDomain)).First(&state).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAlertStateNotFound)
	}
	return &state, nil
}

// SaveAlertState 保存告警状态（复合主键，不存在时插入）
func (s *Store) SaveAlertState(ctx context.Context, state *domain.AlertState) error {
	return s.db.WithContext(ctx).Save(state).Error
}

// DeleteAlertState 清除告警状态
func (s *Store) DeleteAlertState(ctx context.Context, userID string, alertDomain domain.AlertDomain) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND domain = ?", userID, string(alertDomain)).
		Delete(&domain.AlertState{}).Error
}

// ListAlertStateOwners 返回某类别下存在告警状态的用户
func (s *Store) ListAlertStateOwners(ctx context.Context, alertDomain domain.AlertDomain, limit int) ([]string, error) {
	var owners []string
	query := s.db.WithContext(ctx).Model(&domain.AlertState{}).
		Where("domain = ?", string(alertDomain)).
		Order("user_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("user_id", &owners).Error
	return owners, err
}

// ========== Preference Repository ==========

// GetNotificationPreference 获取通知偏好，未保存时返回默认值
func (s *Store) GetNotificationPreference(ctx context.Context, userID string) (*domain.NotificationPreference, error) {
	var pref domain.NotificationPreference
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultNotificationPreference(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// SaveNotificationPreference 保存通知偏好
func (s *Store) SaveNotificationPreference(ctx context.Context, pref *domain.NotificationPreference) error {
	return s.db.WithContext(ctx).Save(pref).Error
}

// ========== Notification Repository ==========

// CreateNotification 保存通知
func (s *Store) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(notification).Error
}

// ListNotifications 按创建时间倒序返回用户通知
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	var notifications []domain.Notification
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&notifications).Error
	return notifications, err
}
