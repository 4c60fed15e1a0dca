// Package notification 实现通知事件总线：持久化通知后分发给外部投递端。
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/storage"
)

// Event 领域事件
type Event struct {
	UserID   string
	Type     string
	Title    string
	Message  string
	Metadata map[string]any
}

// Dispatcher 通知持久化后的外部投递端（webhook、日志等）
type Dispatcher interface {
	Dispatch(ctx context.Context, notification *domain.Notification) error
}

// Publisher 供业务服务依赖的发布接口
type Publisher interface {
	Publish(ctx context.Context, event Event) (*domain.Notification, error)
	PublishSafely(ctx context.Context, event Event) *domain.Notification
}

// Bus 通知事件总线
type Bus struct {
	notifications storage.NotificationRepository
	preferences   storage.PreferenceRepository
	dispatchers   []Dispatcher
	metrics       *monitoring.Metrics
	log           *zap.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus 创建事件总线
func NewBus(notifications storage.NotificationRepository, preferences storage.PreferenceRepository, log *zap.Logger, dispatchers ...Dispatcher) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		notifications: notifications,
		preferences:   preferences,
		dispatchers:   dispatchers,
		log:           log,
	}
}

// WithMetrics 记录发布结果
func (b *Bus) WithMetrics(m *monitoring.Metrics) *Bus {
	b.metrics = m
	return b
}

// Publish 持久化并分发事件。
// 被用户偏好忽略的事件仍会落库（标记已读并附带 ignoredByPreference），但不会分发。
func (b *Bus) Publish(ctx context.Context, event Event) (*domain.Notification, error) {
	if event.UserID == "" || event.Type == "" {
		return nil, errors.New("notification event requires userId and type")
	}

	metadata := make(map[string]any, len(event.Metadata)+2)
	for k, v := range event.Metadata {
		metadata[k] = v
	}

	ignoredKey, err := b.ignoredPreferenceKey(ctx, event)
	if err != nil {
		return nil, err
	}
	if ignoredKey != "" {
		metadata["ignoredByPreference"] = true
		metadata["ignoredPreferenceKey"] = ignoredKey
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode notification metadata: %w", err)
	}

	notification := &domain.Notification{
		UserID:   event.UserID,
		Type:     event.Type,
		Title:    event.Title,
		Message:  event.Message,
		Metadata: string(encoded),
		IsRead:   ignoredKey != "",
	}
	if err := b.notifications.CreateNotification(ctx, notification); err != nil {
		b.metrics.RecordNotification(event.Type, "failed")
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if ignoredKey != "" {
		b.metrics.RecordNotification(event.Type, "ignored")
		return notification, nil
	}

	for _, d := range b.dispatchers {
		if err := d.Dispatch(ctx, notification); err != nil {
			b.log.Warn("notification dispatch failed",
				zap.String("notification_id", notification.ID),
				zap.String("type", notification.Type),
				zap.Error(err),
			)
		}
	}
	b.metrics.RecordNotification(event.Type, "published")
	return notification, nil
}

// PublishSafely 发布事件，失败只记录日志
func (b *Bus) PublishSafely(ctx context.Context, event Event) *domain.Notification {
	notification, err := b.Publish(ctx, event)
	if err != nil {
		b.log.Warn("failed to publish notification event",
			zap.String("type", event.Type),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return nil
	}
	return notification
}

// ignoredPreferenceKey 返回导致事件被忽略的偏好开关名，未被忽略时为空串
func (b *Bus) ignoredPreferenceKey(ctx context.Context, event Event) (string, error) {
	if b.preferences == nil {
		return "", nil
	}
	pref, err := b.preferences.GetNotificationPreference(ctx, event.UserID)
	if err != nil {
		return "", fmt.Errorf("load notification preference: %w", err)
	}

	switch event.Type {
	case domain.NotificationMailboxInbound:
		if !pref.MailboxInboundEnabled {
			return "mailboxInboundEnabled", nil
		}
	case domain.NotificationSyncIncidentAlert:
		if !pref.SyncIncidentAlertsEnabled {
			return "syncIncidentAlertsEnabled", nil
		}
	case domain.NotificationInboundSLAAlert:
		if !pref.InboundSLAAlertsEnabled {
			return "inboundSlaAlertsEnabled", nil
		}
	}
	return "", nil
}
