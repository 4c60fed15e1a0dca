package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/backend/internal/middleware"
	"mailzen/backend/internal/storage"
)

// 通知列表条数
const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// NotificationHandler 查询已发布的通知
type NotificationHandler struct {
	notifications storage.NotificationRepository
	log           *zap.Logger
}

// NewNotificationHandler 创建通知处理器
func NewNotificationHandler(notifications storage.NotificationRepository, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, log: log}
}

// List GET /v1/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	limit, ok := queryInt(c, "limit", MsgInvalidLimit)
	if !ok {
		return
	}
	limit = storage.ClampLimit(limit, defaultNotificationLimit, maxNotificationLimit)

	items, err := h.notifications.ListNotifications(c.Request.Context(), middleware.UserIDFrom(c), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"items": items, "count": len(items)})
}
