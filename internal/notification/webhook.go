package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
)

// WebhookPayload 投递到外部 webhook 的事件体
type WebhookPayload struct {
	ID        string               `json:"id"`
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *domain.Notification `json:"data"`
}

// WebhookDispatcher 以 HMAC 签名的 POST 请求投递通知
type WebhookDispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewWebhookDispatcher 创建 webhook 投递端，未配置地址时返回 nil
func NewWebhookDispatcher(cfg *config.NotificationConfig, log *zap.Logger) *WebhookDispatcher {
	if cfg.WebhookURL == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:        cfg.WebhookURL,
		secret:     cfg.WebhookSecret,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Dispatch 同步投递一次，非 2xx 视为失败
func (w *WebhookDispatcher) Dispatch(ctx context.Context, notification *domain.Notification) error {
	deliveryID := uuid.NewString()
	payload, err := json.Marshal(WebhookPayload{
		ID:        deliveryID,
		Event:     notification.Type,
		Timestamp: time.Now().UTC(),
		Data:      notification,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", notification.Type)
	req.Header.Set("X-Webhook-ID", deliveryID)
	if w.secret != "" {
		req.Header.Set("X-Webhook-Signature", GenerateSignature(payload, w.secret))
	}

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	w.log.Debug("notification webhook delivered",
		zap.String("delivery_id", deliveryID),
		zap.String("type", notification.Type),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// GenerateSignature 生成 HMAC-SHA256 签名
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// LogDispatcher 将通知写入结构化日志
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher 创建日志投递端
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch 记录一条 info 日志
func (l *LogDispatcher) Dispatch(_ context.Context, notification *domain.Notification) error {
	l.log.Info("notification published",
		zap.String("notification_id", notification.ID),
		zap.String("user_id", notification.UserID),
		zap.String("type", notification.Type),
		zap.String("title", notification.Title),
	)
	return nil
}
