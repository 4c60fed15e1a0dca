// Package syncclient 封装外部邮箱拉取 API 的 HTTP 调用（游标分页、重试、限速）。
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/monitoring"
)

// DefaultSubject 外部消息缺少主题时使用的占位主题
const DefaultSubject = "(no subject)"

// MaxErrorBodyLength 错误信息中携带的响应体片段上限
const MaxErrorBodyLength = 180

// StatusError 外部 API 返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mailbox pull failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("mailbox pull failed with status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable 判断错误是否值得重试：429、5xx、超时、连接被重置/拒绝、DNS 失败
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Client 外部拉取 API 客户端
type Client struct {
	baseURL     string
	token       string
	tokenHeader string
	cursorParam string
	batchLimit  int
	maxRetries  int
	backoff     time.Duration
	jitter      time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// Option 自定义客户端
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetrics 记录重试次数
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New 根据同步配置创建客户端
func New(cfg *config.SyncConfig, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	tokenHeader := strings.ToLower(strings.TrimSpace(cfg.TokenHeader))
	if tokenHeader == "" {
		tokenHeader = "authorization"
	}
	cursorParam := cfg.CursorParam
	if cursorParam == "" {
		cursorParam = "cursor"
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 25
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.APIBaseURL, "/"),
		token:       cfg.APIToken,
		tokenHeader: tokenHeader,
		cursorParam: cursorParam,
		batchLimit:  batchLimit,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.RetryBackoff,
		jitter:      cfg.RetryJitter,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         log,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Batch 一次拉取的结果
type Batch struct {
	Messages   []PulledMessage
	NextCursor string
	// Retries 成功前经历的重试次数
	Retries int
}

// FetchMessages 拉取 mailboxEmail 自 cursor 之后的新消息，可重试错误按线性退避重试
func (c *Client) FetchMessages(ctx context.Context, mailboxEmail, cursor string) (*Batch, error) {
	if c.baseURL == "" {
		return nil, errors.New("mailbox sync api base url is not configured")
	}

	for attempt := 0; ; attempt++ {
		batch, err := c.fetchOnce(ctx, mailboxEmail, cursor)
		if err == nil {
			batch.Retries = attempt
			return batch, nil
		}
		if attempt >= c.maxRetries || !IsRetryable(err) {
			return nil, err
		}

		delay := c.retryDelay(attempt)
		c.metrics.RecordPullRetry()
		c.log.Warn("retrying mailbox pull",
			zap.String("mailbox_email", mailboxEmail),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := waitWithContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// retryDelay backoff*(attempt+1) 加 [0, jitter] 随机抖动
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.backoff * time.Duration(attempt+1)
	if c.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.jitter) + 1))
	}
	return delay
}

func (c *Client) fetchOnce(ctx context.Context, mailboxEmail, cursor string) (*Batch, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mailboxEmail, cursor), nil)
	if err != nil {
		return nil, fmt.Errorf("build mailbox pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Mailzen-Mailbox-Email", mailboxEmail)
	if c.token != "" {
		if c.tokenHeader == "authorization" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		} else {
			req.Header.Set(c.tokenHeader, c.token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	return decodeBatch(body)
}

func (c *Client) endpoint(mailboxEmail, cursor string) string {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.batchLimit))
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set(c.cursorParam, cursor)
	}
	return fmt.Sprintf("%s/mailboxes/%s/messages?%s", c.baseURL, url.PathEscape(mailboxEmail), query.Encode())
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > MaxErrorBodyLength {
		text = text[:MaxErrorBodyLength]
	}
	return text
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeBatch 兼容多种响应形态：消息列表位于 messages/value/items，游标位于 nextCursor/cursor/next
func decodeBatch(body []byte) (*Batch, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode mailbox pull response: %w", err)
	}

	batch := &Batch{}
	for _, key := range []string{"messages", "value", "items"} {
		raw, ok := envelope[key]
		if !ok || !isJSONArray(raw) {
			continue
		}
		if err := json.Unmarshal(raw, &batch.Messages); err != nil {
			return nil, fmt.Errorf("decode mailbox pull %s: %w", key, err)
		}
		break
	}

	for _, key := range []string{"nextCursor", "cursor", "next"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var value flexString
		_ = json.Unmarshal(raw, &value)
		if cursor := strings.TrimSpace(string(value)); cursor != "" {
			batch.NextCursor = cursor
			break
		}
	}
	return batch, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}
