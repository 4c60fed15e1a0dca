package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/incident"
	"mailzen/backend/internal/logger"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/notification"
	"mailzen/backend/internal/storage"
)

// DefaultSubject 缺省主题
const DefaultSubject = "(no subject)"

// InboundStore 入站网关需要的存储能力
type InboundStore interface {
	storage.MailboxRepository
	storage.MessageRepository
	storage.InboundEventRepository
}

// InboundMessageInput 入站 webhook 的消息体
type InboundMessageInput struct {
	MailboxEmail string   `json:"mailboxEmail"`
	From         string   `json:"from"`
	To           []string `json:"to,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	TextBody     string   `json:"textBody,omitempty"`
	HTMLBody     string   `json:"htmlBody,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	SizeBytes    int64    `json:"sizeBytes,omitempty"`
}

// IngestOptions 调用方上下文：认证头、来源 IP、关联 ID。
// Trusted 为 true 时跳过认证（同步轮询器内部调用）。
type IngestOptions struct {
	Trusted       bool
	Token         string
	Signature     string
	Timestamp     string
	SourceIP      string
	CorrelationID string
}

// IngestResult 入库结果
type IngestResult struct {
	Accepted     bool   `json:"accepted"`
	MailboxID    string `json:"mailboxId"`
	MailboxEmail string `json:"mailboxEmail"`
	EmailID      string `json:"emailId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// InboundService 入站网关：认证、校验、去重、配额检查后持久化邮件。
type InboundService struct {
	store      InboundStore
	cache      storage.DedupCache
	publisher  notification.Publisher
	cfg        *config.InboundConfig
	production bool
	validator  *domain.EmailValidator
	metrics    *monitoring.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// NewInboundService 创建入站网关。cache 可以为 nil（只依赖入站事件表去重）。
func NewInboundService(store InboundStore, cache storage.DedupCache, publisher notification.Publisher, cfg *config.Config, log *zap.Logger) *InboundService {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboundService{
		store:      store,
		cache:      cache,
		publisher:  publisher,
		cfg:        &cfg.Inbound,
		production: cfg.App.IsProduction(),
		validator:  domain.NewEmailValidator(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 记录入站结果
func (s *InboundService) WithMetrics(m *monitoring.Metrics) *InboundService {
	s.metrics = m
	return s
}

// ingestContext 单次入库过程中逐步确定的信息，失败时用于写 REJECTED 事件
type ingestContext struct {
	input              InboundMessageInput
	opts               IngestOptions
	correlationID      string
	mailboxEmail       string
	messageID          string
	subject            string
	mailbox            *domain.Mailbox
	signatureValidated bool
}

// Ingest 处理一封入站邮件。
//
// 同一 (mailbox, messageId) 至多入库一次：重复投递返回首次入库的邮件 ID 且不再占用配额。
// 邮箱解析之后的任何失败都会记录 REJECTED 事件并发布拒收通知。
func (s *InboundService) Ingest(ctx context.Context, input InboundMessageInput, opts IngestOptions) (*IngestResult, error) {
	start := s.now()
	ic := &ingestContext{
		input:         input,
		opts:          opts,
		correlationID: domain.ResolveCorrelationID(opts.CorrelationID),
		mailboxEmail:  domain.NormalizeEmail(input.MailboxEmail),
		messageID:     normalizeMessageID(input.MessageID),
		subject:       strings.TrimSpace(input.Subject),
	}
	if ic.subject == "" {
		ic.subject = DefaultSubject
	}

	result, err := s.ingest(ctx, ic)
	if err != nil {
		s.metrics.RecordInboundEvent(string(domain.InboundEventRejected))
		s.recordRejection(ctx, ic, err)
		s.log.Warn("inbound message rejected",
			logger.Correlation(ic.correlationID),
			zap.String("mailbox_email", ic.mailboxEmail),
			zap.String("message_id", ic.messageID),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}

	status := domain.InboundEventAccepted
	if result.Deduplicated {
		status = domain.InboundEventDeduplicated
	}
	s.metrics.RecordInboundEvent(string(status))
	s.log.Info("inbound message processed",
		logger.Correlation(ic.correlationID),
		logger.Mailbox(result.MailboxID, result.MailboxEmail),
		zap.String("message_id", ic.messageID),
		zap.String("email_id", result.EmailID),
		zap.String("status", string(status)),
		zap.Duration("duration", s.now().Sub(start)),
	)
	return result, nil
}

func (s *InboundService) ingest(ctx context.Context, ic *ingestContext) (*IngestResult, error) {
	if !ic.opts.Trusted {
		if err := s.authenticate(ic.opts); err != nil {
			return nil, err
		}
		validated, err := s.verifySignature(ic)
		if err != nil {
			return nil, err
		}
		ic.signatureValidated = validated
	}

	if strings.TrimSpace(ic.input.TextBody) == "" && strings.TrimSpace(ic.input.HTMLBody) == "" {
		return nil, domain.BadRequest("Inbound webhook payload must include textBody or htmlBody")
	}
	if err := s.validator.ValidateEmail(ic.mailboxEmail); err != nil {
		return nil, domain.BadRequest("Invalid mailboxEmail: %v", err)
	}
	if err := s.validator.ValidateEmail(ic.input.From); err != nil {
		return nil, domain.BadRequest("Invalid from address: %v", err)
	}

	mailbox, err := s.store.GetMailboxByEmail(ctx, ic.mailboxEmail)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, domain.NotFound("Mailbox not found for inbound webhook")
		}
		return nil, fmt.Errorf("resolve inbound mailbox: %w", err)
	}
	ic.mailbox = mailbox

	if ic.messageID == "" {
		ic.messageID = "generated-" + uuid.NewString()
	}

	// 重复投递先于可写检查：已入库的消息在邮箱停用期间重投仍返回首次结果
	if result, err := s.findDuplicate(ctx, ic); err != nil || result != nil {
		return result, err
	}

	if mailbox.Status != domain.MailboxStatusActive {
		return nil, domain.BadRequest("Mailbox is not active")
	}

	sizeBytes := approximateSize(ic)
	if remaining, limited := mailbox.RemainingBytes(); limited && remaining < sizeBytes {
		return nil, domain.BadRequest("Mailbox storage quota exceeded")
	}

	now := s.now()
	message := &domain.Message{
		MailboxID:        mailbox.ID,
		UserID:           mailbox.UserID,
		From:             domain.NormalizeEmail(ic.input.From),
		To:               strings.Join(domain.NormalizeRecipients(ic.input.To, mailbox.Email), ","),
		Subject:          ic.subject,
		TextBody:         strings.TrimSpace(ic.input.TextBody),
		HTMLBody:         strings.TrimSpace(ic.input.HTMLBody),
		InboundMessageID: ic.messageID,
		InReplyTo:        normalizeMessageID(ic.input.InReplyTo),
		ThreadKey:        ThreadKey(mailbox.Email, ic.input.From, ic.input.Subject, ic.input.MessageID, ic.input.InReplyTo),
		SizeBytes:        sizeBytes,
		Status:           domain.MessageStatusUnread,
		ReceivedAt:       now,
	}
	event := &domain.InboundEvent{
		MailboxID:          mailbox.ID,
		UserID:             mailbox.UserID,
		MessageID:          ic.messageID,
		SourceIP:           ic.opts.SourceIP,
		SignatureValidated: ic.signatureValidated,
	}
	if err := s.store.AcceptInboundMessage(ctx, message, event); err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}
	s.remember(ctx, mailbox.ID, ic.messageID, message.ID)

	s.publish(ctx, notification.Event{
		UserID:  mailbox.UserID,
		Type:    domain.NotificationMailboxInbound,
		Title:   "New email on " + mailbox.Email,
		Message: fmt.Sprintf("From %s: %s", message.From, message.Subject),
		Metadata: map[string]any{
			"mailboxId":        mailbox.ID,
			"mailboxEmail":     mailbox.Email,
			"workspaceId":      mailbox.WorkspaceID,
			"emailId":          message.ID,
			"messageId":        ic.messageID,
			"sizeBytes":        sizeBytes,
			"inboundThreadKey": message.ThreadKey,
			"sourceIp":         ic.opts.SourceIP,
			"inboundStatus":    string(domain.InboundEventAccepted),
		},
	})

	return &IngestResult{
		Accepted:     true,
		MailboxID:    mailbox.ID,
		MailboxEmail: mailbox.Email,
		EmailID:      message.ID,
	}, nil
}

// findDuplicate 依次检查缓存提示、入站事件表与历史邮件。命中时返回结果，未命中返回 nil。
func (s *InboundService) findDuplicate(ctx context.Context, ic *ingestContext) (*IngestResult, error) {
	mailbox := ic.mailbox

	if s.cache != nil {
		if emailID, ok := s.cache.GetEmailID(ctx, mailbox.ID, ic.messageID); ok {
			if err := s.upsertDeduplicated(ctx, ic, emailID); err != nil {
				return nil, err
			}
			return s.deduplicated(ctx, ic, emailID, "cache"), nil
		}
	}

	event, err := s.store.GetInboundEvent(ctx, mailbox.ID, ic.messageID)
	switch {
	case err == nil && event.EmailID != nil && *event.EmailID != "":
		s.remember(ctx, mailbox.ID, ic.messageID, *event.EmailID)
		return s.deduplicated(ctx, ic, *event.EmailID, "event"), nil
	case err != nil && !errors.Is(err, storage.ErrInboundEventNotFound):
		return nil, fmt.Errorf("lookup inbound event: %w", err)
	}

	if !s.cfg.LegacyMessageLookup {
		return nil, nil
	}
	existing, err := s.store.FindMessageByInboundID(ctx, mailbox.ID, ic.messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup stored message: %w", err)
	}
	if err := s.upsertDeduplicated(ctx, ic, existing.ID); err != nil {
		return nil, err
	}
	s.remember(ctx, mailbox.ID, ic.messageID, existing.ID)
	return s.deduplicated(ctx, ic, existing.ID, "legacy"), nil
}

func (s *InboundService) upsertDeduplicated(ctx context.Context, ic *ingestContext, emailID string) error {
	id := emailID
	err := s.store.UpsertInboundEvent(ctx, &domain.InboundEvent{
		MailboxID:          ic.mailbox.ID,
		UserID:             ic.mailbox.UserID,
		MessageID:          ic.messageID,
		EmailID:            &id,
		Status:             domain.InboundEventDeduplicated,
		SourceIP:           ic.opts.SourceIP,
		SignatureValidated: ic.signatureValidated,
	})
	if err != nil {
		return fmt.Errorf("record deduplicated inbound event: %w", err)
	}
	return nil
}

func (s *InboundService) deduplicated(ctx context.Context, ic *ingestContext, emailID, source string) *IngestResult {
	mailbox := ic.mailbox
	s.log.Debug("inbound message deduplicated",
		logger.Correlation(ic.correlationID),
		logger.Mailbox(mailbox.ID, mailbox.Email),
		zap.String("message_id", ic.messageID),
		zap.String("source", source),
	)
	s.publish(ctx, notification.Event{
		UserID:  mailbox.UserID,
		Type:    domain.NotificationMailboxInbound,
		Title:   "Duplicate inbound email on " + mailbox.Email,
		Message: fmt.Sprintf("Duplicate delivery for %s was deduplicated.", ic.messageID),
		Metadata: map[string]any{
			"mailboxId":     mailbox.ID,
			"mailboxEmail":  mailbox.Email,
			"workspaceId":   mailbox.WorkspaceID,
			"emailId":       emailID,
			"messageId":     ic.messageID,
			"sourceIp":      ic.opts.SourceIP,
			"inboundStatus": string(domain.InboundEventDeduplicated),
		},
	})
	return &IngestResult{
		Accepted:     true,
		MailboxID:    mailbox.ID,
		MailboxEmail: mailbox.Email,
		EmailID:      emailID,
		Deduplicated: true,
	}
}

// recordRejection 邮箱已解析时写入 REJECTED 事件并发布拒收通知，两者都只记录失败日志
func (s *InboundService) recordRejection(ctx context.Context, ic *ingestContext, cause error) {
	mailbox := ic.mailbox
	if mailbox == nil {
		return
	}
	reason := domain.TruncateText(cause.Error(), domain.MaxErrorTextLength)

	if ic.messageID != "" {
		err := s.store.UpsertInboundEvent(ctx, &domain.InboundEvent{
			MailboxID:          mailbox.ID,
			UserID:             mailbox.UserID,
			MessageID:          ic.messageID,
			Status:             domain.InboundEventRejected,
			SourceIP:           ic.opts.SourceIP,
			SignatureValidated: ic.signatureValidated,
			ErrorReason:        &reason,
		})
		if err != nil {
			s.log.Warn("failed to record rejected inbound event",
				logger.Correlation(ic.correlationID),
				logger.Mailbox(mailbox.ID, mailbox.Email),
				zap.Error(err),
			)
		}
	}

	s.publish(ctx, notification.Event{
		UserID:  mailbox.UserID,
		Type:    domain.NotificationMailboxInbound,
		Title:   "Inbound email rejected on " + mailbox.Email,
		Message: fmt.Sprintf("Rejected inbound message from %s: %s", domain.NormalizeEmail(ic.input.From), reason),
		Metadata: map[string]any{
			"mailboxId":     mailbox.ID,
			"mailboxEmail":  mailbox.Email,
			"workspaceId":   mailbox.WorkspaceID,
			"messageId":     ic.messageID,
			"sourceIp":      ic.opts.SourceIP,
			"inboundStatus": string(domain.InboundEventRejected),
			"errorReason":   reason,
		},
	})
}

func (s *InboundService) publish(ctx context.Context, event notification.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishSafely(ctx, event)
}

func (s *InboundService) remember(ctx context.Context, mailboxID, messageID, emailID string) {
	if s.cache == nil || emailID == "" {
		return
	}
	s.cache.RememberEmailID(ctx, mailboxID, messageID, emailID)
}

// InboundEventStatsView 入站事件统计，附带成功率与拒收率
type InboundEventStatsView struct {
	domain.InboundEventStats
	SuccessRatePercent   float64 `json:"successRatePercent"`
	RejectionRatePercent float64 `json:"rejectionRatePercent"`
}

// GetInboundEventStats 统计用户（或单个邮箱）在窗口内的入站事件
func (s *InboundService) GetInboundEventStats(ctx context.Context, userID, mailboxID string, windowHours int) (*InboundEventStatsView, error) {
	windowHours = clampWindowHours(windowHours)
	if mailboxID != "" {
		if _, err := s.ownedMailbox(ctx, userID, mailboxID); err != nil {
			return nil, err
		}
	}

	since := s.now().Add(-time.Duration(windowHours) * time.Hour)
	stats, err := s.store.InboundEventStats(ctx, userID, mailboxID, since)
	if err != nil {
		return nil, fmt.Errorf("load inbound event stats: %w", err)
	}
	stats.WindowHours = windowHours

	return &InboundEventStatsView{
		InboundEventStats:    *stats,
		SuccessRatePercent:   successRate(stats),
		RejectionRatePercent: incident.RatePercent(stats.Rejected, stats.Total),
	}, nil
}

func (s *InboundService) ownedMailbox(ctx context.Context, userID, mailboxID string) (*domain.Mailbox, error) {
	return ownedMailbox(ctx, s.store, userID, mailboxID)
}

// successRate 成功率 = (accepted + deduplicated) / total；无数据时视为 100%
func successRate(stats *domain.InboundEventStats) float64 {
	if stats.Total <= 0 {
		return 100
	}
	return incident.RatePercent(stats.Accepted+stats.Deduplicated, stats.Total)
}

// approximateSize 显式 sizeBytes 优先，否则按主题与正文字节数估算，至少 1
func approximateSize(ic *ingestContext) int64 {
	if ic.input.SizeBytes > 0 {
		return ic.input.SizeBytes
	}
	estimated := int64(len(ic.input.Subject) + 1 + len(ic.input.TextBody) + 1 + len(ic.input.HTMLBody))
	if estimated < 1 {
		return 1
	}
	return estimated
}

func normalizeMessageID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
