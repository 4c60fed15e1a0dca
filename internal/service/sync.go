package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/logger"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/notification"
	"mailzen/backend/internal/pool"
	"mailzen/backend/internal/storage"
	"mailzen/backend/internal/syncclient"
)

// 单轮批量轮询的邮箱数量
const (
	DefaultMaxMailboxesPerRun = 250
	MaxMailboxesPerRunLimit   = 5000
)

// 台账查询条数
const (
	DefaultSyncRunListLimit = 20
	MaxSyncRunListLimit     = 100
)

// SyncStore 轮询器需要的存储能力
type SyncStore interface {
	storage.MailboxRepository
	storage.SyncRunRepository
}

// MessageFetcher 从外部同步 API 拉取一批消息
type MessageFetcher interface {
	FetchMessages(ctx context.Context, mailboxEmail, cursor string) (*syncclient.Batch, error)
}

// Ingester 入站网关
type Ingester interface {
	Ingest(ctx context.Context, input InboundMessageInput, opts IngestOptions) (*IngestResult, error)
}

// PollOptions 单次轮询的触发信息
type PollOptions struct {
	TriggerSource    domain.TriggerSource
	RunCorrelationID string
}

// PollResult 单个邮箱一次轮询的结果
type PollResult struct {
	MailboxID    string `json:"mailboxId"`
	MailboxEmail string `json:"mailboxEmail"`
	Fetched      int    `json:"fetchedMessages"`
	Accepted     int    `json:"acceptedMessages"`
	Deduplicated int    `json:"deduplicatedMessages"`
	Rejected     int    `json:"rejectedMessages"`
	NextCursor   string `json:"nextCursor,omitempty"`
}

// BatchPollSummary 一轮批量轮询的汇总
type BatchPollSummary struct {
	RunCorrelationID string `json:"runCorrelationId"`
	PolledMailboxes  int    `json:"polledMailboxes"`
	SkippedMailboxes int    `json:"skippedMailboxes"`
	FailedMailboxes  int    `json:"failedMailboxes"`
	Fetched          int    `json:"fetchedMessages"`
	Accepted         int    `json:"acceptedMessages"`
	Deduplicated     int    `json:"deduplicatedMessages"`
	Rejected         int    `json:"rejectedMessages"`
}

// MailboxPollOutcome 按需轮询单个邮箱的结果；Skipped 表示租约被占用
type MailboxPollOutcome struct {
	RunCorrelationID string      `json:"runCorrelationId"`
	Skipped          bool        `json:"skipped"`
	Result           *PollResult `json:"result,omitempty"`
}

// MailboxSyncState 邮箱当前同步状态
type MailboxSyncState struct {
	MailboxID      string            `json:"mailboxId"`
	MailboxEmail   string            `json:"mailboxEmail"`
	Status         domain.SyncStatus `json:"inboundSyncStatus"`
	Cursor         string            `json:"inboundSyncCursor,omitempty"`
	LastPolledAt   *time.Time        `json:"inboundSyncLastPolledAt,omitempty"`
	LastError      string            `json:"inboundSyncLastError,omitempty"`
	LastErrorAt    *time.Time        `json:"inboundSyncLastErrorAt,omitempty"`
	LeaseExpiresAt *time.Time        `json:"inboundSyncLeaseExpiresAt,omitempty"`
	LeaseHeld      bool              `json:"leaseHeld"`
}

// SyncService 邮箱入站同步轮询器
type SyncService struct {
	store     SyncStore
	fetcher   MessageFetcher
	ingester  Ingester
	leases    *LeaseManager
	publisher notification.Publisher
	cfg       *config.SyncConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewSyncService 创建同步轮询器
func NewSyncService(store SyncStore, fetcher MessageFetcher, ingester Ingester, leases *LeaseManager, publisher notification.Publisher, cfg *config.SyncConfig, log *zap.Logger) *SyncService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncService{
		store:     store,
		fetcher:   fetcher,
		ingester:  ingester,
		leases:    leases,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 记录轮询指标
func (s *SyncService) WithMetrics(m *monitoring.Metrics) *SyncService {
	s.metrics = m
	return s
}

// PollMailbox 轮询单个邮箱并写入一行台账。调用方负责租约。
//
// 成功时推进游标并清除错误；失败时记录截断后的错误文本并返回错误。
func (s *SyncService) PollMailbox(ctx context.Context, mailbox *domain.Mailbox, opts PollOptions) (*PollResult, error) {
	opts = s.normalizeOptions(opts)
	startedAt := s.now()
	log := s.log.With(
		logger.Mailbox(mailbox.ID, mailbox.Email),
		logger.Correlation(opts.RunCorrelationID),
		logger.TriggerSource(string(opts.TriggerSource)),
	)

	if err := s.store.UpdateSyncState(ctx, mailbox.ID, domain.SyncStateUpdate{Status: domain.SyncStatusSyncing}); err != nil {
		log.Warn("failed to mark mailbox syncing", zap.Error(err))
	}

	result, err := s.pull(ctx, mailbox, log)

	// 拉取阶段可能因 ctx 取消而中断，状态与台账仍要落库
	persistCtx := context.WithoutCancel(ctx)
	if err == nil {
		err = s.markSucceeded(persistCtx, mailbox, result)
	}

	status := domain.SyncRunSuccess
	switch {
	case err != nil:
		status = domain.SyncRunFailed
		s.markFailed(persistCtx, mailbox, err, log)
	case result.Rejected > 0:
		status = domain.SyncRunPartial
	}

	s.recordRun(persistCtx, mailbox, opts, status, result, err, startedAt)

	if err != nil {
		log.Warn("mailbox poll failed",
			zap.Int("fetched", result.Fetched),
			zap.Int("rejected", result.Rejected),
			zap.Error(err),
		)
		return nil, err
	}
	log.Info("mailbox poll completed",
		zap.String("status", string(status)),
		zap.Int("fetched", result.Fetched),
		zap.Int("accepted", result.Accepted),
		zap.Int("deduplicated", result.Deduplicated),
		zap.Int("rejected", result.Rejected),
		zap.Duration("duration", s.now().Sub(startedAt)),
	)
	return result, nil
}

// pull 拉取一批消息并逐条入库。返回的 result 在失败时也包含已处理的计数。
func (s *SyncService) pull(ctx context.Context, mailbox *domain.Mailbox, log *zap.Logger) (*PollResult, error) {
	result := &PollResult{MailboxID: mailbox.ID, MailboxEmail: mailbox.Email}
	cursor := mailbox.Cursor()

	batch, err := s.fetcher.FetchMessages(ctx, mailbox.Email, cursor)
	if err != nil {
		return result, err
	}
	result.Fetched = len(batch.Messages)

	for i, pulled := range batch.Messages {
		msg := pulled.Normalize(mailbox.Email)
		ingested, err := s.ingester.Ingest(ctx, InboundMessageInput{
			MailboxEmail: msg.MailboxEmail,
			From:         msg.From,
			To:           msg.To,
			Subject:      msg.Subject,
			TextBody:     msg.TextBody,
			HTMLBody:     msg.HTMLBody,
			MessageID:    msg.MessageID,
			InReplyTo:    msg.InReplyTo,
			SizeBytes:    msg.SizeBytes,
		}, IngestOptions{
			Trusted:       true,
			CorrelationID: "mailbox-sync:" + mailbox.ID + ":" + strconv.FormatInt(s.now().UnixMilli(), 10),
		})
		if err != nil {
			result.Rejected++
			log.Warn("inbound ingest failed during sync",
				zap.Int("index", i),
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			if s.cfg.FailFast {
				return result, fmt.Errorf("ingest message %q: %w", msg.MessageID, err)
			}
			continue
		}
		if ingested.Deduplicated {
			result.Deduplicated++
		} else {
			result.Accepted++
		}
	}

	result.NextCursor = batch.NextCursor
	if result.NextCursor == "" {
		result.NextCursor = cursor
	}
	return result, nil
}

func (s *SyncService) markSucceeded(ctx context.Context, mailbox *domain.Mailbox, result *PollResult) error {
	now := s.now()
	update := domain.SyncStateUpdate{
		Status:       domain.SyncStatusConnected,
		LastPolledAt: &now,
		ClearError:   true,
		SetCursor:    true,
	}
	if result.NextCursor != "" {
		cursor := result.NextCursor
		update.Cursor = &cursor
	}
	if err := s.store.UpdateSyncState(ctx, mailbox.ID, update); err != nil {
		return fmt.Errorf("persist mailbox sync state: %w", err)
	}

	if previous := mailbox.LastError(); previous != "" {
		s.publish(ctx, notification.Event{
			UserID:  mailbox.UserID,
			Type:    domain.NotificationSyncRecovered,
			Title:   "Mailbox sync recovered for " + mailbox.Email,
			Message: "Inbound sync for " + mailbox.Email + " is healthy again.",
			Metadata: map[string]any{
				"mailboxId":     mailbox.ID,
				"mailboxEmail":  mailbox.Email,
				"workspaceId":   mailbox.WorkspaceID,
				"previousError": previous,
			},
		})
	}
	return nil
}

// markFailed 落库错误状态；只有错误文本变化时才发布失败通知
func (s *SyncService) markFailed(ctx context.Context, mailbox *domain.Mailbox, cause error, log *zap.Logger) {
	now := s.now()
	message := domain.TruncateText(cause.Error(), domain.MaxErrorTextLength)
	err := s.store.UpdateSyncState(ctx, mailbox.ID, domain.SyncStateUpdate{
		Status:       domain.SyncStatusError,
		LastPolledAt: &now,
		LastError:    &message,
		LastErrorAt:  &now,
	})
	if err != nil {
		log.Error("failed to persist mailbox sync error", zap.Error(err))
	}

	if mailbox.LastError() == message {
		return
	}
	s.publish(ctx, notification.Event{
		UserID:  mailbox.UserID,
		Type:    domain.NotificationSyncFailed,
		Title:   "Mailbox sync failed for " + mailbox.Email,
		Message: "Inbound sync failed: " + message,
		Metadata: map[string]any{
			"mailboxId":    mailbox.ID,
			"mailboxEmail": mailbox.Email,
			"workspaceId":  mailbox.WorkspaceID,
			"error":        message,
		},
	})
}

// recordRun 写入台账；写入失败只记录日志，不影响轮询结果
func (s *SyncService) recordRun(ctx context.Context, mailbox *domain.Mailbox, opts PollOptions, status domain.SyncRunStatus, result *PollResult, cause error, startedAt time.Time) {
	completedAt := s.now()
	run := &domain.SyncRun{
		MailboxID:        mailbox.ID,
		MailboxEmail:     mailbox.Email,
		UserID:           mailbox.UserID,
		WorkspaceID:      mailbox.WorkspaceID,
		TriggerSource:    opts.TriggerSource,
		RunCorrelationID: opts.RunCorrelationID,
		Status:           status,
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
		DurationMs:       completedAt.Sub(startedAt).Milliseconds(),
	}
	if result != nil {
		run.Fetched = result.Fetched
		run.Accepted = result.Accepted
		run.Deduplicated = result.Deduplicated
		run.Rejected = result.Rejected
		if result.NextCursor != "" && cause == nil {
			cursor := result.NextCursor
			run.NextCursor = &cursor
		}
	}
	if cause != nil {
		message := domain.TruncateText(cause.Error(), domain.MaxErrorTextLength)
		run.ErrorMessage = &message
	}

	s.metrics.RecordSyncRun(string(status), string(opts.TriggerSource), completedAt.Sub(startedAt))
	s.metrics.RecordSyncMessages(run.Accepted, run.Deduplicated, run.Rejected)

	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		s.log.Error("failed to record mailbox sync run",
			logger.Mailbox(mailbox.ID, mailbox.Email),
			logger.Correlation(opts.RunCorrelationID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// recordSkipped 租约被占用时写入 SKIPPED 台账
func (s *SyncService) recordSkipped(ctx context.Context, mailbox *domain.Mailbox, opts PollOptions) {
	now := s.now()
	s.log.Debug("mailbox poll skipped, lease held",
		logger.Mailbox(mailbox.ID, mailbox.Email),
		logger.Correlation(opts.RunCorrelationID),
	)
	s.recordRun(context.WithoutCancel(ctx), mailbox, opts, domain.SyncRunSkipped, nil, nil, now)
}

// PollActiveMailboxes 轮询所有 ACTIVE 邮箱，每个邮箱先取租约，处理完释放。
// 单个邮箱失败不会中断整轮。
func (s *SyncService) PollActiveMailboxes(ctx context.Context, opts PollOptions) (*BatchPollSummary, error) {
	opts = s.normalizeOptions(opts)
	limit := storage.ClampLimit(s.cfg.MaxMailboxesPerRun, DefaultMaxMailboxesPerRun, MaxMailboxesPerRunLimit)

	mailboxes, err := s.store.ListActiveMailboxes(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list active mailboxes: %w", err)
	}
	s.metrics.RecordBatchPoll(len(mailboxes), s.now())

	summary := &BatchPollSummary{
		RunCorrelationID: opts.RunCorrelationID,
		PolledMailboxes:  len(mailboxes),
	}
	if len(mailboxes) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	workers := pool.NewWorkerPool(s.cfg.Concurrency, len(mailboxes), s.log)
	workers.Start(ctx)
	for i := range mailboxes {
		mailbox := mailboxes[i]
		workers.Submit(func() {
			skipped, result, err := s.pollWithLease(ctx, &mailbox, opts)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped:
				summary.SkippedMailboxes++
			case err != nil:
				summary.FailedMailboxes++
			default:
				summary.Fetched += result.Fetched
				summary.Accepted += result.Accepted
				summary.Deduplicated += result.Deduplicated
				summary.Rejected += result.Rejected
			}
		})
	}
	workers.Stop()

	s.log.Info("mailbox batch poll completed",
		logger.Correlation(opts.RunCorrelationID),
		logger.TriggerSource(string(opts.TriggerSource)),
		zap.Int("polled", summary.PolledMailboxes),
		zap.Int("skipped", summary.SkippedMailboxes),
		zap.Int("failed", summary.FailedMailboxes),
		zap.Int("fetched", summary.Fetched),
		zap.Int("accepted", summary.Accepted),
	)
	return summary, ctx.Err()
}

// pollWithLease 取租约、轮询、释放租约
func (s *SyncService) pollWithLease(ctx context.Context, mailbox *domain.Mailbox, opts PollOptions) (bool, *PollResult, error) {
	acquired, token, err := s.leases.Acquire(ctx, mailbox.ID)
	if err != nil {
		s.log.Warn("mailbox lease acquisition failed",
			logger.Mailbox(mailbox.ID, mailbox.Email),
			zap.Error(err),
		)
		return false, nil, err
	}
	if !acquired {
		s.recordSkipped(ctx, mailbox, opts)
		return true, nil, nil
	}
	defer s.leases.releaseQuietly(context.WithoutCancel(ctx), mailbox.ID, token)

	result, err := s.PollMailbox(ctx, mailbox, opts)
	return false, result, err
}

// PollMailboxByID 按需轮询单个邮箱（校验归属，租约被占用时记录 SKIPPED）
func (s *SyncService) PollMailboxByID(ctx context.Context, userID, mailboxID string, trigger domain.TriggerSource) (*MailboxPollOutcome, error) {
	mailbox, err := ownedMailbox(ctx, s.store, userID, mailboxID)
	if err != nil {
		return nil, err
	}
	if mailbox.Status != domain.MailboxStatusActive {
		return nil, domain.BadRequest("Mailbox is not active")
	}

	opts := s.normalizeOptions(PollOptions{TriggerSource: trigger})
	skipped, result, err := s.pollWithLease(ctx, mailbox, opts)
	if err != nil {
		return nil, err
	}
	return &MailboxPollOutcome{
		RunCorrelationID: opts.RunCorrelationID,
		Skipped:          skipped,
		Result:           result,
	}, nil
}

// GetMailboxSyncState 返回邮箱当前同步状态
func (s *SyncService) GetMailboxSyncState(ctx context.Context, userID, mailboxID string) (*MailboxSyncState, error) {
	mailbox, err := ownedMailbox(ctx, s.store, userID, mailboxID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &MailboxSyncState{
		MailboxID:      mailbox.ID,
		MailboxEmail:   mailbox.Email,
		Status:         mailbox.InboundSyncStatus,
		Cursor:         mailbox.Cursor(),
		LastPolledAt:   mailbox.InboundSyncLastPolledAt,
		LastError:      mailbox.LastError(),
		LastErrorAt:    mailbox.InboundSyncLastErrorAt,
		LeaseExpiresAt: mailbox.InboundSyncLeaseExpiresAt,
		LeaseHeld:      mailbox.LeaseHeld(now),
	}, nil
}

// ListSyncRuns 按完成时间倒序返回台账
func (s *SyncService) ListSyncRuns(ctx context.Context, userID, mailboxID string, limit int) ([]domain.SyncRun, error) {
	if mailboxID != "" {
		if _, err := ownedMailbox(ctx, s.store, userID, mailboxID); err != nil {
			return nil, err
		}
	}
	runs, err := s.store.ListSyncRuns(ctx, domain.SyncRunFilter{
		UserID:    userID,
		MailboxID: mailboxID,
		Limit:     storage.ClampLimit(limit, DefaultSyncRunListLimit, MaxSyncRunListLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

// GetSyncRunStats 窗口内的台账聚合
func (s *SyncService) GetSyncRunStats(ctx context.Context, userID, mailboxID string, windowHours int) (*domain.SyncRunStats, error) {
	windowHours = clampWindowHours(windowHours)
	if mailboxID != "" {
		if _, err := ownedMailbox(ctx, s.store, userID, mailboxID); err != nil {
			return nil, err
		}
	}
	since := s.now().Add(-time.Duration(windowHours) * time.Hour)
	stats, err := s.store.SyncRunStats(ctx, userID, mailboxID, since)
	if err != nil {
		return nil, fmt.Errorf("load sync run stats: %w", err)
	}
	stats.MailboxID = mailboxID
	stats.WindowHours = windowHours
	return stats, nil
}

func (s *SyncService) normalizeOptions(opts PollOptions) PollOptions {
	if opts.TriggerSource == "" {
		opts.TriggerSource = domain.TriggerScheduled
	}
	opts.RunCorrelationID = domain.ResolveCorrelationID(opts.RunCorrelationID)
	return opts
}

func (s *SyncService) publish(ctx context.Context, event notification.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishSafely(ctx, event)
}
