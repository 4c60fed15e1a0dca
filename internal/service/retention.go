package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/monitoring"
)

// 保留天数范围
const (
	DefaultRetentionDays = 30
	MaxRetentionDays     = 3650
)

// RetentionStore 清理过期记录
type RetentionStore interface {
	PurgeSyncRuns(ctx context.Context, before time.Time) (int64, error)
	PurgeInboundEvents(ctx context.Context, before time.Time) (int64, error)
}

// PurgeResult 一次清理的结果
type PurgeResult struct {
	SyncRunsDeleted      int64     `json:"syncRunsDeleted"`
	InboundEventsDeleted int64     `json:"inboundEventsDeleted"`
	SyncRunCutoff        time.Time `json:"syncRunCutoff"`
	InboundEventCutoff   time.Time `json:"inboundEventCutoff"`
}

// RetentionService 按保留天数清理同步台账与入站事件
type RetentionService struct {
	store   RetentionStore
	cfg     config.RetentionConfig
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewRetentionService 创建清理服务
func NewRetentionService(store RetentionStore, cfg config.RetentionConfig, log *zap.Logger) *RetentionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionService{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 记录清理行数
func (s *RetentionService) WithMetrics(m *monitoring.Metrics) *RetentionService {
	s.metrics = m
	return s
}

// Purge 删除早于保留期的台账与入站事件
func (s *RetentionService) Purge(ctx context.Context) (*PurgeResult, error) {
	now := s.now()
	result := &PurgeResult{
		SyncRunCutoff:      now.AddDate(0, 0, -clampRetentionDays(s.cfg.SyncRunDays)),
		InboundEventCutoff: now.AddDate(0, 0, -clampRetentionDays(s.cfg.InboundEventDays)),
	}

	runs, err := s.store.PurgeSyncRuns(ctx, result.SyncRunCutoff)
	if err != nil {
		return nil, fmt.Errorf("purge sync runs: %w", err)
	}
	result.SyncRunsDeleted = runs
	s.metrics.RecordRetentionPurge("sync_runs", runs)

	events, err := s.store.PurgeInboundEvents(ctx, result.InboundEventCutoff)
	if err != nil {
		return result, fmt.Errorf("purge inbound events: %w", err)
	}
	result.InboundEventsDeleted = events
	s.metrics.RecordRetentionPurge("inbound_events", events)

	s.log.Info("retention purge completed",
		zap.Int64("sync_runs_deleted", runs),
		zap.Int64("inbound_events_deleted", events),
		zap.Time("sync_run_cutoff", result.SyncRunCutoff),
		zap.Time("inbound_event_cutoff", result.InboundEventCutoff),
	)
	return result, nil
}

func clampRetentionDays(days int) int {
	if days <= 0 {
		return DefaultRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}
