package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mailzen/backend/internal/domain"
)

// ========== Sync Run Repository ==========

// CreateSyncRun 追加一条同步台账
func (s *Store) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) syncRunScope(ctx context.Context, userID, mailboxID string, since time.Time) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&domain.SyncRun{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if mailboxID != "" {
		query = query.Where("mailbox_id = ?", mailboxID)
	}
	if !since.IsZero() {
		query = query.Where("completed_at >= ?", since)
	}
	return query
}

// ListSyncRuns 按完成时间倒序返回台账
func (s *Store) ListSyncRuns(ctx context.Context, filter domain.SyncRunFilter) ([]domain.SyncRun, error) {
	var runs []domain.SyncRun
	query := s.syncRunScope(ctx, filter.UserID, filter.MailboxID, filter.Since).Order("completed_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	err := query.Find(&runs).Error
	return runs, err
}

type syncRunAggregate struct {
	Status        string
	TriggerSource string
	Runs          int
	Fetched       int
	Accepted      int
	Deduplicated  int
	Rejected      int
	DurationMs    int64
}

// SyncRunStats 聚合窗口内的台账
func (s *Store) SyncRunStats(ctx context.Context, userID, mailboxID string, since time.Time) (*domain.SyncRunStats, error) {
	var rows []syncRunAggregate
	err := s.syncRunScope(ctx, userID, mailboxID, since).
		Select(`status, trigger_source, COUNT(*) AS runs,
			COALESCE(SUM(fetched), 0) AS fetched,
			COALESCE(SUM(accepted), 0) AS accepted,
			COALESCE(SUM(deduplicated), 0) AS deduplicated,
			COALESCE(SUM(rejected), 0) AS rejected,
			COALESCE(SUM(duration_ms), 0) AS duration_ms`).
		Group("status, trigger_source").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &domain.SyncRunStats{MailboxID: mailboxID}
	var totalDuration int64
	for _, row := range rows {
		stats.TotalRuns += row.Runs
		switch domain.SyncRunStatus(row.Status) {
		case domain.SyncRunSuccess:
			stats.SuccessRuns += row.Runs
		case domain.SyncRunPartial:
			stats.PartialRuns += row.Runs
		case domain.SyncRunFailed:
			stats.FailedRuns += row.Runs
		case domain.SyncRunSkipped:
			stats.SkippedRuns += row.Runs
		}
		switch domain.TriggerSource(row.TriggerSource) {
		case domain.TriggerScheduled:
			stats.ScheduledRuns += row.Runs
		case domain.TriggerManual:
			stats.ManualRuns += row.Runs
		}
		stats.Fetched += row.Fetched
		stats.Accepted += row.Accepted
		stats.Deduplicated += row.Deduplicated
		stats.Rejected += row.Rejected
		totalDuration += row.DurationMs
	}
	if stats.TotalRuns == 0 {
		return stats, nil
	}
	stats.AvgDurationMs = float64(totalDuration) / float64(stats.TotalRuns)

	var latest domain.SyncRun
	if err := s.syncRunScope(ctx, userID, mailboxID, since).Order("completed_at DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, err
	}
	if latest.ID != "" {
		completed := latest.CompletedAt
		stats.LatestCompletedAt = &completed
	}
	return stats, nil
}

// ListSyncRunOwnersSince 返回窗口内有同步台账的用户
func (s *Store) ListSyncRunOwnersSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	var owners []string
	query := s.db.WithContext(ctx).Model(&domain.SyncRun{}).
		Where("completed_at >= ?", since).
		Distinct("user_id").
		Order("user_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("user_id", &owners).Error
	return owners, err
}

// PurgeSyncRuns 删除早于 before 的台账
func (s *Store) PurgeSyncRuns(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("completed_at < ?", before).Delete(&domain.SyncRun{})
	return result.RowsAffected, result.Error
}
