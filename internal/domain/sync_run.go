package domain

import "time"

// TriggerSource 同步触发来源
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "SCHEDULED"
	TriggerManual    TriggerSource = "MANUAL"
)

// SyncRunStatus 单次同步结果
type SyncRunStatus string

const (
	SyncRunSuccess SyncRunStatus = "SUCCESS"
	SyncRunPartial SyncRunStatus = "PARTIAL"
	SyncRunFailed  SyncRunStatus = "FAILED"
	SyncRunSkipped SyncRunStatus = "SKIPPED"
)

// SyncRun 同步台账记录，每次轮询尝试写入且仅写入一行，写入后不再修改。
type SyncRun struct {
	ID               string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID        string        `json:"mailboxId" gorm:"type:varchar(36);not null;index"`
	MailboxEmail     string        `json:"mailboxEmail" gorm:"type:varchar(255)"`
	UserID           string        `json:"userId" gorm:"type:varchar(36);not null;index"`
	WorkspaceID      *string       `json:"workspaceId,omitempty" gorm:"type:varchar(36);index"`
	TriggerSource    TriggerSource `json:"triggerSource" gorm:"type:varchar(20);not null"`
	RunCorrelationID string        `json:"runCorrelationId" gorm:"type:varchar(64);not null;index"`
	Status           SyncRunStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Fetched          int           `json:"fetchedMessages"`
	Accepted         int           `json:"acceptedMessages"`
	Deduplicated     int           `json:"deduplicatedMessages"`
	Rejected         int           `json:"rejectedMessages"`
	NextCursor       *string       `json:"nextCursor,omitempty" gorm:"type:varchar(512)"`
	ErrorMessage     *string       `json:"errorMessage,omitempty" gorm:"type:varchar(500)"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      time.Time     `json:"completedAt" gorm:"index"`
	DurationMs       int64         `json:"durationMs"`
}

// SyncRunStats 时间窗口内的同步台账聚合
type SyncRunStats struct {
	MailboxID         string     `json:"mailboxId,omitempty"`
	WindowHours       int        `json:"windowHours"`
	TotalRuns         int        `json:"totalRuns"`
	SuccessRuns       int        `json:"successRuns"`
	PartialRuns       int        `json:"partialRuns"`
	FailedRuns        int        `json:"failedRuns"`
	SkippedRuns       int        `json:"skippedRuns"`
	ScheduledRuns     int        `json:"schedulerRuns"`
	ManualRuns        int        `json:"manualRuns"`
	Fetched           int        `json:"fetchedMessages"`
	Accepted          int        `json:"acceptedMessages"`
	Deduplicated      int        `json:"deduplicatedMessages"`
	Rejected          int        `json:"rejectedMessages"`
	AvgDurationMs     float64    `json:"avgDurationMs"`
	LatestCompletedAt *time.Time `json:"latestCompletedAt,omitempty"`
}

// SyncRunFilter 台账查询条件
type SyncRunFilter struct {
	UserID    string
	MailboxID string
	Since     time.Time
	Limit     int
}
