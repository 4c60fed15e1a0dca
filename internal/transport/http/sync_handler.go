package httptransport

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/middleware"
	"mailzen/backend/internal/service"
)

// SyncOperations 邮箱同步的运维操作
type SyncOperations interface {
	PollMailboxByID(ctx context.Context, userID, mailboxID string, trigger domain.TriggerSource) (*service.MailboxPollOutcome, error)
	GetMailboxSyncState(ctx context.Context, userID, mailboxID string) (*service.MailboxSyncState, error)
	ListSyncRuns(ctx context.Context, userID, mailboxID string, limit int) ([]domain.SyncRun, error)
	GetSyncRunStats(ctx context.Context, userID, mailboxID string, windowHours int) (*domain.SyncRunStats, error)
}

// SyncHandler 邮箱同步状态、手动同步与台账查询
type SyncHandler struct {
	sync SyncOperations
	log  *zap.Logger
}

// NewSyncHandler 创建同步处理器
func NewSyncHandler(sync SyncOperations, log *zap.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, log: log}
}

// State GET /v1/mailboxes/:id/sync
func (h *SyncHandler) State(c *gin.Context) {
	state, err := h.sync.GetMailboxSyncState(c.Request.Context(), middleware.UserIDFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, state)
}

// Trigger POST /v1/mailboxes/:id/sync
func (h *SyncHandler) Trigger(c *gin.Context) {
	outcome, err := h.sync.PollMailboxByID(c.Request.Context(), middleware.UserIDFrom(c), c.Param("id"), domain.TriggerManual)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if outcome.Skipped {
		SuccessWithMsg(c, "同步正在进行中，本次已跳过", outcome)
		return
	}
	Success(c, outcome)
}

// Runs GET /v1/mailboxes/:id/sync-runs
func (h *SyncHandler) Runs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", MsgInvalidLimit)
	if !ok {
		return
	}
	runs, err := h.sync.ListSyncRuns(c.Request.Context(), middleware.UserIDFrom(c), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"items": runs, "count": len(runs)})
}

// RunStats GET /v1/mailboxes/:id/sync-runs/stats
func (h *SyncHandler) RunStats(c *gin.Context) {
	windowHours, ok := queryInt(c, "windowHours", MsgInvalidWindow)
	if !ok {
		return
	}
	stats, err := h.sync.GetSyncRunStats(c.Request.Context(), middleware.UserIDFrom(c), c.Param("id"), windowHours)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, stats)
}

// queryInt 读取可选的整数查询参数，缺省为 0（由服务层套用默认值），格式错误时直接返回 400
func queryInt(c *gin.Context, key, msg string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		BadRequest(c, msg)
		return 0, false
	}
	return value, true
}
