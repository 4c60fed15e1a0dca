package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/incident"
	"mailzen/backend/internal/logger"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/notification"
	"mailzen/backend/internal/storage"
)

// DefaultMaxUsersPerRun 单轮最多评估的用户数
const DefaultMaxUsersPerRun = 500

// maxUsersPerRunLimit 单轮评估用户数上限
const maxUsersPerRunLimit = 5000

// IncidentStore 告警评估需要的存储能力
type IncidentStore interface {
	storage.SyncRunRepository
	storage.InboundEventRepository
	storage.AlertStateRepository
	storage.PreferenceRepository
}

// IncidentCheck 单个用户的一次评估结果
type IncidentCheck struct {
	UserID          string             `json:"userId"`
	Domain          domain.AlertDomain `json:"domain"`
	Enabled         bool               `json:"alertsEnabled"`
	Status          incident.Status    `json:"status"`
	StatusReason    string             `json:"statusReason"`
	WindowHours     int                `json:"windowHours"`
	TotalCount      int                `json:"totalCount"`
	IncidentCount   int                `json:"incidentCount"`
	RatePercent     float64            `json:"ratePercent"`
	WarningPercent  float64            `json:"warningRatePercent"`
	CriticalPercent float64            `json:"criticalRatePercent"`
	MinIncidents    int                `json:"minIncidents"`
	CooldownMinutes int                `json:"cooldownMinutes"`
	ShouldAlert     bool               `json:"shouldAlert"`
	ShouldClear     bool               `json:"shouldClear"`
	DecisionReason  string             `json:"decisionReason"`
	LastAlertStatus string             `json:"lastAlertStatus,omitempty"`
	LastAlertedAt   *time.Time         `json:"lastAlertedAt,omitempty"`
	EvaluatedAt     time.Time          `json:"evaluatedAt"`

	details map[string]any
	pref    *domain.NotificationPreference
}

// EvaluationSummary 一轮评估的汇总
type EvaluationSummary struct {
	Domain          domain.AlertDomain `json:"domain"`
	Disabled        bool               `json:"disabled,omitempty"`
	EvaluatedUsers  int                `json:"evaluatedUsers"`
	SkippedUsers    int                `json:"skippedUsers"`
	AlertsPublished int                `json:"alertsPublished"`
	ClearedStates   int                `json:"clearedStates"`
	FailedUsers     int                `json:"failedUsers"`
}

// signal 告警类别的差异部分：统计口径、阈值来源与通知文案
type signal interface {
	stats(ctx context.Context, userID string, since time.Time) (incident.Stats, map[string]any, error)
	thresholds(pref *domain.NotificationPreference) incident.Thresholds
	owners(ctx context.Context, since time.Time, limit int) ([]string, error)
	event(check *IncidentCheck) notification.Event
}

// IncidentMonitor 按类别评估告警：推导状态、按冷却决定是否告警、持久化告警状态。
type IncidentMonitor struct {
	alertDomain domain.AlertDomain
	signal      signal
	store       IncidentStore
	publisher   notification.Publisher
	cfg         config.AlertDomainConfig
	metrics     *monitoring.Metrics
	log         *zap.Logger
	now         func() time.Time
}

// NewSyncIncidentMonitor 同步事故告警：FAILED 与 PARTIAL 占非 SKIPPED 台账的比例
func NewSyncIncidentMonitor(store IncidentStore, publisher notification.Publisher, cfg config.AlertDomainConfig, log *zap.Logger) *IncidentMonitor {
	return newIncidentMonitor(domain.AlertDomainSyncIncident, &syncSignal{store: store, cfg: cfg}, store, publisher, cfg, log)
}

// NewInboundSLAMonitor 入站 SLA 告警：REJECTED 占入站事件的比例，阈值取用户偏好
func NewInboundSLAMonitor(store IncidentStore, publisher notification.Publisher, cfg config.AlertDomainConfig, log *zap.Logger) *IncidentMonitor {
	return newIncidentMonitor(domain.AlertDomainInboundSLA, &slaSignal{store: store, cfg: cfg}, store, publisher, cfg, log)
}

func newIncidentMonitor(alertDomain domain.AlertDomain, sig signal, store IncidentStore, publisher notification.Publisher, cfg config.AlertDomainConfig, log *zap.Logger) *IncidentMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &IncidentMonitor{
		alertDomain: alertDomain,
		signal:      sig,
		store:       store,
		publisher:   publisher,
		cfg:         cfg,
		log:         log.With(zap.String("alert_domain", string(alertDomain))),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 记录评估结果
func (m *IncidentMonitor) WithMetrics(metrics *monitoring.Metrics) *IncidentMonitor {
	m.metrics = metrics
	return m
}

// Domain 告警类别
func (m *IncidentMonitor) Domain() domain.AlertDomain {
	return m.alertDomain
}

// EvaluateIncidents 评估窗口内活跃用户与已有告警状态的用户。单个用户失败只计数，不中断整轮。
func (m *IncidentMonitor) EvaluateIncidents(ctx context.Context) (*EvaluationSummary, error) {
	summary := &EvaluationSummary{Domain: m.alertDomain}
	if !m.cfg.Enabled {
		summary.Disabled = true
		return summary, nil
	}

	now := m.now()
	users, err := m.candidateUsers(ctx, now)
	if err != nil {
		return nil, err
	}

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		alerted, cleared, skipped, err := m.evaluateUser(ctx, userID, now)
		switch {
		case err != nil:
			summary.FailedUsers++
			m.log.Warn("incident evaluation failed for user", logger.User(userID), zap.Error(err))
			continue
		case skipped:
			summary.SkippedUsers++
		default:
			summary.EvaluatedUsers++
		}
		if alerted {
			summary.AlertsPublished++
		}
		if cleared {
			summary.ClearedStates++
		}
	}

	m.log.Info("incident evaluation completed",
		zap.Int("candidates", len(users)),
		zap.Int("evaluated", summary.EvaluatedUsers),
		zap.Int("skipped", summary.SkippedUsers),
		zap.Int("alerts", summary.AlertsPublished),
		zap.Int("cleared", summary.ClearedStates),
		zap.Int("failed", summary.FailedUsers),
	)
	return summary, nil
}

// PreviewIncidentCheck 计算状态与决策，不发布也不持久化
func (m *IncidentMonitor) PreviewIncidentCheck(ctx context.Context, userID string) (*IncidentCheck, error) {
	return m.check(ctx, userID, m.now())
}

// candidateUsers 已有告警状态的用户与窗口内有数据的用户取并集。
// 上限分别作用于两组，活跃用户再多也不会挤掉需要清理状态的用户。
func (m *IncidentMonitor) candidateUsers(ctx context.Context, now time.Time) ([]string, error) {
	limit := storage.ClampLimit(m.cfg.MaxUsersPerRun, DefaultMaxUsersPerRun, maxUsersPerRunLimit)
	since := now.Add(-time.Duration(clampWindowHours(m.cfg.WindowHours)) * time.Hour)

	alerted, err := m.store.ListAlertStateOwners(ctx, m.alertDomain, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert state owners: %w", err)
	}
	active, err := m.signal.owners(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list active owners: %w", err)
	}

	seen := make(map[string]struct{}, len(active)+len(alerted))
	users := make([]string, 0, len(active)+len(alerted))
	for _, group := range [][]string{alerted, active} {
		for _, userID := range group {
			if _, ok := seen[userID]; ok || userID == "" {
				continue
			}
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	return users, nil
}

func (m *IncidentMonitor) evaluateUser(ctx context.Context, userID string, now time.Time) (alerted, cleared, skipped bool, err error) {
	check, err := m.check(ctx, userID, now)
	if err != nil {
		return false, false, false, err
	}

	// 关闭该类告警的用户直接跳过，已有告警状态原样保留
	if !check.Enabled {
		return false, false, true, nil
	}

	switch {
	case check.ShouldAlert:
		if _, err := m.publisher.Publish(ctx, m.signal.event(check)); err != nil {
			return false, false, false, fmt.Errorf("publish incident alert: %w", err)
		}
		alertedAt := now
		state := &domain.AlertState{
			UserID:        userID,
			Domain:        m.alertDomain,
			LastStatus:    string(check.Status),
			LastAlertedAt: &alertedAt,
		}
		if err := m.store.SaveAlertState(ctx, state); err != nil {
			return true, false, false, fmt.Errorf("save alert state: %w", err)
		}
		alerted = true
		m.log.Info("incident alert published",
			logger.User(userID),
			zap.String("status", string(check.Status)),
			zap.Float64("rate_percent", check.RatePercent),
			zap.String("reason", check.DecisionReason),
		)
	case check.ShouldClear:
		if err := m.store.DeleteAlertState(ctx, userID, m.alertDomain); err != nil {
			return false, false, false, fmt.Errorf("clear alert state: %w", err)
		}
		cleared = true
	}

	m.metrics.RecordIncidentEvaluation(string(m.alertDomain), string(check.Status), alerted)
	return alerted, cleared, false, nil
}

func (m *IncidentMonitor) check(ctx context.Context, userID string, now time.Time) (*IncidentCheck, error) {
	pref, err := m.store.GetNotificationPreference(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load notification preference: %w", err)
	}

	windowHours := clampWindowHours(m.cfg.WindowHours)
	since := now.Add(-time.Duration(windowHours) * time.Hour)
	stats, details, err := m.signal.stats(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	var prev incident.State
	state, err := m.store.GetAlertState(ctx, userID, m.alertDomain)
	switch {
	case err == nil:
		prev = incident.State{LastStatus: incident.ParseStatus(state.LastStatus), LastAlertedAt: state.LastAlertedAt}
	case !errors.Is(err, storage.ErrAlertStateNotFound):
		return nil, fmt.Errorf("load alert state: %w", err)
	}

	thresholds := incident.NormalizeThresholds(m.signal.thresholds(pref))
	status := incident.DeriveStatus(stats, thresholds)
	cooldown := incident.ResolveCooldown(m.cfg.Cooldown, pref.CooldownOverride(m.alertDomain))
	decision := incident.Decide(prev, status, now, cooldown)

	return &IncidentCheck{
		UserID:          userID,
		Domain:          m.alertDomain,
		Enabled:         pref.AlertsEnabled(m.alertDomain),
		Status:          status,
		StatusReason:    incident.StatusReason(status, stats, thresholds),
		WindowHours:     windowHours,
		TotalCount:      stats.Total,
		IncidentCount:   stats.Incidents,
		RatePercent:     stats.RatePercent(),
		WarningPercent:  thresholds.WarningPercent,
		CriticalPercent: thresholds.CriticalPercent,
		MinIncidents:    thresholds.MinIncidents,
		CooldownMinutes: int(cooldown / time.Minute),
		ShouldAlert:     decision.Alert,
		ShouldClear:     decision.Clear,
		DecisionReason:  decision.Reason,
		LastAlertStatus: string(prev.LastStatus),
		LastAlertedAt:   prev.LastAlertedAt,
		EvaluatedAt:     now,
		details:         details,
		pref:            pref,
	}, nil
}

// ========== 同步事故 ==========

type syncSignal struct {
	store IncidentStore
	cfg   config.AlertDomainConfig
}

func (s *syncSignal) owners(ctx context.Context, since time.Time, limit int) ([]string, error) {
	return s.store.ListSyncRunOwnersSince(ctx, since, limit)
}

func (s *syncSignal) stats(ctx context.Context, userID string, since time.Time) (incident.Stats, map[string]any, error) {
	runs, err := s.store.SyncRunStats(ctx, userID, "", since)
	if err != nil {
		return incident.Stats{}, nil, fmt.Errorf("load sync run stats: %w", err)
	}
	details := map[string]any{
		"failedRuns":  runs.FailedRuns,
		"partialRuns": runs.PartialRuns,
	}
	return incident.Stats{
		Total:     runs.TotalRuns - runs.SkippedRuns,
		Incidents: runs.FailedRuns + runs.PartialRuns,
	}, details, nil
}

func (s *syncSignal) thresholds(*domain.NotificationPreference) incident.Thresholds {
	return incident.Thresholds{
		WarningPercent:  s.cfg.WarningPercent,
		CriticalPercent: s.cfg.CriticalPercent,
		MinIncidents:    s.cfg.MinIncidents,
	}
}

func (s *syncSignal) event(check *IncidentCheck) notification.Event {
	title := "Mailbox sync incidents detected"
	if check.Status == incident.StatusCritical {
		title = "Mailbox sync incidents are critical"
	}
	metadata := map[string]any{
		"incidentStatus":      string(check.Status),
		"incidentRatePercent": check.RatePercent,
		"incidentRuns":        check.IncidentCount,
		"totalRuns":           check.TotalCount,
		"warningRatePercent":  check.WarningPercent,
		"criticalRatePercent": check.CriticalPercent,
		"windowHours":         check.WindowHours,
		"source":              "scheduler",
	}
	for k, v := range check.details {
		metadata[k] = v
	}
	return notification.Event{
		UserID: check.UserID,
		Type:   domain.NotificationSyncIncidentAlert,
		Title:  title,
		Message: fmt.Sprintf("Mailbox sync incident rate is %v%% (%d/%d) over the last %dh.",
			check.RatePercent, check.IncidentCount, check.TotalCount, check.WindowHours),
		Metadata: metadata,
	}
}

// ========== 入站 SLA ==========

type slaSignal struct {
	store IncidentStore
	cfg   config.AlertDomainConfig
}

func (s *slaSignal) owners(ctx context.Context, since time.Time, limit int) ([]string, error) {
	return s.store.ListInboundOwnersSince(ctx, since, limit)
}

func (s *slaSignal) stats(ctx context.Context, userID string, since time.Time) (incident.Stats, map[string]any, error) {
	events, err := s.store.InboundEventStats(ctx, userID, "", since)
	if err != nil {
		return incident.Stats{}, nil, fmt.Errorf("load inbound event stats: %w", err)
	}
	details := map[string]any{
		"successRatePercent": successRate(events),
		"acceptedCount":      events.Accepted,
		"deduplicatedCount":  events.Deduplicated,
		"rejectedCount":      events.Rejected,
	}
	return incident.Stats{Total: events.Total, Incidents: events.Rejected}, details, nil
}

// thresholds 拒收率阈值取用户偏好，最少事件数取全局配置
func (s *slaSignal) thresholds(pref *domain.NotificationPreference) incident.Thresholds {
	return incident.Thresholds{
		WarningPercent:  pref.InboundSLAWarningRejectedPercent,
		CriticalPercent: pref.InboundSLACriticalRejectedPercent,
		MinIncidents:    s.cfg.MinIncidents,
	}
}

func (s *slaSignal) event(check *IncidentCheck) notification.Event {
	title := "Mailbox inbound SLA warning"
	if check.Status == incident.StatusCritical {
		title = "Mailbox inbound SLA critical"
	}
	success, _ := check.details["successRatePercent"].(float64)
	target := check.pref.InboundSLATargetSuccessPercent

	metadata := map[string]any{
		"slaStatus":                  string(check.Status),
		"successRatePercent":         success,
		"rejectionRatePercent":       check.RatePercent,
		"slaTargetSuccessPercent":    target,
		"slaWarningRejectedPercent":  check.WarningPercent,
		"slaCriticalRejectedPercent": check.CriticalPercent,
		"windowHours":                check.WindowHours,
		"totalCount":                 check.TotalCount,
		"rejectedCount":              check.IncidentCount,
	}
	return notification.Event{
		UserID: check.UserID,
		Type:   domain.NotificationInboundSLAAlert,
		Title:  title,
		Message: fmt.Sprintf("Inbound success %v%% (target %v%%) and rejection %v%% over the last %dh.",
			success, target, check.RatePercent, check.WindowHours),
		Metadata: metadata,
	}
}
