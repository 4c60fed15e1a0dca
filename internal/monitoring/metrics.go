package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record* 方法允许在 nil 接收者上调用，未启用监控的组件无需判空。
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入站指标
	InboundEventsTotal *prometheus.CounterVec

	// 同步指标
	SyncRunsTotal      *prometheus.CounterVec
	SyncRunDuration    *prometheus.HistogramVec
	SyncMessagesTotal  *prometheus.CounterVec
	LeaseAcquireTotal  *prometheus.CounterVec
	PullRetriesTotal   prometheus.Counter
	ActiveMailboxes    prometheus.Gauge
	LastPollTimestamp  prometheus.Gauge

	// 告警与通知指标
	IncidentEvaluationsTotal *prometheus.CounterVec
	IncidentAlertsTotal      *prometheus.CounterVec
	NotificationsTotal       *prometheus.CounterVec

	// 保留策略
	RetentionPurgedTotal *prometheus.CounterVec

	// 限流
	RateLimitBlocksTotal *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry 在指定注册表上创建监控指标（测试使用独立注册表避免重复注册）
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailzen_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		InboundEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_inbound_events_total",
				Help: "Inbound ingestions by outcome",
			},
			[]string{"status"},
		),

		SyncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_sync_runs_total",
				Help: "Mailbox poll attempts by status and trigger source",
			},
			[]string{"status", "trigger_source"},
		),

		SyncRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailzen_sync_run_duration_seconds",
				Help:    "Mailbox poll duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"trigger_source"},
		),

		SyncMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_sync_messages_total",
				Help: "Pulled messages by ingestion outcome",
			},
			[]string{"outcome"},
		),

		LeaseAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_sync_lease_acquire_total",
				Help: "Mailbox lease acquisition attempts by result",
			},
			[]string{"result"},
		),

		PullRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailzen_sync_pull_retries_total",
				Help: "Retried requests against the mailbox pull API",
			},
		),

		ActiveMailboxes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailzen_sync_active_mailboxes",
				Help: "Active mailboxes listed by the last scheduled poll",
			},
		),

		LastPollTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailzen_sync_last_poll_timestamp_seconds",
				Help: "Unix time of the last completed batch poll",
			},
		),

		IncidentEvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_incident_evaluations_total",
				Help: "Per-owner incident evaluations by domain and derived status",
			},
			[]string{"domain", "status"},
		),

		IncidentAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_incident_alerts_total",
				Help: "Incident alerts published by domain and status",
			},
			[]string{"domain", "status"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_notifications_total",
				Help: "Notifications published by type and result",
			},
			[]string{"type", "result"},
		),

		RetentionPurgedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_retention_purged_rows_total",
				Help: "Rows deleted by the retention purge",
			},
			[]string{"table"},
		),

		RateLimitBlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_rate_limit_blocks_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"scope"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailzen_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailzen_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordInboundEvent 记录一次入站处理结果
func (m *Metrics) RecordInboundEvent(status string) {
	if m == nil {
		return
	}
	m.InboundEventsTotal.WithLabelValues(status).Inc()
}

// RecordSyncRun 记录一次轮询结果及耗时
func (m *Metrics) RecordSyncRun(status, triggerSource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(status, triggerSource).Inc()
	m.SyncRunDuration.WithLabelValues(triggerSource).Observe(duration.Seconds())
}

// RecordSyncMessages 累加拉取消息的处理结果
func (m *Metrics) RecordSyncMessages(accepted, deduplicated, rejected int) {
	if m == nil {
		return
	}
	m.SyncMessagesTotal.WithLabelValues("accepted").Add(float64(accepted))
	m.SyncMessagesTotal.WithLabelValues("deduplicated").Add(float64(deduplicated))
	m.SyncMessagesTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordLeaseAcquire 记录租约获取结果
func (m *Metrics) RecordLeaseAcquire(acquired bool) {
	if m == nil {
		return
	}
	result := "skipped"
	if acquired {
		result = "acquired"
	}
	m.LeaseAcquireTotal.WithLabelValues(result).Inc()
}

// RecordPullRetry 记录一次拉取重试
func (m *Metrics) RecordPullRetry() {
	if m == nil {
		return
	}
	m.PullRetriesTotal.Inc()
}

// RecordBatchPoll 记录一轮批量轮询
func (m *Metrics) RecordBatchPoll(activeMailboxes int, at time.Time) {
	if m == nil {
		return
	}
	m.ActiveMailboxes.Set(float64(activeMailboxes))
	m.LastPollTimestamp.Set(float64(at.Unix()))
}

// RecordIncidentEvaluation 记录一次单用户告警评估
func (m *Metrics) RecordIncidentEvaluation(alertDomain, status string, alerted bool) {
	if m == nil {
		return
	}
	m.IncidentEvaluationsTotal.WithLabelValues(alertDomain, status).Inc()
	if alerted {
		m.IncidentAlertsTotal.WithLabelValues(alertDomain, status).Inc()
	}
}

// RecordNotification 记录通知发布结果
func (m *Metrics) RecordNotification(notificationType, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notificationType, result).Inc()
}

// RecordRetentionPurge 记录保留策略删除的行数
func (m *Metrics) RecordRetentionPurge(table string, rows int64) {
	if m == nil {
		return
	}
	m.RetentionPurgedTotal.WithLabelValues(table).Add(float64(rows))
}

// RecordRateLimitBlock 记录被限流拒绝的请求
func (m *Metrics) RecordRateLimitBlock(scope string) {
	if m == nil {
		return
	}
	m.RateLimitBlocksTotal.WithLabelValues(scope).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
