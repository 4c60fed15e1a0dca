// Package incident 提供阈值 + 冷却的告警判定，供同步事故与入站 SLA 等告警类别复用。
//
// 本包只包含纯函数，不做任何 I/O。
package incident

import (
	"fmt"
	"math"
	"time"
)

// Status 告警状态
type Status string

const (
	StatusNoData   Status = "NO_DATA"
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Alertable WARNING 与 CRITICAL 才会触发告警
func (s Status) Alertable() bool {
	return s == StatusWarning || s == StatusCritical
}

// ParseStatus 解析持久化的状态文本，无法识别时返回空串
func ParseStatus(value string) Status {
	switch Status(value) {
	case StatusWarning, StatusCritical, StatusHealthy, StatusNoData:
		return Status(value)
	default:
		return ""
	}
}

// 冷却时间的取值范围（分钟）
const (
	MinCooldownMinutes = 1
	MaxCooldownMinutes = 24 * 60
)

// Stats 窗口内的样本统计
type Stats struct {
	Total     int
	Incidents int
}

// RatePercent 事故率（百分比，两位小数）
func (s Stats) RatePercent() float64 {
	return RatePercent(s.Incidents, s.Total)
}

// Thresholds 告警阈值
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
	MinIncidents    int
}

// NormalizeThresholds 百分比夹在 [0,100] 并保留两位小数，critical 不低于 warning，最少事件数不小于 1
func NormalizeThresholds(t Thresholds) Thresholds {
	warning := clampPercent(t.WarningPercent)
	critical := clampPercent(t.CriticalPercent)
	if critical < warning {
		critical = warning
	}
	minIncidents := t.MinIncidents
	if minIncidents < 1 {
		minIncidents = 1
	}
	return Thresholds{
		WarningPercent:  warning,
		CriticalPercent: critical,
		MinIncidents:    minIncidents,
	}
}

// DeriveStatus 按优先级推导状态：无数据、低于最少事件数、严重、告警、健康
func DeriveStatus(stats Stats, t Thresholds) Status {
	if stats.Total <= 0 {
		return StatusNoData
	}
	if stats.Incidents < t.MinIncidents {
		return StatusHealthy
	}
	rate := stats.RatePercent()
	if rate >= t.CriticalPercent {
		return StatusCritical
	}
	if rate >= t.WarningPercent {
		return StatusWarning
	}
	return StatusHealthy
}

// StatusReason 返回状态的可读原因，供运维预览
func StatusReason(status Status, stats Stats, t Thresholds) string {
	switch {
	case status == StatusNoData:
		return "no-data"
	case stats.Incidents < t.MinIncidents:
		return "below-min-incidents"
	case status == StatusCritical:
		return fmt.Sprintf("incident-rate %v%% >= %v%%", stats.RatePercent(), t.CriticalPercent)
	case status == StatusWarning:
		return fmt.Sprintf("incident-rate %v%% >= %v%%", stats.RatePercent(), t.WarningPercent)
	default:
		return "incident-rate-healthy"
	}
}

// State 某个用户在某告警类别上最近一次告警
type State struct {
	LastStatus    Status
	LastAlertedAt *time.Time
}

// Empty 是否没有告警状态
func (s State) Empty() bool {
	return s.LastStatus == "" && s.LastAlertedAt == nil
}

// Decision 判定结果
type Decision struct {
	// Alert 为 true 时发布告警并持久化新状态
	Alert bool
	// Clear 为 true 时清除已存在的告警状态
	Clear  bool
	Reason string
}

// Decide 决定是否告警。
//
// 只有 WARNING/CRITICAL 会告警，且满足以下任一条件：无历史告警、状态变化、冷却期已过。
// 状态变化（包括 WARNING 升级到 CRITICAL）不受冷却限制；相同状态在冷却期内被抑制。
// 状态回到 HEALTHY/NO_DATA 时清除已有状态。
func Decide(prev State, status Status, now time.Time, cooldown time.Duration) Decision {
	if !status.Alertable() {
		return Decision{Clear: !prev.Empty(), Reason: "not-alertable"}
	}
	if prev.LastStatus == "" || prev.LastAlertedAt == nil {
		return Decision{Alert: true, Reason: "first-alert"}
	}
	if prev.LastStatus != status {
		return Decision{Alert: true, Reason: "status-changed"}
	}
	if now.Sub(*prev.LastAlertedAt) >= cooldown {
		return Decision{Alert: true, Reason: "cooldown-elapsed"}
	}
	return Decision{Reason: "cooldown-active"}
}

// ResolveCooldown 用户覆盖值优先，分钟数夹在 [1,1440]
func ResolveCooldown(fallback time.Duration, overrideMinutes *int) time.Duration {
	if overrideMinutes == nil {
		return fallback
	}
	minutes := *overrideMinutes
	if minutes < MinCooldownMinutes {
		minutes = MinCooldownMinutes
	}
	if minutes > MaxCooldownMinutes {
		minutes = MaxCooldownMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// RatePercent incidents/total 的百分比，夹在 [0,100]，保留两位小数
func RatePercent(incidents, total int) float64 {
	if total <= 0 || incidents <= 0 {
		return 0
	}
	return clampPercent(float64(incidents) / float64(total) * 100)
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*100) / 100
}
