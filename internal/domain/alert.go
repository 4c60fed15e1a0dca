package domain

import "time"

// AlertDomain 告警类别
type AlertDomain string

const (
	AlertDomainSyncIncident AlertDomain = "MAILBOX_SYNC_INCIDENT"
	AlertDomainInboundSLA   AlertDomain = "MAILBOX_INBOUND_SLA"
)

// AlertState 每个用户、每个告警类别的最近一次告警状态。
// LastStatus 为空表示当前无告警。
type AlertState struct {
	UserID        string      `json:"userId" gorm:"primaryKey;type:varchar(36)"`
	Domain        AlertDomain `json:"domain" gorm:"primaryKey;type:varchar(40)"`
	LastStatus    string      `json:"lastStatus" gorm:"type:varchar(20)"`
	LastAlertedAt *time.Time  `json:"lastAlertedAt,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// NotificationPreference 用户通知偏好（告警开关、冷却覆盖、SLA 阈值）
type NotificationPreference struct {
	UserID                            string    `json:"userId" gorm:"primaryKey;type:varchar(36)"`
	MailboxInboundEnabled             bool      `json:"mailboxInboundEnabled" gorm:"not null"`
	SyncIncidentAlertsEnabled         bool      `json:"syncIncidentAlertsEnabled" gorm:"not null"`
	SyncIncidentCooldownMinutes       *int      `json:"syncIncidentCooldownMinutes,omitempty"`
	InboundSLAAlertsEnabled           bool      `json:"inboundSlaAlertsEnabled" gorm:"column:inbound_sla_alerts_enabled;not null"`
	InboundSLACooldownMinutes         *int      `json:"inboundSlaCooldownMinutes,omitempty" gorm:"column:inbound_sla_cooldown_minutes"`
	InboundSLATargetSuccessPercent    float64   `json:"inboundSlaTargetSuccessPercent" gorm:"column:inbound_sla_target_success_percent;not null"`
	InboundSLAWarningRejectedPercent  float64   `json:"inboundSlaWarningRejectedPercent" gorm:"column:inbound_sla_warning_rejected_percent;not null"`
	InboundSLACriticalRejectedPercent float64   `json:"inboundSlaCriticalRejectedPercent" gorm:"column:inbound_sla_critical_rejected_percent;not null"`
	UpdatedAt                         time.Time `json:"updatedAt"`
}

// DefaultNotificationPreference 返回未持久化用户的默认偏好
func DefaultNotificationPreference(userID string) *NotificationPreference {
	return &NotificationPreference{
		UserID:                            userID,
		MailboxInboundEnabled:             true,
		SyncIncidentAlertsEnabled:         true,
		InboundSLAAlertsEnabled:           true,
		InboundSLATargetSuccessPercent:    99,
		InboundSLAWarningRejectedPercent:  1,
		InboundSLACriticalRejectedPercent: 5,
	}
}

// AlertsEnabled 判断某类别告警是否开启
func (p *NotificationPreference) AlertsEnabled(d AlertDomain) bool {
	switch d {
	case AlertDomainSyncIncident:
		return p.SyncIncidentAlertsEnabled
	case AlertDomainInboundSLA:
		return p.InboundSLAAlertsEnabled
	default:
		return true
	}
}

// CooldownOverride 返回用户针对某类别设置的冷却分钟数
func (p *NotificationPreference) CooldownOverride(d AlertDomain) *int {
	switch d {
	case AlertDomainSyncIncident:
		return p.SyncIncidentCooldownMinutes
	case AlertDomainInboundSLA:
		return p.InboundSLACooldownMinutes
	default:
		return nil
	}
}
