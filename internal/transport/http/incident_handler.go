package httptransport

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/middleware"
	"mailzen/backend/internal/service"
)

// IncidentPreviewer 单个告警类别的预览能力
type IncidentPreviewer interface {
	Domain() domain.AlertDomain
	PreviewIncidentCheck(ctx context.Context, userID string) (*service.IncidentCheck, error)
}

// domainAliases 路径中可用的简写
var domainAliases = map[string]domain.AlertDomain{
	"sync":        domain.AlertDomainSyncIncident,
	"inbound-sla": domain.AlertDomainInboundSLA,
}

// IncidentHandler 告警评估预览
type IncidentHandler struct {
	monitors map[domain.AlertDomain]IncidentPreviewer
	log      *zap.Logger
}

// NewIncidentHandler 创建告警预览处理器
func NewIncidentHandler(log *zap.Logger, monitors ...IncidentPreviewer) *IncidentHandler {
	byDomain := make(map[domain.AlertDomain]IncidentPreviewer, len(monitors))
	for _, m := range monitors {
		if m != nil {
			byDomain[m.Domain()] = m
		}
	}
	return &IncidentHandler{monitors: byDomain, log: log}
}

// Preview GET /v1/incidents/:domain/preview
func (h *IncidentHandler) Preview(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("domain"))
	alertDomain, ok := domainAliases[strings.ToLower(raw)]
	if !ok {
		alertDomain = domain.AlertDomain(strings.ToUpper(raw))
	}
	monitor, ok := h.monitors[alertDomain]
	if !ok {
		NotFound(c, MsgUnknownAlertType)
		return
	}

	check, err := monitor.PreviewIncidentCheck(c.Request.Context(), middleware.UserIDFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, check)
}
