package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/backend/internal/middleware"
	"mailzen/backend/internal/service"
)

// InboundIngestor 入站网关
type InboundIngestor interface {
	Ingest(ctx context.Context, input service.InboundMessageInput, opts service.IngestOptions) (*service.IngestResult, error)
	GetInboundEventStats(ctx context.Context, userID, mailboxID string, windowHours int) (*service.InboundEventStatsView, error)
}

// InboundHandler 处理入站 webhook
type InboundHandler struct {
	inbound   InboundIngestor
	validator *PayloadValidator
	log       *zap.Logger
}

// NewInboundHandler 创建入站 webhook 处理器
func NewInboundHandler(inbound InboundIngestor, validator *PayloadValidator, log *zap.Logger) *InboundHandler {
	return &InboundHandler{inbound: inbound, validator: validator, log: log}
}

// Receive POST /v1/inbound/messages
//
// schema 只拦截结构错误；认证、正文与邮箱检查按入站服务的顺序执行。
func (h *InboundHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.validator.Validate(body); err != nil {
		var malformed errMalformedJSON
		if errors.As(err, &malformed) {
			BadRequest(c, MsgInvalidJSON)
			return
		}
		h.log.Debug("inbound payload rejected by schema",
			zap.String("correlation_id", middleware.CorrelationIDFrom(c)),
			zap.Error(err),
		)
		BadRequest(c, MsgInvalidPayload)
		return
	}

	var input service.InboundMessageInput
	if err := json.Unmarshal(body, &input); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.inbound.Ingest(c.Request.Context(), input, service.IngestOptions{
		Token:         service.ExtractInboundToken(c.GetHeader(service.HeaderInboundToken), c.GetHeader("Authorization")),
		Signature:     c.GetHeader(service.HeaderInboundSignature),
		Timestamp:     c.GetHeader(service.HeaderInboundTimestamp),
		SourceIP:      c.ClientIP(),
		CorrelationID: middleware.CorrelationIDFrom(c),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	Success(c, result)
}

// Stats GET /v1/mailboxes/:id/inbound-events/stats
func (h *InboundHandler) Stats(c *gin.Context) {
	windowHours, ok := queryInt(c, "windowHours", MsgInvalidWindow)
	if !ok {
		return
	}
	stats, err := h.inbound.GetInboundEventStats(c.Request.Context(), middleware.UserIDFrom(c), c.Param("id"), windowHours)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, stats)
}
