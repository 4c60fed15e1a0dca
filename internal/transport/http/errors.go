package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/middleware"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgInvalidPayload   = "请求体不符合入站消息格式"
	MsgBodyTooLarge     = "请求体过大"
	MsgInvalidLimit     = "limit 参数无效"
	MsgInvalidWindow    = "windowHours 参数无效"
	MsgUnknownAlertType = "未知的告警类别"
	MsgMailboxNotFound  = "邮箱不存在"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

// kindStatus 业务错误分类 -> HTTP 状态码
var kindStatus = map[domain.ErrorKind]int{
	domain.KindUnauthorized:       http.StatusUnauthorized,
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindBadRequest:         http.StatusBadRequest,
	domain.KindServiceUnavailable: http.StatusServiceUnavailable,
}

// respondError 按错误分类输出响应。内部错误只记录日志，不把细节返回给调用方。
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status, ok := kindStatus[domain.KindOf(err)]
	if !ok {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("correlation_id", middleware.CorrelationIDFrom(c)),
			zap.Error(err),
		)
		InternalError(c, MsgInternalError)
		return
	}

	var appErr *domain.AppError
	msg := err.Error()
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	Error(c, status, msg)
}
