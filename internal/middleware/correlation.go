package middleware

import (
	"github.com/gin-gonic/gin"

	"mailzen/backend/internal/domain"
)

// 关联 ID 相关请求头
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"

	contextCorrelationID = "correlationID"
)

// CorrelationID 沿用调用方的关联 ID（x-correlation-id 优先于 x-request-id），否则生成新的，并回写到响应头
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.ResolveCorrelationID(c.GetHeader(HeaderCorrelationID), c.GetHeader(HeaderRequestID))
		c.Set(contextCorrelationID, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// CorrelationIDFrom 读取当前请求的关联 ID
func CorrelationIDFrom(c *gin.Context) string {
	return c.GetString(contextCorrelationID)
}
