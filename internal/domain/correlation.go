package domain

import (
	"strings"

	"github.com/google/uuid"
)

// MaxCorrelationIDLength 透传的关联 ID 最大长度
const MaxCorrelationIDLength = 128

// ResolveCorrelationID 优先沿用调用方提供的关联 ID，否则生成新的 UUID
func ResolveCorrelationID(candidates ...string) string {
	for _, candidate := range candidates {
		value := strings.TrimSpace(candidate)
		if value == "" {
			continue
		}
		if len(value) > MaxCorrelationIDLength {
			value = value[:MaxCorrelationIDLength]
		}
		return value
	}
	return uuid.NewString()
}
