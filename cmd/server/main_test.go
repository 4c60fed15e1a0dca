package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailzen/backend/internal/config"
)

func TestInboundAuthWarning(t *testing.T) {
	cfg := func(env, token string) *config.Config {
		return &config.Config{
			App:     config.AppConfig{Environment: env},
			Inbound: config.InboundConfig{WebhookToken: token},
		}
	}

	t.Run("生产环境拒绝", func(t *testing.T) {
		assert.Contains(t, inboundAuthWarning(cfg("production", "")), "will be rejected")
	})

	t.Run("非生产环境放行", func(t *testing.T) {
		msg := inboundAuthWarning(cfg("development", ""))
		assert.Contains(t, msg, "accepted without authentication")
		assert.NotContains(t, msg, "rejected")
	})

	t.Run("已配置 token", func(t *testing.T) {
		assert.Empty(t, inboundAuthWarning(cfg("production", "s3cret")))
	})
}
