package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/backend/internal/cache"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/service"
	"mailzen/backend/internal/storage/memory"
)

func testMetrics() *monitoring.Metrics {
	reg := prometheus.NewRegistry()
	return monitoring.NewMetricsWithRegistry(reg, reg)
}

func TestBuild_MemoryBackend(t *testing.T) {
	cfg := &config.Config{
		Inbound: config.InboundConfig{WebhookToken: "secret", DedupCacheTTL: time.Minute},
		Lease:   config.LeaseConfig{TTL: time.Minute},
		Sync:    config.SyncConfig{Concurrency: 1},
	}

	a, err := Build(context.Background(), cfg, nil, Options{Metrics: testMetrics()})
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Store{}, a.Store)
	assert.IsType(t, &cache.LocalCache{}, a.Cache)
	assert.Nil(t, a.JWT, "未配置密钥时不创建 JWT 管理器")
	assert.Len(t, a.Monitors(), 2)
	assert.Equal(t, domain.AlertDomainSyncIncident, a.SyncMonitor.Domain())
	assert.Equal(t, domain.AlertDomainInboundSLA, a.SLAMonitor.Domain())

	t.Run("组装后的入站链路可用", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, a.Store.SaveMailbox(ctx, &domain.Mailbox{UserID: "u-1", Email: "box@example.com"}))

		input := service.InboundMessageInput{MailboxEmail: "box@example.com", From: "a@example.com", TextBody: "hi", MessageID: "m-1"}
		first, err := a.Inbound.Ingest(ctx, input, service.IngestOptions{Token: "secret"})
		require.NoError(t, err)
		assert.True(t, first.Accepted)

		second, err := a.Inbound.Ingest(ctx, input, service.IngestOptions{Token: "secret"})
		require.NoError(t, err)
		assert.True(t, second.Deduplicated)
		assert.Equal(t, first.EmailID, second.EmailID)
	})

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "重复关闭不报错")
}

func TestBuild_WithJWTSecret(t *testing.T) {
	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Issuer: "mailzen", AccessExpiry: time.Hour},
	}
	a, err := Build(context.Background(), cfg, nil, Options{Metrics: testMetrics()})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.JWT)
	token, _, err := a.JWT.GenerateToken("operator-1", "")
	require.NoError(t, err)
	claims, err := a.JWT.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.UserID)
}

func TestBuild_UnsupportedDatabase(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Type: "oracle", DSN: "x"}}
	_, err := Build(context.Background(), cfg, nil, Options{Metrics: testMetrics()})
	assert.Error(t, err)
}
