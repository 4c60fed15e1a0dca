package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "mailzen/backend/internal/auth/jwt"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/health"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/notification"
	"mailzen/backend/internal/service"
	"mailzen/backend/internal/storage/memory"
	"mailzen/backend/internal/syncclient"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type stubFetcher struct {
	batch *syncclient.Batch
}

func (f *stubFetcher) FetchMessages(context.Context, string, string) (*syncclient.Batch, error) {
	return f.batch, nil
}

type routerFixture struct {
	router  *gin.Engine
	store   *memory.Store
	mailbox *domain.Mailbox
	token   string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	cfg := &config.Config{
		App:  config.AppConfig{Environment: "test"},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Inbound: config.InboundConfig{
			WebhookToken:        "inbound-secret",
			SignatureTolerance:  5 * time.Minute,
			LegacyMessageLookup: true,
			MaxBodyBytes:        64 * 1024,
		},
		Sync: config.SyncConfig{MaxMailboxesPerRun: 10, Concurrency: 1, FailFast: true},
		Incident: config.IncidentConfig{
			Sync: config.AlertDomainConfig{Enabled: true, WindowHours: 24, Cooldown: time.Hour, WarningPercent: 10, CriticalPercent: 25, MinIncidents: 1},
			InboundSLA: config.AlertDomainConfig{Enabled: true, WindowHours: 24, Cooldown: time.Hour, MinIncidents: 1},
		},
	}

	store := memory.NewStore()
	mailbox := &domain.Mailbox{UserID: "user-1", Email: "desk@example.com"}
	require.NoError(t, store.SaveMailbox(context.Background(), mailbox))

	bus := notification.NewBus(store, store, nil)
	inbound := service.NewInboundService(store, nil, bus, cfg, nil)
	leases := service.NewLeaseManager(store, time.Minute, nil)
	fetcher := &stubFetcher{batch: &syncclient.Batch{
		Messages:   []syncclient.PulledMessage{{MessageID: "pulled-1", From: "a@example.com", TextBody: "hello"}},
		NextCursor: "c-1",
	}}
	syncSvc := service.NewSyncService(store, fetcher, inbound, leases, bus, &cfg.Sync, nil)

	reg := prometheus.NewRegistry()
	manager := jwtpkg.NewManager(testJWTSecret, "mailzen", time.Hour)
	router, err := NewRouter(RouterDependencies{
		Config:  cfg,
		Inbound: inbound,
		Sync:    syncSvc,
		Monitors: []IncidentPreviewer{
			service.NewSyncIncidentMonitor(store, bus, cfg.Incident.Sync, nil),
			service.NewInboundSLAMonitor(store, bus, cfg.Incident.InboundSLA, nil),
		},
		Notifications: store,
		JWTManager:    manager,
		Health:        health.NewHealthChecker(store, nil, nil),
		Metrics:       monitoring.NewMetricsWithRegistry(reg, reg),
	})
	require.NoError(t, err)

	token, _, err := manager.GenerateToken("user-1", jwtpkg.RoleOperator)
	require.NoError(t, err)

	return &routerFixture{router: router, store: store, mailbox: mailbox, token: token}
}

func (f *routerFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *routerFixture) operator(method, path string) *httptest.ResponseRecorder {
	return f.do(method, path, "", map[string]string{"Authorization": "Bearer " + f.token})
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Code int            `json:"code"`
		Msg  string         `json:"msg"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestInboundWebhook(t *testing.T) {
	f := newRouterFixture(t)
	payload := `{"mailboxEmail":"Desk@Example.com","from":"lead@example.com","subject":"Hi","textBody":"hello","messageId":"<m-1@example.com>"}`
	auth := map[string]string{service.HeaderInboundToken: "inbound-secret", "X-Request-ID": "req-42"}

	w := f.do(http.MethodPost, "/v1/inbound/messages", payload, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Correlation-ID"))
	data := decodeData(t, w)
	assert.Equal(t, true, data["accepted"])
	assert.Equal(t, f.mailbox.ID, data["mailboxId"])
	emailID := data["emailId"]

	t.Run("重复投递返回同一邮件", func(t *testing.T) {
		w := f.do(http.MethodPost, "/v1/inbound/messages", payload, auth)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, true, data["deduplicated"])
		assert.Equal(t, emailID, data["emailId"])
	})

	t.Run("Bearer 令牌", func(t *testing.T) {
		body := `{"mailboxEmail":"desk@example.com","from":"x@example.com","textBody":"yo","messageId":"m-2"}`
		w := f.do(http.MethodPost, "/v1/inbound/messages", body, map[string]string{"Authorization": "Bearer inbound-secret"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("令牌错误", func(t *testing.T) {
		w := f.do(http.MethodPost, "/v1/inbound/messages", payload, map[string]string{service.HeaderInboundToken: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("缺少正文", func(t *testing.T) {
		body := `{"mailboxEmail":"desk@example.com","from":"x@example.com","messageId":"m-3"}`
		w := f.do(http.MethodPost, "/v1/inbound/messages", body, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未知邮箱", func(t *testing.T) {
		body := `{"mailboxEmail":"nobody@example.com","from":"x@example.com","textBody":"hi"}`
		w := f.do(http.MethodPost, "/v1/inbound/messages", body, auth)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("schema 拦截类型错误", func(t *testing.T) {
		body := `{"mailboxEmail":"desk@example.com","from":"x@example.com","textBody":"hi","sizeBytes":"big"}`
		w := f.do(http.MethodPost, "/v1/inbound/messages", body, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), MsgInvalidPayload)

		w = f.do(http.MethodPost, "/v1/inbound/messages", `{"from":"x@example.com"}`, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(http.MethodPost, "/v1/inbound/messages", `{not json`, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), MsgInvalidJSON)
	})

	t.Run("请求体过大", func(t *testing.T) {
		big := `{"mailboxEmail":"desk@example.com","from":"x@example.com","textBody":"` + strings.Repeat("a", 70*1024) + `"}`
		w := f.do(http.MethodPost, "/v1/inbound/messages", big, auth)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestOperatorRoutes(t *testing.T) {
	f := newRouterFixture(t)
	base := "/v1/mailboxes/" + f.mailbox.ID

	w := f.do(http.MethodGet, base+"/sync", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.operator(http.MethodPost, base+"/sync")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, false, data["skipped"])
	result := data["result"].(map[string]any)
	assert.EqualValues(t, 1, result["acceptedMessages"])
	assert.Equal(t, "c-1", result["nextCursor"])

	w = f.operator(http.MethodGet, base+"/sync")
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeData(t, w)
	assert.Equal(t, "c-1", data["inboundSyncCursor"])
	assert.Equal(t, false, data["leaseHeld"])

	w = f.operator(http.MethodGet, base+"/sync-runs?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeData(t, w)
	assert.EqualValues(t, 1, data["count"])

	w = f.operator(http.MethodGet, base+"/sync-runs/stats?windowHours=48")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.operator(http.MethodGet, base+"/inbound-events/stats")
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeData(t, w)
	assert.EqualValues(t, 1, data["acceptedCount"])

	w = f.operator(http.MethodGet, base+"/sync-runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	t.Run("他人邮箱视为不存在", func(t *testing.T) {
		other := &domain.Mailbox{UserID: "user-2", Email: "other@example.com"}
		require.NoError(t, f.store.SaveMailbox(context.Background(), other))
		w := f.operator(http.MethodGet, "/v1/mailboxes/"+other.ID+"/sync")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("告警预览", func(t *testing.T) {
		w := f.operator(http.MethodGet, "/v1/incidents/sync/preview")
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "HEALTHY", data["status"])

		w = f.operator(http.MethodGet, "/v1/incidents/MAILBOX_INBOUND_SLA/preview")
		assert.Equal(t, http.StatusOK, w.Code)

		w = f.operator(http.MethodGet, "/v1/incidents/unknown/preview")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("通知列表", func(t *testing.T) {
		w := f.operator(http.MethodGet, "/v1/notifications?limit=10")
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.EqualValues(t, 1, data["count"])
	})
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"OK"`)

	w = f.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.do(http.MethodGet, "/health/live", "", nil)
	w = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mailzen_http_requests_total")
}
