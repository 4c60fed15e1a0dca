package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/backend/internal/monitoring"
)

func TestRateLimiter_PerIP(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWithRegistry(reg, reg)
	limiter := NewRateLimiter(RateLimitConfig{PerSecond: 1, Burst: 2, Scope: "inbound"}, metrics)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/hook", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.RemoteAddr = remote
		return perform(r, req).Code
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:1000"))
	assert.Equal(t, http.StatusOK, send("192.0.2.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1:1002"))
	assert.Equal(t, http.StatusOK, send("192.0.2.9:1000"), "其它来源不受影响")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitBlocksTotal.WithLabelValues("inbound")))
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{}, nil)
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("192.0.2.1"))
	}
	assert.Equal(t, 0, limiter.Visitors())
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{PerSecond: 10, Burst: 1}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	limiter.lastGC = now

	limiter.Allow("192.0.2.1")
	limiter.Allow("192.0.2.2")
	assert.Equal(t, 2, limiter.Visitors())

	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.Allow("192.0.2.3")
	assert.Equal(t, 1, limiter.Visitors())
}

func TestRateLimiter_MaxConcurrent(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{MaxConcurrent: 1}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/hook", func(c *gin.Context) {
		if c.Query("block") == "1" {
			close(entered)
			<-release
		}
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() {
		done <- perform(r, httptest.NewRequest(http.MethodPost, "/hook?block=1", nil)).Code
	}()
	<-entered

	w := perform(r, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)

	w = perform(r, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusOK, w.Code, "释放后恢复")
}
