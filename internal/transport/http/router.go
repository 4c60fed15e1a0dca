package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailzen/backend/internal/auth/jwt"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/health"
	"mailzen/backend/internal/middleware"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/service"
	"mailzen/backend/internal/storage"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Inbound       InboundIngestor
	Sync          SyncOperations
	Monitors      []IncidentPreviewer
	Notifications storage.NotificationRepository
	JWTManager    *jwtpkg.Manager // 为 nil 时运维接口返回 503
	Health        *health.HealthChecker
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) (*gin.Engine, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderCorrelationID, middleware.HeaderRequestID,
			service.HeaderInboundToken, service.HeaderInboundSignature, service.HeaderInboundTimestamp,
		},
		ExposeHeaders:    []string{"Content-Length", middleware.HeaderCorrelationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	inboundHandler := NewInboundHandler(deps.Inbound, validator, log)
	syncHandler := NewSyncHandler(deps.Sync, log)
	incidentHandler := NewIncidentHandler(log, deps.Monitors...)
	notificationHandler := NewNotificationHandler(deps.Notifications, log)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			results := deps.Health.CheckHealth()
			status := http.StatusOK
			if !health.Healthy(results) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, results)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Inbound Webhook ==========
		inboundLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			PerSecond:     deps.Config.Inbound.RateLimitPerSecond,
			Burst:         deps.Config.Inbound.RateLimitBurst,
			MaxConcurrent: deps.Config.Inbound.MaxConcurrent,
			Scope:         "inbound",
		}, deps.Metrics)
		v1.POST("/inbound/messages",
			inboundLimiter.Middleware(),
			middleware.BodySizeLimit(deps.Config.Inbound.MaxBodyBytes),
			middleware.ValidateContentType("application/json"),
			inboundHandler.Receive,
		)

		// ========== Operator Routes ==========
		operator := v1.Group("")
		operator.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit), jwtAuth.RequireAuth())
		{
			operator.GET("/mailboxes/:id/sync", syncHandler.State)
			operator.POST("/mailboxes/:id/sync", syncHandler.Trigger)
			operator.GET("/mailboxes/:id/sync-runs", syncHandler.Runs)
			operator.GET("/mailboxes/:id/sync-runs/stats", syncHandler.RunStats)
			operator.GET("/mailboxes/:id/inbound-events/stats", inboundHandler.Stats)

			operator.GET("/incidents/:domain/preview", incidentHandler.Preview)
			operator.GET("/notifications", notificationHandler.List)
		}
	}

	return router, nil
}
