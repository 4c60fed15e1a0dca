package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailzen/backend/internal/storage"
)

// checkTimeout 单项依赖检查的超时
const checkTimeout = 3 * time.Second

// Pinger 可探活的外部依赖（如 Redis 客户端）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	redis  Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，redis 为 nil 时跳过缓存检查
func NewHealthChecker(store storage.Store, redis Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		redis:  redis,
		logger: logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 存活检查只看进程自身，就绪检查覆盖数据库与缓存
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	hc.health.AddReadinessCheck("database", healthcheck.Timeout(hc.store.Health, checkTimeout))

	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", healthcheck.Timeout(hc.pingRedis, checkTimeout))
	}
}

func (hc *HealthChecker) pingRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return hc.redis.Ping(ctx)
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活探针
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行健康检查，返回各依赖的状态文本
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		hc.logger.Warn("database health check failed", zap.Error(err))
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	if hc.redis == nil {
		results["redis"] = "NOT_CONFIGURED"
	} else if err := hc.pingRedis(); err != nil {
		hc.logger.Warn("redis health check failed", zap.Error(err))
		results["redis"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["redis"] = "OK"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return results
}

// Healthy 所有依赖是否正常
func Healthy(results map[string]string) bool {
	for key, value := range results {
		if key == "timestamp" {
			continue
		}
		if value != "OK" && value != "NOT_CONFIGURED" {
			return false
		}
	}
	return true
}
