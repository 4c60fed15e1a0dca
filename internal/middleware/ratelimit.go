package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mailzen/backend/internal/monitoring"
)

// limiterIdleTTL 超过该时长未出现的来源 IP 会被回收
const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig 限流参数
type RateLimitConfig struct {
	PerSecond     float64 // 单个来源 IP 每秒请求数，<=0 不按 IP 限流
	Burst         int
	MaxConcurrent int // 同时处理的请求数，<=0 不限制
	Scope         string
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按来源 IP 的令牌桶加全局并发上限
type RateLimiter struct {
	cfg      RateLimitConfig
	metrics  *monitoring.Metrics
	mu       sync.Mutex
	visitors map[string]*visitor
	slots    chan struct{}
	now      func() time.Time
	lastGC   time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg RateLimitConfig, metrics *monitoring.Metrics) *RateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Scope == "" {
		cfg.Scope = "http"
	}
	l := &RateLimiter{
		cfg:      cfg,
		metrics:  metrics,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	if cfg.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	l.lastGC = l.now()
	return l
}

// Allow 判断来源 IP 本次请求是否放行
func (l *RateLimiter) Allow(ip string) bool {
	if l.cfg.PerSecond <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > limiterIdleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Visitors 当前跟踪的来源 IP 数
func (l *RateLimiter) Visitors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware 超出速率返回 429，并发已满返回 503
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			l.metrics.RecordRateLimitBlock(l.cfg.Scope)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}

		if l.slots != nil {
			select {
			case l.slots <- struct{}{}:
				defer func() { <-l.slots }()
			default:
				l.metrics.RecordRateLimitBlock(l.cfg.Scope + "_concurrency")
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"code": http.StatusServiceUnavailable,
					"msg":  "服务繁忙，请稍后再试",
				})
				return
			}
		}

		c.Next()
	}
}
