package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig 定义运行环境
type AppConfig struct {
	Environment string // 运行环境: production / development / test
}

// IsProduction 是否为生产环境
func (a AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，留空时使用本地内存缓存
	Password string // Redis 认证密码
	DB       int    // Redis 数据库编号
}

// Enabled 是否配置了 Redis
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// JWTConfig 定义运维接口的 JWT 认证配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，留空则运维接口关闭
	Issuer       string        // JWT 签发者标识，默认 "mailzen"
	AccessExpiry time.Duration // 访问令牌有效期，默认 1 小时
}

// SyncConfig 定义外部拉取 API 与轮询器配置
type SyncConfig struct {
	Enabled            bool          // 是否启动定时轮询
	Interval           time.Duration // 定时轮询间隔
	APIBaseURL         string        // 外部同步服务地址
	APIToken           string        // 外部同步服务令牌
	TokenHeader        string        // 令牌头: "authorization" 使用 Bearer，其它值作为头名直接携带
	CursorParam        string        // 游标查询参数名，默认 "cursor"
	BatchLimit         int           // 单次拉取条数 [1,200]
	Timeout            time.Duration // 单次请求超时 [500ms,60s]
	MaxRetries         int           // 可重试失败的最大重试次数 [0,6]
	RetryBackoff       time.Duration // 线性退避基数 [50ms,30s]
	RetryJitter        time.Duration // 随机抖动上限 [0,10s]
	MaxMailboxesPerRun int           // 单轮最多处理邮箱数 [1,5000]
	FailFast           bool          // 单封入库失败时是否中止整批
	Concurrency        int           // 并发轮询的邮箱数 [1,64]
	RequestsPerSecond  float64       // 外部 API 请求速率上限，<=0 不限速
}

// Active 同步是否真正可用（开启且配置了服务地址）
func (s SyncConfig) Active() bool {
	return s.Enabled && s.APIBaseURL != ""
}

// LeaseConfig 定义邮箱同步租约
type LeaseConfig struct {
	TTL time.Duration // 租约有效期 [30s,3600s]，需大于单邮箱最坏轮询耗时
}

// InboundConfig 定义入站 webhook 认证与去重配置
type InboundConfig struct {
	WebhookToken        string        // 共享密钥
	SigningKey          string        // HMAC 签名密钥，配置后签名必填
	SignatureTolerance  time.Duration // 签名时间戳允许偏差
	LegacyMessageLookup bool          // 去重时是否回退查询历史邮件的 inboundMessageId
	DedupCacheTTL       time.Duration // 去重提示缓存有效期
	MaxBodyBytes        int64         // webhook 请求体上限
	RateLimitPerSecond  float64       // 单个来源 IP 每秒请求数上限，<=0 不限流
	RateLimitBurst      int           // 单个来源 IP 的突发容量
	MaxConcurrent       int           // 同时处理的 webhook 请求上限，<=0 不限制
}

// AlertDomainConfig 定义一类事件告警的窗口、冷却与阈值
type AlertDomainConfig struct {
	Enabled         bool
	Interval        time.Duration // 评估间隔
	WindowHours     int           // 统计窗口 [1,168]
	Cooldown        time.Duration // 冷却时间 [1m,1440m]
	MaxUsersPerRun  int           // 单轮最多评估用户数
	WarningPercent  float64       // 告警阈值（百分比）
	CriticalPercent float64       // 严重阈值（百分比），不低于 WarningPercent
	MinIncidents    int           // 触发告警的最少事件数
}

// IncidentConfig 汇总各告警类别
type IncidentConfig struct {
	Sync       AlertDomainConfig
	InboundSLA AlertDomainConfig
}

// RetentionConfig 定义台账与入站事件的保留策略
type RetentionConfig struct {
	Enabled          bool
	Interval         time.Duration
	SyncRunDays      int
	InboundEventDays int
}

// NotificationConfig 定义通知总线的外部 webhook 投递
type NotificationConfig struct {
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	App          AppConfig
	Server       ServerConfig
	CORS         CORSConfig
	Log          LogConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Sync         SyncConfig
	Lease        LeaseConfig
	Inbound      InboundConfig
	Incident     IncidentConfig
	Retention    RetentionConfig
	Notification NotificationConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILZEN_，例如 MAILZEN_SYNC_BATCH_LIMIT、MAILZEN_INBOUND_WEBHOOK_TOKEN。
// 数值配置超出范围时会被夹到边界值，而不是报错。
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("mailzen")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = time.Hour
	}

	jwtSecret := viper.GetString("jwt.secret")
	if jwtSecret != "" && len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("sync.api_base_url")), "/")
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid sync.api_base_url: %q", baseURL)
		}
	}

	dbType := strings.ToLower(viper.GetString("database.type"))
	switch dbType {
	case "", "postgres", "postgresql", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database.type: %s (supported: mysql, postgres)", dbType)
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	tokenHeader := strings.ToLower(strings.TrimSpace(viper.GetString("sync.api_token_header")))
	if tokenHeader == "" {
		tokenHeader = "authorization"
	}
	cursorParam := strings.TrimSpace(viper.GetString("sync.cursor_param"))
	if cursorParam == "" {
		cursorParam = "cursor"
	}

	cfg := &Config{
		App: AppConfig{
			Environment: strings.ToLower(viper.GetString("app.env")),
		},
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: parseBool(viper.GetString("log.development"), false),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       viper.GetString("jwt.issuer"),
			AccessExpiry: accessExpiry,
		},
		Sync: SyncConfig{
			Enabled:            parseBool(viper.GetString("sync.enabled"), true),
			Interval:           time.Duration(clampInt(viper.GetInt("sync.interval_seconds"), 60, 10, 86400)) * time.Second,
			APIBaseURL:         baseURL,
			APIToken:           viper.GetString("sync.api_token"),
			TokenHeader:        tokenHeader,
			CursorParam:        cursorParam,
			BatchLimit:         clampInt(viper.GetInt("sync.batch_limit"), 25, 1, 200),
			Timeout:            millis(clampInt(viper.GetInt("sync.timeout_ms"), 5000, 500, 60000)),
			MaxRetries:         clampInt(viper.GetInt("sync.max_retries"), 2, 0, 6),
			RetryBackoff:       millis(clampInt(viper.GetInt("sync.retry_backoff_ms"), 250, 50, 30000)),
			RetryJitter:        millis(clampInt(viper.GetInt("sync.retry_jitter_ms"), 125, 0, 10000)),
			MaxMailboxesPerRun: clampInt(viper.GetInt("sync.max_mailboxes_per_run"), 250, 1, 5000),
			FailFast:           parseBool(viper.GetString("sync.fail_fast"), true),
			Concurrency:        clampInt(viper.GetInt("sync.concurrency"), 4, 1, 64),
			RequestsPerSecond:  clampFloat(viper.GetFloat64("sync.requests_per_second"), 0, 0, 1000),
		},
		Lease: LeaseConfig{
			TTL: time.Duration(clampInt(viper.GetInt("lease.ttl_seconds"), 180, 30, 3600)) * time.Second,
		},
		Inbound: InboundConfig{
			WebhookToken:        strings.TrimSpace(viper.GetString("inbound.webhook_token")),
			SigningKey:          strings.TrimSpace(viper.GetString("inbound.signing_key")),
			SignatureTolerance:  millis(clampInt(viper.GetInt("inbound.signature_tolerance_ms"), 300000, 1000, 86400000)),
			LegacyMessageLookup: parseBool(viper.GetString("inbound.legacy_message_lookup"), true),
			DedupCacheTTL:       time.Duration(clampInt(viper.GetInt("inbound.dedup_cache_ttl_seconds"), 3600, 0, 604800)) * time.Second,
			MaxBodyBytes:        int64(clampInt(viper.GetInt("inbound.max_body_bytes"), 10*1024*1024, 1024, 50*1024*1024)),
			RateLimitPerSecond:  clampFloat(viper.GetFloat64("inbound.rate_limit_per_second"), 0, 0, 10000),
			RateLimitBurst:      clampInt(viper.GetInt("inbound.rate_limit_burst"), 20, 1, 10000),
			MaxConcurrent:       clampInt(viper.GetInt("inbound.max_concurrent"), 0, 0, 10000),
		},
		Incident: IncidentConfig{
			Sync:       loadAlertDomain("incident.sync", 10, 25),
			InboundSLA: loadAlertDomain("incident.inbound_sla", 1, 5),
		},
		Retention: RetentionConfig{
			Enabled:          parseBool(viper.GetString("retention.enabled"), true),
			Interval:         time.Duration(clampInt(viper.GetInt("retention.interval_hours"), 24, 1, 168)) * time.Hour,
			SyncRunDays:      clampInt(viper.GetInt("retention.sync_run_days"), 30, 1, 3650),
			InboundEventDays: clampInt(viper.GetInt("retention.inbound_event_days"), 30, 1, 3650),
		},
		Notification: NotificationConfig{
			WebhookURL:     strings.TrimSpace(viper.GetString("notification.webhook_url")),
			WebhookSecret:  viper.GetString("notification.webhook_secret"),
			WebhookTimeout: millis(clampInt(viper.GetInt("notification.webhook_timeout_ms"), 10000, 500, 60000)),
		},
	}

	return cfg, nil
}

// setDefaults 注册全部配置项的默认值
func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", "false")
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.issuer", "mailzen")
	viper.SetDefault("jwt.access_expiry", "1h")

	viper.SetDefault("sync.enabled", "true")
	viper.SetDefault("sync.interval_seconds", 60)
	viper.SetDefault("sync.api_base_url", "")
	viper.SetDefault("sync.api_token", "")
	viper.SetDefault("sync.api_token_header", "authorization")
	viper.SetDefault("sync.cursor_param", "cursor")
	viper.SetDefault("sync.batch_limit", 25)
	viper.SetDefault("sync.timeout_ms", 5000)
	viper.SetDefault("sync.max_retries", 2)
	viper.SetDefault("sync.retry_backoff_ms", 250)
	viper.SetDefault("sync.retry_jitter_ms", 125)
	viper.SetDefault("sync.max_mailboxes_per_run", 250)
	viper.SetDefault("sync.fail_fast", "true")
	viper.SetDefault("sync.concurrency", 4)
	viper.SetDefault("sync.requests_per_second", 0)

	viper.SetDefault("lease.ttl_seconds", 180)

	viper.SetDefault("inbound.webhook_token", "")
	viper.SetDefault("inbound.signing_key", "")
	viper.SetDefault("inbound.signature_tolerance_ms", 300000)
	viper.SetDefault("inbound.legacy_message_lookup", "true")
	viper.SetDefault("inbound.dedup_cache_ttl_seconds", 3600)
	viper.SetDefault("inbound.max_body_bytes", 10*1024*1024)
	viper.SetDefault("inbound.rate_limit_per_second", 0)
	viper.SetDefault("inbound.rate_limit_burst", 20)
	viper.SetDefault("inbound.max_concurrent", 0)

	for _, prefix := range []string{"incident.sync", "incident.inbound_sla"} {
		viper.SetDefault(prefix+".enabled", "true")
		viper.SetDefault(prefix+".interval_seconds", 300)
		viper.SetDefault(prefix+".window_hours", 24)
		viper.SetDefault(prefix+".cooldown_minutes", 60)
		viper.SetDefault(prefix+".max_users_per_run", 500)
		viper.SetDefault(prefix+".min_incidents", 1)
	}
	viper.SetDefault("incident.sync.warning_percent", 10)
	viper.SetDefault("incident.sync.critical_percent", 25)
	viper.SetDefault("incident.inbound_sla.warning_percent", 1)
	viper.SetDefault("incident.inbound_sla.critical_percent", 5)

	viper.SetDefault("retention.enabled", "true")
	viper.SetDefault("retention.interval_hours", 24)
	viper.SetDefault("retention.sync_run_days", 30)
	viper.SetDefault("retention.inbound_event_days", 30)

	viper.SetDefault("notification.webhook_url", "")
	viper.SetDefault("notification.webhook_secret", "")
	viper.SetDefault("notification.webhook_timeout_ms", 10000)
}

// loadAlertDomain 读取某类告警配置，critical 不低于 warning
func loadAlertDomain(prefix string, warningFallback, criticalFallback float64) AlertDomainConfig {
	warning := clampFloat(viper.GetFloat64(prefix+".warning_percent"), warningFallback, 0, 100)
	critical := clampFloat(viper.GetFloat64(prefix+".critical_percent"), criticalFallback, 0, 100)
	if critical < warning {
		critical = warning
	}
	return AlertDomainConfig{
		Enabled:         parseBool(viper.GetString(prefix+".enabled"), true),
		Interval:        time.Duration(clampInt(viper.GetInt(prefix+".interval_seconds"), 300, 30, 86400)) * time.Second,
		WindowHours:     clampInt(viper.GetInt(prefix+".window_hours"), 24, 1, 168),
		Cooldown:        time.Duration(clampInt(viper.GetInt(prefix+".cooldown_minutes"), 60, 1, 1440)) * time.Minute,
		MaxUsersPerRun:  clampInt(viper.GetInt(prefix+".max_users_per_run"), 500, 1, 5000),
		WarningPercent:  warning,
		CriticalPercent: critical,
		MinIncidents:    clampInt(viper.GetInt(prefix+".min_incidents"), 1, 1, 100000),
	}
}

// clampInt 将整数夹在 [lo,hi]
//
// 值为 0 且 lo > 0 时视为未设置（或无法解析），返回 fallback。
func clampInt(value, fallback, lo, hi int) int {
	if value == 0 && lo > 0 {
		value = fallback
	}
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// clampFloat 将浮点数夹在 [lo,hi]，NaN/Inf 使用 fallback
func clampFloat(value, fallback, lo, hi float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = fallback
	}
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// parseBool 解析布尔开关：false/0/off/no 为 false，true/1/on/yes 为 true，其它取 fallback
func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "false", "0", "off", "no":
		return false
	case "true", "1", "on", "yes":
		return true
	default:
		return fallback
	}
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
