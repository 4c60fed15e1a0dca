// Package app 按配置组装存储、缓存、通知总线与各业务服务，供 server 与 mailzenctl 共用。
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	jwtpkg "mailzen/backend/internal/auth/jwt"
	"mailzen/backend/internal/cache"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/health"
	"mailzen/backend/internal/monitoring"
	"mailzen/backend/internal/notification"
	"mailzen/backend/internal/service"
	"mailzen/backend/internal/storage"
	"mailzen/backend/internal/storage/memory"
	"mailzen/backend/internal/storage/postgres"
	redisstore "mailzen/backend/internal/storage/redis"
	"mailzen/backend/internal/syncclient"
)

// localCacheSize 未配置 Redis 时本地幂等缓存的容量
const localCacheSize = 100000

// Options 组装选项
type Options struct {
	// Metrics 为 nil 时在默认注册表上创建
	Metrics *monitoring.Metrics
	// SkipMigrate 为 true 时打开数据库后不执行 AutoMigrate
	SkipMigrate bool
}

// App 组装完成的运行时对象
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	Store   storage.Store
	Cache   storage.DedupCache
	Bus     *notification.Bus
	Health  *health.HealthChecker
	JWT     *jwtpkg.Manager // 未配置密钥时为 nil
	Fetcher *syncclient.Client

	Inbound     *service.InboundService
	Leases      *service.LeaseManager
	Sync        *service.SyncService
	SyncMonitor *service.IncidentMonitor
	SLAMonitor  *service.IncidentMonitor
	Retention   *service.RetentionService

	closers []func() error
}

// Build 按配置创建全部依赖。失败时已打开的连接会被关闭。
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	a := &App{Config: cfg, Logger: log, Metrics: metrics}

	store, err := a.openStore(ctx, opts.SkipMigrate)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = store

	var redisPinger health.Pinger
	if cfg.Redis.Enabled() {
		rc, err := redisstore.New(ctx, &cfg.Redis, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		a.Cache = redisstore.NewDedupCache(rc.Client(), cfg.Inbound.DedupCacheTTL, log)
		redisPinger = rc
	} else {
		local := cache.NewLocalCache(localCacheSize, cfg.Inbound.DedupCacheTTL)
		a.closers = append(a.closers, func() error { local.Close(); return nil })
		a.Cache = local
		log.Info("redis not configured, using local dedup cache")
	}
	a.Health = health.NewHealthChecker(store, redisPinger, log)

	dispatchers := []notification.Dispatcher{notification.NewLogDispatcher(log)}
	if webhook := notification.NewWebhookDispatcher(&cfg.Notification, log); webhook != nil {
		dispatchers = append(dispatchers, webhook)
	}
	a.Bus = notification.NewBus(store, store, log, dispatchers...).WithMetrics(metrics)

	if cfg.JWT.Secret != "" {
		a.JWT = jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	}

	a.Fetcher = syncclient.New(&cfg.Sync, log, syncclient.WithMetrics(metrics))
	a.Inbound = service.NewInboundService(store, a.Cache, a.Bus, cfg, log).WithMetrics(metrics)
	a.Leases = service.NewLeaseManager(store, cfg.Lease.TTL, log).WithMetrics(metrics)
	a.Sync = service.NewSyncService(store, a.Fetcher, a.Inbound, a.Leases, a.Bus, &cfg.Sync, log).WithMetrics(metrics)
	a.SyncMonitor = service.NewSyncIncidentMonitor(store, a.Bus, cfg.Incident.Sync, log).WithMetrics(metrics)
	a.SLAMonitor = service.NewInboundSLAMonitor(store, a.Bus, cfg.Incident.InboundSLA, log).WithMetrics(metrics)
	a.Retention = service.NewRetentionService(store, cfg.Retention, log).WithMetrics(metrics)

	return a, nil
}

// openStore 根据 database.type 选择存储后端，留空使用内存存储
func (a *App) openStore(ctx context.Context, skipMigrate bool) (storage.Store, error) {
	cfg := a.Config.Database
	opts := postgres.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		SkipMigrate:     skipMigrate,
	}

	switch cfg.Type {
	case "":
		a.Logger.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	case "postgres", "postgresql":
		client, err := postgres.NewClient(ctx, &cfg, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		store, err := postgres.NewStoreFromPool(client.Pool(), opts)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.Logger.Info("using database storage", zap.String("type", "postgres"))
		return store, nil
	case "mysql":
		store, err := postgres.NewMySQLStore(cfg.DSN, opts)
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		a.Logger.Info("using database storage", zap.String("type", "mysql"))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database.type: %s", cfg.Type)
	}
}

// Monitors 返回全部告警评估器
func (a *App) Monitors() []*service.IncidentMonitor {
	return []*service.IncidentMonitor{a.SyncMonitor, a.SLAMonitor}
}

// Close 关闭存储与外部连接，按打开顺序的逆序执行
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
