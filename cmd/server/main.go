package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailzen/backend/internal/app"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/logger"
	"mailzen/backend/internal/service"
	httptransport "mailzen/backend/internal/transport/http"
)

// main 启动 HTTP 服务以及同步轮询、告警评估、过期清理三类定时任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailzen server",
		zap.String("env", cfg.App.Environment),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("sync_active", cfg.Sync.Active()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn("failed to close resources", zap.Error(err))
		}
	}()

	if application.JWT == nil {
		log.Warn("JWT secret not configured, operator routes disabled")
	}
	if msg := inboundAuthWarning(cfg); msg != "" {
		log.Warn(msg, zap.String("environment", cfg.App.Environment))
	}

	monitors := make([]httptransport.IncidentPreviewer, 0, 2)
	for _, m := range application.Monitors() {
		monitors = append(monitors, m)
	}
	router, err := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Inbound:       application.Inbound,
		Sync:          application.Sync,
		Monitors:      monitors,
		Notifications: application.Store,
		JWTManager:    application.JWT,
		Health:        application.Health,
		Metrics:       application.Metrics,
		Logger:        log,
	})
	if err != nil {
		log.Fatal("failed to build router", zap.Error(err))
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if cfg.Sync.Active() {
		group.Go(func() error {
			return runTicker(groupCtx, log, "mailbox sync", cfg.Sync.Interval, func(ctx context.Context) {
				if _, err := application.Sync.PollActiveMailboxes(ctx, service.PollOptions{TriggerSource: domain.TriggerScheduled}); err != nil && ctx.Err() == nil {
					log.Error("scheduled mailbox poll failed", zap.Error(err))
				}
			})
		})
	} else {
		log.Info("mailbox sync poller disabled", zap.Bool("enabled", cfg.Sync.Enabled))
	}

	alertConfigs := []config.AlertDomainConfig{cfg.Incident.Sync, cfg.Incident.InboundSLA}
	for i, monitor := range application.Monitors() {
		if !alertConfigs[i].Enabled {
			log.Info("incident monitor disabled", zap.String("domain", string(monitor.Domain())))
			continue
		}
		i, monitor := i, monitor
		group.Go(func() error {
			return runTicker(groupCtx, log, string(monitor.Domain()), alertConfigs[i].Interval, func(ctx context.Context) {
				if _, err := monitor.EvaluateIncidents(ctx); err != nil && ctx.Err() == nil {
					log.Error("incident evaluation failed", zap.String("domain", string(monitor.Domain())), zap.Error(err))
				}
			})
		})
	}

	if cfg.Retention.Enabled {
		group.Go(func() error {
			return runTicker(groupCtx, log, "retention purge", cfg.Retention.Interval, func(ctx context.Context) {
				if _, err := application.Retention.Purge(ctx); err != nil && ctx.Err() == nil {
					log.Error("retention purge failed", zap.Error(err))
				}
			})
		})
	}

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("HTTP server stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// runTicker 按固定间隔执行任务，任务在同一 goroutine 内串行，前一轮未结束不会开始下一轮
func runTicker(ctx context.Context, log *zap.Logger, name string, interval time.Duration, task func(context.Context)) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("starting periodic task", zap.String("task", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("periodic task stopped", zap.String("task", name))
			return nil
		case <-ticker.C:
			task(ctx)
		}
	}
}

// inboundAuthWarning 未配置 webhook token 时的启动提示；生产环境会拒绝所有入站请求
func inboundAuthWarning(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Inbound.WebhookToken) != "" {
		return ""
	}
	if cfg.App.IsProduction() {
		return "inbound webhook token not configured, all inbound requests will be rejected"
	}
	return "inbound webhook token not configured, inbound requests are accepted without authentication"
}
