// mailzenctl 运维命令行：迁移表结构、手动同步、评估告警、清理台账、签名与签发令牌。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailzen/backend/internal/app"
	"mailzen/backend/internal/config"
	"mailzen/backend/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mailzenctl",
		Short:         "Operate the mailzen inbound sync and incident engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newMigrateCmd(),
		newSyncCmd(),
		newIncidentsCmd(),
		newPurgeCmd(),
		newSignCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

// loadRuntime 加载配置并组装依赖，调用方负责 Close
func loadRuntime(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
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
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	application, err := app.Build(cmd.Context(), cfg, log, opts)
	if err != nil {
		return nil, err
	}
	return application, nil
}

// closeRuntime 关闭依赖并刷新日志
func closeRuntime(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("failed to close resources", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

// printJSON 以缩进 JSON 输出命令结果
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
