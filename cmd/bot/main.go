package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay_bot/internal/app"
	"relay_bot/internal/config"
	"relay_bot/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// 本地开发读取 .env，生产环境直接使用环境变量
	_ = godotenv.Load()

	// 初始化logger
	logger.Init()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	cmd := &cobra.Command{
		Use:          "bot",
		Short:        "Telegram video relay bot",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	cmd.AddCommand(serve, newMigrateCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				logger.L().Errorf("配置加载失败: %v", err)
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				logger.L().Errorf("应用初始化失败: %v", err)
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := application.Close(ctx); err != nil {
					logger.L().Errorf("关闭失败: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.L().Info("Relay bot started")
			if err := application.Run(ctx); err != nil {
				logger.L().Errorf("运行失败: %v", err)
				return err
			}
			logger.L().Info("Relay bot stopped")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Ensure indexes and convert legacy forward rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				logger.L().Errorf("配置加载失败: %v", err)
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			if err := app.Migrate(ctx, cfg); err != nil {
				logger.L().Errorf("迁移失败: %v", err)
				return err
			}
			logger.L().Info("Migration finished")
			return nil
		},
	}
}
