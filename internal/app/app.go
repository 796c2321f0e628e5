package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/config"
	"relay_bot/internal/crypto"
	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/mongo"
	"relay_bot/internal/mtproto"
	"relay_bot/internal/telegram"
	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/repository"
	"relay_bot/internal/telegram/service"

	"golang.org/x/sync/errgroup"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	MongoDB     *mongo.Client
	TelegramBot *telegram.Bot
	Scanner     *forward.Scanner
	Metrics     *metrics.Server

	cfg *config.Config
}

// repositories 所有仓储
type repositories struct {
	rules    repository.RuleRepository
	sessions repository.SessionRepository
	settings repository.SettingRepository
	scanRuns repository.ScanRunRepository
}

// New 初始化应用及其所有服务
// 按顺序初始化各个服务，任何服务初始化失败都会返回错误
func New(cfg *config.Config) (*App, error) {
	if err := cfg.ValidateBot(); err != nil {
		return nil, err
	}
	app := &App{cfg: cfg}

	metrics.Init()
	app.Metrics = metrics.NewServer(cfg.MetricsAddr)

	// 初始化 MongoDB
	mongoClient, err := mongo.InitFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init MongoDB failed: %w", err)
	}
	app.MongoDB = mongoClient
	logger.L().Info("MongoDB initialized successfully")

	sealer, err := newSealer(cfg)
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repos, err := prepareStorage(ctx, cfg, mongoClient, sealer)
	if err != nil {
		app.Close(context.Background()) // 清理已初始化的服务
		return nil, err
	}

	// 用户 session 客户端（未配置 API 凭据时不支持 /login 与 /scan）
	var client *mtproto.Client
	if cfg.ScanEnabled() {
		client, err = mtproto.New(cfg.MTProto, cfg.Scan.TransportTimeout)
		if err != nil {
			app.Close(context.Background())
			return nil, fmt.Errorf("init MTProto client failed: %w", err)
		}
	} else {
		logger.L().Warn("TELEGRAM_API_ID/TELEGRAM_API_HASH not set, history scan is disabled")
	}

	var sessionService service.SessionService
	if client != nil {
		sessionService = service.NewSessionService(repos.sessions, client, sealer)
	} else {
		sessionService = service.NewSessionService(repos.sessions, unavailableSessionClient{}, sealer)
	}

	// 初始化 Telegram Bot
	bot, err := telegram.InitFromConfig(cfg, mongoClient.Database(), telegram.Services{
		Rules:    service.NewRuleService(repos.rules),
		Sessions: sessionService,
		Settings: service.NewSettingService(repos.settings),
		ScanRuns: repos.scanRuns,
	})
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init Telegram bot failed: %w", err)
	}
	app.TelegramBot = bot

	// 实时转发与扫描共用同一个任务注册表
	registry := forward.NewRegistry()
	transport := bot.Transport()
	dispatcher := forward.NewDispatcher(repos.rules, registry, transport, transport, forward.DispatcherOptions{
		MaxTransientRetries: cfg.Scan.MaxTransientRetries,
		Timeout:             cfg.Scan.TransportTimeout,
	})

	if client != nil {
		engine := forward.NewScanEngine(repos.rules, forward.ScanOptions{
			PageSize:            cfg.Scan.PageSize,
			PauseEvery:          cfg.Scan.PauseEvery,
			PauseDuration:       cfg.Scan.PauseDuration,
			MaxTransientRetries: cfg.Scan.MaxTransientRetries,
			Timeout:             cfg.Scan.TransportTimeout,
		})
		app.Scanner = forward.NewScanner(repos.rules, repos.scanRuns, sessionService, client, registry, engine, transport,
			forward.ScannerOptions{
				Concurrency:    cfg.Scan.Concurrency,
				Timeout:        cfg.Scan.TransportTimeout,
				ConnectTimeout: cfg.Scan.ConnectTimeout,
			})
		bot.AttachForwarding(dispatcher, app.Scanner)
	} else {
		bot.AttachForwarding(dispatcher, nil)
	}

	return app, nil
}

// newSealer session 加密（可选）
func newSealer(cfg *config.Config) (crypto.Sealer, error) {
	if cfg.SessionEncryptionKey == "" {
		logger.L().Warn("SESSION_ENCRYPTION_KEY is not set, user sessions are stored unencrypted")
		return nil, nil
	}
	sealer, err := crypto.NewAESSealer(cfg.SessionEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init session encryption failed: %w", err)
	}
	return sealer, nil
}

// prepareStorage 建立仓储、确保索引并迁移旧版规则与 session
func prepareStorage(ctx context.Context, cfg *config.Config, client *mongo.Client, sealer crypto.Sealer) (*repositories, error) {
	db := client.Database()
	repos := &repositories{
		rules:    repository.NewMongoRuleRepository(db),
		sessions: repository.NewMongoSessionRepository(db),
		settings: repository.NewMongoSettingRepository(db),
		scanRuns: repository.NewScanRunRepository(db),
	}

	// 初始化数据库索引
	for name, ensure := range map[string]func(context.Context) error{
		"forward_rules": repos.rules.EnsureIndexes,
		"user_sessions": repos.sessions.EnsureIndexes,
		"scan_runs":     repos.scanRuns.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure %s indexes: %w", name, err)
		}
		logger.L().Debugf("%s indexes ensured", name)
	}

	if err := migrateLegacyRules(ctx, cfg, client, repos.rules); err != nil {
		return nil, err
	}
	if err := migrateLegacySessions(ctx, cfg, client, repos.sessions, sealer); err != nil {
		return nil, err
	}
	return repos, nil
}

func migrateLegacyRules(ctx context.Context, cfg *config.Config, client *mongo.Client, rules repository.RuleRepository) error {
	migrator := repository.NewLegacyRuleMigrator(client.Database(), cfg.LegacyRulesCollection, rules)
	result, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("legacy rule migration failed: %w", err)
	}
	if result.Documents > 0 {
		logger.L().Infof("Migrated legacy rules: documents=%d, rules=%d, skipped=%d",
			result.Documents, result.Rules, result.Skipped)
	}
	return nil
}

func migrateLegacySessions(ctx context.Context, cfg *config.Config, client *mongo.Client, sessions repository.SessionRepository, sealer crypto.Sealer) error {
	migrator := repository.NewLegacySessionMigrator(client.Database(), cfg.LegacyUsersCollection, sessions,
		mtproto.ParseCredential, sealer)
	result, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("legacy session migration failed: %w", err)
	}
	if result.Documents > 0 {
		logger.L().Infof("Migrated legacy sessions: documents=%d, sessions=%d, existing=%d, skipped=%d",
			result.Documents, result.Sessions, result.Existing, result.Skipped)
	}
	return nil
}

// Migrate 只执行索引与旧版数据迁移（bot migrate 子命令）
func Migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.MongoURI == "" {
		return errors.New("MONGO_URI is required")
	}
	client, err := mongo.InitFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init MongoDB failed: %w", err)
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.L().Warnf("Failed to close MongoDB: %v", err)
		}
	}()

	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}
	_, err = prepareStorage(ctx, cfg, client, sealer)
	return err
}

// Run 运行 Bot 与指标服务，ctx 取消后优雅退出
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.TelegramBot.Start(gctx)
	})
	g.Go(func() error {
		return a.Metrics.Run(gctx)
	})

	<-gctx.Done()
	a.shutdown()

	return g.Wait()
}

// shutdown 停止扫描并等待工作池
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Scanner != nil {
		if err := a.Scanner.Shutdown(ctx); err != nil {
			logger.L().Warnf("Scanner shutdown incomplete: %v", err)
		}
	}
	if a.TelegramBot != nil {
		if err := a.TelegramBot.Stop(ctx); err != nil {
			logger.L().Warnf("Telegram bot shutdown incomplete: %v", err)
		}
	}
}

// Close 优雅关闭所有服务
// 应该在应用退出时调用，确保资源正确释放
func (a *App) Close(ctx context.Context) error {
	if a.MongoDB != nil {
		if err := a.MongoDB.Close(ctx); err != nil {
			return fmt.Errorf("close MongoDB failed: %w", err)
		}
	}
	return nil
}

// unavailableSessionClient 未配置 API 凭据时 /login 的占位实现
type unavailableSessionClient struct{}

var errScanDisabled = errors.New("TELEGRAM_API_ID and TELEGRAM_API_HASH are not configured")

func (unavailableSessionClient) Parse(ctx context.Context, input string) ([]byte, error) {
	return []byte(input), nil
}

func (unavailableSessionClient) Verify(ctx context.Context, credential []byte) (string, error) {
	return "", errScanDisabled
}
