package telegram

import (
	"context"
	"fmt"
	"time"

	"relay_bot/internal/config"
	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/repository"
	"relay_bot/internal/telegram/service"

	"github.com/go-telegram/bot"
	"go.mongodb.org/mongo-driver/mongo"
)

// Config Telegram Bot 配置
type Config struct {
	Token     string  // Bot Token
	OwnerIDs  []int64 // Bot 管理员 IDs（adminonly 模式下唯一可用的用户）
	Debug     bool    // 是否开启调试模式
	Workers   int     // 命令工作池协程数
	QueueSize int     // 工作池队列大小

	// 实时转发单独的工作池，限流等待不占用命令协程
	RealtimeWorkers int
	SendRate        int    // 每秒发送上限
	ServerURL       string // Bot API 地址（测试用，默认官方）
}

// Services Bot 依赖的业务服务
type Services struct {
	Rules    service.RuleService
	Sessions service.SessionService
	Settings service.SettingService
	ScanRuns repository.ScanRunRepository
}

// ScanController /scan /stop /status 使用的扫描调度
type ScanController interface {
	Start(ctx context.Context, ownerID, notifyChatID int64) (*forward.StartReport, error)
	Stop(ownerID int64) int
	Running(ownerID int64) []forward.TaskSnapshot
}

// RealtimeDispatcher 实时转发入口
type RealtimeDispatcher interface {
	Dispatch(ctx context.Context, msg forward.Message) (int, error)
}

// Bot Telegram Bot 服务
type Bot struct {
	bot          *bot.Bot
	db           *mongo.Database
	ownerIDs     map[int64]struct{}
	transport    *BotTransport
	chatRefs     *chatRefCache
	workerPool   *WorkerPool
	realtimePool *WorkerPool
	startTime    time.Time

	ruleService    service.RuleService
	sessionService service.SessionService
	settingService service.SettingService
	scanRuns       repository.ScanRunRepository

	scanner    ScanController
	dispatcher RealtimeDispatcher
}

// New 创建 Telegram Bot 实例
func New(cfg Config, db *mongo.Database, services Services) (*Bot, error) {
	// 验证配置
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 32
	}
	if cfg.RealtimeWorkers <= 0 {
		cfg.RealtimeWorkers = cfg.Workers
	}

	telegramBot := &Bot{
		db:             db,
		ownerIDs:       make(map[int64]struct{}, len(cfg.OwnerIDs)),
		startTime:      time.Now(),
		chatRefs:       newChatRefCache(10 * time.Minute),
		ruleService:    services.Rules,
		sessionService: services.Sessions,
		settingService: services.Settings,
		scanRuns:       services.ScanRuns,
	}
	for _, id := range cfg.OwnerIDs {
		telegramBot.ownerIDs[id] = struct{}{}
	}

	// 创建 bot 实例
	opts := []bot.Option{
		bot.WithDefaultHandler(telegramBot.handleUpdate),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"message", "channel_post"}),
	}
	if cfg.Debug {
		opts = append(opts, bot.WithDebug())
	}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL), bot.WithSkipGetMe())
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	telegramBot.bot = b
	telegramBot.transport = NewBotTransport(b, forward.NewRateLimiter(cfg.SendRate))
	telegramBot.workerPool = NewWorkerPool(cfg.Workers, cfg.QueueSize)
	telegramBot.realtimePool = NewWorkerPool(cfg.RealtimeWorkers, cfg.RealtimeWorkers*64)

	// 注册 handlers
	telegramBot.registerHandlers()

	logger.L().Info("Telegram bot initialized successfully")
	return telegramBot, nil
}

// InitFromConfig 从应用配置初始化 Telegram Bot
func InitFromConfig(cfg *config.Config, db *mongo.Database, services Services) (*Bot, error) {
	telegramCfg := Config{
		Token:           cfg.TelegramToken,
		OwnerIDs:        cfg.BotOwnerIDs,
		Workers:         cfg.WorkerPoolSize,
		RealtimeWorkers: cfg.RealtimeWorkerPoolSize,
		SendRate:        cfg.BotSendRate,
	}
	return New(telegramCfg, db, services)
}

// Transport Bot 身份的传输层，同时用作通知发送
func (b *Bot) Transport() *BotTransport {
	return b.transport
}

// AttachForwarding 接入实时转发与扫描调度，scanner 为 nil 表示未配置用户 session
func (b *Bot) AttachForwarding(dispatcher RealtimeDispatcher, scanner ScanController) {
	b.dispatcher = dispatcher
	b.scanner = scanner
}

// Start 启动 Bot（阻塞式，应在 goroutine 中运行）
func (b *Bot) Start(ctx context.Context) error {
	logger.L().Info("Starting Telegram bot...")
	b.bot.Start(ctx)
	logger.L().Info("Telegram bot stopped")
	return nil
}

// Stop 停止接收后等待两个工作池中的任务完成
func (b *Bot) Stop(ctx context.Context) error {
	logger.L().Info("Stopping Telegram bot...")

	done := make(chan struct{})
	go func() {
		b.realtimePool.Shutdown()
		b.workerPool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not drain: %w", ctx.Err())
	}
}
