package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 应用程序配置
type Config struct {
	TelegramToken          string  // Telegram Bot API Token
	BotOwnerIDs            []int64 // Bot管理员ID列表（adminonly 模式下唯一可用的用户）
	MongoURI               string  // MongoDB连接URI
	MongoDBName            string  // MongoDB数据库名称
	LegacyRulesCollection  string  // 旧版转发规则集合（启动时迁移）
	LegacyUsersCollection  string  // 旧版用户集合，session_string 启动时迁移
	SessionEncryptionKey   string  // 用户 session 加密密钥（base64, 32字节，可选）
	MetricsAddr            string  // Prometheus 指标监听地址（为空则不启动）
	WorkerPoolSize         int     // Handler 工作池协程数
	RealtimeWorkerPoolSize int     // 实时转发工作池协程数
	BotSendRate            int     // Bot API 每秒发送上限
	MTProto                MTProtoConfig
	Scan                   ScanConfig
}

// MTProtoConfig 用户 session 客户端配置
type MTProtoConfig struct {
	AppID   int
	AppHash string
	Debug   bool
}

// ScanConfig 历史扫描相关配置
type ScanConfig struct {
	PageSize            int           // 每页拉取的历史消息数
	PauseEvery          int           // 每成功转发多少条暂停一次
	PauseDuration       time.Duration // 暂停时长
	Concurrency         int           // 同一次 /scan 中并发扫描的规则数
	MaxTransientRetries int           // 非限流错误的最大重试次数
	TransportTimeout    time.Duration // 单次网络调用超时
	ConnectTimeout      time.Duration // 建立用户 session 的超时
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	mongoDBName := os.Getenv("MONGO_DB_NAME")
	if mongoDBName == "" {
		mongoDBName = "relay_bot"
	}

	legacyCollection := strings.TrimSpace(os.Getenv("LEGACY_RULES_COLLECTION"))
	if legacyCollection == "" {
		legacyCollection = "forwards"
	}

	legacyUsers := strings.TrimSpace(os.Getenv("LEGACY_USERS_COLLECTION"))
	if legacyUsers == "" {
		legacyUsers = "users"
	}

	cfg := &Config{
		TelegramToken:         os.Getenv("TELEGRAM_TOKEN"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDBName:           mongoDBName,
		LegacyRulesCollection: legacyCollection,
		LegacyUsersCollection: legacyUsers,
		SessionEncryptionKey:  strings.TrimSpace(os.Getenv("SESSION_ENCRYPTION_KEY")),
		MetricsAddr:           strings.TrimSpace(os.Getenv("METRICS_ADDR")),
	}

	// 解析BOT_OWNER_IDS
	ownerIDsStr := os.Getenv("BOT_OWNER_IDS")
	if ownerIDsStr != "" {
		var err error
		cfg.BotOwnerIDs, err = parseOwnerIDs(ownerIDsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse BOT_OWNER_IDS: %w", err)
		}
	}

	var err error
	if cfg.RealtimeWorkerPoolSize, err = intFromEnv("REALTIME_WORKER_POOL_SIZE", 4, 1); err != nil {
		return nil, err
	}
	if cfg.WorkerPoolSize, err = intFromEnv("WORKER_POOL_SIZE", 8, 1); err != nil {
		return nil, err
	}
	if cfg.BotSendRate, err = intFromEnv("BOT_SEND_RATE", 25, 1); err != nil {
		return nil, err
	}

	mtprotoCfg, err := loadMTProtoConfig()
	if err != nil {
		return nil, err
	}
	cfg.MTProto = mtprotoCfg

	scanCfg, err := loadScanConfig()
	if err != nil {
		return nil, err
	}
	cfg.Scan = scanCfg

	return cfg, nil
}

// parseOwnerIDs 解析逗号分隔的用户ID字符串
// 支持格式: "123456789" 或 "123456789,987654321"
func parseOwnerIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid owner ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func loadMTProtoConfig() (MTProtoConfig, error) {
	var cfg MTProtoConfig

	if appIDStr := strings.TrimSpace(os.Getenv("TELEGRAM_API_ID")); appIDStr != "" {
		appID, err := strconv.Atoi(appIDStr)
		if err != nil || appID <= 0 {
			return MTProtoConfig{}, fmt.Errorf("invalid TELEGRAM_API_ID: %s", appIDStr)
		}
		cfg.AppID = appID
	}
	cfg.AppHash = strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))

	if debug := strings.TrimSpace(os.Getenv("MTPROTO_DEBUG")); debug != "" {
		value, err := strconv.ParseBool(debug)
		if err != nil {
			return MTProtoConfig{}, fmt.Errorf("failed to parse MTPROTO_DEBUG: %w", err)
		}
		cfg.Debug = value
	}

	return cfg, nil
}

func loadScanConfig() (ScanConfig, error) {
	var (
		cfg ScanConfig
		err error
	)

	if cfg.PageSize, err = intFromEnv("SCAN_PAGE_SIZE", 100, 1); err != nil {
		return ScanConfig{}, err
	}
	if cfg.PageSize > 100 {
		// messages.getHistory 单页上限
		return ScanConfig{}, fmt.Errorf("SCAN_PAGE_SIZE must be <= 100, got %d", cfg.PageSize)
	}
	if cfg.PauseEvery, err = intFromEnv("SCAN_PAUSE_EVERY", 100, 0); err != nil {
		return ScanConfig{}, err
	}
	pauseSeconds, err := intFromEnv("SCAN_PAUSE_SECONDS", 10, 0)
	if err != nil {
		return ScanConfig{}, err
	}
	cfg.PauseDuration = time.Duration(pauseSeconds) * time.Second

	if cfg.Concurrency, err = intFromEnv("SCAN_CONCURRENCY", 1, 1); err != nil {
		return ScanConfig{}, err
	}
	if cfg.MaxTransientRetries, err = intFromEnv("FORWARD_MAX_TRANSIENT_RETRIES", 2, 0); err != nil {
		return ScanConfig{}, err
	}
	timeoutSeconds, err := intFromEnv("TRANSPORT_TIMEOUT_SECONDS", 60, 1)
	if err != nil {
		return ScanConfig{}, err
	}
	cfg.TransportTimeout = time.Duration(timeoutSeconds) * time.Second

	connectSeconds, err := intFromEnv("SCAN_CONNECT_TIMEOUT_SECONDS", 120, 1)
	if err != nil {
		return ScanConfig{}, err
	}
	cfg.ConnectTimeout = time.Duration(connectSeconds) * time.Second

	return cfg, nil
}

// intFromEnv 读取整数环境变量，未设置时返回默认值
func intFromEnv(key string, def, min int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if value < min {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, min, value)
	}
	return value, nil
}

// ValidateBot 检查启动 Bot 所需的配置
func (c *Config) ValidateBot() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	return nil
}

// ScanEnabled 是否配置了用户 session 所需的 API 凭据
func (c *Config) ScanEnabled() bool {
	return c.MTProto.AppID != 0 && c.MTProto.AppHash != ""
}
