package service

import (
	"context"
	"errors"

	"relay_bot/internal/telegram/models"
)

var (
	// ErrSameChat 源与目标相同
	ErrSameChat = errors.New("source and destination are the same chat")
	// ErrInvalidSession 无法识别的 session 字符串
	ErrInvalidSession = errors.New("invalid session")
	// ErrEncryptionUnavailable session 已加密但未配置密钥
	ErrEncryptionUnavailable = errors.New("session is encrypted but no encryption key is configured")
)

// RuleService 转发规则业务逻辑接口
type RuleService interface {
	// SetRule 创建规则，已存在时只推进断点
	SetRule(ctx context.Context, key models.RuleKey, lastProcessedID int) (*models.ForwardRule, error)

	// UnsetRule 删除单条规则
	UnsetRule(ctx context.Context, key models.RuleKey) (bool, error)

	// UnsetBySource 删除用户以该会话为源的所有规则
	UnsetBySource(ctx context.Context, ownerID, sourceChatID int64) (int64, error)

	// UnsetByDestination 删除用户以该会话为目标的所有规则
	UnsetByDestination(ctx context.Context, ownerID, destinationChatID int64) (int64, error)

	// ListRules 列出用户的所有规则
	ListRules(ctx context.Context, ownerID int64) ([]*models.ForwardRule, error)
}

// SessionService 用户 session 业务逻辑接口，同时作为扫描的凭据来源
type SessionService interface {
	// Login 校验并保存 session，返回账号名称
	Login(ctx context.Context, ownerID int64, input string) (string, error)

	// Logout 删除 session
	Logout(ctx context.Context, ownerID int64) (bool, error)

	// Load 读取解密后的凭据，未登录返回 forward.ErrNoCredential
	Load(ctx context.Context, ownerID int64) ([]byte, error)
}

// SettingService 进程级开关业务逻辑接口
type SettingService interface {
	// AdminOnly 是否只允许 Bot 管理员使用
	AdminOnly(ctx context.Context) (bool, error)

	// ToggleAdminOnly 翻转 adminonly 并返回新值
	ToggleAdminOnly(ctx context.Context, updatedBy int64) (bool, error)
}

// SessionClient 解析与校验 session（由 MTProto 客户端实现）
type SessionClient interface {
	Parse(ctx context.Context, input string) ([]byte, error)
	Verify(ctx context.Context, credential []byte) (string, error)
}
