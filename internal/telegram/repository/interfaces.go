package repository

import (
	"context"
	"errors"

	"relay_bot/internal/telegram/models"
)

var (
	// ErrRuleNotFound 规则不存在
	ErrRuleNotFound = errors.New("rule not found")
	// ErrSessionNotFound 用户未登录 session
	ErrSessionNotFound = errors.New("session not found")
)

// RuleRepository 转发规则数据访问接口
// 所有断点写入都是按规则标识的单文档原子更新（$max），不做内存中的读-改-写
type RuleRepository interface {
	// Upsert 创建规则或在已有规则上推进断点（断点不会回退）
	Upsert(ctx context.Context, key models.RuleKey, lastProcessedID int) (*models.ForwardRule, error)

	// Get 根据标识获取规则
	Get(ctx context.Context, key models.RuleKey) (*models.ForwardRule, error)

	// ListByOwner 列出用户的所有规则
	ListByOwner(ctx context.Context, ownerID int64) ([]*models.ForwardRule, error)

	// ListBySource 列出某个源会话的所有规则（实时转发使用）
	ListBySource(ctx context.Context, sourceChatID int64) ([]*models.ForwardRule, error)

	// ListSources 列出所有源会话 ID
	ListSources(ctx context.Context) ([]int64, error)

	// Delete 删除单条规则
	Delete(ctx context.Context, key models.RuleKey) (bool, error)

	// DeleteBySource 删除用户所有以该会话为源的规则
	DeleteBySource(ctx context.Context, ownerID, sourceChatID int64) (int64, error)

	// DeleteByDestination 删除用户所有以该会话为目标的规则
	DeleteByDestination(ctx context.Context, ownerID, destinationChatID int64) (int64, error)

	// AdvanceCursor 原子推进断点，可附带一个待补扫区间
	AdvanceCursor(ctx context.Context, key models.RuleKey, messageID int, gap *models.Range) (bool, error)

	// CommitScan 扫描结束时原子写入断点与剩余待补扫区间
	CommitScan(ctx context.Context, key models.RuleKey, maxForwardedID int, pending []models.Range) (bool, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// SessionRepository 用户 session 数据访问接口
type SessionRepository interface {
	// Get 获取用户 session
	Get(ctx context.Context, ownerID int64) (*models.UserSession, error)

	// Put 保存（覆盖）用户 session
	Put(ctx context.Context, session *models.UserSession) error

	// Delete 删除用户 session
	Delete(ctx context.Context, ownerID int64) (bool, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// SettingRepository 进程级开关数据访问接口
type SettingRepository interface {
	// IsEnabled 查询开关，不存在视为关闭
	IsEnabled(ctx context.Context, id string) (bool, error)

	// Toggle 原子翻转开关并返回新值
	Toggle(ctx context.Context, id string, updatedBy int64) (bool, error)
}

// ScanRunRepository 扫描记录数据访问接口
type ScanRunRepository interface {
	// Create 保存一次扫描记录
	Create(ctx context.Context, run *models.ScanRun) error

	// ListRecentByOwner 列出用户最近的扫描记录
	ListRecentByOwner(ctx context.Context, ownerID int64, limit int64) ([]*models.ScanRun, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}
