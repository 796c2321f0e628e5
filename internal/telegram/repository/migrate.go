package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relay_bot/internal/crypto"
	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// legacyForward 旧版规则结构：每个目标一条文档，sources 为 源ID -> 断点
type legacyForward struct {
	ID      primitive.ObjectID `bson:"_id"`
	UserID  int64              `bson:"user_id"`
	Target  int64              `bson:"target"`
	Sources map[string]int64   `bson:"sources"`
}

// MigrationResult 迁移统计
type MigrationResult struct {
	Documents int // 处理的旧文档数
	Rules     int // 写入的规则数
	Skipped   int // 无法解析的源
}

// LegacyRuleMigrator 把旧版规则文档转换为扁平的源-目标规则
type LegacyRuleMigrator struct {
	legacy *mongo.Collection
	rules  RuleRepository
}

// NewLegacyRuleMigrator 创建迁移器
func NewLegacyRuleMigrator(db *mongo.Database, collection string, rules RuleRepository) *LegacyRuleMigrator {
	return &LegacyRuleMigrator{
		legacy: db.Collection(collection),
		rules:  rules,
	}
}

// Migrate 迁移所有未标记 migrated_at 的旧文档，可重复执行
func (m *LegacyRuleMigrator) Migrate(ctx context.Context) (MigrationResult, error) {
	var result MigrationResult

	cursor, err := m.legacy.Find(ctx, bson.M{"migrated_at": bson.M{"$exists": false}})
	if err != nil {
		return result, fmt.Errorf("failed to query legacy rules: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc legacyForward
		if err := cursor.Decode(&doc); err != nil {
			return result, fmt.Errorf("failed to decode legacy rule: %w", err)
		}
		result.Documents++

		for source, lastID := range doc.Sources {
			sourceID, err := strconv.ParseInt(source, 10, 64)
			if err != nil {
				logger.L().Warnf("Skipping legacy source %q of target %d: %v", source, doc.Target, err)
				result.Skipped++
				continue
			}

			key := models.RuleKey{
				OwnerID:           doc.UserID,
				SourceChatID:      sourceID,
				DestinationChatID: doc.Target,
			}
			if _, err := m.rules.Upsert(ctx, key, int(lastID)); err != nil {
				return result, fmt.Errorf("failed to migrate rule %s: %w", key, err)
			}
			result.Rules++
		}

		_, err := m.legacy.UpdateOne(ctx,
			bson.M{"_id": doc.ID},
			bson.M{"$set": bson.M{"migrated_at": time.Now()}},
		)
		if err != nil {
			return result, fmt.Errorf("failed to mark legacy rule migrated: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return result, fmt.Errorf("failed to iterate legacy rules: %w", err)
	}

	return result, nil
}

// CredentialParser 把用户提交的 session 字符串转换为可存储的 session
type CredentialParser func(ctx context.Context, input string) ([]byte, error)

// legacyUser 旧版用户文档，session_string 为 Pyrogram string session
type legacyUser struct {
	ID            primitive.ObjectID `bson:"_id"`
	UserID        int64              `bson:"user_id"`
	SessionString string             `bson:"session_string"`
}

// SessionMigrationResult session 迁移统计
type SessionMigrationResult struct {
	Documents int // 处理的旧文档数
	Sessions  int // 写入的 session 数
	Existing  int // 已通过 /login 保存过 session 的用户
	Skipped   int // 无法解析的 session
}

// LegacySessionMigrator 把旧版 users.session_string 转入 user_sessions
type LegacySessionMigrator struct {
	legacy   *mongo.Collection
	sessions SessionRepository
	parse    CredentialParser
	sealer   crypto.Sealer // 为 nil 时明文保存
}

// NewLegacySessionMigrator 创建 session 迁移器
func NewLegacySessionMigrator(db *mongo.Database, collection string, sessions SessionRepository, parse CredentialParser, sealer crypto.Sealer) *LegacySessionMigrator {
	return &LegacySessionMigrator{
		legacy:   db.Collection(collection),
		sessions: sessions,
		parse:    parse,
		sealer:   sealer,
	}
}

// Migrate 迁移所有未标记 migrated_at 的旧 session，可重复执行
// 不覆盖用户已保存的新 session
func (m *LegacySessionMigrator) Migrate(ctx context.Context) (SessionMigrationResult, error) {
	var result SessionMigrationResult

	cursor, err := m.legacy.Find(ctx, bson.M{
		"session_string": bson.M{"$exists": true, "$ne": ""},
		"migrated_at":    bson.M{"$exists": false},
	})
	if err != nil {
		return result, fmt.Errorf("failed to query legacy users: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc legacyUser
		if err := cursor.Decode(&doc); err != nil {
			return result, fmt.Errorf("failed to decode legacy user: %w", err)
		}
		result.Documents++

		mark := bson.M{"migrated_at": time.Now()}
		switch err := m.migrateOne(ctx, doc); {
		case err == nil:
			result.Sessions++
		case errors.Is(err, errSessionExists):
			result.Existing++
		case errors.Is(err, errUnparsableSession):
			logger.L().Warnf("Skipping legacy session of user %d: %v", doc.UserID, err)
			result.Skipped++
			mark["migration_error"] = err.Error()
		default:
			return result, err
		}

		_, err := m.legacy.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": mark})
		if err != nil {
			return result, fmt.Errorf("failed to mark legacy user migrated: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return result, fmt.Errorf("failed to iterate legacy users: %w", err)
	}

	return result, nil
}

var (
	errSessionExists     = errors.New("session already exists")
	errUnparsableSession = errors.New("unparsable session")
)

func (m *LegacySessionMigrator) migrateOne(ctx context.Context, doc legacyUser) error {
	if _, err := m.sessions.Get(ctx, doc.UserID); err == nil {
		return errSessionExists
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	credential, err := m.parse(ctx, doc.SessionString)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnparsableSession, err)
	}

	session := &models.UserSession{OwnerID: doc.UserID, Blob: credential}
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(credential)
		if err != nil {
			return fmt.Errorf("failed to seal session: %w", err)
		}
		session.Blob = sealed
		session.Encrypted = true
	}

	if err := m.sessions.Put(ctx, session); err != nil {
		return fmt.Errorf("failed to migrate session of user %d: %w", doc.UserID, err)
	}
	return nil
}
