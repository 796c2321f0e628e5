package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/telegram/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSessionRepository 用户 session MongoDB 实现
type MongoSessionRepository struct {
	collection *mongo.Collection
}

// NewMongoSessionRepository 创建 session 仓储实例
func NewMongoSessionRepository(db *mongo.Database) SessionRepository {
	return &MongoSessionRepository{
		collection: db.Collection("user_sessions"),
	}
}

// Get 获取用户 session
func (r *MongoSessionRepository) Get(ctx context.Context, ownerID int64) (*models.UserSession, error) {
	var session models.UserSession
	err := r.collection.FindOne(ctx, bson.M{"owner_id": ownerID}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, ownerID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// Put 保存（覆盖）用户 session
func (r *MongoSessionRepository) Put(ctx context.Context, session *models.UserSession) error {
	now := time.Now()
	session.UpdatedAt = now

	update := bson.M{
		"$set": bson.M{
			"blob":       session.Blob,
			"encrypted":  session.Encrypted,
			"updated_at": session.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"created_at": now,
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, bson.M{"owner_id": session.OwnerID}, update, opts); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete 删除用户 session
func (r *MongoSessionRepository) Delete(ctx context.Context, ownerID int64) (bool, error) {
	result, err := r.collection.DeleteOne(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoSessionRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for user_sessions: %w", err)
	}
	return nil
}
