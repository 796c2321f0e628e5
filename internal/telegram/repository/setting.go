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

// MongoSettingRepository 开关 MongoDB 实现
type MongoSettingRepository struct {
	collection *mongo.Collection
}

// NewMongoSettingRepository 创建开关仓储实例
func NewMongoSettingRepository(db *mongo.Database) SettingRepository {
	return &MongoSettingRepository{
		collection: db.Collection("settings"),
	}
}

// IsEnabled 查询开关，不存在视为关闭
func (r *MongoSettingRepository) IsEnabled(ctx context.Context, id string) (bool, error) {
	var setting models.Setting
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&setting)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get setting %s: %w", id, err)
	}
	return setting.Enabled, nil
}

// Toggle 原子翻转开关（pipeline update，文档不存在时按关闭处理并创建）
func (r *MongoSettingRepository) Toggle(ctx context.Context, id string, updatedBy int64) (bool, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "enabled", Value: bson.D{{Key: "$not", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$enabled", false}}},
			}}}},
			{Key: "updated_by", Value: updatedBy},
			{Key: "updated_at", Value: time.Now()},
		}}},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var setting models.Setting
	if err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts).Decode(&setting); err != nil {
		return false, fmt.Errorf("failed to toggle setting %s: %w", id, err)
	}
	return setting.Enabled, nil
}
