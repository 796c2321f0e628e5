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

// MongoRuleRepository 转发规则 MongoDB 实现
type MongoRuleRepository struct {
	collection *mongo.Collection
}

// NewMongoRuleRepository 创建转发规则仓储实例
func NewMongoRuleRepository(db *mongo.Database) RuleRepository {
	return &MongoRuleRepository{
		collection: db.Collection("forward_rules"),
	}
}

func ruleFilter(key models.RuleKey) bson.M {
	return bson.M{
		"owner_id":            key.OwnerID,
		"source_chat_id":      key.SourceChatID,
		"destination_chat_id": key.DestinationChatID,
	}
}

// Upsert 创建规则或推进断点
func (r *MongoRuleRepository) Upsert(ctx context.Context, key models.RuleKey, lastProcessedID int) (*models.ForwardRule, error) {
	if lastProcessedID < 0 {
		lastProcessedID = 0
	}
	now := time.Now()

	update := bson.M{
		"$max": bson.M{"last_processed_message_id": lastProcessedID},
		"$set": bson.M{"updated_at": now},
		"$setOnInsert": bson.M{
			"created_at": now,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var rule models.ForwardRule
	if err := r.collection.FindOneAndUpdate(ctx, ruleFilter(key), update, opts).Decode(&rule); err != nil {
		return nil, fmt.Errorf("failed to upsert rule: %w", err)
	}
	return &rule, nil
}

// Get 根据标识获取规则
func (r *MongoRuleRepository) Get(ctx context.Context, key models.RuleKey) (*models.ForwardRule, error) {
	var rule models.ForwardRule
	err := r.collection.FindOne(ctx, ruleFilter(key)).Decode(&rule)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, key)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// ListByOwner 列出用户的所有规则
func (r *MongoRuleRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.ForwardRule, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "destination_chat_id", Value: 1},
		{Key: "source_chat_id", Value: 1},
	})
	return r.find(ctx, bson.M{"owner_id": ownerID}, opts)
}

// ListBySource 列出某个源会话的所有规则
func (r *MongoRuleRepository) ListBySource(ctx context.Context, sourceChatID int64) ([]*models.ForwardRule, error) {
	return r.find(ctx, bson.M{"source_chat_id": sourceChatID})
}

func (r *MongoRuleRepository) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*models.ForwardRule, error) {
	cursor, err := r.collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []*models.ForwardRule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

// ListSources 列出所有源会话 ID
func (r *MongoRuleRepository) ListSources(ctx context.Context) ([]int64, error) {
	values, err := r.collection.Distinct(ctx, "source_chat_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sources: %w", err)
	}

	sources := make([]int64, 0, len(values))
	for _, v := range values {
		switch id := v.(type) {
		case int64:
			sources = append(sources, id)
		case int32:
			sources = append(sources, int64(id))
		}
	}
	return sources, nil
}

// Delete 删除单条规则
func (r *MongoRuleRepository) Delete(ctx context.Context, key models.RuleKey) (bool, error) {
	result, err := r.collection.DeleteOne(ctx, ruleFilter(key))
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// DeleteBySource 删除用户所有以该会话为源的规则
func (r *MongoRuleRepository) DeleteBySource(ctx context.Context, ownerID, sourceChatID int64) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"owner_id":       ownerID,
		"source_chat_id": sourceChatID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules by source: %w", err)
	}
	return result.DeletedCount, nil
}

// DeleteByDestination 删除用户所有以该会话为目标的规则
func (r *MongoRuleRepository) DeleteByDestination(ctx context.Context, ownerID, destinationChatID int64) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"owner_id":            ownerID,
		"destination_chat_id": destinationChatID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules by destination: %w", err)
	}
	return result.DeletedCount, nil
}

// AdvanceCursor 原子推进断点
func (r *MongoRuleRepository) AdvanceCursor(ctx context.Context, key models.RuleKey, messageID int, gap *models.Range) (bool, error) {
	update := bson.M{
		"$max": bson.M{"last_processed_message_id": messageID},
		"$set": bson.M{"updated_at": time.Now()},
	}
	if gap != nil && !gap.Empty() {
		update["$push"] = bson.M{"pending_ranges": *gap}
	}

	result, err := r.collection.UpdateOne(ctx, ruleFilter(key), update)
	if err != nil {
		return false, fmt.Errorf("failed to advance rule cursor: %w", err)
	}
	return result.MatchedCount > 0, nil
}

// CommitScan 扫描结束时原子写入断点与剩余区间
// 规则已被删除时不会重新创建
func (r *MongoRuleRepository) CommitScan(ctx context.Context, key models.RuleKey, maxForwardedID int, pending []models.Range) (bool, error) {
	if pending == nil {
		pending = []models.Range{}
	}

	update := bson.M{
		"$set": bson.M{
			"pending_ranges": pending,
			"updated_at":     time.Now(),
		},
	}
	if maxForwardedID > 0 {
		update["$max"] = bson.M{"last_processed_message_id": maxForwardedID}
	}

	result, err := r.collection.UpdateOne(ctx, ruleFilter(key), update)
	if err != nil {
		return false, fmt.Errorf("failed to commit scan: %w", err)
	}
	return result.MatchedCount > 0, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoRuleRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 规则唯一标识
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "source_chat_id", Value: 1},
				{Key: "destination_chat_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		// 实时转发按源查询
		{
			Keys: bson.D{{Key: "source_chat_id", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes for forward_rules: %w", err)
	}
	return nil
}
