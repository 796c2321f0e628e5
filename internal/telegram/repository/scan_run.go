package repository

import (
	"context"
	"fmt"

	"relay_bot/internal/telegram/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type scanRunRepository struct {
	collection *mongo.Collection
}

// NewScanRunRepository 创建扫描记录仓储实例
func NewScanRunRepository(db *mongo.Database) ScanRunRepository {
	return &scanRunRepository{
		collection: db.Collection("scan_runs"),
	}
}

// Create 保存一次扫描记录
func (r *scanRunRepository) Create(ctx context.Context, run *models.ScanRun) error {
	_, err := r.collection.InsertOne(ctx, run)
	if err != nil {
		return fmt.Errorf("failed to create scan run: %w", err)
	}
	return nil
}

// ListRecentByOwner 列出用户最近的扫描记录
func (r *scanRunRepository) ListRecentByOwner(ctx context.Context, ownerID int64, limit int64) ([]*models.ScanRun, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "finished_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []*models.ScanRun
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("failed to decode scan runs: %w", err)
	}
	return runs, nil
}

// EnsureIndexes 确保索引存在
func (r *scanRunRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 按用户查询最近记录
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "finished_at", Value: -1},
			},
		},
		// TTL 索引（48小时自动删除）
		{
			Keys:    bson.D{{Key: "finished_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(48 * 3600),
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes for scan_runs: %w", err)
	}
	return nil
}
