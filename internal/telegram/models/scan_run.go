package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ScanState 扫描任务状态
type ScanState string

const (
	ScanStatePending   ScanState = "pending"
	ScanStateRunning   ScanState = "running"
	ScanStateCompleted ScanState = "completed"
	ScanStateCancelled ScanState = "cancelled"
	ScanStateFailed    ScanState = "failed"
)

// Terminal 是否为终态
func (s ScanState) Terminal() bool {
	return s == ScanStateCompleted || s == ScanStateCancelled || s == ScanStateFailed
}

// ScanRun 单条规则的一次扫描记录（/status 展示）
type ScanRun struct {
	ID                primitive.ObjectID `bson:"_id,omitempty"`
	RunID             string             `bson:"run_id"`              // 任务ID (UUID)
	OwnerID           int64              `bson:"owner_id"`            // 发起者
	SourceChatID      int64              `bson:"source_chat_id"`      // 源会话
	DestinationChatID int64              `bson:"destination_chat_id"` // 目标会话
	State             ScanState          `bson:"state"`               // completed/cancelled/failed
	Forwarded         int                `bson:"forwarded"`           // 成功转发数
	Failed            int                `bson:"failed"`              // 失败数
	CheckpointBefore  int                `bson:"checkpoint_before"`
	CheckpointAfter   int                `bson:"checkpoint_after"`
	PendingRanges     int                `bson:"pending_ranges"` // 结束后剩余的待补扫区间数
	Error             string             `bson:"error,omitempty"`
	StartedAt         time.Time          `bson:"started_at"`
	FinishedAt        time.Time          `bson:"finished_at"` // TTL 索引
}

// Duration 扫描耗时
func (r *ScanRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
