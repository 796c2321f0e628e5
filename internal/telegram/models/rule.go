package models

import (
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RuleKey 转发规则唯一标识
type RuleKey struct {
	OwnerID           int64
	SourceChatID      int64
	DestinationChatID int64
}

// String 用于日志
func (k RuleKey) String() string {
	return fmt.Sprintf("%d:%d->%d", k.OwnerID, k.SourceChatID, k.DestinationChatID)
}

// Range 尚未处理完的历史消息区间，(After, Before) 开区间
type Range struct {
	After  int `bson:"after"`
	Before int `bson:"before"`
}

// Empty 区间内不可能存在消息
func (r Range) Empty() bool {
	return r.Before-r.After <= 1
}

// Contains 消息 ID 是否落在区间内
func (r Range) Contains(id int) bool {
	return id > r.After && id < r.Before
}

// String 用于列表展示
func (r Range) String() string {
	return fmt.Sprintf("(%d, %d)", r.After, r.Before)
}

// ForwardRule 转发规则（源 -> 目标，附带扫描断点）
type ForwardRule struct {
	ID                     primitive.ObjectID `bson:"_id,omitempty"`
	OwnerID                int64              `bson:"owner_id"`                  // 规则所属用户
	SourceChatID           int64              `bson:"source_chat_id"`            // 源会话
	DestinationChatID      int64              `bson:"destination_chat_id"`       // 目标会话
	LastProcessedMessageID int                `bson:"last_processed_message_id"` // 已转发的最大消息 ID，0 表示从未处理
	PendingRanges          []Range            `bson:"pending_ranges,omitempty"`  // 断点之下待补扫的区间
	CreatedAt              time.Time          `bson:"created_at"`
	UpdatedAt              time.Time          `bson:"updated_at"`
}

// Key 返回规则标识
func (r *ForwardRule) Key() RuleKey {
	return RuleKey{
		OwnerID:           r.OwnerID,
		SourceChatID:      r.SourceChatID,
		DestinationChatID: r.DestinationChatID,
	}
}

// SortedPendingRanges 按 Before 降序返回非空区间（扫描顺序：新 -> 旧）
func (r *ForwardRule) SortedPendingRanges() []Range {
	ranges := make([]Range, 0, len(r.PendingRanges))
	for _, rg := range r.PendingRanges {
		if rg.Empty() {
			continue
		}
		ranges = append(ranges, rg)
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Before > ranges[j].Before
	})
	return ranges
}
