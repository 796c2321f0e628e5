package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserSession 用户 session（第二身份，用于读取 Bot 无法访问的会话历史）
// Blob 对存储层与扫描引擎都是不透明的
type UserSession struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	OwnerID   int64              `bson:"owner_id"`  // 所属用户（唯一）
	Blob      []byte             `bson:"blob"`      // 序列化的 session（可能已加密）
	Encrypted bool               `bson:"encrypted"` // Blob 是否经过加密
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}
