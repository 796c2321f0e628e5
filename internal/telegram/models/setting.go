package models

import "time"

// SettingAdminOnly adminonly 开关的文档 ID
const SettingAdminOnly = "adminonly"

// Setting 进程级开关
type Setting struct {
	ID        string    `bson:"_id"`
	Enabled   bool      `bson:"enabled"`
	UpdatedBy int64     `bson:"updated_by,omitempty"`
	UpdatedAt time.Time `bson:"updated_at,omitempty"`
}
