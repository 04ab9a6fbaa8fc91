package model

import (
	"time"
)

// Setting 键值存储表，Value 为 JSON 文本
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventRecord 遥测事件表，按自增主键保持追加顺序
type EventRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	EventID     string    `gorm:"uniqueIndex;not null" json:"id"`
	TS          int64     `gorm:"index" json:"ts"`
	Site        *string   `gorm:"index" json:"site"`
	TopLevelURL *string   `json:"topLevelUrl"`
	TabID       *int      `json:"tabId"`
	Mode        string    `json:"mode"`
	Source      string    `json:"source"`
	Kind        string    `gorm:"index" json:"kind"`
	Data        string    `gorm:"type:text" json:"data"`
	CreatedAt   time.Time `json:"-"`
}

// All 需要迁移的模型
func All() []any {
	return []any{&Setting{}, &EventRecord{}}
}
