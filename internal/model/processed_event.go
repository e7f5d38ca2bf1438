package model

import (
	"time"
)

// 事件处理结果
const (
	EventOutcomeProcessed = "processed"
	EventOutcomeSkipped   = "skipped"
	EventOutcomeIgnored   = "ignored"
	EventOutcomeUnmatched = "unmatched"
	EventOutcomeDuplicate = "duplicate"
)

// ProcessedEvent 已处理的支付方事件ID
// 与积分变动在同一事务内插入，EventID 唯一，重复投递直接确认
type ProcessedEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID   string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"event_id"`
	EventType string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Outcome   string    `gorm:"type:varchar(20);not null" json:"outcome"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_event"
}
