package infrastructure

import (
	"database/sql"
	"time"
)

// ShippingStateModel 对应数据库中的 shipping_states 表，每个聚合一行
type ShippingStateModel struct {
	AggregateID string `gorm:"primaryKey;size:64"`
	State       string `gorm:"type:json;not null"`
	Version     int64  `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 指定 GORM 应该使用的表名
func (ShippingStateModel) TableName() string {
	return "shipping_states"
}

// ShippingTaskModel 对应 shipping_tasks 表（outbox）。
// 与状态在同一个事务中写入；DispatchedAt 为空表示尚未投递。
type ShippingTaskModel struct {
	ID           string       `gorm:"primaryKey;size:36"`
	AggregateID  string       `gorm:"size:64;not null;index"`
	Kind         string       `gorm:"size:32;not null"`
	DelayMs      int64        `gorm:"not null"`
	NotBefore    time.Time    `gorm:"not null;index:idx_shipping_tasks_due,priority:2"`
	DispatchedAt sql.NullTime `gorm:"index:idx_shipping_tasks_due,priority:1"`
	Payload      string       `gorm:"type:json;not null"`
	CreatedAt    time.Time
}

func (ShippingTaskModel) TableName() string {
	return "shipping_tasks"
}
