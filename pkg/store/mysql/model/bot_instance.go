package model

import "time"

// BotInstance records which node hosts a tenant container
type BotInstance struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Tenant     string    `gorm:"column:tenant;type:varchar(128);not null;uniqueIndex" json:"tenant"`
	NodeID     string    `gorm:"column:node_id;type:varchar(64);not null;index" json:"node_id"`
	MemoryMB   int64     `gorm:"column:memory_mb;not null;default:0" json:"memory_mb"`
	State      string    `gorm:"column:state;type:varchar(32)" json:"state"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (BotInstance) TableName() string {
	return "bot_instances"
}
