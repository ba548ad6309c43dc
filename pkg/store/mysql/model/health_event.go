package model

import "time"

// HealthEvent is a persisted agent health notification
type HealthEvent struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	NodeID     string    `gorm:"column:node_id;type:varchar(64);not null;index:idx_health_node_time,priority:1" json:"node_id"`
	Container  string    `gorm:"column:container;type:varchar(128)" json:"container"`
	Event      string    `gorm:"column:event;type:varchar(32);not null" json:"event"`
	Message    string    `gorm:"column:message;type:text" json:"message"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null;index:idx_health_node_time,priority:2" json:"occurred_at"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (HealthEvent) TableName() string {
	return "health_events"
}
