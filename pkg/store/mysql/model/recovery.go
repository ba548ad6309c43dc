package model

import "time"

// RecoveryTrigger is what opened a recovery event
type RecoveryTrigger string

const (
	RecoveryTriggerHeartbeatTimeout RecoveryTrigger = "heartbeat_timeout"
	RecoveryTriggerManual           RecoveryTrigger = "manual"
)

// RecoveryEventStatus is the status of a recovery event
type RecoveryEventStatus string

const (
	RecoveryEventInProgress RecoveryEventStatus = "in_progress"
	RecoveryEventPartial    RecoveryEventStatus = "partial"
	RecoveryEventCompleted  RecoveryEventStatus = "completed"
)

// RecoveryItemStatus is the status of one tenant in a recovery event
type RecoveryItemStatus string

const (
	RecoveryItemWaiting    RecoveryItemStatus = "waiting"
	RecoveryItemInProgress RecoveryItemStatus = "in_progress" // claimed by one driver
	RecoveryItemRecovered  RecoveryItemStatus = "recovered"
	RecoveryItemFailed     RecoveryItemStatus = "failed"
	RecoveryItemSkipped    RecoveryItemStatus = "skipped"
)

// RecoveryEvent is one node-failure incident. Rows are never deleted.
type RecoveryEvent struct {
	ID               string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	NodeID           string     `gorm:"column:node_id;type:varchar(64);not null;index" json:"node_id"`
	Trigger          string     `gorm:"column:trigger_type;type:varchar(32);not null" json:"trigger"`
	Status           string     `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	TenantsTotal     int        `gorm:"column:tenants_total;not null;default:0" json:"tenants_total"`
	TenantsRecovered int        `gorm:"column:tenants_recovered;not null;default:0" json:"tenants_recovered"`
	TenantsFailed    int        `gorm:"column:tenants_failed;not null;default:0" json:"tenants_failed"`
	TenantsWaiting   int        `gorm:"column:tenants_waiting;not null;default:0" json:"tenants_waiting"`
	TenantsSkipped   int        `gorm:"column:tenants_skipped;not null;default:0" json:"tenants_skipped"`
	StartedAt        time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at" json:"completed_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (RecoveryEvent) TableName() string {
	return "recovery_events"
}

// RecoveryItem is one tenant to be reconstructed. It belongs to exactly one event.
type RecoveryItem struct {
	ID              string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	RecoveryEventID string     `gorm:"column:recovery_event_id;type:varchar(36);not null;index" json:"recovery_event_id"`
	Tenant          string     `gorm:"column:tenant;type:varchar(128);not null" json:"tenant"`
	SourceNode      string     `gorm:"column:source_node;type:varchar(64);not null" json:"source_node"`
	TargetNode      *string    `gorm:"column:target_node;type:varchar(64)" json:"target_node"`
	BackupKey       *string    `gorm:"column:backup_key;type:varchar(512)" json:"backup_key"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	Reason          *string    `gorm:"column:reason;type:text" json:"reason"`
	RetryCount      int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	StartedAt       time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (RecoveryItem) TableName() string {
	return "recovery_items"
}
