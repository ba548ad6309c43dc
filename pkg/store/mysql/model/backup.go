package model

import "time"

// BackupStatus is the latest backup outcome per container, upserted after every attempt
type BackupStatus struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	ContainerID       string     `gorm:"column:container_id;type:varchar(128);not null;uniqueIndex" json:"container_id"`
	NodeID            string     `gorm:"column:node_id;type:varchar(64);not null;index" json:"node_id"`
	LastBackupAt      *time.Time `gorm:"column:last_backup_at" json:"last_backup_at"`
	LastBackupSizeMB  float64    `gorm:"column:last_backup_size_mb;not null;default:0" json:"last_backup_size_mb"`
	LastBackupPath    string     `gorm:"column:last_backup_path;type:varchar(512)" json:"last_backup_path"`
	LastBackupSuccess bool       `gorm:"column:last_backup_success;not null;default:false" json:"last_backup_success"`
	LastBackupError   string     `gorm:"column:last_backup_error;type:text" json:"last_backup_error,omitempty"`
	TotalBackups      int64      `gorm:"column:total_backups;not null;default:0" json:"total_backups"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (BackupStatus) TableName() string {
	return "backup_statuses"
}

// RestoreLog is an append-only record of one restore attempt
type RestoreLog struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Tenant        string    `gorm:"column:tenant;type:varchar(128);not null;index" json:"tenant"`
	NodeID        string    `gorm:"column:node_id;type:varchar(64);not null" json:"node_id"`
	SnapshotKey   string    `gorm:"column:snapshot_key;type:varchar(512);not null" json:"snapshot_key"`
	PreRestoreKey *string   `gorm:"column:pre_restore_key;type:varchar(512)" json:"pre_restore_key"`
	RestoredAt    time.Time `gorm:"column:restored_at;not null;index" json:"restored_at"`
	RestoredBy    string    `gorm:"column:restored_by;type:varchar(128)" json:"restored_by"`
	Reason        string    `gorm:"column:reason;type:text" json:"reason"`
	Success       bool      `gorm:"column:success;not null" json:"success"`
	Error         string    `gorm:"column:error;type:text" json:"error,omitempty"`
	DowntimeMs    int64     `gorm:"column:downtime_ms;not null;default:0" json:"downtime_ms"`
}

func (RestoreLog) TableName() string {
	return "restore_logs"
}
