package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// BackupStatusRepository keeps the latest backup outcome per container
type BackupStatusRepository struct {
	ds *Datastore
}

func NewBackupStatusRepository(ds *Datastore) *BackupStatusRepository {
	return &BackupStatusRepository{ds: ds}
}

// BackupAttempt is the outcome of one backup
type BackupAttempt struct {
	ContainerID string
	NodeID      string
	Success     bool
	SizeMB      float64
	Path        string
	Error       string
	At          time.Time
}

// RecordAttempt upserts the status row. Only successful attempts increment total_backups
// and replace the size and path of the last good backup.
func (r *BackupStatusRepository) RecordAttempt(ctx context.Context, a BackupAttempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	updates := map[string]interface{}{
		"node_id":             a.NodeID,
		"last_backup_at":      a.At,
		"last_backup_success": a.Success,
		"last_backup_error":   a.Error,
		"updated_at":          time.Now(),
	}
	if a.Success {
		updates["last_backup_size_mb"] = a.SizeMB
		updates["last_backup_path"] = a.Path
		updates["total_backups"] = gorm.Expr("total_backups + 1")
	}

	result := r.ds.DB(ctx).Model(&BackupStatus{}).Where("container_id = ?", a.ContainerID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	status := &BackupStatus{
		ContainerID:       a.ContainerID,
		NodeID:            a.NodeID,
		LastBackupAt:      &a.At,
		LastBackupSuccess: a.Success,
		LastBackupError:   a.Error,
	}
	if a.Success {
		status.LastBackupSizeMB = a.SizeMB
		status.LastBackupPath = a.Path
		status.TotalBackups = 1
	}
	return r.ds.DB(ctx).Create(status).Error
}

// Get returns the status of one container
func (r *BackupStatusRepository) Get(ctx context.Context, containerID string) (*BackupStatus, error) {
	var status BackupStatus
	if err := r.ds.DB(ctx).Where("container_id = ?", containerID).First(&status).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

// List returns all statuses, optionally for one node
func (r *BackupStatusRepository) List(ctx context.Context, nodeID string) ([]*BackupStatus, error) {
	query := r.ds.DB(ctx).Model(&BackupStatus{}).Order("container_id ASC")
	if nodeID != "" {
		query = query.Where("node_id = ?", nodeID)
	}
	var statuses []*BackupStatus
	if err := query.Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("failed to list backup statuses: %w", err)
	}
	return statuses, nil
}

// RestoreLogRepository is the append-only restore audit trail
type RestoreLogRepository struct {
	ds *Datastore
}

func NewRestoreLogRepository(ds *Datastore) *RestoreLogRepository {
	return &RestoreLogRepository{ds: ds}
}

// Create appends an entry
func (r *RestoreLogRepository) Create(ctx context.Context, entry *RestoreLog) error {
	return r.ds.DB(ctx).Create(entry).Error
}

// List returns entries newest first, optionally for one tenant
func (r *RestoreLogRepository) List(ctx context.Context, tenant string, limit int) ([]*RestoreLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.ds.DB(ctx).Model(&RestoreLog{}).Order("restored_at DESC, id DESC").Limit(limit)
	if tenant != "" {
		query = query.Where("tenant = ?", tenant)
	}
	var entries []*RestoreLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list restore logs: %w", err)
	}
	return entries, nil
}
