package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Node         *NodeRepository
	BotInstance  *BotInstanceRepository
	BackupStatus *BackupStatusRepository
	RestoreLog   *RestoreLogRepository
	Recovery     *RecoveryRepository
	HealthEvent  *HealthEventRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}
	return newRepository(ds), nil
}

// OpenRepository creates a repository on any GORM dialector
func OpenRepository(dialector gorm.Dialector) (*Repository, error) {
	ds, err := OpenDatastore(dialector)
	if err != nil {
		return nil, err
	}
	return newRepository(ds), nil
}

func newRepository(ds *Datastore) *Repository {
	return &Repository{
		ds:           ds,
		Node:         NewNodeRepository(ds),
		BotInstance:  NewBotInstanceRepository(ds),
		BackupStatus: NewBackupStatusRepository(ds),
		RestoreLog:   NewRestoreLogRepository(ds),
		Recovery:     NewRecoveryRepository(ds),
		HealthEvent:  NewHealthEventRepository(ds),
	}
}

// AutoMigrate creates or updates every table
func (r *Repository) AutoMigrate(ctx context.Context) error {
	err := r.ds.DB(ctx).AutoMigrate(
		&Node{},
		&NodeStatusTransition{},
		&BotInstance{},
		&BackupStatus{},
		&RestoreLog{},
		&RecoveryEvent{},
		&RecoveryItem{},
		&HealthEvent{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
