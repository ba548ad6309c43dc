package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// BotInstanceRepository tracks tenant placement
type BotInstanceRepository struct {
	ds *Datastore
}

func NewBotInstanceRepository(ds *Datastore) *BotInstanceRepository {
	return &BotInstanceRepository{ds: ds}
}

// Upsert inserts or refreshes the placement of inst.Tenant
func (r *BotInstanceRepository) Upsert(ctx context.Context, inst *BotInstance) error {
	now := time.Now()
	if inst.LastSeenAt.IsZero() {
		inst.LastSeenAt = now
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now

	return r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}},
		DoUpdates: clause.AssignmentColumns([]string{"node_id", "memory_mb", "state", "last_seen_at", "updated_at"}),
	}).Create(inst).Error
}

// Get returns the placement of a tenant
func (r *BotInstanceRepository) Get(ctx context.Context, tenant string) (*BotInstance, error) {
	var inst BotInstance
	if err := r.ds.DB(ctx).Where("tenant = ?", tenant).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListByNode returns tenants placed on a node
func (r *BotInstanceRepository) ListByNode(ctx context.Context, nodeID string) ([]*BotInstance, error) {
	var instances []*BotInstance
	if err := r.ds.DB(ctx).Where("node_id = ?", nodeID).Order("tenant ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list bot instances: %w", err)
	}
	return instances, nil
}

// List returns every placement
func (r *BotInstanceRepository) List(ctx context.Context) ([]*BotInstance, error) {
	var instances []*BotInstance
	if err := r.ds.DB(ctx).Order("tenant ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list bot instances: %w", err)
	}
	return instances, nil
}

// Move reassigns a tenant to another node
func (r *BotInstanceRepository) Move(ctx context.Context, tenant, nodeID string) error {
	return r.ds.DB(ctx).Model(&BotInstance{}).Where("tenant = ?", tenant).
		Updates(map[string]interface{}{"node_id": nodeID, "state": "running", "last_seen_at": time.Now(), "updated_at": time.Now()}).Error
}
