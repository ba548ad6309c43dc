package mysql

import (
	"context"
	"fmt"
)

// HealthEventRepository stores health events received from agents
type HealthEventRepository struct {
	ds *Datastore
}

func NewHealthEventRepository(ds *Datastore) *HealthEventRepository {
	return &HealthEventRepository{ds: ds}
}

func (r *HealthEventRepository) Create(ctx context.Context, event *HealthEvent) error {
	return r.ds.DB(ctx).Create(event).Error
}

// List returns events newest first, optionally for one node
func (r *HealthEventRepository) List(ctx context.Context, nodeID string, limit int) ([]*HealthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.ds.DB(ctx).Model(&HealthEvent{}).Order("occurred_at DESC, id DESC").Limit(limit)
	if nodeID != "" {
		query = query.Where("node_id = ?", nodeID)
	}
	var events []*HealthEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list health events: %w", err)
	}
	return events, nil
}
