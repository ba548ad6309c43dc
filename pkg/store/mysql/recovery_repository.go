package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/pkg/store/mysql/model"

	"gorm.io/gorm"
)

// RecoveryRepository persists recovery events and items. All methods are safe to call concurrently;
// claims and retry increments are single conditional UPDATEs.
type RecoveryRepository struct {
	ds *Datastore
}

func NewRecoveryRepository(ds *Datastore) *RecoveryRepository {
	return &RecoveryRepository{ds: ds}
}

// Datastore exposes the datastore for callers that need ExecTx
func (r *RecoveryRepository) Datastore() *Datastore {
	return r.ds
}

func (r *RecoveryRepository) CreateEvent(ctx context.Context, event *RecoveryEvent) error {
	return r.ds.DB(ctx).Create(event).Error
}

func (r *RecoveryRepository) UpdateEvent(ctx context.Context, event *RecoveryEvent) error {
	return r.ds.DB(ctx).Save(event).Error
}

func (r *RecoveryRepository) GetEvent(ctx context.Context, id string) (*RecoveryEvent, error) {
	var event RecoveryEvent
	if err := r.ds.DB(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents returns events newest first
func (r *RecoveryRepository) ListEvents(ctx context.Context, limit int) ([]*RecoveryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*RecoveryEvent
	if err := r.ds.DB(ctx).Order("started_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	return events, nil
}

// ListOpenEvents returns in_progress and partial events, oldest first. Completed events are never returned.
func (r *RecoveryRepository) ListOpenEvents(ctx context.Context) ([]*RecoveryEvent, error) {
	var events []*RecoveryEvent
	err := r.ds.DB(ctx).
		Where("status IN ?", []string{string(model.RecoveryEventInProgress), string(model.RecoveryEventPartial)}).
		Order("started_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open recovery events: %w", err)
	}
	return events, nil
}

// FindOpenEventForNode returns the open event of a node, or nil when there is none
func (r *RecoveryRepository) FindOpenEventForNode(ctx context.Context, nodeID string) (*RecoveryEvent, error) {
	var event RecoveryEvent
	err := r.ds.DB(ctx).
		Where("node_id = ? AND status IN ?", nodeID, []string{string(model.RecoveryEventInProgress), string(model.RecoveryEventPartial)}).
		Order("started_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *RecoveryRepository) CreateItem(ctx context.Context, item *RecoveryItem) error {
	return r.ds.DB(ctx).Create(item).Error
}

// ClaimItem moves a waiting item to in_progress. It reports false when another driver got there first.
func (r *RecoveryRepository) ClaimItem(ctx context.Context, item *RecoveryItem, now time.Time) (bool, error) {
	result := r.ds.DB(ctx).Model(&RecoveryItem{}).
		Where("id = ? AND status = ?", item.ID, string(model.RecoveryItemWaiting)).
		Updates(map[string]interface{}{"status": string(model.RecoveryItemInProgress), "updated_at": now})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim recovery item %s: %w", item.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	item.Status = string(model.RecoveryItemInProgress)
	item.UpdatedAt = now
	return true, nil
}

// UpdateClaimedItem saves a claimed item; recovery_event_id is never rewritten. It reports false,
// writing nothing, when the item is no longer in_progress.
func (r *RecoveryRepository) UpdateClaimedItem(ctx context.Context, item *RecoveryItem) (bool, error) {
	result := r.ds.DB(ctx).Model(&RecoveryItem{}).
		Where("id = ? AND status = ?", item.ID, string(model.RecoveryItemInProgress)).
		Select("target_node", "backup_key", "status", "reason", "completed_at", "updated_at").
		Updates(item)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseStaleClaims hands in_progress items of an event untouched since before back to waiting
func (r *RecoveryRepository) ReleaseStaleClaims(ctx context.Context, eventID string, before time.Time) (int64, error) {
	result := r.ds.DB(ctx).Model(&RecoveryItem{}).
		Where("recovery_event_id = ? AND status = ? AND updated_at < ?", eventID, string(model.RecoveryItemInProgress), before).
		Updates(map[string]interface{}{"status": string(model.RecoveryItemWaiting), "updated_at": time.Now()})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release stale recovery claims: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *RecoveryRepository) GetItem(ctx context.Context, id string) (*RecoveryItem, error) {
	var item RecoveryItem
	if err := r.ds.DB(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems returns every item of an event
func (r *RecoveryRepository) ListItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	var items []*RecoveryItem
	if err := r.ds.DB(ctx).Where("recovery_event_id = ?", eventID).Order("tenant ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list recovery items: %w", err)
	}
	return items, nil
}

// GetWaitingItems returns the waiting items of an event
func (r *RecoveryRepository) GetWaitingItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	var items []*RecoveryItem
	err := r.ds.DB(ctx).
		Where("recovery_event_id = ? AND status = ?", eventID, string(model.RecoveryItemWaiting)).
		Order("tenant ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting items: %w", err)
	}
	return items, nil
}

// IncrementRetryCount atomically adds one to the item's retry count
func (r *RecoveryRepository) IncrementRetryCount(ctx context.Context, itemID string) error {
	result := r.ds.DB(ctx).Model(&RecoveryItem{}).Where("id = ?", itemID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
