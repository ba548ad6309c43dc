package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/pkg/store/mysql/model"

	"gorm.io/gorm"
)

// NodeRepository handles node and node status transition persistence
type NodeRepository struct {
	ds *Datastore
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(ds *Datastore) *NodeRepository {
	return &NodeRepository{ds: ds}
}

// Get returns a node by id; gorm.ErrRecordNotFound when missing
func (r *NodeRepository) Get(ctx context.Context, nodeID string) (*Node, error) {
	var node Node
	if err := r.ds.DB(ctx).Where("node_id = ?", nodeID).First(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}

// List returns nodes, optionally filtered by status
func (r *NodeRepository) List(ctx context.Context, status string) ([]*Node, error) {
	query := r.ds.DB(ctx).Model(&Node{}).Order("node_id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var nodes []*Node
	if err := query.Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// Create inserts a new node
func (r *NodeRepository) Create(ctx context.Context, node *Node) error {
	return r.ds.DB(ctx).Create(node).Error
}

// UpdateRegistration refreshes the fields an agent reports at boot
func (r *NodeRepository) UpdateRegistration(ctx context.Context, nodeID, host string, capacityMB int64, agentVersion string) error {
	updates := map[string]interface{}{
		"host":        host,
		"capacity_mb": capacityMB,
		"updated_at":  time.Now(),
	}
	if agentVersion != "" {
		updates["agent_version"] = agentVersion
	}
	return r.ds.DB(ctx).Model(&Node{}).Where("node_id = ?", nodeID).Updates(updates).Error
}

// SetSecretHash stores the bcrypt hash of the node secret
func (r *NodeRepository) SetSecretHash(ctx context.Context, nodeID, hash string) error {
	return r.ds.DB(ctx).Model(&Node{}).Where("node_id = ?", nodeID).
		Updates(map[string]interface{}{"secret_hash": hash, "updated_at": time.Now()}).Error
}

// SetLastError records the most recent node-level error
func (r *NodeRepository) SetLastError(ctx context.Context, nodeID, msg string) error {
	return r.ds.DB(ctx).Model(&Node{}).Where("node_id = ?", nodeID).
		Updates(map[string]interface{}{"last_error": msg, "updated_at": time.Now()}).Error
}

// UpdateHeartbeat records liveness and usage; it reports false when the node is unknown
func (r *NodeRepository) UpdateHeartbeat(ctx context.Context, nodeID string, usedMB int64, diskPercent float64, at time.Time) (bool, error) {
	result := r.ds.DB(ctx).Model(&Node{}).
		Where("node_id = ?", nodeID).
		Updates(map[string]interface{}{
			"used_mb":           usedMB,
			"disk_use_percent":  diskPercent,
			"last_heartbeat_at": at,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// TransitionStatus moves a node to status `to` and appends the transition. It is a no-op when the node
// already has that status. The update is conditional on the status read, so concurrent transitions
// cannot both log the same from-state.
func (r *NodeRepository) TransitionStatus(ctx context.Context, nodeID string, to model.NodeStatus, reason, actor string) (from model.NodeStatus, changed bool, err error) {
	err = r.ds.ExecTx(ctx, func(ctx context.Context) error {
		node, err := r.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		from = model.NodeStatus(node.Status)
		if from == to {
			return nil
		}

		result := r.ds.DB(ctx).Model(&Node{}).
			Where("node_id = ? AND status = ?", nodeID, node.Status).
			Updates(map[string]interface{}{"status": string(to), "updated_at": time.Now()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		changed = true
		return r.ds.DB(ctx).Create(&NodeStatusTransition{
			NodeID:     nodeID,
			FromStatus: string(from),
			ToStatus:   string(to),
			Reason:     reason,
			Actor:      actor,
			CreatedAt:  time.Now(),
		}).Error
	})
	return from, changed, err
}

// ListStale returns non-failed nodes whose last heartbeat is older than before. Offline nodes are
// included: a dropped channel that never comes back is a failure.
func (r *NodeRepository) ListStale(ctx context.Context, before time.Time) ([]*Node, error) {
	var nodes []*Node
	err := r.ds.DB(ctx).
		Where("status IN ?", []string{string(model.NodeStatusActive), string(model.NodeStatusDraining), string(model.NodeStatusOffline)}).
		Where("((last_heartbeat_at IS NULL AND created_at < ?) OR last_heartbeat_at < ?)", before, before).
		Order("node_id ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale nodes: %w", err)
	}
	return nodes, nil
}

// ListTransitions returns a node's status history, newest first
func (r *NodeRepository) ListTransitions(ctx context.Context, nodeID string, limit int) ([]*NodeStatusTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	var transitions []*NodeStatusTransition
	err := r.ds.DB(ctx).Where("node_id = ?", nodeID).
		Order("created_at DESC, id DESC").Limit(limit).
		Find(&transitions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list node transitions: %w", err)
	}
	return transitions, nil
}

// IsNotFound reports whether err is gorm's record-not-found
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
