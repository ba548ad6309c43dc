package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	presenceKeyPrefix  = "node:presence:"  // node:presence:{node_id}
	presenceSetKey     = "nodes:connected" // set of node ids with a live channel somewhere
	defaultPresenceTTL = 2 * time.Minute
)

// Presence records which control plane replica holds a node's channel
type Presence struct {
	NodeID        string    `json:"node_id"`
	InstanceID    string    `json:"instance_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// PresenceRepository stores ephemeral node presence with a TTL, so replicas see each other's connections
type PresenceRepository struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewPresenceRepository creates a presence repository; ttl should exceed the heartbeat interval
func NewPresenceRepository(client *RedisClient, ttl time.Duration) *PresenceRepository {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceRepository{redis: client.GetClient(), ttl: ttl}
}

func (r *PresenceRepository) save(ctx context.Context, p *Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+p.NodeID, data, r.ttl)
	pipe.SAdd(ctx, presenceSetKey, p.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}
	return nil
}

// MarkConnected records that instanceID now holds the node's channel
func (r *PresenceRepository) MarkConnected(ctx context.Context, nodeID, instanceID string) error {
	now := time.Now().UTC()
	return r.save(ctx, &Presence{NodeID: nodeID, InstanceID: instanceID, ConnectedAt: now, LastHeartbeat: now})
}

// Touch refreshes the TTL on heartbeat
func (r *PresenceRepository) Touch(ctx context.Context, nodeID, instanceID string) error {
	p, err := r.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if p == nil {
		return r.MarkConnected(ctx, nodeID, instanceID)
	}
	p.InstanceID = instanceID
	p.LastHeartbeat = time.Now().UTC()
	return r.save(ctx, p)
}

// MarkDisconnected clears presence, but only if instanceID still owns it
func (r *PresenceRepository) MarkDisconnected(ctx context.Context, nodeID, instanceID string) error {
	p, err := r.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if p != nil && p.InstanceID != instanceID {
		return nil
	}

	pipe := r.redis.Pipeline()
	pipe.Del(ctx, presenceKeyPrefix+nodeID)
	pipe.SRem(ctx, presenceSetKey, nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// Get returns the presence of a node, or nil when it has none
func (r *PresenceRepository) Get(ctx context.Context, nodeID string) (*Presence, error) {
	data, err := r.redis.Get(ctx, presenceKeyPrefix+nodeID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var p Presence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &p, nil
}

// ListConnected returns every node with live presence, pruning expired set members
func (r *PresenceRepository) ListConnected(ctx context.Context) (map[string]*Presence, error) {
	nodeIDs, err := r.redis.SMembers(ctx, presenceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}

	result := make(map[string]*Presence, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		p, err := r.Get(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			r.redis.SRem(ctx, presenceSetKey, nodeID)
			continue
		}
		result[nodeID] = p
	}
	return result, nil
}
