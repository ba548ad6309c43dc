package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/protocol"
	"botfleet/pkg/status"
	"botfleet/pkg/store/mysql"
	"botfleet/pkg/store/mysql/model"
	redisstore "botfleet/pkg/store/redis"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized  = errors.New("invalid node credentials")
	ErrInvalidStatus = errors.New("invalid node status")
)

const (
	actorSystem = "system"
	actorAgent  = "agent"
)

// FailureHandler is notified once for every node that transitions to failed
type FailureHandler func(ctx context.Context, nodeID string) error

// NodeWithPresence is a node row plus the replica currently holding its channel, if any
type NodeWithPresence struct {
	*mysql.Node
	Connected  bool   `json:"connected"`
	InstanceID string `json:"instance_id,omitempty"`
}

// NodeService owns node registration, liveness and status
type NodeService struct {
	repo            *mysql.Repository
	presence        *redisstore.PresenceRepository // nil in single-instance mode
	health          *HealthService
	nodesCfg        config.NodesConfig
	bootstrapSecret string
	instanceID      string
	tenantPrefix    string
	onFailure       FailureHandler
}

// NewNodeService creates the node service
func NewNodeService(repo *mysql.Repository, presence *redisstore.PresenceRepository, health *HealthService, cfg *config.Config) *NodeService {
	return &NodeService{
		repo:            repo,
		presence:        presence,
		health:          health,
		nodesCfg:        cfg.Nodes,
		bootstrapSecret: cfg.Server.NodeBootstrapSecret,
		instanceID:      cfg.Server.InstanceID,
		tenantPrefix:    config.DefaultContainerPrefix,
	}
}

// SetFailureHandler sets the recovery trigger (for circular dependency resolution)
func (s *NodeService) SetFailureHandler(h FailureHandler) {
	s.onFailure = h
}

// Register upserts a node at agent boot. A node with a stored secret must present it; a new node must
// present the bootstrap secret, whose hash is then stored as the node's own.
func (s *NodeService) Register(ctx context.Context, req *protocol.RegisterRequest, secret string) (*mysql.Node, error) {
	node, err := s.repo.Node.Get(ctx, req.NodeID)
	if err != nil && !mysql.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	if node != nil && node.SecretHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(node.SecretHash), []byte(secret)) != nil {
			return nil, ErrUnauthorized
		}
	} else if s.bootstrapSecret == "" || secret != s.bootstrapSecret {
		return nil, ErrUnauthorized
	}

	if node == nil {
		node = &mysql.Node{
			NodeID:       req.NodeID,
			Host:         req.Host,
			Status:       string(model.NodeStatusActive),
			CapacityMB:   req.CapacityMB,
			AgentVersion: req.AgentVersion,
		}
		if err := s.repo.Node.Create(ctx, node); err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		logger.InfoCtx(ctx, "node registered, node_id: %s, host: %s, capacity_mb: %d", req.NodeID, req.Host, req.CapacityMB)
	} else {
		if err := s.repo.Node.UpdateRegistration(ctx, req.NodeID, req.Host, req.CapacityMB, req.AgentVersion); err != nil {
			return nil, fmt.Errorf("failed to update node: %w", err)
		}
		logger.InfoCtx(ctx, "node re-registered, node_id: %s, host: %s, version: %s", req.NodeID, req.Host, req.AgentVersion)
	}

	if node.SecretHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash node secret: %w", err)
		}
		if err := s.repo.Node.SetSecretHash(ctx, req.NodeID, string(hash)); err != nil {
			return nil, fmt.Errorf("failed to store node secret: %w", err)
		}
	}

	return s.repo.Node.Get(ctx, req.NodeID)
}

// Authenticate checks the bearer secret of a registered node
func (s *NodeService) Authenticate(ctx context.Context, nodeID, secret string) error {
	node, err := s.repo.Node.Get(ctx, nodeID)
	if err != nil {
		if mysql.IsNotFound(err) {
			return ErrUnauthorized
		}
		return err
	}
	if node.SecretHash == "" || bcrypt.CompareHashAndPassword([]byte(node.SecretHash), []byte(secret)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// OnConnect implements bus.Handler
func (s *NodeService) OnConnect(ctx context.Context, nodeID string) {
	if s.presence != nil {
		if err := s.presence.MarkConnected(ctx, nodeID, s.instanceID); err != nil {
			logger.WarnCtx(ctx, "failed to record presence for node %s: %v", nodeID, err)
		}
	}
	s.reactivate(ctx, nodeID, "agent reconnected")
}

// OnDisconnect implements bus.Handler
func (s *NodeService) OnDisconnect(ctx context.Context, nodeID string) {
	if s.presence != nil {
		if err := s.presence.MarkDisconnected(ctx, nodeID, s.instanceID); err != nil {
			logger.WarnCtx(ctx, "failed to clear presence for node %s: %v", nodeID, err)
		}
	}

	node, err := s.repo.Node.Get(ctx, nodeID)
	if err != nil {
		logger.WarnCtx(ctx, "disconnect from unknown node %s: %v", nodeID, err)
		return
	}
	// draining and failed are operator/recovery decisions and survive a dropped channel
	if model.NodeStatus(node.Status) != model.NodeStatusActive {
		return
	}
	s.transition(ctx, nodeID, model.NodeStatusOffline, "channel closed", actorAgent)
}

// OnHeartbeat implements bus.Handler: records liveness, usage and tenant placement
func (s *NodeService) OnHeartbeat(ctx context.Context, hb *protocol.Heartbeat) {
	if err := s.HandleHeartbeat(ctx, hb); err != nil {
		logger.ErrorCtx(ctx, "failed to handle heartbeat from node %s: %v", hb.NodeID, err)
	}
}

// OnHealthEvent implements bus.Handler
func (s *NodeService) OnHealthEvent(ctx context.Context, event *protocol.HealthEvent) {
	if s.health == nil {
		return
	}
	if err := s.health.Record(ctx, event); err != nil {
		logger.ErrorCtx(ctx, "failed to record health event from node %s: %v", event.NodeID, err)
	}
}

// HandleHeartbeat updates the node row and the placement of every tenant container it reports
func (s *NodeService) HandleHeartbeat(ctx context.Context, hb *protocol.Heartbeat) error {
	at := hb.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var allocatedMB int64
	for _, c := range hb.Containers {
		if c.State != "running" {
			continue
		}
		if c.MemoryLimitMB > 0 {
			allocatedMB += int64(c.MemoryLimitMB)
		} else {
			allocatedMB += int64(c.MemoryUsageMB)
		}
	}

	known, err := s.repo.Node.UpdateHeartbeat(ctx, hb.NodeID, allocatedMB, hb.Resources.DiskUsePercent, at)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if !known {
		logger.WarnCtx(ctx, "heartbeat from unregistered node %s ignored", hb.NodeID)
		return nil
	}

	if s.presence != nil {
		if err := s.presence.Touch(ctx, hb.NodeID, s.instanceID); err != nil {
			logger.WarnCtx(ctx, "failed to refresh presence for node %s: %v", hb.NodeID, err)
		}
	}

	node := s.reactivate(ctx, hb.NodeID, "heartbeat resumed")
	// a failed node's tenants may already live elsewhere; it must not claim them back
	if node == nil || model.NodeStatus(node.Status) == model.NodeStatusFailed {
		return nil
	}

	for _, c := range hb.Containers {
		if !strings.HasPrefix(c.Name, s.tenantPrefix) {
			continue
		}
		inst := &mysql.BotInstance{
			Tenant:     c.Name,
			NodeID:     hb.NodeID,
			MemoryMB:   int64(c.MemoryLimitMB),
			State:      c.State,
			LastSeenAt: at,
		}
		if err := s.repo.BotInstance.Upsert(ctx, inst); err != nil {
			return fmt.Errorf("failed to upsert bot instance %s: %w", c.Name, err)
		}
	}

	logger.DebugCtx(ctx, "heartbeat received, node_id: %s, containers: %d, allocated_mb: %d", hb.NodeID, len(hb.Containers), allocatedMB)
	return nil
}

// reactivate moves an offline node back to active and returns the current row
func (s *NodeService) reactivate(ctx context.Context, nodeID, reason string) *mysql.Node {
	node, err := s.repo.Node.Get(ctx, nodeID)
	if err != nil {
		if !mysql.IsNotFound(err) {
			logger.WarnCtx(ctx, "failed to get node %s: %v", nodeID, err)
		}
		return nil
	}
	if model.NodeStatus(node.Status) == model.NodeStatusOffline {
		if s.transition(ctx, nodeID, model.NodeStatusActive, reason, actorAgent) {
			node.Status = string(model.NodeStatusActive)
		}
	}
	return node
}

func (s *NodeService) transition(ctx context.Context, nodeID string, to model.NodeStatus, reason, actor string) bool {
	from, changed, err := s.repo.Node.TransitionStatus(ctx, nodeID, to, reason, actor)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to move node %s to %s: %v", nodeID, to, err)
		return false
	}
	if changed {
		metrics.NodeTransitionsTotal.WithLabelValues(string(to)).Inc()
		logger.InfoCtx(ctx, "node %s status %s -> %s (%s, by %s)", nodeID, from, to, reason, actor)
	}
	return changed
}

// SetStatus is the operator-initiated status change
func (s *NodeService) SetStatus(ctx context.Context, nodeID string, status model.NodeStatus, reason, actor string) (*mysql.Node, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, _, err := s.repo.Node.TransitionStatus(ctx, nodeID, status, reason, actor); err != nil {
		return nil, err
	}
	metrics.NodeTransitionsTotal.WithLabelValues(string(status)).Inc()
	return s.repo.Node.Get(ctx, nodeID)
}

// DetectFailures marks nodes silent for longer than the heartbeat deadline as failed and hands each
// newly failed node to the failure handler. It returns the ids of nodes it failed.
func (s *NodeService) DetectFailures(ctx context.Context) ([]string, error) {
	deadline := s.nodesCfg.HeartbeatDeadline()
	stale, err := s.repo.Node.ListStale(ctx, time.Now().Add(-deadline))
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, node := range stale {
		reason := fmt.Sprintf("no heartbeat for %s (%d missed)", deadline, s.nodesCfg.MissedHeartbeats)
		if !s.transition(ctx, node.NodeID, model.NodeStatusFailed, reason, actorSystem) {
			continue
		}
		failed = append(failed, node.NodeID)
		logger.WarnCtx(ctx, "node %s failed: %s", node.NodeID, reason)

		if s.onFailure != nil {
			if err := s.onFailure(ctx, node.NodeID); err != nil {
				logger.ErrorCtx(ctx, "failed to start recovery for node %s: %v", node.NodeID, err)
				if err := s.repo.Node.SetLastError(ctx, node.NodeID, status.Sanitize(err.Error())); err != nil {
					logger.WarnCtx(ctx, "failed to record error for node %s: %v", node.NodeID, err)
				}
			}
		}
	}
	return failed, nil
}

// Get returns one node
func (s *NodeService) Get(ctx context.Context, nodeID string) (*mysql.Node, error) {
	return s.repo.Node.Get(ctx, nodeID)
}

// List returns nodes with their presence across replicas
func (s *NodeService) List(ctx context.Context, status string) ([]*NodeWithPresence, error) {
	nodes, err := s.repo.Node.List(ctx, status)
	if err != nil {
		return nil, err
	}

	var online map[string]*redisstore.Presence
	if s.presence != nil {
		online, err = s.presence.ListConnected(ctx)
		if err != nil {
			logger.WarnCtx(ctx, "failed to list node presence: %v", err)
		}
	}

	result := make([]*NodeWithPresence, 0, len(nodes))
	for _, n := range nodes {
		item := &NodeWithPresence{Node: n}
		if p, ok := online[n.NodeID]; ok {
			item.Connected = true
			item.InstanceID = p.InstanceID
		}
		result = append(result, item)
	}
	return result, nil
}

// Transitions returns a node's status history
func (s *NodeService) Transitions(ctx context.Context, nodeID string, limit int) ([]*mysql.NodeStatusTransition, error) {
	return s.repo.Node.ListTransitions(ctx, nodeID, limit)
}

// Placements returns the tenants placed on a node, or every placement when nodeID is empty
func (s *NodeService) Placements(ctx context.Context, nodeID string) ([]*mysql.BotInstance, error) {
	if nodeID == "" {
		return s.repo.BotInstance.List(ctx)
	}
	return s.repo.BotInstance.ListByNode(ctx, nodeID)
}
