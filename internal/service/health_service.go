package service

import (
	"context"
	"fmt"
	"time"

	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/protocol"
	"botfleet/pkg/status"
	"botfleet/pkg/store/mysql"
)

// HealthService persists health events reported by agents
type HealthService struct {
	repo *mysql.Repository
}

// NewHealthService creates the health service
func NewHealthService(repo *mysql.Repository) *HealthService {
	return &HealthService{repo: repo}
}

// Record stores one event. disk_low also becomes the node's last error.
func (s *HealthService) Record(ctx context.Context, event *protocol.HealthEvent) error {
	occurredAt := event.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	row := &mysql.HealthEvent{
		NodeID:     event.NodeID,
		Container:  event.Container,
		Event:      string(event.Event),
		Message:    status.Sanitize(event.Message),
		OccurredAt: occurredAt,
	}
	if err := s.repo.HealthEvent.Create(ctx, row); err != nil {
		return fmt.Errorf("failed to save health event: %w", err)
	}
	metrics.HealthEventsTotal.WithLabelValues(string(event.Event)).Inc()

	switch event.Event {
	case protocol.HealthDiskLow:
		logger.WarnCtx(ctx, "node %s disk low: %s", event.NodeID, event.Message)
		if err := s.repo.Node.SetLastError(ctx, event.NodeID, "disk low: "+row.Message); err != nil {
			return fmt.Errorf("failed to record node error: %w", err)
		}
	case protocol.HealthOOMKilled, protocol.HealthDied, protocol.HealthUnhealthy:
		logger.WarnCtx(ctx, "container %s on node %s %s: %s", event.Container, event.NodeID, event.Event, event.Message)
	default:
		logger.InfoCtx(ctx, "container %s on node %s %s", event.Container, event.NodeID, event.Event)
	}
	return nil
}

// List returns recent events, optionally for one node
func (s *HealthService) List(ctx context.Context, nodeID string, limit int) ([]*mysql.HealthEvent, error) {
	return s.repo.HealthEvent.List(ctx, nodeID, limit)
}
