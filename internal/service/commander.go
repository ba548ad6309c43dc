package service

import (
	"context"

	"botfleet/pkg/logger"
	"botfleet/pkg/notification"
	"botfleet/pkg/protocol"
)

// Commander executes commands on connected nodes. *bus.Bus implements it.
type Commander interface {
	Exec(ctx context.Context, nodeID string, payload protocol.Payload, out interface{}) error
	IsConnected(nodeID string) bool
}

// Alerter delivers operator alerts. *notification.FeishuNotifier implements it.
type Alerter interface {
	Notify(ctx context.Context, alert *notification.Alert) error
}

// sendAlert delivers alert when an alerter is set; delivery failures are only logged
func sendAlert(ctx context.Context, alerter Alerter, alert *notification.Alert) {
	if alerter == nil {
		return
	}
	if err := alerter.Notify(context.WithoutCancel(ctx), alert); err != nil {
		logger.WarnCtx(ctx, "failed to send alert %q: %v", alert.Title, err)
	}
}
