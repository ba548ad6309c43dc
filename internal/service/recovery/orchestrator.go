// Package recovery reconstructs the tenants of failed nodes on healthy ones.
//
// Every incident is a persisted RecoveryEvent with one RecoveryItem per tenant. Items are driven from
// the store on every pass, so a restarted control plane resumes exactly where the last one stopped.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"botfleet/internal/service"
	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/notification"
	"botfleet/pkg/status"
	"botfleet/pkg/store/mysql"
	"botfleet/pkg/store/mysql/model"

	"github.com/google/uuid"
)

const (
	reasonNoBackup = "no backup available"
	reasonNoTarget = "no healthy target with spare capacity"
)

// Restorer materializes a tenant from a stored backup. *service.BackupService implements it.
type Restorer interface {
	LatestSnapshot(ctx context.Context, tenant string) (string, error)
	RestoreInto(ctx context.Context, tenant, nodeID, snapshotKey string, memoryMB int64) error
}

// Connectivity reports live agent channels. *bus.Bus implements it.
type Connectivity interface {
	IsConnected(nodeID string) bool
}

// DriveQueue hands drives to a worker. *asynq.Manager implements it.
type DriveQueue interface {
	EnqueueRecoveryDrive(ctx context.Context, eventID string) error
}

// EventDetail is an event with its items
type EventDetail struct {
	Event *mysql.RecoveryEvent  `json:"event"`
	Items []*mysql.RecoveryItem `json:"items"`
}

// Orchestrator opens recovery events and drives their items to resolution
type Orchestrator struct {
	repo     *mysql.Repository
	restorer Restorer
	nodes    Connectivity
	queue    DriveQueue
	alerter  service.Alerter
	cfg      config.RecoveryConfig
	now      func() time.Time

	// one pass at a time per process; across processes items are claimed in the store
	driveMu sync.Mutex
}

// NewOrchestrator creates the orchestrator. queue may be nil, in which case drives run inline.
func NewOrchestrator(repo *mysql.Repository, restorer Restorer, nodes Connectivity, queue DriveQueue, cfg config.RecoveryConfig) *Orchestrator {
	if cfg.TenantMemoryMB <= 0 {
		cfg.TenantMemoryMB = 256
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = time.Hour
	}
	return &Orchestrator{
		repo:     repo,
		restorer: restorer,
		nodes:    nodes,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetAlerter sets where event alerts go
func (o *Orchestrator) SetAlerter(a service.Alerter) {
	o.alerter = a
}

// Trigger opens a recovery event for nodeID with one waiting item per tenant placed on it. If the node
// already has an open event, that event is returned instead. A manual trigger also marks the node failed
// so it cannot reclaim its tenants.
func (o *Orchestrator) Trigger(ctx context.Context, nodeID string, trigger model.RecoveryTrigger, actor string) (*mysql.RecoveryEvent, error) {
	existing, err := o.repo.Recovery.FindOpenEventForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.InfoCtx(ctx, "node %s already has open recovery event %s", nodeID, existing.ID)
		return existing, nil
	}

	if trigger == model.RecoveryTriggerManual {
		if _, _, err := o.repo.Node.TransitionStatus(ctx, nodeID, model.NodeStatusFailed, "manual recovery", actor); err != nil {
			return nil, fmt.Errorf("failed to mark node %s failed: %w", nodeID, err)
		}
	}

	instances, err := o.repo.BotInstance.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	event := &mysql.RecoveryEvent{
		ID:             uuid.NewString(),
		NodeID:         nodeID,
		Trigger:        string(trigger),
		Status:         string(model.RecoveryEventInProgress),
		TenantsTotal:   len(instances),
		TenantsWaiting: len(instances),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if len(instances) == 0 {
		event.Status = string(model.RecoveryEventCompleted)
		event.CompletedAt = &now
	}

	err = o.repo.Recovery.Datastore().ExecTx(ctx, func(ctx context.Context) error {
		if err := o.repo.Recovery.CreateEvent(ctx, event); err != nil {
			return fmt.Errorf("failed to create recovery event: %w", err)
		}
		for _, inst := range instances {
			item := &mysql.RecoveryItem{
				ID:              uuid.NewString(),
				RecoveryEventID: event.ID,
				Tenant:          inst.Tenant,
				SourceNode:      nodeID,
				Status:          string(model.RecoveryItemWaiting),
				StartedAt:       now,
				UpdatedAt:       now,
			}
			if err := o.repo.Recovery.CreateItem(ctx, item); err != nil {
				return fmt.Errorf("failed to create recovery item for %s: %w", inst.Tenant, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecoveryEventsTotal.WithLabelValues(string(trigger)).Inc()
	logger.WarnCtx(ctx, "recovery event %s opened for node %s (%s), tenants: %d", event.ID, nodeID, trigger, len(instances))
	o.alert(ctx, &notification.Alert{
		Severity: notification.SeverityWarning,
		Title:    "Node failed: " + nodeID,
		Summary:  fmt.Sprintf("Recovery event %s opened, %d tenant(s) to recover.", event.ID, len(instances)),
		Fields: []notification.Field{
			{Name: "Trigger", Value: string(trigger)},
			{Name: "Actor", Value: actor},
		},
		OccurredAt: now,
	})
	return event, nil
}

// HandleNodeFailure is the heartbeat-timeout entry point: open an event and get it driven
func (o *Orchestrator) HandleNodeFailure(ctx context.Context, nodeID string) error {
	event, err := o.Trigger(ctx, nodeID, model.RecoveryTriggerHeartbeatTimeout, "system")
	if err != nil {
		return err
	}
	return o.Schedule(ctx, event)
}

// Schedule enqueues a drive of event, or drives it inline when there is no queue
func (o *Orchestrator) Schedule(ctx context.Context, event *mysql.RecoveryEvent) error {
	if model.RecoveryEventStatus(event.Status) == model.RecoveryEventCompleted {
		return nil
	}
	if o.queue != nil {
		return o.queue.EnqueueRecoveryDrive(ctx, event.ID)
	}
	_, err := o.Drive(ctx, event.ID)
	return err
}

type target struct {
	nodeID string
	freeMB int64
}

// candidates returns connected active nodes other than exclude, with their free capacity
func (o *Orchestrator) candidates(ctx context.Context, exclude string) ([]*target, error) {
	nodes, err := o.repo.Node.List(ctx, string(model.NodeStatusActive))
	if err != nil {
		return nil, err
	}
	var result []*target
	for _, n := range nodes {
		if n.NodeID == exclude || !o.nodes.IsConnected(n.NodeID) {
			continue
		}
		result = append(result, &target{nodeID: n.NodeID, freeMB: n.FreeMB()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].nodeID < result[j].nodeID })
	return result, nil
}

// pick returns the candidate with the most free capacity that fits memoryMB
func pick(candidates []*target, memoryMB int64) *target {
	var best *target
	for _, c := range candidates {
		if c.freeMB < memoryMB {
			continue
		}
		if best == nil || c.freeMB > best.freeMB {
			best = c
		}
	}
	return best
}

// Drive resolves what it can of an event's waiting items and recomputes the event's counters. Items are
// claimed one at a time, so concurrent drives of one event, in this process or another, never restore the
// same tenant twice.
func (o *Orchestrator) Drive(ctx context.Context, eventID string) (*mysql.RecoveryEvent, error) {
	o.driveMu.Lock()
	defer o.driveMu.Unlock()

	event, err := o.repo.Recovery.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery event %s: %w", eventID, err)
	}
	if model.RecoveryEventStatus(event.Status) == model.RecoveryEventCompleted {
		return event, nil
	}

	released, err := o.repo.Recovery.ReleaseStaleClaims(ctx, eventID, o.now().Add(-o.cfg.ClaimTimeout))
	if err != nil {
		return nil, err
	}
	if released > 0 {
		logger.WarnCtx(ctx, "recovery event %s: %d stale claim(s) handed back", eventID, released)
	}

	items, err := o.repo.Recovery.GetWaitingItems(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		candidates, err := o.candidates(ctx, event.NodeID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			// stop claiming once the caller is gone; items already claimed run to the end
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := o.driveItem(ctx, item, candidates); err != nil {
				return nil, err
			}
		}
	}

	return o.refresh(ctx, event)
}

// driveItem claims and resolves one waiting item. Only store errors are returned; restore outcomes are
// recorded. An item claimed elsewhere is left alone.
func (o *Orchestrator) driveItem(ctx context.Context, item *mysql.RecoveryItem, candidates []*target) error {
	claimed, err := o.repo.Recovery.ClaimItem(ctx, item, o.now())
	if err != nil {
		return err
	}
	if !claimed {
		logger.DebugCtx(ctx, "recovery of %s already claimed by another driver", item.Tenant)
		return nil
	}
	// a claimed item must reach resolve or postpone even if the caller is cancelled
	ctx = context.WithoutCancel(ctx)

	memoryMB := o.cfg.TenantMemoryMB
	if inst, err := o.repo.BotInstance.Get(ctx, item.Tenant); err == nil && inst.MemoryMB > 0 {
		memoryMB = inst.MemoryMB
	}

	key, err := o.restorer.LatestSnapshot(ctx, item.Tenant)
	if errors.Is(err, service.ErrNoSnapshot) {
		logger.WarnCtx(ctx, "recovery of %s skipped: %s", item.Tenant, reasonNoBackup)
		return o.resolve(ctx, item, model.RecoveryItemSkipped, reasonNoBackup)
	}
	if err != nil {
		return o.postpone(ctx, item, "backup listing failed: "+err.Error())
	}

	dest := pick(candidates, memoryMB)
	if dest == nil {
		return o.postpone(ctx, item, reasonNoTarget)
	}

	// persist the plan before acting on it
	item.TargetNode = &dest.nodeID
	item.BackupKey = &key
	item.UpdatedAt = o.now()
	held, err := o.repo.Recovery.UpdateClaimedItem(ctx, item)
	if err != nil {
		return err
	}
	if !held {
		logger.WarnCtx(ctx, "recovery of %s: claim lost before restore, leaving it to its new owner", item.Tenant)
		return nil
	}
	dest.freeMB -= memoryMB

	logger.InfoCtx(ctx, "recovering %s from %s onto %s (%d MB)", item.Tenant, key, dest.nodeID, memoryMB)
	if err := o.restorer.RestoreInto(ctx, item.Tenant, dest.nodeID, key, memoryMB); err != nil {
		dest.freeMB += memoryMB
		if errors.Is(err, service.ErrRestoreInProgress) {
			return o.postpone(ctx, item, err.Error())
		}
		logger.ErrorCtx(ctx, "recovery of %s onto %s failed: %v", item.Tenant, dest.nodeID, err)
		return o.resolve(ctx, item, model.RecoveryItemFailed, err.Error())
	}

	if err := o.repo.BotInstance.Move(ctx, item.Tenant, dest.nodeID); err != nil {
		logger.ErrorCtx(ctx, "failed to move placement of %s to %s: %v", item.Tenant, dest.nodeID, err)
	}
	return o.resolve(ctx, item, model.RecoveryItemRecovered, "")
}

// resolve finishes a claimed item
func (o *Orchestrator) resolve(ctx context.Context, item *mysql.RecoveryItem, outcome model.RecoveryItemStatus, reason string) error {
	now := o.now()
	item.Status = string(outcome)
	item.CompletedAt = &now
	item.UpdatedAt = now
	if reason != "" {
		reason = status.Sanitize(reason)
		item.Reason = &reason
	} else {
		item.Reason = nil
	}
	held, err := o.repo.Recovery.UpdateClaimedItem(ctx, item)
	if err != nil {
		return err
	}
	if !held {
		logger.WarnCtx(ctx, "recovery of %s finished as %s after its claim was handed back", item.Tenant, outcome)
		return nil
	}
	metrics.RecoveryItemsTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}

// postpone hands a claimed item back as waiting for the next pass
func (o *Orchestrator) postpone(ctx context.Context, item *mysql.RecoveryItem, reason string) error {
	item.Status = string(model.RecoveryItemWaiting)
	item.TargetNode = nil
	item.BackupKey = nil
	reason = status.Sanitize(reason)
	item.Reason = &reason
	item.UpdatedAt = o.now()
	held, err := o.repo.Recovery.UpdateClaimedItem(ctx, item)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	if err := o.repo.Recovery.IncrementRetryCount(ctx, item.ID); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "recovery of %s deferred: %s", item.Tenant, reason)
	return nil
}

// refresh recomputes the event counters and status from its items
func (o *Orchestrator) refresh(ctx context.Context, event *mysql.RecoveryEvent) (*mysql.RecoveryEvent, error) {
	items, err := o.repo.Recovery.ListItems(ctx, event.ID)
	if err != nil {
		return nil, err
	}

	var recovered, failed, skipped, waiting int
	for _, item := range items {
		switch model.RecoveryItemStatus(item.Status) {
		case model.RecoveryItemRecovered:
			recovered++
		case model.RecoveryItemFailed:
			failed++
		case model.RecoveryItemSkipped:
			skipped++
		default:
			waiting++
		}
	}

	now := o.now()
	wasOpen := event.CompletedAt == nil
	event.TenantsTotal = len(items)
	event.TenantsRecovered = recovered
	event.TenantsFailed = failed
	event.TenantsSkipped = skipped
	event.TenantsWaiting = waiting
	event.Status = string(EventStatus(recovered+failed+skipped, waiting))
	event.UpdatedAt = now
	if event.Status == string(model.RecoveryEventCompleted) && event.CompletedAt == nil {
		event.CompletedAt = &now
	}

	if err := o.repo.Recovery.UpdateEvent(ctx, event); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "recovery event %s: %s (recovered %d, failed %d, skipped %d, waiting %d)",
		event.ID, event.Status, recovered, failed, skipped, waiting)
	if wasOpen && event.CompletedAt != nil {
		o.alertCompleted(ctx, event)
	}
	return event, nil
}

func (o *Orchestrator) alertCompleted(ctx context.Context, event *mysql.RecoveryEvent) {
	severity := notification.SeverityInfo
	summary := fmt.Sprintf("All %d tenant(s) of %s recovered.", event.TenantsRecovered, event.NodeID)
	if event.TenantsFailed > 0 || event.TenantsSkipped > 0 {
		severity = notification.SeverityCritical
		summary = fmt.Sprintf("Recovery of %s finished with %d tenant(s) not recovered. Manual intervention required.",
			event.NodeID, event.TenantsFailed+event.TenantsSkipped)
	}
	o.alert(ctx, &notification.Alert{
		Severity: severity,
		Title:    "Recovery completed: " + event.NodeID,
		Summary:  summary,
		Fields: []notification.Field{
			{Name: "Event", Value: event.ID},
			{Name: "Recovered", Value: fmt.Sprint(event.TenantsRecovered)},
			{Name: "Failed", Value: fmt.Sprint(event.TenantsFailed)},
			{Name: "Skipped", Value: fmt.Sprint(event.TenantsSkipped)},
		},
		OccurredAt: *event.CompletedAt,
	})
}

func (o *Orchestrator) alert(ctx context.Context, alert *notification.Alert) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(context.WithoutCancel(ctx), alert); err != nil {
		logger.WarnCtx(ctx, "failed to send alert %q: %v", alert.Title, err)
	}
}

// EventStatus derives an event's status: completed once nothing waits, otherwise partial when some
// item is resolved and in_progress when none is.
func EventStatus(resolved, waiting int) model.RecoveryEventStatus {
	switch {
	case waiting == 0:
		return model.RecoveryEventCompleted
	case resolved > 0:
		return model.RecoveryEventPartial
	default:
		return model.RecoveryEventInProgress
	}
}

// ResumeOpen drives every open event. It runs periodically and after restarts.
func (o *Orchestrator) ResumeOpen(ctx context.Context) error {
	events, err := o.repo.Recovery.ListOpenEvents(ctx)
	if err != nil {
		return err
	}

	var errs []error
	waiting := 0
	for _, ev := range events {
		updated, err := o.Drive(ctx, ev.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			continue
		}
		waiting += updated.TenantsWaiting
	}
	metrics.RecoveryWaiting.Set(float64(waiting))
	return errors.Join(errs...)
}

// Get returns an event and its items
func (o *Orchestrator) Get(ctx context.Context, eventID string) (*EventDetail, error) {
	event, err := o.repo.Recovery.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	items, err := o.repo.Recovery.ListItems(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &EventDetail{Event: event, Items: items}, nil
}

// List returns recent events, newest first
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*mysql.RecoveryEvent, error) {
	return o.repo.Recovery.ListEvents(ctx, limit)
}
