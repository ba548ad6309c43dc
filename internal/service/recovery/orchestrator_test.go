package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"botfleet/internal/service"
	"botfleet/pkg/config"
	"botfleet/pkg/notification"
	queue "botfleet/pkg/queue/asynq"
	"botfleet/pkg/store/mysql"
	"botfleet/pkg/store/mysql/model"
	"botfleet/pkg/store/mysql/mysqltest"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type restoreCall struct {
	tenant   string
	nodeID   string
	key      string
	memoryMB int64
}

type fakeRestorer struct {
	mu        sync.Mutex
	snapshots map[string]string
	listErr   error
	fail      map[string]error
	calls     []restoreCall

	// onRestore runs outside the lock once a call is recorded
	onRestore func(tenant string)
}

func newFakeRestorer() *fakeRestorer {
	return &fakeRestorer{snapshots: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeRestorer) LatestSnapshot(_ context.Context, tenant string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return "", f.listErr
	}
	key, ok := f.snapshots[tenant]
	if !ok {
		return "", fmt.Errorf("%w for %s", service.ErrNoSnapshot, tenant)
	}
	return key, nil
}

func (f *fakeRestorer) RestoreInto(_ context.Context, tenant, nodeID, key string, memoryMB int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, restoreCall{tenant: tenant, nodeID: nodeID, key: key, memoryMB: memoryMB})
	err := f.fail[tenant]
	hook := f.onRestore
	f.mu.Unlock()

	if hook != nil {
		hook(tenant)
	}
	return err
}

func (f *fakeRestorer) restoredTenants() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, c := range f.calls {
		counts[c.tenant]++
	}
	return counts
}

type connectivity map[string]bool

func (c connectivity) IsConnected(nodeID string) bool { return c[nodeID] }

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) EnqueueRecoveryDrive(_ context.Context, eventID string) error {
	q.enqueued = append(q.enqueued, eventID)
	return nil
}

type alertLog struct {
	alerts []*notification.Alert
}

func (a *alertLog) Notify(_ context.Context, alert *notification.Alert) error {
	a.alerts = append(a.alerts, alert)
	return nil
}

type fixture struct {
	repo     *mysql.Repository
	restorer *fakeRestorer
	online   connectivity
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     mysqltest.NewRepository(t),
		restorer: newFakeRestorer(),
		online:   connectivity{},
	}
	f.orch = NewOrchestrator(f.repo, f.restorer, f.online, nil, config.RecoveryConfig{TenantMemoryMB: 128})
	return f
}

func (f *fixture) addNode(t *testing.T, nodeID string, status model.NodeStatus, capacityMB, usedMB int64, connected bool) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.repo.Node.Create(context.Background(), &mysql.Node{
		NodeID:          nodeID,
		Host:            nodeID + ".internal",
		Status:          string(status),
		CapacityMB:      capacityMB,
		UsedMB:          usedMB,
		LastHeartbeatAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
	f.online[nodeID] = connected
}

func (f *fixture) place(t *testing.T, tenant, nodeID string, memoryMB int64, withBackup bool) {
	t.Helper()
	require.NoError(t, f.repo.BotInstance.Upsert(context.Background(), &mysql.BotInstance{
		Tenant:   tenant,
		NodeID:   nodeID,
		MemoryMB: memoryMB,
		State:    "running",
	}))
	if withBackup {
		f.restorer.snapshots[tenant] = "nightly/" + tenant + "_2026-10-17.tar.gz"
	}
}

func itemsByTenant(t *testing.T, repo *mysql.Repository, eventID string) map[string]*mysql.RecoveryItem {
	t.Helper()
	items, err := repo.Recovery.ListItems(context.Background(), eventID)
	require.NoError(t, err)
	result := make(map[string]*mysql.RecoveryItem, len(items))
	for _, item := range items {
		result[item.Tenant] = item
	}
	return result
}

func TestEventStatus(t *testing.T) {
	tests := []struct {
		resolved, waiting int
		want              model.RecoveryEventStatus
	}{
		{0, 0, model.RecoveryEventCompleted},
		{3, 0, model.RecoveryEventCompleted},
		{0, 3, model.RecoveryEventInProgress},
		{2, 1, model.RecoveryEventPartial},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventStatus(tt.resolved, tt.waiting), "resolved=%d waiting=%d", tt.resolved, tt.waiting)
	}
}

func TestTrigger_OpensEventWithWaitingItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 768, false)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventInProgress), event.Status)
	assert.Equal(t, 2, event.TenantsTotal)
	assert.Equal(t, 2, event.TenantsWaiting)

	items := itemsByTenant(t, f.repo, event.ID)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, string(model.RecoveryItemWaiting), item.Status)
		assert.Equal(t, "node-1", item.SourceNode)
		assert.Nil(t, item.TargetNode)
	}

	// a second trigger reuses the open event
	again, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, event.ID, again.ID)

	events, err := f.orch.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTrigger_NoTenantsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)

	event, err := f.orch.Trigger(context.Background(), "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), event.Status)
	assert.NotNil(t, event.CompletedAt)
	assert.Equal(t, 0, event.TenantsTotal)
}

func TestTrigger_ManualMarksNodeFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryTriggerManual), event.Trigger)

	node, err := f.repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, string(model.NodeStatusFailed), node.Status)

	transitions, err := f.repo.Node.ListTransitions(ctx, "node-1", 10)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "ops", transitions[0].Actor)
}

func TestTrigger_ManualUnknownNode(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Trigger(context.Background(), "ghost", model.RecoveryTriggerManual, "ops")
	assert.Error(t, err)
}

// Three tenants on a dead node, one survivor with room for two: two recover, one waits for capacity.
func TestDrive_PartialThenCompletedWhenCapacityArrives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 768, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 600, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)
	f.place(t, "tenant_c", "node-1", 256, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventPartial), event.Status)
	assert.Equal(t, 3, event.TenantsTotal)
	assert.Equal(t, 2, event.TenantsRecovered)
	assert.Equal(t, 1, event.TenantsWaiting)
	assert.Nil(t, event.CompletedAt)

	items := itemsByTenant(t, f.repo, event.ID)
	for _, tenant := range []string{"tenant_a", "tenant_b"} {
		item := items[tenant]
		assert.Equal(t, string(model.RecoveryItemRecovered), item.Status, tenant)
		require.NotNil(t, item.TargetNode)
		assert.Equal(t, "node-2", *item.TargetNode)
		require.NotNil(t, item.BackupKey)
		assert.Equal(t, "nightly/"+tenant+"_2026-10-17.tar.gz", *item.BackupKey)
		assert.NotNil(t, item.CompletedAt)

		inst, err := f.repo.BotInstance.Get(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, "node-2", inst.NodeID)
	}

	waiting := items["tenant_c"]
	assert.Equal(t, string(model.RecoveryItemWaiting), waiting.Status)
	assert.Equal(t, 1, waiting.RetryCount)
	require.NotNil(t, waiting.Reason)
	assert.Equal(t, reasonNoTarget, *waiting.Reason)
	assert.Nil(t, waiting.TargetNode)

	inst, err := f.repo.BotInstance.Get(ctx, "tenant_c")
	require.NoError(t, err)
	assert.Equal(t, "node-1", inst.NodeID)

	// capacity arrives; the periodic pass picks up the remaining tenant
	f.addNode(t, "node-3", model.NodeStatusActive, 2048, 0, true)
	require.NoError(t, f.orch.ResumeOpen(ctx))

	detail, err := f.orch.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), detail.Event.Status)
	assert.Equal(t, 3, detail.Event.TenantsRecovered)
	assert.Equal(t, 0, detail.Event.TenantsWaiting)
	assert.NotNil(t, detail.Event.CompletedAt)

	items = itemsByTenant(t, f.repo, event.ID)
	require.NotNil(t, items["tenant_c"].TargetNode)
	assert.Equal(t, "node-3", *items["tenant_c"].TargetNode)
	assert.Equal(t, 1, items["tenant_c"].RetryCount)

	// completed events are left alone
	require.Len(t, f.restorer.calls, 3)
	require.NoError(t, f.orch.ResumeOpen(ctx))
	assert.Len(t, f.restorer.calls, 3)
}

func TestDrive_PrefersMostFreeCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 1000, 800, true)
	f.addNode(t, "node-3", model.NodeStatusActive, 1000, 100, true)
	f.addNode(t, "node-4", model.NodeStatusActive, 8000, 0, false)
	f.addNode(t, "node-5", model.NodeStatusDraining, 8000, 0, true)
	f.place(t, "tenant_a", "node-1", 0, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	_, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)

	require.Len(t, f.restorer.calls, 1)
	call := f.restorer.calls[0]
	assert.Equal(t, "node-3", call.nodeID)
	// unknown memory falls back to the configured reservation
	assert.Equal(t, int64(128), call.memoryMB)
}

func TestDrive_NoBackupIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, false)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)

	assert.Equal(t, string(model.RecoveryEventCompleted), event.Status)
	assert.Equal(t, 1, event.TenantsSkipped)
	assert.Empty(t, f.restorer.calls)

	item := itemsByTenant(t, f.repo, event.ID)["tenant_a"]
	assert.Equal(t, string(model.RecoveryItemSkipped), item.Status)
	require.NotNil(t, item.Reason)
	assert.Equal(t, reasonNoBackup, *item.Reason)
}

func TestDrive_RestoreFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)
	f.restorer.fail["tenant_a"] = errors.New("container not running after import")

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)

	assert.Equal(t, string(model.RecoveryEventCompleted), event.Status)
	assert.Equal(t, 1, event.TenantsFailed)
	assert.Equal(t, 1, event.TenantsRecovered)

	items := itemsByTenant(t, f.repo, event.ID)
	require.NotNil(t, items["tenant_a"].Reason)
	assert.Contains(t, *items["tenant_a"].Reason, "not running")

	inst, err := f.repo.BotInstance.Get(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "node-1", inst.NodeID)
}

func TestDrive_AlertsOnOpenAndCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alerts := &alertLog{}
	f.orch.SetAlerter(alerts)
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, false)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, notification.SeverityWarning, alerts.alerts[0].Severity)

	_, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, notification.SeverityCritical, alerts.alerts[1].Severity, "a skipped tenant needs an operator")
	assert.Equal(t, "Recovery completed: node-1", alerts.alerts[1].Title)

	// completed events are not re-announced
	_, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	assert.Len(t, alerts.alerts, 2)
}

func TestDrive_TransientErrorsKeepItemWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)
	f.restorer.fail["tenant_b"] = fmt.Errorf("%w: tenant_b", service.ErrRestoreInProgress)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	f.restorer.listErr = errors.New("object store unreachable")
	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventInProgress), event.Status)
	assert.Equal(t, 2, event.TenantsWaiting)

	f.restorer.listErr = nil
	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventPartial), event.Status)

	items := itemsByTenant(t, f.repo, event.ID)
	assert.Equal(t, string(model.RecoveryItemRecovered), items["tenant_a"].Status)
	assert.Equal(t, 1, items["tenant_a"].RetryCount)
	assert.Equal(t, string(model.RecoveryItemWaiting), items["tenant_b"].Status)
	assert.Equal(t, 2, items["tenant_b"].RetryCount)
}

// Two control plane replicas driving the same event restore every tenant exactly once.
func TestDrive_ConcurrentDriversRestoreEachTenantOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 8192, 0, true)
	for _, tenant := range []string{"tenant_a", "tenant_b", "tenant_c", "tenant_d"} {
		f.place(t, tenant, "node-1", 256, true)
	}

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	gate := make(chan struct{})
	entered := make(chan string, 8)
	f.restorer.onRestore = func(tenant string) {
		entered <- tenant
		<-gate
	}
	replica := NewOrchestrator(f.repo, f.restorer, f.online, nil, config.RecoveryConfig{TenantMemoryMB: 128})

	errs := make(chan error, 2)
	go func() {
		_, err := f.orch.Drive(ctx, event.ID)
		errs <- err
	}()

	waitEntered := func() string {
		select {
		case tenant := <-entered:
			return tenant
		case <-time.After(5 * time.Second):
			require.FailNow(t, "restore never started")
			return ""
		}
	}
	first := waitEntered()

	// the second replica starts while the first is mid-restore
	go func() {
		_, err := replica.Drive(ctx, event.ID)
		errs <- err
	}()
	second := waitEntered()
	assert.NotEqual(t, first, second)

	close(gate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "drive did not finish")
		}
	}

	assert.Equal(t, map[string]int{"tenant_a": 1, "tenant_b": 1, "tenant_c": 1, "tenant_d": 1}, f.restorer.restoredTenants())

	detail, err := f.orch.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), detail.Event.Status)
	assert.Equal(t, 4, detail.Event.TenantsRecovered)
	for _, item := range detail.Items {
		assert.Equal(t, string(model.RecoveryItemRecovered), item.Status, item.Tenant)
	}
}

// A drive cancelled mid-restore (e.g. by the task timeout) still records the outcome of the claimed item
// and leaves the rest waiting.
func TestDrive_CancelledCallerFinishesClaimedItem(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)

	event, err := f.orch.Trigger(context.Background(), "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.restorer.onRestore = func(string) { cancel() }

	_, err = f.orch.Drive(ctx, event.ID)
	assert.ErrorIs(t, err, context.Canceled)

	items := itemsByTenant(t, f.repo, event.ID)
	assert.Equal(t, string(model.RecoveryItemRecovered), items["tenant_a"].Status)
	require.NotNil(t, items["tenant_a"].TargetNode)
	assert.Equal(t, "node-2", *items["tenant_a"].TargetNode)
	assert.Equal(t, string(model.RecoveryItemWaiting), items["tenant_b"].Status)

	f.restorer.onRestore = nil
	event, err = f.orch.Drive(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), event.Status)
	assert.Equal(t, map[string]int{"tenant_a": 1, "tenant_b": 1}, f.restorer.restoredTenants())
}

func TestDrive_StaleClaimIsHandedBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	f.place(t, "tenant_b", "node-1", 256, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)
	items := itemsByTenant(t, f.repo, event.ID)

	// tenant_a was claimed by a process that died long ago, tenant_b by one still working on it
	claimed, err := f.repo.Recovery.ClaimItem(ctx, items["tenant_a"], time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.repo.Recovery.ClaimItem(ctx, items["tenant_b"], time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	event, err = f.orch.Drive(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tenant_a": 1}, f.restorer.restoredTenants())
	assert.Equal(t, string(model.RecoveryEventPartial), event.Status)
	assert.Equal(t, 1, event.TenantsWaiting, "a live claim still counts as waiting")

	items = itemsByTenant(t, f.repo, event.ID)
	assert.Equal(t, string(model.RecoveryItemRecovered), items["tenant_a"].Status)
	assert.Equal(t, string(model.RecoveryItemInProgress), items["tenant_b"].Status)
}

// A fresh orchestrator picks up events persisted by a previous process.
func TestResumeOpen_AfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)

	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	restarted := NewOrchestrator(f.repo, f.restorer, f.online, nil, config.RecoveryConfig{})
	require.NoError(t, restarted.ResumeOpen(ctx))

	detail, err := restarted.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), detail.Event.Status)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, string(model.RecoveryItemRecovered), detail.Items[0].Status)
}

func TestHandleNodeFailure(t *testing.T) {
	t.Run("enqueues when a queue is configured", func(t *testing.T) {
		f := newFixture(t)
		q := &fakeQueue{}
		f.orch.queue = q
		f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
		f.place(t, "tenant_a", "node-1", 256, true)

		require.NoError(t, f.orch.HandleNodeFailure(context.Background(), "node-1"))
		require.Len(t, q.enqueued, 1)
		assert.Empty(t, f.restorer.calls)
	})

	t.Run("drives inline without a queue", func(t *testing.T) {
		f := newFixture(t)
		f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
		f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
		f.place(t, "tenant_a", "node-1", 256, true)

		require.NoError(t, f.orch.HandleNodeFailure(context.Background(), "node-1"))
		assert.Len(t, f.restorer.calls, 1)
	})

	t.Run("nothing to schedule for an empty node", func(t *testing.T) {
		f := newFixture(t)
		q := &fakeQueue{}
		f.orch.queue = q
		f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)

		require.NoError(t, f.orch.HandleNodeFailure(context.Background(), "node-1"))
		assert.Empty(t, q.enqueued)
	})
}

func TestProcessDriveTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.orch.ProcessDriveTask(ctx, asynq.NewTask(queue.TypeRecoveryDrive, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	f.addNode(t, "node-1", model.NodeStatusFailed, 4096, 0, false)
	f.addNode(t, "node-2", model.NodeStatusActive, 4096, 0, true)
	f.place(t, "tenant_a", "node-1", 256, true)
	event, err := f.orch.Trigger(ctx, "node-1", model.RecoveryTriggerHeartbeatTimeout, "system")
	require.NoError(t, err)

	payload := []byte(fmt.Sprintf(`{"event_id":%q}`, event.ID))
	require.NoError(t, f.orch.ProcessDriveTask(ctx, asynq.NewTask(queue.TypeRecoveryDrive, payload)))

	detail, err := f.orch.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.RecoveryEventCompleted), detail.Event.Status)
}
