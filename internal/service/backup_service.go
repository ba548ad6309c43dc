package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/lock"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/notification"
	"botfleet/pkg/protocol"
	"botfleet/pkg/status"
	"botfleet/pkg/storage"
	"botfleet/pkg/store/mysql"
	"botfleet/pkg/store/mysql/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRestoreInProgress = errors.New("restore already in progress for tenant")
	ErrInvalidSnapshot   = errors.New("snapshot does not belong to tenant")
	ErrNoSnapshot        = errors.New("no snapshot available")
)

const (
	restoredByRecovery = "recovery"
	bytesPerMB         = 1024 * 1024
	nightlyParallelism = 4
)

// RestoreRequest is an operator-initiated restore of a tenant on the node that currently hosts it
type RestoreRequest struct {
	Tenant      string
	NodeID      string
	SnapshotKey string
	Actor       string
	Reason      string
}

// RestoreResult describes a completed restore
type RestoreResult struct {
	Tenant        string `json:"tenant"`
	NodeID        string `json:"node_id"`
	SnapshotKey   string `json:"snapshot_key"`
	PreRestoreKey string `json:"pre_restore_key"`
	DowntimeMs    int64  `json:"downtime_ms"`
}

// HotBackupResult describes an on-demand backup into the latest tier
type HotBackupResult struct {
	Tenant    string `json:"tenant"`
	NodeID    string `json:"node_id"`
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

// NightlySummary aggregates one nightly run across nodes
type NightlySummary struct {
	Nodes      int      `json:"nodes"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	NodeErrors []string `json:"node_errors,omitempty"`
}

// BackupService lists snapshots and runs backups and restores over the command bus
type BackupService struct {
	commander Commander
	store     storage.ObjectStore
	repo      *mysql.Repository
	locker    lock.Locker
	remoteDir string
	alerter   Alerter
	rejected  SnapshotFilter
	now       func() time.Time
}

// SnapshotFilter flags snapshots known to be unusable. *BackupVerifier implements it.
type SnapshotFilter interface {
	Rejected(key string) bool
}

// NewBackupService creates the backup service
func NewBackupService(commander Commander, store storage.ObjectStore, repo *mysql.Repository, locker lock.Locker, cfg config.BackupConfig) *BackupService {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &BackupService{
		commander: commander,
		store:     store,
		repo:      repo,
		locker:    locker,
		remoteDir: cfg.RemoteDir,
		now:       time.Now,
	}
}

// SetAlerter sets where tenant-down alerts go
func (s *BackupService) SetAlerter(a Alerter) {
	s.alerter = a
}

// SetSnapshotFilter makes LatestSnapshot pass over snapshots f rejects
func (s *BackupService) SetSnapshotFilter(f SnapshotFilter) {
	s.rejected = f
}

// ListSnapshots returns every nightly and latest backup of tenant, newest first
func (s *BackupService) ListSnapshots(ctx context.Context, tenant string) ([]storage.Object, error) {
	var nightly, latest []storage.Object

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		objects, err := s.store.List(gctx, storage.TierNightly)
		if err != nil {
			return fmt.Errorf("failed to list nightly backups: %w", err)
		}
		nightly = objects
		return nil
	})
	g.Go(func() error {
		objects, err := s.store.List(gctx, storage.TierLatest+tenant+"/")
		if err != nil {
			return fmt.Errorf("failed to list latest backups: %w", err)
		}
		latest = objects
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshots := make([]storage.Object, 0, len(nightly)+len(latest))
	for _, obj := range nightly {
		if storage.BelongsTo(obj.Path, tenant) {
			snapshots = append(snapshots, obj)
		}
	}
	for _, obj := range latest {
		if storage.BelongsTo(obj.Path, tenant) {
			snapshots = append(snapshots, obj)
		}
	}
	storage.SortNewestFirst(snapshots)
	return snapshots, nil
}

// LatestSnapshot returns the newest snapshot key of tenant that has not failed verification, or
// ErrNoSnapshot
func (s *BackupService) LatestSnapshot(ctx context.Context, tenant string) (string, error) {
	snapshots, err := s.ListSnapshots(ctx, tenant)
	if err != nil {
		return "", err
	}
	for _, obj := range snapshots {
		if s.rejected != nil && s.rejected.Rejected(obj.Path) {
			logger.WarnCtx(ctx, "skipping snapshot %s of %s: failed verification", obj.Path, tenant)
			continue
		}
		return obj.Path, nil
	}
	if len(snapshots) > 0 {
		return "", fmt.Errorf("%w for %s: all %d failed verification", ErrNoSnapshot, tenant, len(snapshots))
	}
	return "", fmt.Errorf("%w for %s", ErrNoSnapshot, tenant)
}

// ResolveNode returns nodeID, or the node the tenant is placed on when nodeID is empty
func (s *BackupService) ResolveNode(ctx context.Context, tenant, nodeID string) (string, error) {
	if nodeID != "" {
		return nodeID, nil
	}
	inst, err := s.repo.BotInstance.Get(ctx, tenant)
	if err != nil {
		if mysql.IsNotFound(err) {
			return "", fmt.Errorf("tenant %s has no known placement: %w", tenant, err)
		}
		return "", err
	}
	return inst.NodeID, nil
}

func (s *BackupService) acquire(ctx context.Context, tenant string) (lock.Lock, error) {
	l := s.locker.NewLock(lock.RestoreKey(tenant))
	acquired, err := l.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take restore lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRestoreInProgress, tenant)
	}
	return l, nil
}

func (s *BackupService) stagingPath(kind, tenant string) string {
	return path.Join(s.remoteDir, fmt.Sprintf("%s_%s_%d.tar.gz", kind, tenant, s.now().UnixMilli()))
}

// Restore replaces tenant's container on req.NodeID with req.SnapshotKey.
//
// The current container is exported to pre-restore/ first. Removing it is the point of no return:
// any failure before that aborts with the container untouched, any failure at or after it triggers
// one automatic re-import of the pre-restore snapshot. Every attempt is appended to the restore log.
func (s *BackupService) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	// runs to a terminal state even if the caller goes away; each command is bounded by the bus timeout
	ctx = logger.WithTraceID(context.WithoutCancel(ctx), uuid.NewString())

	entry := &mysql.RestoreLog{
		Tenant:      req.Tenant,
		NodeID:      req.NodeID,
		SnapshotKey: req.SnapshotKey,
		RestoredBy:  req.Actor,
		Reason:      req.Reason,
	}

	if !storage.BelongsTo(req.SnapshotKey, req.Tenant) {
		return nil, s.reject(ctx, entry, fmt.Errorf("%w: %s is not a backup of %s", ErrInvalidSnapshot, req.SnapshotKey, req.Tenant))
	}

	l, err := s.acquire(ctx, req.Tenant)
	if err != nil {
		return nil, s.reject(ctx, entry, err)
	}
	defer l.Unlock(ctx)

	logger.InfoCtx(ctx, "restore started, tenant: %s, node: %s, snapshot: %s, actor: %s", req.Tenant, req.NodeID, req.SnapshotKey, req.Actor)

	// 1-2: safety snapshot of the current container
	exportPath := s.stagingPath("pre", req.Tenant)
	var exported protocol.ExportResult
	if err := s.commander.Exec(ctx, req.NodeID, &protocol.BotExportPayload{Name: req.Tenant, Path: exportPath}, &exported); err != nil {
		return nil, s.abort(ctx, entry, fmt.Errorf("export current container: %w", err))
	}

	preRestoreKey := storage.PreRestoreKey(req.Tenant, s.now())
	upload := &protocol.BackupUploadPayload{LocalPath: exported.Path, RemoteKey: preRestoreKey, DeleteLocal: true}
	if err := s.commander.Exec(ctx, req.NodeID, upload, nil); err != nil {
		return nil, s.abort(ctx, entry, fmt.Errorf("upload pre-restore snapshot: %w", err))
	}

	// 3: downtime starts here
	stoppedAt := s.now()
	if err := s.commander.Exec(ctx, req.NodeID, &protocol.BotStopPayload{Name: req.Tenant}, nil); err != nil {
		return nil, s.abort(ctx, entry, fmt.Errorf("stop container: %w", err))
	}

	// 4: point of no return
	entry.PreRestoreKey = &preRestoreKey
	if err := s.commander.Exec(ctx, req.NodeID, &protocol.BotRemovePayload{Name: req.Tenant, Force: true}, nil); err != nil {
		return nil, s.selfHeal(ctx, entry, stoppedAt, fmt.Errorf("remove container: %w", err))
	}

	// 5-7
	if err := s.importAndVerify(ctx, req.NodeID, req.Tenant, req.SnapshotKey, 0, "restore"); err != nil {
		return nil, s.selfHeal(ctx, entry, stoppedAt, err)
	}

	// 8
	downtime := s.now().Sub(stoppedAt)
	entry.Success = true
	entry.DowntimeMs = downtime.Milliseconds()
	s.appendLog(ctx, entry)

	metrics.RestoresTotal.WithLabelValues("success").Inc()
	metrics.RestoreDowntime.Observe(downtime.Seconds())
	logger.InfoCtx(ctx, "restore completed, tenant: %s, node: %s, downtime_ms: %d", req.Tenant, req.NodeID, entry.DowntimeMs)

	return &RestoreResult{
		Tenant:        req.Tenant,
		NodeID:        req.NodeID,
		SnapshotKey:   req.SnapshotKey,
		PreRestoreKey: preRestoreKey,
		DowntimeMs:    entry.DowntimeMs,
	}, nil
}

// importAndVerify downloads key onto the node, imports it as container name, starts it and checks it runs
func (s *BackupService) importAndVerify(ctx context.Context, nodeID, name, key string, memoryMB int64, kind string) error {
	localPath := s.stagingPath(kind, name)
	if err := s.commander.Exec(ctx, nodeID, &protocol.BackupDownloadPayload{RemoteKey: key, LocalPath: localPath}, nil); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}

	importPayload := &protocol.BotImportPayload{Name: name, Path: localPath, MemoryMB: memoryMB}
	if err := s.commander.Exec(ctx, nodeID, importPayload, nil); err != nil {
		return fmt.Errorf("import %s: %w", key, err)
	}

	var info protocol.ContainerInfo
	if err := s.commander.Exec(ctx, nodeID, &protocol.BotInspectPayload{Name: name}, &info); err != nil {
		return fmt.Errorf("inspect restored container: %w", err)
	}
	if !info.Running {
		return fmt.Errorf("restored container %s is not running (state %s, exit code %d)", name, info.State, info.ExitCode)
	}
	return nil
}

// reject records an attempt refused before any command was sent
func (s *BackupService) reject(ctx context.Context, entry *mysql.RestoreLog, cause error) error {
	entry.PreRestoreKey = nil
	entry.Success = false
	entry.Error = "rejected: " + cause.Error()
	s.appendLog(ctx, entry)

	metrics.RestoresTotal.WithLabelValues("rejected").Inc()
	logger.WarnCtx(ctx, "restore of %s rejected: %v", entry.Tenant, cause)
	return cause
}

// abort handles a failure before the point of no return: the original container was never removed
func (s *BackupService) abort(ctx context.Context, entry *mysql.RestoreLog, cause error) error {
	entry.PreRestoreKey = nil
	entry.Success = false
	entry.Error = cause.Error()
	s.appendLog(ctx, entry)

	metrics.RestoresTotal.WithLabelValues("aborted").Inc()
	logger.WarnCtx(ctx, "restore of %s aborted, original container untouched: %v", entry.Tenant, cause)
	return fmt.Errorf("restore of %s aborted: %w", entry.Tenant, cause)
}

// selfHeal handles a failure at or after removal: one attempt to bring back the pre-restore snapshot
func (s *BackupService) selfHeal(ctx context.Context, entry *mysql.RestoreLog, stoppedAt time.Time, cause error) error {
	entry.Success = false
	entry.Error = cause.Error()
	entry.DowntimeMs = s.now().Sub(stoppedAt).Milliseconds()
	s.appendLog(ctx, entry)

	preRestoreKey := *entry.PreRestoreKey
	logger.ErrorCtx(ctx, "restore of %s failed after removal, re-importing %s: %v", entry.Tenant, preRestoreKey, cause)

	// the failed step may have left a container behind under the tenant name
	if err := s.commander.Exec(ctx, entry.NodeID, &protocol.BotRemovePayload{Name: entry.Tenant, Force: true}, nil); err != nil {
		logger.DebugCtx(ctx, "cleanup before self-heal of %s: %v", entry.Tenant, err)
	}

	healErr := s.importAndVerify(ctx, entry.NodeID, entry.Tenant, preRestoreKey, 0, "recover")
	recovery := &mysql.RestoreLog{
		Tenant:        entry.Tenant,
		NodeID:        entry.NodeID,
		SnapshotKey:   preRestoreKey,
		PreRestoreKey: &preRestoreKey,
		RestoredBy:    restoredByRecovery,
		Reason:        "automatic recovery after failed restore of " + entry.SnapshotKey,
		Success:       healErr == nil,
		DowntimeMs:    s.now().Sub(stoppedAt).Milliseconds(),
	}
	if healErr != nil {
		recovery.Error = healErr.Error()
	}
	s.appendLog(ctx, recovery)
	metrics.RestoreDowntime.Observe(s.now().Sub(stoppedAt).Seconds())

	if healErr != nil {
		metrics.RestoresTotal.WithLabelValues("critical").Inc()
		logger.CriticalCtx(ctx, "tenant %s on node %s is DOWN: restore failed (%v) and recovery from %s failed (%v)",
			entry.Tenant, entry.NodeID, cause, preRestoreKey, healErr)
		sendAlert(ctx, s.alerter, &notification.Alert{
			Severity: notification.SeverityCritical,
			Title:    "Tenant down: " + entry.Tenant,
			Summary:  fmt.Sprintf("Restore failed and the pre-restore backup could not be re-imported. Manual intervention required.\n%v", healErr),
			Fields: []notification.Field{
				{Name: "Node", Value: entry.NodeID},
				{Name: "Snapshot", Value: entry.SnapshotKey},
				{Name: "Pre-restore backup", Value: preRestoreKey},
				{Name: "Restore error", Value: cause.Error()},
			},
			OccurredAt: s.now(),
		})
		return fmt.Errorf("restore of %s failed and recovery from %s failed: %v: %w", entry.Tenant, preRestoreKey, healErr, cause)
	}

	metrics.RestoresTotal.WithLabelValues("self_healed").Inc()
	logger.WarnCtx(ctx, "restore of %s failed; original container recovered from %s", entry.Tenant, preRestoreKey)
	return fmt.Errorf("restore of %s failed, original container recovered from %s: %w", entry.Tenant, preRestoreKey, cause)
}

func (s *BackupService) appendLog(ctx context.Context, entry *mysql.RestoreLog) {
	entry.ID = 0
	entry.RestoredAt = s.now()
	entry.Error = status.Sanitize(entry.Error)
	if err := s.repo.RestoreLog.Create(context.WithoutCancel(ctx), entry); err != nil {
		logger.ErrorCtx(ctx, "failed to append restore log for %s: %v", entry.Tenant, err)
	}
}

// RestoreInto materializes tenant from snapshotKey on a node that does not currently host it. There is
// no current container, so no safety snapshot is taken.
func (s *BackupService) RestoreInto(ctx context.Context, tenant, nodeID, snapshotKey string, memoryMB int64) error {
	ctx = context.WithoutCancel(ctx)

	rejected := &mysql.RestoreLog{
		Tenant:      tenant,
		NodeID:      nodeID,
		SnapshotKey: snapshotKey,
		RestoredBy:  restoredByRecovery,
		Reason:      "node recovery",
	}
	if !storage.BelongsTo(snapshotKey, tenant) {
		return s.reject(ctx, rejected, fmt.Errorf("%w: %s is not a backup of %s", ErrInvalidSnapshot, snapshotKey, tenant))
	}

	l, err := s.acquire(ctx, tenant)
	if err != nil {
		return s.reject(ctx, rejected, err)
	}
	defer l.Unlock(ctx)

	start := s.now()
	err = s.importAndVerify(ctx, nodeID, tenant, snapshotKey, memoryMB, "restore")

	entry := &mysql.RestoreLog{
		Tenant:      tenant,
		NodeID:      nodeID,
		SnapshotKey: snapshotKey,
		RestoredBy:  restoredByRecovery,
		Reason:      "node recovery",
		Success:     err == nil,
		DowntimeMs:  s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.appendLog(ctx, entry)

	if err != nil {
		metrics.RestoresTotal.WithLabelValues("recovery_failed").Inc()
		return fmt.Errorf("restore %s into %s: %w", tenant, nodeID, err)
	}
	metrics.RestoresTotal.WithLabelValues("recovery").Inc()
	logger.InfoCtx(ctx, "tenant %s restored into node %s from %s", tenant, nodeID, snapshotKey)
	return nil
}

// HotBackup exports tenant now and uploads it to the latest tier
func (s *BackupService) HotBackup(ctx context.Context, tenant, nodeID string) (*HotBackupResult, error) {
	at := s.now()
	key := storage.LatestKey(tenant, at)

	result, err := s.backupTo(ctx, tenant, nodeID, key, s.stagingPath("hot", tenant))
	attempt := mysql.BackupAttempt{ContainerID: tenant, NodeID: nodeID, Success: err == nil, Path: key, At: at}
	if err != nil {
		attempt.Error = err.Error()
	} else {
		attempt.SizeMB = float64(result.SizeBytes) / bytesPerMB
	}
	if recErr := s.repo.BackupStatus.RecordAttempt(ctx, attempt); recErr != nil {
		logger.ErrorCtx(ctx, "failed to record backup status for %s: %v", tenant, recErr)
	}

	if err != nil {
		metrics.BackupsTotal.WithLabelValues("latest", "failed").Inc()
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues("latest", "success").Inc()
	logger.InfoCtx(ctx, "hot backup of %s on %s stored at %s (%d bytes)", tenant, nodeID, key, result.SizeBytes)
	return result, nil
}

func (s *BackupService) backupTo(ctx context.Context, tenant, nodeID, key, localPath string) (*HotBackupResult, error) {
	var exported protocol.ExportResult
	if err := s.commander.Exec(ctx, nodeID, &protocol.BotExportPayload{Name: tenant, Path: localPath}, &exported); err != nil {
		return nil, fmt.Errorf("export %s: %w", tenant, err)
	}

	var uploaded protocol.TransferResult
	upload := &protocol.BackupUploadPayload{LocalPath: exported.Path, RemoteKey: key, DeleteLocal: true}
	if err := s.commander.Exec(ctx, nodeID, upload, &uploaded); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	size := uploaded.SizeBytes
	if size == 0 {
		size = exported.SizeBytes
	}
	return &HotBackupResult{Tenant: tenant, NodeID: nodeID, Key: key, SizeBytes: size}, nil
}

// RunNightly asks every connected active node to back up its tenants to the nightly tier and records
// each container's outcome
func (s *BackupService) RunNightly(ctx context.Context) (*NightlySummary, error) {
	nodes, err := s.repo.Node.List(ctx, string(model.NodeStatusActive))
	if err != nil {
		return nil, err
	}

	summary := &NightlySummary{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nightlyParallelism)
	for _, node := range nodes {
		if !s.commander.IsConnected(node.NodeID) {
			continue
		}
		nodeID := node.NodeID
		summary.Nodes++

		g.Go(func() error {
			var result protocol.NightlyResult
			if err := s.commander.Exec(gctx, nodeID, &protocol.BackupRunNightlyPayload{}, &result); err != nil {
				logger.ErrorCtx(gctx, "nightly backup on node %s failed: %v", nodeID, err)
				mu.Lock()
				summary.NodeErrors = append(summary.NodeErrors, fmt.Sprintf("%s: %v", nodeID, err))
				mu.Unlock()
				return nil
			}

			for _, r := range result.Results {
				attempt := mysql.BackupAttempt{
					ContainerID: r.Container,
					NodeID:      nodeID,
					Success:     r.Success,
					SizeMB:      float64(r.SizeBytes) / bytesPerMB,
					Path:        r.RemoteKey,
					Error:       r.Error,
				}
				if err := s.repo.BackupStatus.RecordAttempt(gctx, attempt); err != nil {
					logger.ErrorCtx(gctx, "failed to record backup status for %s: %v", r.Container, err)
				}

				outcome := "success"
				if !r.Success {
					outcome = "failed"
				}
				metrics.BackupsTotal.WithLabelValues("nightly", outcome).Inc()

				mu.Lock()
				if r.Success {
					summary.Succeeded++
				} else {
					summary.Failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.InfoCtx(ctx, "nightly backup finished, nodes: %d, succeeded: %d, failed: %d", summary.Nodes, summary.Succeeded, summary.Failed)
	return summary, nil
}

// Statuses returns backup statuses, optionally for one node
func (s *BackupService) Statuses(ctx context.Context, nodeID string) ([]*mysql.BackupStatus, error) {
	return s.repo.BackupStatus.List(ctx, nodeID)
}

// RestoreHistory returns restore log entries, newest first
func (s *BackupService) RestoreHistory(ctx context.Context, tenant string, limit int) ([]*mysql.RestoreLog, error) {
	return s.repo.RestoreLog.List(ctx, tenant, limit)
}

// ValidTenant reports whether name looks like a tenant container name
func ValidTenant(name string) bool {
	return strings.HasPrefix(name, config.DefaultContainerPrefix) && len(name) > len(config.DefaultContainerPrefix) && !strings.ContainsAny(name, "/ ")
}
