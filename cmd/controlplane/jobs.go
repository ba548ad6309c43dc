package main

import (
	"context"
	"fmt"
	"time"

	"botfleet/internal/jobs"
	"botfleet/internal/service"
	"botfleet/pkg/logger"
)

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	// Every job takes a distributed lock per run so only one replica executes it.
	// Without Redis the locker degrades to in-process locks.
	manager.Register(jobs.Exclusive(newHeartbeatTimeoutJob(app.config.Nodes.HeartbeatInterval, app.nodeService), app.jobLocker))
	manager.Register(jobs.Exclusive(newRecoveryResumeJob(app.config.Recovery.Interval, app.orchestrator, app.queueMgr), app.jobLocker))
	manager.Register(jobs.Exclusive(newBackupVerifyJob(app.config.Backup.VerifyInterval, app.backupVerifier, app.config.Backup.VerifyPrefix, app.config.Backup.VerifyLimit), app.jobLocker))

	if app.config.Backup.NightlyEnabled {
		manager.Register(jobs.Exclusive(newNightlyBackupJob(24*time.Hour, app.backupService), app.jobLocker))
	} else {
		logger.InfoCtx(app.ctx, "nightly backups disabled")
	}

	app.jobsManager = manager
	return nil
}

type failureDetector interface {
	DetectFailures(ctx context.Context) ([]string, error)
}

// heartbeatTimeoutJob fails nodes that stopped sending heartbeats and starts their recovery.
type heartbeatTimeoutJob struct {
	interval time.Duration
	nodes    failureDetector
}

func newHeartbeatTimeoutJob(interval time.Duration, nodes failureDetector) jobs.Job {
	return &heartbeatTimeoutJob{interval: interval, nodes: nodes}
}

func (j *heartbeatTimeoutJob) Name() string { return "heartbeat-timeout" }

func (j *heartbeatTimeoutJob) Interval() time.Duration { return j.interval }

func (j *heartbeatTimeoutJob) Run(ctx context.Context) error {
	if j.nodes == nil {
		return fmt.Errorf("node service not configured")
	}
	failed, err := j.nodes.DetectFailures(ctx)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		logger.WarnCtx(ctx, "heartbeat timeout failed %d node(s): %v", len(failed), failed)
	}
	return nil
}

type openEventResumer interface {
	ResumeOpen(ctx context.Context) error
}

type pendingCounter interface {
	GetPendingTaskCount() (int, error)
}

// recoveryResumeJob drives every open recovery event; waiting tenants get placed once capacity appears.
type recoveryResumeJob struct {
	interval time.Duration
	resumer  openEventResumer
	queue    pendingCounter
}

func newRecoveryResumeJob(interval time.Duration, resumer openEventResumer, queue pendingCounter) jobs.Job {
	return &recoveryResumeJob{interval: interval, resumer: resumer, queue: queue}
}

func (j *recoveryResumeJob) Name() string { return "recovery-resume" }

func (j *recoveryResumeJob) Interval() time.Duration { return j.interval }

func (j *recoveryResumeJob) Run(ctx context.Context) error {
	if j.queue != nil {
		if pending, err := j.queue.GetPendingTaskCount(); err == nil && pending > 0 {
			logger.DebugCtx(ctx, "%d recovery drive task(s) still queued", pending)
		}
	}
	return j.resumer.ResumeOpen(ctx)
}

type verifier interface {
	Verify(ctx context.Context, prefix string, limit int) *service.VerifyReport
}

// backupVerifyJob checks the newest backups are intact gzip archives.
type backupVerifyJob struct {
	interval time.Duration
	verifier verifier
	prefix   string
	limit    int
}

func newBackupVerifyJob(interval time.Duration, v verifier, prefix string, limit int) jobs.Job {
	return &backupVerifyJob{interval: interval, verifier: v, prefix: prefix, limit: limit}
}

func (j *backupVerifyJob) Name() string { return "backup-verify" }

func (j *backupVerifyJob) Interval() time.Duration { return j.interval }

func (j *backupVerifyJob) Run(ctx context.Context) error {
	report := j.verifier.Verify(ctx, j.prefix, j.limit)
	if report.Failed > 0 {
		for _, item := range report.Items {
			if !item.Valid {
				logger.ErrorCtx(ctx, "backup %s failed verification: %s", item.Key, item.Error)
			}
		}
		return fmt.Errorf("%d of %d backups under %s failed verification", report.Failed, report.TotalChecked, j.prefix)
	}
	logger.InfoCtx(ctx, "verified %d backup(s) under %s", report.TotalChecked, j.prefix)
	return nil
}

type nightlyRunner interface {
	RunNightly(ctx context.Context) (*service.NightlySummary, error)
}

// nightlyBackupJob asks every connected node to back up its tenants, at midnight UTC.
type nightlyBackupJob struct {
	interval time.Duration
	runner   nightlyRunner
}

func newNightlyBackupJob(interval time.Duration, runner nightlyRunner) jobs.Job {
	return &nightlyBackupJob{interval: interval, runner: runner}
}

func (j *nightlyBackupJob) Name() string { return "nightly-backup" }

func (j *nightlyBackupJob) Interval() time.Duration { return j.interval }

func (j *nightlyBackupJob) AlignToInterval() bool { return true }

func (j *nightlyBackupJob) Run(ctx context.Context) error {
	start := time.Now()
	summary, err := j.runner.RunNightly(ctx)
	if err != nil {
		return err
	}
	logger.InfoCtx(ctx, "nightly backup finished in %v: nodes %d, succeeded %d, failed %d",
		time.Since(start).Round(time.Second), summary.Nodes, summary.Succeeded, summary.Failed)
	if len(summary.NodeErrors) > 0 {
		return fmt.Errorf("nightly backup failed on %d node(s): %v", len(summary.NodeErrors), summary.NodeErrors)
	}
	return nil
}

