package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"botfleet/pkg/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name     string
	interval time.Duration
	runs     atomic.Int32
	err      error
}

func (j *countingJob) Name() string            { return j.name }
func (j *countingJob) Interval() time.Duration { return j.interval }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

type alignedCountingJob struct {
	countingJob
}

func (j *alignedCountingJob) AlignToInterval() bool { return true }

func TestManager_RunsImmediatelyThenOnInterval(t *testing.T) {
	m := NewManager(context.Background())
	job := &countingJob{name: "tick", interval: 10 * time.Millisecond, err: errors.New("ignored")}
	m.Register(job)
	m.Register(nil)
	m.Start()
	m.Start()

	require.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Wait()
	after := job.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, job.runs.Load(), "no runs after Stop")
}

func TestExclusive_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	job := &countingJob{name: "verify", interval: time.Hour}
	wrapped := Exclusive(job, locker)
	assert.Equal(t, "verify", wrapped.Name())
	ctx := context.Background()

	held := locker.NewLock(lock.JobKey("verify"))
	ok, err := held.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, wrapped.Run(ctx))
	assert.Equal(t, int32(0), job.runs.Load())

	require.NoError(t, held.Unlock(ctx))
	require.NoError(t, wrapped.Run(ctx))
	require.NoError(t, wrapped.Run(ctx))
	assert.Equal(t, int32(2), job.runs.Load(), "the lock is released after each run")
}

func TestExclusive_KeepsAlignment(t *testing.T) {
	job := &alignedCountingJob{countingJob{name: "nightly", interval: 24 * time.Hour}}
	wrapped := Exclusive(job, lock.NewLocalLocker())

	aligned, ok := wrapped.(AlignedJob)
	require.True(t, ok)
	assert.True(t, aligned.AlignToInterval())

	assert.Same(t, Job(job), Exclusive(job, nil))
}
