package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		LockTTLSeconds:        10,
		LockWaitSeconds:       1,
		LockRetries:           3,
		LockRetryDelaySeconds: 0,
		MaxErrors:             5,
	}
}

func newTestJobManager(t *testing.T) (*JobManager, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return NewJobManager(store, testJobsConfig(), zap.NewNop()), store
}

func TestJobManager_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	jobID, err := m.CreateJob(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 42, job.Total)
	assert.Zero(t, job.CompletedCounter)
	assert.Nil(t, job.CompletedAt)
}

func TestJobManager_GetMissingJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	_, err := m.GetJob(ctx, "no-such-job")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestJobManager_UpdateAppliesDelta(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	jobID, err := m.CreateJob(ctx, 10)
	require.NoError(t, err)

	applied := m.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:         statusPtr(models.JobStatusInProgress),
		Message:        strPtr("halfway"),
		CompletedDelta: 4,
		FailedDelta:    1,
	})
	assert.True(t, applied)

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
	assert.Equal(t, "halfway", job.Message)
	assert.Equal(t, 4, job.CompletedCounter)
	assert.Equal(t, 1, job.FailedCounter)
}

func TestJobManager_UpdateNonexistentJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	applied := m.UpdateJob(ctx, "never-started", models.JobUpdate{CompletedDelta: 1})
	assert.False(t, applied, "no update applied onto a job that was never started")

	// A pending record was materialized as a side effect.
	job, err := m.GetJob(ctx, "never-started")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Zero(t, job.CompletedCounter)
}

func TestJobManager_TerminalJobIsImmutable(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	jobID, err := m.CreateJob(ctx, 1)
	require.NoError(t, err)

	require.True(t, m.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:         statusPtr(models.JobStatusCompleted),
		CompletedDelta: 1,
	}))

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt, "terminal transition stamps completed_at")

	// Late update arrives after the job finished.
	applied := m.UpdateJob(ctx, jobID, models.JobUpdate{CompletedDelta: 5})
	assert.False(t, applied)

	after, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCounter)
	assert.Equal(t, models.JobStatusCompleted, after.Status)
	assert.Equal(t, job.CompletedAt.Unix(), after.CompletedAt.Unix())
}

func TestJobManager_NegativeCounterAbortsJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	jobID, err := m.CreateJob(ctx, 1)
	require.NoError(t, err)

	applied := m.UpdateJob(ctx, jobID, models.JobUpdate{CompletedDelta: -1})
	assert.False(t, applied)

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, apperrors.ErrInvariantViolation.Error())
	assert.NotNil(t, job.CompletedAt)
}

func TestJobManager_ErrorListIsBounded(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestJobManager(t)

	jobID, err := m.CreateJob(ctx, 1)
	require.NoError(t, err)

	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"} {
		require.True(t, m.UpdateJob(ctx, jobID, models.JobUpdate{AddErrors: []string{msg}}))
	}

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4", "e5", "e6", "e7"}, job.Errors, "cap keeps the most recent errors")
}

func TestJobManager_ConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	// Widen the window between lock acquisition and release so interleaved
	// writers genuinely contend.
	store.LockHoldHook = func() { time.Sleep(time.Millisecond) }

	m := NewJobManager(store, testJobsConfig(), zap.NewNop())
	jobID, err := m.CreateJob(ctx, 100)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, m.UpdateJob(ctx, jobID, models.JobUpdate{CompletedDelta: 1}))
		}()
	}
	wg.Wait()

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, writers, job.CompletedCounter, "every increment lands exactly once")
}
