package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/models"
	"github.com/graphweave/graphweave-engine/pkg/retry"
)

// jobKey is the persisted-state key for one job record.
func jobKey(jobID string) string {
	return "job:" + jobID
}

// jobLockKey guards the read-modify-write cycle on one job record.
func jobLockKey(jobID string) string {
	return "lock:job:" + jobID
}

// JobManager tracks long-running ingestion and evaluation jobs. Job records
// are mutated only through the locked update path: counters are not
// idempotent, so this is the one place true mutual exclusion is required.
type JobManager struct {
	store     kvstore.Store
	cfg       config.JobsConfig
	lockRetry *retry.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewJobManager creates a job manager over the given store. The lock retry
// policy defaults to the configured fixed backoff; tests may substitute a
// zero-delay policy via SetLockRetryConfig.
func NewJobManager(store kvstore.Store, cfg config.JobsConfig, logger *zap.Logger) *JobManager {
	return &JobManager{
		store:     store,
		cfg:       cfg,
		lockRetry: retry.FixedDelay(cfg.LockRetries, cfg.LockRetryDelay()),
		logger:    logger.Named("job-manager"),
		now:       time.Now,
	}
}

// SetLockRetryConfig overrides the lock acquisition retry policy.
func (m *JobManager) SetLockRetryConfig(cfg *retry.Config) {
	m.lockRetry = cfg
}

// SetNowFunc overrides the clock, for tests.
func (m *JobManager) SetNowFunc(now func() time.Time) {
	m.now = now
}

// CreateJob registers a new pending job and returns its ID.
func (m *JobManager) CreateJob(ctx context.Context, total int) (string, error) {
	job := &models.JobInfo{
		JobID:     uuid.NewString(),
		Status:    models.JobStatusPending,
		Total:     total,
		CreatedAt: m.now(),
	}
	if err := m.writeJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created",
		zap.String("job_id", job.JobID),
		zap.Int("total", total))
	return job.JobID, nil
}

// GetJob fetches one job record; returns apperrors.ErrNotFound when absent.
// Reads take no lock: status and error lists are queryable at any time.
func (m *JobManager) GetJob(ctx context.Context, jobID string) (*models.JobInfo, error) {
	raw, ok, err := m.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}
	var job models.JobInfo
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateJob applies a delta to a job record under the job lock. Returns
// true when the update was applied. A false return means "state unknown,
// re-check via GetJob" — the job may not exist yet (a pending record is
// created as a side effect), may already be terminal, or the lock may not
// have been acquired within the retry budget. A dropped update is logged,
// never raised.
func (m *JobManager) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) bool {
	var applied bool
	err := retry.Do(ctx, m.lockRetry, func() error {
		lock, err := m.store.Lock(ctx, jobLockKey(jobID), m.cfg.LockTTL(), m.cfg.LockWait())
		if err != nil {
			return err
		}
		defer func() { _ = lock.Unlock(ctx) }()

		applied, err = m.applyLocked(ctx, jobID, update)
		return err
	})
	if err != nil {
		m.logger.Warn("job update skipped",
			zap.String("job_id", jobID),
			zap.Error(err))
		return false
	}
	return applied
}

// applyLocked performs the read-modify-write cycle. Counter increments are
// applied to the freshly read record, never a stale local copy.
func (m *JobManager) applyLocked(ctx context.Context, jobID string, update models.JobUpdate) (bool, error) {
	raw, ok, err := m.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return false, fmt.Errorf("read job %s: %w", jobID, err)
	}

	if !ok {
		// An update arrived for a job that was never started. Materialize a
		// pending record so the caller can find it, but report no update.
		job := &models.JobInfo{
			JobID:     jobID,
			Status:    models.JobStatusPending,
			CreatedAt: m.now(),
		}
		if err := m.writeJob(ctx, job); err != nil {
			return false, err
		}
		m.logger.Warn("update for unknown job, created pending record",
			zap.String("job_id", jobID))
		return false, nil
	}

	var job models.JobInfo
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return false, fmt.Errorf("decode job %s: %w", jobID, err)
	}

	if job.Status.IsTerminal() {
		m.logger.Debug("late update to terminal job ignored",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)))
		return false, nil
	}

	job.CompletedCounter += update.CompletedDelta
	job.FailedCounter += update.FailedDelta
	if job.CompletedCounter < 0 || job.FailedCounter < 0 {
		// Invariant violation: abort the job rather than silently clamp.
		now := m.now()
		job.Status = models.JobStatusFailed
		job.Error = fmt.Sprintf("%s: negative counter (completed=%d, failed=%d)",
			apperrors.ErrInvariantViolation, job.CompletedCounter, job.FailedCounter)
		job.CompletedAt = &now
		if err := m.writeJob(ctx, &job); err != nil {
			return false, err
		}
		m.logger.Error("negative job counter, job aborted",
			zap.String("job_id", jobID),
			zap.Int("completed", job.CompletedCounter),
			zap.Int("failed", job.FailedCounter))
		return false, nil
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Message != nil {
		job.Message = *update.Message
	}
	if update.Total != nil {
		job.Total = *update.Total
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if len(update.AddErrors) > 0 {
		job.Errors = append(job.Errors, update.AddErrors...)
		if max := m.cfg.MaxErrors; max > 0 && len(job.Errors) > max {
			job.Errors = job.Errors[len(job.Errors)-max:]
		}
	}

	if job.Status.IsTerminal() && job.CompletedAt == nil {
		now := m.now()
		job.CompletedAt = &now
	}

	if err := m.writeJob(ctx, &job); err != nil {
		return false, err
	}
	return true, nil
}

func (m *JobManager) writeJob(ctx context.Context, job *models.JobInfo) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	if err := m.store.Set(ctx, jobKey(job.JobID), string(raw)); err != nil {
		return fmt.Errorf("write job %s: %w", job.JobID, err)
	}
	return nil
}
