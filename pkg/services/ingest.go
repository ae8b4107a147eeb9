package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/models"
	"github.com/graphweave/graphweave-engine/pkg/search"
)

const datasourceSetKey = "datasources"

func datasourceKey(datasourceID string) string {
	return "datasource:" + datasourceID
}

// IngestService is the surface an ingestor process drives: datasource
// registration, job creation, batched entity ingestion, and the staleness
// sweep. Entities land in the graph store first and the fuzzy index
// second; progress counters only move after both writes.
type IngestService struct {
	kv         kvstore.Store
	graphStore graph.Store
	fuzzy      *search.Service
	jobs       *JobManager
	cfg        config.IngestConfig
	clientName string
	logger     *zap.Logger
	now        func() time.Time
}

// NewIngestService creates the ingestion service.
func NewIngestService(
	kv kvstore.Store,
	graphStore graph.Store,
	fuzzy *search.Service,
	jobs *JobManager,
	cfg config.IngestConfig,
	clientName string,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		kv:         kv,
		graphStore: graphStore,
		fuzzy:      fuzzy,
		jobs:       jobs,
		cfg:        cfg,
		clientName: clientName,
		logger:     logger.Named("ingest-service"),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *IngestService) SetNowFunc(now func() time.Time) {
	s.now = now
}

// ============================================================================
// Datasources
// ============================================================================

// UpsertDatasource stores or replaces a datasource record.
func (s *IngestService) UpsertDatasource(ctx context.Context, info *models.DataSourceInfo) error {
	if info.DatasourceID == "" {
		return fmt.Errorf("upsert datasource: empty id: %w", apperrors.ErrInvalidInput)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode datasource %s: %w", info.DatasourceID, err)
	}
	if err := s.kv.Set(ctx, datasourceKey(info.DatasourceID), string(raw)); err != nil {
		return fmt.Errorf("save datasource %s: %w", info.DatasourceID, err)
	}
	if err := s.kv.SAdd(ctx, datasourceSetKey, info.DatasourceID); err != nil {
		return fmt.Errorf("index datasource %s: %w", info.DatasourceID, err)
	}
	return nil
}

// GetDatasource loads one datasource record.
func (s *IngestService) GetDatasource(ctx context.Context, datasourceID string) (*models.DataSourceInfo, error) {
	raw, ok, err := s.kv.Get(ctx, datasourceKey(datasourceID))
	if err != nil {
		return nil, fmt.Errorf("get datasource %s: %w", datasourceID, err)
	}
	if !ok {
		return nil, fmt.Errorf("datasource %s: %w", datasourceID, apperrors.ErrNotFound)
	}
	var info models.DataSourceInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode datasource %s: %w", datasourceID, err)
	}
	return &info, nil
}

// ListDatasources returns all registered datasources, sorted by id.
// Implements the scheduler's DatasourceLister.
func (s *IngestService) ListDatasources(ctx context.Context) ([]*models.DataSourceInfo, error) {
	ids, err := s.kv.SMembers(ctx, datasourceSetKey)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	sort.Strings(ids)
	out := make([]*models.DataSourceInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.GetDatasource(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteDatasource unregisters a datasource. Entities it ingested stay in
// the graph until the staleness sweep collects them.
func (s *IngestService) DeleteDatasource(ctx context.Context, datasourceID string) error {
	if _, err := s.GetDatasource(ctx, datasourceID); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, datasourceSetKey, datasourceID); err != nil {
		return fmt.Errorf("unindex datasource %s: %w", datasourceID, err)
	}
	if err := s.kv.Delete(ctx, datasourceKey(datasourceID)); err != nil {
		return fmt.Errorf("delete datasource %s: %w", datasourceID, err)
	}
	s.logger.Info("datasource deleted", zap.String("datasource_id", datasourceID))
	return nil
}

// MarkDatasourceSynced stamps a datasource's last sync time, resetting its
// reload window.
func (s *IngestService) MarkDatasourceSynced(ctx context.Context, datasourceID string) error {
	info, err := s.GetDatasource(ctx, datasourceID)
	if err != nil {
		return err
	}
	info.LastUpdated = s.now().Unix()
	return s.UpsertDatasource(ctx, info)
}

var _ DatasourceLister = (*IngestService)(nil)

// ============================================================================
// Jobs
// ============================================================================

// CreateJob registers a new ingestion job for a datasource and returns
// its id.
func (s *IngestService) CreateJob(ctx context.Context, datasourceID string, total int) (string, error) {
	jobID, err := s.jobs.CreateJob(ctx, total)
	if err != nil {
		return "", fmt.Errorf("create ingest job for %s: %w", datasourceID, err)
	}
	s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
		Message: strPtr(fmt.Sprintf("ingesting datasource %s", datasourceID)),
	})
	return jobID, nil
}

// IncrementJobProgress adds n to the job's completed counter.
func (s *IngestService) IncrementJobProgress(ctx context.Context, jobID string, n int) bool {
	return s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{CompletedDelta: n})
}

// IncrementJobFailure adds n to the job's failed counter.
func (s *IngestService) IncrementJobFailure(ctx context.Context, jobID string, n int) bool {
	return s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{FailedDelta: n})
}

// AddJobError appends messages to the job's bounded error list.
func (s *IngestService) AddJobError(ctx context.Context, jobID string, messages ...string) bool {
	return s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{AddErrors: messages})
}

// UpdateJobStatus transitions the job's status with a message.
func (s *IngestService) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, message string) bool {
	return s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:  &status,
		Message: &message,
	})
}

// ============================================================================
// Entity and relation ingestion
// ============================================================================

// IngestEntities upserts entities in batches, indexing each one after its
// graph write. Entities without a usable primary key are skipped and
// counted as failures; everything else is counted as progress only after
// both the graph and the index accepted it. A job driven terminal by
// another caller aborts the remaining batches.
func (s *IngestService) IngestEntities(ctx context.Context, jobID, datasourceID string, entities []*models.Entity, freshUntil time.Time) error {
	if freshUntil.IsZero() {
		freshUntil = s.now().UTC().Add(time.Duration(s.cfg.FreshnessSeconds) * time.Second)
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(entities)
	}

	for start := 0; start < len(entities); start += batchSize {
		end := start + batchSize
		if end > len(entities) {
			end = len(entities)
		}

		var job *models.JobInfo
		if jobID != "" {
			var err error
			job, err = s.jobs.GetJob(ctx, jobID)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("ingest entities: %w", err)
			}
		}
		if job != nil && job.Status.IsTerminal() {
			s.logger.Warn("aborting ingestion, job already terminal",
				zap.String("job_id", jobID),
				zap.String("datasource_id", datasourceID),
				zap.String("status", string(job.Status)),
				zap.Int("remaining", len(entities)-start))
			return fmt.Errorf("ingest entities: %w", apperrors.ErrJobTerminal)
		}

		completed, failed := 0, 0
		var itemErrors []string
		for _, entity := range entities[start:end] {
			if err := s.ingestOne(ctx, entity, freshUntil); err != nil {
				failed++
				itemErrors = append(itemErrors, err.Error())
				s.logger.Warn("entity skipped",
					zap.String("datasource_id", datasourceID),
					zap.String("entity_type", entity.EntityType),
					zap.Error(err))
				continue
			}
			completed++
		}

		if jobID != "" {
			s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
				Status:         statusPtr(models.JobStatusInProgress),
				CompletedDelta: completed,
				FailedDelta:    failed,
				AddErrors:      itemErrors,
			})
		}
	}
	return nil
}

func (s *IngestService) ingestOne(ctx context.Context, entity *models.Entity, freshUntil time.Time) error {
	if _, err := entity.PrimaryKey(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMissingPrimaryKey, err)
	}
	if err := s.graphStore.UpsertEntity(ctx, entity, s.clientName, freshUntil); err != nil {
		return fmt.Errorf("upsert %s: %w", entity.EntityType, err)
	}
	if err := s.fuzzy.IndexEntity(ctx, entity); err != nil {
		return fmt.Errorf("index %s: %w", entity.EntityType, err)
	}
	return nil
}

// IngestRelations upserts explicit relations produced by an ingestor,
// e.g. containment edges the source system states directly.
func (s *IngestService) IngestRelations(ctx context.Context, jobID string, relations []models.Relation, freshUntil time.Time) error {
	if freshUntil.IsZero() {
		freshUntil = s.now().UTC().Add(time.Duration(s.cfg.FreshnessSeconds) * time.Second)
	}
	completed, failed := 0, 0
	var itemErrors []string
	for i := range relations {
		if err := s.graphStore.UpsertRelation(ctx, &relations[i], s.clientName, freshUntil, false); err != nil {
			failed++
			itemErrors = append(itemErrors, err.Error())
			continue
		}
		completed++
	}
	if jobID != "" {
		s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
			CompletedDelta: completed,
			FailedDelta:    failed,
			AddErrors:      itemErrors,
		})
	}
	if failed > 0 {
		return fmt.Errorf("ingest relations: %d of %d failed", failed, len(relations))
	}
	return nil
}

// SweepStale removes entities whose freshness horizon has passed, along
// with their relations. Runs after a sync pass.
func (s *IngestService) SweepStale(ctx context.Context) (int, error) {
	removed, err := s.graphStore.RemoveStaleEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("staleness sweep: %w", err)
	}
	if removed > 0 {
		s.logger.Info("stale entities removed", zap.Int("count", removed))
	}
	return removed, nil
}
