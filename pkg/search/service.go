package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/bloom"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

// Hit is one hydrated search result.
type Hit struct {
	EntityType string         `json:"entity_type"`
	PrimaryKey string         `json:"primary_key"`
	Score      float64        `json:"score"`
	Entity     *models.Entity `json:"entity,omitempty"`
}

// Service is the fuzzy lookup index over ingested entities. Indexing is
// gated by the membership pre-filter: a value the filter has already seen
// is skipped, bounding index growth across repeated ingestions of
// unchanged data. A bloom false positive only skips indexing of one value;
// the graph store remains the source of truth.
type Service struct {
	index      *Index
	filter     *bloom.Filter
	graphStore graph.Store
	logger     *zap.Logger
}

// NewService creates the fuzzy index service.
func NewService(filter *bloom.Filter, graphStore graph.Store, logger *zap.Logger) *Service {
	return &Service{
		index:      NewIndex(),
		filter:     filter,
		graphStore: graphStore,
		logger:     logger.Named("fuzzy-index"),
	}
}

// IndexRecord indexes one record's identity values under its entity type
// and primary key. Values the pre-filter has already seen are skipped.
// Concurrent writers racing on the same value are safe: membership and
// indexing are idempotent unions.
func (s *Service) IndexRecord(ctx context.Context, entityPrimaryKey, entityType string, allIDValues []string) error {
	seen, err := s.filter.ContainsBatch(ctx, allIDValues)
	if err != nil {
		return fmt.Errorf("index record %s/%s: %w", entityType, entityPrimaryKey, err)
	}

	var fresh []string
	for i, v := range allIDValues {
		if !bloom.ShouldIndex(v) || seen[i] {
			continue
		}
		fresh = append(fresh, v)
	}

	if len(fresh) > 0 {
		if err := s.filter.AddBatch(ctx, fresh); err != nil {
			return fmt.Errorf("index record %s/%s: %w", entityType, entityPrimaryKey, err)
		}
	}

	// Merge rather than replace: values the pre-filter deduplicated were
	// indexed by an earlier ingestion and must keep their postings.
	s.index.Merge(entityType, entityPrimaryKey, TokenizeRecord(entityType, fresh))
	return nil
}

// IndexEntity indexes an entity's identity key values.
func (s *Service) IndexEntity(ctx context.Context, entity *models.Entity) error {
	pk, err := entity.PrimaryKey()
	if err != nil {
		return fmt.Errorf("index entity: %w", err)
	}
	return s.IndexRecord(ctx, pk, entity.EntityType, entity.IDValues())
}

// Search runs a ranked fuzzy lookup. With opts.AllProps, each hit is
// hydrated with the full entity from the graph store; hydration misses
// (e.g. the entity was swept between indexing and lookup) drop the hit.
func (s *Service) Search(ctx context.Context, keywordGroups [][]string, opts Options) ([]Hit, error) {
	results := s.index.Search(keywordGroups, opts)
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{EntityType: r.EntityType, PrimaryKey: r.PrimaryKey, Score: r.Score}
		if opts.AllProps {
			entity, err := s.graphStore.GetEntity(ctx, r.EntityType, r.PrimaryKey)
			if err != nil {
				s.logger.Debug("dropping unhydratable search hit",
					zap.String("entity_type", r.EntityType),
					zap.String("primary_key", r.PrimaryKey))
				continue
			}
			hit.Entity = entity
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Rebuild reconstructs postings by re-scanning the graph store. Postings
// are derived state; the bloom filter is cleared first so re-indexing is
// not suppressed by its own previous fill.
func (s *Service) Rebuild(ctx context.Context) error {
	if err := s.filter.Clear(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	s.index.Clear()

	types, err := s.graphStore.ListEntityTypes(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	indexed := 0
	for _, entityType := range types {
		entities, err := s.graphStore.FindEntities(ctx, entityType, nil)
		if err != nil {
			return fmt.Errorf("rebuild index: scan %s: %w", entityType, err)
		}
		for _, entity := range entities {
			if err := s.IndexEntity(ctx, entity); err != nil {
				s.logger.Warn("skipping unindexable entity during rebuild",
					zap.String("entity_type", entityType),
					zap.Error(err))
				continue
			}
			indexed++
		}
	}

	s.logger.Info("index rebuilt",
		zap.Int("entities", indexed),
		zap.Int("types", len(types)))
	return nil
}

// Stats returns index and pre-filter observability.
func (s *Service) Stats(ctx context.Context) (indexedRecords int, filterStats *bloom.Stats, err error) {
	filterStats, err = s.filter.Stats(ctx)
	if err != nil {
		return 0, nil, err
	}
	return s.index.Len(), filterStats, nil
}
