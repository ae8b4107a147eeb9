package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

type storedEntity struct {
	entity     *models.Entity
	clientName string
	freshUntil time.Time
}

type storedRelation struct {
	relation   models.Relation
	clientName string
	freshUntil time.Time
}

// MemoryStore is an in-process Store used in tests and as a reference
// implementation of the capability semantics.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[string]map[string]*storedEntity // type -> pk -> entity
	relations []*storedRelation
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]map[string]*storedEntity),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for staleness-sweep tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.now = now
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) UpsertEntity(ctx context.Context, entity *models.Entity, clientName string, freshUntil time.Time) error {
	pk, err := entity.PrimaryKey()
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byPK, ok := s.entities[entity.EntityType]
	if !ok {
		byPK = make(map[string]*storedEntity)
		s.entities[entity.EntityType] = byPK
	}
	byPK[pk] = &storedEntity{entity: entity, clientName: clientName, freshUntil: freshUntil}
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entities[entityType][primaryKey]
	if !ok {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, primaryKey, apperrors.ErrNotFound)
	}
	return stored.entity, nil
}

func (s *MemoryStore) FindEntities(ctx context.Context, entityType string, propertyFilter map[string]models.PropertyValue) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entity
	for _, stored := range s.entities[entityType] {
		if matchesFilter(stored.entity, propertyFilter) {
			out = append(out, stored.entity)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, _ := out[i].PrimaryKey()
		pj, _ := out[j].PrimaryKey()
		return pi < pj
	})
	return out, nil
}

func matchesFilter(entity *models.Entity, filter map[string]models.PropertyValue) bool {
	for prop, want := range filter {
		got, ok := entity.AllProperties.Get(prop)
		if !ok || got.AsString() != want.AsString() {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ListEntityTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var types []string
	for t, byPK := range s.entities {
		if len(byPK) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (s *MemoryStore) UpsertRelation(ctx context.Context, relation *models.Relation, clientName string, freshUntil time.Time, ignoreDirection bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relations {
		if existing.relation.RelationName != relation.RelationName {
			continue
		}
		forward := existing.relation.From == relation.From && existing.relation.To == relation.To
		reverse := ignoreDirection && existing.relation.From == relation.To && existing.relation.To == relation.From
		if forward || reverse {
			existing.relation.RelationProperties = relation.RelationProperties
			existing.clientName = clientName
			existing.freshUntil = freshUntil
			return nil
		}
	}
	s.relations = append(s.relations, &storedRelation{
		relation:   *relation,
		clientName: clientName,
		freshUntil: freshUntil,
	})
	return nil
}

func (s *MemoryStore) GetRelationPaths(ctx context.Context, typeA, typeB string) ([]RelationPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[RelationPath]struct{})
	var out []RelationPath
	for _, stored := range s.relations {
		r := stored.relation
		matches := (r.From.EntityType == typeA && r.To.EntityType == typeB) ||
			(r.From.EntityType == typeB && r.To.EntityType == typeA)
		if !matches {
			continue
		}
		path := RelationPath{
			FromType:     r.From.EntityType,
			ToType:       r.To.EntityType,
			RelationName: r.RelationName,
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelationName < out[j].RelationName })
	return out, nil
}

func (s *MemoryStore) RemoveStaleEntities(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for entityType, byPK := range s.entities {
		for pk, stored := range byPK {
			if !stored.freshUntil.IsZero() && stored.freshUntil.Before(now) {
				delete(byPK, pk)
				removed++
			}
		}
		if len(byPK) == 0 {
			delete(s.entities, entityType)
		}
	}
	// Relations referencing swept entities go with them.
	kept := s.relations[:0]
	for _, stored := range s.relations {
		if s.hasEntityLocked(stored.relation.From) && s.hasEntityLocked(stored.relation.To) {
			kept = append(kept, stored)
		}
	}
	s.relations = kept
	return removed, nil
}

func (s *MemoryStore) hasEntityLocked(id models.EntityIdentifier) bool {
	_, ok := s.entities[id.EntityType][id.PrimaryKey]
	return ok
}

// Relations returns a snapshot of all stored relations, for tests.
func (s *MemoryStore) Relations() []models.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Relation, 0, len(s.relations))
	for _, stored := range s.relations {
		out = append(out, stored.relation)
	}
	return out
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
