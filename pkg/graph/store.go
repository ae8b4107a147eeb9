// Package graph defines the graph-store capability surface the core
// consumes. The query language and storage engine behind it are
// implementation-swappable; the core never embeds query syntax beyond
// parameterized calls through this interface.
package graph

import (
	"context"
	"time"

	"github.com/graphweave/graphweave-engine/pkg/models"
)

// RelationPath describes one existing named relation between a pair of
// entity types, as returned by GetRelationPaths.
type RelationPath struct {
	FromType     string `json:"from_type"`
	ToType       string `json:"to_type"`
	RelationName string `json:"relation_name"`
}

// Store is the graph-store capability interface.
type Store interface {
	// UpsertEntity creates or replaces an entity keyed by (type, primary
	// key), stamping writer identity and freshness.
	UpsertEntity(ctx context.Context, entity *models.Entity, clientName string, freshUntil time.Time) error

	// GetEntity fetches one entity; returns apperrors.ErrNotFound when absent.
	GetEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error)

	// FindEntities lists live entities of a type, optionally filtered by
	// exact property values. A nil filter returns all entities of the type.
	FindEntities(ctx context.Context, entityType string, propertyFilter map[string]models.PropertyValue) ([]*models.Entity, error)

	// ListEntityTypes returns every entity type with at least one live entity.
	ListEntityTypes(ctx context.Context) ([]string, error)

	// UpsertRelation creates or refreshes a directed relation. With
	// ignoreDirection, an existing edge between the same endpoints in
	// either direction is refreshed instead of duplicated.
	UpsertRelation(ctx context.Context, relation *models.Relation, clientName string, freshUntil time.Time, ignoreDirection bool) error

	// GetRelationPaths lists the distinct named relations that exist
	// between two entity types, in either direction.
	GetRelationPaths(ctx context.Context, typeA, typeB string) ([]RelationPath, error)

	// RemoveStaleEntities sweeps entities whose freshness stamp has passed,
	// returning the number removed.
	RemoveStaleEntities(ctx context.Context) (int, error)

	// Close releases underlying driver resources.
	Close(ctx context.Context) error
}
