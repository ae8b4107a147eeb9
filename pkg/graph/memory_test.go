package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

func testServer(hostname string) *models.Entity {
	p := models.NewProperties()
	p.Set("hostname", models.StringValue(hostname))
	return &models.Entity{
		EntityType:           "Server",
		AllProperties:        p,
		PrimaryKeyProperties: []string{"hostname"},
	}
}

func TestMemoryStore_GetEntity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fresh := time.Now().Add(time.Hour)

	// A miss is the not-found sentinel, so callers can tell absence apart
	// from store failures.
	_, err := s.GetEntity(ctx, "Server", "web-1.example")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, s.UpsertEntity(ctx, testServer("web-1.example"), "test", fresh))

	got, err := s.GetEntity(ctx, "Server", "web-1.example")
	require.NoError(t, err)
	assert.Equal(t, "Server", got.EntityType)

	_, err = s.GetEntity(ctx, "Router", "web-1.example")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryStore_UpsertRelationDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fresh := time.Now().Add(time.Hour)

	require.NoError(t, s.UpsertEntity(ctx, testServer("web-1.example"), "test", fresh))
	require.NoError(t, s.UpsertEntity(ctx, testServer("web-2.example"), "test", fresh))

	rel := models.Relation{
		RelationName: "REPLICATES_TO",
		From:         models.EntityIdentifier{EntityType: "Server", PrimaryKey: "web-1.example"},
		To:           models.EntityIdentifier{EntityType: "Server", PrimaryKey: "web-2.example"},
	}
	require.NoError(t, s.UpsertRelation(ctx, &rel, "test", fresh, false))
	require.NoError(t, s.UpsertRelation(ctx, &rel, "test", fresh, false))

	assert.Len(t, s.Relations(), 1)
}

func TestMemoryStore_RemoveStaleEntitiesDropsTheirRelations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	fresh := time.Now().Add(time.Hour)

	require.NoError(t, s.UpsertEntity(ctx, testServer("old.example"), "test", past))
	require.NoError(t, s.UpsertEntity(ctx, testServer("new.example"), "test", fresh))
	require.NoError(t, s.UpsertRelation(ctx, &models.Relation{
		RelationName: "REPLICATES_TO",
		From:         models.EntityIdentifier{EntityType: "Server", PrimaryKey: "old.example"},
		To:           models.EntityIdentifier{EntityType: "Server", PrimaryKey: "new.example"},
	}, "test", fresh, false))

	removed, err := s.RemoveStaleEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetEntity(ctx, "Server", "old.example")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, s.Relations())
}
