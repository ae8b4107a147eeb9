package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/bloom"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

func newTestService(t *testing.T) (*Service, *graph.MemoryStore) {
	t.Helper()
	filter := bloom.New(kvstore.NewMemoryStore(), bloom.Config{Key: "bloom:test", Bits: 1 << 16}, zap.NewNop())
	graphStore := graph.NewMemoryStore()
	return NewService(filter, graphStore, zap.NewNop()), graphStore
}

func testEntity(entityType, keyProp, keyValue string, extra map[string]string) *models.Entity {
	props := models.NewProperties()
	props.Set(keyProp, models.StringValue(keyValue))
	for k, v := range extra {
		props.Set(k, models.StringValue(v))
	}
	return &models.Entity{
		EntityType:           entityType,
		AllProperties:        props,
		PrimaryKeyProperties: []string{keyProp},
	}
}

func TestService_IndexAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	require.NoError(t, svc.IndexEntity(ctx, testEntity("Pod", "name", "frontend-web", nil)))
	require.NoError(t, svc.IndexEntity(ctx, testEntity("Pod", "name", "backend-api", nil)))

	hits, err := svc.Search(ctx, [][]string{{"frontend"}}, Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Pod", hits[0].EntityType)
	assert.Equal(t, "frontend-web", hits[0].PrimaryKey)
	assert.Nil(t, hits[0].Entity, "no hydration without AllProps")
}

func TestService_ReingestionKeepsRecordSearchable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	entity := testEntity("Pod", "name", "frontend-web", nil)
	require.NoError(t, svc.IndexEntity(ctx, entity))
	// Second pass: every id value is already in the pre-filter.
	require.NoError(t, svc.IndexEntity(ctx, entity))

	hits, err := svc.Search(ctx, [][]string{{"frontend"}}, Options{})
	require.NoError(t, err)
	assert.Len(t, hits, 1, "deduplicated values must not erase prior postings")
}

func TestService_SharedValueIndexedOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// Both records carry the same node name in a key group; the second
	// record skips the value but still indexes under its type and stays
	// findable by type.
	a := testEntity("Disk", "id", "disk-1", map[string]string{"node": "node-alpha"})
	a.AdditionalKeyProperties = [][]string{{"node"}}
	b := testEntity("Disk", "id", "disk-2", map[string]string{"node": "node-alpha"})
	b.AdditionalKeyProperties = [][]string{{"node"}}

	require.NoError(t, svc.IndexEntity(ctx, a))
	require.NoError(t, svc.IndexEntity(ctx, b))

	hits, err := svc.Search(ctx, [][]string{{"disk"}}, Options{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// The shared value resolves to the record that indexed it first.
	hits, err = svc.Search(ctx, [][]string{{"alpha"}}, Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "disk-1", hits[0].PrimaryKey)
}

func TestService_SearchHydratesWithAllProps(t *testing.T) {
	ctx := context.Background()
	svc, graphStore := newTestService(t)

	entity := testEntity("Pod", "name", "frontend-web", map[string]string{"namespace": "prod"})
	require.NoError(t, graphStore.UpsertEntity(ctx, entity, "test", time.Now().Add(time.Hour)))
	require.NoError(t, svc.IndexEntity(ctx, entity))

	hits, err := svc.Search(ctx, [][]string{{"frontend"}}, Options{AllProps: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].Entity)
	ns, ok := hits[0].Entity.AllProperties.Get("namespace")
	require.True(t, ok)
	assert.Equal(t, "prod", ns.AsString())
}

func TestService_HydrationMissDropsHit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// Indexed but never written to the graph store, as after a sweep.
	require.NoError(t, svc.IndexEntity(ctx, testEntity("Pod", "name", "ghost-pod", nil)))

	hits, err := svc.Search(ctx, [][]string{{"ghost"}}, Options{AllProps: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestService_Rebuild(t *testing.T) {
	ctx := context.Background()
	svc, graphStore := newTestService(t)

	fresh := time.Now().Add(time.Hour)
	require.NoError(t, graphStore.UpsertEntity(ctx, testEntity("Pod", "name", "frontend-web", nil), "test", fresh))
	require.NoError(t, graphStore.UpsertEntity(ctx, testEntity("Node", "name", "node-alpha", nil), "test", fresh))

	// Poison the index with a record the graph no longer has.
	require.NoError(t, svc.IndexEntity(ctx, testEntity("Pod", "name", "stale-pod", nil)))

	require.NoError(t, svc.Rebuild(ctx))

	hits, err := svc.Search(ctx, [][]string{{"stale"}}, Options{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = svc.Search(ctx, [][]string{{"frontend"}}, Options{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	indexed, stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Positive(t, stats.BitsSet)
}
