package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

func openCatalog(t *testing.T, dir string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCollection(name string) model.Collection {
	cfg := model.DefaultIndexConfig()
	cfg.Space = model.SpaceCosine
	return model.Collection{
		ID:       uuid.New(),
		Name:     name,
		Metadata: metadata.Metadata{"owner": metadata.String("ops"), "tier": metadata.Int(2)},
		Config:   cfg,
	}
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openCatalog(t, "")

	c := newCollection("docs")
	require.NoError(t, s.CreateCollection(ctx, c))
	err := s.CreateCollection(ctx, newCollection("docs"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetCollections(ctx, CollectionFilter{Name: "docs"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, model.DefaultTenant, got[0].Tenant)
	assert.Equal(t, model.DefaultDatabase, got[0].Database)
	assert.Equal(t, c.Metadata, got[0].Metadata)
	assert.Equal(t, model.SpaceCosine, got[0].Config.Space)
	assert.Nil(t, got[0].Dimension)

	got, err = s.GetCollections(ctx, CollectionFilter{ID: &c.ID, Database: "other"})
	require.NoError(t, err)
	assert.Empty(t, got)

	err = s.CreateCollection(ctx, model.Collection{ID: uuid.New(), Name: "x", Database: "missing", Config: model.DefaultIndexConfig()})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteCollection(ctx, c.ID))
	assert.ErrorIs(t, s.DeleteCollection(ctx, c.ID), ErrNotFound)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	s := openCatalog(t, "")
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateCollection(ctx, newCollection(name)))
	}

	got, err := s.GetCollections(ctx, CollectionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, "c", got[1].Name)
}

func TestDimensionIsSetOnce(t *testing.T) {
	ctx := context.Background()
	s := openCatalog(t, "")
	c := newCollection("vecs")
	require.NoError(t, s.CreateCollection(ctx, c))

	three, four := 3, 4
	updated, err := s.UpdateCollection(ctx, c.ID, CollectionUpdate{Dimension: &three})
	require.NoError(t, err)
	require.NotNil(t, updated.Dimension)
	assert.Equal(t, 3, *updated.Dimension)

	_, err = s.UpdateCollection(ctx, c.ID, CollectionUpdate{Dimension: &three})
	require.NoError(t, err)

	_, err = s.UpdateCollection(ctx, c.ID, CollectionUpdate{Dimension: &four})
	var conflict *DimensionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Stored)

	name := "renamed"
	updated, err = s.UpdateCollection(ctx, c.ID, CollectionUpdate{Name: &name, Metadata: metadata.Metadata{"k": metadata.Bool(true)}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 3, *updated.Dimension)

	_, err = s.UpdateCollection(ctx, uuid.New(), CollectionUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := openCatalog(t, "")
	c := newCollection("adv")
	require.NoError(t, s.CreateCollection(ctx, c))

	require.NoError(t, s.AdvanceCollection(ctx, c.ID, 2, 10))
	require.NoError(t, s.AdvanceCollection(ctx, c.ID, 1, 5))

	got, err := s.GetCollections(ctx, CollectionFilter{ID: &c.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, int64(10), got[0].LogPosition)

	assert.ErrorIs(t, s.AdvanceCollection(ctx, uuid.New(), 1, 1), ErrNotFound)
}

func TestSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openCatalog(t, dir)
	c := newCollection("segs")
	require.NoError(t, s.CreateCollection(ctx, c))

	vec := model.Segment{ID: uuid.New(), Type: model.SegmentTypeHNSWLocalPersisted, Scope: model.ScopeVector, Collection: c.ID, Metadata: c.Config.SegmentMetadata()}
	meta := model.Segment{ID: uuid.New(), Type: model.SegmentTypeSQLiteMetadata, Scope: model.ScopeMetadata, Collection: c.ID}
	require.NoError(t, s.CreateSegment(ctx, vec))
	require.NoError(t, s.CreateSegment(ctx, meta))
	assert.ErrorIs(t, s.CreateSegment(ctx, meta), ErrAlreadyExists)
	require.NoError(t, s.Close())

	s = openCatalog(t, dir)
	got, err := s.GetSegments(ctx, SegmentFilter{Collection: &c.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, vec, got[0])
	assert.Equal(t, meta.ID, got[1].ID)

	got, err = s.GetSegments(ctx, SegmentFilter{Collection: &c.ID, Scope: model.ScopeMetadata})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.SegmentTypeSQLiteMetadata, got[0].Type)

	require.NoError(t, s.DeleteSegment(ctx, meta.ID))
	assert.ErrorIs(t, s.DeleteSegment(ctx, meta.ID), ErrNotFound)

	require.NoError(t, s.DeleteCollection(ctx, c.ID))
	got, err = s.GetSegments(ctx, SegmentFilter{Collection: &c.ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}
