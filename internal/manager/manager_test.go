package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/fs"
	"github.com/hupe1980/embedb/internal/resource"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/internal/segment/vector"
	"github.com/hupe1980/embedb/internal/wal"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

type harness struct {
	sysdb *catalog.SQLite
	log   *wal.Log
	m     *Manager
	dir   string
}

func newHarness(t *testing.T, persisted bool, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{}
	if persisted {
		h.dir = t.TempDir()
		cfg.PersistDir = h.dir
	}

	var err error
	h.sysdb, err = catalog.OpenSQLite(ctx, h.dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.sysdb.Close() })

	h.log, err = wal.Open(nil, filepath.Join(t.TempDir(), "log"), wal.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.log.Close() })

	h.m = New(h.sysdb, h.log, cfg)
	require.NoError(t, h.m.Start())
	t.Cleanup(func() { _ = h.m.Stop() })
	return h
}

func (h *harness) collection(t *testing.T, name string) model.Collection {
	t.Helper()
	cfg := model.DefaultIndexConfig()
	cfg.BatchSize = 2
	cfg.SyncThreshold = 2
	c := model.Collection{ID: uuid.New(), Name: name, Config: cfg}
	require.NoError(t, h.sysdb.CreateCollection(context.Background(), c))
	segs, err := h.m.CreateSegments(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	return c
}

func (h *harness) add(t *testing.T, coll uuid.UUID, ids ...string) {
	t.Helper()
	recs := make([]model.OperationRecord, len(ids))
	for i, id := range ids {
		recs[i] = model.OperationRecord{
			ID:        id,
			Operation: model.OperationAdd,
			Embedding: []float32{float32(i), 1},
			Metadata:  metadata.Metadata{"n": metadata.Int(int64(i))},
		}
	}
	_, err := h.log.Submit(context.Background(), coll, recs)
	require.NoError(t, err)
}

func TestCreateSegmentsPicksTypes(t *testing.T) {
	for _, persisted := range []bool{false, true} {
		t.Run(fmt.Sprint("persisted=", persisted), func(t *testing.T) {
			h := newHarness(t, persisted, Config{})
			c := h.collection(t, "c")

			segs, err := h.sysdb.GetSegments(context.Background(), catalog.SegmentFilter{Collection: &c.ID})
			require.NoError(t, err)
			require.Len(t, segs, 2)
			want := model.SegmentTypeHNSWLocalMemory
			if persisted {
				want = model.SegmentTypeHNSWLocalPersisted
			}
			assert.Equal(t, want, segs[0].Type)
			assert.Equal(t, model.SegmentTypeSQLiteMetadata, segs[1].Type)
			assert.Equal(t, int64(2), segs[0].Metadata[model.KeyBatchSize].I64)
		})
	}
}

func TestGetSegmentCatchesUpAndFollowsLog(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		applied int
	)
	h := newHarness(t, false, Config{OnApply: func(_ model.Segment, s segment.ApplyStats) {
		mu.Lock()
		applied += s.Applied
		mu.Unlock()
	}})
	c := h.collection(t, "c")
	h.add(t, c.ID, "a", "b")

	vec, err := h.m.VectorSegment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), vec.MaxSeqID())

	meta, err := h.m.MetadataSegment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.MaxSeqID())

	h.add(t, c.ID, "c")
	assert.Equal(t, int64(3), vec.MaxSeqID())
	assert.Equal(t, int64(3), meta.MaxSeqID())

	n, err := meta.Count(ctx, model.Latest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mu.Lock()
	assert.Equal(t, 6, applied)
	mu.Unlock()
}

func TestSingleInstancePerKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Config{})
	c := h.collection(t, "c")
	h.add(t, c.ID, "a")

	const n = 16
	got := make([]segment.Instance, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := h.m.GetSegment(ctx, c.ID, model.ScopeVector)
			assert.NoError(t, err)
			got[i] = inst
		}()
	}
	wg.Wait()
	for _, inst := range got[1:] {
		assert.Same(t, got[0], inst)
	}
	assert.Equal(t, 1, h.m.Stats().Instances)
}

func TestMissingSegment(t *testing.T) {
	h := newHarness(t, false, Config{})
	_, err := h.m.GetSegment(context.Background(), uuid.New(), model.ScopeVector)
	assert.ErrorIs(t, err, ErrNoSegment)
	assert.Zero(t, h.m.Stats().Instances)
}

func TestNotStarted(t *testing.T) {
	h := newHarness(t, false, Config{})
	c := h.collection(t, "c")
	require.NoError(t, h.m.Stop())
	_, err := h.m.GetSegment(context.Background(), c.ID, model.ScopeVector)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestMemoryEvictionReplaysLog(t *testing.T) {
	ctx := context.Background()
	var evicted []uuid.UUID
	h := newHarness(t, false, Config{
		MemoryLimitBytes: 1,
		OnEvict:          func(c uuid.UUID) { evicted = append(evicted, c) },
	})
	first := h.collection(t, "first")
	second := h.collection(t, "second")
	h.add(t, first.ID, "a", "b", "c")
	h.add(t, second.ID, "x")

	require.NoError(t, h.m.HintUseCollection(ctx, first.ID, HintRead))
	assert.Len(t, h.m.Loaded(first.ID), 2)

	require.NoError(t, h.m.HintUseCollection(ctx, second.ID, HintRead))
	assert.Equal(t, []uuid.UUID{first.ID}, evicted)
	assert.Empty(t, h.m.Loaded(first.ID))
	assert.Len(t, h.m.Loaded(second.ID), 2)

	vec, err := h.m.VectorSegment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), vec.MaxSeqID(), "a reloaded memory segment replays the log")
	n, err := vec.Count(ctx, model.Latest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Positive(t, h.m.Stats().MemoryEvictions)
}

// parkingLog holds the first Unsubscribe until release is closed.
type parkingLog struct {
	*wal.Log
	first   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (p *parkingLog) Unsubscribe(id wal.SubscriptionID) {
	if p.first.CompareAndSwap(false, true) {
		close(p.parked)
		<-p.release
	}
	p.Log.Unsubscribe(id)
}

func TestEvictionFinishesBeforeReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Config{})
	pl := &parkingLog{Log: h.log, parked: make(chan struct{}), release: make(chan struct{})}
	m := New(h.sysdb, pl, Config{
		PersistDir:       h.dir,
		MemoryLimitBytes: 1,
		Resources:        resource.NewController(resource.Config{MaxConstructions: 8}),
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	x := h.collection(t, "x")
	y := h.collection(t, "y")
	h.add(t, x.ID, "a", "b", "c")
	h.add(t, y.ID, "a", "b", "c")

	old, err := m.GetSegment(ctx, x.ID, model.ScopeVector)
	require.NoError(t, err)
	require.NoError(t, m.HintUseCollection(ctx, x.ID, HintRead))

	hinted := make(chan error, 1)
	go func() { hinted <- m.HintUseCollection(ctx, y.ID, HintRead) }()
	<-pl.parked

	reloaded := make(chan segment.Instance, 1)
	go func() {
		inst, err := m.GetSegment(ctx, x.ID, model.ScopeVector)
		assert.NoError(t, err)
		reloaded <- inst
	}()

	select {
	case <-reloaded:
		t.Fatal("a second instance was loaded while the evicted one was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(pl.release)
	require.NoError(t, <-hinted)
	fresh := <-reloaded
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)

	_, err = old.(segment.VectorReader).Count(ctx, model.Latest)
	assert.ErrorIs(t, err, segment.ErrStopped)
	assert.Equal(t, int64(3), fresh.MaxSeqID())
	n, err := fresh.(segment.VectorReader).Count(ctx, model.Latest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEvictionSizesByIndexFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Config{MemoryLimitBytes: 1 << 30})
	c := h.collection(t, "c")
	h.add(t, c.ID, "a", "b", "c")

	inst, err := h.m.GetSegment(ctx, c.ID, model.ScopeVector)
	require.NoError(t, err)
	p, ok := inst.(*vector.Persisted)
	require.True(t, ok)

	onDisk, err := fs.DirSize(fs.Default, p.Dir())
	require.NoError(t, err)
	assert.Positive(t, onDisk)
	assert.Equal(t, onDisk, p.DiskBytes())
	assert.Equal(t, onDisk, h.m.Stats().MemoryBytes)
}

func TestFileHandleEviction(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{FileHandleLimit: 4})
	h := newHarness(t, true, Config{Resources: rc})
	first := h.collection(t, "first")
	second := h.collection(t, "second")
	h.add(t, first.ID, "a", "b")
	h.add(t, second.ID, "a", "b")

	v1, err := h.m.GetSegment(ctx, first.ID, model.ScopeVector)
	require.NoError(t, err)
	fh1 := v1.(segment.FileHandler)
	assert.Equal(t, 4, fh1.FileHandleCount())

	v2, err := h.m.GetSegment(ctx, second.ID, model.ScopeVector)
	require.NoError(t, err)
	fh2 := v2.(segment.FileHandler)
	assert.Equal(t, 4, fh2.FileHandleCount())
	assert.Zero(t, fh1.FileHandleCount(), "least recently used index closes its files")
	assert.Len(t, h.m.Loaded(first.ID), 1, "the instance itself stays loaded")

	_, err = h.m.GetSegment(ctx, first.ID, model.ScopeVector)
	require.NoError(t, err)
	assert.Equal(t, 4, fh1.FileHandleCount())
	assert.Zero(t, fh2.FileHandleCount())
	assert.Equal(t, 1, h.m.Stats().OpenIndexes)
}

func TestDeleteSegments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Config{})
	loadedColl := h.collection(t, "loaded")
	coldColl := h.collection(t, "cold")
	h.add(t, loadedColl.ID, "a", "b")
	h.add(t, coldColl.ID, "a", "b")

	require.NoError(t, h.m.HintUseCollection(ctx, loadedColl.ID, HintWrite))
	require.NoError(t, h.m.HintUseCollection(ctx, coldColl.ID, HintWrite))
	require.NoError(t, h.m.ResetState())
	require.NoError(t, h.m.HintUseCollection(ctx, loadedColl.ID, HintRead))

	for _, c := range []model.Collection{loadedColl, coldColl} {
		segs, err := h.sysdb.GetSegments(ctx, catalog.SegmentFilter{Collection: &c.ID})
		require.NoError(t, err)

		ids, err := h.m.DeleteSegments(ctx, c.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{segs[0].ID, segs[1].ID}, ids)
		assert.Empty(t, h.m.Loaded(c.ID))

		assert.NoDirExists(t, filepath.Join(h.dir, VectorDir, segs[0].ID.String()))
		assert.NoFileExists(t, filepath.Join(h.dir, MetadataDir, segs[1].ID.String()+".sqlite3"))
	}
}

func TestResetStateReloadsPersistedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Config{})
	c := h.collection(t, "c")
	h.add(t, c.ID, "a", "b", "c")

	require.NoError(t, h.m.HintUseCollection(ctx, c.ID, HintRead))
	require.NoError(t, h.m.ResetState())
	assert.Empty(t, h.m.Loaded(c.ID))

	for _, scope := range []model.SegmentScope{model.ScopeVector, model.ScopeMetadata} {
		inst, err := h.m.GetSegment(ctx, c.ID, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(3), inst.MaxSeqID(), scope.String())
		assert.Equal(t, int64(3), inst.PersistedSeqID(), scope.String())
	}
}
