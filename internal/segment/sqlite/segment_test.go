package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

func rec(offset int64, op model.Operation, id string, md metadata.Metadata) model.LogRecord {
	return model.LogRecord{LogOffset: offset, Record: model.OperationRecord{ID: id, Operation: op, Metadata: md}}
}

func testSegment() model.Segment {
	return model.Segment{
		ID:         uuid.New(),
		Type:       model.SegmentTypeSQLiteMetadata,
		Scope:      model.ScopeMetadata,
		Collection: uuid.New(),
	}
}

func at(pos int64) model.RequestVersionContext {
	return model.RequestVersionContext{LogPosition: pos}
}

func newSegment(t *testing.T, seg model.Segment, opts Options) *Segment {
	t.Helper()
	s, err := New(seg, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func eachMode(t *testing.T, fn func(t *testing.T, s *Segment)) {
	t.Run("memory", func(t *testing.T) { fn(t, newSegment(t, testSegment(), Options{})) })
	t.Run("file", func(t *testing.T) { fn(t, newSegment(t, testSegment(), Options{Dir: t.TempDir()})) })
}

func idsOf(rows []model.MetadataRecord) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func get(t *testing.T, s *Segment, q model.MetadataQuery) []model.MetadataRecord {
	t.Helper()
	if q.Version == (model.RequestVersionContext{}) {
		q.Version = model.Latest
	}
	rows, err := s.GetMetadata(context.Background(), q)
	require.NoError(t, err)
	return rows
}

func seed(t *testing.T, s *Segment) {
	t.Helper()
	_, err := s.ApplyRecords(context.Background(), []model.LogRecord{
		rec(1, model.OperationAdd, "a", metadata.Metadata{"n": metadata.Int(1), "color": metadata.String("red"), metadata.DocumentKey: metadata.String("the quick fox")}),
		rec(2, model.OperationAdd, "b", metadata.Metadata{"n": metadata.Float(2.5), "color": metadata.String("blue"), "flag": metadata.Bool(true)}),
		rec(3, model.OperationAdd, "c", metadata.Metadata{"n": metadata.Int(3), metadata.DocumentKey: metadata.String("lazy dog")}),
		rec(4, model.OperationAdd, "d", nil),
	})
	require.NoError(t, err)
}

func TestApplyOutcomes(t *testing.T) {
	eachMode(t, func(t *testing.T, s *Segment) {
		ctx := context.Background()
		stats, err := s.ApplyRecords(ctx, []model.LogRecord{
			rec(1, model.OperationAdd, "a", metadata.Metadata{"k": metadata.Int(1)}),
			rec(2, model.OperationAdd, "a", metadata.Metadata{"k": metadata.Int(2)}),
			rec(3, model.OperationUpdate, "missing", metadata.Metadata{"k": metadata.Int(3)}),
			rec(4, model.OperationDelete, "missing", nil),
			rec(5, model.OperationUpsert, "b", metadata.Metadata{"k": metadata.Null(), "j": metadata.Int(1)}),
			rec(6, model.OperationAdd, "bad", metadata.Metadata{"k": {}}),
			rec(7, model.Operation(99), "bad", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, segment.ApplyStats{Applied: 2, SkippedDuplicate: 1, SkippedMissing: 2, SkippedInvalid: 2}, stats)
		assert.Equal(t, int64(7), s.MaxSeqID())

		rows := get(t, s, model.MetadataQuery{})
		require.Len(t, rows, 2)
		assert.Equal(t, metadata.Metadata{"k": metadata.Int(1)}, rows[0].Metadata)
		assert.Equal(t, metadata.Metadata{"j": metadata.Int(1)}, rows[1].Metadata, "nulls are dropped on insert")

		stats, err = s.ApplyRecords(ctx, []model.LogRecord{rec(7, model.OperationDelete, "a", nil)})
		require.NoError(t, err)
		assert.Zero(t, stats.Applied+stats.Skipped(), "offsets at or below the head are ignored")
	})
}

func TestUpdateMergesMetadata(t *testing.T) {
	eachMode(t, func(t *testing.T, s *Segment) {
		seed(t, s)
		_, err := s.ApplyRecords(context.Background(), []model.LogRecord{
			rec(5, model.OperationUpdate, "a", metadata.Metadata{"color": metadata.Null(), "size": metadata.Int(9)}),
			rec(6, model.OperationUpdate, "b", nil),
		})
		require.NoError(t, err)

		rows := get(t, s, model.MetadataQuery{IDs: []string{"a", "b"}})
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"a", "b"}, idsOf(rows), "updates keep insertion order")
		assert.Equal(t, metadata.Metadata{
			"n":                  metadata.Int(1),
			"size":               metadata.Int(9),
			metadata.DocumentKey: metadata.String("the quick fox"),
		}, rows[0].Metadata)
		assert.Equal(t, int64(5), rows[0].SeqID)
		assert.Equal(t, int64(2), rows[1].SeqID, "an update without metadata writes nothing")
	})
}

func TestWhereFilters(t *testing.T) {
	eachMode(t, func(t *testing.T, s *Segment) {
		seed(t, s)
		tests := []struct {
			name  string
			where *metadata.Where
			doc   *metadata.WhereDocument
			want  []string
		}{
			{"eq string", metadata.Eq("color", metadata.String("red")), nil, []string{"a"}},
			{"eq int matches float column", metadata.Eq("n", metadata.Float(3)), nil, []string{"c"}},
			{"eq bool", metadata.Eq("flag", metadata.Bool(true)), nil, []string{"b"}},
			{"ne includes missing key", metadata.Ne("color", metadata.String("red")), nil, []string{"b", "c", "d"}},
			{"gt across int and float", metadata.Gt("n", metadata.Int(2)), nil, []string{"b", "c"}},
			{"lte", metadata.Lte("n", metadata.Float(2.5)), nil, []string{"a", "b"}},
			{"in", metadata.In("color", metadata.String("blue"), metadata.String("green")), nil, []string{"b"}},
			{"nin includes missing key", metadata.NotIn("n", metadata.Int(1), metadata.Int(3)), nil, []string{"b", "d"}},
			{"and", metadata.And(metadata.Gte("n", metadata.Int(1)), metadata.Ne("color", metadata.String("blue"))), nil, []string{"a", "c"}},
			{"or", metadata.Or(metadata.Eq("color", metadata.String("blue")), metadata.Eq("n", metadata.Int(3))), nil, []string{"b", "c"}},
			{"contains", nil, metadata.Contains("quick"), []string{"a"}},
			{"not contains includes missing document", nil, metadata.NotContains("dog"), []string{"a", "b", "d"}},
			{"document or", nil, metadata.OrDocument(metadata.Contains("fox"), metadata.Contains("dog")), []string{"a", "c"}},
			{"where and document", metadata.Lt("n", metadata.Int(10)), metadata.Contains("o"), []string{"a", "c"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rows := get(t, s, model.MetadataQuery{Where: tt.where, WhereDocument: tt.doc, ExcludeMetadata: true})
				assert.Equal(t, tt.want, idsOf(rows))
				for _, r := range rows {
					assert.Nil(t, r.Metadata)
				}
			})
		}
	})
}

func TestLimitOffsetAndIDs(t *testing.T) {
	eachMode(t, func(t *testing.T, s *Segment) {
		seed(t, s)
		assert.Equal(t, []string{"b", "c"}, idsOf(get(t, s, model.MetadataQuery{Limit: 2, Offset: 1})))
		assert.Equal(t, []string{"c", "d"}, idsOf(get(t, s, model.MetadataQuery{Offset: 2})))
		assert.Equal(t, []string{"a", "d"}, idsOf(get(t, s, model.MetadataQuery{IDs: []string{"d", "a", "zz"}})))
		assert.Empty(t, get(t, s, model.MetadataQuery{IDs: []string{}}))
	})
}

func TestSnapshotReads(t *testing.T) {
	eachMode(t, func(t *testing.T, s *Segment) {
		ctx := context.Background()
		_, err := s.ApplyRecords(ctx, []model.LogRecord{
			rec(1, model.OperationAdd, "a", metadata.Metadata{"v": metadata.Int(1)}),
			rec(2, model.OperationAdd, "b", metadata.Metadata{"v": metadata.Int(1)}),
			rec(3, model.OperationUpdate, "a", metadata.Metadata{"v": metadata.Int(2)}),
			rec(4, model.OperationDelete, "b", nil),
		})
		require.NoError(t, err)

		rows := get(t, s, model.MetadataQuery{Version: at(2)})
		assert.Equal(t, []string{"a", "b"}, idsOf(rows))
		assert.Equal(t, metadata.Int(1), rows[0].Metadata["v"])

		rows = get(t, s, model.MetadataQuery{Version: at(3), Where: metadata.Eq("v", metadata.Int(2))})
		assert.Equal(t, []string{"a"}, idsOf(rows))

		rows, err = s.GetMetadata(ctx, model.MetadataQuery{Version: at(0)})
		require.NoError(t, err)
		assert.Empty(t, rows)

		for pos, want := range map[int64]int{1: 1, 2: 2, 3: 2, 4: 1} {
			n, err := s.Count(ctx, at(pos))
			require.NoError(t, err)
			assert.Equal(t, want, n, "count at %d", pos)
		}
	})
}

type fakeLog struct {
	records []model.LogRecord
	pulls   int
}

func (f *fakeLog) PullLogs(_ context.Context, _ uuid.UUID, start int64, batchSize int) ([]model.LogRecord, error) {
	f.pulls++
	var out []model.LogRecord
	for _, r := range f.records {
		if r.LogOffset >= start && (batchSize <= 0 || len(out) < batchSize) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestCatchUpAndVersionMismatch(t *testing.T) {
	log := &fakeLog{records: []model.LogRecord{
		rec(1, model.OperationAdd, "a", nil),
		rec(2, model.OperationAdd, "b", nil),
		rec(3, model.OperationAdd, "c", nil),
	}}
	s := newSegment(t, testSegment(), Options{Log: log, Version: 2})
	ctx := context.Background()

	n, err := s.Count(ctx, model.RequestVersionContext{CollectionVersion: 2, LogPosition: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), s.MaxSeqID(), "catch-up applies whole pulled batches")
	assert.Equal(t, 1, log.pulls)

	_, err = s.Count(ctx, model.RequestVersionContext{CollectionVersion: 3, LogPosition: 2})
	assert.ErrorIs(t, err, segment.ErrVersionMismatch)

	_, err = s.Count(ctx, model.RequestVersionContext{CollectionVersion: 2, LogPosition: 10})
	var vm *segment.VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, int64(3), vm.State.Applied)

	s.SetVersion(3)
	s.SetVersion(1)
	assert.Equal(t, int64(3), s.Version())
}

func TestHistoryRetention(t *testing.T) {
	s := newSegment(t, testSegment(), Options{Dir: t.TempDir(), HistoryRetention: 3})
	ctx := context.Background()

	var recs []model.LogRecord
	recs = append(recs, rec(1, model.OperationAdd, "x", metadata.Metadata{"i": metadata.Int(1)}))
	for i := int64(2); i <= 10; i++ {
		recs = append(recs, rec(i, model.OperationUpdate, "x", metadata.Metadata{"i": metadata.Int(i)}))
	}
	_, err := s.ApplyRecords(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.HistoryFloor())

	_, err = s.GetMetadata(ctx, model.MetadataQuery{Version: at(5)})
	assert.ErrorIs(t, err, segment.ErrVersionMismatch)

	rows := get(t, s, model.MetadataQuery{Version: at(8)})
	require.Len(t, rows, 1)
	assert.Equal(t, metadata.Int(8), rows[0].Metadata["i"])

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&versions))
	assert.Equal(t, 4, versions, "versions retired at or below the floor are pruned")
}

func TestReopenFileSegment(t *testing.T) {
	dir := t.TempDir()
	seg := testSegment()
	ctx := context.Background()

	s, err := New(seg, Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	seed(t, s)
	assert.Equal(t, int64(4), s.PersistedSeqID())
	assert.Positive(t, s.SizeBytes())
	require.NoError(t, s.Stop())

	_, err = s.ApplyRecords(ctx, nil)
	assert.ErrorIs(t, err, segment.ErrStopped)

	reopened := newSegment(t, seg, Options{Dir: dir})
	assert.Equal(t, int64(4), reopened.MaxSeqID())
	rows := get(t, reopened, model.MetadataQuery{Where: metadata.Eq("color", metadata.String("blue"))})
	assert.Equal(t, []string{"b"}, idsOf(rows))

	require.NoError(t, reopened.Delete(ctx))
	assert.NoFileExists(t, reopened.Path())
}

func TestMemorySegmentIsEphemeral(t *testing.T) {
	seg := testSegment()
	s := newSegment(t, seg, Options{})
	seed(t, s)
	assert.Zero(t, s.PersistedSeqID())
	assert.Positive(t, s.SizeBytes())
	require.NoError(t, s.Stop())

	fresh := newSegment(t, seg, Options{})
	assert.Zero(t, fresh.MaxSeqID())
	assert.Empty(t, get(t, fresh, model.MetadataQuery{}))
}

func TestRejectsWrongSegmentType(t *testing.T) {
	seg := testSegment()
	seg.Type = model.SegmentTypeHNSWLocalMemory
	_, err := New(seg, Options{})
	assert.Error(t, err)
}

func TestReplayAfterReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	history := []model.LogRecord{
		rec(1, model.OperationAdd, "a", metadata.Metadata{"n": metadata.Int(1), "color": metadata.String("red"), metadata.DocumentKey: metadata.String("the quick fox")}),
		rec(2, model.OperationAdd, "b", metadata.Metadata{"n": metadata.Float(2.5), "color": metadata.String("blue"), "flag": metadata.Bool(true)}),
		rec(3, model.OperationAdd, "c", metadata.Metadata{"n": metadata.Int(3), metadata.DocumentKey: metadata.String("lazy dog")}),
		rec(4, model.OperationAdd, "d", nil),
		rec(5, model.OperationUpdate, "a", metadata.Metadata{"color": metadata.Null(), "size": metadata.Int(9)}),
		rec(6, model.OperationDelete, "c", nil),
		rec(7, model.OperationUpsert, "e", metadata.Metadata{"n": metadata.Int(7), "color": metadata.String("blue")}),
		rec(8, model.OperationUpdate, "b", metadata.Metadata{"flag": metadata.Bool(false)}),
	}

	type row struct {
		ID       string
		SeqID    int64
		Metadata metadata.Metadata
	}
	state := func(s *Segment) ([]row, int, []string) {
		var rows []row
		for _, r := range get(t, s, model.MetadataQuery{}) {
			rows = append(rows, row{ID: r.ID, SeqID: r.SeqID, Metadata: r.Metadata})
		}
		n, err := s.Count(ctx, model.Latest)
		require.NoError(t, err)
		blue := idsOf(get(t, s, model.MetadataQuery{Where: metadata.Eq("color", metadata.String("blue"))}))
		return rows, n, blue
	}

	once := newSegment(t, testSegment(), Options{})
	_, err := once.ApplyRecords(ctx, history)
	require.NoError(t, err)
	wantRows, wantCount, wantBlue := state(once)

	dir := t.TempDir()
	seg := testSegment()
	s, err := New(seg, Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	_, err = s.ApplyRecords(ctx, history[:6])
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	restored := newSegment(t, seg, Options{Dir: dir})
	require.Equal(t, int64(6), restored.MaxSeqID())

	stats, err := restored.ApplyRecords(ctx, history[:6])
	require.NoError(t, err)
	assert.Zero(t, stats.Applied+stats.Skipped(), "the applied range is skipped")
	assert.Equal(t, int64(6), restored.MaxSeqID())

	stats, err = restored.ApplyRecords(ctx, history[2:])
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Applied, "only offsets past the head apply")
	assert.Equal(t, int64(8), restored.MaxSeqID())

	stats, err = restored.ApplyRecords(ctx, history)
	require.NoError(t, err)
	assert.Zero(t, stats.Applied+stats.Skipped())

	rows, n, blue := state(restored)
	assert.Equal(t, wantRows, rows)
	assert.Equal(t, wantCount, n)
	assert.Equal(t, wantBlue, blue)
	assert.Equal(t, once.MaxSeqID(), restored.MaxSeqID())
}
