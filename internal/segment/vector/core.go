package vector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hupe1980/embedb/internal/batch"
	"github.com/hupe1980/embedb/internal/distance"
	"github.com/hupe1980/embedb/internal/hnsw"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/model"
)

const (
	// DefaultHistoryRetention is how many log offsets of superseded vectors
	// are kept for snapshot reads.
	DefaultHistoryRetention = 10_000

	// DefaultMaxGetAll caps GetVectors without ids.
	DefaultMaxGetAll = 100_000
)

// Options configures a vector segment.
type Options struct {
	// Log supplies records when a read is ahead of the applied head.
	Log segment.LogSource

	// HistoryRetention is the number of offsets behind the head that remain
	// readable. Zero keeps everything.
	HistoryRetention int64

	MaxGetAll int

	// Version is the collection version the catalog currently records.
	Version int64

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.MaxGetAll <= 0 {
		o.MaxGetAll = DefaultMaxGetAll
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// core is the state shared by both segment types. Persisted sets buf and
// afterApply.
type core struct {
	seg   model.Segment
	cfg   model.IndexConfig
	space distance.Space
	opts  Options
	log   *zap.Logger

	mu      sync.RWMutex
	index   *hnsw.Index
	buf     *buffer
	dim     int
	applied int64
	version int64
	stopped bool

	afterApply func(ctx context.Context, processed int) error
}

func newCore(seg model.Segment, opts Options) (*core, error) {
	opts.setDefaults()
	cfg, err := model.IndexConfigFromMetadata(seg.Metadata)
	if err != nil {
		return nil, err
	}
	space, err := distance.ForSpace(cfg.Space)
	if err != nil {
		return nil, err
	}
	index, err := hnsw.New(0, withConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &core{
		seg:     seg,
		cfg:     cfg,
		space:   space,
		opts:    opts,
		log:     opts.Logger.With(zap.Stringer("segment_id", seg.ID), zap.Stringer("collection_id", seg.Collection)),
		index:   index,
		version: opts.Version,
	}, nil
}

func withConfig(cfg model.IndexConfig) func(*hnsw.Options) {
	return func(o *hnsw.Options) { *o = hnsw.OptionsFromConfig(cfg) }
}

func (c *core) Segment() model.Segment { return c.seg }

// Config returns the index parameters decoded from the segment metadata.
func (c *core) Config() model.IndexConfig { return c.cfg }

func (c *core) MaxSeqID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}

func (c *core) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetVersion raises the version; it never moves backwards.
func (c *core) SetVersion(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = max(c.version, v)
}

func (c *core) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dim
}

func (c *core) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.index.SizeBytes()
	if c.buf != nil {
		n += c.buf.sizeBytes()
	}
	return n
}

// Stats returns the graph statistics.
func (c *core) Stats() hnsw.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Stats()
}

func (c *core) state() segment.State {
	return segment.State{Version: c.version, Applied: c.applied, Floor: c.index.Floor()}
}

func (c *core) ApplyRecords(ctx context.Context, records []model.LogRecord) (segment.ApplyStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return segment.ApplyStats{}, segment.ErrStopped
	}
	return c.applyLocked(ctx, records)
}

func (c *core) applyLocked(ctx context.Context, records []model.LogRecord) (segment.ApplyStats, error) {
	var stats segment.ApplyStats
	last := c.applied
	processed := 0
	b := batch.New()

	for _, rec := range records {
		if rec.LogOffset <= last {
			continue
		}
		// One version per offset: a second touch of an id starts a new batch.
		if id := rec.Record.ID; b.IsWritten(id) || b.IsDeleted(id) {
			if err := c.commit(b); err != nil {
				return stats, err
			}
			b = batch.New()
		}

		exists := c.exists(rec.Record.ID)
		outcome, reason, noop := c.classify(rec, exists)
		stats.Add(outcome)
		last = rec.LogOffset
		processed++

		if outcome != segment.Applied {
			segment.LogSkip(c.log, c.seg, rec, outcome, reason)
			continue
		}
		if noop {
			continue
		}
		if c.dim == 0 && rec.Record.Embedding != nil {
			c.dim = len(rec.Record.Embedding)
		}
		b.Apply(rec, exists)
	}
	if err := c.commit(b); err != nil {
		return stats, err
	}
	c.applied = last
	c.compactLocked()

	if c.afterApply != nil && processed > 0 {
		if err := c.afterApply(ctx, processed); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// classify decides what a record does to the segment. noop marks applied
// records without a vector change (metadata-only updates).
func (c *core) classify(rec model.LogRecord, exists bool) (outcome segment.ApplyOutcome, reason string, noop bool) {
	r := rec.Record
	if r.Embedding != nil {
		if len(r.Embedding) == 0 {
			return segment.SkippedInvalid, "empty embedding", false
		}
		if c.dim != 0 && len(r.Embedding) != c.dim {
			return segment.SkippedInvalid, fmt.Sprintf("dimension %d does not match %d", len(r.Embedding), c.dim), false
		}
	}

	switch r.Operation {
	case model.OperationAdd:
		if exists {
			return segment.SkippedDuplicate, "id already exists", false
		}
		if r.Embedding == nil {
			return segment.SkippedInvalid, "add without embedding", false
		}
	case model.OperationUpdate:
		if !exists {
			return segment.SkippedMissing, "update of missing id", false
		}
		if r.Embedding == nil {
			return segment.Applied, "", true
		}
	case model.OperationUpsert:
		if r.Embedding == nil {
			if exists {
				return segment.Applied, "", true
			}
			return segment.SkippedInvalid, "upsert of new id without embedding", false
		}
	case model.OperationDelete:
		if !exists {
			return segment.SkippedMissing, "delete of missing id", false
		}
	default:
		return segment.SkippedInvalid, "unknown operation", false
	}
	return segment.Applied, "", false
}

func (c *core) exists(id string) bool {
	if c.buf != nil && c.buf.contains(id) {
		return true
	}
	return c.index.Contains(id)
}

func (c *core) commit(b *batch.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	for _, rec := range b.DeletedRecords() {
		c.retire(rec.Record.ID, rec.LogOffset)
	}
	if c.buf == nil && b.AddCount > 0 {
		c.index.Reserve(b.AddCount)
	}
	for _, rec := range b.WrittenRecords() {
		if err := c.write(rec.Record.ID, rec.Record.Embedding, rec.LogOffset); err != nil {
			return fmt.Errorf("apply %s at %d: %w", rec.Record.ID, rec.LogOffset, err)
		}
	}
	return nil
}

func (c *core) retire(id string, seq int64) {
	if c.buf != nil && c.buf.retire(id, seq) {
		return
	}
	c.index.Delete(id, seq)
}

func (c *core) write(id string, vec []float32, seq int64) error {
	if c.buf == nil {
		return c.index.Insert(id, vec, seq)
	}
	c.index.Delete(id, seq)
	c.buf.add(id, vec, seq)
	if c.buf.len() >= c.cfg.BatchSize {
		return c.flushLocked()
	}
	return nil
}

// flushLocked moves buffered entries into the graph, versions included.
func (c *core) flushLocked() error {
	if c.buf == nil || c.buf.len() == 0 {
		return nil
	}
	c.index.Reserve(c.buf.len())
	for _, e := range c.buf.entries {
		if err := c.index.InsertVersion(e.id, e.vec, e.created, e.deleted); err != nil {
			return fmt.Errorf("flush %s: %w", e.id, err)
		}
	}
	c.buf.reset()
	return nil
}

// compactLocked prunes history once the floor can advance by a batch.
func (c *core) compactLocked() {
	if c.opts.HistoryRetention <= 0 {
		return
	}
	floor := c.applied - c.opts.HistoryRetention
	if floor-c.index.Floor() < int64(c.cfg.BatchSize) {
		return
	}
	c.index.Compact(floor)
}

// snapshot resolves rv to a readable position, catching up from the log
// when the segment is behind.
func (c *core) snapshot(ctx context.Context, rv model.RequestVersionContext) (int64, error) {
	c.mu.RLock()
	st, stopped := c.state(), c.stopped
	c.mu.RUnlock()
	if stopped {
		return 0, segment.ErrStopped
	}

	pos, behind, err := st.Resolve(c.seg.ID, rv)
	if err != nil || !behind {
		return pos, err
	}

	c.mu.Lock()
	err = segment.CatchUp(ctx, c.opts.Log, c.seg.Collection, c.applied, pos, func(ctx context.Context, recs []model.LogRecord) error {
		_, err := c.applyLocked(ctx, recs)
		return err
	})
	st = c.state()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if st.Applied < pos {
		return 0, st.Behind(c.seg.ID, rv)
	}
	return pos, nil
}

func (c *core) checkFloorLocked(pos int64, rv model.RequestVersionContext) error {
	if pos < c.index.Floor() {
		return &segment.VersionMismatchError{Segment: c.seg.ID, Requested: rv, State: c.state(), Reason: "history pruned during read"}
	}
	return nil
}

func (c *core) lookupLocked(id string, at int64) ([]float32, bool) {
	if c.buf != nil {
		if v, ok := c.buf.get(id, at); ok {
			return v, true
		}
	}
	return c.index.Get(id, at)
}

func (c *core) idsLocked(at int64, limit int) []string {
	out := c.index.IDs(at, limit)
	if c.buf != nil && (limit <= 0 || len(out) < limit) {
		rest := 0
		if limit > 0 {
			rest = limit - len(out)
		}
		out = append(out, c.buf.ids(at, rest)...)
	}
	return out
}

func (c *core) GetVectors(ctx context.Context, ids []string, rv model.RequestVersionContext) ([]model.VectorRecord, error) {
	pos, err := c.snapshot(ctx, rv)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkFloorLocked(pos, rv); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		ids = c.idsLocked(pos, c.opts.MaxGetAll)
	}
	out := make([]model.VectorRecord, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.lookupLocked(id, pos); ok {
			out = append(out, model.VectorRecord{ID: id, Embedding: slices.Clone(v)})
		}
	}
	return out, nil
}

func (c *core) Count(ctx context.Context, rv model.RequestVersionContext) (int, error) {
	pos, err := c.snapshot(ctx, rv)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkFloorLocked(pos, rv); err != nil {
		return 0, err
	}

	if pos >= c.applied {
		n := c.index.Len()
		if c.buf != nil {
			n += c.buf.liveCount()
		}
		return n, nil
	}
	return len(c.idsLocked(pos, 0)), nil
}

type candidate struct {
	id       string
	rank     uint64
	distance float32
}

func (c *core) QueryVectors(ctx context.Context, q model.VectorQuery) ([][]model.VectorQueryResult, error) {
	if q.K <= 0 {
		return nil, hnsw.ErrInvalidK
	}
	pos, err := c.snapshot(ctx, q.Version)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkFloorLocked(pos, q.Version); err != nil {
		return nil, err
	}

	out := make([][]model.VectorQueryResult, len(q.Vectors))
	if q.AllowedIDs != nil && len(q.AllowedIDs) == 0 {
		return out, nil
	}
	var allowed map[string]struct{}
	if q.AllowedIDs != nil && c.buf != nil && c.buf.len() > 0 {
		allowed = make(map[string]struct{}, len(q.AllowedIDs))
		for _, id := range q.AllowedIDs {
			allowed[id] = struct{}{}
		}
	}

	for i, v := range q.Vectors {
		if c.dim != 0 && len(v) != c.dim {
			return nil, &hnsw.ErrDimensionMismatch{Expected: c.dim, Actual: len(v)}
		}
		res, err := c.index.Search(v, q.K, hnsw.SearchOptions{At: pos, Allowed: q.AllowedIDs, EF: c.cfg.SearchEF})
		if err != nil {
			if errors.Is(err, hnsw.ErrBelowFloor) {
				return nil, &segment.VersionMismatchError{Segment: c.seg.ID, Requested: q.Version, State: c.state(), Reason: "history pruned during read"}
			}
			return nil, err
		}
		cands := make([]candidate, 0, len(res))
		for _, r := range res {
			cands = append(cands, candidate{id: r.ID, rank: uint64(r.Label), distance: r.Distance})
		}
		if c.buf != nil {
			// Buffered entries rank after every graph node, as they will once flushed.
			base := uint64(c.index.Nodes())
			for _, h := range c.buf.search(v, q.K, pos, allowed) {
				cands = append(cands, candidate{id: h.id, rank: base + uint64(h.pos), distance: h.distance})
			}
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].distance != cands[b].distance {
				return cands[a].distance < cands[b].distance
			}
			return cands[a].rank < cands[b].rank
		})
		if len(cands) > q.K {
			cands = cands[:q.K]
		}

		rows := make([]model.VectorQueryResult, len(cands))
		for j, cand := range cands {
			rows[j] = model.VectorQueryResult{ID: cand.id, Distance: cand.distance}
			if q.IncludeEmbeddings {
				if vec, ok := c.lookupLocked(cand.id, pos); ok {
					rows[j].Embedding = slices.Clone(vec)
				}
			}
		}
		out[i] = rows
	}
	return out, nil
}
