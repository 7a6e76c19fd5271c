package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

const (
	// DefaultHistoryRetention is how many log offsets of retired row
	// versions are kept for snapshot reads.
	DefaultHistoryRetention = 10_000

	// DefaultBusyTimeout bounds how long a writer waits for a lock.
	DefaultBusyTimeout = 5 * time.Second

	// FileExt is the extension of a segment database file.
	FileExt = ".sqlite3"

	hydrateChunk = 500
)

// Options configures a metadata segment.
type Options struct {
	// Dir holds the database file. Empty keeps the database in memory.
	Dir string

	// Log supplies records when a read is ahead of the applied head.
	Log segment.LogSource

	// HistoryRetention is the number of offsets behind the head that remain
	// readable. Zero keeps everything.
	HistoryRetention int64

	// Version is the collection version the catalog currently records.
	Version int64

	BusyTimeout time.Duration

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Segment is a metadata segment backed by one SQLite database.
type Segment struct {
	seg  model.Segment
	opts Options
	log  *zap.Logger
	path string

	mu      sync.RWMutex
	db      *sql.DB
	applied int64
	floor   int64
	version int64
	stopped bool
}

var _ segment.MetadataReader = (*Segment)(nil)

// New creates a metadata segment. Start opens the database.
func New(seg model.Segment, opts Options) (*Segment, error) {
	if seg.Type != model.SegmentTypeSQLiteMetadata {
		return nil, fmt.Errorf("sqlite segment: unsupported segment type %s", seg.Type)
	}
	opts.setDefaults()
	s := &Segment{
		seg:     seg,
		opts:    opts,
		log:     opts.Logger.With(zap.Stringer("segment_id", seg.ID), zap.Stringer("collection_id", seg.Collection)),
		version: opts.Version,
	}
	if opts.Dir != "" {
		s.path = filepath.Join(opts.Dir, seg.ID.String()+FileExt)
	}
	return s, nil
}

// Path is the database file, or empty for an in-memory segment.
func (s *Segment) Path() string { return s.path }

func (s *Segment) dsn() string {
	if s.path == "" {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", s.seg.ID)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		s.path, s.opts.BusyTimeout.Milliseconds())
}

func (s *Segment) Segment() model.Segment { return s.seg }

func (s *Segment) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return segment.ErrStopped
	}
	if s.db != nil {
		return nil
	}
	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("create metadata dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	if s.path == "" {
		// The shared-memory database lives as long as one connection does.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	for _, t := range schema {
		if _, err := db.ExecContext(ctx, t.stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("create %s: %w", t.name, err)
		}
	}

	applied, err := readSeq(ctx, db, selectMaxSeqID, s.seg.ID.String())
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("read max seq id: %w", err)
	}
	floor, err := readSeq(ctx, db, selectHistoryFloor, s.seg.ID.String())
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("read history floor: %w", err)
	}
	s.db, s.applied, s.floor = db, applied, floor
	s.log.Debug("metadata segment started", zap.Int64("max_seq_id", applied), zap.String("path", s.path))
	return nil
}

func readSeq(ctx context.Context, db *sql.DB, query, segID string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, query, segID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Stop closes the database. An in-memory segment loses its state.
func (s *Segment) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Delete stops the segment and removes its database files.
func (s *Segment) Delete(_ context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	if s.path == "" {
		return nil
	}
	var errs []error
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Segment) MaxSeqID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

func (s *Segment) PersistedSeqID() int64 {
	if s.path == "" {
		return 0
	}
	return s.MaxSeqID()
}

func (s *Segment) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetVersion raises the version; it never moves backwards.
func (s *Segment) SetVersion(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = max(s.version, v)
}

// HistoryFloor is the lowest log position still readable.
func (s *Segment) HistoryFloor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.floor
}

// SizeBytes reports the database size: the files on disk, or the page
// count of an in-memory database.
func (s *Segment) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path != "" {
		var n int64
		for _, p := range []string{s.path, s.path + "-wal"} {
			if fi, err := os.Stat(p); err == nil {
				n += fi.Size()
			}
		}
		return n
	}
	if s.db == nil {
		return 0
	}
	var pages, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return 0
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pages * pageSize
}

func (s *Segment) state() segment.State {
	return segment.State{Version: s.version, Applied: s.applied, Floor: s.floor}
}

func (s *Segment) ApplyRecords(ctx context.Context, records []model.LogRecord) (segment.ApplyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.db == nil {
		return segment.ApplyStats{}, segment.ErrStopped
	}
	return s.applyLocked(ctx, records)
}

// applyLocked writes records and the new max_seq_id in one transaction.
func (s *Segment) applyLocked(ctx context.Context, records []model.LogRecord) (segment.ApplyStats, error) {
	var stats segment.ApplyStats
	last := s.applied

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		if rec.LogOffset <= last {
			continue
		}
		outcome, reason, err := s.applyOne(ctx, tx, rec)
		if err != nil {
			return segment.ApplyStats{}, fmt.Errorf("apply %s at %d: %w", rec.Record.ID, rec.LogOffset, err)
		}
		stats.Add(outcome)
		if outcome != segment.Applied {
			segment.LogSkip(s.log, s.seg, rec, outcome, reason)
		}
		last = rec.LogOffset
	}
	if last == s.applied {
		return stats, nil
	}
	if _, err := tx.ExecContext(ctx, upsertMaxSeqID, s.seg.ID.String(), last); err != nil {
		return segment.ApplyStats{}, fmt.Errorf("update max seq id: %w", err)
	}

	floor := s.floor
	if s.opts.HistoryRetention > 0 && last-s.opts.HistoryRetention > floor {
		floor = last - s.opts.HistoryRetention
		if err := prune(ctx, tx, s.seg.ID.String(), floor); err != nil {
			return segment.ApplyStats{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return segment.ApplyStats{}, fmt.Errorf("commit apply: %w", err)
	}
	s.applied, s.floor = last, floor
	return stats, nil
}

func prune(ctx context.Context, tx *sql.Tx, segID string, floor int64) error {
	for _, stmt := range []string{pruneMetadata, pruneFulltext, pruneEmbeddings} {
		if _, err := tx.ExecContext(ctx, stmt, floor); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsertHistoryFloor, segID, floor); err != nil {
		return fmt.Errorf("update history floor: %w", err)
	}
	return nil
}

type liveRow struct {
	rowID   int64
	created int64
}

func (s *Segment) applyOne(ctx context.Context, tx *sql.Tx, rec model.LogRecord) (segment.ApplyOutcome, string, error) {
	r := rec.Record
	if err := checkValues(r.Metadata); err != nil {
		return segment.SkippedInvalid, err.Error(), nil
	}

	var live liveRow
	err := tx.QueryRowContext(ctx, selectLive, r.ID).Scan(&live.rowID, &live.created)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("lookup: %w", err)
	}

	switch r.Operation {
	case model.OperationAdd:
		if found {
			return segment.SkippedDuplicate, "id already exists", nil
		}
		return segment.Applied, "", insertVersion(ctx, tx, r.ID, rec.LogOffset, rec.LogOffset, r.Metadata.WithoutNulls())
	case model.OperationUpdate:
		if !found {
			return segment.SkippedMissing, "update of missing id", nil
		}
		return segment.Applied, "", replaceVersion(ctx, tx, r.ID, live, rec.LogOffset, r.Metadata)
	case model.OperationUpsert:
		if !found {
			return segment.Applied, "", insertVersion(ctx, tx, r.ID, rec.LogOffset, rec.LogOffset, r.Metadata.WithoutNulls())
		}
		return segment.Applied, "", replaceVersion(ctx, tx, r.ID, live, rec.LogOffset, r.Metadata)
	case model.OperationDelete:
		if !found {
			return segment.SkippedMissing, "delete of missing id", nil
		}
		if _, err := tx.ExecContext(ctx, retireEmbedding, rec.LogOffset, live.rowID); err != nil {
			return 0, "", fmt.Errorf("retire: %w", err)
		}
		return segment.Applied, "", nil
	default:
		return segment.SkippedInvalid, "unknown operation", nil
	}
}

func checkValues(md metadata.Metadata) error {
	for k, v := range md {
		switch v.Kind {
		case metadata.KindInt, metadata.KindFloat, metadata.KindString, metadata.KindBool, metadata.KindNull:
		default:
			return fmt.Errorf("key %q has an invalid value", k)
		}
	}
	return nil
}

// replaceVersion retires the live row and writes a new one carrying the
// merged metadata. A record without metadata leaves the row untouched.
func replaceVersion(ctx context.Context, tx *sql.Tx, id string, live liveRow, seq int64, update metadata.Metadata) error {
	if update == nil {
		return nil
	}
	current, err := loadMetadata(ctx, tx, []int64{live.rowID})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, retireEmbedding, seq, live.rowID); err != nil {
		return fmt.Errorf("retire: %w", err)
	}
	return insertVersion(ctx, tx, id, seq, live.created, current[live.rowID].Merge(update))
}

func insertVersion(ctx context.Context, tx *sql.Tx, id string, seq, created int64, md metadata.Metadata) error {
	res, err := tx.ExecContext(ctx, insertEmbedding, id, seq, created)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for k, v := range md {
		var str, i, f, b any
		switch v.Kind {
		case metadata.KindString:
			str = v.StringValue()
		case metadata.KindInt:
			i = v.I64
		case metadata.KindFloat:
			f = v.F64
		case metadata.KindBool:
			b = v.B
		default:
			continue
		}
		if _, err := tx.ExecContext(ctx, insertMetadata, rowID, k, str, i, f, b); err != nil {
			return fmt.Errorf("insert metadata %q: %w", k, err)
		}
	}
	if doc, ok := md.Document(); ok {
		if _, err := tx.ExecContext(ctx, insertFulltext, rowID, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadMetadata reads the metadata of row versions, keyed by row id.
func loadMetadata(ctx context.Context, q queryer, rowIDs []int64) (map[int64]metadata.Metadata, error) {
	out := make(map[int64]metadata.Metadata, len(rowIDs))
	for start := 0; start < len(rowIDs); start += hydrateChunk {
		chunk := rowIDs[start:min(start+hydrateChunk, len(rowIDs))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if err := scanMetadata(ctx, q, selectMetadataRows+placeholders(len(chunk)), args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanMetadata(ctx context.Context, q queryer, query string, args []any, out map[int64]metadata.Metadata) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rowID int64
			key   string
			str   sql.NullString
			i     sql.NullInt64
			f     sql.NullFloat64
			b     sql.NullBool
		)
		if err := rows.Scan(&rowID, &key, &str, &i, &f, &b); err != nil {
			return fmt.Errorf("scan metadata: %w", err)
		}
		md := out[rowID]
		if md == nil {
			md = metadata.Metadata{}
			out[rowID] = md
		}
		switch {
		case str.Valid:
			md[key] = metadata.String(str.String)
		case i.Valid:
			md[key] = metadata.Int(i.Int64)
		case f.Valid:
			md[key] = metadata.Float(f.Float64)
		case b.Valid:
			md[key] = metadata.Bool(b.Bool)
		}
	}
	return rows.Err()
}

// snapshot resolves rv to a readable position, catching up from the log
// when the segment is behind.
func (s *Segment) snapshot(ctx context.Context, rv model.RequestVersionContext) (int64, error) {
	s.mu.RLock()
	st, stopped := s.state(), s.stopped || s.db == nil
	s.mu.RUnlock()
	if stopped {
		return 0, segment.ErrStopped
	}

	pos, behind, err := st.Resolve(s.seg.ID, rv)
	if err != nil || !behind {
		return pos, err
	}

	s.mu.Lock()
	if s.stopped || s.db == nil {
		s.mu.Unlock()
		return 0, segment.ErrStopped
	}
	err = segment.CatchUp(ctx, s.opts.Log, s.seg.Collection, s.applied, pos, func(ctx context.Context, recs []model.LogRecord) error {
		_, err := s.applyLocked(ctx, recs)
		return err
	})
	st = s.state()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if st.Applied < pos {
		return 0, st.Behind(s.seg.ID, rv)
	}
	return pos, nil
}

// readLocked re-checks the segment after the snapshot was resolved; the
// floor may have moved or the segment stopped in between.
func (s *Segment) readLocked(pos int64, rv model.RequestVersionContext) error {
	if s.stopped || s.db == nil {
		return segment.ErrStopped
	}
	if pos < s.floor {
		return &segment.VersionMismatchError{Segment: s.seg.ID, Requested: rv, State: s.state(), Reason: "history pruned during read"}
	}
	return nil
}

func (s *Segment) Count(ctx context.Context, rv model.RequestVersionContext) (int, error) {
	pos, err := s.snapshot(ctx, rv)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readLocked(pos, rv); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countVisible, pos, pos).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// GetMetadata scans the rows visible at q.Version in insertion order. A nil
// IDs list means all ids; an empty one matches nothing.
func (s *Segment) GetMetadata(ctx context.Context, q model.MetadataQuery) ([]model.MetadataRecord, error) {
	if q.IDs != nil && len(q.IDs) == 0 {
		return nil, nil
	}
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}

	pos, err := s.snapshot(ctx, q.Version)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readLocked(pos, q.Version); err != nil {
		return nil, err
	}

	args = append([]any{pos, pos}, args...)
	out, rowIDs, err := scanRecords(ctx, s.db, query, args)
	if err != nil {
		return nil, err
	}
	if q.ExcludeMetadata || len(out) == 0 {
		return out, nil
	}
	mds, err := loadMetadata(ctx, s.db, rowIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Metadata = mds[rowIDs[i]]
	}
	return out, nil
}

func buildSelect(q model.MetadataQuery) (string, []any, error) {
	query := selectVisibleColumn
	var args []any
	if len(q.IDs) > 0 {
		query += " AND e.embedding_id IN " + placeholders(len(q.IDs))
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if q.Where != nil {
		c, err := compileWhere(q.Where)
		if err != nil {
			return "", nil, err
		}
		query += " AND " + c.sql
		args = append(args, c.args...)
	}
	if q.WhereDocument != nil {
		c, err := compileDocument(q.WhereDocument)
		if err != nil {
			return "", nil, err
		}
		query += " AND " + c.sql
		args = append(args, c.args...)
	}

	limit := -1
	if q.Limit > 0 {
		limit = q.Limit
	}
	query += " ORDER BY e.created_seq_id LIMIT ? OFFSET ?"
	args = append(args, limit, max(q.Offset, 0))
	return query, args, nil
}

func scanRecords(ctx context.Context, q queryer, query string, args []any) ([]model.MetadataRecord, []int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var (
		out    []model.MetadataRecord
		rowIDs []int64
	)
	for rows.Next() {
		var (
			rowID int64
			r     model.MetadataRecord
		)
		if err := rows.Scan(&rowID, &r.ID, &r.SeqID); err != nil {
			return nil, nil, fmt.Errorf("scan embeddings: %w", err)
		}
		out = append(out, r)
		rowIDs = append(rowIDs, rowID)
	}
	return out, rowIDs, rows.Err()
}
