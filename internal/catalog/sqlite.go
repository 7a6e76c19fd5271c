package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/embedb/codec"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

// FileName is the catalog database inside a persist directory.
const FileName = "catalog.sqlite3"

const (
	createTenants = "CREATE TABLE IF NOT EXISTS tenants (" +
		"id TEXT PRIMARY KEY" +
		")"

	createDatabases = "CREATE TABLE IF NOT EXISTS databases (" +
		"id TEXT PRIMARY KEY, " +
		"name TEXT NOT NULL, " +
		"tenant_id TEXT NOT NULL, " +
		"UNIQUE (tenant_id, name)" +
		")"

	createCollections = "CREATE TABLE IF NOT EXISTS collections (" +
		"id TEXT PRIMARY KEY, " +
		"name TEXT NOT NULL, " +
		"tenant_id TEXT NOT NULL, " +
		"database_name TEXT NOT NULL, " +
		"metadata_json BLOB, " +
		"dimension INTEGER, " +
		"version INTEGER NOT NULL DEFAULT 0, " +
		"log_position INTEGER NOT NULL DEFAULT 0, " +
		"config_json BLOB NOT NULL, " +
		"UNIQUE (tenant_id, database_name, name)" +
		")"

	createSegments = "CREATE TABLE IF NOT EXISTS segments (" +
		"id TEXT PRIMARY KEY, " +
		"type TEXT NOT NULL, " +
		"scope TEXT NOT NULL, " +
		"collection_id TEXT NOT NULL, " +
		"metadata_json BLOB" +
		")"

	createSegmentsCollection = "CREATE INDEX IF NOT EXISTS segments_collection ON segments (collection_id)"

	insertTenant     = "INSERT OR IGNORE INTO tenants (id) VALUES (?)"
	insertDatabase   = "INSERT OR IGNORE INTO databases (id, name, tenant_id) VALUES (?, ?, ?)"
	selectDatabase   = "SELECT 1 FROM databases WHERE tenant_id = ? AND name = ?"
	insertCollection = "INSERT INTO collections (" +
		"id, name, tenant_id, database_name, metadata_json, dimension, version, log_position, config_json" +
		") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	selectCollections = "SELECT id, name, tenant_id, database_name, metadata_json, dimension, version, log_position, config_json " +
		"FROM collections WHERE 1 = 1"
	updateCollection = "UPDATE collections SET name = ?, metadata_json = ?, dimension = ? WHERE id = ?"
	advanceCollection = "UPDATE collections SET version = MAX(version, ?), log_position = MAX(log_position, ?) WHERE id = ?"
	deleteCollection  = "DELETE FROM collections WHERE id = ?"
	deleteSegmentsOf  = "DELETE FROM segments WHERE collection_id = ?"
	insertSegment     = "INSERT INTO segments (id, type, scope, collection_id, metadata_json) VALUES (?, ?, ?, ?, ?)"
	selectSegments    = "SELECT id, type, scope, collection_id, metadata_json FROM segments WHERE 1 = 1"
	deleteSegment     = "DELETE FROM segments WHERE id = ?"
)

// SQLite is a SysDB stored in one SQLite database.
type SQLite struct {
	db    *sql.DB
	codec codec.Codec
}

var _ SysDB = (*SQLite)(nil)

// OpenSQLite opens the catalog in dir, or an in-memory catalog when dir is
// empty. The default tenant and database are created if missing.
func OpenSQLite(ctx context.Context, dir string) (*SQLite, error) {
	var dsn string
	if dir == "" {
		dsn = fmt.Sprintf("file:catalog-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
		dsn = "file:" + filepath.Join(dir, FileName) + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if dir == "" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
	}

	for _, t := range []struct{ name, stmt string }{
		{"tenants table", createTenants},
		{"databases table", createDatabases},
		{"collections table", createCollections},
		{"segments table", createSegments},
		{"segments index", createSegmentsCollection},
	} {
		if _, err := db.ExecContext(ctx, t.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create %s: %w", t.name, err)
		}
	}

	s := &SQLite{db: db, codec: codec.Default}
	if err := s.CreateDatabase(ctx, model.DefaultTenant, model.DefaultDatabase); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// CreateDatabase creates the tenant and database if they do not exist.
func (s *SQLite) CreateDatabase(ctx context.Context, tenant, name string) error {
	if _, err := s.db.ExecContext(ctx, insertTenant, tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertDatabase, uuid.NewString(), name, tenant); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

func defaultScope(tenant, database string) (string, string) {
	if tenant == "" {
		tenant = model.DefaultTenant
	}
	if database == "" {
		database = model.DefaultDatabase
	}
	return tenant, database
}

func (s *SQLite) CreateCollection(ctx context.Context, c model.Collection) error {
	c.Tenant, c.Database = defaultScope(c.Tenant, c.Database)

	var one int
	err := s.db.QueryRowContext(ctx, selectDatabase, c.Tenant, c.Database).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: database %s/%s", ErrNotFound, c.Tenant, c.Database)
	}
	if err != nil {
		return fmt.Errorf("lookup database: %w", err)
	}

	md, err := s.codec.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode collection metadata: %w", err)
	}
	cfg, err := s.codec.Marshal(c.Config.SegmentMetadata())
	if err != nil {
		return fmt.Errorf("encode collection config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertCollection,
		c.ID.String(), c.Name, c.Tenant, c.Database, md, dimensionArg(c.Dimension), c.Version, c.LogPosition, cfg)
	if isUnique(err) {
		return fmt.Errorf("%w: collection %q", ErrAlreadyExists, c.Name)
	}
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

func dimensionArg(d *int) any {
	if d == nil {
		return nil
	}
	return *d
}

func isUnique(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLite) GetCollections(ctx context.Context, f CollectionFilter) ([]model.Collection, error) {
	query := selectCollections
	var args []any
	// An id lookup spans every database unless one is named.
	if f.ID == nil || f.Tenant != "" || f.Database != "" {
		tenant, database := defaultScope(f.Tenant, f.Database)
		query += " AND tenant_id = ? AND database_name = ?"
		args = append(args, tenant, database)
	}
	if f.ID != nil {
		query += " AND id = ?"
		args = append(args, f.ID.String())
	}
	if f.Name != "" {
		query += " AND name = ?"
		args = append(args, f.Name)
	}
	query += " ORDER BY rowid"
	if f.Limit > 0 || f.Offset > 0 {
		limit := -1
		if f.Limit > 0 {
			limit = f.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	return s.queryCollections(ctx, s.db, query, args...)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) queryCollections(ctx context.Context, q queryer, query string, args ...any) ([]model.Collection, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	var out []model.Collection
	for rows.Next() {
		var (
			c       model.Collection
			id      string
			md, cfg []byte
			dim     sql.NullInt64
		)
		if err := rows.Scan(&id, &c.Name, &c.Tenant, &c.Database, &md, &dim, &c.Version, &c.LogPosition, &cfg); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("collection id %q: %w", id, err)
		}
		if len(md) > 0 {
			if err := s.codec.Unmarshal(md, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode collection metadata: %w", err)
			}
		}
		var cfgMD metadata.Metadata
		if err := s.codec.Unmarshal(cfg, &cfgMD); err != nil {
			return nil, fmt.Errorf("decode collection config: %w", err)
		}
		if c.Config, err = model.IndexConfigFromMetadata(cfgMD); err != nil {
			return nil, err
		}
		if dim.Valid {
			d := int(dim.Int64)
			c.Dimension = &d
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateCollection(ctx context.Context, id uuid.UUID, u CollectionUpdate) (model.Collection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Collection{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cs, err := s.queryCollections(ctx, tx,
		"SELECT id, name, tenant_id, database_name, metadata_json, dimension, version, log_position, config_json FROM collections WHERE id = ?",
		id.String())
	if err != nil {
		return model.Collection{}, err
	}
	if len(cs) == 0 {
		return model.Collection{}, fmt.Errorf("%w: collection %s", ErrNotFound, id)
	}
	c := cs[0]

	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Metadata != nil {
		c.Metadata = u.Metadata
	}
	if u.Dimension != nil {
		switch {
		case c.Dimension == nil:
			d := *u.Dimension
			c.Dimension = &d
		case *c.Dimension != *u.Dimension:
			return model.Collection{}, &DimensionConflictError{Collection: id, Stored: *c.Dimension, Requested: *u.Dimension}
		}
	}

	md, err := s.codec.Marshal(c.Metadata)
	if err != nil {
		return model.Collection{}, fmt.Errorf("encode collection metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, updateCollection, c.Name, md, dimensionArg(c.Dimension), id.String())
	if isUnique(err) {
		return model.Collection{}, fmt.Errorf("%w: collection %q", ErrAlreadyExists, c.Name)
	}
	if err != nil {
		return model.Collection{}, fmt.Errorf("update collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Collection{}, fmt.Errorf("commit update: %w", err)
	}
	return c, nil
}

func (s *SQLite) AdvanceCollection(ctx context.Context, id uuid.UUID, version, logPosition int64) error {
	res, err := s.db.ExecContext(ctx, advanceCollection, version, logPosition, id.String())
	if err != nil {
		return fmt.Errorf("advance collection: %w", err)
	}
	return expectRow(res, "collection", id)
}

func expectRow(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func (s *SQLite) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, deleteSegmentsOf, id.String()); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	res, err := tx.ExecContext(ctx, deleteCollection, id.String())
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if err := expectRow(res, "collection", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) CreateSegment(ctx context.Context, seg model.Segment) error {
	md, err := s.codec.Marshal(seg.Metadata)
	if err != nil {
		return fmt.Errorf("encode segment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertSegment,
		seg.ID.String(), seg.Type.String(), seg.Scope.String(), seg.Collection.String(), md)
	if isUnique(err) {
		return fmt.Errorf("%w: segment %s", ErrAlreadyExists, seg.ID)
	}
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

func (s *SQLite) GetSegments(ctx context.Context, f SegmentFilter) ([]model.Segment, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ID != nil {
		clauses = append(clauses, "id = ?")
		args = append(args, f.ID.String())
	}
	if f.Collection != nil {
		clauses = append(clauses, "collection_id = ?")
		args = append(args, f.Collection.String())
	}
	if f.Scope != 0 {
		clauses = append(clauses, "scope = ?")
		args = append(args, f.Scope.String())
	}
	if f.Type != 0 {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type.String())
	}
	query := selectSegments
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []model.Segment
	for rows.Next() {
		var (
			seg                  model.Segment
			id, typ, scope, coll string
			md                   []byte
		)
		if err := rows.Scan(&id, &typ, &scope, &coll, &md); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if seg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("segment id %q: %w", id, err)
		}
		if seg.Collection, err = uuid.Parse(coll); err != nil {
			return nil, fmt.Errorf("segment collection %q: %w", coll, err)
		}
		if seg.Type, err = model.ParseSegmentType(typ); err != nil {
			return nil, err
		}
		if seg.Scope, err = model.ParseSegmentScope(scope); err != nil {
			return nil, err
		}
		if len(md) > 0 {
			if err := s.codec.Unmarshal(md, &seg.Metadata); err != nil {
				return nil, fmt.Errorf("decode segment metadata: %w", err)
			}
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSegment(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, deleteSegment, id.String())
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	return expectRow(res, "segment", id)
}
