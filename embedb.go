package embedb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/compaction"
	"github.com/hupe1980/embedb/internal/manager"
	"github.com/hupe1980/embedb/internal/resource"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/internal/wal"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

// LogDir is the directory of the write-ahead log below the persist directory.
const LogDir = "log"

// DB is an embedding database. It is safe for concurrent use.
type DB struct {
	opts   options
	logger *Logger

	sysdb     catalog.SysDB
	log       *wal.Log
	manager   *manager.Manager
	compactor *compaction.Compactor

	// tempDir holds the log of an in-memory database.
	tempDir string

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a database.
//
//	db, err := embedb.Open(ctx, embedb.WithPersistDirectory("./data"))
func Open(ctx context.Context, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	db := &DB{opts: o, logger: o.logger}
	z := o.logger.Logger

	logDir := filepath.Join(o.persistDir, LogDir)
	if o.persistDir == "" {
		tmp, err := os.MkdirTemp("", "embedb-log-*")
		if err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		db.tempDir, logDir = tmp, tmp
	}

	var err error
	if db.sysdb, err = catalog.OpenSQLite(ctx, o.persistDir); err != nil {
		db.cleanup()
		return nil, err
	}

	durability := wal.DurabilityAsync
	if o.syncWrites {
		durability = wal.DurabilitySync
	}
	db.log, err = wal.Open(nil, logDir, wal.Options{
		Durability:  durability,
		Compression: o.compression,
		Codec:       o.codec,
		Logger:      z,
	})
	if err != nil {
		db.cleanup()
		return nil, err
	}

	db.manager = manager.New(db.sysdb, db.log, manager.Config{
		PersistDir:       o.persistDir,
		MemoryLimitBytes: o.memoryLimit,
		HistoryRetention: o.historyRetention,
		Archive:          o.archive,
		Resources: resource.NewController(resource.Config{
			MaxConstructions:   o.maxConstructions,
			IOLimitBytesPerSec: o.ioLimit,
			FileHandleLimit:    o.fileHandleLimit,
		}),
		Logger:  z,
		OnApply: db.onApply,
		OnEvict: db.onEvict,
	})
	if err := db.manager.Start(); err != nil {
		db.cleanup()
		return nil, err
	}
	db.compactor = compaction.New(db.sysdb, db.manager, db.log, z)

	if o.persistDir != "" {
		cols, err := db.sysdb.GetCollections(ctx, catalog.CollectionFilter{})
		db.logger.LogRecovery(o.persistDir, len(cols), err)
	}
	return db, nil
}

func (db *DB) onApply(seg model.Segment, stats segment.ApplyStats) {
	db.logger.LogApply(seg, stats)
	db.opts.metrics.OnApply(strings.ToLower(seg.Scope.String()), stats.Applied, stats.Skipped())
}

func (db *DB) onEvict(collection uuid.UUID) {
	db.logger.LogEviction(collection)
	db.opts.metrics.OnEviction()
}

func (db *DB) cleanup() {
	if db.log != nil {
		_ = db.log.Close()
	}
	if db.sysdb != nil {
		_ = db.sysdb.Close()
	}
	if db.tempDir != "" {
		_ = os.RemoveAll(db.tempDir)
	}
}

// Close persists pending segment state and releases all resources.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if err := db.manager.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := db.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.sysdb.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.tempDir != "" {
		if err := os.RemoveAll(db.tempDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// enter holds the DB open for the duration of an operation.
func (db *DB) enter() (func(), error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	return db.mu.RUnlock, nil
}

// Stats describes the loaded segments.
type Stats struct {
	LoadedSegments  int
	MemoryBytes     int64
	MemoryEvictions int64
	OpenIndexes     int
	FileEvictions   int64
}

// Stats returns the segment cache statistics.
func (db *DB) Stats() Stats {
	s := db.manager.Stats()
	return Stats{
		LoadedSegments:  s.Instances,
		MemoryBytes:     s.MemoryBytes,
		MemoryEvictions: s.MemoryEvictions,
		OpenIndexes:     s.OpenIndexes,
		FileEvictions:   s.FileEvictions,
	}
}

// CollectionOption configures collection lookups and creation.
type CollectionOption func(*collectionOptions)

type collectionOptions struct {
	tenant   string
	database string
}

// InDatabase scopes the call to a tenant and database other than the defaults.
func InDatabase(tenant, database string) CollectionOption {
	return func(o *collectionOptions) {
		o.tenant = tenant
		o.database = database
	}
}

func applyCollectionOptions(optFns []CollectionOption) collectionOptions {
	o := collectionOptions{tenant: model.DefaultTenant, database: model.DefaultDatabase}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// CreateDatabase creates a database in tenant. Creating an existing one is
// not an error.
func (db *DB) CreateDatabase(ctx context.Context, tenant, name string) error {
	exit, err := db.enter()
	if err != nil {
		return err
	}
	defer exit()
	if tenant == "" || name == "" {
		return invalidArgument("tenant and database name are required")
	}
	return translateError(db.sysdb.CreateDatabase(ctx, tenant, name))
}

var (
	collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*[a-zA-Z0-9]$`)

	// ErrInvalidCollectionName is returned for names that are not 3-512
	// characters of [a-zA-Z0-9._-] starting and ending with an alphanumeric.
	ErrInvalidCollectionName = fmt.Errorf("%w: collection name", ErrInvalidArgument)
)

func validateCollectionName(name string) error {
	switch {
	case len(name) < 3 || len(name) > 512:
		return fmt.Errorf("%w %q: length must be between 3 and 512", ErrInvalidCollectionName, name)
	case !collectionNamePattern.MatchString(name):
		return fmt.Errorf("%w %q: must match %s", ErrInvalidCollectionName, name, collectionNamePattern)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w %q: must not contain two consecutive periods", ErrInvalidCollectionName, name)
	case net.ParseIP(name) != nil && strings.Count(name, ".") == 3:
		return fmt.Errorf("%w %q: must not be an IPv4 address", ErrInvalidCollectionName, name)
	}
	return nil
}

// CreateCollection creates a collection and its segments. A zero cfg uses
// model.DefaultIndexConfig.
func (db *DB) CreateCollection(ctx context.Context, name string, md metadata.Metadata, cfg model.IndexConfig, optFns ...CollectionOption) (*Collection, error) {
	exit, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	return db.createCollection(ctx, name, md, cfg, applyCollectionOptions(optFns))
}

func (db *DB) createCollection(ctx context.Context, name string, md metadata.Metadata, cfg model.IndexConfig, o collectionOptions) (*Collection, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	if err := md.Validate(false); err != nil {
		return nil, translateError(err)
	}
	if cfg == (model.IndexConfig{}) {
		cfg = model.DefaultIndexConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, translateError(err)
	}

	col := model.Collection{
		ID:       uuid.New(),
		Name:     name,
		Tenant:   o.tenant,
		Database: o.database,
		Metadata: md.Clone(),
		Config:   cfg,
	}
	if err := db.sysdb.CreateCollection(ctx, col); err != nil {
		return nil, translateError(err)
	}
	if _, err := db.manager.CreateSegments(ctx, col); err != nil {
		// Segment rows are cascaded with the collection row.
		if derr := db.sysdb.DeleteCollection(ctx, col.ID); derr != nil {
			db.logger.Error("roll back collection", zap.Stringer("collection_id", col.ID), zap.Error(derr))
		}
		return nil, translateError(err)
	}
	db.logger.Info("created collection", zap.Stringer("collection_id", col.ID), zap.String("collection", name))
	return db.newCollection(col), nil
}

// GetCollection returns the collection called name.
func (db *DB) GetCollection(ctx context.Context, name string, optFns ...CollectionOption) (*Collection, error) {
	exit, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	return db.getCollection(ctx, name, applyCollectionOptions(optFns))
}

func (db *DB) getCollection(ctx context.Context, name string, o collectionOptions) (*Collection, error) {
	cols, err := db.sysdb.GetCollections(ctx, catalog.CollectionFilter{Name: name, Tenant: o.tenant, Database: o.database})
	if err != nil {
		return nil, translateError(err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return db.newCollection(cols[0]), nil
}

// GetOrCreateCollection returns the collection called name, creating it
// with md and cfg when it does not exist. md and cfg of an existing
// collection are left untouched.
func (db *DB) GetOrCreateCollection(ctx context.Context, name string, md metadata.Metadata, cfg model.IndexConfig, optFns ...CollectionOption) (*Collection, error) {
	exit, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	o := applyCollectionOptions(optFns)
	c, err := db.getCollection(ctx, name, o)
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}
	c, err = db.createCollection(ctx, name, md, cfg, o)
	if errors.Is(err, ErrCollectionExists) {
		return db.getCollection(ctx, name, o)
	}
	return c, err
}

// ListCollections returns collections in creation order. A limit of 0
// returns all of them.
func (db *DB) ListCollections(ctx context.Context, limit, offset int, optFns ...CollectionOption) ([]*Collection, error) {
	exit, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	if limit < 0 || offset < 0 {
		return nil, invalidArgument("limit and offset must not be negative")
	}

	o := applyCollectionOptions(optFns)
	cols, err := db.sysdb.GetCollections(ctx, catalog.CollectionFilter{
		Tenant:   o.tenant,
		Database: o.database,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]*Collection, len(cols))
	for i, c := range cols {
		out[i] = db.newCollection(c)
	}
	return out, nil
}

// CountCollections returns the number of collections in the database.
func (db *DB) CountCollections(ctx context.Context, optFns ...CollectionOption) (int, error) {
	cols, err := db.ListCollections(ctx, 0, 0, optFns...)
	return len(cols), err
}

// DeleteCollection removes the collection called name with all its
// records, segments and log.
func (db *DB) DeleteCollection(ctx context.Context, name string, optFns ...CollectionOption) error {
	exit, err := db.enter()
	if err != nil {
		return err
	}
	defer exit()

	c, err := db.getCollection(ctx, name, applyCollectionOptions(optFns))
	if err != nil {
		return err
	}
	id := c.ID()

	segIDs, err := db.manager.DeleteSegments(ctx, id)
	if err != nil {
		return translateError(err)
	}
	for _, sid := range segIDs {
		if err := db.sysdb.DeleteSegment(ctx, sid); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return translateError(err)
		}
	}
	if err := db.sysdb.DeleteCollection(ctx, id); err != nil {
		return translateError(err)
	}
	db.compactor.Forget(id)
	if err := db.log.DeleteCollection(id); err != nil {
		return err
	}
	db.logger.Info("deleted collection", zap.Stringer("collection_id", id), zap.String("collection", name))
	return nil
}

// refresh reads the catalog row of a collection.
func (db *DB) refresh(ctx context.Context, id uuid.UUID) (model.Collection, error) {
	cols, err := db.sysdb.GetCollections(ctx, catalog.CollectionFilter{ID: &id})
	if err != nil {
		return model.Collection{}, translateError(err)
	}
	if len(cols) == 0 {
		return model.Collection{}, fmt.Errorf("%w: collection %s", ErrNotFound, id)
	}
	return cols[0], nil
}

// snapshot pins a read to the catalog state of a collection. Writes
// submitted after the last compaction are included, so a read observes
// every write acknowledged before it started.
func (db *DB) snapshot(ctx context.Context, id uuid.UUID) (model.RequestVersionContext, error) {
	col, err := db.refresh(ctx, id)
	if err != nil {
		return model.RequestVersionContext{}, err
	}
	rv := col.VersionContext()
	latest, err := db.log.LatestOffset(id)
	if err != nil {
		return model.RequestVersionContext{}, err
	}
	rv.LogPosition = max(rv.LogPosition, latest)
	return rv, nil
}

// retry runs a read against fresh snapshots until it succeeds, fails with
// a non-retryable error or the policy is exhausted.
func (db *DB) retry(ctx context.Context, id uuid.UUID, op string, fn func(rv model.RequestVersionContext) error) error {
	p := db.opts.retry
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Wait), uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		attempts++
		rv, err := db.snapshot(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(rv); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, b, func(err error, wait time.Duration) {
		db.opts.metrics.OnRetry(op)
		db.logger.Debug("retrying read",
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	err = translateError(err)
	db.opts.metrics.OnRead(op, time.Since(start), err)
	db.logger.LogRead(op, attempts, err)
	return err
}
