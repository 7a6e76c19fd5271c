package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedb/blobstore"
	"github.com/hupe1980/embedb/internal/cache"
	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/resource"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/internal/segment/sqlite"
	"github.com/hupe1980/embedb/internal/segment/vector"
	"github.com/hupe1980/embedb/internal/wal"
	"github.com/hupe1980/embedb/model"
)

// Directories below the persist directory.
const (
	VectorDir   = "vector"
	MetadataDir = "metadata"
)

var (
	// ErrNotStarted is returned before Start and after Stop.
	ErrNotStarted = errors.New("manager: not started")

	// ErrNoSegment is returned when the catalog has no segment for a scope.
	ErrNoSegment = errors.New("manager: no segment for collection")
)

// Log is the part of the write-ahead log the manager consumes.
type Log interface {
	segment.LogSource
	Subscribe(ctx context.Context, collectionID uuid.UUID, start int64, fn wal.Consumer) (wal.SubscriptionID, error)
	Unsubscribe(id wal.SubscriptionID)
}

// OperationHint tells HintUseCollection what the caller is about to do.
type OperationHint uint8

const (
	HintRead OperationHint = iota
	HintWrite
)

// Config configures a Manager.
type Config struct {
	// PersistDir holds segment state. Empty runs every segment in memory.
	PersistDir string

	// MemoryLimitBytes bounds the loaded collections. Zero disables
	// memory-based eviction.
	MemoryLimitBytes int64

	HistoryRetention int64
	Archive          blobstore.Store
	Resources        *resource.Controller
	Logger           *zap.Logger

	// OnApply observes every applied log batch.
	OnApply func(seg model.Segment, stats segment.ApplyStats)

	// OnEvict observes collections evicted for memory.
	OnEvict func(collection uuid.UUID)
}

type key struct {
	collection uuid.UUID
	scope      model.SegmentScope
}

type loaded struct {
	inst segment.Instance
	sub  wal.SubscriptionID
}

// Manager is the node-local segment manager.
type Manager struct {
	cfg    Config
	sysdb  catalog.SysDB
	log    Log
	logger *zap.Logger

	mu        sync.RWMutex
	instances map[key]*loaded
	building  map[key]*sync.Mutex
	started   bool

	memLRU *cache.LRU[uuid.UUID, uuid.UUID]
	fdLRU  *cache.LRU[uuid.UUID, segment.FileHandler]
}

// New creates a Manager. Call Start before use.
func New(sysdb catalog.SysDB, log Log, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Resources == nil {
		cfg.Resources = resource.NewController(resource.Config{})
	}
	m := &Manager{
		cfg:    cfg,
		sysdb:  sysdb,
		log:    log,
		logger: cfg.Logger.Named("manager"),
	}
	m.resetLocked()
	return m
}

func (m *Manager) resetLocked() {
	m.instances = make(map[key]*loaded)
	m.building = make(map[key]*sync.Mutex)
	if m.cfg.MemoryLimitBytes > 0 {
		m.memLRU = cache.NewLRU(m.cfg.MemoryLimitBytes, m.collectionSize, m.evictCollection,
			cache.WithTracker[uuid.UUID, uuid.UUID](m.cfg.Resources))
	} else {
		m.memLRU = nil
	}
	capacity := max(m.cfg.Resources.FileHandleLimit()/vector.FilesPerIndex, 1)
	m.fdLRU = cache.NewLRU(capacity, nil, m.closeHandles)
}

// Start enables the manager.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

// Stop unsubscribes and stops every loaded instance.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.started = false
	all := m.instances
	m.instances = make(map[key]*loaded)
	m.mu.Unlock()

	var errs []error
	for k, l := range all {
		if err := m.stopLoaded(l); err != nil {
			errs = append(errs, fmt.Errorf("stop %s segment of %s: %w", k.scope, k.collection, err))
		}
	}
	return errors.Join(errs...)
}

// ResetState stops everything and clears both caches.
func (m *Manager) ResetState() error {
	err := m.Stop()
	m.mu.Lock()
	m.resetLocked()
	m.started = true
	m.mu.Unlock()
	return err
}

func (m *Manager) stopLoaded(l *loaded) error {
	m.log.Unsubscribe(l.sub)
	m.mu.RLock()
	fdLRU := m.fdLRU
	m.mu.RUnlock()
	fdLRU.Pop(l.inst.Segment().ID)
	return l.inst.Stop()
}

// vectorType is the vector segment implementation of this node.
func (m *Manager) vectorType() model.SegmentType {
	if m.cfg.PersistDir == "" {
		return model.SegmentTypeHNSWLocalMemory
	}
	return model.SegmentTypeHNSWLocalPersisted
}

// CreateSegments creates and records the vector and metadata segment of a
// new collection.
func (m *Manager) CreateSegments(ctx context.Context, c model.Collection) ([]model.Segment, error) {
	segs := []model.Segment{
		{
			ID:         uuid.New(),
			Type:       m.vectorType(),
			Scope:      model.ScopeVector,
			Collection: c.ID,
			Metadata:   c.Config.SegmentMetadata(),
		},
		{
			ID:         uuid.New(),
			Type:       model.SegmentTypeSQLiteMetadata,
			Scope:      model.ScopeMetadata,
			Collection: c.ID,
		},
	}
	for _, s := range segs {
		if err := m.sysdb.CreateSegment(ctx, s); err != nil {
			return nil, err
		}
	}
	m.logger.Debug("created segments", zap.Stringer("collection_id", c.ID))
	return segs, nil
}

// VectorSegment returns the running vector segment of a collection.
func (m *Manager) VectorSegment(ctx context.Context, collection uuid.UUID) (segment.VectorReader, error) {
	inst, err := m.GetSegment(ctx, collection, model.ScopeVector)
	if err != nil {
		return nil, err
	}
	vr, ok := inst.(segment.VectorReader)
	if !ok {
		return nil, fmt.Errorf("%w: %s segment %s is not a vector segment", ErrNoSegment, collection, inst.Segment().ID)
	}
	return vr, nil
}

// MetadataSegment returns the running metadata segment of a collection.
func (m *Manager) MetadataSegment(ctx context.Context, collection uuid.UUID) (segment.MetadataReader, error) {
	inst, err := m.GetSegment(ctx, collection, model.ScopeMetadata)
	if err != nil {
		return nil, err
	}
	mr, ok := inst.(segment.MetadataReader)
	if !ok {
		return nil, fmt.Errorf("%w: %s segment %s is not a metadata segment", ErrNoSegment, collection, inst.Segment().ID)
	}
	return mr, nil
}

// GetSegment returns a running instance, constructing it on first use.
func (m *Manager) GetSegment(ctx context.Context, collection uuid.UUID, scope model.SegmentScope) (segment.Instance, error) {
	k := key{collection: collection, scope: scope}

	m.mu.RLock()
	started := m.started
	l := m.instances[k]
	m.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	if l != nil {
		m.touch(l.inst)
		return l.inst, nil
	}

	l, built, err := m.load(ctx, k)
	if err != nil {
		return nil, err
	}

	// Registering may evict other collections, which takes their build
	// locks, so it happens after ours is released.
	if built {
		m.mu.RLock()
		memLRU := m.memLRU
		m.mu.RUnlock()
		if memLRU != nil {
			memLRU.Set(k.collection, k.collection)
		}
	}
	m.touch(l.inst)
	return l.inst, nil
}

// load returns the instance for k under its build lock, constructing it if
// no other caller did. An eviction in progress for k holds the same lock, so
// the old instance is fully stopped before a new one reads its files.
func (m *Manager) load(ctx context.Context, k key) (*loaded, bool, error) {
	lock := m.buildLock(k)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	started := m.started
	l := m.instances[k]
	m.mu.RUnlock()
	if !started {
		return nil, false, ErrNotStarted
	}
	if l != nil {
		return l, false, nil
	}
	l, err := m.construct(ctx, k)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func (m *Manager) buildLock(k key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.building[k]
	if !ok {
		lock = &sync.Mutex{}
		m.building[k] = lock
	}
	return lock
}

// construct loads the instance for k. A failure leaves no cache entry.
func (m *Manager) construct(ctx context.Context, k key) (*loaded, error) {
	segs, err := m.sysdb.GetSegments(ctx, catalog.SegmentFilter{Collection: &k.collection, Scope: k.scope})
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: %s scope %s", ErrNoSegment, k.collection, k.scope)
	}
	cols, err := m.sysdb.GetCollections(ctx, catalog.CollectionFilter{ID: &k.collection})
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: collection %s", catalog.ErrNotFound, k.collection)
	}

	if err := m.cfg.Resources.AcquireConstruction(ctx); err != nil {
		return nil, err
	}
	defer m.cfg.Resources.ReleaseConstruction()

	inst, err := m.instantiate(segs[0], cols[0].Version)
	if err != nil {
		return nil, err
	}
	if err := inst.Start(ctx); err != nil {
		return nil, fmt.Errorf("start segment %s: %w", segs[0].ID, err)
	}

	seg := inst.Segment()
	sub, err := m.log.Subscribe(ctx, k.collection, inst.MaxSeqID()+1, func(ctx context.Context, recs []model.LogRecord) error {
		stats, err := inst.ApplyRecords(ctx, recs)
		if errors.Is(err, segment.ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.cfg.OnApply != nil {
			m.cfg.OnApply(seg, stats)
		}
		return nil
	})
	if err != nil {
		_ = inst.Stop()
		return nil, fmt.Errorf("subscribe segment %s: %w", seg.ID, err)
	}

	l := &loaded{inst: inst, sub: sub}
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		m.log.Unsubscribe(sub)
		_ = inst.Stop()
		return nil, ErrNotStarted
	}
	m.instances[k] = l
	m.mu.Unlock()

	m.logger.Debug("loaded segment",
		zap.Stringer("collection_id", k.collection),
		zap.Stringer("segment_id", seg.ID),
		zap.Stringer("type", seg.Type),
		zap.Int64("max_seq_id", inst.MaxSeqID()))
	return l, nil
}

func (m *Manager) instantiate(seg model.Segment, version int64) (segment.Instance, error) {
	opts := vector.Options{
		Log:              m.log,
		HistoryRetention: m.cfg.HistoryRetention,
		Version:          version,
		Logger:           m.cfg.Logger,
	}
	switch seg.Type {
	case model.SegmentTypeHNSWLocalMemory:
		return vector.NewLocal(seg, opts)
	case model.SegmentTypeHNSWLocalPersisted:
		if m.cfg.PersistDir == "" {
			return nil, fmt.Errorf("segment %s: persisted segment without persist directory", seg.ID)
		}
		return vector.NewPersisted(seg, vector.PersistedOptions{
			Options:   opts,
			Dir:       m.vectorDir(seg.ID),
			Resources: m.cfg.Resources,
			Archive:   m.cfg.Archive,
		})
	case model.SegmentTypeSQLiteMetadata:
		dir := ""
		if m.cfg.PersistDir != "" {
			dir = filepath.Join(m.cfg.PersistDir, MetadataDir)
		}
		return sqlite.New(seg, sqlite.Options{
			Dir:              dir,
			Log:              m.log,
			HistoryRetention: m.cfg.HistoryRetention,
			Version:          version,
			Logger:           m.cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("segment %s: unsupported type %s", seg.ID, seg.Type)
	}
}

func (m *Manager) vectorDir(id uuid.UUID) string {
	return filepath.Join(m.cfg.PersistDir, VectorDir, id.String())
}

// touch marks an instance as used in both caches, pinning the index files
// of a persisted vector segment.
func (m *Manager) touch(inst segment.Instance) {
	m.mu.RLock()
	memLRU, fdLRU := m.memLRU, m.fdLRU
	m.mu.RUnlock()

	if memLRU != nil {
		coll := inst.Segment().Collection
		if _, ok := memLRU.Get(coll); ok {
			memLRU.Resize(coll)
		}
	}

	fh, ok := inst.(segment.FileHandler)
	if !ok {
		return
	}
	id := inst.Segment().ID
	if _, ok := fdLRU.Get(id); ok && fh.FileHandleCount() > 0 {
		return
	}
	if err := fh.OpenFileHandles(); err != nil {
		m.logger.Warn("open file handles", zap.Stringer("segment_id", id), zap.Error(err))
		return
	}
	if fh.FileHandleCount() > 0 {
		fdLRU.Set(id, fh)
	}
}

// collectionSize weighs a collection by its vector segment: the size of its
// index files, or the in-memory estimate of both segments.
func (m *Manager) collectionSize(coll uuid.UUID, _ uuid.UUID) int64 {
	m.mu.RLock()
	vec := m.instances[key{collection: coll, scope: model.ScopeVector}]
	meta := m.instances[key{collection: coll, scope: model.ScopeMetadata}]
	m.mu.RUnlock()

	if vec != nil {
		if p, ok := vec.inst.(*vector.Persisted); ok {
			return p.DiskBytes()
		}
	}
	var n int64
	for _, l := range []*loaded{vec, meta} {
		if l != nil {
			n += l.inst.SizeBytes()
		}
	}
	return n
}

// evictCollection stops both instances of an evicted collection. Each
// instance is removed and stopped under its build lock, so a concurrent
// GetSegment waits for Stop before constructing a replacement.
func (m *Manager) evictCollection(coll uuid.UUID, _ uuid.UUID) {
	var stopped int
	for _, scope := range []model.SegmentScope{model.ScopeVector, model.ScopeMetadata} {
		if m.evictInstance(key{collection: coll, scope: scope}) {
			stopped++
		}
	}
	m.logger.Info("evicted collection", zap.Stringer("collection_id", coll), zap.Int("segments", stopped))
	if m.cfg.OnEvict != nil {
		m.cfg.OnEvict(coll)
	}
}

func (m *Manager) evictInstance(k key) bool {
	lock := m.buildLock(k)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	l, ok := m.instances[k]
	delete(m.instances, k)
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := m.stopLoaded(l); err != nil {
		m.logger.Error("stop evicted segment",
			zap.Stringer("collection_id", k.collection),
			zap.Stringer("segment_id", l.inst.Segment().ID),
			zap.Error(err))
	}
	return true
}

func (m *Manager) closeHandles(id uuid.UUID, fh segment.FileHandler) {
	if err := fh.CloseFileHandles(); err != nil {
		m.logger.Error("close file handles", zap.Stringer("segment_id", id), zap.Error(err))
	}
}

// HintUseCollection loads both segments of a collection ahead of use.
func (m *Manager) HintUseCollection(ctx context.Context, collection uuid.UUID, _ OperationHint) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, scope := range []model.SegmentScope{model.ScopeVector, model.ScopeMetadata} {
		g.Go(func() error {
			_, err := m.GetSegment(ctx, collection, scope)
			return err
		})
	}
	return g.Wait()
}

// DeleteSegments stops and deletes the segments of a collection, loaded or
// not, and returns their ids. Catalog rows are left to the caller.
func (m *Manager) DeleteSegments(ctx context.Context, collection uuid.UUID) ([]uuid.UUID, error) {
	segs, err := m.sysdb.GetSegments(ctx, catalog.SegmentFilter{Collection: &collection})
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	var errs []error
	for _, seg := range segs {
		k := key{collection: collection, scope: seg.Scope}
		lock := m.buildLock(k)
		lock.Lock()

		m.mu.Lock()
		l := m.instances[k]
		delete(m.instances, k)
		delete(m.building, k)
		m.mu.Unlock()

		var inst segment.Instance
		if l != nil {
			m.log.Unsubscribe(l.sub)
			m.fdLRU.Pop(seg.ID)
			inst = l.inst
		} else if inst, err = m.instantiate(seg, 0); err != nil {
			lock.Unlock()
			errs = append(errs, err)
			continue
		}
		if err := inst.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete segment %s: %w", seg.ID, err))
		}
		lock.Unlock()
		ids = append(ids, seg.ID)
	}

	m.mu.RLock()
	memLRU := m.memLRU
	m.mu.RUnlock()
	if memLRU != nil {
		memLRU.Pop(collection)
	}
	return ids, errors.Join(errs...)
}

// Loaded returns the loaded instances of a collection.
func (m *Manager) Loaded(collection uuid.UUID) []segment.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []segment.Instance
	for _, scope := range []model.SegmentScope{model.ScopeVector, model.ScopeMetadata} {
		if l, ok := m.instances[key{collection: collection, scope: scope}]; ok {
			out = append(out, l.inst)
		}
	}
	return out
}

// Stats reports cache occupancy.
type Stats struct {
	Instances       int
	MemoryBytes     int64
	MemoryEvictions int64
	OpenIndexes     int
	FileEvictions   int64
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{Instances: len(m.instances)}
	memLRU, fdLRU := m.memLRU, m.fdLRU
	m.mu.RUnlock()

	s.OpenIndexes = fdLRU.Len()
	if memLRU != nil {
		s.MemoryBytes = memLRU.Size()
		_, _, s.MemoryEvictions = memLRU.Stats()
	}
	_, _, s.FileEvictions = fdLRU.Stats()
	return s
}
