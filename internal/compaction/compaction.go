// Package compaction advances a collection's catalog state as its segments
// incorporate the log.
//
// The catalog log_position follows the slowest segment's applied offset.
// When every segment of a collection has persisted past its previous
// checkpoint, the collection version is bumped and the log is purged
// through the lowest persisted offset.
package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/segment"
)

// Segments lists the loaded segment instances of a collection.
type Segments interface {
	Loaded(collection uuid.UUID) []segment.Instance
}

// Purger drops log records no segment needs anymore.
type Purger interface {
	Purge(ctx context.Context, collectionID uuid.UUID, through int64) error
}

// Result describes one Advance call.
type Result struct {
	Version     int64
	LogPosition int64

	// Committed is true when the version was bumped.
	Committed bool

	// PurgedThrough is the log offset purged through, or 0.
	PurgedThrough int64
}

// Compactor advances collections. It is safe for concurrent use.
type Compactor struct {
	sysdb    catalog.SysDB
	segments Segments
	log      Purger
	logger   *zap.Logger

	mu          sync.Mutex
	checkpoints map[uuid.UUID]int64
}

// New creates a Compactor.
func New(sysdb catalog.SysDB, segments Segments, log Purger, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		sysdb:       sysdb,
		segments:    segments,
		log:         log,
		logger:      logger.Named("compaction"),
		checkpoints: make(map[uuid.UUID]int64),
	}
}

// Advance records the progress of the collection's loaded segments. A
// collection without both segments loaded is left unchanged.
func (c *Compactor) Advance(ctx context.Context, collectionID uuid.UUID) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cols, err := c.sysdb.GetCollections(ctx, catalog.CollectionFilter{ID: &collectionID})
	if err != nil {
		return Result{}, err
	}
	if len(cols) == 0 {
		return Result{}, fmt.Errorf("%w: collection %s", catalog.ErrNotFound, collectionID)
	}
	col := cols[0]
	res := Result{Version: col.Version, LogPosition: col.LogPosition}

	insts := c.segments.Loaded(collectionID)
	if len(insts) < 2 {
		return res, nil
	}
	applied, persisted := insts[0].MaxSeqID(), insts[0].PersistedSeqID()
	for _, inst := range insts[1:] {
		applied = min(applied, inst.MaxSeqID())
		persisted = min(persisted, inst.PersistedSeqID())
	}

	if persisted > c.checkpoints[collectionID] {
		res.Version++
		res.Committed = true
		// Segments accept the new version before readers can observe it.
		for _, inst := range insts {
			inst.SetVersion(res.Version)
		}
	}
	res.LogPosition = max(res.LogPosition, applied)

	if res.Committed || res.LogPosition > col.LogPosition {
		if err := c.sysdb.AdvanceCollection(ctx, collectionID, res.Version, res.LogPosition); err != nil {
			return Result{}, err
		}
	}
	if !res.Committed {
		return res, nil
	}

	c.checkpoints[collectionID] = persisted
	if err := c.log.Purge(ctx, collectionID, persisted); err != nil {
		// The version is committed; the log keeps the records until the
		// next checkpoint purges them.
		c.logger.Warn("purge log", zap.Stringer("collection_id", collectionID), zap.Int64("through", persisted), zap.Error(err))
		return res, nil
	}
	res.PurgedThrough = persisted
	c.logger.Debug("committed compaction",
		zap.Stringer("collection_id", collectionID),
		zap.Int64("version", res.Version),
		zap.Int64("log_position", res.LogPosition),
		zap.Int64("purged_through", persisted))
	return res, nil
}

// Forget drops the checkpoint of a deleted collection.
func (c *Compactor) Forget(collectionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, collectionID)
}
