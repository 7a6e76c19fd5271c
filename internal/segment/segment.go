package segment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/model"
)

var (
	// ErrVersionMismatch is returned when a segment cannot serve the
	// requested (collection_version, log_position) snapshot. Callers refresh
	// the collection and retry.
	ErrVersionMismatch = errors.New("segment: version mismatch")

	// ErrStopped is returned by operations on a stopped instance.
	ErrStopped = errors.New("segment: stopped")
)

// VersionMismatchError describes why a snapshot could not be served.
type VersionMismatchError struct {
	Segment   uuid.UUID
	Requested model.RequestVersionContext
	State     State
	Reason    string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("segment %s: version mismatch: %s (requested version=%d position=%d, segment version=%d applied=%d floor=%d)",
		e.Segment, e.Reason, e.Requested.CollectionVersion, e.Requested.LogPosition,
		e.State.Version, e.State.Applied, e.State.Floor)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// ApplyOutcome classifies what happened to one log record.
type ApplyOutcome uint8

const (
	Applied ApplyOutcome = iota
	SkippedDuplicate
	SkippedMissing
	SkippedInvalid
)

func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case SkippedMissing:
		return "skipped_missing"
	case SkippedInvalid:
		return "skipped_invalid"
	default:
		return fmt.Sprintf("ApplyOutcome(%d)", uint8(o))
	}
}

// ApplyStats counts outcomes of one apply call.
type ApplyStats struct {
	Applied          int
	SkippedDuplicate int
	SkippedMissing   int
	SkippedInvalid   int
}

// Add records one outcome.
func (s *ApplyStats) Add(o ApplyOutcome) {
	switch o {
	case Applied:
		s.Applied++
	case SkippedDuplicate:
		s.SkippedDuplicate++
	case SkippedMissing:
		s.SkippedMissing++
	case SkippedInvalid:
		s.SkippedInvalid++
	}
}

// Merge adds the counts of other.
func (s *ApplyStats) Merge(other ApplyStats) {
	s.Applied += other.Applied
	s.SkippedDuplicate += other.SkippedDuplicate
	s.SkippedMissing += other.SkippedMissing
	s.SkippedInvalid += other.SkippedInvalid
}

// Skipped returns the number of records that were not applied.
func (s ApplyStats) Skipped() int {
	return s.SkippedDuplicate + s.SkippedMissing + s.SkippedInvalid
}

// Instance is the lifecycle shared by all segment implementations.
type Instance interface {
	Segment() model.Segment

	// Start loads persisted state. It must be called before any other method.
	Start(ctx context.Context) error

	// Stop persists pending state and releases resources.
	Stop() error

	// Delete stops the instance and removes its on-disk state.
	Delete(ctx context.Context) error

	// ApplyRecords incorporates records in offset order. Records at or below
	// MaxSeqID are ignored.
	ApplyRecords(ctx context.Context, records []model.LogRecord) (ApplyStats, error)

	// MaxSeqID is the highest log offset incorporated.
	MaxSeqID() int64

	// PersistedSeqID is the highest offset that survives a restart. Segments
	// without durable state report 0.
	PersistedSeqID() int64

	Version() int64
	SetVersion(v int64)

	// SizeBytes estimates the resident size for memory accounting.
	SizeBytes() int64

	// Count returns the number of live records at the snapshot.
	Count(ctx context.Context, rv model.RequestVersionContext) (int, error)
}

// VectorReader is a segment serving point lookups and KNN queries.
type VectorReader interface {
	Instance

	// GetVectors returns the vectors for ids, or up to the configured cap of
	// vectors when ids is empty. Unknown ids are omitted.
	GetVectors(ctx context.Context, ids []string, rv model.RequestVersionContext) ([]model.VectorRecord, error)

	// QueryVectors returns one ascending result list per query vector.
	QueryVectors(ctx context.Context, q model.VectorQuery) ([][]model.VectorQueryResult, error)

	// Dimension is 0 until the first vector is applied.
	Dimension() int
}

// MetadataReader is a segment serving filtered scans.
type MetadataReader interface {
	Instance

	GetMetadata(ctx context.Context, q model.MetadataQuery) ([]model.MetadataRecord, error)
}

// FileHandler is implemented by segments that pin open files.
type FileHandler interface {
	OpenFileHandles() error
	CloseFileHandles() error
	FileHandleCount() int
}

// LogSource supplies records for catching up on reads.
type LogSource interface {
	PullLogs(ctx context.Context, collectionID uuid.UUID, start int64, batchSize int) ([]model.LogRecord, error)
}

// State is the part of a segment a snapshot is checked against.
type State struct {
	Version int64
	Applied int64
	Floor   int64
}

// Resolve returns the log position a read at rv should observe. behind is
// true when rv is ahead of the applied head and the segment must catch up
// before serving it.
func (s State) Resolve(seg uuid.UUID, rv model.RequestVersionContext) (pos int64, behind bool, err error) {
	if rv.IsLatest() {
		return s.Applied, false, nil
	}
	if rv.CollectionVersion > s.Version {
		return 0, false, &VersionMismatchError{Segment: seg, Requested: rv, State: s, Reason: "collection version ahead of segment"}
	}
	if rv.LogPosition < s.Floor {
		return 0, false, &VersionMismatchError{Segment: seg, Requested: rv, State: s, Reason: "log position below retained history"}
	}
	if rv.LogPosition > s.Applied {
		return rv.LogPosition, true, nil
	}
	return rv.LogPosition, false, nil
}

// Behind builds the error for a segment that could not reach rv.
func (s State) Behind(seg uuid.UUID, rv model.RequestVersionContext) error {
	return &VersionMismatchError{Segment: seg, Requested: rv, State: s, Reason: "log cannot supply records up to position"}
}

// CatchUpBatchSize bounds a single pull during catch-up.
const CatchUpBatchSize = 1000

// CatchUp pulls records after applied up to target and hands them to apply.
// It stops early when the log runs out or has been purged past applied.
func CatchUp(ctx context.Context, src LogSource, collection uuid.UUID, applied, target int64,
	apply func(context.Context, []model.LogRecord) error) error {
	if src == nil {
		return nil
	}
	next := applied + 1
	for next <= target {
		recs, err := src.PullLogs(ctx, collection, next, CatchUpBatchSize)
		if err != nil {
			return fmt.Errorf("pull logs from %d: %w", next, err)
		}
		if len(recs) == 0 || recs[0].LogOffset > next {
			return nil
		}
		if err := apply(ctx, recs); err != nil {
			return err
		}
		next = recs[len(recs)-1].LogOffset + 1
	}
	return nil
}

// LogSkip reports a record that was not applied.
func LogSkip(log *zap.Logger, seg model.Segment, rec model.LogRecord, outcome ApplyOutcome, reason string) {
	log.Warn("skipping log record",
		zap.Stringer("collection_id", seg.Collection),
		zap.Stringer("segment_id", seg.ID),
		zap.String("id", rec.Record.ID),
		zap.Int64("log_offset", rec.LogOffset),
		zap.Stringer("operation", rec.Record.Operation),
		zap.Stringer("outcome", outcome),
		zap.String("reason", reason),
	)
}
