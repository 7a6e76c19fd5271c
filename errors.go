package embedb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/hnsw"
	"github.com/hupe1980/embedb/internal/manager"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/internal/wal"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

var (
	// ErrNotFound is returned when a collection or segment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollectionExists is returned when creating a collection whose name is taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidArgument is returned for malformed requests. Such requests
	// are rejected as a whole and never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrVersionMismatch is returned when a read could not be served at a
	// consistent snapshot within the retry policy.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("database closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// retryable reports whether a read may succeed against a fresh snapshot.
func retryable(err error) bool {
	return errors.Is(err, segment.ErrVersionMismatch) || errors.Is(err, segment.ErrStopped)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	// Already public.
	var pdm *ErrDimensionMismatch
	if errors.As(err, &pdm) {
		return err
	}

	// Not found unification.
	if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, manager.ErrNoSegment) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, catalog.ErrAlreadyExists) {
		return fmt.Errorf("%w: %w", ErrCollectionExists, err)
	}

	// Dimension and argument normalization.
	var dc *catalog.DimensionConflictError
	if errors.As(err, &dc) {
		return &ErrDimensionMismatch{Expected: dc.Stored, Actual: dc.Requested, cause: err}
	}
	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, metadata.ErrInvalidMetadata) ||
		errors.Is(err, metadata.ErrInvalidWhere) ||
		errors.Is(err, model.ErrInvalidConfig) ||
		errors.Is(err, hnsw.ErrInvalidK) ||
		errors.Is(err, hnsw.ErrEmptyVector) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if retryable(err) {
		return fmt.Errorf("%w: %w", ErrVersionMismatch, err)
	}
	if errors.Is(err, wal.ErrClosed) || errors.Is(err, manager.ErrNotStarted) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
