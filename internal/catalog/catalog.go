package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

var (
	// ErrNotFound is returned when a collection, segment or database does
	// not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrAlreadyExists is returned for a duplicate collection name or id.
	ErrAlreadyExists = errors.New("catalog: already exists")
)

// CollectionFilter selects collections. Tenant and Database default to the
// built-in ones, except for a lookup by ID alone.
type CollectionFilter struct {
	ID       *uuid.UUID
	Name     string
	Tenant   string
	Database string
	Limit    int
	Offset   int
}

// CollectionUpdate changes mutable collection fields. Nil fields are kept.
type CollectionUpdate struct {
	Name     *string
	Metadata metadata.Metadata

	// Dimension is only written while the stored dimension is unset; a
	// different stored dimension is reported as a conflict.
	Dimension *int
}

// SegmentFilter selects segments.
type SegmentFilter struct {
	ID         *uuid.UUID
	Collection *uuid.UUID
	Scope      model.SegmentScope
	Type       model.SegmentType
}

// SysDB is the catalog consumed by the segment manager and the public API.
type SysDB interface {
	CreateDatabase(ctx context.Context, tenant, name string) error

	CreateCollection(ctx context.Context, c model.Collection) error
	GetCollections(ctx context.Context, f CollectionFilter) ([]model.Collection, error)
	UpdateCollection(ctx context.Context, id uuid.UUID, u CollectionUpdate) (model.Collection, error)

	// AdvanceCollection records a compaction: the new version and the log
	// position the segments have incorporated. Neither may move backwards.
	AdvanceCollection(ctx context.Context, id uuid.UUID, version, logPosition int64) error

	// DeleteCollection removes the collection and its segment rows.
	DeleteCollection(ctx context.Context, id uuid.UUID) error

	CreateSegment(ctx context.Context, s model.Segment) error
	GetSegments(ctx context.Context, f SegmentFilter) ([]model.Segment, error)
	DeleteSegment(ctx context.Context, id uuid.UUID) error

	Close() error
}

// DimensionConflictError is returned when a collection already has a
// different dimension.
type DimensionConflictError struct {
	Collection uuid.UUID
	Stored     int
	Requested  int
}

func (e *DimensionConflictError) Error() string {
	return fmt.Sprintf("catalog: collection %s has dimension %d, got %d", e.Collection, e.Stored, e.Requested)
}
