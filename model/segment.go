package model

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/embedb/metadata"
)

// SegmentScope is the role a segment plays for its collection.
type SegmentScope uint8

const (
	ScopeVector SegmentScope = iota + 1
	ScopeMetadata
)

func (s SegmentScope) String() string {
	switch s {
	case ScopeVector:
		return "VECTOR"
	case ScopeMetadata:
		return "METADATA"
	default:
		return fmt.Sprintf("SegmentScope(%d)", uint8(s))
	}
}

// ParseSegmentScope parses the catalog representation of a scope.
func ParseSegmentScope(s string) (SegmentScope, error) {
	switch s {
	case "VECTOR":
		return ScopeVector, nil
	case "METADATA":
		return ScopeMetadata, nil
	default:
		return 0, fmt.Errorf("unknown segment scope %q", s)
	}
}

// SegmentType is the closed set of segment implementations.
//
// The string form only exists at the catalog boundary; everything else
// dispatches on the enum.
type SegmentType uint8

const (
	SegmentTypeHNSWLocalMemory SegmentType = iota + 1
	SegmentTypeHNSWLocalPersisted
	SegmentTypeSQLiteMetadata
)

const (
	hnswLocalMemoryTag    = "urn:chroma:segment/vector/hnsw-local-memory"
	hnswLocalPersistedTag = "urn:chroma:segment/vector/hnsw-local-persisted"
	sqliteMetadataTag     = "urn:chroma:segment/metadata/sqlite"
)

func (t SegmentType) String() string {
	switch t {
	case SegmentTypeHNSWLocalMemory:
		return hnswLocalMemoryTag
	case SegmentTypeHNSWLocalPersisted:
		return hnswLocalPersistedTag
	case SegmentTypeSQLiteMetadata:
		return sqliteMetadataTag
	default:
		return fmt.Sprintf("SegmentType(%d)", uint8(t))
	}
}

// Scope returns the role served by segments of this type.
func (t SegmentType) Scope() SegmentScope {
	switch t {
	case SegmentTypeHNSWLocalMemory, SegmentTypeHNSWLocalPersisted:
		return ScopeVector
	case SegmentTypeSQLiteMetadata:
		return ScopeMetadata
	default:
		return 0
	}
}

// Persisted reports whether segments of this type keep state on disk.
func (t SegmentType) Persisted() bool {
	return t == SegmentTypeHNSWLocalPersisted || t == SegmentTypeSQLiteMetadata
}

// ParseSegmentType maps a catalog tag back onto the enum.
func ParseSegmentType(s string) (SegmentType, error) {
	switch s {
	case hnswLocalMemoryTag:
		return SegmentTypeHNSWLocalMemory, nil
	case hnswLocalPersistedTag:
		return SegmentTypeHNSWLocalPersisted, nil
	case sqliteMetadataTag:
		return SegmentTypeSQLiteMetadata, nil
	default:
		return 0, fmt.Errorf("unknown segment type %q", s)
	}
}

// Segment is the catalog row of one physical index shard. It refers to its
// collection by id only.
type Segment struct {
	ID         uuid.UUID
	Type       SegmentType
	Scope      SegmentScope
	Collection uuid.UUID
	Metadata   metadata.Metadata
}
