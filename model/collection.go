package model

import (
	"github.com/google/uuid"

	"github.com/hupe1980/embedb/metadata"
)

const (
	DefaultTenant   = "default_tenant"
	DefaultDatabase = "default_database"
)

// Collection is the catalog row of a named container of records.
type Collection struct {
	ID       uuid.UUID
	Name     string
	Tenant   string
	Database string
	Metadata metadata.Metadata

	// Dimension is nil until the first vector is written.
	Dimension *int

	// Version is bumped every time a compaction commits.
	Version int64

	// LogPosition is the last log offset incorporated into the index state.
	LogPosition int64

	Config IndexConfig
}

// VersionContext captures the snapshot token for a read against c.
func (c Collection) VersionContext() RequestVersionContext {
	return RequestVersionContext{CollectionVersion: c.Version, LogPosition: c.LogPosition}
}

// RequestVersionContext pins a read to a (version, log position) snapshot.
type RequestVersionContext struct {
	CollectionVersion int64
	LogPosition       int64
}

// Latest is a version context that reads whatever the segment has applied.
var Latest = RequestVersionContext{CollectionVersion: 0, LogPosition: -1}

// IsLatest reports whether the context asks for the newest applied state.
func (r RequestVersionContext) IsLatest() bool { return r.LogPosition < 0 }
