package model

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hupe1980/embedb/metadata"
)

// Space is the distance function used by a vector index.
type Space string

const (
	SpaceL2     Space = "l2"
	SpaceIP     Space = "ip"
	SpaceCosine Space = "cosine"
)

// ParseSpace validates a space name.
func ParseSpace(s string) (Space, error) {
	switch Space(s) {
	case SpaceL2, SpaceIP, SpaceCosine:
		return Space(s), nil
	default:
		return "", fmt.Errorf("unknown distance space %q", s)
	}
}

// ErrInvalidConfig is returned for index parameters out of range.
var ErrInvalidConfig = errors.New("invalid index configuration")

// Segment metadata keys carrying the index parameters.
const (
	KeySpace          = "hnsw:space"
	KeyConstructionEF = "hnsw:construction_ef"
	KeySearchEF       = "hnsw:search_ef"
	KeyM              = "hnsw:M"
	KeyNumThreads     = "hnsw:num_threads"
	KeyResizeFactor   = "hnsw:resize_factor"
	KeyBatchSize      = "hnsw:batch_size"
	KeySyncThreshold  = "hnsw:sync_threshold"
)

// IndexConfig holds the vector index parameters of a collection.
type IndexConfig struct {
	Space          Space
	ConstructionEF int
	SearchEF       int
	M              int
	NumThreads     int
	ResizeFactor   float64
	BatchSize      int
	SyncThreshold  int
}

// DefaultIndexConfig returns the parameters used when a collection does not
// specify its own.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Space:          SpaceL2,
		ConstructionEF: 100,
		SearchEF:       100,
		M:              16,
		NumThreads:     runtime.NumCPU(),
		ResizeFactor:   1.2,
		BatchSize:      100,
		SyncThreshold:  1000,
	}
}

// Validate checks parameter ranges.
func (c IndexConfig) Validate() error {
	if _, err := ParseSpace(string(c.Space)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch {
	case c.M < 2:
		return fmt.Errorf("%w: M must be >= 2, got %d", ErrInvalidConfig, c.M)
	case c.ConstructionEF < 1:
		return fmt.Errorf("%w: construction_ef must be positive, got %d", ErrInvalidConfig, c.ConstructionEF)
	case c.SearchEF < 1:
		return fmt.Errorf("%w: search_ef must be positive, got %d", ErrInvalidConfig, c.SearchEF)
	case c.ResizeFactor < 1:
		return fmt.Errorf("%w: resize_factor must be >= 1, got %g", ErrInvalidConfig, c.ResizeFactor)
	case c.BatchSize < 2:
		return fmt.Errorf("%w: batch_size must be >= 2, got %d", ErrInvalidConfig, c.BatchSize)
	case c.SyncThreshold < c.BatchSize:
		return fmt.Errorf("%w: sync_threshold (%d) must be >= batch_size (%d)", ErrInvalidConfig, c.SyncThreshold, c.BatchSize)
	}
	return nil
}

// SegmentMetadata encodes the parameters as vector segment metadata.
func (c IndexConfig) SegmentMetadata() metadata.Metadata {
	return metadata.Metadata{
		KeySpace:          metadata.String(string(c.Space)),
		KeyConstructionEF: metadata.Int(int64(c.ConstructionEF)),
		KeySearchEF:       metadata.Int(int64(c.SearchEF)),
		KeyM:              metadata.Int(int64(c.M)),
		KeyNumThreads:     metadata.Int(int64(c.NumThreads)),
		KeyResizeFactor:   metadata.Float(c.ResizeFactor),
		KeyBatchSize:      metadata.Int(int64(c.BatchSize)),
		KeySyncThreshold:  metadata.Int(int64(c.SyncThreshold)),
	}
}

// IndexConfigFromMetadata decodes segment metadata, falling back to defaults
// for absent keys.
func IndexConfigFromMetadata(md metadata.Metadata) (IndexConfig, error) {
	c := DefaultIndexConfig()
	if v, ok := md[KeySpace]; ok {
		s, err := ParseSpace(v.StringValue())
		if err != nil {
			return IndexConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.Space = s
	}
	ints := []struct {
		key string
		dst *int
	}{
		{KeyConstructionEF, &c.ConstructionEF},
		{KeySearchEF, &c.SearchEF},
		{KeyM, &c.M},
		{KeyNumThreads, &c.NumThreads},
		{KeyBatchSize, &c.BatchSize},
		{KeySyncThreshold, &c.SyncThreshold},
	}
	for _, f := range ints {
		v, ok := md[f.key]
		if !ok {
			continue
		}
		i, ok := v.AsInt64()
		if !ok {
			return IndexConfig{}, fmt.Errorf("%w: %s must be an int, got %s", ErrInvalidConfig, f.key, v.Kind)
		}
		*f.dst = int(i)
	}
	if v, ok := md[KeyResizeFactor]; ok {
		f, ok := v.AsFloat64()
		if !ok {
			return IndexConfig{}, fmt.Errorf("%w: %s must be a number, got %s", ErrInvalidConfig, KeyResizeFactor, v.Kind)
		}
		c.ResizeFactor = f
	}
	return c, c.Validate()
}

// SpannConfig is the configuration shape of the distributed SPANN index.
// Local segments map it onto HNSW parameters.
type SpannConfig struct {
	Space          Space
	SearchNProbe   int
	EFConstruction int
	EFSearch       int
	MaxNeighbors   int
}

// IndexConfig maps SPANN parameters onto the local HNSW index.
func (s SpannConfig) IndexConfig() IndexConfig {
	c := DefaultIndexConfig()
	if s.Space != "" {
		c.Space = s.Space
	}
	if s.EFConstruction > 0 {
		c.ConstructionEF = s.EFConstruction
	}
	if s.EFSearch > 0 {
		c.SearchEF = s.EFSearch
	}
	if s.MaxNeighbors > 0 {
		c.M = s.MaxNeighbors
	}
	return c
}
