package model

import (
	"fmt"

	"github.com/hupe1980/embedb/metadata"
)

// Operation is the kind of mutation carried by a log record.
type Operation uint8

const (
	OperationAdd Operation = iota + 1
	OperationUpdate
	OperationUpsert
	OperationDelete
)

func (o Operation) String() string {
	switch o {
	case OperationAdd:
		return "ADD"
	case OperationUpdate:
		return "UPDATE"
	case OperationUpsert:
		return "UPSERT"
	case OperationDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool { return o >= OperationAdd && o <= OperationDelete }

// ScalarEncoding is the wire encoding of an embedding in the log.
type ScalarEncoding uint8

const (
	EncodingFloat32 ScalarEncoding = iota + 1
	EncodingInt32
)

func (e ScalarEncoding) String() string {
	switch e {
	case EncodingFloat32:
		return "FLOAT32"
	case EncodingInt32:
		return "INT32"
	default:
		return fmt.Sprintf("ScalarEncoding(%d)", uint8(e))
	}
}

// OperationRecord is one mutation as submitted by the write path.
//
// Metadata carries user keys plus the reserved document/URI keys. In updates
// a null value removes the key.
type OperationRecord struct {
	ID        string
	Operation Operation
	Embedding []float32
	Encoding  ScalarEncoding
	Metadata  metadata.Metadata
}

// LogRecord is an OperationRecord with the offset assigned by the log.
type LogRecord struct {
	LogOffset int64
	Record    OperationRecord
}

// VectorRecord is a row returned by a vector segment point lookup.
type VectorRecord struct {
	ID        string
	Embedding []float32
}

// VectorQuery is a KNN request against a vector segment.
type VectorQuery struct {
	Vectors [][]float32
	K       int

	// AllowedIDs restricts candidates. nil means unrestricted; an empty
	// non-nil slice matches nothing.
	AllowedIDs        []string
	IncludeEmbeddings bool
	Version           RequestVersionContext
}

// VectorQueryResult is one neighbor of a query vector.
type VectorQueryResult struct {
	ID        string
	Distance  float32
	Embedding []float32
}

// MetadataQuery is a filtered scan against a metadata segment.
type MetadataQuery struct {
	Where         *metadata.Where
	WhereDocument *metadata.WhereDocument
	IDs           []string
	Limit         int
	Offset        int

	// ExcludeMetadata skips hydrating metadata and returns ids only.
	ExcludeMetadata bool
	Version         RequestVersionContext
}

// MetadataRecord is a row returned by a metadata segment.
type MetadataRecord struct {
	ID       string
	SeqID    int64
	Metadata metadata.Metadata
}
