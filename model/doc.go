// Package model defines the plain data types shared across embedb.
//
// # Catalog Types
//
//   - Collection: named container with version, log position and dimension
//   - Segment: one physical shard of a collection (vector or metadata scope)
//   - IndexConfig: HNSW parameters, encoded as segment metadata
//
// # Log Types
//
//   - OperationRecord: one ADD/UPDATE/UPSERT/DELETE mutation
//   - LogRecord: an OperationRecord with its assigned log offset
//
// # Read Types
//
//   - RequestVersionContext: the (version, log_position) snapshot token
//   - VectorQuery / MetadataQuery and their result rows
package model
