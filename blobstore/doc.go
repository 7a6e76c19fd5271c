// Package blobstore provides the object store that persisted vector segments
// are archived to.
//
// Store is the interface for reading and writing blobs. Implementations must
// be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-memory, for tests
//   - minio.Store: MinIO and other S3-compatible services
//   - s3.Store: Amazon S3 with multipart uploads and CRC32C checksums
//
// A segment archive is the set of index files stored under the segment id:
//
//	<segment_id>/header.bin
//	<segment_id>/data_level0.bin
//	<segment_id>/link_lists.bin
//	<segment_id>/index_metadata.json
package blobstore
