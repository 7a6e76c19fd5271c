// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("segments/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	db, err := embedb.Open(ctx, embedb.WithArchive(store))
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large index files
//   - CRC32C checksums on uploads
//   - Automatic pagination for listing
package s3
