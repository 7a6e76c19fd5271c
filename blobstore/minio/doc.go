// Package minio provides a blobstore.Store on MinIO and other S3-compatible
// services (Ceph, SeaweedFS, Garage).
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "segments/")
//	db, err := embedb.Open(ctx, embedb.WithArchive(store))
package minio
