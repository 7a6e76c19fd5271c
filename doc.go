// Package embedb provides an embedded embedding database for Go.
//
// A database holds collections. Each collection stores records made of an
// id, an embedding, metadata, an optional document and an optional URI, and
// serves filtered gets and nearest-neighbor queries over them.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := embedb.Open(ctx, embedb.WithPersistDirectory("./data"))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	col, _ := db.GetOrCreateCollection(ctx, "docs", nil, model.IndexConfig{})
//
//	_ = col.Add(ctx, embedb.Records{
//	    IDs:        []string{"a", "b"},
//	    Embeddings: [][]float32{{0, 0}, {1, 0}},
//	    Metadatas: []metadata.Metadata{
//	        {"color": metadata.String("red")},
//	        {"color": metadata.String("blue")},
//	    },
//	    Documents: []string{"first", "second"},
//	})
//
//	res, _ := col.Query(ctx, embedb.QueryRequest{
//	    Embeddings: [][]float32{{0, 0}},
//	    NResults:   1,
//	    Where:      metadata.Eq("color", metadata.String("red")),
//	})
//
// # Architecture
//
// Every write is appended to a per-collection write-ahead log and then
// applied independently by two segments: an HNSW vector segment and a
// SQLite metadata segment. Each log record carries a monotonic offset.
//
// Reads are pinned to a snapshot of (collection version, log position)
// taken from the catalog. A segment that cannot serve the snapshot reports a
// version mismatch, and the read is retried against a fresh snapshot
// according to the RetryPolicy.
//
// Segments are loaded lazily and cached. WithMemoryLimitBytes bounds the
// loaded collections; the number of open index files is bounded by the
// process file handle limit.
//
// # Durability
//
// With WithPersistDirectory the catalog, the log and all segments are
// stored on disk:
//
//	data/
//	  catalog.sqlite3
//	  log/<collection id>/log.wal
//	  vector/<segment id>/...
//	  metadata/<segment id>.sqlite3
//
// The log is purged once both segments of a collection have persisted the
// records. Without a persist directory everything lives in memory.
package embedb
