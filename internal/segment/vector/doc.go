// Package vector implements the HNSW vector segments.
//
// Local keeps the graph in memory only and is rebuilt from the log after a
// restart. Persisted adds a brute-force write buffer in front of the graph,
// periodic persistence to four index files, file-handle pinning and an
// optional blobstore archive.
//
// Both serve reads at any log position between the pruned history floor and
// the applied head: graph nodes and buffered entries carry the log offset
// that created them and the one that retired them.
package vector
