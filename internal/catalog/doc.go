// Package catalog is the system database: tenants, databases, collections
// and segment rows. The segment manager and the public API read it; only
// dimension locking and compaction write to existing collection rows.
package catalog
