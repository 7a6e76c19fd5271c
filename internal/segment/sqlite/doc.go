// Package sqlite implements the metadata segment on top of SQLite.
//
// Every write creates a row version stamped with the log offset that
// created it and the offset that retired it, so a scan at log position P
// sees exactly the rows with seq_id <= P < deleted_seq_id. Versions retired
// before the history floor are pruned as the head advances.
//
// A segment with a directory keeps one database file per segment and
// reports its applied offset as persisted. Without a directory the database
// lives in shared memory and is rebuilt from the log after eviction.
package sqlite
