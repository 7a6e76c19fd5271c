// Package manager owns the live segment instances of one node.
//
// The Manager creates segment rows for new collections, resolves a
// collection to running instances (constructing, starting and subscribing
// them to the log on first use) and bounds what stays loaded: a
// size-weighted LRU over collections when a memory limit is set, and a
// file-handle LRU over persisted vector segments.
//
// At most one instance exists per (collection, scope). Construction is
// serialized per key; a cached instance is returned without taking the
// construction lock.
package manager
