// Package cache provides the size-weighted LRU the segment manager uses to
// bound live segment instances, by memory footprint or by file handles.
//
// Entries are weighed once when inserted. When an insert pushes the total
// over capacity, least recently used entries are evicted one at a time
// until the total fits or only the new entry remains; the new entry itself
// is never evicted, even when it alone exceeds capacity.
//
// Eviction callbacks run after the cache lock is released, so a callback
// may call back into the cache.
package cache
