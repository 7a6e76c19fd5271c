// Package resource governs the node-wide resources segment instances share.
//
//   - Construction slots: a weighted semaphore bounding concurrent segment
//     loads, the most expensive blocking step of the read and write paths.
//   - IO: a token bucket throttling persist writes so background flushes do
//     not starve foreground reads. [RateLimitedWriter] and
//     [RateLimitedReader] wrap streams.
//   - File handles: the process RLIMIT_NOFILE soft limit, from which the
//     segment manager sizes its file-handle LRU.
//   - Memory: a counter of bytes held by cached instances, for reporting.
//
// All methods accept a nil *Controller and then impose no limits.
package resource
