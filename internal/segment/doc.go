// Package segment defines the contracts shared by vector and metadata
// segments: the instance lifecycle, the reader interfaces, apply outcomes and
// the snapshot checks behind ErrVersionMismatch.
package segment
