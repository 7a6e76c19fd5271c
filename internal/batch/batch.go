// Package batch accumulates log records into their net per-id effect.
package batch

import (
	"sort"

	"github.com/hupe1980/embedb/model"
)

// contribution records which tally a pending id currently counts toward.
type contribution uint8

const (
	countedNone contribution = iota
	countedAdd
	countedUpdate
)

// Batch is the in-memory net effect of a sequence of log records.
//
// Invariants after any sequence of Apply calls:
//   - an id has at most one pending record
//   - written and deleted ids are disjoint
//   - AddCount and UpdateCount never go negative
//
// A Batch is not safe for concurrent use.
type Batch struct {
	records map[string]model.LogRecord
	counted map[string]contribution
	written map[string]struct{}
	deleted map[string]struct{}

	// shadowed holds ids that were deleted from the durable index earlier in
	// this batch and then written again. Cancelling the rewrite must restore
	// the delete.
	shadowed map[string]struct{}

	AddCount    int
	UpdateCount int
	MaxSeqID    int64
}

// New returns an empty Batch.
func New() *Batch {
	return &Batch{
		records:  make(map[string]model.LogRecord),
		counted:  make(map[string]contribution),
		written:  make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		shadowed: make(map[string]struct{}),
	}
}

// Apply folds rec into the batch. existsAlready tells whether the id is
// present in the durable index; it decides how an UPSERT is counted.
func (b *Batch) Apply(rec model.LogRecord, existsAlready bool) {
	id := rec.Record.ID
	defer func() {
		if rec.LogOffset > b.MaxSeqID {
			b.MaxSeqID = rec.LogOffset
		}
	}()

	if rec.Record.Operation == model.OperationDelete {
		b.applyDelete(rec)
		return
	}

	b.retract(id)
	if _, ok := b.deleted[id]; ok {
		delete(b.deleted, id)
		b.shadowed[id] = struct{}{}
	}
	b.records[id] = rec
	b.written[id] = struct{}{}

	switch rec.Record.Operation {
	case model.OperationAdd:
		b.count(id, countedAdd)
	case model.OperationUpdate:
		b.count(id, countedUpdate)
	case model.OperationUpsert:
		if existsAlready {
			b.count(id, countedUpdate)
		} else {
			b.count(id, countedAdd)
		}
	}
}

func (b *Batch) applyDelete(rec model.LogRecord) {
	id := rec.Record.ID
	if _, pending := b.written[id]; !pending {
		b.deleted[id] = struct{}{}
		b.records[id] = rec
		return
	}

	delete(b.written, id)
	delete(b.records, id)
	switch b.retract(id) {
	case countedAdd:
		// The index never saw this id; the pair cancels unless an earlier
		// delete in this batch still has to reach the index.
		if _, ok := b.shadowed[id]; ok {
			delete(b.shadowed, id)
			b.deleted[id] = struct{}{}
			b.records[id] = rec
		}
	default:
		b.deleted[id] = struct{}{}
		b.records[id] = rec
	}
}

func (b *Batch) count(id string, c contribution) {
	switch c {
	case countedAdd:
		b.AddCount++
	case countedUpdate:
		b.UpdateCount++
	}
	b.counted[id] = c
}

// retract undoes the tally of the pending record for id and reports what it
// had been counted as.
func (b *Batch) retract(id string) contribution {
	c := b.counted[id]
	switch c {
	case countedAdd:
		b.AddCount--
	case countedUpdate:
		b.UpdateCount--
	}
	delete(b.counted, id)
	return c
}

// Record returns the net record for id: the pending write, or the delete
// that must still reach the index.
func (b *Batch) Record(id string) (model.LogRecord, bool) {
	r, ok := b.records[id]
	return r, ok
}

// IsWritten reports whether id has a pending write.
func (b *Batch) IsWritten(id string) bool {
	_, ok := b.written[id]
	return ok
}

// IsDeleted reports whether id is pending deletion.
func (b *Batch) IsDeleted(id string) bool {
	_, ok := b.deleted[id]
	return ok
}

// WrittenIDs returns the ids with a pending write, sorted.
func (b *Batch) WrittenIDs() []string { return sortedKeys(b.written) }

// DeletedIDs returns the ids pending deletion, sorted.
func (b *Batch) DeletedIDs() []string { return sortedKeys(b.deleted) }

// WrittenRecords returns the pending writes ordered by log offset.
func (b *Batch) WrittenRecords() []model.LogRecord { return b.recordsOf(b.written) }

// DeletedRecords returns the net deletes ordered by log offset.
func (b *Batch) DeletedRecords() []model.LogRecord { return b.recordsOf(b.deleted) }

func (b *Batch) recordsOf(ids map[string]struct{}) []model.LogRecord {
	out := make([]model.LogRecord, 0, len(ids))
	for id := range ids {
		out = append(out, b.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogOffset < out[j].LogOffset })
	return out
}

// Len returns the number of ids touched with a net effect.
func (b *Batch) Len() int { return len(b.written) + len(b.deleted) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
