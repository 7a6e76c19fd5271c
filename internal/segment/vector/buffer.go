package vector

import (
	"math"
	"sort"

	"github.com/hupe1980/embedb/internal/distance"
)

type bufEntry struct {
	id      string
	vec     []float32
	created int64
	deleted int64
}

func (e *bufEntry) visible(at int64) bool { return e.created <= at && at < e.deleted }

// buffer holds recent writes that have not been inserted into the graph.
// Queries scan it exhaustively.
type buffer struct {
	space   distance.Space
	entries []*bufEntry
	live    map[string]int
}

func newBuffer(space distance.Space) *buffer {
	return &buffer{space: space, live: make(map[string]int)}
}

func (b *buffer) len() int { return len(b.entries) }

func (b *buffer) liveCount() int { return len(b.live) }

func (b *buffer) contains(id string) bool {
	_, ok := b.live[id]
	return ok
}

func (b *buffer) add(id string, vec []float32, seq int64) {
	b.retire(id, seq)
	b.live[id] = len(b.entries)
	b.entries = append(b.entries, &bufEntry{id: id, vec: b.space.Prepare(vec), created: seq, deleted: math.MaxInt64})
}

func (b *buffer) retire(id string, seq int64) bool {
	i, ok := b.live[id]
	if !ok {
		return false
	}
	b.entries[i].deleted = seq
	delete(b.live, id)
	return true
}

func (b *buffer) get(id string, at int64) ([]float32, bool) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.id == id && e.visible(at) {
			return e.vec, true
		}
	}
	return nil, false
}

func (b *buffer) ids(at int64, limit int) []string {
	var out []string
	for _, e := range b.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.visible(at) {
			out = append(out, e.id)
		}
	}
	return out
}

type bufHit struct {
	id       string
	pos      int
	distance float32
}

// search returns up to k visible entries closest to q. allowed == nil means
// unrestricted.
func (b *buffer) search(q []float32, k int, at int64, allowed map[string]struct{}) []bufHit {
	if len(b.entries) == 0 {
		return nil
	}
	q = b.space.Prepare(q)
	var hits []bufHit
	for i, e := range b.entries {
		if !e.visible(at) {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[e.id]; !ok {
				continue
			}
		}
		hits = append(hits, bufHit{id: e.id, pos: i, distance: b.space.Distance(q, e.vec)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].pos < hits[j].pos
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func (b *buffer) sizeBytes() int64 {
	var n int64
	for _, e := range b.entries {
		n += int64(len(e.id)) + int64(len(e.vec))*4 + 48
	}
	return n
}

func (b *buffer) reset() {
	b.entries = nil
	b.live = make(map[string]int)
}
