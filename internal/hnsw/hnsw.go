package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/embedb/internal/distance"
	"github.com/hupe1980/embedb/model"
)

// Head is the log position that sees every live node.
const Head int64 = math.MaxInt64

var (
	ErrInvalidK     = errors.New("k must be positive")
	ErrEmptyVector  = errors.New("vector cannot be empty")
	ErrBelowFloor   = errors.New("position is below the retained history")
	errLabelOverrun = errors.New("label space exhausted")
)

// ErrDimensionMismatch is returned when a vector does not match the index.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures an Index.
type Options struct {
	M              int
	EFConstruction int
	EFSearch       int
	Space          model.Space
	Seed           int64
}

// DefaultOptions mirror model.DefaultIndexConfig.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 100,
	EFSearch:       100,
	Space:          model.SpaceL2,
	Seed:           100,
}

// OptionsFromConfig maps a collection's index configuration.
func OptionsFromConfig(cfg model.IndexConfig) Options {
	return Options{
		M:              cfg.M,
		EFConstruction: cfg.ConstructionEF,
		EFSearch:       cfg.SearchEF,
		Space:          cfg.Space,
		Seed:           DefaultOptions.Seed,
	}
}

type node struct {
	id          string
	vector      []float32
	level       int
	connections [][]uint32
	created     int64
	deleted     int64
}

// visible reports whether the node is part of the state at log position at.
// A live node (deleted == Head) is visible at every position from created on.
func (n *node) visible(at int64) bool {
	return n.created <= at && (n.deleted == Head || at < n.deleted)
}

// Index is an HNSW graph with versioned nodes. It is safe for concurrent
// use; writers are serialized and readers run in parallel.
type Index struct {
	mu sync.RWMutex

	opts  Options
	space distance.Space
	mmax  int
	mmax0 int
	ml    float64
	rng   *rand.Rand

	dimension int
	nodes     []*node
	ep        int32
	maxLevel  int

	// live maps an id to its current node; versions lists every retained
	// node of an id in creation order.
	live     map[string]uint32
	versions map[string][]uint32
	retired  int
	floor    int64
}

// New creates an empty Index. The dimension is fixed by the first insert
// unless dimension > 0.
func New(dimension int, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return newIndex(dimension, opts)
}

func newIndex(dimension int, opts Options) (*Index, error) {
	if opts.M < 2 {
		opts.M = 2
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultOptions.EFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultOptions.EFSearch
	}
	if opts.Space == "" {
		opts.Space = model.SpaceL2
	}
	space, err := distance.ForSpace(opts.Space)
	if err != nil {
		return nil, err
	}
	return &Index{
		opts:      opts,
		space:     space,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		rng:       rand.New(rand.NewSource(opts.Seed)), //nolint:gosec
		dimension: dimension,
		ep:        -1,
		live:      make(map[string]uint32),
		versions:  make(map[string][]uint32),
	}, nil
}

// Options returns the options the index was built with.
func (h *Index) Options() Options { return h.opts }

// Dimension returns the vector dimension, 0 while the index is empty and unset.
func (h *Index) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dimension
}

// Len returns the number of live ids.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}

// Nodes returns the number of graph nodes including retired ones.
func (h *Index) Nodes() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Floor returns the lowest position searches can be answered at.
func (h *Index) Floor() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.floor
}

// Reserve grows node storage for n more inserts.
func (h *Index) Reserve(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = slices.Grow(h.nodes, n)
}

// Contains reports whether id is live at head.
func (h *Index) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.live[id]
	return ok
}

func (h *Index) checkDimension(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if h.dimension != 0 && len(v) != h.dimension {
		return &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}
	return nil
}

// Insert adds vec for id as of log offset seq. A live vector for id is
// retired at seq.
func (h *Index) Insert(id string, vec []float32, seq int64) error {
	return h.InsertVersion(id, vec, seq, Head)
}

// InsertVersion adds a version of id visible for log offsets in
// [created, deleted). A version with deleted == Head becomes the live one and
// retires the previous live version at created. Versions that ended at or
// below the floor are dropped.
func (h *Index) InsertVersion(id string, vec []float32, created, deleted int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkDimension(vec); err != nil {
		return err
	}
	if deleted <= h.floor {
		return nil
	}
	if len(h.nodes) >= math.MaxUint32 {
		return errLabelOverrun
	}
	if h.dimension == 0 {
		h.dimension = len(vec)
	}

	live := deleted == Head
	if old, ok := h.live[id]; ok && live {
		h.nodes[old].deleted = created
		h.retired++
	}

	n := &node{
		id:      id,
		vector:  h.space.Prepare(vec),
		level:   int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml)),
		created: created,
		deleted: deleted,
	}
	label := h.link(n)
	if live {
		h.live[id] = label
	} else {
		h.retired++
	}
	h.versions[id] = append(h.versions[id], label)
	return nil
}

func (h *Index) Delete(id string, seq int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	label, ok := h.live[id]
	if !ok {
		return false
	}
	h.nodes[label].deleted = seq
	delete(h.live, id)
	h.retired++
	return true
}

// link appends n to the graph and connects it. Callers hold the write lock.
func (h *Index) link(n *node) uint32 {
	label := uint32(len(h.nodes))
	n.connections = make([][]uint32, n.level+1)
	h.nodes = append(h.nodes, n)

	if h.ep < 0 {
		h.ep = int32(label)
		h.maxLevel = n.level
		return label
	}

	cur := uint32(h.ep)
	curDist := h.space.Distance(n.vector, h.nodes[cur].vector)
	for level := h.maxLevel; level > n.level; level-- {
		cur, curDist = h.greedy(n.vector, cur, curDist, level)
	}

	for level := min(n.level, h.maxLevel); level >= 0; level-- {
		candidates := h.searchLayer(n.vector, item{node: cur, distance: curDist}, h.opts.EFConstruction, level, nil, label)
		maxConn := h.mmax
		if level == 0 {
			maxConn = h.mmax0
		}
		neighbours := h.selectNeighboursHeuristic(candidates, h.mmax)
		n.connections[level] = make([]uint32, 0, maxConn)
		for _, nb := range neighbours {
			n.connections[level] = append(n.connections[level], nb.node)
		}
		for _, nb := range neighbours {
			h.addLink(nb.node, label, level)
		}
		if len(candidates) > 0 {
			cur, curDist = candidates[0].node, candidates[0].distance
		}
	}

	if n.level > h.maxLevel {
		h.ep = int32(label)
		h.maxLevel = n.level
	}
	return label
}

// greedy walks a single layer towards q and returns the closest node found.
func (h *Index) greedy(q []float32, cur uint32, curDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[cur].connections[level] {
			d := h.space.Distance(q, h.nodes[nb].vector)
			if d < curDist || (d == curDist && nb < cur) {
				cur, curDist = nb, d
				changed = true
			}
		}
	}
	return cur, curDist
}

// addLink connects first to second on level, pruning first's links with the
// neighbour heuristic when it has too many.
func (h *Index) addLink(first, second uint32, level int) {
	maxConn := h.mmax
	if level == 0 {
		maxConn = h.mmax0
	}

	n := h.nodes[first]
	n.connections[level] = append(n.connections[level], second)
	if len(n.connections[level]) <= maxConn {
		return
	}

	candidates := make([]item, 0, len(n.connections[level]))
	for _, c := range n.connections[level] {
		candidates = append(candidates, item{node: c, distance: h.space.Distance(n.vector, h.nodes[c].vector)})
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	selected := h.selectNeighboursHeuristic(candidates, maxConn)
	conns := n.connections[level][:0]
	for _, s := range selected {
		conns = append(conns, s.node)
	}
	n.connections[level] = conns
}

// selectNeighboursHeuristic keeps candidates that are closer to the base
// than to any already selected neighbour, then tops up with the skipped
// ones. candidates must be sorted ascending.
func (h *Index) selectNeighboursHeuristic(candidates []item, m int) []item {
	if len(candidates) <= m {
		return candidates
	}

	selected := make([]item, 0, m)
	skipped := make([]item, 0, len(candidates))
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if h.space.Distance(h.nodes[s.node].vector, h.nodes[c.node].vector) < c.distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			skipped = append(skipped, c)
		}
	}
	for _, c := range skipped {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// searchLayer runs the best-first search on one layer and returns up to ef
// eligible nodes sorted ascending. A nil eligible accepts every node; skip
// excludes a single label (the node being inserted).
func (h *Index) searchLayer(q []float32, ep item, ef int, level int, eligible func(uint32) bool, skip uint32) []item {
	visited := bitset.New(uint(len(h.nodes)))
	visited.Set(uint(ep.node))
	visited.Set(uint(skip))

	accept := func(n uint32) bool { return n != skip && (eligible == nil || eligible(n)) }

	candidates := &priorityQueue{}
	top := &priorityQueue{max: true}
	candidates.push(ep)
	if accept(ep.node) {
		top.push(ep)
	}

	for candidates.Len() > 0 {
		c := candidates.pop()
		if top.Len() >= ef && c.distance > top.top().distance {
			break
		}

		conns := h.nodes[c.node].connections
		if level >= len(conns) {
			continue
		}
		for _, nb := range conns[level] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))

			d := h.space.Distance(q, h.nodes[nb].vector)
			it := item{node: nb, distance: d}
			if top.Len() < ef || less(it, top.top()) {
				candidates.push(it)
				if accept(nb) {
					top.push(it)
					if top.Len() > ef {
						top.pop()
					}
				}
			}
		}
	}

	out := make([]item, top.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = top.pop()
	}
	return out
}

// Result is one neighbour of a query.
type Result struct {
	ID       string
	Label    uint32
	Distance float32
}

// SearchOptions controls a single search.
type SearchOptions struct {
	// At is the log position to search as of. Use Head for the latest state.
	At int64

	// Allowed restricts results to these ids. nil means unrestricted.
	Allowed []string

	// EF overrides Options.EFSearch when positive.
	EF int
}

// bruteForceThreshold is the allowed-set size below which a filtered
// search scans the allowed nodes directly.
const bruteForceThreshold = 1000

// Search returns the k nearest visible neighbours of q ordered by
// (distance, label). Fewer than k results means fewer candidates qualify.
func (h *Index) Search(q []float32, k int, so SearchOptions) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if so.At == 0 {
		so.At = Head
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if so.At < h.floor {
		return nil, ErrBelowFloor
	}
	if len(h.nodes) == 0 {
		return nil, nil
	}
	if err := h.checkDimension(q); err != nil {
		return nil, err
	}
	q = h.space.Prepare(q)

	var allowed *roaring.Bitmap
	if so.Allowed != nil {
		allowed = roaring.New()
		for _, id := range so.Allowed {
			for _, label := range h.versions[id] {
				allowed.Add(label)
			}
		}
		if allowed.IsEmpty() {
			return nil, nil
		}
	}

	eligible := func(label uint32) bool {
		if !h.nodes[label].visible(so.At) {
			return false
		}
		return allowed == nil || allowed.Contains(label)
	}

	var items []item
	if allowed != nil && allowed.GetCardinality() <= bruteForceThreshold {
		items = h.scan(q, k, allowed.Iterator(), eligible)
	} else {
		ef := max(so.EF, k)
		if so.EF <= 0 {
			ef = max(h.opts.EFSearch, k)
		}
		items = h.searchGraph(q, ef, eligible)
		if len(items) < k && len(items) < len(h.nodes) {
			// The graph walk can miss qualifying nodes behind retired or
			// filtered-out neighbourhoods. Fall back to an exact scan.
			items = h.scan(q, k, nil, eligible)
		}
	}

	if len(items) > k {
		items = items[:k]
	}
	out := make([]Result, len(items))
	for i, it := range items {
		out[i] = Result{ID: h.nodes[it.node].id, Label: it.node, Distance: it.distance}
	}
	return out, nil
}

func (h *Index) searchGraph(q []float32, ef int, eligible func(uint32) bool) []item {
	cur := uint32(h.ep)
	curDist := h.space.Distance(q, h.nodes[cur].vector)
	for level := h.maxLevel; level > 0; level-- {
		cur, curDist = h.greedy(q, cur, curDist, level)
	}
	return h.searchLayer(q, item{node: cur, distance: curDist}, ef, 0, eligible, math.MaxUint32)
}

// scan computes exact distances over it (or every node when it is nil).
func (h *Index) scan(q []float32, k int, it roaring.IntIterable, eligible func(uint32) bool) []item {
	top := &priorityQueue{max: true}
	consider := func(label uint32) {
		if !eligible(label) {
			return
		}
		cand := item{node: label, distance: h.space.Distance(q, h.nodes[label].vector)}
		if top.Len() < k {
			top.push(cand)
		} else if less(cand, top.top()) {
			top.pop()
			top.push(cand)
		}
	}

	if it != nil {
		for it.HasNext() {
			consider(it.Next())
		}
	} else {
		for label := range h.nodes {
			consider(uint32(label))
		}
	}

	out := make([]item, top.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = top.pop()
	}
	return out
}

// Get returns the vector of id visible at position at.
func (h *Index) Get(id string, at int64) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	labels := h.versions[id]
	for i := len(labels) - 1; i >= 0; i-- {
		n := h.nodes[labels[i]]
		if n.visible(at) {
			return slices.Clone(n.vector), true
		}
	}
	return nil, false
}

// IDs returns the ids visible at position at in label order, at most limit
// when limit > 0.
func (h *Index) IDs(at int64, limit int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, n := range h.nodes {
		if n.visible(at) {
			out = append(out, n.id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// SizeBytes estimates the memory held by the graph.
func (h *Index) SizeBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var size int64
	for _, n := range h.nodes {
		size += int64(len(n.id)) + int64(4*len(n.vector)) + 64
		for _, c := range n.connections {
			size += int64(4 * len(c))
		}
	}
	return size
}

// Compact discards history below floor. Positions below the floor can no
// longer be searched. When most nodes are retired the graph is rebuilt from
// the nodes still visible at or above the floor.
func (h *Index) Compact(floor int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if floor <= h.floor {
		return
	}
	h.floor = floor

	dead := 0
	for id, labels := range h.versions {
		kept := labels[:0]
		for _, l := range labels {
			if h.nodes[l].deleted > floor {
				kept = append(kept, l)
			} else {
				dead++
			}
		}
		if len(kept) == 0 {
			delete(h.versions, id)
		} else {
			h.versions[id] = kept
		}
	}

	if dead == 0 || len(h.nodes) == 0 {
		return
	}
	unreachable := 0
	for _, n := range h.nodes {
		if n.deleted <= floor {
			unreachable++
		}
	}
	if unreachable*2 <= len(h.nodes) {
		return
	}
	h.rebuild()
}

// rebuild relinks the nodes that survive the floor in their original order.
func (h *Index) rebuild() {
	old := h.nodes
	h.nodes = make([]*node, 0, len(old))
	h.ep = -1
	h.maxLevel = 0
	h.retired = 0
	h.live = make(map[string]uint32, len(h.live))
	h.versions = make(map[string][]uint32, len(h.versions))

	for _, n := range old {
		if n.deleted <= h.floor {
			continue
		}
		cp := &node{id: n.id, vector: n.vector, level: n.level, created: n.created, deleted: n.deleted}
		label := h.link(cp)
		h.versions[n.id] = append(h.versions[n.id], label)
		if n.deleted == math.MaxInt64 {
			h.live[n.id] = label
		} else {
			h.retired++
		}
	}
}
