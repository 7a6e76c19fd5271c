package hnsw

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/embedb/model"
)

// On-disk files of an index. Together with the owning segment's manifest
// they make up the four files a persisted index keeps open.
const (
	HeaderFile = "header.bin"
	DataFile   = "data_level0.bin"
	LinksFile  = "link_lists.bin"
)

const (
	persistMagic   = "EMBHNSW\x00"
	persistVersion = 1
)

var ErrInvalidFormat = errors.New("hnsw: invalid index file")

type binWriter struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (b *binWriter) u32(v uint32) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[:4], v)
	_, b.err = b.w.Write(b.buf[:4])
}

func (b *binWriter) i64(v int64) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(b.buf[:8], uint64(v))
	_, b.err = b.w.Write(b.buf[:8])
}

func (b *binWriter) bytes(p []byte) {
	if b.err != nil {
		return
	}
	b.u32(uint32(len(p)))
	if b.err == nil {
		_, b.err = b.w.Write(p)
	}
}

func (b *binWriter) flush() error {
	if b.err != nil {
		return b.err
	}
	return b.w.Flush()
}

type binReader struct {
	r   *bufio.Reader
	buf [8]byte
	err error
}

func (b *binReader) u32() uint32 {
	if b.err != nil {
		return 0
	}
	if _, b.err = io.ReadFull(b.r, b.buf[:4]); b.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b.buf[:4])
}

func (b *binReader) i64() int64 {
	if b.err != nil {
		return 0
	}
	if _, b.err = io.ReadFull(b.r, b.buf[:8]); b.err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b.buf[:8]))
}

func (b *binReader) bytes(limit uint32) []byte {
	n := b.u32()
	if b.err != nil {
		return nil
	}
	if n > limit {
		b.err = fmt.Errorf("%w: length %d exceeds %d", ErrInvalidFormat, n, limit)
		return nil
	}
	p := make([]byte, n)
	_, b.err = io.ReadFull(b.r, p)
	return p
}

// Save writes the graph to the three index files.
func (h *Index) Save(header, data, links io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	hw := &binWriter{w: bufio.NewWriter(header)}
	if _, err := hw.w.WriteString(persistMagic); err != nil {
		return err
	}
	hw.u32(persistVersion)
	hw.u32(uint32(h.dimension))
	hw.u32(uint32(h.opts.M))
	hw.u32(uint32(h.opts.EFConstruction))
	hw.u32(uint32(h.opts.EFSearch))
	hw.bytes([]byte(h.opts.Space))
	hw.i64(h.opts.Seed)
	hw.i64(int64(h.ep))
	hw.u32(uint32(h.maxLevel))
	hw.u32(uint32(len(h.nodes)))
	hw.i64(h.floor)
	if err := hw.flush(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	dw := &binWriter{w: bufio.NewWriter(data)}
	lw := &binWriter{w: bufio.NewWriter(links)}
	for _, n := range h.nodes {
		dw.bytes([]byte(n.id))
		dw.i64(n.created)
		dw.i64(n.deleted)
		dw.u32(uint32(n.level))
		for _, v := range n.vector {
			dw.u32(math.Float32bits(v))
		}
		dw.u32(uint32(len(n.connections[0])))
		for _, c := range n.connections[0] {
			dw.u32(c)
		}
		for l := 1; l <= n.level; l++ {
			lw.u32(uint32(len(n.connections[l])))
			for _, c := range n.connections[l] {
				lw.u32(c)
			}
		}
	}
	if err := dw.flush(); err != nil {
		return fmt.Errorf("write level 0: %w", err)
	}
	if err := lw.flush(); err != nil {
		return fmt.Errorf("write link lists: %w", err)
	}
	return nil
}

// Load reads a graph written by Save.
func Load(header, data, links io.Reader) (*Index, error) {
	hr := &binReader{r: bufio.NewReader(header)}
	magic := make([]byte, len(persistMagic))
	if _, err := io.ReadFull(hr.r, magic); err != nil || string(magic) != persistMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}
	if v := hr.u32(); hr.err == nil && v != persistVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidFormat, v)
	}

	var opts Options
	dim := int(hr.u32())
	opts.M = int(hr.u32())
	opts.EFConstruction = int(hr.u32())
	opts.EFSearch = int(hr.u32())
	opts.Space = model.Space(hr.bytes(64))
	opts.Seed = hr.i64()
	ep := int32(hr.i64())
	maxLevel := int(hr.u32())
	count := int(hr.u32())
	floor := hr.i64()
	if hr.err != nil {
		return nil, fmt.Errorf("read header: %w", hr.err)
	}

	h, err := newIndex(dim, opts)
	if err != nil {
		return nil, err
	}
	h.ep = ep
	h.maxLevel = maxLevel
	h.floor = floor
	h.nodes = make([]*node, 0, count)
	// Continue the level sequence rather than replaying the seed from zero.
	h.rng.Seed(opts.Seed + int64(count))

	dr := &binReader{r: bufio.NewReader(data)}
	lr := &binReader{r: bufio.NewReader(links)}
	for label := range count {
		n := &node{
			id:      string(dr.bytes(1 << 20)),
			created: dr.i64(),
			deleted: dr.i64(),
			level:   int(dr.u32()),
		}
		if dr.err != nil {
			return nil, fmt.Errorf("read node %d: %w", label, dr.err)
		}
		if n.level > maxLevel {
			return nil, fmt.Errorf("%w: node %d level %d above max %d", ErrInvalidFormat, label, n.level, maxLevel)
		}
		n.vector = make([]float32, dim)
		for i := range n.vector {
			n.vector[i] = math.Float32frombits(dr.u32())
		}
		n.connections = make([][]uint32, n.level+1)
		n.connections[0] = readLinks(dr, count)
		for l := 1; l <= n.level; l++ {
			n.connections[l] = readLinks(lr, count)
		}
		if dr.err != nil || lr.err != nil {
			return nil, fmt.Errorf("read node %d: %w", label, errors.Join(dr.err, lr.err))
		}

		h.nodes = append(h.nodes, n)
		if n.deleted > floor {
			h.versions[n.id] = append(h.versions[n.id], uint32(label))
		}
		if n.deleted == math.MaxInt64 {
			h.live[n.id] = uint32(label)
		} else {
			h.retired++
		}
	}
	if count > 0 && (ep < 0 || int(ep) >= count) {
		return nil, fmt.Errorf("%w: entry point %d out of range", ErrInvalidFormat, ep)
	}
	return h, nil
}

func readLinks(r *binReader, count int) []uint32 {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int(n) > count {
		r.err = fmt.Errorf("%w: %d links for %d nodes", ErrInvalidFormat, n, count)
		return nil
	}
	links := make([]uint32, n)
	for i := range links {
		links[i] = r.u32()
		if r.err == nil && int(links[i]) >= count {
			r.err = fmt.Errorf("%w: link to %d of %d nodes", ErrInvalidFormat, links[i], count)
		}
	}
	return links
}
