package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/codec"
	"github.com/hupe1980/embedb/internal/fs"
	"github.com/hupe1980/embedb/model"
)

// Durability controls when a submit is acknowledged.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache.
	DurabilityAsync Durability = iota
	// DurabilitySync calls fsync before Submit returns.
	DurabilitySync
)

const (
	logMagic    = "EMBEDLOG"
	logVersion  = 1
	logFileName = "log.wal"
)

var (
	// ErrTransient wraps storage failures of Submit. Nothing of the failed
	// submission is visible and the caller may retry it as a whole.
	ErrTransient = errors.New("wal: transient storage failure")

	ErrIncompatibleVersion = errors.New("wal: incompatible log version")
	ErrInvalidHeader       = errors.New("wal: invalid log header")
	ErrClosed              = errors.New("wal: log closed")
)

// Options configures a Log.
type Options struct {
	Durability  Durability
	Compression codec.Compression
	Codec       codec.Codec
	Logger      *zap.Logger
}

// DefaultOptions returns synchronous, uncompressed logging with the default codec.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync, Codec: codec.Default}
}

// Consumer receives records in offset order. A returned error leaves the
// records queued for redelivery on the next submit.
type Consumer func(ctx context.Context, records []model.LogRecord) error

// SubscriptionID identifies a registered consumer.
type SubscriptionID uuid.UUID

func (id SubscriptionID) String() string { return uuid.UUID(id).String() }

// Log is the durable per-collection record of mutations. Every collection
// gets its own file under dir; offsets start at 1 and are contiguous.
type Log struct {
	fs   fs.FileSystem
	dir  string
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	collections map[uuid.UUID]*collectionLog
	subs        map[SubscriptionID]uuid.UUID
	closed      bool
}

type frameRef struct {
	offset int64
	pos    int64
	size   int64
}

type collectionLog struct {
	id   uuid.UUID
	path string

	mu     sync.Mutex
	file   fs.File
	codec  codec.Codec
	size   int64
	frames []frameRef
	last   int64

	// stale is set when a purge replaced the file but could not reopen it;
	// file then still reads the old inode and must not take appends.
	stale bool

	// notifyMu serializes delivery so consumers see offsets in order.
	notifyMu sync.Mutex
	subs     []*subscription
}

type subscription struct {
	id   SubscriptionID
	fn   Consumer
	next int64
}

// Open opens the log rooted at dir. Collection files are opened lazily.
func Open(fsys fs.FileSystem, dir string, opts Options) (*Log, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Log{
		fs:          fsys,
		dir:         dir,
		opts:        opts,
		log:         opts.Logger.Named("wal"),
		collections: make(map[uuid.UUID]*collectionLog),
		subs:        make(map[SubscriptionID]uuid.UUID),
	}, nil
}

func (l *Log) collectionDir(id uuid.UUID) string {
	return filepath.Join(l.dir, id.String())
}

// collection returns the open log of id. With create=false a collection that
// has no file yet yields nil.
func (l *Log) collection(id uuid.UUID, create bool) (*collectionLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if c, ok := l.collections[id]; ok {
		return c, nil
	}

	path := filepath.Join(l.collectionDir(id), logFileName)
	if !create {
		ok, err := fs.Exists(l.fs, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	c, err := l.openCollection(id, path)
	if err != nil {
		return nil, err
	}
	l.collections[id] = c
	return c, nil
}

func (l *Log) openCollection(id uuid.UUID, path string) (*collectionLog, error) {
	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := l.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	c := &collectionLog{id: id, path: path, file: f}
	if err := l.load(c); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open log of collection %s: %w", id, err)
	}
	return c, nil
}

func headerBytes(c codec.Codec) []byte {
	name := c.Name()
	buf := make([]byte, 0, 8+4+1+len(name))
	buf = append(buf, logMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, logVersion)
	buf = append(buf, byte(len(name)))
	return append(buf, name...)
}

// load validates the header, or writes one to a fresh file, and rebuilds the
// frame index. A torn tail from a crash mid-append is truncated away.
func (l *Log) load(c *collectionLog) error {
	info, err := c.file.Stat()
	if err != nil {
		return err
	}

	if info.Size() == 0 {
		hdr := headerBytes(l.opts.Codec)
		if _, err := c.file.Write(hdr); err != nil {
			return err
		}
		if err := c.file.Sync(); err != nil {
			return err
		}
		c.codec = l.opts.Codec
		c.size = int64(len(hdr))
		return nil
	}

	r := bufio.NewReader(io.NewSectionReader(c.file, 0, info.Size()))
	fixed := make([]byte, 13)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(fixed[:8]) != logMagic {
		return fmt.Errorf("%w: magic %q", ErrInvalidHeader, fixed[:8])
	}
	if v := binary.LittleEndian.Uint32(fixed[8:12]); v != logVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, v, logVersion)
	}
	name := make([]byte, fixed[12])
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	cd, ok := codec.ByName(string(name))
	if !ok {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidHeader, name)
	}
	c.codec = cd

	pos := int64(13 + len(name))
	for {
		fi, _, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			l.log.Warn("truncating torn log tail",
				zap.Stringer("collection_id", c.id),
				zap.Int64("position", pos),
				zap.Int64("file_size", info.Size()),
				zap.Error(err))
			if err := c.file.Truncate(pos); err != nil {
				return err
			}
			break
		}
		size := int64(frameHeaderSize) + int64(fi.length)
		c.frames = append(c.frames, frameRef{offset: fi.offset, pos: pos, size: size})
		c.last = fi.offset
		pos += size
	}
	c.size = pos
	return nil
}

// Submit appends records to the collection's log and returns their offsets.
// Either every record becomes visible or none does.
func (l *Log) Submit(ctx context.Context, collectionID uuid.UUID, records []model.OperationRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := l.collection(collectionID, true)
	if err != nil {
		return nil, err
	}

	offsets, err := l.append(c, records)
	if err != nil {
		return nil, err
	}

	l.notify(ctx, c)
	return offsets, nil
}

func (l *Log) append(c *collectionLog, records []model.OperationRecord) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil, ErrClosed
	}
	if err := l.reopenStaleLocked(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var (
		buf     []byte
		err     error
		frames  = make([]frameRef, 0, len(records))
		offsets = make([]int64, 0, len(records))
		pos     = c.size
	)
	for i := range records {
		off := c.last + int64(i) + 1
		start := len(buf)
		if buf, err = encodeFrame(buf, off, &records[i], c.codec, l.opts.Compression); err != nil {
			return nil, err
		}
		size := int64(len(buf) - start)
		frames = append(frames, frameRef{offset: off, pos: pos, size: size})
		offsets = append(offsets, off)
		pos += size
	}

	if err := l.write(c, buf); err != nil {
		if terr := c.file.Truncate(c.size); terr != nil {
			l.log.Error("truncate after failed submit",
				zap.Stringer("collection_id", c.id), zap.Error(terr))
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	c.frames = append(c.frames, frames...)
	c.size = pos
	c.last = offsets[len(offsets)-1]
	return offsets, nil
}

func (l *Log) write(c *collectionLog, buf []byte) error {
	if _, err := c.file.Write(buf); err != nil {
		return err
	}
	if l.opts.Durability == DurabilitySync {
		return c.file.Sync()
	}
	return nil
}

// notify delivers everything past each subscriber's cursor.
func (l *Log) notify(ctx context.Context, c *collectionLog) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	for _, s := range c.subs {
		l.deliver(ctx, c, s)
	}
}

func (l *Log) deliver(ctx context.Context, c *collectionLog, s *subscription) {
	for {
		recs, err := c.read(s.next, 0)
		if err != nil {
			l.log.Error("read log for delivery",
				zap.Stringer("collection_id", c.id),
				zap.Stringer("subscription", s.id),
				zap.Error(err))
			return
		}
		if len(recs) == 0 {
			return
		}
		if recs[0].LogOffset > s.next {
			l.log.Warn("log purged past subscriber cursor",
				zap.Stringer("collection_id", c.id),
				zap.Int64("cursor", s.next),
				zap.Int64("oldest", recs[0].LogOffset))
		}
		if err := s.fn(ctx, recs); err != nil {
			l.log.Error("consumer failed",
				zap.Stringer("collection_id", c.id),
				zap.Stringer("subscription", s.id),
				zap.Int64("from", recs[0].LogOffset),
				zap.Error(err))
			return
		}
		s.next = recs[len(recs)-1].LogOffset + 1
	}
}

// PullLogs returns up to batchSize records with offset >= start in offset
// order. batchSize <= 0 means no limit. A caught-up reader gets an empty slice.
func (l *Log) PullLogs(ctx context.Context, collectionID uuid.UUID, start int64, batchSize int) ([]model.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.collection(collectionID, false)
	if err != nil || c == nil {
		return nil, err
	}
	return c.read(start, batchSize)
}

func (c *collectionLog) read(start int64, limit int) ([]model.LogRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil, ErrClosed
	}

	i := sort.Search(len(c.frames), func(i int) bool { return c.frames[i].offset >= start })
	end := len(c.frames)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	if i >= end {
		return nil, nil
	}

	first, lastFrame := c.frames[i], c.frames[end-1]
	span := lastFrame.pos + lastFrame.size - first.pos
	r := bufio.NewReader(io.NewSectionReader(c.file, first.pos, span))

	out := make([]model.LogRecord, 0, end-i)
	for range end - i {
		fi, payload, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		rec, err := decodeFrame(fi, payload, c.codec)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// LatestOffset returns the last offset assigned in the collection, 0 if none.
func (l *Log) LatestOffset(collectionID uuid.UUID) (int64, error) {
	c, err := l.collection(collectionID, false)
	if err != nil || c == nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// OldestOffset returns the first offset still retained, 0 if the log is empty.
func (l *Log) OldestOffset(collectionID uuid.UUID) (int64, error) {
	c, err := l.collection(collectionID, false)
	if err != nil || c == nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return 0, nil
	}
	return c.frames[0].offset, nil
}

// Purge drops records with offset <= through. The newest record always
// survives so the next offset cannot be reused.
func (l *Log) Purge(ctx context.Context, collectionID uuid.UUID, through int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := l.collection(collectionID, false)
	if err != nil || c == nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return ErrClosed
	}
	if err := l.reopenStaleLocked(c); err != nil {
		return fmt.Errorf("reopen log: %w", err)
	}
	keepFrom := sort.Search(len(c.frames), func(i int) bool { return c.frames[i].offset > through })
	if keepFrom >= len(c.frames) {
		keepFrom = len(c.frames) - 1
	}
	if keepFrom <= 0 {
		return nil
	}

	kept := c.frames[keepFrom:]
	start := kept[0].pos
	span := c.size - start

	hdr := headerBytes(c.codec)
	tail := make([]byte, span)
	if _, err := c.file.ReadAt(tail, start); err != nil {
		return fmt.Errorf("read log tail: %w", err)
	}
	if err := fs.WriteFileAtomic(l.fs, c.path, append(hdr, tail...), true); err != nil {
		return fmt.Errorf("rewrite log: %w", err)
	}

	f, err := l.fs.OpenFile(c.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		c.stale = true
		l.log.Error("reopen log after purge",
			zap.Stringer("collection_id", c.id), zap.Error(err))
		return fmt.Errorf("reopen log: %w", err)
	}
	_ = c.file.Close()
	c.file = f

	shift := start - int64(len(hdr))
	frames := make([]frameRef, len(kept))
	for i, fr := range kept {
		fr.pos -= shift
		frames[i] = fr
	}
	c.frames = frames
	c.size -= shift

	l.log.Debug("purged log",
		zap.Stringer("collection_id", c.id),
		zap.Int64("through", through),
		zap.Int64("oldest", frames[0].offset))
	return nil
}

// reopenStaleLocked swaps a stale handle for the file now at c.path and
// rebuilds the frame index from it.
func (l *Log) reopenStaleLocked(c *collectionLog) error {
	if !c.stale {
		return nil
	}
	f, err := l.fs.OpenFile(c.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	fresh := &collectionLog{id: c.id, path: c.path, file: f}
	if err := l.load(fresh); err != nil {
		_ = f.Close()
		return err
	}
	_ = c.file.Close()
	c.file, c.codec, c.size, c.frames = fresh.file, fresh.codec, fresh.size, fresh.frames
	c.last = max(c.last, fresh.last)
	c.stale = false
	l.log.Info("reopened log", zap.Stringer("collection_id", c.id), zap.Int64("last", c.last))
	return nil
}

// Subscribe registers fn for the collection's records starting at offset
// start. Records already in the log are delivered before Subscribe returns.
func (l *Log) Subscribe(ctx context.Context, collectionID uuid.UUID, start int64, fn Consumer) (SubscriptionID, error) {
	c, err := l.collection(collectionID, true)
	if err != nil {
		return SubscriptionID{}, err
	}
	if start < 1 {
		start = 1
	}

	s := &subscription{id: SubscriptionID(uuid.New()), fn: fn, next: start}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	l.deliver(ctx, c, s)
	c.subs = append(c.subs, s)

	l.mu.Lock()
	l.subs[s.id] = collectionID
	l.mu.Unlock()
	return s.id, nil
}

// Unsubscribe removes a consumer. It must not be called from inside a Consumer.
func (l *Log) Unsubscribe(id SubscriptionID) {
	l.mu.Lock()
	collectionID, ok := l.subs[id]
	delete(l.subs, id)
	c := l.collections[collectionID]
	l.mu.Unlock()

	if !ok || c == nil {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
}

// DeleteCollection closes and removes the collection's log.
func (l *Log) DeleteCollection(collectionID uuid.UUID) error {
	l.mu.Lock()
	c := l.collections[collectionID]
	delete(l.collections, collectionID)
	for id, cid := range l.subs {
		if cid == collectionID {
			delete(l.subs, id)
		}
	}
	l.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		if c.file != nil {
			_ = c.file.Close()
			c.file = nil
		}
		c.mu.Unlock()
	}
	return l.fs.RemoveAll(l.collectionDir(collectionID))
}

// Close closes every open collection file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.closed = true

	var errs []error
	for _, c := range l.collections {
		c.mu.Lock()
		if c.file != nil {
			errs = append(errs, c.file.Close())
			c.file = nil
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}
