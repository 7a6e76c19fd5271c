package vector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hupe1980/embedb/blobstore"
	"github.com/hupe1980/embedb/codec"
	"github.com/hupe1980/embedb/internal/fs"
	"github.com/hupe1980/embedb/internal/hnsw"
	"github.com/hupe1980/embedb/internal/resource"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/model"
)

const (
	// ManifestFile records the checkpoint of the index files.
	ManifestFile = "index_metadata.json"

	// FilesPerIndex is the number of handles a loaded segment pins.
	FilesPerIndex = 4
)

// indexFiles lists the files in write order; the manifest commits them.
var indexFiles = []string{hnsw.HeaderFile, hnsw.DataFile, hnsw.LinksFile, ManifestFile}

type manifest struct {
	SegmentID string      `json:"segment_id"`
	Space     model.Space `json:"space"`
	Dimension int         `json:"dimension"`
	Count     int         `json:"count"`
	MaxSeqID  int64       `json:"max_seq_id"`
	Version   int64       `json:"version"`
	Floor     int64       `json:"floor"`
}

// PersistedOptions adds the storage settings of a Persisted segment.
type PersistedOptions struct {
	Options

	// Dir holds the index files of this segment.
	Dir string

	FS        fs.FileSystem
	Resources *resource.Controller

	// Archive receives a copy of the files after every persist and restores
	// them when Dir is missing.
	Archive blobstore.Store
}

// Persisted is an HNSW segment with durable index files.
type Persisted struct {
	*core

	fsys    fs.FileSystem
	dir     string
	rc      *resource.Controller
	archive blobstore.Store

	// diskBytes is the size of dir after the last load or persist.
	diskBytes atomic.Int64

	// guarded by core.mu
	handles   []fs.File
	persisted int64
	sinceSync int
}

var (
	_ segment.VectorReader = (*Persisted)(nil)
	_ segment.FileHandler  = (*Persisted)(nil)
)

// NewPersisted creates a segment over opts.Dir. Start loads existing files.
func NewPersisted(seg model.Segment, opts PersistedOptions) (*Persisted, error) {
	if opts.Dir == "" {
		return nil, errors.New("vector: persisted segment needs a directory")
	}
	c, err := newCore(seg, opts.Options)
	if err != nil {
		return nil, err
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	p := &Persisted{
		core:    c,
		fsys:    opts.FS,
		dir:     opts.Dir,
		rc:      opts.Resources,
		archive: opts.Archive,
	}
	c.buf = newBuffer(c.space)
	c.afterApply = p.afterApply
	return p, nil
}

// Dir returns the directory holding the index files.
func (p *Persisted) Dir() string { return p.dir }

func (p *Persisted) path(name string) string { return filepath.Join(p.dir, name) }

func (p *Persisted) hasFiles() (bool, error) {
	return fs.Exists(p.fsys, p.path(ManifestFile))
}

// Start loads the index files, restoring them from the archive first when
// the directory is missing.
func (p *Persisted) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ok, err := p.hasFiles()
	if err != nil {
		return err
	}
	if !ok && p.archive != nil {
		restored, err := p.restore(ctx)
		if err != nil {
			return fmt.Errorf("restore %s from archive: %w", p.seg.ID, err)
		}
		ok = restored
	}
	if !ok {
		return nil
	}
	return p.load(ctx)
}

func (p *Persisted) load(ctx context.Context) error {
	data, err := fs.ReadFile(p.fsys, p.path(ManifestFile))
	if err != nil {
		return err
	}
	var m manifest
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	if err := p.openHandlesLocked(); err != nil {
		return err
	}

	readers := make([]io.Reader, 3)
	for i := range readers {
		info, err := p.handles[i].Stat()
		if err != nil {
			return err
		}
		readers[i] = resource.NewRateLimitedReader(ctx, io.NewSectionReader(p.handles[i], 0, info.Size()), p.rc)
	}
	index, err := hnsw.Load(readers[0], readers[1], readers[2])
	if err != nil {
		return fmt.Errorf("load index of %s: %w", p.seg.ID, err)
	}

	p.index = index
	p.refreshDiskBytes()
	p.dim = m.Dimension
	p.applied = m.MaxSeqID
	p.persisted = m.MaxSeqID
	p.version = max(p.version, m.Version)
	p.log.Info("loaded vector segment",
		zap.Int64("max_seq_id", m.MaxSeqID),
		zap.Int("count", index.Len()),
		zap.Int("dimension", m.Dimension))
	return nil
}

func (p *Persisted) afterApply(ctx context.Context, processed int) error {
	p.sinceSync += processed
	if p.sinceSync < p.cfg.SyncThreshold {
		return nil
	}
	return p.persistLocked(ctx)
}

// Persist flushes the buffer and writes the index files.
func (p *Persisted) Persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return segment.ErrStopped
	}
	return p.persistLocked(ctx)
}

func (p *Persisted) persistLocked(ctx context.Context) error {
	if err := p.flushLocked(); err != nil {
		return err
	}
	if err := p.fsys.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	tmp := make([]fs.File, 3)
	cleanup := func() {
		for i, f := range tmp {
			if f != nil {
				_ = f.Close()
				_ = p.fsys.Remove(p.path(indexFiles[i]) + ".tmp")
			}
		}
	}
	writers := make([]io.Writer, 3)
	for i := range tmp {
		f, err := p.fsys.OpenFile(p.path(indexFiles[i])+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			cleanup()
			return err
		}
		tmp[i] = f
		writers[i] = resource.NewRateLimitedWriter(ctx, f, p.rc)
	}
	if err := p.index.Save(writers[0], writers[1], writers[2]); err != nil {
		cleanup()
		return fmt.Errorf("save index of %s: %w", p.seg.ID, err)
	}
	for i, f := range tmp {
		if err := f.Sync(); err != nil {
			cleanup()
			return err
		}
		if err := f.Close(); err != nil {
			tmp[i] = nil
			cleanup()
			return err
		}
		tmp[i] = nil
		if err := p.fsys.Rename(p.path(indexFiles[i])+".tmp", p.path(indexFiles[i])); err != nil {
			cleanup()
			return err
		}
	}

	m := manifest{
		SegmentID: p.seg.ID.String(),
		Space:     p.cfg.Space,
		Dimension: p.dim,
		Count:     p.index.Len(),
		MaxSeqID:  p.applied,
		Version:   p.version,
		Floor:     p.index.Floor(),
	}
	data, err := codec.Default.Marshal(m)
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(p.fsys, p.path(ManifestFile), data, true); err != nil {
		return err
	}
	p.persisted = p.applied
	p.sinceSync = 0
	p.refreshDiskBytes()

	// Pinned handles point at the replaced files.
	if p.handles != nil {
		if err := p.closeHandlesLocked(); err != nil {
			return err
		}
		if err := p.openHandlesLocked(); err != nil {
			return err
		}
	}
	p.log.Debug("persisted vector segment", zap.Int64("max_seq_id", p.applied), zap.Int("count", m.Count))

	if p.archive != nil {
		if err := p.upload(ctx); err != nil {
			p.log.Warn("archive upload failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Persisted) refreshDiskBytes() {
	n, err := fs.DirSize(p.fsys, p.dir)
	if err != nil {
		p.log.Warn("size index directory", zap.Error(err))
		return
	}
	p.diskBytes.Store(n)
}

// DiskBytes returns the size of the index files as of the last load or
// persist.
func (p *Persisted) DiskBytes() int64 { return p.diskBytes.Load() }

func (p *Persisted) PersistedSeqID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.persisted
}

// OpenFileHandles pins the index files. Without persisted files there is
// nothing to pin.
func (p *Persisted) OpenFileHandles() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handles != nil {
		return nil
	}
	ok, err := p.hasFiles()
	if err != nil || !ok {
		return err
	}
	return p.openHandlesLocked()
}

func (p *Persisted) openHandlesLocked() error {
	handles := make([]fs.File, 0, FilesPerIndex)
	for _, name := range indexFiles {
		f, err := p.fsys.OpenFile(p.path(name), os.O_RDONLY, 0)
		if err != nil {
			for _, h := range handles {
				_ = h.Close()
			}
			return err
		}
		handles = append(handles, f)
	}
	p.handles = handles
	return nil
}

// CloseFileHandles releases the pinned files. The graph stays in memory.
func (p *Persisted) CloseFileHandles() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeHandlesLocked()
}

func (p *Persisted) closeHandlesLocked() error {
	var errs []error
	for _, f := range p.handles {
		errs = append(errs, f.Close())
	}
	p.handles = nil
	return errors.Join(errs...)
}

func (p *Persisted) FileHandleCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Stop persists unsaved records and releases the file handles.
func (p *Persisted) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	var err error
	if p.applied > p.persisted || p.buf.len() > 0 {
		err = p.persistLocked(context.Background())
	}
	p.stopped = true
	return errors.Join(err, p.closeHandlesLocked())
}

// Delete removes the local files and the archived copy.
func (p *Persisted) Delete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.diskBytes.Store(0)
	errs := []error{p.closeHandlesLocked(), p.fsys.RemoveAll(p.dir)}
	if p.archive != nil {
		errs = append(errs, blobstore.DeletePrefix(ctx, p.archive, p.archivePrefix()))
	}
	return errors.Join(errs...)
}
