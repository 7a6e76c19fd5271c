package vector

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hupe1980/embedb/blobstore"
	"github.com/hupe1980/embedb/internal/resource"
)

func (p *Persisted) archivePrefix() string { return p.seg.ID.String() + "/" }

func (p *Persisted) archiveKey(name string) string { return p.archivePrefix() + name }

// upload copies the index files to the archive, manifest last.
func (p *Persisted) upload(ctx context.Context) error {
	for _, name := range indexFiles {
		f, err := p.fsys.OpenFile(p.path(name), os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		err = blobstore.Upload(ctx, p.archive, p.archiveKey(name), resource.NewRateLimitedReader(ctx, f, p.rc))
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// restore downloads an archived copy into the segment directory. It reports
// false when the archive holds no manifest for this segment.
func (p *Persisted) restore(ctx context.Context) (bool, error) {
	b, err := p.archive.Open(ctx, p.archiveKey(ManifestFile))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = b.Close()

	if err := p.fsys.MkdirAll(p.dir, 0o755); err != nil {
		return false, err
	}
	for _, name := range indexFiles {
		tmp := p.path(name) + ".tmp"
		f, err := p.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return false, err
		}
		_, err = blobstore.Download(ctx, p.archive, p.archiveKey(name), resource.NewRateLimitedWriter(ctx, f, p.rc))
		if err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = p.fsys.Remove(tmp)
			return false, fmt.Errorf("download %s: %w", name, err)
		}
		if err := p.fsys.Rename(tmp, p.path(name)); err != nil {
			return false, err
		}
	}
	p.log.Info("restored vector segment from archive", zap.String("dir", p.dir))
	return true, nil
}
