package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// Store is an object store holding archived segment files.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create starts a streaming write. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	Size() int64
	Close() error
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.Writer
	Close() error
	Sync() error
	// Abort discards the write. The blob never becomes visible.
	Abort() error
}

// Upload streams r into the blob name.
func Upload(ctx context.Context, s Store, name string, r io.Reader) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return errors.Join(fmt.Errorf("upload %s: %w", name, err), w.Abort())
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// Download copies the blob name into w and returns the number of bytes.
func Download(ctx context.Context, s Store, name string, w io.Writer) (int64, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.Close() }()

	if b.Size() == 0 {
		return 0, nil
	}
	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()
	return io.Copy(w, rc)
}

// DeletePrefix removes every blob under prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	names, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range names {
		if err := s.Delete(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
