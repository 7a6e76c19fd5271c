package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	data := []byte("hello world, this is a test blob")

	w, err := store.Create(ctx, "seg/data.bin")
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	names, err := store.List(ctx, "seg/")
	require.NoError(t, err)
	assert.Empty(t, names, "blob is invisible before Close")

	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "seg/data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.Size())

	buf := make([]byte, 5)
	n, err = b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	rc, err := b.ReadRange(ctx, 0, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, rc.Close())
	require.NoError(t, b.Close())

	require.NoError(t, store.Put(ctx, "seg/meta.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "other/x", []byte("x")))
	names, err = store.List(ctx, "seg/")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg/data.bin", "seg/meta.json"}, names)

	aborted, err := store.Create(ctx, "seg/aborted")
	require.NoError(t, err)
	_, err = aborted.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, aborted.Abort())
	_, err = store.Open(ctx, "seg/aborted")
	assert.ErrorIs(t, err, ErrNotFound)

	var out bytes.Buffer
	size, err := Download(ctx, store, "seg/data.bin", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, data, out.Bytes())

	require.NoError(t, Upload(ctx, store, "seg/up", bytes.NewReader([]byte("streamed"))))
	out.Reset()
	_, err = Download(ctx, store, "seg/up", &out)
	require.NoError(t, err)
	assert.Equal(t, "streamed", out.String())

	require.NoError(t, DeletePrefix(ctx, store, "seg/"))
	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"other/x"}, names)

	require.NoError(t, store.Delete(ctx, "missing"))
	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	testStore(t, NewLocalStore(dir))

	_, err := os.Stat(filepath.Join(dir, "other", "x"))
	require.NoError(t, err)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	testStore(t, m)
	assert.Equal(t, 1, m.Len())
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	names, err := NewLocalStore(filepath.Join(t.TempDir(), "absent")).List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
