package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "segment")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	p := filepath.Join(dir, "header.bin")
	f, err := lfs.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	info, err := lfs.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	ok, err := Exists(lfs, p)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(lfs, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lfs.RemoveAll(dir))
	ok, err = Exists(lfs, dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 32), 0o644))

	n, err := DirSize(Default, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = DirSize(Default, filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index_metadata.json")

	require.NoError(t, WriteFileAtomic(Default, p, []byte(`{"a":1}`), true))
	data, err := ReadFile(Default, p)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	ffs := NewFaultyFS(nil)
	ffs.AddRule("index_metadata.json", Fault{FailAfterBytes: -1, FailOnRename: true})
	err = WriteFileAtomic(ffs, p, []byte(`{"a":2}`), false)
	assert.ErrorIs(t, err, ErrInjected)

	data, err = ReadFile(Default, p)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data), "failed rename must leave the old file")
}

func TestFaultyFSWriteLimit(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("disk full")

	ffs := NewFaultyFS(nil)
	ffs.AddRule("log.wal", Fault{FailAfterBytes: 4, Err: boom})

	f, err := ffs.OpenFile(filepath.Join(dir, "log.wal"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("abcd"))
	require.NoError(t, err)
	_, err = f.Write([]byte("e"))
	assert.ErrorIs(t, err, boom)

	other, err := ffs.OpenFile(filepath.Join(dir, "other"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Write([]byte("unaffected"))
	assert.NoError(t, err)
}

func TestFaultyFSGlobalLimitAndSync(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.SetLimit(3)
	ffs.AddRule("synced", Fault{FailAfterBytes: -1, FailOnSync: true, FailOnClose: true})

	f, err := ffs.OpenFile(filepath.Join(dir, "synced"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ffs.Written())

	_, err = f.Write([]byte("d"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, f.Close(), ErrInjected)

	ffs.ClearRules()
	g, err := ffs.OpenFile(filepath.Join(dir, "synced"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	assert.NoError(t, g.Sync())
	assert.NoError(t, g.Close())
}

func TestFaultyFSFailOnOpen(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("locked", Fault{FailAfterBytes: -1, FailOnOpen: true})
	_, err := ffs.OpenFile(filepath.Join(t.TempDir(), "locked"), os.O_CREATE|os.O_RDWR, 0o644)
	assert.ErrorIs(t, err, ErrInjected)
}

func TestFaultyFSFailOnOpenWithFlags(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("data", Fault{FailAfterBytes: -1, FailOnOpen: true, OpenFlags: os.O_APPEND})
	path := filepath.Join(t.TempDir(), "data")

	f, err := ffs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ffs.OpenFile(path, os.O_APPEND|os.O_RDWR, 0o644)
	assert.ErrorIs(t, err, ErrInjected)
}
