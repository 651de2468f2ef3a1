package sandbox

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/errdefs"
)

// countingFs counts every call that reaches the underlying filesystem.
type countingFs struct {
	afero.Fs
	calls atomic.Int64
}

func (c *countingFs) hit() { c.calls.Add(1) }

func (c *countingFs) Create(name string) (afero.File, error) { c.hit(); return c.Fs.Create(name) }
func (c *countingFs) Mkdir(name string, perm os.FileMode) error {
	c.hit()
	return c.Fs.Mkdir(name, perm)
}
func (c *countingFs) MkdirAll(path string, perm os.FileMode) error {
	c.hit()
	return c.Fs.MkdirAll(path, perm)
}
func (c *countingFs) Open(name string) (afero.File, error) { c.hit(); return c.Fs.Open(name) }
func (c *countingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	c.hit()
	return c.Fs.OpenFile(name, flag, perm)
}
func (c *countingFs) Remove(name string) error       { c.hit(); return c.Fs.Remove(name) }
func (c *countingFs) RemoveAll(path string) error    { c.hit(); return c.Fs.RemoveAll(path) }
func (c *countingFs) Rename(o, n string) error       { c.hit(); return c.Fs.Rename(o, n) }
func (c *countingFs) Stat(name string) (os.FileInfo, error) {
	c.hit()
	return c.Fs.Stat(name)
}
func (c *countingFs) Chmod(name string, mode os.FileMode) error {
	c.hit()
	return c.Fs.Chmod(name, mode)
}
func (c *countingFs) Chown(name string, uid, gid int) error {
	c.hit()
	return c.Fs.Chown(name, uid, gid)
}
func (c *countingFs) Chtimes(name string, atime, mtime time.Time) error {
	c.hit()
	return c.Fs.Chtimes(name, atime, mtime)
}
func (c *countingFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	c.hit()
	if l, ok := c.Fs.(afero.Lstater); ok {
		return l.LstatIfPossible(name)
	}
	fi, err := c.Fs.Stat(name)
	return fi, false, err
}

func newMemJail(t *testing.T) (*FileJail, *countingFs) {
	t.Helper()
	fsys := &countingFs{Fs: afero.NewMemMapFs()}
	jail, err := NewFileJail(fsys, "/work")
	require.NoError(t, err)
	fsys.calls.Store(0)
	return jail, fsys
}

func TestFileJail_RejectsEscapesBeforeIO(t *testing.T) {
	paths := []string{
		"../../etc/passwd",
		"/etc/passwd",
		"/workshop/notes.txt",
		"sub/../../outside",
		"..",
	}

	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			jail, fsys := newMemJail(t)

			_, _, err := jail.ReadFile(p, 0)
			assert.ErrorIs(t, err, errdefs.ErrPermission)

			_, err = jail.WriteFile(p, []byte("x"), false)
			assert.ErrorIs(t, err, errdefs.ErrPermission)

			_, err = jail.List(p)
			assert.ErrorIs(t, err, errdefs.ErrPermission)

			_, err = jail.Stat(p)
			assert.ErrorIs(t, err, errdefs.ErrPermission)

			assert.Zero(t, fsys.calls.Load(), "no filesystem call may be issued for a rejected path")
		})
	}
}

func TestFileJail_Resolve(t *testing.T) {
	jail, _ := newMemJail(t)

	abs, err := jail.Resolve("notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, "/work/notes/today.md", abs)

	abs, err = jail.Resolve("/work/a/../b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/work/b.txt", abs)

	abs, err = jail.Resolve(".")
	require.NoError(t, err)
	assert.Equal(t, "/work", abs)

	_, err = jail.Resolve("bad\x00name")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestFileJail_ReadWrite(t *testing.T) {
	t.Run("should create parents and read back", func(t *testing.T) {
		jail, _ := newMemJail(t)

		n, err := jail.WriteFile("deep/nested/file.txt", []byte("hello"), false)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		data, truncated, err := jail.ReadFile("deep/nested/file.txt", 0)
		require.NoError(t, err)
		assert.False(t, truncated)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("should append when asked", func(t *testing.T) {
		jail, _ := newMemJail(t)

		_, err := jail.WriteFile("log.txt", []byte("a"), false)
		require.NoError(t, err)
		_, err = jail.WriteFile("log.txt", []byte("b"), true)
		require.NoError(t, err)

		data, _, err := jail.ReadFile("log.txt", 0)
		require.NoError(t, err)
		assert.Equal(t, "ab", string(data))
	})

	t.Run("should truncate reads at the limit", func(t *testing.T) {
		jail, _ := newMemJail(t)
		_, err := jail.WriteFile("big.txt", []byte("0123456789"), false)
		require.NoError(t, err)

		data, truncated, err := jail.ReadFile("big.txt", 4)
		require.NoError(t, err)
		assert.True(t, truncated)
		assert.Equal(t, "0123", string(data))
	})

	t.Run("should report missing files as not found", func(t *testing.T) {
		jail, _ := newMemJail(t)

		_, _, err := jail.ReadFile("missing.txt", 0)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)

		_, err = jail.Stat("missing.txt")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("should refuse to read a directory", func(t *testing.T) {
		jail, _ := newMemJail(t)
		_, err := jail.WriteFile("dir/file.txt", []byte("x"), false)
		require.NoError(t, err)

		_, _, err = jail.ReadFile("dir", 0)
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})
}

func TestFileJail_ListAndStat(t *testing.T) {
	jail, _ := newMemJail(t)
	for _, name := range []string{"b.txt", "a.txt", "sub/c.txt"} {
		_, err := jail.WriteFile(name, []byte(name), false)
		require.NoError(t, err)
	}

	entries, err := jail.List(".")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.True(t, entries[2].IsDir)
	assert.Equal(t, int64(5), entries[0].Size)

	info, err := jail.Stat("sub/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "c.txt", info.Name)
	assert.Equal(t, "sub/c.txt", info.Path)
	assert.False(t, info.IsDir)
}

func TestFileJail_RefusesSymlinks(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cret"), 0600))

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	jail, err := NewFileJail(afero.NewOsFs(), root)
	require.NoError(t, err)

	_, _, err = jail.ReadFile("link/secret.txt", 0)
	assert.ErrorIs(t, err, errdefs.ErrPermission)

	_, err = jail.WriteFile("link/new.txt", []byte("x"), false)
	assert.ErrorIs(t, err, errdefs.ErrPermission)

	_, err = os.Stat(filepath.Join(outside, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}
