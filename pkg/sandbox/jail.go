package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/errdefs"
	"github.com/spf13/afero"
)

// Entry describes one file or directory inside the jail.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// FileJail confines file operations to a root directory. Every path is
// resolved lexically and checked against the root before the filesystem
// is touched.
type FileJail struct {
	fs   afero.Fs
	root string
}

// NewFileJail creates the jail, creating root if it does not exist.
func NewFileJail(fsys afero.Fs, root string) (*FileJail, error) {
	if root == "" {
		return nil, errdefs.Validation("sandbox root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := fsys.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &FileJail{fs: fsys, root: abs}, nil
}

// Root returns the absolute root directory.
func (j *FileJail) Root() string { return j.root }

// Resolve maps p to an absolute path under the root. Relative paths are
// joined to the root; absolute paths must already lie inside it. It never
// touches the filesystem.
func (j *FileJail) Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", errdefs.Validation("path contains a null byte")
	}

	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(j.root, p)
	}

	if abs != j.root && !strings.HasPrefix(abs, j.root+string(filepath.Separator)) {
		return "", errdefs.Permission(p)
	}
	return abs, nil
}

// resolve runs the lexical check, then refuses symlinks anywhere between
// the root and the target when the filesystem can report them.
func (j *FileJail) resolve(p string) (string, error) {
	abs, err := j.Resolve(p)
	if err != nil {
		return "", err
	}

	lst, ok := j.fs.(afero.Lstater)
	if !ok || abs == j.root {
		return abs, nil
	}

	rel, _ := filepath.Rel(j.root, abs)
	cur := j.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, lstatCalled, err := lst.LstatIfPossible(cur)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return "", err
		}
		if lstatCalled && info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: path %q traverses a symlink", errdefs.ErrPermission, p)
		}
	}
	return abs, nil
}

// ReadFile returns up to limit bytes of the file; limit <= 0 reads it all.
// The bool reports whether the content was cut short.
func (j *FileJail) ReadFile(p string, limit int64) ([]byte, bool, error) {
	abs, err := j.resolve(p)
	if err != nil {
		return nil, false, err
	}

	f, err := j.fs.Open(abs)
	if err != nil {
		return nil, false, j.mapErr(p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, j.mapErr(p, err)
	}
	if info.IsDir() {
		return nil, false, errdefs.Validation("%q is a directory", p)
	}

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", p, err)
	}
	return data, limit > 0 && info.Size() > limit, nil
}

// WriteFile writes data to p, creating parent directories inside the root.
// It returns the number of bytes written.
func (j *FileJail) WriteFile(p string, data []byte, appendMode bool) (int, error) {
	abs, err := j.resolve(p)
	if err != nil {
		return 0, err
	}
	if abs == j.root {
		return 0, errdefs.Validation("cannot write to the sandbox root")
	}

	if err := j.fs.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := j.fs.OpenFile(abs, flags, 0644)
	if err != nil {
		return 0, j.mapErr(p, err)
	}

	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %q: %w", p, err)
	}
	return n, nil
}

// List returns the entries of directory p sorted by name.
func (j *FileJail) List(p string) ([]Entry, error) {
	abs, err := j.resolve(p)
	if err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(j.fs, abs)
	if err != nil {
		return nil, j.mapErr(p, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, j.entry(filepath.Join(abs, info.Name()), info))
	}
	return entries, nil
}

// Stat describes p.
func (j *FileJail) Stat(p string) (Entry, error) {
	abs, err := j.resolve(p)
	if err != nil {
		return Entry{}, err
	}

	info, err := j.fs.Stat(abs)
	if err != nil {
		return Entry{}, j.mapErr(p, err)
	}
	return j.entry(abs, info), nil
}

func (j *FileJail) entry(abs string, info os.FileInfo) Entry {
	rel, err := filepath.Rel(j.root, abs)
	if err != nil {
		rel = info.Name()
	}
	return Entry{
		Name:    info.Name(),
		Path:    filepath.ToSlash(rel),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
	}
}

func (j *FileJail) mapErr(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errdefs.NotFound("file", p)
	}
	return fmt.Errorf("%s: %w", p, err)
}
