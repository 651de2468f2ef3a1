package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/harun/conductor/pkg/errdefs"
)

// FileStore keeps one JSON document per workflow under a directory.
type FileStore struct {
	fs      afero.Fs
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a file store rooted at baseDir on fsys. A nil fsys
// means the OS filesystem.
func NewFileStore(fsys afero.Fs, baseDir string) (*FileStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}
	return &FileStore{fs: fsys, baseDir: baseDir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errdefs.Validation("invalid workflow id %q", id)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}

// Save writes the workflow atomically.
func (s *FileStore) Save(ctx context.Context, wf *Workflow) error {
	path, err := s.path(wf.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace workflow file: %w", err)
	}
	return nil
}

// Get reads one workflow.
func (s *FileStore) Get(ctx context.Context, id string) (*Workflow, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(path, id)
}

func (s *FileStore) read(path, id string) (*Workflow, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("workflow", id)
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	return &wf, nil
}

// List returns all workflows ordered by creation time, then id. Corrupt
// files are skipped.
func (s *FileStore) List(ctx context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var out []*Workflow
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		wf, err := s.read(filepath.Join(s.baseDir, entry.Name()), id)
		if err != nil {
			continue
		}
		out = append(out, wf)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes a workflow and reports whether it existed.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	path, err := s.path(id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove workflow file: %w", err)
	}
	return true, nil
}
