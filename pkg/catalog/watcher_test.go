package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher(t *testing.T) {
	t.Run("should require a path and a callback", func(t *testing.T) {
		_, err := NewWatcher(WatcherConfig{OnReload: func(context.Context, *File) error { return nil }})
		assert.Error(t, err)

		_, err = NewWatcher(WatcherConfig{Path: "catalog.yaml"})
		assert.Error(t, err)
	})

	t.Run("should reload on change and skip invalid files", func(t *testing.T) {
		path := writeFile(t, "catalog.yaml", "agents: []\n")

		reloads := make(chan *File, 4)
		w, err := NewWatcher(WatcherConfig{
			Path:               path,
			StabilityThreshold: 20 * time.Millisecond,
			OnReload: func(ctx context.Context, f *File) error {
				reloads <- f
				return nil
			},
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("agents:\n  - {id: a, name: A, model: m}\n"), 0600))

		select {
		case f := <-reloads:
			require.Len(t, f.Agents, 1)
			assert.Equal(t, "a", f.Agents[0].ID)
		case <-time.After(3 * time.Second):
			t.Fatal("catalog was not reloaded")
		}

		require.NoError(t, os.WriteFile(path, []byte("agents: ["), 0600))

		select {
		case <-reloads:
			t.Fatal("an invalid catalog must not be applied")
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("should stop idempotently", func(t *testing.T) {
		path := writeFile(t, "catalog.yaml", "")
		w, err := NewWatcher(WatcherConfig{
			Path:     path,
			OnReload: func(context.Context, *File) error { return nil },
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())

		assert.NoError(t, w.Stop())
		assert.NoError(t, w.Stop())
	})
}
