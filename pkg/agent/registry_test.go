package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/errdefs"
)

func TestRegistry(t *testing.T) {
	valid := Agent{ID: "a1", Name: "First", Model: "anthropic/claude-sonnet-4-5"}

	t.Run("should register and get", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(valid))

		got, err := r.Get("a1")
		require.NoError(t, err)
		assert.Equal(t, valid, got)
		assert.True(t, r.Exists("a1"))
		assert.Equal(t, 1, r.Count())
	})

	t.Run("should reject duplicates and invalid agents", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(valid))

		assert.ErrorIs(t, r.Register(valid), errdefs.ErrValidation)
		assert.ErrorIs(t, r.Register(Agent{ID: "x", Name: "X"}), errdefs.ErrValidation)
		assert.ErrorIs(t, r.Register(Agent{ID: "y", Name: "Y", Model: "m", Temperature: 2.5}), errdefs.ErrValidation)
	})

	t.Run("should return not found for unknown ids", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Get("nope")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
		assert.ErrorIs(t, r.Unregister("nope"), errdefs.ErrNotFound)
	})

	t.Run("should replace atomically", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(valid))

		err := r.Replace([]Agent{{ID: "b", Name: "B", Model: "m"}, {ID: "bad"}})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
		assert.True(t, r.Exists("a1"), "failed replace must keep the old set")

		require.NoError(t, r.Replace([]Agent{{ID: "c", Name: "C", Model: "m"}, {ID: "b", Name: "B", Model: "m"}}))
		assert.False(t, r.Exists("a1"))

		list := r.List()
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].ID)
		assert.Equal(t, "c", list[1].ID)
	})
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref, provider, model string
	}{
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5"},
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"gpt-4o", "", "gpt-4o"},
		{"/leading", "", "/leading"},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			provider, model := ParseModelRef(tt.ref)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestProviderSet_Resolve(t *testing.T) {
	set := NewProviderSet("mock", &scriptedProvider{})

	t.Run("should use the default provider for bare models", func(t *testing.T) {
		p, model, err := set.Resolve("m1")
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
		assert.Equal(t, "m1", model)
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, _, err := set.Resolve("gemini/pro")
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("should reject empty model names", func(t *testing.T) {
		_, _, err := set.Resolve("mock/")
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})
}
