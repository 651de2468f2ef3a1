package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not found", NotFound("agent", "a1"), "not_found"},
		{"validation", Validation("rating %v out of range", 1.5), "validation"},
		{"permission", Permission("../etc/passwd"), "permission"},
		{"timeout", Timeout("execute_code", time.Second), "timeout"},
		{"provider", Provider("openai", errors.New("503")), "provider"},
		{"tool", ToolExecution("file_read", errors.New("boom")), "tool_execution"},
		{"wrapped twice", fmt.Errorf("run: %w", NotFound("thread", "t1")), "not_found"},
		{"plain", errors.New("boom"), "internal"},
		{"canceled", context.Canceled, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestWrapping(t *testing.T) {
	t.Run("should keep the cause reachable", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Provider("anthropic", cause)

		assert.ErrorIs(t, err, ErrProvider)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "anthropic")
	})

	t.Run("should return nil for nil causes", func(t *testing.T) {
		assert.NoError(t, Provider("openai", nil))
		assert.NoError(t, ToolExecution("exec", nil))
	})

	t.Run("should describe not found entities", func(t *testing.T) {
		err := NotFound("workflow", "wf-1")
		assert.True(t, IsNotFound(err))
		assert.False(t, IsValidation(err))
		assert.Equal(t, `not found: workflow "wf-1"`, err.Error())
	})
}
