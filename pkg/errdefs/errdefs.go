// Package errdefs defines the error taxonomy shared by the orchestration core.
//
// Every error surfaced by the core wraps exactly one of the sentinels below so
// callers can classify it with errors.Is regardless of which package raised it.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown agents, workflows, threads and personas
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input such as ratings, limits or tool parameters
	ErrValidation = errors.New("validation error")

	// ErrToolExecution is returned when a tool fails; it is reported to the model, not the caller
	ErrToolExecution = errors.New("tool execution error")

	// ErrProvider is returned when the model backend fails
	ErrProvider = errors.New("provider error")

	// ErrPermission is returned when a path escapes the sandbox root
	ErrPermission = errors.New("permission denied")

	// ErrTimeout is returned when a sandbox invocation exceeds its wall-clock budget
	ErrTimeout = errors.New("timeout")
)

// NotFound builds an ErrNotFound for the given kind of entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Validation builds an ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission builds an ErrPermission for a rejected path.
func Permission(path string) error {
	return fmt.Errorf("%w: path %q escapes sandbox root", ErrPermission, path)
}

// Provider wraps a model backend failure.
func Provider(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, provider, err)
}

// Timeout builds an ErrTimeout for an operation that exceeded d.
func Timeout(op string, d time.Duration) error {
	return fmt.Errorf("%w: %s exceeded %s", ErrTimeout, op, d)
}

// ToolExecution wraps a failure raised by a tool.
func ToolExecution(tool string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrToolExecution, tool, err)
}

// Kind returns the taxonomy name of err, or "internal" when it wraps none of the sentinels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrToolExecution):
		return "tool_execution"
	default:
		return "internal"
	}
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
