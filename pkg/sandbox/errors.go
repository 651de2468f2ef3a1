package sandbox

import (
	"errors"
	"fmt"

	"github.com/harun/conductor/pkg/errdefs"
)

var (
	// ErrInvalidMode is returned when the sandbox mode is invalid
	ErrInvalidMode = fmt.Errorf("%w: invalid sandbox mode", errdefs.ErrValidation)

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = fmt.Errorf("%w: invalid timeout (must be > 0)", errdefs.ErrValidation)

	// ErrInvalidOutputLimit is returned when the output cap is invalid
	ErrInvalidOutputLimit = fmt.Errorf("%w: invalid output limit (must be > 0)", errdefs.ErrValidation)

	// ErrInterpreterRequired is returned when no interpreter is configured
	ErrInterpreterRequired = fmt.Errorf("%w: interpreter is required", errdefs.ErrValidation)

	// ErrDockerImageRequired is returned when docker mode is enabled without an image
	ErrDockerImageRequired = fmt.Errorf("%w: docker image is required for docker mode", errdefs.ErrValidation)

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = fmt.Errorf("execution timed out: %w", errdefs.ErrTimeout)

	// ErrCommandRequired is returned when a request names no command
	ErrCommandRequired = errors.New("command is required")
)
