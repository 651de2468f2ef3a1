// Package sandbox runs untrusted, model-requested code in a separate process
// and confines file access to a fixed root directory.
package sandbox

import (
	"context"
	"time"
	"unicode/utf8"
)

// Mode selects the process backend.
type Mode string

const (
	// ModeHost runs the interpreter as a local child process
	ModeHost Mode = "host"
	// ModeDocker runs the interpreter in an ephemeral container
	ModeDocker Mode = "docker"
)

// Config defines sandbox configuration
type Config struct {
	// Mode selects the backend (host, docker)
	Mode Mode `json:"mode"`

	// Interpreter is the program that receives code on stdin
	Interpreter string `json:"interpreter"`

	// Args are passed to the interpreter before stdin is read
	Args []string `json:"args"`

	// Timeout is the hard wall-clock budget per invocation
	Timeout time.Duration `json:"timeout"`

	// MaxOutputBytes caps captured stdout and stderr separately
	MaxOutputBytes int `json:"max_output_bytes"`

	// DockerImage is the image used in docker mode
	DockerImage string `json:"docker_image"`

	// MaxMemoryMB limits container memory in docker mode
	MaxMemoryMB int `json:"max_memory_mb"`

	// MaxProcesses limits container pids in docker mode
	MaxProcesses int `json:"max_processes"`
}

// ExecuteRequest represents a sandbox execution request
type ExecuteRequest struct {
	// Command is the command to execute
	Command string `json:"command"`

	// Args are the command arguments
	Args []string `json:"args"`

	// Env are environment variables added to the minimal base environment
	Env map[string]string `json:"env"`

	// WorkingDir is the working directory
	WorkingDir string `json:"working_dir"`

	// Stdin is the standard input
	Stdin []byte `json:"stdin"`

	// Timeout is the execution timeout
	Timeout time.Duration `json:"timeout"`

	// MaxOutputBytes caps each captured stream; zero means unlimited
	MaxOutputBytes int `json:"max_output_bytes"`
}

// ExecuteResult represents a sandbox execution result
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`

	// Error is set when the process could not be run at all
	Error error `json:"error,omitempty"`
}

// Runner executes one command in isolation. Implementations must be safe
// for concurrent use and share no state between invocations.
type Runner interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	Name() string
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Mode:           ModeHost,
		Interpreter:    "sh",
		Timeout:        10 * time.Second,
		MaxOutputBytes: 64 * 1024,
		DockerImage:    "alpine:3.20",
		MaxMemoryMB:    256,
		MaxProcesses:   64,
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	switch cfg.Mode {
	case ModeHost:
	case ModeDocker:
		if cfg.DockerImage == "" {
			return ErrDockerImageRequired
		}
	default:
		return ErrInvalidMode
	}

	if cfg.Interpreter == "" {
		return ErrInterpreterRequired
	}
	if cfg.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}

// NewRunner builds the Runner for cfg.Mode.
func NewRunner(cfg Config) (Runner, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeDocker {
		return NewDockerRunner(cfg), nil
	}
	return NewHostRunner(), nil
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the captured output. A character split by the limit is
// dropped.
func (b *cappedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf
	}
	for i := len(b.buf) - 1; i >= 0 && i >= len(b.buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b.buf[i]) {
			if !utf8.FullRune(b.buf[i:]) {
				return b.buf[:i]
			}
			break
		}
	}
	return b.buf
}
