package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostRunner executes commands as local child processes. Each invocation
// gets its own process group, which is killed as a whole on timeout.
type HostRunner struct{}

// NewHostRunner creates a new host runner
func NewHostRunner() *HostRunner {
	return &HostRunner{}
}

// Name implements Runner.
func (h *HostRunner) Name() string { return string(ModeHost) }

// Execute runs a command on the host
func (h *HostRunner) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, ErrCommandRequired
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = buildEnvironment(req.WorkingDir, req.Env)

	stdout := &cappedBuffer{limit: req.MaxOutputBytes}
	stderr := &cappedBuffer{limit: req.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	configureProcessGroup(cmd)
	// grandchildren holding the pipes open must not stall Wait forever
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	// Check for timeout first
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		result.Error = ErrExecutionTimeout
		return result, ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = err
		}
	}

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in sandbox")

	return result, nil
}

// buildEnvironment builds the environment variables for the command
func buildEnvironment(workDir string, env map[string]string) []string {
	home := workDir
	if home == "" {
		home = "/tmp"
	}

	// Start with minimal environment
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%s", key, env[key]))
	}

	return result
}
