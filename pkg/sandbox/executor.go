package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/harun/conductor/internal/observability"
	"github.com/rs/zerolog"
)

// Result is the outcome of one code execution. On failure only Error (and
// whatever output was captured) is meaningful.
type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Executor runs code snippets through a Runner. Every call gets a fresh
// working directory that is removed afterwards.
type Executor struct {
	config Config
	runner Runner
	logger zerolog.Logger
}

// NewExecutor validates cfg and builds an executor. A nil runner selects
// the backend from cfg.Mode.
func NewExecutor(cfg Config, runner Runner, logger zerolog.Logger) (*Executor, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if runner == nil {
		var err error
		if runner, err = NewRunner(cfg); err != nil {
			return nil, err
		}
	}
	return &Executor{config: cfg, runner: runner, logger: logger}, nil
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.config }

// Execute runs code and converts every failure, including timeouts and
// interpreter crashes, into an unsuccessful Result.
func (e *Executor) Execute(ctx context.Context, code string) Result {
	return e.ExecuteEnv(ctx, code, nil)
}

// ExecuteEnv is Execute with extra variables added to the sandbox's
// minimal environment.
func (e *Executor) ExecuteEnv(ctx context.Context, code string, env map[string]string) Result {
	if strings.TrimSpace(code) == "" {
		return e.fail("code is required", "failure")
	}

	workDir, err := os.MkdirTemp("", "conductor-sbx-*")
	if err != nil {
		return e.fail(fmt.Sprintf("failed to create working directory: %v", err), "failure")
	}
	defer os.RemoveAll(workDir)

	res, err := e.runner.Execute(ctx, ExecuteRequest{
		Command:        e.config.Interpreter,
		Args:           e.config.Args,
		Env:            env,
		WorkingDir:     workDir,
		Stdin:          []byte(code),
		Timeout:        e.config.Timeout,
		MaxOutputBytes: e.config.MaxOutputBytes,
	})

	switch {
	case errors.Is(err, ErrExecutionTimeout):
		e.logger.Warn().Dur("timeout", e.config.Timeout).Str("runner", e.runner.Name()).Msg("Sandbox execution timed out")
		return e.fail("timeout", "timeout")
	case err != nil:
		return e.fail(err.Error(), "failure")
	case res.Error != nil:
		return e.fail(res.Error.Error(), "failure")
	}

	out := Result{
		Output:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		DurationMS: res.Duration.Milliseconds(),
	}

	if res.ExitCode != 0 {
		out.Error = strings.TrimSpace(string(res.Stderr))
		if out.Error == "" {
			out.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		observability.RecordSandboxExecution("failure")
		return out
	}

	out.Success = true
	out.Result = trailingJSON(res.Stdout)
	observability.RecordSandboxExecution("success")

	e.logger.Debug().
		Str("runner", e.runner.Name()).
		Int("output_bytes", len(res.Stdout)).
		Int64("duration_ms", out.DurationMS).
		Msg("Sandbox execution finished")

	return out
}

func (e *Executor) fail(msg, outcome string) Result {
	observability.RecordSandboxExecution(outcome)
	return Result{Success: false, Error: msg, ExitCode: -1}
}

// trailingJSON decodes the last non-empty stdout line when it is valid JSON.
func trailingJSON(stdout []byte) any {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 || !json.Valid(last) {
		return nil
	}
	var v any
	if err := json.Unmarshal(last, &v); err != nil {
		return nil
	}
	return v
}
