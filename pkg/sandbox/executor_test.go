package sandbox

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/errdefs"
)

func newHostExecutor(t *testing.T, mutate func(*Config)) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("host sandbox tests need a POSIX shell")
	}

	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := NewExecutor(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	return exec
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("should capture stdout", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "echo hello")

		assert.True(t, res.Success)
		assert.Equal(t, "hello\n", res.Output)
		assert.Equal(t, 0, res.ExitCode)
		assert.Empty(t, res.Error)
	})

	t.Run("should decode a trailing json line as result", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "echo working\necho '{\"answer\": 42}'")

		require.True(t, res.Success)
		assert.Equal(t, map[string]any{"answer": float64(42)}, res.Result)
	})

	t.Run("should leave result empty for plain text", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "echo plain words")

		require.True(t, res.Success)
		assert.Nil(t, res.Result)
	})

	t.Run("should report stderr on a non-zero exit", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "echo partial\necho oops >&2\nexit 3")

		assert.False(t, res.Success)
		assert.Equal(t, "oops", res.Error)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "partial\n", res.Output)
	})

	t.Run("should fall back to the exit status", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "exit 2")

		assert.False(t, res.Success)
		assert.Equal(t, "exit status 2", res.Error)
	})

	t.Run("should reject empty code", func(t *testing.T) {
		res := newHostExecutor(t, nil).Execute(ctx, "   ")

		assert.False(t, res.Success)
		assert.Equal(t, "code is required", res.Error)
	})

	t.Run("should kill the process group on timeout", func(t *testing.T) {
		exec := newHostExecutor(t, func(c *Config) { c.Timeout = 200 * time.Millisecond })

		start := time.Now()
		res := exec.Execute(ctx, "sleep 30 &\nsleep 30")

		assert.False(t, res.Success)
		assert.Equal(t, "timeout", res.Error)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("should cap captured output", func(t *testing.T) {
		exec := newHostExecutor(t, func(c *Config) { c.MaxOutputBytes = 16 })

		res := exec.Execute(ctx, "i=0\nwhile [ $i -lt 100 ]; do echo line-$i; i=$((i+1)); done")

		require.True(t, res.Success)
		assert.Len(t, res.Output, 16)
		assert.True(t, res.Truncated)
	})

	t.Run("should run each snippet in a fresh directory", func(t *testing.T) {
		exec := newHostExecutor(t, nil)

		first := exec.Execute(ctx, "touch marker\nls -A")
		require.True(t, first.Success)
		assert.Equal(t, "marker\n", first.Output)

		second := exec.Execute(ctx, "ls -A")
		require.True(t, second.Success)
		assert.Empty(t, second.Output)
	})

	t.Run("should not inherit the host environment", func(t *testing.T) {
		t.Setenv("CONDUCTOR_TEST_SECRET", "leaked")
		res := newHostExecutor(t, nil).Execute(ctx, "echo ${CONDUCTOR_TEST_SECRET:-unset}")

		require.True(t, res.Success)
		assert.Equal(t, "unset\n", res.Output)
	})

	t.Run("should isolate concurrent executions", func(t *testing.T) {
		exec := newHostExecutor(t, nil)

		var wg sync.WaitGroup
		results := make([]Result, 2)
		for i, value := range []string{"1", "2"} {
			wg.Add(1)
			go func(i int, value string) {
				defer wg.Done()
				results[i] = exec.Execute(ctx, "x="+value+"\nsleep 0.2\necho $x")
			}(i, value)
		}
		wg.Wait()

		require.True(t, results[0].Success)
		require.True(t, results[1].Success)
		assert.Equal(t, float64(1), results[0].Result)
		assert.Equal(t, float64(2), results[1].Result)
	})
}

type scriptedRunner struct {
	result ExecuteResult
	err    error
	got    ExecuteRequest
}

func (r *scriptedRunner) Name() string { return "scripted" }

func (r *scriptedRunner) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	r.got = req
	return r.result, r.err
}

func TestExecutor_RunnerFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("should pass code on stdin with the configured interpreter", func(t *testing.T) {
		runner := &scriptedRunner{result: ExecuteResult{Stdout: []byte("ok\n")}}
		cfg := DefaultConfig()
		cfg.Interpreter = "python3"
		cfg.Args = []string{"-u", "-"}
		exec, err := NewExecutor(cfg, runner, zerolog.Nop())
		require.NoError(t, err)

		res := exec.Execute(ctx, "print('ok')")

		assert.True(t, res.Success)
		assert.Equal(t, "python3", runner.got.Command)
		assert.Equal(t, []string{"-u", "-"}, runner.got.Args)
		assert.Equal(t, "print('ok')", string(runner.got.Stdin))
		assert.NotEmpty(t, runner.got.WorkingDir)
		assert.Equal(t, cfg.MaxOutputBytes, runner.got.MaxOutputBytes)
	})

	t.Run("should convert a missing interpreter into a failure", func(t *testing.T) {
		runner := &scriptedRunner{result: ExecuteResult{ExitCode: -1, Error: errors.New("executable file not found")}}
		exec, err := NewExecutor(DefaultConfig(), runner, zerolog.Nop())
		require.NoError(t, err)

		res := exec.Execute(ctx, "echo hi")

		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not found")
	})

	t.Run("should report cancellation", func(t *testing.T) {
		runner := &scriptedRunner{err: context.Canceled}
		exec, err := NewExecutor(DefaultConfig(), runner, zerolog.Nop())
		require.NoError(t, err)

		res := exec.Execute(ctx, "echo hi")

		assert.False(t, res.Success)
		assert.Equal(t, context.Canceled.Error(), res.Error)
	})

	t.Run("should map runner timeouts to the timeout error", func(t *testing.T) {
		runner := &scriptedRunner{err: ErrExecutionTimeout}
		exec, err := NewExecutor(DefaultConfig(), runner, zerolog.Nop())
		require.NoError(t, err)

		res := exec.Execute(ctx, "echo hi")

		assert.Equal(t, Result{Success: false, Error: "timeout", ExitCode: -1}, res)
	})
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"default", func(c *Config) {}, nil},
		{"unknown mode", func(c *Config) { c.Mode = "vm" }, ErrInvalidMode},
		{"docker without image", func(c *Config) { c.Mode = ModeDocker; c.DockerImage = "" }, ErrDockerImageRequired},
		{"no interpreter", func(c *Config) { c.Interpreter = "" }, ErrInterpreterRequired},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidTimeout},
		{"zero output cap", func(c *Config) { c.MaxOutputBytes = 0 }, ErrInvalidOutputLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := ValidateConfig(cfg)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, errdefs.ErrValidation)
		})
	}
}

func TestNewRunner(t *testing.T) {
	cfg := DefaultConfig()
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	assert.Equal(t, "host", r.Name())

	cfg.Mode = ModeDocker
	r, err = NewRunner(cfg)
	require.NoError(t, err)
	assert.Equal(t, "docker", r.Name())
}

func TestDockerRunner_BuildDockerRunArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDocker
	cfg.DockerImage = "python:3.12-alpine"
	cfg.MaxMemoryMB = 128
	cfg.MaxProcesses = 32

	d := NewDockerRunner(cfg)
	args := d.buildDockerRunArgs("conductor-sbx-test", ExecuteRequest{
		Command:    "python3",
		Args:       []string{"-"},
		WorkingDir: "/tmp/conductor-sbx-1",
		Env:        map[string]string{"B": "2", "A": "1"},
	})

	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "run --rm -i"))
	assert.Contains(t, joined, "--name conductor-sbx-test")
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 128m")
	assert.Contains(t, joined, "--pids-limit 32")
	assert.Contains(t, joined, "-v /tmp/conductor-sbx-1:/work:rw -w /work")
	assert.Contains(t, joined, "-e A=1 -e B=2")
	assert.True(t, strings.HasSuffix(joined, "python:3.12-alpine python3 -"))
}

func TestHostRunner_RequiresCommand(t *testing.T) {
	_, err := NewHostRunner().Execute(context.Background(), ExecuteRequest{})
	assert.ErrorIs(t, err, ErrCommandRequired)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.truncated)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writes always report the full length")
	assert.Equal(t, "abcde", string(b.Bytes()))
	assert.True(t, b.truncated)

	unlimited := &cappedBuffer{}
	_, _ = unlimited.Write([]byte("0123456789"))
	assert.Equal(t, "0123456789", string(unlimited.Bytes()))
}

func TestCappedBuffer_RuneBoundary(t *testing.T) {
	t.Run("should drop a character cut by the limit", func(t *testing.T) {
		b := &cappedBuffer{limit: 4}
		_, _ = b.Write([]byte("aé日本"))

		assert.True(t, b.truncated)
		assert.Equal(t, "aé", string(b.Bytes()))
	})

	t.Run("should keep a character that fits exactly", func(t *testing.T) {
		b := &cappedBuffer{limit: 6}
		_, _ = b.Write([]byte("aé日本"))

		assert.True(t, b.truncated)
		assert.Equal(t, "aé日", string(b.Bytes()))
	})
}
