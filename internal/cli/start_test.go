package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"start", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Start the Conductor service")
		assert.Contains(t, helpText, "metrics-addr")
	})
}

func TestGetPIDFilePath(t *testing.T) {
	isolate(t)
	dir := os.Getenv("CONDUCTOR_DATA_DIR")

	path := getPIDFilePath()
	assert.Equal(t, filepath.Join(dir, "conductor.pid"), path)
}

func TestIsRunning(t *testing.T) {
	t.Run("should report false without a pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nonexistent.pid")
		assert.False(t, isRunning(pidFile))
	})

	t.Run("should report false for garbage", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0o644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("should report true for a live process", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "self.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
		assert.True(t, isRunning(pidFile))
	})
}

func TestWritePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "conductor.pid")
	require.NoError(t, writePIDFile(pidFile))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
