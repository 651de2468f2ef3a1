package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/harun/conductor/internal/observability"
)

var metricsAddr string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Conductor service",
	Long: `Start the Conductor service in the foreground.
The service runs scheduled workflows, hot-reloads the agent catalog and
exposes Prometheus metrics until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides telemetry.metrics_addr)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("service is already running (PID file: %s)", pidFile)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	log := a.Logger

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := a.Start(); err != nil {
		return err
	}

	addr := cfg.Telemetry.MetricsAddr
	if metricsAddr != "" {
		addr = metricsAddr
	}
	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().
		Int("pid", os.Getpid()).
		Str("metrics_addr", addr).
		Int("agents", a.Agents.Count()).
		Msg("Conductor started")
	fmt.Fprintf(cmd.OutOrStdout(), "Conductor running (PID %d)\n", os.Getpid())

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return nil
}

// getPIDFilePath returns the PID file under the configured data directory,
// falling back to ~/.conductor when the config cannot be read.
func getPIDFilePath() string {
	if cfg, err := loadConfig(); err == nil {
		return pidFilePath(cfg.DataDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "conductor.pid")
	}
	return filepath.Join(home, ".conductor", "conductor.pid")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "conductor.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d", pid)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}
	// Signal 0 checks the process exists without delivering anything.
	err = unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
