package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const containerWorkDir = "/work"

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// DockerRunner executes commands inside ephemeral, network-less containers.
// The docker client itself runs through a HostRunner.
type DockerRunner struct {
	config Config
	host   *HostRunner
}

// NewDockerRunner creates a new Docker-based runner.
func NewDockerRunner(config Config) *DockerRunner {
	if config.DockerImage == "" {
		config.DockerImage = DefaultConfig().DockerImage
	}
	return &DockerRunner{config: config, host: NewHostRunner()}
}

// Name implements Runner.
func (d *DockerRunner) Name() string { return string(ModeDocker) }

// Execute runs a command inside an ephemeral Docker container.
func (d *DockerRunner) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if req.Command == "" {
		return ExecuteResult{}, ErrCommandRequired
	}

	name := "conductor-sbx-" + uuid.NewString()[:12]
	result, err := d.host.Execute(ctx, ExecuteRequest{
		Command:        "docker",
		Args:           d.buildDockerRunArgs(name, req),
		Env:            dockerClientEnv(),
		Stdin:          req.Stdin,
		Timeout:        req.Timeout,
		MaxOutputBytes: req.MaxOutputBytes,
	})

	// killing the client does not stop the container
	if errors.Is(err, ErrExecutionTimeout) || ctx.Err() != nil {
		d.kill(name)
	}

	log.Debug().
		Str("image", d.config.DockerImage).
		Str("container", name).
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Msg("Command executed in docker sandbox")

	return result, err
}

func (d *DockerRunner) buildDockerRunArgs(name string, req ExecuteRequest) []string {
	args := []string{"run", "--rm", "-i", "--init", "--name", name, "--network", "none"}

	if d.config.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", d.config.MaxMemoryMB))
	}
	if d.config.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(d.config.MaxProcesses))
	}

	if req.WorkingDir != "" {
		args = append(args,
			"-v", fmt.Sprintf("%s:%s:rw", req.WorkingDir, containerWorkDir),
			"-w", containerWorkDir,
			"-e", "HOME="+containerWorkDir)
	}

	envKeys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, req.Env[key]))
	}

	args = append(args, d.config.DockerImage, req.Command)
	return append(args, req.Args...)
}

func (d *DockerRunner) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, "docker", "kill", name).Run(); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("Failed to kill sandbox container")
	}
}

// dockerClientEnv forwards the variables the docker CLI needs to find its daemon.
func dockerClientEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range []string{"DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY"} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}
