package config

import (
	"strings"

	"github.com/harun/conductor/pkg/errdefs"
)

var (
	storeDrivers   = []string{"file", "sqlite", "postgres"}
	personaStores  = []string{"memory", "sqlite"}
	sandboxModes   = []string{"host", "docker"}
	knownProviders = []string{"anthropic", "openai"}
)

// Validate rejects configurations that would fail later at construction time.
// It runs before any component is built, so nothing durable is touched.
func Validate(cfg *Config) error {
	if !oneOf(cfg.Providers.Default, knownProviders) {
		return errdefs.Validation("providers.default must be one of %s, got %q", strings.Join(knownProviders, ", "), cfg.Providers.Default)
	}

	if !oneOf(cfg.Store.Driver, storeDrivers) {
		return errdefs.Validation("store.driver must be one of %s, got %q", strings.Join(storeDrivers, ", "), cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return errdefs.Validation("store.dsn is required for the postgres driver")
	}
	if cfg.Store.Driver != "postgres" && cfg.Store.Path == "" {
		return errdefs.Validation("store.path is required for the %s driver", cfg.Store.Driver)
	}

	if !oneOf(cfg.Sandbox.Mode, sandboxModes) {
		return errdefs.Validation("sandbox.mode must be one of %s, got %q", strings.Join(sandboxModes, ", "), cfg.Sandbox.Mode)
	}
	if cfg.Sandbox.Timeout <= 0 {
		return errdefs.Validation("sandbox.timeout must be positive")
	}
	if cfg.Sandbox.Interpreter == "" {
		return errdefs.Validation("sandbox.interpreter cannot be empty")
	}
	if cfg.Sandbox.Mode == "docker" && cfg.Sandbox.DockerImage == "" {
		return errdefs.Validation("sandbox.docker_image is required in docker mode")
	}
	if cfg.Sandbox.MaxOutputBytes < 0 {
		return errdefs.Validation("sandbox.max_output_bytes must be >= 0")
	}

	if cfg.Tools.Timeout <= 0 {
		return errdefs.Validation("tools.timeout must be positive")
	}
	// a sandbox timeout has to surface as a tool result, not a tool timeout
	if cfg.Sandbox.Timeout >= cfg.Tools.Timeout {
		return errdefs.Validation("sandbox.timeout (%s) must be less than tools.timeout (%s)", cfg.Sandbox.Timeout, cfg.Tools.Timeout)
	}
	if cfg.Tools.MaxConcurrency < 1 {
		return errdefs.Validation("tools.max_concurrency must be >= 1")
	}

	if cfg.Orchestrator.MaxToolRounds < 1 {
		return errdefs.Validation("orchestrator.max_tool_rounds must be >= 1")
	}
	if cfg.Orchestrator.DefaultMaxTokens < 0 {
		return errdefs.Validation("orchestrator.default_max_tokens must be >= 0")
	}

	if !oneOf(cfg.Persona.Store, personaStores) {
		return errdefs.Validation("persona.store must be one of %s, got %q", strings.Join(personaStores, ", "), cfg.Persona.Store)
	}
	if cfg.Persona.MinScore < 0 || cfg.Persona.MinScore > 1 {
		return errdefs.Validation("persona.min_score must be within [0,1]")
	}

	for i, s := range cfg.Workflow.Schedules {
		if s.WorkflowID == "" || s.Spec == "" {
			return errdefs.Validation("workflow.schedules[%d] needs workflow_id and spec", i)
		}
	}

	for i, h := range cfg.Hooks {
		if strings.TrimSpace(h.Event) == "" || strings.TrimSpace(h.Script) == "" {
			return errdefs.Validation("hooks[%d] needs event and script", i)
		}
		if h.Timeout < 0 {
			return errdefs.Validation("hooks[%d].timeout must be >= 0", i)
		}
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errdefs.Validation("telemetry.sample_ratio must be within [0,1]")
	}

	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
