package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CONDUCTOR"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means
// ~/.conductor/config.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, applies CONDUCTOR_* environment overrides,
// resolves relative paths against the data directory and validates the result.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("data_dir", cfg.DataDir)
	v.Set("providers", cfg.Providers)
	v.Set("store", cfg.Store)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("tools", cfg.Tools)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("persona", cfg.Persona)
	v.Set("workflow", cfg.Workflow)
	v.Set("catalog", cfg.Catalog)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("hooks", cfg.Hooks)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".conductor", "config.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// setDefaults registers every leaf key so AutomaticEnv can override keys
// the config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("providers.default", d.Providers.Default)
	v.SetDefault("providers.anthropic.api_key", d.Providers.Anthropic.APIKey)
	v.SetDefault("providers.anthropic.base_url", d.Providers.Anthropic.BaseURL)
	v.SetDefault("providers.openai.api_key", d.Providers.OpenAI.APIKey)
	v.SetDefault("providers.openai.base_url", d.Providers.OpenAI.BaseURL)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_conns", d.Store.MaxConns)

	v.SetDefault("sandbox.mode", d.Sandbox.Mode)
	v.SetDefault("sandbox.interpreter", d.Sandbox.Interpreter)
	v.SetDefault("sandbox.args", d.Sandbox.Args)
	v.SetDefault("sandbox.timeout", d.Sandbox.Timeout)
	v.SetDefault("sandbox.root_dir", d.Sandbox.RootDir)
	v.SetDefault("sandbox.max_output_bytes", d.Sandbox.MaxOutputBytes)
	v.SetDefault("sandbox.docker_image", d.Sandbox.DockerImage)

	v.SetDefault("tools.timeout", d.Tools.Timeout)
	v.SetDefault("tools.max_concurrency", d.Tools.MaxConcurrency)

	v.SetDefault("orchestrator.max_tool_rounds", d.Orchestrator.MaxToolRounds)
	v.SetDefault("orchestrator.serialize_threads", d.Orchestrator.SerializeThreads)
	v.SetDefault("orchestrator.default_max_tokens", d.Orchestrator.DefaultMaxTokens)

	v.SetDefault("persona.store", d.Persona.Store)
	v.SetDefault("persona.path", d.Persona.Path)
	v.SetDefault("persona.min_score", d.Persona.MinScore)

	v.SetDefault("workflow.dir", d.Workflow.Dir)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.redaction", d.Logging.Redaction)

	v.SetDefault("telemetry.tracing", d.Telemetry.Tracing)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
}

// resolvePaths fills DataDir and makes relative file paths absolute under it.
func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".conductor")
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}

	c.Store.Path = resolve(c.Store.Path)
	c.Sandbox.RootDir = resolve(c.Sandbox.RootDir)
	c.Persona.Path = resolve(c.Persona.Path)
	c.Workflow.Dir = resolve(c.Workflow.Dir)
	c.Catalog.Path = resolve(c.Catalog.Path)
	c.Logging.File = resolve(c.Logging.File)
	return nil
}
