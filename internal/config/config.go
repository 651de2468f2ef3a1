package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main conductor configuration
type Config struct {
	// Data directory; relative store, persona and workflow paths resolve against it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Providers    ProvidersConfig    `json:"providers" mapstructure:"providers"`
	Store        StoreConfig        `json:"store" mapstructure:"store"`
	Sandbox      SandboxConfig      `json:"sandbox" mapstructure:"sandbox"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Persona      PersonaConfig      `json:"persona" mapstructure:"persona"`
	Workflow     WorkflowConfig     `json:"workflow" mapstructure:"workflow"`
	Catalog      CatalogConfig      `json:"catalog" mapstructure:"catalog"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Telemetry    TelemetryConfig    `json:"telemetry" mapstructure:"telemetry"`
	Hooks        []HookConfig       `json:"hooks" mapstructure:"hooks"`
}

// ProvidersConfig holds model provider credentials
type ProvidersConfig struct {
	// Default provider for model references without a "provider/" prefix
	Default   string         `json:"default" mapstructure:"default"`
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
}

// ProviderConfig holds one provider's credentials
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// StoreConfig selects the memory thread store backend
type StoreConfig struct {
	Driver   string `json:"driver" mapstructure:"driver"` // file, sqlite, postgres
	Path     string `json:"path" mapstructure:"path"`     // directory for file, database file for sqlite
	DSN      string `json:"dsn" mapstructure:"dsn"`       // postgres only
	MaxConns int32  `json:"max_conns" mapstructure:"max_conns"`
}

// SandboxConfig configures code execution
type SandboxConfig struct {
	Mode           string        `json:"mode" mapstructure:"mode"` // host, docker
	Interpreter    string        `json:"interpreter" mapstructure:"interpreter"`
	Args           []string      `json:"args" mapstructure:"args"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	RootDir        string        `json:"root_dir" mapstructure:"root_dir"`
	MaxOutputBytes int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	DockerImage    string        `json:"docker_image" mapstructure:"docker_image"`
}

// ToolsConfig bounds tool dispatch
type ToolsConfig struct {
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// OrchestratorConfig tunes the run state machine
type OrchestratorConfig struct {
	MaxToolRounds    int  `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	SerializeThreads bool `json:"serialize_threads" mapstructure:"serialize_threads"`
	DefaultMaxTokens int  `json:"default_max_tokens" mapstructure:"default_max_tokens"`
}

// PersonaConfig configures the persona scorer
type PersonaConfig struct {
	Store    string  `json:"store" mapstructure:"store"` // memory, sqlite
	Path     string  `json:"path" mapstructure:"path"`
	MinScore float64 `json:"min_score" mapstructure:"min_score"`
}

// WorkflowConfig configures workflow persistence and schedules
type WorkflowConfig struct {
	Dir       string           `json:"dir" mapstructure:"dir"`
	Schedules []ScheduleConfig `json:"schedules" mapstructure:"schedules"`
}

// ScheduleConfig triggers a workflow on a cron expression
type ScheduleConfig struct {
	WorkflowID   string `json:"workflow_id" mapstructure:"workflow_id"`
	Spec         string `json:"spec" mapstructure:"spec"`
	ChainOutput  bool   `json:"chain_output" mapstructure:"chain_output"`
	SharedThread bool   `json:"shared_thread" mapstructure:"shared_thread"`
}

// CatalogConfig points at the agents/personas/workflows definition file
type CatalogConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig holds tracing and metrics settings
type TelemetryConfig struct {
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	MetricsAddr string  `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// HookConfig runs a shell script on a lifecycle event
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     "threads.db",
			MaxConns: 4,
		},
		Sandbox: SandboxConfig{
			Mode:           "host",
			Interpreter:    "sh",
			Timeout:        10 * time.Second,
			RootDir:        "workspace",
			MaxOutputBytes: 64 * 1024,
			DockerImage:    "alpine:3.20",
		},
		Tools: ToolsConfig{
			Timeout:        30 * time.Second,
			MaxConcurrency: 4,
		},
		Orchestrator: OrchestratorConfig{
			MaxToolRounds:    10,
			DefaultMaxTokens: 4096,
		},
		Persona: PersonaConfig{
			Store:    "sqlite",
			Path:     "personas.db",
			MinScore: 0.1,
		},
		Workflow: WorkflowConfig{
			Dir: "workflows",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conductor",
			SampleRatio: 1,
			MetricsAddr: ":9464",
		},
	}
}

// String returns the configuration as indented JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	masked.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)
	masked.Providers.OpenAI.APIKey = mask(c.Providers.OpenAI.APIKey)
	masked.Store.DSN = mask(c.Store.DSN)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
