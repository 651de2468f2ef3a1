// Package app wires the conductor components together. Construction order
// follows the dependency graph and Close tears down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/catalog"
	"github.com/harun/conductor/pkg/commandqueue"
	"github.com/harun/conductor/pkg/coretools"
	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/hooks"
	"github.com/harun/conductor/pkg/persona"
	"github.com/harun/conductor/pkg/sandbox"
	"github.com/harun/conductor/pkg/threadstore"
	"github.com/harun/conductor/pkg/toolexecutor"
	"github.com/harun/conductor/pkg/workflow"
)

// App is the dependency container.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Threads      threadstore.Store
	Sandbox      *sandbox.Executor
	Jail         *sandbox.FileJail
	Tools        *toolexecutor.ToolExecutor
	Personas     *persona.Scorer
	Agents       *agent.Registry
	Providers    *agent.ProviderSet
	Queue        *commandqueue.CommandQueue
	Orchestrator *agent.Orchestrator
	Workflows    *workflow.Engine
	Executor     *workflow.Executor
	Scheduler    *workflow.Scheduler
	Hooks        *hooks.Manager

	watcher        *catalog.Watcher
	tracingEnabled bool
	started        bool
	closers        []namedCloser
}

type namedCloser struct {
	name string
	fn   func(ctx context.Context) error
}

// Options tweak construction, mostly for tests.
type Options struct {
	// Providers replaces the providers built from configuration
	Providers []agent.Provider
	// Runner replaces the sandbox process runner
	Runner sandbox.Runner
}

// New builds every component. On failure everything built so far is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx, opts); err != nil {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Cleanup after failed initialization reported errors")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config
	observability.EnsureRegistered()

	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracingEnabled = true
			a.onClose("tracing", tracing.ShutdownOpenTelemetry)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// thread store
	if cfg.Store.Driver != "postgres" {
		dir := cfg.Store.Path
		if cfg.Store.Driver != "file" {
			dir = filepath.Dir(cfg.Store.Path)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	threads, err := threadstore.Open(ctx, threadstore.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
	}, threadstore.Options{
		Logger: a.component("threadstore"),
		Tokens: threadstore.DefaultTokenCounter(),
	})
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	a.Threads = threads
	a.onClose("threadstore", func(context.Context) error { return threads.Close() })
	a.Logger.Info().Str("driver", cfg.Store.Driver).Msg("Thread store initialized")

	// sandbox and tools
	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Mode = sandbox.Mode(cfg.Sandbox.Mode)
	sandboxCfg.Interpreter = cfg.Sandbox.Interpreter
	sandboxCfg.Args = cfg.Sandbox.Args
	sandboxCfg.Timeout = cfg.Sandbox.Timeout
	if cfg.Sandbox.MaxOutputBytes > 0 {
		sandboxCfg.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
	}
	if cfg.Sandbox.DockerImage != "" {
		sandboxCfg.DockerImage = cfg.Sandbox.DockerImage
	}
	if sandboxCfg.Mode == sandbox.ModeDocker {
		if err := sandbox.CheckDocker(); err != nil {
			a.Logger.Warn().Err(err).Msg("Docker is not available, execute_code will fail")
		}
	}
	a.Sandbox, err = sandbox.NewExecutor(sandboxCfg, opts.Runner, a.component("sandbox"))
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	if err := os.MkdirAll(cfg.Sandbox.RootDir, 0700); err != nil {
		return fmt.Errorf("failed to create sandbox root: %w", err)
	}
	a.Jail, err = sandbox.NewFileJail(afero.NewOsFs(), cfg.Sandbox.RootDir)
	if err != nil {
		return fmt.Errorf("failed to create file jail: %w", err)
	}

	a.Tools = toolexecutor.New(toolexecutor.Config{
		Timeout:        cfg.Tools.Timeout,
		MaxConcurrency: cfg.Tools.MaxConcurrency,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Logger:         a.component("toolexecutor"),
	})
	if err := coretools.RegisterCoreTools(a.Tools, coretools.Options{Executor: a.Sandbox, Jail: a.Jail}); err != nil {
		return err
	}
	a.Logger.Info().Strs("tools", a.Tools.List()).Msg("Core tools registered")

	// personas
	var scoreStore persona.ScoreStore
	switch cfg.Persona.Store {
	case "memory":
		scoreStore = persona.NewMemoryScoreStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Persona.Path), 0700); err != nil {
			return fmt.Errorf("failed to create persona store directory: %w", err)
		}
		s, err := persona.NewSQLiteScoreStore(cfg.Persona.Path)
		if err != nil {
			return fmt.Errorf("failed to open persona store: %w", err)
		}
		scoreStore = s
	}
	a.Personas = persona.NewScorer(persona.Config{
		Store:    scoreStore,
		MinScore: cfg.Persona.MinScore,
		Logger:   a.component("persona"),
	})
	a.onClose("persona", func(context.Context) error { return a.Personas.Close() })

	// agents and providers
	a.Agents = agent.NewRegistry()
	providers := opts.Providers
	if providers == nil {
		providers = []agent.Provider{
			agent.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL),
			agent.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL),
		}
	}
	a.Providers = agent.NewProviderSet(cfg.Providers.Default, providers...)

	if cfg.Orchestrator.SerializeThreads {
		a.Queue = commandqueue.New(commandqueue.Config{Logger: a.component("commandqueue")})
		a.onClose("commandqueue", func(context.Context) error { return a.Queue.Close() })
	}

	a.Orchestrator, err = agent.NewOrchestrator(agent.Config{
		Agents:           a.Agents,
		Providers:        a.Providers,
		Threads:          a.Threads,
		Tools:            a.Tools,
		Personas:         a.Personas,
		Queue:            a.Queue,
		MaxToolRounds:    cfg.Orchestrator.MaxToolRounds,
		DefaultMaxTokens: cfg.Orchestrator.DefaultMaxTokens,
		ToolTimeout:      cfg.Tools.Timeout,
		Logger:           a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	hookList := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		hookList = append(hookList, hooks.Hook{ID: h.ID, Event: h.Event, Script: h.Script, Timeout: h.Timeout})
	}
	a.Hooks, err = hooks.NewManager(hookList, a.Logger)
	if err != nil {
		return err
	}

	// workflows
	wfStore, err := workflow.NewFileStore(afero.NewOsFs(), cfg.Workflow.Dir)
	if err != nil {
		return fmt.Errorf("failed to open workflow store: %w", err)
	}
	a.Workflows = workflow.NewEngine(wfStore, a.component("workflow"))
	a.Executor = workflow.NewExecutor(a.Workflows, orchestratorRunner{a.Orchestrator}, a.component("workflow"))
	a.Executor.OnFinish(a.workflowFinished)
	a.Scheduler = workflow.NewScheduler(a.Executor, a.Logger)
	for _, sc := range cfg.Workflow.Schedules {
		if _, err := a.Scheduler.Add(workflow.Schedule{
			WorkflowID: sc.WorkflowID,
			Spec:       sc.Spec,
			Options:    workflow.ExecuteOptions{ChainOutput: sc.ChainOutput, SharedThread: sc.SharedThread},
		}); err != nil {
			return fmt.Errorf("invalid schedule for workflow %s: %w", sc.WorkflowID, err)
		}
	}

	// catalog
	if cfg.Catalog.Path != "" {
		if err := a.LoadCatalog(ctx); err != nil {
			return err
		}
	}

	return nil
}

// LoadCatalog reads the configured catalog and applies it.
func (a *App) LoadCatalog(ctx context.Context) error {
	f, err := catalog.Load(a.Config.Catalog.Path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			a.Logger.Warn().Str("path", a.Config.Catalog.Path).Msg("Catalog file not found, starting with empty registries")
			return nil
		}
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	return a.applyCatalog(ctx, f)
}

func (a *App) applyCatalog(ctx context.Context, f *catalog.File) error {
	return catalog.Apply(ctx, f, catalog.Targets{
		Agents:    a.Agents,
		Personas:  a.Personas,
		Workflows: a.Workflows,
	}, a.component("catalog"))
}

func (a *App) reloadCatalog(ctx context.Context, f *catalog.File) error {
	if err := a.applyCatalog(ctx, f); err != nil {
		return err
	}
	a.Hooks.TriggerAsync(ctx, hooks.EventCatalogReloaded, map[string]any{
		"path":      a.Config.Catalog.Path,
		"agents":    len(f.Agents),
		"personas":  len(f.Personas),
		"workflows": len(f.Workflows),
	})
	return nil
}

func (a *App) workflowFinished(ctx context.Context, workflowID string, exec *workflow.Execution, err error) {
	data := map[string]any{"workflow_id": workflowID}
	if exec != nil {
		data["steps"] = len(exec.Steps)
		data["thread_id"] = exec.ThreadID
		data["duration_ms"] = exec.Duration.Milliseconds()
	}
	if err != nil {
		data["error"] = err.Error()
		a.Hooks.TriggerAsync(ctx, hooks.EventWorkflowFailed, data)
		return
	}
	a.Hooks.TriggerAsync(ctx, hooks.EventWorkflowCompleted, data)
}

// Start fires the service:start hooks and launches the background services:
// the workflow scheduler and, if enabled, the catalog watcher.
func (a *App) Start() error {
	if a.started {
		return nil
	}

	if err := a.Hooks.Trigger(context.Background(), hooks.EventServiceStart, map[string]any{"agents": a.Agents.Count()}); err != nil {
		a.Logger.Warn().Err(err).Msg("Start hooks reported errors")
	}
	a.onClose("hooks", func(ctx context.Context) error {
		return a.Hooks.Trigger(ctx, hooks.EventServiceStop, nil)
	})

	if a.Config.Catalog.Watch && a.Config.Catalog.Path != "" {
		w, err := catalog.NewWatcher(catalog.WatcherConfig{
			Path:     a.Config.Catalog.Path,
			OnReload: a.reloadCatalog,
			Logger:   a.Logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		a.watcher = w
		a.onClose("catalog_watcher", func(context.Context) error { return w.Stop() })
	}

	a.Scheduler.Start()
	a.onClose("scheduler", a.Scheduler.Stop)

	a.started = true
	return nil
}

// Close tears components down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn().Err(err).Str("component", c.name).Msg("Failed to close component")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func (a *App) component(name string) zerolog.Logger {
	return a.Logger.With().Str("component", name).Logger()
}

// orchestratorRunner runs workflow steps as agent runs.
type orchestratorRunner struct {
	orch *agent.Orchestrator
}

func (r orchestratorRunner) RunAgent(ctx context.Context, agentID, threadID, input string) (workflow.RunOutput, error) {
	result, err := r.orch.Run(ctx, agentID, input, agent.RunOptions{ThreadID: threadID})
	if err != nil {
		return workflow.RunOutput{}, err
	}
	return workflow.RunOutput{
		Output:       result.Output,
		ThreadID:     result.ThreadID,
		FinishReason: string(result.FinishReason),
	}, nil
}
