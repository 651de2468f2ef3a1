package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/errdefs"
)

const tracerName = "conductor.toolexecutor"

// Config bounds tool execution.
type Config struct {
	// Timeout applies when the ExecutionContext does not set one
	Timeout time.Duration
	// MaxConcurrency bounds ExecuteBatch; <= 0 means one at a time
	MaxConcurrency int
	// MaxOutputBytes truncates serialized output; <= 0 uses 10KB
	MaxOutputBytes int
	Logger         zerolog.Logger
}

type registeredTool struct {
	tool   Tool
	spec   Spec
	schema *gojsonschema.Schema
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	cfg   Config
	tools map[string]*registeredTool
	mu    sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10 * 1024
	}

	cfg.Logger.Info().
		Dur("timeout", cfg.Timeout).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("Tool executor initialized")

	return &ToolExecutor{cfg: cfg, tools: make(map[string]*registeredTool)}
}

// Register adds a tool. Names must be unique.
func (te *ToolExecutor) Register(tool Tool) error {
	if tool == nil {
		return errdefs.Validation("tool cannot be nil")
	}
	spec := tool.Spec()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: invalid tool definition: %v", errdefs.ErrValidation, err)
	}
	if def, ok := tool.(Definition); ok && def.Handler == nil {
		return errdefs.Validation("tool handler cannot be nil for %s", spec.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.JSONSchema()))
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", spec.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[spec.Name]; exists {
		return errdefs.Validation("tool %s is already registered", spec.Name)
	}
	te.tools[spec.Name] = &registeredTool{tool: tool, spec: spec, schema: schema}

	te.cfg.Logger.Debug().Str("tool", spec.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool
func (te *ToolExecutor) Unregister(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()
	delete(te.tools, name)
}

// Get returns a registered tool by name
func (te *ToolExecutor) Get(name string) (Tool, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	rt, ok := te.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// List returns all registered tool names, sorted
func (te *ToolExecutor) List() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools
func (te *ToolExecutor) Count() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.tools)
}

// Specs returns the specs of the named tools in the given order. Unknown
// names are returned separately so callers can reject them.
func (te *ToolExecutor) Specs(names []string) ([]Spec, []string) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]Spec, 0, len(names))
	var missing []string
	for _, name := range names {
		rt, ok := te.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		specs = append(specs, rt.spec)
	}
	return specs, missing
}

// Execute runs one tool. Every failure is reported inside the ToolResult.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any, execCtx *ExecutionContext) ToolResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute", attribute.String("tool", toolName))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, te.cfg.Logger).With().Str("tool", toolName).Logger()

	result := te.execute(ctx, toolName, params, execCtx)
	result.Tool = toolName
	result.Duration = time.Since(start)
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	result.Metadata["duration_ms"] = result.Duration.Milliseconds()

	observability.RecordToolExecution(toolName, result.Duration, result.Success)

	if !result.Success {
		span.SetAttributes(attribute.String("error.kind", result.Kind))
		logger.Warn().
			Str("kind", result.Kind).
			Str("error", result.Error).
			Dur("duration", result.Duration).
			Msg("Tool execution failed")
		return result
	}

	logger.Debug().
		Dur("duration", result.Duration).
		Bool("truncated", result.Truncated).
		Msg("Tool execution completed")
	return result
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, params map[string]any, execCtx *ExecutionContext) ToolResult {
	if execCtx != nil && !execCtx.ToolPolicy.IsToolAllowed(toolName) {
		return failure(errdefs.Validation("tool %q is not enabled for agent %q", toolName, execCtx.AgentID))
	}

	te.mu.RLock()
	rt := te.tools[toolName]
	te.mu.RUnlock()

	if rt == nil {
		return failure(errdefs.NotFound("tool", toolName))
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := validateParameters(rt.schema, params); err != nil {
		return failure(fmt.Errorf("%w: parameter validation failed: %v", errdefs.ErrValidation, err))
	}

	timeout := te.cfg.Timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := rt.tool.Execute(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return failure(classify(toolName, out.err))
		}
		output, truncated := te.truncateOutput(out.value)
		return ToolResult{Success: true, Output: output, Truncated: truncated}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return failure(ctx.Err())
		}
		return failure(errdefs.Timeout("tool "+toolName, timeout))
	}
}

// ExecuteBatch runs the calls concurrently, bounded by MaxConcurrency, and
// returns the results in call order once all of them have finished.
func (te *ToolExecutor) ExecuteBatch(ctx context.Context, calls []Call, execCtx *ExecutionContext) []ToolResult {
	results := make([]ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(te.cfg.MaxConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			res := te.Execute(ctx, call.Name, call.Arguments, execCtx)
			res.CallID = call.ID
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// classify keeps errors that already carry a taxonomy kind and wraps the
// rest as tool execution failures.
func classify(toolName string, err error) error {
	if errdefs.Kind(err) != "internal" || errors.Is(err, context.Canceled) {
		return err
	}
	return errdefs.ToolExecution(toolName, err)
}

func failure(err error) ToolResult {
	return ToolResult{Success: false, Error: err.Error(), Kind: errdefs.Kind(err)}
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// truncateOutput truncates output if its JSON form exceeds the size limit
func (te *ToolExecutor) truncateOutput(output any) (any, bool) {
	var size int
	switch v := output.(type) {
	case string:
		size = len(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), false
		}
		size = len(data)
		if size > te.cfg.MaxOutputBytes {
			output = string(data)
		}
	}

	if size <= te.cfg.MaxOutputBytes {
		return output, false
	}

	str := output.(string)
	// back off to a rune boundary so the cut never splits a character
	cut := te.cfg.MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	te.cfg.Logger.Warn().
		Int("original", len(str)).
		Int("truncated", cut).
		Msg("Output truncated")

	return str[:cut] + "\n... [output truncated]", true
}

// Encode serializes a result the way it is fed back to the model: the
// output on success, or {"error","kind"} on failure.
func Encode(res ToolResult) string {
	var payload any
	if res.Success {
		if s, ok := res.Output.(string); ok {
			return s
		}
		payload = res.Output
	} else {
		payload = map[string]string{"error": res.Error, "kind": res.Kind}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"kind":"internal"}`, err.Error())
	}
	return string(data)
}
