// Package coretools provides the built-in tools every agent can enable:
// sandboxed code execution and file access confined to a workspace root.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/sandbox"
	"github.com/harun/conductor/pkg/toolexecutor"
)

// Tool names.
const (
	ExecuteCode = "execute_code"
	FileRead    = "file_read"
	FileWrite   = "file_write"
	FileList    = "file_list"
	FileInfo    = "file_info"
	FileEdit    = "file_edit"
)

const defaultReadLimit = 200000

// Options configures core tool registration.
type Options struct {
	// Executor runs execute_code; nil skips the tool
	Executor *sandbox.Executor
	// Jail backs the file tools; nil skips them
	Jail *sandbox.FileJail
}

// Tools returns the core tools that opts can back.
func Tools(opts Options) []toolexecutor.Tool {
	var tools []toolexecutor.Tool
	if opts.Executor != nil {
		tools = append(tools, executeCodeTool(opts.Executor))
	}
	if opts.Jail != nil {
		tools = append(tools,
			readFileTool(opts.Jail),
			writeFileTool(opts.Jail),
			listFilesTool(opts.Jail),
			fileInfoTool(opts.Jail),
			editFileTool(opts.Jail),
		)
	}
	return tools
}

// RegisterCoreTools registers baseline runtime and filesystem tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	for _, tool := range Tools(opts) {
		if err := executor.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Spec().Name, err)
		}
	}
	return nil
}

func executeCodeTool(exec *sandbox.Executor) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name: ExecuteCode,
			Description: fmt.Sprintf("Execute a %s snippet in an isolated sandbox. Output is captured; "+
				"print a JSON value on the last line to return structured data.", exec.Config().Interpreter),
			Parameters: []toolexecutor.ToolParameter{
				{Name: "code", Type: "string", Description: "Source code to run", Required: true},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			code, _ := params["code"].(string)
			// failures are part of the result payload, not tool errors
			return exec.ExecuteEnv(ctx, code, runEnv(ctx)), nil
		},
	}
}

// runEnv exposes the invoking run to sandboxed code.
func runEnv(ctx context.Context) map[string]string {
	ec := toolexecutor.ExecContextFromContext(ctx)
	if ec == nil {
		return nil
	}
	env := make(map[string]string, 3)
	if ec.AgentID != "" {
		env["CONDUCTOR_AGENT_ID"] = ec.AgentID
	}
	if ec.RunID != "" {
		env["CONDUCTOR_RUN_ID"] = ec.RunID
	}
	if ec.ThreadID != "" {
		env["CONDUCTOR_THREAD_ID"] = ec.ThreadID
	}
	return env
}

func readFileTool(jail *sandbox.FileJail) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        FileRead,
			Description: "Read a file from the workspace.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
				{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			maxBytes := toInt64(params["max_bytes"], defaultReadLimit)

			data, truncated, err := jail.ReadFile(pathValue, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(jail *sandbox.FileJail) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        FileWrite,
			Description: "Write content to a file in the workspace, creating parent directories.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
				{Name: "content", Type: "string", Description: "File content", Required: true},
				{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			n, err := jail.WriteFile(pathValue, []byte(content), appendMode)
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"path":   pathValue,
				"bytes":  n,
				"append": appendMode,
			}, nil
		},
	}
}

func listFilesTool(jail *sandbox.FileJail) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        FileList,
			Description: "List the entries of a workspace directory.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "Directory relative to the workspace (default \".\")", Default: "."},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}

			entries, err := jail.List(pathValue)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": pathValue, "entries": entries}, nil
		},
	}
}

func fileInfoTool(jail *sandbox.FileJail) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        FileInfo,
			Description: "Describe a workspace file or directory.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "Path relative to the workspace", Required: true},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			return jail.Stat(pathValue)
		},
	}
}

func editFileTool(jail *sandbox.FileJail) toolexecutor.Definition {
	return toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        FileEdit,
			Description: "Replace text in a workspace file.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
				{Name: "search", Type: "string", Description: "Text to search for", Required: true},
				{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
				{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, errdefs.Validation("search is required")
			}

			data, _, err := jail.ReadFile(pathValue, 0)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found in %s", pathValue)
			}
			if replaceAll {
				content = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				content = strings.Replace(content, search, replace, 1)
			}

			if _, err := jail.WriteFile(pathValue, []byte(content), false); err != nil {
				return nil, err
			}

			return map[string]any{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func toInt64(value any, fallback int64) int64 {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	}
	return fallback
}
