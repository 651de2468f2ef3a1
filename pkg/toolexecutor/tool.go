package toolexecutor

import (
	"context"
	"fmt"
	"time"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	// Items is the element type for array parameters
	Items string `json:"items,omitempty"`
	// Enum restricts string parameters to fixed values
	Enum []string `json:"enum,omitempty"`
}

// Spec is the model-facing description of a tool.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// Tool is a named capability the model can invoke.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// Definition adapts a plain handler function to Tool.
type Definition struct {
	ToolSpec Spec
	Handler  ToolHandler
}

// Spec implements Tool.
func (d Definition) Spec() Spec { return d.ToolSpec }

// Execute implements Tool.
func (d Definition) Execute(ctx context.Context, params map[string]any) (any, error) {
	return d.Handler(ctx, params)
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	AgentID    string
	RunID      string
	ThreadID   string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

// Call is one model-issued tool invocation.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	CallID    string         `json:"call_id,omitempty"`
	Tool      string         `json:"tool"`
	Success   bool           `json:"success"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Duration  time.Duration  `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Validate checks a tool spec for registration.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if s.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}

	seen := make(map[string]bool, len(s.Parameters))
	for _, param := range s.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Items != "" && !validTypes[param.Items] {
			return fmt.Errorf("invalid item type %s for %s", param.Items, param.Name)
		}
	}
	return nil
}

// JSONSchema renders the parameters as a JSON Schema object, the shape both
// model providers expect for tool input.
func (s Spec) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	required := []string{}

	for _, param := range s.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if param.Type == "array" {
			items := param.Items
			if items == "" {
				items = "string"
			}
			paramSchema["items"] = map[string]any{"type": items}
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// RequiredNames lists the required parameter names in declaration order.
func (s Spec) RequiredNames() []string {
	var names []string
	for _, param := range s.Parameters {
		if param.Required {
			names = append(names, param.Name)
		}
	}
	return names
}
