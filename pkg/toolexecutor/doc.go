// Package toolexecutor registers and executes structured tools for agents.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - Tool failures are returned as data (ToolResult), never as Go errors,
//   so a failing tool cannot abort the run that invoked it.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{Timeout: 30 * time.Second})
//	_ = exec.Register(toolexecutor.Definition{
//		ToolSpec: toolexecutor.Spec{
//			Name:        "echo",
//			Description: "Echo input",
//			Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		},
//		Handler: func(ctx context.Context, params map[string]any) (any, error) { return params["text"], nil },
//	})
package toolexecutor
