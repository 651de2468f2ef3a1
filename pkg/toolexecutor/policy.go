package toolexecutor

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// AllowOnly returns a policy that enables exactly the named tools.
func AllowOnly(names ...string) *ToolPolicy {
	return &ToolPolicy{Allow: append([]string(nil), names...)}
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	// Check deny list first (overrides allow list)
	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Filter keeps the names the policy allows, preserving order.
func (tp *ToolPolicy) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if tp.IsToolAllowed(name) {
			out = append(out, name)
		}
	}
	return out
}
