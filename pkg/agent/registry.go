package agent

import (
	"sort"
	"sync"

	"github.com/harun/conductor/pkg/errdefs"
)

// Registry holds agent configurations.
type Registry struct {
	agents map[string]Agent
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent.
func (r *Registry) Register(a Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return errdefs.Validation("agent already registered: %s", a.ID)
	}

	r.agents[a.ID] = a
	return nil
}

// Replace swaps every agent at once. Nothing changes if any agent is invalid.
func (r *Registry) Replace(agents []Agent) error {
	next := make(map[string]Agent, len(agents))
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := next[a.ID]; dup {
			return errdefs.Validation("duplicate agent id: %s", a.ID)
		}
		next[a.ID] = a
	}

	r.mu.Lock()
	r.agents = next
	r.mu.Unlock()
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return errdefs.NotFound("agent", id)
	}

	delete(r.agents, id)
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[id]
	if !exists {
		return Agent{}, errdefs.NotFound("agent", id)
	}

	return a, nil
}

// List returns every agent ordered by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exists reports whether an agent is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[id]
	return exists
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
