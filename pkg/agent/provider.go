package agent

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/toolexecutor"
)

// Provider is a model backend.
type Provider interface {
	// Name is the prefix used in model references
	Name() string
	// Call performs one blocking completion.
	Call(ctx context.Context, req Request) (*Response, error)
	// Stream performs one completion, passing text deltas to onText as they
	// arrive. The returned response holds the full text and any tool calls.
	Stream(ctx context.Context, req Request, onText func(string)) (*Response, error)
}

// Request contains the parameters of one model turn.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []toolexecutor.Spec
	ToolChoice  string
	Temperature float64
	MaxTokens   int
}

// Response is the result of one model turn.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
}

// ProviderSet maps provider names to providers.
type ProviderSet struct {
	providers map[string]Provider
	def       string
	mu        sync.RWMutex
}

// NewProviderSet creates a set whose bare model references go to
// defaultProvider.
func NewProviderSet(defaultProvider string, providers ...Provider) *ProviderSet {
	s := &ProviderSet{
		providers: make(map[string]Provider, len(providers)),
		def:       defaultProvider,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Register adds or replaces a provider.
func (s *ProviderSet) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// Resolve returns the provider and bare model name for a model reference.
func (s *ProviderSet) Resolve(ref string) (Provider, string, error) {
	name, model := ParseModelRef(ref)
	if name == "" {
		name = s.def
	}
	if model == "" {
		return nil, "", errdefs.Validation("model reference %q has no model name", ref)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[name]
	if !ok {
		return nil, "", errdefs.Validation("unknown model provider %q in %q", name, ref)
	}
	return p, model, nil
}

// Names lists the registered providers.
func (s *ProviderSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// providerError tags a backend failure, leaving cancellation untouched.
func providerError(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, errdefs.ErrProvider) {
		return err
	}
	return errdefs.Provider(name, err)
}
