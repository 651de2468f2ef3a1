// Package catalog loads agent, persona and workflow definitions from a
// single YAML or JSON file and applies them to the running registries.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/persona"
	"github.com/harun/conductor/pkg/workflow"
)

// File is the on-disk catalog.
type File struct {
	Agents    []agent.Agent       `json:"agents" yaml:"agents"`
	Personas  []persona.Persona   `json:"personas" yaml:"personas"`
	Workflows []workflow.Workflow `json:"workflows" yaml:"workflows"`
}

// Format is the catalog encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errdefs.Validation("unsupported catalog format: %s (supported: .json, .yaml, .yml)", filepath.Ext(path))
	}
}

// Load reads, parses and validates a catalog file.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, errdefs.Validation("catalog path is required")
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("catalog", path)
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates catalog data. Unknown fields are rejected so
// typos surface at load time.
func Parse(data []byte, format Format) (*File, error) {
	var f File

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, errdefs.Validation("failed to parse JSON catalog: %v", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, errdefs.Validation("failed to parse YAML catalog: %v", err)
		}
	default:
		return nil, errdefs.Validation("unsupported catalog format %q", format)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry, id uniqueness, and that workflow steps and
// agent persona references resolve inside the catalog.
func (f *File) Validate() error {
	agents := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent at index %d is invalid: %w", i, err)
		}
		if agents[a.ID] {
			return errdefs.Validation("duplicate agent id: %s", a.ID)
		}
		agents[a.ID] = true
	}

	personas := make(map[string]bool, len(f.Personas))
	for i, p := range f.Personas {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("persona at index %d is invalid: %w", i, err)
		}
		if personas[p.ID] {
			return errdefs.Validation("duplicate persona id: %s", p.ID)
		}
		personas[p.ID] = true
	}

	for _, a := range f.Agents {
		if a.PersonaID != "" && !personas[a.PersonaID] {
			return errdefs.Validation("agent %s references unknown persona %s", a.ID, a.PersonaID)
		}
	}

	workflows := make(map[string]bool, len(f.Workflows))
	for i, wf := range f.Workflows {
		if wf.ID == "" || wf.Name == "" {
			return errdefs.Validation("workflow at index %d: id and name are required", i)
		}
		if workflows[wf.ID] {
			return errdefs.Validation("duplicate workflow id: %s", wf.ID)
		}
		workflows[wf.ID] = true

		for j, step := range wf.Steps {
			if step.AgentID == "" {
				return errdefs.Validation("workflow %s step %d: agent_id is required", wf.ID, j)
			}
			if !agents[step.AgentID] {
				return errdefs.Validation("workflow %s step %d references unknown agent %s", wf.ID, j, step.AgentID)
			}
		}
	}

	return nil
}

// Targets are the registries a catalog is applied to. Nil targets are
// skipped.
type Targets struct {
	Agents    *agent.Registry
	Personas  *persona.Scorer
	Workflows *workflow.Engine
}

// Apply replaces the agent and persona sets and upserts the workflow
// templates. Workflows created at runtime are left alone.
func Apply(ctx context.Context, f *File, t Targets, logger zerolog.Logger) error {
	if t.Personas != nil {
		if err := t.Personas.Replace(f.Personas); err != nil {
			return fmt.Errorf("failed to apply personas: %w", err)
		}
	}
	if t.Agents != nil {
		if err := t.Agents.Replace(f.Agents); err != nil {
			return fmt.Errorf("failed to apply agents: %w", err)
		}
	}
	if t.Workflows != nil {
		for i := range f.Workflows {
			wf := f.Workflows[i].Clone()
			if err := t.Workflows.Upsert(ctx, wf); err != nil {
				return fmt.Errorf("failed to apply workflow %s: %w", wf.ID, err)
			}
		}
	}

	logger.Info().
		Int("agents", len(f.Agents)).
		Int("personas", len(f.Personas)).
		Int("workflows", len(f.Workflows)).
		Msg("Catalog applied")
	return nil
}
