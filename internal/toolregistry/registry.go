// Package toolregistry holds tool specifications and the compiled JSON
// Schema validators used to check their inputs.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
)

// Resource limits guarding against pathological tool registrations/inputs.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20 // 10 MiB
)

// Tool is the interface every built-in or plugin tool implements.
type Tool interface {
	Spec() models.ToolSpec
	// RequiredPermissions is a pure function of ctx and input: it must not
	// perform side effects (spec §4.2).
	RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error)
	// PreExecutionPolicy optionally gates execution before permissions are
	// even checked (spec §4.3). Tools that don't need this can embed
	// NoPolicyHook.
	PreExecutionPolicy(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.PolicyDecision, error)
	Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error)
}

// NoPolicyHook is embeddable by tools with no pre-execution policy; it
// always allows.
type NoPolicyHook struct{}

func (NoPolicyHook) PreExecutionPolicy(context.Context, models.ToolContext, json.RawMessage) (models.PolicyDecision, error) {
	return models.PolicyDecision{Decision: models.PolicyAllow}, nil
}

type entry struct {
	tool     Tool
	spec     models.ToolSpec
	validate *jsonschema.Schema
}

// Registry stores (spec, validator, tool) triples indexed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register compiles the tool's JSON Schema once and adds it to the
// registry. Re-registering an existing name replaces it.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return fmt.Errorf("tool spec has empty name")
	}
	if len(spec.Name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds max length %d", spec.Name, MaxToolNameLength)
	}

	compiled, err := compileSchema(spec.Name, spec.Schema)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = entry{tool: t, spec: spec, validate: compiled}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Specs returns every registered ToolSpec, for building a ModelRequest.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	return out
}

// ValidateInput checks input against the compiled schema for name.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	if len(input) > MaxToolParamsSize {
		return fmt.Errorf("tool input for %q exceeds max size %d bytes", name, MaxToolParamsSize)
	}
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if e.validate == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("invalid JSON input for %q: %w", name, err)
	}
	if err := e.validate.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed for %q: %w", name, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}
