// Package toolregistry holds the tool catalog: name, description,
// JSON-Schema-validated input, and a handler function. Handlers are
// transport-agnostic; input is validated against the registered schema
// before dispatch.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentcore/internal/shared"
)

// nameRE matches tool names: letters, digits, underscore, hyphen, and
// slash (for namespacing, e.g. "fs/read").
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// Handler executes a tool call against already-validated input and returns
// a JSON-serializable result.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	schema  *jsonschema.Schema
	handler Handler
}

// Registry is the process-wide tool catalog. Registration is rejected on
// duplicate name, invalid name, or a schema that fails to compile; lookups
// are read-mostly and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles schema and adds the tool under name. A previously
// registered tool with the same name is rejected rather than replaced —
// callers that want to redefine a tool must Unregister it first.
func (r *Registry) Register(name, description string, schema json.RawMessage, handler Handler) error {
	if !nameRE.MatchString(name) {
		return shared.NewInvalidInput("toolregistry.Register", fmt.Errorf("invalid tool name %q", name), map[string]any{"name": name})
	}
	if handler == nil {
		return shared.NewInvalidInput("toolregistry.Register", fmt.Errorf("nil handler"), map[string]any{"name": name})
	}

	compiled, err := compileSchema(name, schema)
	if err != nil {
		return shared.NewInvalidInput("toolregistry.Register", err, map[string]any{"name": name})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return shared.NewConflictState("toolregistry.Register", fmt.Errorf("tool %q already registered", name), map[string]any{"name": name})
	}
	r.tools[name] = &Tool{Name: name, Description: description, InputSchema: schema, schema: compiled, handler: handler}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
	}
	resource := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// Unregister removes a tool if present; it is not an error to unregister a
// name that was never registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates input against the tool's schema (if any) and calls its
// handler. Validation failures are reported as InvalidInput, never reaching
// the handler.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, shared.NewNotFound("toolregistry.Invoke", fmt.Errorf("tool %q not registered", name), map[string]any{"name": name})
	}

	if t.schema != nil {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
		if err != nil {
			return nil, shared.NewInvalidInput("toolregistry.Invoke", fmt.Errorf("invalid input JSON: %w", err), map[string]any{"name": name})
		}
		if err := t.schema.Validate(parsed); err != nil {
			return nil, shared.NewInvalidInput("toolregistry.Invoke", fmt.Errorf("schema validation: %w", err), map[string]any{"name": name})
		}
	}

	result, err := t.handler(ctx, input)
	if err != nil {
		return nil, err
	}
	return result, nil
}
