// Package tools provides the tool registry and call dispatcher.
//
// Tools are registered once at startup (built-ins plus imports from MCP
// servers via the mcpbridge subpackage), then the registry is frozen and
// serves reads without locking for the life of the process. Every invocation's
// arguments are validated against the tool's JSON Schema before the handler
// runs — validation failures never reach handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// Handler executes one tool invocation. args has already been validated
// against the tool's parameter schema. The returned string becomes the content
// of the tool-role message fed back to the model.
//
// Handlers must be idempotent or de-duplicate by invocation id: the pipeline
// does not roll back tool side effects when a later stage fails.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Registration pairs a tool definition with its handler.
type Registration struct {
	// Definition describes the tool to the model. Definition.Parameters must
	// be a valid JSON Schema for an object.
	Definition llm.ToolDefinition

	// Handler executes validated invocations. Must not be nil.
	Handler Handler
}

// entry is the resolved, immutable-after-freeze registry record for one tool.
type entry struct {
	def     llm.ToolDefinition
	handler Handler
	schema  *jsonschema.Resolved
}

// Registry maps tool names to their schema and handler. Populate it during
// startup, call Freeze, then share it freely: a frozen Registry is safe for
// concurrent reads without synchronisation.
type Registry struct {
	entries map[string]*entry
	frozen  bool
}

// NewRegistry returns an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register adds a tool. The parameter schema is resolved eagerly so schema
// defects surface at startup rather than on first invocation. Registering
// after Freeze, re-using a name, or supplying a nil handler is an error.
func (r *Registry) Register(reg Registration) error {
	if r.frozen {
		return fmt.Errorf("tools: registry is frozen, cannot register %q", reg.Definition.Name)
	}
	if reg.Definition.Name == "" {
		return fmt.Errorf("tools: tool definition must have a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a handler", reg.Definition.Name)
	}
	if _, exists := r.entries[reg.Definition.Name]; exists {
		return fmt.Errorf("tools: tool %q is already registered", reg.Definition.Name)
	}

	resolved, err := resolveSchema(reg.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: tool %q: %w", reg.Definition.Name, err)
	}

	r.entries[reg.Definition.Name] = &entry{
		def:     reg.Definition,
		handler: reg.Handler,
		schema:  resolved,
	}
	return nil
}

// Freeze marks the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Definitions returns all tool definitions sorted by name, ready to attach to
// a CompletionRequest.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// lookup returns the entry for name.
func (r *Registry) lookup(name string) (*entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// resolveSchema converts a raw parameter schema map into a resolved
// jsonschema ready for validation. A nil map means "no parameters" and
// resolves to an empty object schema.
func resolveSchema(params map[string]any) (*jsonschema.Resolved, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse parameter schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve parameter schema: %w", err)
	}
	return resolved, nil
}
