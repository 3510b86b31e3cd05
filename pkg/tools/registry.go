// Package tools provides the capability registry the agent loop dispatches
// tool calls against.
//
// Invariants:
// - Tool names are unique within a registry.
// - Arguments are validated against the tool's JSON schema before Invoke.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Tool is a named capability the agent can invoke.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema for the tool's input object.
	Schema() map[string]interface{}

	// Invoke executes the tool and returns its output as text.
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry maps tool names to capabilities.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool. It fails on empty or duplicate names and on
// uncompilable schemas.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Schema()))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}

	r.tools[name] = t
	r.schemas[name] = schema

	r.logger.Debug().Str("tool", name).Msg("Tool registered")
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Validate checks parsed arguments against the tool's schema.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return fmt.Errorf("tool not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns all registered tools, sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset builds a new registry containing only the named tools. Unknown
// names are skipped with a warning.
func (r *Registry) Subset(names ...string) *Registry {
	sub := NewRegistry(r.logger)
	for _, name := range names {
		t, ok := r.Resolve(name)
		if !ok {
			r.logger.Warn().Str("tool", name).Msg("Subset references unknown tool")
			continue
		}
		if err := sub.Register(t); err != nil {
			r.logger.Warn().Str("tool", name).Err(err).Msg("Subset registration failed")
		}
	}
	return sub
}

// Handler is the function form of a tool implementation.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

type funcTool struct {
	name        string
	description string
	schema      map[string]interface{}
	handler     Handler
}

// NewFunc builds a Tool from a handler function.
func NewFunc(name, description string, schema map[string]interface{}, h Handler) Tool {
	return &funcTool{name: name, description: description, schema: schema, handler: h}
}

func (f *funcTool) Name() string                   { return f.name }
func (f *funcTool) Description() string            { return f.description }
func (f *funcTool) Schema() map[string]interface{} { return f.schema }

func (f *funcTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return f.handler(ctx, args)
}

// ObjectSchema builds a JSON schema for an object with the given properties
// and required field names.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp builds a string property definition for ObjectSchema.
func StringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}
