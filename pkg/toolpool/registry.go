package toolpool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Weight is a coarse resource-cost classification used for concurrency
// throttling. Heavyweight tools (sub-agent delegation and the like) are
// throttled more aggressively to bound resource fan-out.
type Weight string

const (
	WeightLightweight Weight = "lightweight"
	WeightHeavyweight Weight = "heavyweight"
)

// ToolParameter defines a parameter for a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ExecContext provides runtime information for a tool execution.
type ExecContext struct {
	SessionID  string
	OnProgress func(message string)
}

// Handler is the function signature for tool execution. The context is
// cancelled on abort or timeout; handlers must honor it cooperatively.
type Handler func(ctx context.Context, args map[string]interface{}, ec ExecContext) (interface{}, error)

// ToolDefinition describes a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Weight      Weight          `json:"weight"`
	Handler     Handler         `json:"-"`
}

// ToolExecutionError wraps a failure inside a tool handler. It is caught
// per task and converted to a failed result; it never escapes a batch.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Registry holds tool definitions keyed by name, with compiled JSON
// schemas for argument validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool definition, compiling its argument schema.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.ContainsAny(def.Name, " \t\n") {
		return fmt.Errorf("tool name cannot contain whitespace: %q", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if def.Weight == "" {
		def.Weight = WeightLightweight
	}
	if def.Weight != WeightLightweight && def.Weight != WeightHeavyweight {
		return fmt.Errorf("tool %s has unknown weight %q", def.Name, def.Weight)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("weight", string(def.Weight)).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered definitions.
func (r *Registry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(reasons, "; "))
	}
	return nil
}

// compileSchema builds a JSON schema from the tool's declared parameters.
func compileSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}
	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	raw := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		raw["required"] = required
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
}
