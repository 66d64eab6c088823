// Package tools defines the agent's callable tool surface: a registry of
// named tools whose inputs are validated against compiled JSON schemas and
// whose outcomes are structured results the model can read and recover from.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
)

// Parameter types permitted in tool definitions.
var validParamTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// Handler executes one tool call. The input map has already been validated
// against the tool's schema. The returned value must be JSON-serializable.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool

	// Schema overrides the generated property schema for nested shapes.
	Schema json.RawMessage
}

// Definition declares a callable tool.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
	Category    string
}

// Result is the structured outcome of one tool execution. Failures are data
// here, not errors, so they land in the agent transcript and the model can
// correct itself.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type registeredTool struct {
	def      Definition
	compiled *jsonschema.Schema
	schema   json.RawMessage
}

// Registry holds the tools exposed to the agent. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. The definition's parameters are rendered into a JSON
// schema and compiled once here; Execute reuses the compiled schema.
// Registering a name twice returns a duplicate error — unregister first to
// replace a tool.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errs.Validationf("tool name must not be empty")
	}
	if def.Handler == nil {
		return errs.Validationf("tool %s has no handler", def.Name)
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return errs.Validationf("tool %s has a parameter without a name", def.Name)
		}
		if !validParamTypes[p.Type] {
			return errs.Validationf("tool %s parameter %s has invalid type %q", def.Name, p.Name, p.Type)
		}
	}

	schema, err := buildSchema(def.Parameters)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Sprintf("tool %s: render schema", def.Name), err)
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", string(schema))
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Sprintf("tool %s: compile schema", def.Name), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return errs.Duplicatef("tool %s is already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, compiled: compiled, schema: schema}
	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the definition of a registered tool.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Definition{}, errs.NotFoundf("tool %s is not registered", name)
	}
	return tool.def, nil
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names sorted.
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

// Specs exports the registered tools for native function calling, sorted by
// name so prompts are deterministic.
func (r *Registry) Specs() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, llm.Tool{
			Name:        tool.def.Name,
			Description: tool.def.Description,
			InputSchema: tool.schema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates the raw input against the tool's schema and runs the
// handler. Every failure mode — unknown tool, malformed input, schema
// violation, handler error — comes back as a Result, never an error.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return failure(fmt.Sprintf("unknown tool %q", name))
	}

	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return failure(fmt.Sprintf("tool %s: input must be a JSON object: %v", name, err))
		}
	}
	if err := tool.compiled.Validate(args); err != nil {
		return failure(fmt.Sprintf("tool %s: invalid input: %v", name, err))
	}

	out, err := tool.def.Handler(ctx, args)
	if err != nil {
		return failure(err.Error())
	}
	return Result{Success: true, Data: out}
}

// buildSchema renders an object schema from the declared parameters.
// Undeclared properties are rejected so typos surface as validation errors
// instead of silently ignored arguments.
func buildSchema(params []Parameter) (json.RawMessage, error) {
	properties := make(map[string]json.RawMessage, len(params))
	var required []string
	for _, p := range params {
		if p.Schema != nil {
			properties[p.Name] = p.Schema
		} else {
			prop := map[string]any{"type": p.Type}
			if p.Description != "" {
				prop["description"] = p.Description
			}
			encoded, err := json.Marshal(prop)
			if err != nil {
				return nil, err
			}
			properties[p.Name] = encoded
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return json.Marshal(schema)
}

func failure(msg string) Result {
	return Result{Success: false, Error: msg}
}
