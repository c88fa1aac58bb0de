// Package tools defines the tool contract, the name-keyed registry and the
// permission sandbox that fronts every tool call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskcore/internal/task"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid tool input")
)

// Definition is the static description of a tool, registered once.
type Definition struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Schema              json.RawMessage `json:"schema,omitempty"`
	DeclaredRisk        task.RiskLevel  `json:"declared_risk,omitempty"`
	RequiredPermissions []string        `json:"required_permissions,omitempty"`
	TimeoutMs           int             `json:"timeout_ms,omitempty"`
}

// Call is one invocation request for a named tool.
type Call struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	TaskID string         `json:"task_id,omitempty"`
}

// Result is what a tool returns. Error is set iff Success is false.
type Result struct {
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, call Call, tc task.Context) Result
}

// Func adapts a plain function into a Tool. TimeoutMs on the definition
// bounds the call context.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, call Call, tc task.Context) (any, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Execute(ctx context.Context, call Call, tc task.Context) Result {
	start := time.Now()
	if f.Def.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(f.Def.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	out, err := f.Fn(ctx, call, tc)
	res := Result{ElapsedMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. Registering a name twice replaces the
// earlier tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds t. A non-empty Definition.Schema must compile as JSON Schema.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	var schema *jsonschema.Schema
	if len(def.Schema) > 0 {
		compiled, err := compileSchema(name, def.Schema)
		if err != nil {
			return fmt.Errorf("register tool %s: %w", name, err)
		}
		schema = compiled
	}
	r.mu.Lock()
	r.tools[name] = entry{tool: t, schema: schema}
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for static wiring; it panics on a bad schema.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Definition returns the definition of a registered tool.
func (r *Registry) Definition(name string) (Definition, bool) {
	t, ok := r.Get(name)
	if !ok {
		return Definition{}, false
	}
	return t.Definition(), true
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool.Definition())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks input against the tool's schema. Tools without a
// schema accept any input.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if e.schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrInvalidInput, err)
	}
	// Re-parse with jsonschema.UnmarshalJSON so numbers arrive as json.Number.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
