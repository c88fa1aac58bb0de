// Package capability holds the contracts for collaborators the host
// application injects: language-model handles and business capabilities.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
)

var (
	ErrModelNotFound      = errors.New("model not found")
	ErrCapabilityNotFound = errors.New("capability not found")
)

// Model is an opaque language-model handle.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, prompt string) (string, error)

func (f ModelFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ModelProvider hands out a model for a kind of task ("default", "planner",
// ...).
type ModelProvider interface {
	GetModel(kind string) (Model, error)
}

// StaticModelProvider serves a fixed set of models. The "default" entry
// answers kinds that are not listed.
type StaticModelProvider map[string]Model

func (p StaticModelProvider) GetModel(kind string) (Model, error) {
	if m, ok := p[kind]; ok {
		return m, nil
	}
	if m, ok := p["default"]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, kind)
}

// Capability describes one business action.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	RiskLevel   task.RiskLevel  `json:"risk_level,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	TimeoutMs   int             `json:"timeout_ms,omitempty"`
}

// BusinessCapabilityProvider exposes domain actions of the host
// application.
type BusinessCapabilityProvider interface {
	ListCapabilities() []Capability
	Invoke(ctx context.Context, name string, input map[string]any, tc task.Context) (any, error)
}

// Handler implements one capability of a FuncProvider.
type Handler func(ctx context.Context, input map[string]any, tc task.Context) (any, error)

// FuncProvider is a BusinessCapabilityProvider backed by registered
// handlers.
type FuncProvider struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	handlers map[string]Handler
}

func NewFuncProvider() *FuncProvider {
	return &FuncProvider{caps: make(map[string]Capability), handlers: make(map[string]Handler)}
}

func (p *FuncProvider) Add(c Capability, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps[c.Name] = c
	p.handlers[c.Name] = h
}

func (p *FuncProvider) ListCapabilities() []Capability {
	p.mu.RLock()
	out := make([]Capability, 0, len(p.caps))
	for _, c := range p.caps {
		out = append(out, c)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *FuncProvider) Invoke(ctx context.Context, name string, input map[string]any, tc task.Context) (any, error) {
	p.mu.RLock()
	h, ok := p.handlers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}
	return h(ctx, input, tc)
}

// Tools exposes every capability of p as a tool, so capability calls pass
// through the same sandbox and policy gates as any other tool.
func Tools(p BusinessCapabilityProvider) []tools.Tool {
	caps := p.ListCapabilities()
	out := make([]tools.Tool, 0, len(caps))
	for _, c := range caps {
		name := c.Name
		out = append(out, tools.Func{
			Def: tools.Definition{
				Name:                name,
				Description:         c.Description,
				Schema:              c.Schema,
				DeclaredRisk:        c.RiskLevel,
				RequiredPermissions: c.Permissions,
				TimeoutMs:           c.TimeoutMs,
			},
			Fn: func(ctx context.Context, call tools.Call, tc task.Context) (any, error) {
				return p.Invoke(ctx, name, call.Input, tc)
			},
		})
	}
	return out
}
