// Package agent keeps the named node executors graph nodes are dispatched
// to.
package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/executor"
)

// Agent kinds reported by List.
const (
	KindCustom = "custom"
	KindModel  = "model"
	KindTool   = "tool"
)

// Info describes a registered agent.
type Info struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Kind         string    `json:"kind"`
	RegisteredAt time.Time `json:"registered_at"`
}

type registered struct {
	info Info
	exec coordinator.NodeExecutor
}

// Registry maps agent names to node executors. Names not registered
// explicitly fall back to tools of the attached executor, run through a
// policy-gated NodeAdapter.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registered
	tools  *executor.PolicyAwareExecutor
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*registered),
		logger: logger.With("component", "agents"),
	}
}

// Register adds or replaces a named agent.
func (r *Registry) Register(name, description, kind string, ex coordinator.NodeExecutor) error {
	if name == "" {
		return fmt.Errorf("register agent: empty name")
	}
	if ex == nil {
		return fmt.Errorf("register agent %s: nil executor", name)
	}
	if kind == "" {
		kind = KindCustom
	}
	r.mu.Lock()
	_, replaced := r.agents[name]
	r.agents[name] = &registered{
		info: Info{Name: name, Description: description, Kind: kind, RegisteredAt: time.Now().UTC()},
		exec: ex,
	}
	r.mu.Unlock()
	r.logger.Info("agent registered", "agent", name, "kind", kind, "replaced", replaced)
	return nil
}

// Remove drops an explicitly registered agent. It reports whether the name
// was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.agents[name]
	delete(r.agents, name)
	r.mu.Unlock()
	if ok {
		r.logger.Info("agent removed", "agent", name)
	}
	return ok
}

// UseTools makes every tool registered with ex resolvable as an agent of
// the same name.
func (r *Registry) UseTools(ex *executor.PolicyAwareExecutor) {
	r.mu.Lock()
	r.tools = ex
	r.mu.Unlock()
}

// Resolve matches coordinator.Resolver.
func (r *Registry) Resolve(name string) (coordinator.NodeExecutor, bool) {
	r.mu.RLock()
	a, ok := r.agents[name]
	tools := r.tools
	r.mu.RUnlock()
	if ok {
		return a.exec, true
	}
	if tools != nil {
		if _, ok := tools.Registry().Get(name); ok {
			return executor.NodeAdapter{Executor: tools, Tool: name}, true
		}
	}
	return nil, false
}

// List returns explicit agents and tool-backed agents sorted by name. An
// explicit agent shadows a tool of the same name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.agents))
	seen := make(map[string]bool, len(r.agents))
	for name, a := range r.agents {
		out = append(out, a.info)
		seen[name] = true
	}
	tools := r.tools
	r.mu.RUnlock()

	if tools != nil {
		for _, def := range tools.Registry().List() {
			if seen[def.Name] {
				continue
			}
			out = append(out, Info{Name: def.Name, Description: def.Description, Kind: KindTool})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the names List would report.
func (r *Registry) Names() []string {
	infos := r.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}
