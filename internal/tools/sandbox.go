package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/taskcore/internal/task"
)

// Authorization is the sandbox verdict for one call.
type Authorization struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Permissions configures the sandbox. An empty Allow list disables
// allow-listing; Deny always applies.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow,omitempty"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// Sandbox enforces permission sets over registered tools. It does not look at
// risk; that belongs to the policy engine.
type Sandbox struct {
	registry *Registry

	mu    sync.RWMutex
	allow map[string]bool
	deny  map[string]bool
}

func NewSandbox(registry *Registry, perms Permissions) *Sandbox {
	s := &Sandbox{registry: registry}
	s.SetPermissions(perms)
	return s
}

// SetPermissions swaps the permission sets atomically.
func (s *Sandbox) SetPermissions(perms Permissions) {
	allow := toSet(perms.Allow)
	deny := toSet(perms.Deny)
	s.mu.Lock()
	s.allow = allow
	s.deny = deny
	s.mu.Unlock()
}

// Permissions returns the current configuration, sorted.
func (s *Sandbox) Permissions() Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Permissions{Allow: fromSet(s.allow), Deny: fromSet(s.deny)}
}

// Authorize fails closed: unknown tools, denied permissions and permissions
// missing from a configured allow-list are all rejected.
func (s *Sandbox) Authorize(call Call, _ task.Context) Authorization {
	def, ok := s.registry.Definition(call.Name)
	if !ok {
		return Authorization{Reason: fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name)}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, perm := range def.RequiredPermissions {
		p := normalizePermission(perm)
		if s.deny[p] {
			return Authorization{Reason: fmt.Sprintf("%s: %q is denied", ErrPermissionDenied, perm)}
		}
		if len(s.allow) > 0 && !s.allow[p] {
			return Authorization{Reason: fmt.Sprintf("%s: %q is not allow-listed", ErrPermissionDenied, perm)}
		}
	}
	return Authorization{Allowed: true}
}

func normalizePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if p := normalizePermission(it); p != "" {
			out[p] = true
		}
	}
	return out
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
