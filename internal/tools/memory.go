package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskcore/internal/task"
)

// ErrMemoryNotFound is returned by MemoryBackend.GetMemory for unknown keys.
var ErrMemoryNotFound = errors.New("memory not found")

// Memory is one scoped key/value entry. Value is stored as JSON.
type Memory struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryBackend persists memories. The SQLite store implements it.
type MemoryBackend interface {
	PutMemory(ctx context.Context, m Memory) (Memory, error)
	GetMemory(ctx context.Context, scope, namespace, key string) (Memory, error)
	ListMemories(ctx context.Context, scope, namespace string) ([]Memory, error)
	DeleteMemory(ctx context.Context, scope, namespace, key string) (bool, error)
}

const (
	MemoryReadTool  = "memory.read"
	MemoryWriteTool = "memory.write"
)

var memoryReadSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"scope": {"type": "string"},
		"namespace": {"type": "string"},
		"key": {"type": "string"}
	},
	"required": ["namespace"]
}`)

var memoryWriteSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"scope": {"type": "string"},
		"namespace": {"type": "string", "minLength": 1},
		"key": {"type": "string", "minLength": 1},
		"value": {}
	},
	"required": ["namespace", "key", "value"]
}`)

// MemoryTools returns the builtin memory.read and memory.write tools. Scope
// defaults to the calling task's session.
func MemoryTools(backend MemoryBackend) []Tool {
	read := Func{
		Def: Definition{
			Name:                MemoryReadTool,
			Description:         "Read one memory by key, or list a namespace when key is empty.",
			Schema:              memoryReadSchema,
			DeclaredRisk:        task.RiskLow,
			RequiredPermissions: []string{"memory.read"},
			TimeoutMs:           5000,
		},
		Fn: func(ctx context.Context, call Call, tc task.Context) (any, error) {
			scope := memoryScope(call, tc)
			ns, _ := call.Input["namespace"].(string)
			key, _ := call.Input["key"].(string)
			if key == "" {
				return backend.ListMemories(ctx, scope, ns)
			}
			m, err := backend.GetMemory(ctx, scope, ns, key)
			if err != nil {
				return nil, fmt.Errorf("memory read %s/%s: %w", ns, key, err)
			}
			return m, nil
		},
	}
	write := Func{
		Def: Definition{
			Name:                MemoryWriteTool,
			Description:         "Create or replace a memory value.",
			Schema:              memoryWriteSchema,
			DeclaredRisk:        task.RiskMedium,
			RequiredPermissions: []string{"memory.write"},
			TimeoutMs:           5000,
		},
		Fn: func(ctx context.Context, call Call, tc task.Context) (any, error) {
			ns, _ := call.Input["namespace"].(string)
			key, _ := call.Input["key"].(string)
			return backend.PutMemory(ctx, Memory{
				Scope:     memoryScope(call, tc),
				Namespace: ns,
				Key:       key,
				Value:     call.Input["value"],
			})
		},
	}
	return []Tool{read, write}
}

func memoryScope(call Call, tc task.Context) string {
	if s, _ := call.Input["scope"].(string); s != "" {
		return s
	}
	if tc.Request.SessionID != "" {
		return tc.Request.SessionID
	}
	return "global"
}

// InMemoryBackend keeps memories in process. Used when no database is
// configured and in tests.
type InMemoryBackend struct {
	mu    sync.RWMutex
	items map[string]Memory
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{items: make(map[string]Memory)}
}

func memoryKey(scope, ns, key string) string { return scope + "\x00" + ns + "\x00" + key }

func (b *InMemoryBackend) PutMemory(_ context.Context, m Memory) (Memory, error) {
	now := time.Now().UTC()
	k := memoryKey(m.Scope, m.Namespace, m.Key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.items[k]; ok {
		m.ID = prev.ID
		m.CreatedAt = prev.CreatedAt
	} else {
		m.ID = k
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	b.items[k] = m
	return m, nil
}

func (b *InMemoryBackend) GetMemory(_ context.Context, scope, ns, key string) (Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.items[memoryKey(scope, ns, key)]
	if !ok {
		return Memory{}, ErrMemoryNotFound
	}
	return m, nil
}

func (b *InMemoryBackend) ListMemories(_ context.Context, scope, ns string) ([]Memory, error) {
	b.mu.RLock()
	var out []Memory
	for _, m := range b.items {
		if m.Scope == scope && m.Namespace == ns {
			out = append(out, m)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *InMemoryBackend) DeleteMemory(_ context.Context, scope, ns, key string) (bool, error) {
	k := memoryKey(scope, ns, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[k]; !ok {
		return false, nil
	}
	delete(b.items, k)
	return true, nil
}
