// Package trace stores timed, metered spans of task execution.
package trace

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Span kinds.
const (
	KindRuntime  = "runtime"
	KindTool     = "tool"
	KindPolicy   = "policy"
	KindApproval = "approval"
	KindGraph    = "graph"
	KindModel    = "model"
)

type Metric struct {
	LatencyMs int64    `json:"latency_ms"`
	TokenIn   *int     `json:"token_in,omitempty"`
	TokenOut  *int     `json:"token_out,omitempty"`
	CostUSD   *float64 `json:"cost_usd,omitempty"`
}

// Record is one append-only trace entry.
type Record struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Span      string         `json:"span"`
	Kind      string         `json:"kind"`
	Metric    Metric         `json:"metric"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PayloadJSON encodes the payload, falling back to an empty object.
func (r Record) PayloadJSON() string {
	if len(r.Payload) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Query selects the most recent records for a task.
type Query struct {
	TaskID string
	Limit  int
}

// EffectiveLimit clamps Limit into [1, MaxQueryLimit], using
// DefaultQueryLimit when unset or negative.
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return q.Limit
	}
}

type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
}

// New fills in id and timestamp for a record about to be appended.
func New(taskID, span, kind string, latency time.Duration, payload map[string]any) Record {
	return Record{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Span:      span,
		Kind:      kind,
		Metric:    Metric{LatencyMs: latency.Milliseconds()},
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.records[rec.TaskID] = append(m.records[rec.TaskID], rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	src := m.records[q.TaskID]
	out := make([]Record, len(src))
	copy(out, src)
	m.mu.RUnlock()

	// Append order breaks timestamp ties so newer entries still come first.
	idx := make(map[string]int, len(out))
	for i, r := range out {
		idx[r.ID] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return idx[out[i].ID] > idx[out[j].ID]
	})
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
