package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrUnknownAgent     = errors.New("unknown agent")
)

// NodeStatus is the per-node state machine:
// pending -> running -> {succeeded | failed | skipped}.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// GraphStatus is the status of a whole graph run.
type GraphStatus string

const (
	GraphRunning   GraphStatus = "running"
	GraphSucceeded GraphStatus = "succeeded"
	GraphFailed    GraphStatus = "failed"
	GraphCanceled  GraphStatus = "canceled"
)

type NodeState struct {
	NodeID string     `json:"node_id"`
	Status NodeStatus `json:"status"`
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Snapshot is the durable record of a graph run, sufficient to rebuild and
// resume it. Saving a snapshot with an existing id overwrites it.
type Snapshot struct {
	ID              string      `json:"id"`
	GraphID         string      `json:"graph_id"`
	GraphDefinition Graph       `json:"graph_definition"`
	TaskID          string      `json:"task_id"`
	SessionID       string      `json:"session_id"`
	Status          GraphStatus `json:"status"`
	ExecutionOrder  []string    `json:"execution_order"`
	Nodes           []NodeState `json:"nodes"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Node returns the state of one node.
func (s Snapshot) Node(id string) (NodeState, bool) {
	for _, n := range s.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return NodeState{}, false
}

// Clone returns a deep copy. Node outputs are copied through JSON when they
// are not plain scalars.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.GraphDefinition = s.GraphDefinition.Clone()
	out.ExecutionOrder = append([]string(nil), s.ExecutionOrder...)
	out.Nodes = make([]NodeState, len(s.Nodes))
	for i, n := range s.Nodes {
		n.Output = cloneValue(n.Output)
		out.Nodes[i] = n
	}
	return out
}

func cloneValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// SnapshotStore persists graph snapshots with latest-wins semantics.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]Snapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("save snapshot: empty id")
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.snaps[snap.ID]; ok {
		snap.CreatedAt = prev.CreatedAt
	} else if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	m.snaps[snap.ID] = snap.Clone()
	return nil
}

func (m *MemorySnapshotStore) Get(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, ErrSnapshotNotFound)
	}
	return snap.Clone(), nil
}

// BuildGraphFromSnapshot reconstructs the graph stored with a snapshot.
func BuildGraphFromSnapshot(snap Snapshot) (Graph, error) {
	g := snap.GraphDefinition.Clone()
	if g.ID == "" {
		g.ID = snap.GraphID
	}
	if err := g.Validate(); err != nil {
		return Graph{}, fmt.Errorf("rebuild graph from snapshot %s: %w", snap.ID, err)
	}
	return g, nil
}
