package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/trace"
)

// recordingStore wraps a MemorySnapshotStore and keeps every saved version.
type recordingStore struct {
	*coordinator.MemorySnapshotStore
	mu    sync.Mutex
	saved []coordinator.Snapshot
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemorySnapshotStore: coordinator.NewMemorySnapshotStore()}
}

func (r *recordingStore) Save(ctx context.Context, s coordinator.Snapshot) error {
	r.mu.Lock()
	r.saved = append(r.saved, s.Clone())
	r.mu.Unlock()
	return r.MemorySnapshotStore.Save(ctx, s)
}

func linearChain(n int) coordinator.Graph {
	g := coordinator.Graph{ID: "chain"}
	for i := 1; i <= n; i++ {
		node := coordinator.Node{ID: fmt.Sprintf("n%d", i), Agent: "worker"}
		if i > 1 {
			node.DependsOn = []string{fmt.Sprintf("n%d", i-1)}
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g
}

func resolverFor(agents map[string]coordinator.NodeExecutor) coordinator.Resolver {
	return func(name string) (coordinator.NodeExecutor, bool) {
		ex, ok := agents[name]
		return ex, ok
	}
}

func echoAgent(calls *[]string) coordinator.NodeExecutor {
	var mu sync.Mutex
	return coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
		mu.Lock()
		*calls = append(*calls, nc.Node.ID)
		mu.Unlock()
		return coordinator.NodeResult{Success: true, Output: "out-" + nc.Node.ID}
	})
}

func statusOf(t *testing.T, nodes []coordinator.NodeState, id string) coordinator.NodeState {
	t.Helper()
	for _, n := range nodes {
		if n.NodeID == id {
			return n
		}
	}
	t.Fatalf("node %s missing", id)
	return coordinator.NodeState{}
}

func TestScheduler_RunsInTopologicalOrder(t *testing.T) {
	var calls []string
	var seenDeps map[string]any
	agents := map[string]coordinator.NodeExecutor{
		"worker": echoAgent(&calls),
		"join": coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
			calls = append(calls, nc.Node.ID)
			seenDeps = nc.DependencyResults
			return coordinator.NodeResult{Success: true, Output: len(nc.DependencyResults)}
		}),
	}
	g := coordinator.Graph{ID: "diamond", Nodes: []coordinator.Node{
		{ID: "d", Agent: "join", DependsOn: []string{"b", "c"}},
		{ID: "b", Agent: "worker", DependsOn: []string{"a"}},
		{ID: "c", Agent: "worker", DependsOn: []string{"a"}},
		{ID: "a", Agent: "worker"},
	}}
	store := newRecordingStore()
	sched := coordinator.NewScheduler(resolverFor(agents), coordinator.WithSnapshotStore(store))

	res, err := sched.Run(context.Background(), coordinator.RunInput{TaskID: "t1", SessionID: "s1", Graph: g})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != coordinator.GraphSucceeded {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if strings.Join(calls, ",") != strings.Join(res.ExecutionOrder, ",") {
		t.Fatalf("dispatch order %v differs from execution order %v", calls, res.ExecutionOrder)
	}
	pos := map[string]int{}
	for i, id := range res.ExecutionOrder {
		pos[id] = i
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if pos[dep] >= pos[n.ID] {
				t.Fatalf("%s ran before its dependency %s", n.ID, dep)
			}
		}
	}
	if seenDeps["b"] != "out-b" || seenDeps["c"] != "out-c" || len(seenDeps) != 2 {
		t.Fatalf("dependency results = %v", seenDeps)
	}

	snap, err := store.Get(context.Background(), res.SnapshotID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Status != coordinator.GraphSucceeded || snap.TaskID != "t1" || snap.SessionID != "s1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.GraphDefinition.Nodes) != 4 {
		t.Fatalf("graph definition not stored: %+v", snap.GraphDefinition)
	}
}

func TestScheduler_SnapshotAfterEveryTransition(t *testing.T) {
	var calls []string
	store := newRecordingStore()
	sched := coordinator.NewScheduler(resolverFor(map[string]coordinator.NodeExecutor{"worker": echoAgent(&calls)}),
		coordinator.WithSnapshotStore(store))

	if _, err := sched.Run(context.Background(), coordinator.RunInput{TaskID: "t1", Graph: linearChain(2)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	// initial + (running, succeeded) per node + final
	if got := len(store.saved); got != 6 {
		t.Fatalf("saved %d snapshots, want 6", got)
	}
	if s := statusOf(t, store.saved[1].Nodes, "n1").Status; s != coordinator.NodeRunning {
		t.Fatalf("second checkpoint n1 = %s, want running", s)
	}
	if s := statusOf(t, store.saved[2].Nodes, "n1").Status; s != coordinator.NodeSucceeded {
		t.Fatalf("third checkpoint n1 = %s, want succeeded", s)
	}
	if store.saved[0].Status != coordinator.GraphRunning || store.saved[5].Status != coordinator.GraphSucceeded {
		t.Fatalf("graph status progression wrong: %s -> %s", store.saved[0].Status, store.saved[5].Status)
	}
}

func TestScheduler_FailureSkipsDependentsTransitively(t *testing.T) {
	var calls []string
	agents := map[string]coordinator.NodeExecutor{
		"worker": echoAgent(&calls),
		"broken": coordinator.NodeExecutorFunc(func(context.Context, coordinator.NodeContext) coordinator.NodeResult {
			return coordinator.NodeResult{Error: "tool exploded"}
		}),
	}
	g := coordinator.Graph{Nodes: []coordinator.Node{
		{ID: "a", Agent: "broken"},
		{ID: "b", Agent: "worker", DependsOn: []string{"a"}},
		{ID: "c", Agent: "worker", DependsOn: []string{"b"}},
		{ID: "free", Agent: "worker"},
	}}
	res, err := coordinator.NewScheduler(resolverFor(agents)).Run(context.Background(), coordinator.RunInput{TaskID: "t1", Graph: g})
	if err != nil {
		t.Fatalf("node failure must not be a fatal error: %v", err)
	}
	if res.Status != coordinator.GraphFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if st := statusOf(t, res.Nodes, "a"); st.Status != coordinator.NodeFailed || st.Error != "tool exploded" {
		t.Fatalf("a = %+v", st)
	}
	for _, id := range []string{"b", "c"} {
		st := statusOf(t, res.Nodes, id)
		if st.Status != coordinator.NodeSkipped || !strings.Contains(st.Error, "tool exploded") {
			t.Fatalf("%s = %+v, want skipped with inherited error", id, st)
		}
	}
	if st := statusOf(t, res.Nodes, "free"); st.Status != coordinator.NodeSucceeded {
		t.Fatalf("independent node = %+v, want succeeded", st)
	}
	if strings.Join(calls, ",") != "free" {
		t.Fatalf("calls = %v, want only the independent node", calls)
	}
}

func TestScheduler_RejectedNodeCancelsGraph(t *testing.T) {
	var calls []string
	agents := map[string]coordinator.NodeExecutor{
		"worker": echoAgent(&calls),
		"gated": coordinator.NodeExecutorFunc(func(context.Context, coordinator.NodeContext) coordinator.NodeResult {
			return coordinator.NodeResult{Rejected: true, Error: "approval rejected"}
		}),
	}
	g := coordinator.Graph{Nodes: []coordinator.Node{
		{ID: "a", Agent: "worker"},
		{ID: "b", Agent: "gated", DependsOn: []string{"a"}},
		{ID: "c", Agent: "worker", DependsOn: []string{"b"}},
	}}
	res, err := coordinator.NewScheduler(resolverFor(agents)).Run(context.Background(), coordinator.RunInput{TaskID: "t1", Graph: g})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != coordinator.GraphCanceled {
		t.Fatalf("status = %s, want canceled", res.Status)
	}
	if !strings.Contains(res.Error, "approval rejected") {
		t.Fatalf("error = %q", res.Error)
	}
	if st := statusOf(t, res.Nodes, "b"); st.Status != coordinator.NodeFailed {
		t.Fatalf("b = %+v", st)
	}
	if st := statusOf(t, res.Nodes, "c"); st.Status != coordinator.NodeSkipped || st.Error != coordinator.CancelReason {
		t.Fatalf("c = %+v, want skipped by cancellation", st)
	}
	if strings.Join(calls, ",") != "a" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestScheduler_CancelDuringFirstNode(t *testing.T) {
	var cancel atomic.Bool
	var calls []string
	agents := map[string]coordinator.NodeExecutor{
		"worker": coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
			calls = append(calls, nc.Node.ID)
			if nc.Node.ID == "n1" {
				cancel.Store(true)
			}
			return coordinator.NodeResult{Success: true, Output: nc.Node.ID}
		}),
	}
	store := coordinator.NewMemorySnapshotStore()
	sched := coordinator.NewScheduler(resolverFor(agents), coordinator.WithSnapshotStore(store))
	original := linearChain(6)

	res, err := sched.Run(context.Background(), coordinator.RunInput{
		TaskID:       "t1",
		Graph:        original,
		ShouldCancel: cancel.Load,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != coordinator.GraphCanceled {
		t.Fatalf("status = %s, want canceled", res.Status)
	}
	if len(calls) != 1 {
		t.Fatalf("only n1 should run, got %v", calls)
	}
	if st := statusOf(t, res.Nodes, "n1"); st.Status != coordinator.NodeSucceeded {
		t.Fatalf("n1 = %+v, want succeeded", st)
	}
	for i := 2; i <= 6; i++ {
		st := statusOf(t, res.Nodes, fmt.Sprintf("n%d", i))
		if st.Status != coordinator.NodeSkipped || st.Error != coordinator.CancelReason {
			t.Fatalf("n%d = %+v, want skipped by cancellation", i, st)
		}
	}

	snap, err := store.Get(context.Background(), res.SnapshotID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Status != coordinator.GraphCanceled {
		t.Fatalf("snapshot status = %s", snap.Status)
	}
	rebuilt, err := coordinator.BuildGraphFromSnapshot(snap)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(rebuilt.Nodes) != len(original.Nodes) {
		t.Fatalf("rebuilt %d nodes, want %d", len(rebuilt.Nodes), len(original.Nodes))
	}
	for i, n := range original.Nodes {
		got := rebuilt.Nodes[i]
		if got.ID != n.ID || got.Agent != n.Agent || strings.Join(got.DependsOn, ",") != strings.Join(n.DependsOn, ",") {
			t.Fatalf("node %d = %+v, want %+v", i, got, n)
		}
	}
}

func TestScheduler_ContextCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	agents := map[string]coordinator.NodeExecutor{
		"worker": coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
			calls = append(calls, nc.Node.ID)
			cancel()
			return coordinator.NodeResult{Success: true}
		}),
	}
	store := coordinator.NewMemorySnapshotStore()
	res, err := coordinator.NewScheduler(resolverFor(agents), coordinator.WithSnapshotStore(store)).
		Run(ctx, coordinator.RunInput{TaskID: "t1", Graph: linearChain(3)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != coordinator.GraphCanceled || len(calls) != 1 {
		t.Fatalf("status = %s calls = %v", res.Status, calls)
	}
	snap, err := store.Get(context.Background(), res.SnapshotID)
	if err != nil || snap.Status != coordinator.GraphCanceled {
		t.Fatalf("final checkpoint missing after ctx cancel: %+v %v", snap.Status, err)
	}
}

func TestScheduler_UnknownAgentIsFatal(t *testing.T) {
	var calls []string
	g := coordinator.Graph{Nodes: []coordinator.Node{
		{ID: "a", Agent: "worker"},
		{ID: "b", Agent: "ghost", DependsOn: []string{"a"}},
	}}
	_, err := coordinator.NewScheduler(resolverFor(map[string]coordinator.NodeExecutor{"worker": echoAgent(&calls)})).
		Run(context.Background(), coordinator.RunInput{Graph: g})
	if !errors.Is(err, coordinator.ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if len(calls) != 0 {
		t.Fatalf("no node should run with an unresolvable agent, got %v", calls)
	}
}

func TestScheduler_InvalidGraph(t *testing.T) {
	_, err := coordinator.NewScheduler(resolverFor(nil)).Run(context.Background(), coordinator.RunInput{})
	if err == nil {
		t.Fatal("expected error for empty graph")
	}
}

func TestScheduler_WritesNodeTraces(t *testing.T) {
	var calls []string
	traces := trace.NewMemoryStore()
	sched := coordinator.NewScheduler(resolverFor(map[string]coordinator.NodeExecutor{"worker": echoAgent(&calls)}),
		coordinator.WithTraceStore(traces))
	if _, err := sched.Run(context.Background(), coordinator.RunInput{TaskID: "t1", Graph: linearChain(3)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	recs, _ := traces.Query(context.Background(), trace.Query{TaskID: "t1"})
	if len(recs) != 3 {
		t.Fatalf("traces = %d, want 3", len(recs))
	}
	if recs[0].Span != "graph.node" || recs[0].Kind != trace.KindGraph {
		t.Fatalf("unexpected trace: %+v", recs[0])
	}
}
