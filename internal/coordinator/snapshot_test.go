package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemorySnapshotStore_LatestWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()
	g := chain(2)

	snap := Snapshot{ID: "snap-1", GraphID: g.ID, GraphDefinition: g, TaskID: "t1", Status: GraphRunning}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, _ := store.Get(ctx, "snap-1")

	time.Sleep(2 * time.Millisecond)
	snap.Status = GraphSucceeded
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, "snap-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != GraphSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on overwrite: %v -> %v", first.CreatedAt, got.CreatedAt)
	}
	if !got.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not advanced")
	}
}

func TestMemorySnapshotStore_NotFound(t *testing.T) {
	_, err := NewMemorySnapshotStore().Get(context.Background(), "nope")
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestMemorySnapshotStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()
	snap := Snapshot{
		ID:    "snap-1",
		Nodes: []NodeState{{NodeID: "a", Status: NodeSucceeded, Output: map[string]any{"k": "v"}}},
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap.Nodes[0].Status = NodeFailed

	got, _ := store.Get(ctx, "snap-1")
	got.Nodes[0].Output.(map[string]any)["k"] = "changed"

	again, _ := store.Get(ctx, "snap-1")
	if again.Nodes[0].Status != NodeSucceeded {
		t.Fatalf("stored snapshot aliased caller slice")
	}
	if again.Nodes[0].Output.(map[string]any)["k"] != "v" {
		t.Fatalf("stored output aliased returned map")
	}
}

func TestBuildGraphFromSnapshot(t *testing.T) {
	g := chain(4)
	got, err := BuildGraphFromSnapshot(Snapshot{ID: "s", GraphID: g.ID, GraphDefinition: g})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got.ID != g.ID || len(got.Nodes) != 4 {
		t.Fatalf("unexpected graph: %+v", got)
	}
	for i := range g.Nodes {
		if got.Nodes[i].ID != g.Nodes[i].ID || len(got.Nodes[i].DependsOn) != len(g.Nodes[i].DependsOn) {
			t.Fatalf("node %d = %+v, want %+v", i, got.Nodes[i], g.Nodes[i])
		}
	}

	noID := g.Clone()
	noID.ID = ""
	got, err = BuildGraphFromSnapshot(Snapshot{ID: "s", GraphID: "from-snapshot", GraphDefinition: noID})
	if err != nil || got.ID != "from-snapshot" {
		t.Fatalf("graph id fallback: %v %q", err, got.ID)
	}

	if _, err := BuildGraphFromSnapshot(Snapshot{ID: "empty"}); err == nil {
		t.Fatal("expected error for snapshot without a graph definition")
	}
}
