package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/trace"
)

func TestReplayService_MergesStores(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemoryStore()
	traces := trace.NewMemoryStore()

	if err := tasks.CreateTask(ctx, task.Record{ID: "t1", SessionID: "s1", Strategy: task.StrategyReact}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, et := range []string{"TaskQueued", "TaskRunning"} {
		_, _ = tasks.AppendEvent(ctx, task.NewEvent("t1", et, nil))
	}
	_ = traces.Append(ctx, trace.New("t1", "runtime.queued", trace.KindRuntime, time.Millisecond, nil))

	replay, err := audit.NewReplayService(tasks, traces).GetTaskReplay(ctx, "t1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Task.ID != "t1" || replay.Task.SessionID != "s1" {
		t.Fatalf("task = %+v", replay.Task)
	}
	if len(replay.Events) != 2 || replay.Events[0].EventType != "TaskQueued" {
		t.Fatalf("events = %+v", replay.Events)
	}
	if len(replay.Traces) != 1 || replay.Traces[0].Span != "runtime.queued" {
		t.Fatalf("traces = %+v", replay.Traces)
	}
}

func TestReplayService_WithoutTraceStore(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemoryStore()
	_ = tasks.CreateTask(ctx, task.Record{ID: "t1"})

	replay, err := audit.NewReplayService(tasks, nil).GetTaskReplay(ctx, "t1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Traces == nil || len(replay.Traces) != 0 {
		t.Fatalf("expected empty traces, got %#v", replay.Traces)
	}
	if replay.Events == nil {
		t.Fatal("events should be an empty slice, not nil")
	}
}

func TestReplayService_MissingTask(t *testing.T) {
	_, err := audit.NewReplayService(task.NewMemoryStore(), trace.NewMemoryStore()).GetTaskReplay(context.Background(), "nope")
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}
