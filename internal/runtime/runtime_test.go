package runtime_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/agent"
	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/executor"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/runtime"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
	"github.com/basket/taskcore/internal/trace"
)

type fixture struct {
	rt        *runtime.Runtime
	tasks     *task.MemoryStore
	traces    *trace.MemoryStore
	snapshots *coordinator.MemorySnapshotStore
	bus       *bus.Bus
	agents    *agent.Registry

	mu     sync.Mutex
	events []string
}

type fixtureOpts struct {
	approvals approval.Gateway
	policy    policy.Engine
	noStores  bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	f := &fixture{
		tasks:     task.NewMemoryStore(),
		traces:    trace.NewMemoryStore(),
		snapshots: coordinator.NewMemorySnapshotStore(),
		bus:       bus.New(),
		agents:    agent.NewRegistry(nil),
	}
	reg := tools.NewRegistry()
	reg.MustRegister(
		tools.Func{
			Def: tools.Definition{Name: "echo", DeclaredRisk: task.RiskLow},
			Fn: func(_ context.Context, call tools.Call, _ task.Context) (any, error) {
				return call.Input["msg"], nil
			},
		},
		tools.Func{
			Def: tools.Definition{Name: "wipe", DeclaredRisk: task.RiskCritical},
			Fn: func(context.Context, tools.Call, task.Context) (any, error) {
				return "wiped", nil
			},
		},
		tools.Func{
			Def: tools.Definition{Name: "broken", DeclaredRisk: task.RiskLow},
			Fn: func(context.Context, tools.Call, task.Context) (any, error) {
				return nil, errors.New("boom")
			},
		},
	)
	cfg := executor.Config{Registry: reg, Approvals: opts.approvals}
	if !opts.noStores {
		cfg.Traces = f.traces
	}
	ex := executor.New(cfg)
	f.agents.UseTools(ex)
	_ = f.agents.Register(runtime.RespondAgent, "", agent.KindCustom, runtime.RespondNode)

	rc := runtime.Config{
		Executor:  ex,
		Scheduler: coordinator.NewScheduler(f.agents.Resolve, coordinator.WithSnapshotStore(f.snapshots)),
		Policy:    opts.policy,
		Bus:       f.bus,
	}
	if !opts.noStores {
		rc.Tasks = f.tasks
		rc.Traces = f.traces
	}
	rt, err := runtime.New(rc)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	f.rt = rt
	f.bus.Subscribe(bus.AllEvents, func(_ context.Context, ev bus.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev.Type)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) published() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.events, ",")
}

func toolStep(id, tool string, input map[string]any) map[string]any {
	return map[string]any{"id": id, "action": "tool", "tool": tool, "input": input}
}

func TestSubmit_ReactLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	out, err := f.rt.Submit(ctx, task.Request{
		ID:          "t1",
		SessionID:   "s1",
		Instruction: "say hi",
		Metadata:    map[string]any{"steps": []any{toolStep("a", "echo", map[string]any{"msg": "hi"})}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != task.StatusSucceeded || out.Strategy != task.StrategyReact {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Steps == nil || out.Steps.Output() != "hi" {
		t.Fatalf("steps = %+v", out.Steps)
	}

	if got := f.published(); got != "TaskQueued,TaskRunning,TaskSucceeded" {
		t.Fatalf("published = %s", got)
	}
	rec, err := f.tasks.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Status != task.StatusSucceeded || rec.SessionID != "s1" || rec.OutputJSON == "" {
		t.Fatalf("record = %+v", rec)
	}
	events, _ := f.tasks.ListEvents(ctx, "t1")
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	if strings.Join(types, ",") != "TaskQueued,TaskRunning,TaskSucceeded" {
		t.Fatalf("event log = %v", types)
	}

	recs, _ := f.traces.Query(ctx, trace.Query{TaskID: "t1", Limit: 100})
	spans := map[string]bool{}
	for _, r := range recs {
		spans[r.Span] = true
	}
	for _, s := range []string{"runtime.queued", "runtime.running", "runtime.completed"} {
		if !spans[s] {
			t.Fatalf("missing span %s", s)
		}
	}
	if f.rt.IsActive("t1") {
		t.Fatal("finished task still active")
	}
}

func TestSubmit_WithoutStores(t *testing.T) {
	f := newFixture(t, fixtureOpts{noStores: true})
	out, err := f.rt.Submit(context.Background(), task.Request{Instruction: "hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != task.StatusSucceeded || out.Steps.Output() != "hello" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.TaskID == "" {
		t.Fatal("task id not generated")
	}
}

func TestSubmit_ApprovalRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{approvals: approval.Static{Approved: false}})
	out, err := f.rt.Submit(context.Background(), task.Request{
		ID:       "t1",
		Metadata: map[string]any{"steps": []any{toolStep("w", "wipe", nil)}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != task.StatusCanceled || !strings.Contains(out.Error, "Approval rejected") {
		t.Fatalf("outcome = %+v", out)
	}
	if out.RiskLevel != task.RiskCritical {
		t.Fatalf("risk = %s", out.RiskLevel)
	}
	if got := f.published(); got != "TaskQueued,TaskRunning,TaskWaitingApproval,TaskCanceled" {
		t.Fatalf("published = %s", got)
	}
	rec, _ := f.tasks.GetTask(context.Background(), "t1")
	if rec.Status != task.StatusCanceled || !strings.Contains(rec.ErrorText, "Approval rejected") {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubmit_GraphApprovalRejectedCancels(t *testing.T) {
	f := newFixture(t, fixtureOpts{approvals: approval.Static{Approved: false}})
	graph := map[string]any{"nodes": []any{map[string]any{"id": "w", "agent": "wipe"}}}
	out, err := f.rt.Submit(context.Background(), task.Request{ID: "g1", Metadata: map[string]any{"graph": graph}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Strategy != task.StrategyPlanExecute {
		t.Fatalf("strategy = %s", out.Strategy)
	}
	if out.Status != task.StatusCanceled || !strings.Contains(out.Error, "Approval rejected") {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Graph == nil || out.Graph.Status != coordinator.GraphCanceled {
		t.Fatalf("graph = %+v", out.Graph)
	}
	if got := f.published(); got != "TaskQueued,TaskRunning,TaskWaitingApproval,TaskCanceled" {
		t.Fatalf("published = %s", got)
	}
	rec, _ := f.tasks.GetTask(context.Background(), "g1")
	if rec.Status != task.StatusCanceled {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubmit_AlreadyCanceledContext(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.rt.Submit(ctx, task.Request{ID: "c0", Instruction: "too late"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != task.StatusCanceled || out.Steps != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := f.published(); got != "TaskQueued,TaskRunning,TaskCanceled" {
		t.Fatalf("published = %s", got)
	}
	events, _ := f.tasks.ListEvents(context.Background(), "c0")
	if len(events) != 3 {
		t.Fatalf("event log has %d entries, want 3", len(events))
	}
	recs, _ := f.traces.Query(context.Background(), trace.Query{TaskID: "c0", Limit: 100})
	spans := map[string]bool{}
	for _, r := range recs {
		spans[r.Span] = true
	}
	for _, s := range []string{"runtime.queued", "runtime.running", "runtime.completed"} {
		if !spans[s] {
			t.Fatalf("missing span %s", s)
		}
	}
	rec, _ := f.tasks.GetTask(context.Background(), "c0")
	if rec.Status != task.StatusCanceled {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubmit_ToolFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	out, _ := f.rt.Submit(context.Background(), task.Request{
		Metadata: map[string]any{"steps": []any{toolStep("b", "broken", nil)}},
	})
	if out.Status != task.StatusFailed || !strings.Contains(out.Error, "boom") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSubmit_PromptBlocked(t *testing.T) {
	f := newFixture(t, fixtureOpts{policy: policy.Configurable{BlockedPromptPatterns: []string{"rm -rf"}}})
	out, _ := f.rt.Submit(context.Background(), task.Request{Instruction: "please rm -rf /"})
	if out.Status != task.StatusCanceled || !strings.Contains(out.Error, "policy rejected") {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Steps != nil {
		t.Fatal("steps ran for a blocked prompt")
	}
}

func TestSubmit_PlanExecuteGraph(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "a", "agent": "echo", "input": map[string]any{"msg": "first"}},
			map[string]any{"id": "b", "agent": "respond", "depends_on": []any{"a"}},
		},
	}
	out, err := f.rt.Submit(context.Background(), task.Request{ID: "g1", Instruction: "run graph", Metadata: map[string]any{"graph": graph}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Strategy != task.StrategyPlanExecute || out.Status != task.StatusSucceeded {
		t.Fatalf("outcome = %+v (%s)", out, out.Error)
	}
	deps, _ := out.Graph.Outputs["b"].(map[string]any)
	if deps["a"] != "first" {
		t.Fatalf("outputs = %v", out.Graph.Outputs)
	}
	snap, err := f.snapshots.Get(context.Background(), out.Graph.SnapshotID)
	if err != nil || snap.TaskID != "g1" || snap.Status != coordinator.GraphSucceeded {
		t.Fatalf("snapshot = %+v %v", snap, err)
	}
}

func TestSubmit_ForcedPlanExecuteFallsBackToRespondNode(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mode := task.StrategyPlanExecute
	out, _ := f.rt.Submit(context.Background(), task.Request{Instruction: "hi", ForceMode: &mode})
	if out.Status != task.StatusSucceeded || out.Graph.Outputs["main"] != "hi" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCancel_StopsGraph(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	started := make(chan struct{})
	release := make(chan struct{})
	_ = f.agents.Register("slow", "", "", coordinator.NodeExecutorFunc(func(context.Context, coordinator.NodeContext) coordinator.NodeResult {
		close(started)
		<-release
		return coordinator.NodeResult{Success: true}
	}))
	graph := map[string]any{"nodes": []any{
		map[string]any{"id": "n1", "agent": "slow"},
		map[string]any{"id": "n2", "agent": "respond", "depends_on": []any{"n1"}},
	}}

	done := make(chan runtime.Outcome, 1)
	go func() {
		out, _ := f.rt.Submit(context.Background(), task.Request{ID: "c1", Metadata: map[string]any{"graph": graph}})
		done <- out
	}()
	<-started
	if !f.rt.Cancel("c1") {
		t.Fatal("Cancel reported task not live")
	}
	close(release)

	out := <-done
	if out.Status != task.StatusCanceled {
		t.Fatalf("status = %s", out.Status)
	}
	n2, _ := coordinator.Snapshot{Nodes: out.Graph.Nodes}.Node("n2")
	if n2.Status != coordinator.NodeSkipped {
		t.Fatalf("n2 = %+v", n2)
	}
	if f.rt.Cancel("c1") {
		t.Fatal("Cancel of finished task should report false")
	}
}

func TestStart_AsyncWithWaiter(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	waiter := coordinator.NewWaiter(f.bus, f.tasks)

	id, err := f.rt.Start(context.Background(), task.Request{Instruction: "async hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, err := waiter.WaitForTask(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
	if rec.Status != task.StatusSucceeded {
		t.Fatalf("record = %+v", rec)
	}
	f.rt.Wait()
}

func TestSubmit_DuplicateID(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if _, err := f.rt.Submit(context.Background(), task.Request{ID: "dup", Instruction: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.rt.Submit(context.Background(), task.Request{ID: "dup", Instruction: "b"})
	if !errors.Is(err, task.ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
}

func TestSubmit_EmptyRequest(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if _, err := f.rt.Submit(context.Background(), task.Request{}); !errors.Is(err, runtime.ErrEmptyInstruction) {
		t.Fatalf("err = %v", err)
	}
}
