package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
)

type fixedRisk map[string]task.RiskLevel

func (f fixedRisk) ClassifyAgent(_ context.Context, agent string) task.RiskLevel {
	if r, ok := f[agent]; ok {
		return r
	}
	return task.RiskLow
}

type resumeFixture struct {
	snapshots  *coordinator.MemorySnapshotStore
	tasks      *task.MemoryStore
	svc        *coordinator.ResumeService
	runs       atomic.Int32
	failDeploy atomic.Bool
	snapID     string

	// When hold is set, deploy signals entered and blocks until hold closes.
	entered chan struct{}
	hold    chan struct{}
}

// newResumeFixture runs a plan -> deploy graph where deploy fails, leaving a
// failed snapshot behind for resume.
func newResumeFixture(t *testing.T) *resumeFixture {
	t.Helper()
	f := &resumeFixture{
		snapshots: coordinator.NewMemorySnapshotStore(),
		tasks:     task.NewMemoryStore(),
	}
	f.failDeploy.Store(true)
	agents := map[string]coordinator.NodeExecutor{
		"planner": coordinator.NodeExecutorFunc(func(context.Context, coordinator.NodeContext) coordinator.NodeResult {
			f.runs.Add(1)
			return coordinator.NodeResult{Success: true, Output: "plan"}
		}),
		"deployer": coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
			f.runs.Add(1)
			if f.hold != nil {
				f.entered <- struct{}{}
				<-f.hold
			}
			if f.failDeploy.Load() {
				return coordinator.NodeResult{Error: "cluster unreachable"}
			}
			return coordinator.NodeResult{Success: true, Output: nc.DependencyResults["plan"]}
		}),
	}
	sched := coordinator.NewScheduler(resolverFor(agents), coordinator.WithSnapshotStore(f.snapshots))
	g := coordinator.Graph{ID: "release", Nodes: []coordinator.Node{
		{ID: "plan", Agent: "planner"},
		{ID: "deploy", Agent: "deployer", DependsOn: []string{"plan"}},
	}}
	res, err := sched.Run(context.Background(), coordinator.RunInput{TaskID: "task-1", SessionID: "s1", Graph: g})
	if err != nil {
		t.Fatalf("initial run: %v", err)
	}
	if res.Status != coordinator.GraphFailed {
		t.Fatalf("initial status = %s, want failed", res.Status)
	}
	f.snapID = res.SnapshotID
	f.runs.Store(0)
	f.failDeploy.Store(false)
	f.svc = &coordinator.ResumeService{
		Snapshots:  f.snapshots,
		Scheduler:  sched,
		Tasks:      f.tasks,
		Classifier: fixedRisk{"deployer": task.RiskHigh},
	}
	return f
}

func TestResume_PreviewReportsHighRisk(t *testing.T) {
	f := newResumeFixture(t)
	p, err := f.svc.Preview(context.Background(), f.snapID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.CanResume {
		t.Fatalf("expected resumable snapshot: %+v", p)
	}
	if p.RiskLevel != task.RiskHigh {
		t.Fatalf("risk = %s, want high", p.RiskLevel)
	}
	if p.TaskID != "task-1" || strings.Join(p.PendingNodes, ",") != "deploy" {
		t.Fatalf("unexpected preview: %+v", p)
	}
}

func TestResume_HighRiskNeedsConfirmation(t *testing.T) {
	f := newResumeFixture(t)
	res, err := f.svc.Execute(context.Background(), coordinator.ExecuteInput{SnapshotID: f.snapID})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("unconfirmed high-risk resume must not succeed")
	}
	if !strings.Contains(res.Message, "manual confirmation required") {
		t.Fatalf("message = %q", res.Message)
	}
	if n := f.runs.Load(); n != 0 {
		t.Fatalf("%d nodes ran without confirmation", n)
	}
	events, _ := f.tasks.ListEvents(context.Background(), "task-1")
	if len(events) != 0 {
		t.Fatalf("no event expected for a refused resume, got %d", len(events))
	}
}

func TestResume_ConfirmedRerunsOnlyUnfinishedNodes(t *testing.T) {
	f := newResumeFixture(t)
	ctx := context.Background()
	res, err := f.svc.Execute(ctx, coordinator.ExecuteInput{SnapshotID: f.snapID, Confirmed: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("resume failed: %s", res.Message)
	}
	if res.ReplayTaskID != "task-1" {
		t.Fatalf("replay task id = %q, want task-1", res.ReplayTaskID)
	}
	if n := f.runs.Load(); n != 1 {
		t.Fatalf("ran %d nodes, want only deploy", n)
	}
	if res.Result == nil || res.Result.SnapshotID != f.snapID {
		t.Fatalf("resume must write to the same snapshot: %+v", res.Result)
	}
	if res.Result.Outputs["deploy"] != "plan" {
		t.Fatalf("deploy output = %v, want prior plan output", res.Result.Outputs["deploy"])
	}

	snap, err := f.snapshots.Get(ctx, f.snapID)
	if err != nil || snap.Status != coordinator.GraphSucceeded {
		t.Fatalf("snapshot after resume: %v %v", snap.Status, err)
	}

	events, _ := f.tasks.ListEvents(ctx, "task-1")
	if len(events) != 1 || events[0].EventType != coordinator.EventResumeExecuted {
		t.Fatalf("events = %+v", events)
	}
	payload := task.DecodeObject(events[0].PayloadJSON)
	if payload["snapshot_id"] != f.snapID || payload["status"] != "succeeded" {
		t.Fatalf("event payload = %v", payload)
	}
}

func TestResume_LowRiskRunsWithoutConfirmation(t *testing.T) {
	f := newResumeFixture(t)
	f.svc.Classifier = fixedRisk{}
	res, err := f.svc.Execute(context.Background(), coordinator.ExecuteInput{SnapshotID: f.snapID})
	if err != nil || !res.Success {
		t.Fatalf("execute: %+v %v", res, err)
	}
}

func TestResume_RefusesLiveTask(t *testing.T) {
	f := newResumeFixture(t)
	f.svc.IsLive = func(id string) bool { return id == "task-1" }
	res, err := f.svc.Execute(context.Background(), coordinator.ExecuteInput{SnapshotID: f.snapID, Confirmed: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || f.runs.Load() != 0 {
		t.Fatalf("live task resumed: %+v", res)
	}
}

func TestResume_ConcurrentResumesRunOnce(t *testing.T) {
	f := newResumeFixture(t)
	f.entered = make(chan struct{}, 1)
	f.hold = make(chan struct{})
	ctx := context.Background()
	in := coordinator.ExecuteInput{SnapshotID: f.snapID, Confirmed: true}

	first := make(chan coordinator.ExecuteResult, 1)
	go func() {
		res, _ := f.svc.Execute(ctx, in)
		first <- res
	}()
	<-f.entered

	snap, err := f.snapshots.Get(ctx, f.snapID)
	if err != nil || snap.Status != coordinator.GraphRunning {
		t.Fatalf("mid-run snapshot = %s %v", snap.Status, err)
	}
	p, err := f.svc.Preview(ctx, f.snapID)
	if err != nil || p.CanResume || p.Reason == "" {
		t.Fatalf("preview during resume = %+v %v", p, err)
	}

	var wg sync.WaitGroup
	refused := make(chan coordinator.ExecuteResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Execute(ctx, in)
			if err != nil {
				t.Errorf("execute: %v", err)
			}
			refused <- res
		}()
	}
	wg.Wait()
	close(refused)
	for res := range refused {
		if res.Success || res.Result != nil || !strings.Contains(res.Message, "already being resumed") {
			t.Fatalf("second resume = %+v", res)
		}
	}

	close(f.hold)
	if res := <-first; !res.Success {
		t.Fatalf("first resume = %+v", res)
	}
	if n := f.runs.Load(); n != 1 {
		t.Fatalf("deploy ran %d times, want 1", n)
	}
	if p, _ := f.svc.Preview(ctx, f.snapID); !p.CanResume {
		t.Fatalf("preview after resume = %+v", p)
	}
}

func TestResume_RefusesRunningSnapshot(t *testing.T) {
	f := newResumeFixture(t)
	ctx := context.Background()
	snap, _ := f.snapshots.Get(ctx, f.snapID)
	snap.Status = coordinator.GraphRunning
	if err := f.snapshots.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	p, err := f.svc.Preview(ctx, f.snapID)
	if err != nil || p.CanResume || !strings.Contains(p.Reason, "still running") {
		t.Fatalf("preview = %+v %v", p, err)
	}
	res, err := f.svc.Execute(ctx, coordinator.ExecuteInput{SnapshotID: f.snapID, Confirmed: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.Result != nil || f.runs.Load() != 0 {
		t.Fatalf("running snapshot resumed: %+v", res)
	}
}

func TestResume_MissingSnapshot(t *testing.T) {
	f := newResumeFixture(t)
	if _, err := f.svc.Preview(context.Background(), "missing"); !errors.Is(err, coordinator.ErrSnapshotNotFound) {
		t.Fatalf("preview err = %v", err)
	}
	if _, err := f.svc.Execute(context.Background(), coordinator.ExecuteInput{SnapshotID: "missing"}); !errors.Is(err, coordinator.ErrSnapshotNotFound) {
		t.Fatalf("execute err = %v", err)
	}
}

func TestPolicyRiskClassifier(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(
		tools.Func{Def: tools.Definition{Name: "read", DeclaredRisk: task.RiskLow}},
		tools.Func{Def: tools.Definition{Name: "shell", DeclaredRisk: task.RiskMedium}},
	)
	c := coordinator.PolicyRiskClassifier{
		Registry: reg,
		Policy: policy.Configurable{
			Threshold: policy.Threshold{ApprovalThreshold: task.RiskHigh},
			Rules:     []policy.Rule{{Tool: "shell", Blocked: true}},
		},
		Overrides: map[string]task.RiskLevel{"deployer": task.RiskCritical},
	}
	ctx := context.Background()
	cases := map[string]task.RiskLevel{
		"read":     task.RiskLow,
		"shell":    task.RiskHigh,
		"deployer": task.RiskCritical,
		"unknown":  task.RiskMedium,
	}
	for agent, want := range cases {
		if got := c.ClassifyAgent(ctx, agent); got != want {
			t.Fatalf("%s: risk = %s, want %s", agent, got, want)
		}
	}
}
