// Package runtime drives one task end to end: persist, announce, route,
// execute, persist the outcome and announce it again.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/executor"
	"github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/router"
	"github.com/basket/taskcore/internal/shared"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/trace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyInstruction = errors.New("empty instruction")
	ErrNoScheduler      = errors.New("no graph scheduler configured")
)

// Config wires the runtime. Executor is required; everything else is
// optional and a missing store only loses history, never the run.
type Config struct {
	Router     *router.Router
	Executor   *executor.PolicyAwareExecutor
	Scheduler  *coordinator.Scheduler
	Planner    Planner
	Classifier coordinator.RiskClassifier
	// Policy screens the instruction before anything runs.
	Policy    policy.Engine
	Tasks     task.Store
	Traces    trace.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Telemetry *otel.Provider
}

// Outcome is what a finished run reports.
type Outcome struct {
	TaskID    string                 `json:"task_id"`
	SessionID string                 `json:"session_id"`
	Status    task.Status            `json:"status"`
	Strategy  task.Strategy          `json:"strategy"`
	RiskLevel task.RiskLevel         `json:"risk_level"`
	Steps     *executor.Result       `json:"steps,omitempty"`
	Graph     *coordinator.RunResult `json:"graph,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type activeRun struct {
	tc        task.Context
	ctx       context.Context
	cancel    context.CancelFunc
	canceled  atomic.Bool
	startedAt time.Time
}

type Runtime struct {
	cfg    Config
	logger *slog.Logger
	tel    *otel.Provider

	mu     sync.RWMutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func New(cfg Config) (*Runtime, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("runtime: executor is required")
	}
	if cfg.Router == nil {
		cfg.Router = router.New(router.Config{})
	}
	if cfg.Planner == nil {
		cfg.Planner = MetadataPlanner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:    cfg,
		logger: logger.With("component", "runtime"),
		tel:    otel.OrNoop(cfg.Telemetry),
		active: make(map[string]*activeRun),
	}
	cfg.Executor.OnWaitingApproval(r.waitingApproval)
	return r, nil
}

// Submit runs req to completion and returns its outcome. The error is
// non-nil only when the task could not be accepted at all.
func (r *Runtime) Submit(ctx context.Context, req task.Request) (Outcome, error) {
	ar, err := r.accept(ctx, req, false)
	if err != nil {
		return Outcome{}, err
	}
	defer ar.cancel()
	return r.execute(ar), nil
}

// Start accepts req and runs it in the background. The run is detached from
// ctx's cancellation; use Cancel to stop it.
func (r *Runtime) Start(ctx context.Context, req task.Request) (string, error) {
	ar, err := r.accept(ctx, req, true)
	if err != nil {
		return "", err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ar.cancel()
		r.execute(ar)
	}()
	return ar.tc.Request.ID, nil
}

// Cancel requests cooperative cancellation of a live task. It reports
// whether the task was live.
func (r *Runtime) Cancel(taskID string) bool {
	r.mu.RLock()
	ar, ok := r.active[taskID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	ar.canceled.Store(true)
	ar.cancel()
	r.logger.Info("task cancel requested", "task_id", taskID)
	return true
}

// IsActive reports whether taskID is queued or running in this process.
func (r *Runtime) IsActive(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[taskID]
	return ok
}

// ActiveTasks returns the ids of live tasks.
func (r *Runtime) ActiveTasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every background run has finished.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Drain cancels every live task and waits up to timeout for background
// runs to finish.
func (r *Runtime) Drain(timeout time.Duration) {
	for _, id := range r.ActiveTasks() {
		r.Cancel(id)
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("drain timed out", "timeout", timeout)
	}
}

// accept persists the task as queued and announces it. With detach the
// run's context ignores cancellation of ctx.
func (r *Runtime) accept(ctx context.Context, req task.Request, detach bool) (*activeRun, error) {
	if req.Instruction == "" && req.Metadata == nil {
		return nil, ErrEmptyInstruction
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	strategy, sig := r.cfg.Router.Route(req)
	tc := task.Context{
		Request:   req,
		Strategy:  strategy,
		RiskLevel: task.RiskLow,
		CreatedAt: time.Now().UTC(),
	}
	ctx = withTask(ctx, tc)

	parent := ctx
	if detach {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(parent)
	ar := &activeRun{tc: tc, ctx: runCtx, cancel: cancel, startedAt: time.Now()}

	r.mu.Lock()
	if _, dup := r.active[req.ID]; dup {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("submit %s: %w", req.ID, task.ErrTaskExists)
	}
	r.active[req.ID] = ar
	r.mu.Unlock()

	// The queued record and announcement land even if the caller already gave up.
	pctx := context.WithoutCancel(ctx)
	if r.cfg.Tasks != nil {
		input, _ := json.Marshal(req)
		err := r.cfg.Tasks.CreateTask(pctx, task.Record{
			ID:        req.ID,
			SessionID: req.SessionID,
			Status:    task.StatusQueued,
			Strategy:  strategy,
			RiskLevel: tc.RiskLevel,
			InputJSON: string(input),
			CreatedAt: tc.CreatedAt,
			UpdatedAt: tc.CreatedAt,
		})
		if errors.Is(err, task.ErrTaskExists) {
			r.release(req.ID)
			cancel()
			return nil, fmt.Errorf("submit %s: %w", req.ID, err)
		}
		if err != nil {
			r.logger.Warn("persist task failed", "task_id", req.ID, "error", err)
		}
	}
	r.appendTrace(pctx, req.ID, "runtime.queued", 0, map[string]any{
		"strategy":         string(strategy),
		"complexity_score": sig.ComplexityScore,
		"forced":           sig.ForceMode != nil,
	})
	r.announce(pctx, tc, task.StatusQueued, bus.TaskQueued)
	r.logger.Info("task queued", "task_id", req.ID, "session_id", req.SessionID, "strategy", strategy)
	return ar, nil
}

func (r *Runtime) release(taskID string) {
	r.mu.Lock()
	delete(r.active, taskID)
	r.mu.Unlock()
}

func (r *Runtime) execute(ar *activeRun) Outcome {
	defer r.release(ar.tc.Request.ID)
	tc := ar.tc
	taskID := tc.Request.ID
	ctx := ar.ctx
	logger := r.logger.With(shared.LogAttrs(ctx)...)

	ctx, span := otel.StartSpan(ctx, r.tel.Tracer, "runtime.task",
		otel.AttrTaskID.String(taskID),
		otel.AttrSessionID.String(tc.Request.SessionID),
		otel.AttrStrategy.String(string(tc.Strategy)),
	)
	defer span.End()
	r.tel.Metrics.ActiveTasks.Add(ctx, 1)
	defer r.tel.Metrics.ActiveTasks.Add(context.WithoutCancel(ctx), -1)

	out := Outcome{TaskID: taskID, SessionID: tc.Request.SessionID, Strategy: tc.Strategy, RiskLevel: tc.RiskLevel}

	// Every run passes through running, so a task canceled before it started
	// still carries all three runtime spans and lifecycle events.
	pctx := context.WithoutCancel(ctx)
	r.transition(pctx, taskID, task.Update{Status: task.StatusRunning})
	r.appendTrace(pctx, taskID, "runtime.running", time.Since(ar.startedAt), map[string]any{"strategy": string(tc.Strategy)})
	r.announce(pctx, tc, task.StatusRunning, bus.TaskRunning)
	logger.Info("task running")

	if err := ctx.Err(); err != nil {
		out.Status = task.StatusCanceled
		out.Error = err.Error()
		return r.finish(ctx, ar, out, span)
	}

	if r.cfg.Policy != nil {
		d := r.cfg.Policy.EvaluatePrompt(ctx, tc.Request.Instruction, tc)
		if d.RiskLevel.Valid() {
			out.RiskLevel = task.MaxRisk(out.RiskLevel, d.RiskLevel)
		}
		if !d.Allow {
			r.tel.Metrics.CountDenial(ctx, "prompt")
			out.Status = task.StatusCanceled
			out.Error = fmt.Errorf("%w: %s", executor.ErrPolicyRejected, d.Reason).Error()
			return r.finish(ctx, ar, out, span)
		}
	}

	switch tc.Strategy {
	case task.StrategyPlanExecute:
		r.runGraph(ctx, ar, &out)
	default:
		r.runSteps(ctx, ar, &out)
	}
	return r.finish(ctx, ar, out, span)
}

func (r *Runtime) runSteps(ctx context.Context, ar *activeRun, out *Outcome) {
	steps, err := r.cfg.Planner.PlanSteps(ctx, ar.tc)
	if err != nil {
		out.Status = task.StatusFailed
		out.Error = fmt.Sprintf("plan steps: %v", err)
		return
	}
	res := r.cfg.Executor.Run(ctx, ar.tc, steps)
	out.Steps = &res
	out.RiskLevel = task.MaxRisk(out.RiskLevel, res.Metadata.RiskLevel)
	out.Error = res.Error
	switch res.Status {
	case executor.StatusSucceeded:
		out.Status = task.StatusSucceeded
	case executor.StatusCanceled:
		out.Status = task.StatusCanceled
	default:
		out.Status = task.StatusFailed
	}
}

func (r *Runtime) runGraph(ctx context.Context, ar *activeRun, out *Outcome) {
	if r.cfg.Scheduler == nil {
		out.Status = task.StatusFailed
		out.Error = ErrNoScheduler.Error()
		return
	}
	g, err := r.cfg.Planner.PlanGraph(ctx, ar.tc)
	if err != nil {
		out.Status = task.StatusFailed
		out.Error = fmt.Sprintf("plan graph: %v", err)
		return
	}
	if r.cfg.Classifier != nil {
		for _, n := range g.Nodes {
			out.RiskLevel = task.MaxRisk(out.RiskLevel, r.cfg.Classifier.ClassifyAgent(ctx, n.Agent))
		}
	}
	res, err := r.cfg.Scheduler.Run(ctx, coordinator.RunInput{
		TaskID:       ar.tc.Request.ID,
		SessionID:    ar.tc.Request.SessionID,
		Graph:        g,
		ShouldCancel: ar.canceled.Load,
	})
	out.Graph = &res
	out.Error = res.Error
	if err != nil {
		out.Status = task.StatusFailed
		out.Error = err.Error()
		return
	}
	switch res.Status {
	case coordinator.GraphSucceeded:
		out.Status = task.StatusSucceeded
	case coordinator.GraphCanceled:
		out.Status = task.StatusCanceled
	default:
		out.Status = task.StatusFailed
	}
}

// finish persists the terminal state and announces it. Store writes use a
// context that survives cancellation of the run.
func (r *Runtime) finish(ctx context.Context, ar *activeRun, out Outcome, span oteltrace.Span) Outcome {
	persistCtx := context.WithoutCancel(ctx)
	elapsed := time.Since(ar.startedAt)
	taskID := out.TaskID

	var output string
	if out.Steps != nil || out.Graph != nil {
		if raw, err := json.Marshal(struct {
			Steps *executor.Result       `json:"steps,omitempty"`
			Graph *coordinator.RunResult `json:"graph,omitempty"`
		}{out.Steps, out.Graph}); err == nil {
			output = string(raw)
		}
	}
	r.transition(persistCtx, taskID, task.Update{
		Status:     out.Status,
		RiskLevel:  out.RiskLevel,
		OutputJSON: output,
		ErrorText:  out.Error,
	})
	r.appendTrace(persistCtx, taskID, "runtime.completed", elapsed, map[string]any{
		"status":     string(out.Status),
		"strategy":   string(out.Strategy),
		"risk_level": string(out.RiskLevel),
		"error":      out.Error,
	})
	r.release(taskID)
	tc := ar.tc
	tc.RiskLevel = out.RiskLevel
	r.announce(persistCtx, tc, out.Status, bus.TerminalEventType(out.Status))

	r.tel.Metrics.TaskDuration.Record(persistCtx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("strategy", string(out.Strategy)),
		attribute.String("status", string(out.Status)),
	))
	span.SetAttributes(otel.AttrStatus.String(string(out.Status)), otel.AttrRiskLevel.String(string(out.RiskLevel)))
	if out.Status == task.StatusFailed {
		span.SetStatus(codes.Error, out.Error)
	}
	r.logger.Info("task finished", "task_id", taskID, "status", out.Status, "elapsed_ms", elapsed.Milliseconds(), "error", out.Error)
	return out
}

func (r *Runtime) transition(ctx context.Context, taskID string, upd task.Update) {
	if r.cfg.Tasks == nil {
		return
	}
	if _, err := r.cfg.Tasks.UpdateTask(ctx, taskID, upd); err != nil {
		r.logger.Warn("persist task status failed", "task_id", taskID, "status", upd.Status, "error", err)
	}
}

// announce appends the lifecycle event to the task log, then publishes it.
func (r *Runtime) announce(ctx context.Context, tc task.Context, status task.Status, eventType string) {
	ev := bus.TaskEvent{
		TaskID:    tc.Request.ID,
		SessionID: tc.Request.SessionID,
		Status:    status,
		Strategy:  tc.Strategy,
		Timestamp: time.Now().UTC(),
	}
	if r.cfg.Tasks != nil {
		if _, err := r.cfg.Tasks.AppendEvent(ctx, task.NewEvent(ev.TaskID, eventType, ev)); err != nil {
			r.logger.Warn("append task event failed", "task_id", ev.TaskID, "event", eventType, "error", err)
		}
	}
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(ctx, eventType, ev)
	}
}

func (r *Runtime) waitingApproval(ctx context.Context, req approval.Request) {
	r.mu.RLock()
	ar, ok := r.active[req.TaskID]
	r.mu.RUnlock()
	tc := task.Context{Request: task.Request{ID: req.TaskID}}
	if ok {
		tc = ar.tc
	}
	r.announce(ctx, tc, task.StatusRunning, bus.TaskWaitingApproval)
}

func (r *Runtime) appendTrace(ctx context.Context, taskID, span string, latency time.Duration, payload map[string]any) {
	if r.cfg.Traces == nil {
		return
	}
	if err := r.cfg.Traces.Append(ctx, trace.New(taskID, span, trace.KindRuntime, latency, payload)); err != nil {
		r.logger.Warn("append trace failed", "task_id", taskID, "span", span, "error", err)
	}
}

func withTask(ctx context.Context, tc task.Context) context.Context {
	ctx = shared.WithTaskID(ctx, tc.Request.ID)
	if tc.Request.SessionID != "" {
		ctx = shared.WithSessionID(ctx, tc.Request.SessionID)
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	return ctx
}
