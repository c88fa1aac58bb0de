// Package executor runs ordered step lists with every tool call passing
// through the sandbox, the policy engine and, when asked for, a human
// approval.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/safety"
	"github.com/basket/taskcore/internal/shared"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
	"github.com/basket/taskcore/internal/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrPolicyRejected   = errors.New("policy rejected")
	ErrApprovalRejected = errors.New("Approval rejected")
	ErrToolExecution    = errors.New("tool execution failed")
)

type Action string

const (
	ActionTool    Action = "tool"
	ActionRespond Action = "respond"
)

// Step is one unit of a linear plan. Tool names the registered tool for
// tool steps; respond steps carry their reply in Input["text"].
type Step struct {
	ID     string         `json:"id" yaml:"id"`
	Title  string         `json:"title,omitempty" yaml:"title"`
	Action Action         `json:"action" yaml:"action"`
	Tool   string         `json:"tool,omitempty" yaml:"tool"`
	Input  map[string]any `json:"input,omitempty" yaml:"input"`
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

type StepResult struct {
	StepID    string         `json:"step_id"`
	Action    Action         `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Status    Status         `json:"status"`
	RiskLevel task.RiskLevel `json:"risk_level,omitempty"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

type Metadata struct {
	StepCount int            `json:"step_count"`
	RiskLevel task.RiskLevel `json:"risk_level"`
}

// Result is the outcome of Run. Err wraps one of the package sentinels or
// a tools sentinel so callers can use errors.Is.
type Result struct {
	Status   Status       `json:"status"`
	Steps    []StepResult `json:"steps"`
	Metadata Metadata     `json:"metadata"`
	Error    string       `json:"error,omitempty"`
	Err      error        `json:"-"`
}

// Output returns the output of the last succeeded step.
func (r Result) Output() any {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Status == StatusSucceeded {
			return r.Steps[i].Output
		}
	}
	return nil
}

// WaitingApprovalFunc is called right before a step suspends on the
// approval gateway.
type WaitingApprovalFunc func(ctx context.Context, req approval.Request)

type Config struct {
	Registry  *tools.Registry
	Sandbox   *tools.Sandbox
	Policy    policy.Engine
	Approvals approval.Gateway
	Traces    trace.Store
	Logger    *slog.Logger
	Telemetry *otel.Provider
	// ApprovalTimeout bounds each approval wait. Zero means wait until the
	// run's context ends. A timed out request counts as rejected.
	ApprovalTimeout   time.Duration
	OnWaitingApproval WaitingApprovalFunc
}

// PolicyAwareExecutor runs steps in order and halts at the first step that
// is denied, rejected or fails. It never retries.
type PolicyAwareExecutor struct {
	cfg    Config
	logger *slog.Logger
	tel    *otel.Provider
}

func New(cfg Config) *PolicyAwareExecutor {
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = tools.NewSandbox(cfg.Registry, tools.Permissions{})
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Threshold{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyAwareExecutor{
		cfg:    cfg,
		logger: logger.With("component", "executor"),
		tel:    otel.OrNoop(cfg.Telemetry),
	}
}

// OnWaitingApproval adds fn to the hooks run before an approval wait. Call
// it before the first Run.
func (e *PolicyAwareExecutor) OnWaitingApproval(fn WaitingApprovalFunc) {
	prev := e.cfg.OnWaitingApproval
	if prev == nil {
		e.cfg.OnWaitingApproval = fn
		return
	}
	e.cfg.OnWaitingApproval = func(ctx context.Context, req approval.Request) {
		prev(ctx, req)
		fn(ctx, req)
	}
}

// Registry returns the tool registry steps are resolved against.
func (e *PolicyAwareExecutor) Registry() *tools.Registry { return e.cfg.Registry }

// Run executes steps for the task described by tc.
func (e *PolicyAwareExecutor) Run(ctx context.Context, tc task.Context, steps []Step) Result {
	res := Result{Status: StatusSucceeded, Steps: make([]StepResult, 0, len(steps))}
	risk := task.RiskLow
	if tc.RiskLevel.Valid() {
		risk = tc.RiskLevel
	}
	for i, step := range steps {
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if err := ctx.Err(); err != nil {
			res.Status = StatusCanceled
			res.Err = err
			break
		}
		res.Metadata.StepCount++

		var sr StepResult
		var err error
		switch step.Action {
		case ActionRespond, "":
			sr = respond(step)
		case ActionTool:
			sr, err = e.runTool(ctx, tc, step)
		default:
			sr = StepResult{StepID: step.ID, Action: step.Action, Status: StatusFailed}
			err = fmt.Errorf("step %s: unknown action %q", step.ID, step.Action)
			sr.Error = err.Error()
		}
		if sr.RiskLevel.Valid() {
			risk = task.MaxRisk(risk, sr.RiskLevel)
		}
		res.Steps = append(res.Steps, sr)
		if sr.Status != StatusSucceeded {
			res.Status = sr.Status
			res.Err = err
			break
		}
	}
	res.Metadata.RiskLevel = risk
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	return res
}

func respond(step Step) StepResult {
	var out any = step.Title
	if text, ok := step.Input["text"]; ok {
		out = text
	}
	return StepResult{StepID: step.ID, Action: ActionRespond, Status: StatusSucceeded, Output: out}
}

func (e *PolicyAwareExecutor) runTool(ctx context.Context, tc task.Context, step Step) (StepResult, error) {
	sr := StepResult{StepID: step.ID, Action: ActionTool, Tool: step.Tool}
	call := tools.Call{Name: step.Tool, Input: step.Input, TaskID: tc.Request.ID}
	logger := e.logger.With(append(shared.LogAttrs(ctx), "task_id", tc.Request.ID, "step_id", step.ID, "tool", step.Tool)...)

	ctx, span := otel.StartSpan(ctx, e.tel.Tracer, "executor.step",
		otel.AttrTaskID.String(tc.Request.ID),
		otel.AttrToolName.String(step.Tool),
	)
	defer span.End()

	fail := func(status Status, err error) (StepResult, error) {
		sr.Status = status
		sr.Error = err.Error()
		span.SetStatus(codes.Error, sr.Error)
		logger.Info("step halted", "status", status, "error", sr.Error)
		return sr, fmt.Errorf("step %s: %w", step.ID, err)
	}

	// 1. sandbox
	authz := e.cfg.Sandbox.Authorize(call, tc)
	if !authz.Allowed {
		e.tel.Metrics.CountDenial(ctx, "sandbox")
		audit.Record(ctx, audit.Entry{
			Decision:  audit.DecisionDeny,
			Operation: "tool." + step.Tool,
			Reason:    authz.Reason,
			TaskID:    tc.Request.ID,
		})
		e.appendTrace(ctx, tc.Request.ID, "executor.sandbox", trace.KindPolicy, 0, map[string]any{
			"step_id": step.ID, "tool": step.Tool, "allowed": false, "reason": authz.Reason,
		})
		return fail(StatusCanceled, e.authError(step.Tool, authz.Reason))
	}

	// 2. policy
	var defPtr *tools.Definition
	if def, ok := e.cfg.Registry.Definition(step.Tool); ok {
		defPtr = &def
	}
	decision := e.cfg.Policy.EvaluateToolCall(ctx, call, tc, defPtr)
	sr.RiskLevel = decision.RiskLevel
	span.SetAttributes(otel.AttrRiskLevel.String(string(decision.RiskLevel)))
	auditEntry := audit.Entry{
		Operation:     "tool." + step.Tool,
		Reason:        decision.Reason,
		RiskLevel:     string(decision.RiskLevel),
		PolicyVersion: policyVersion(e.cfg.Policy),
		TaskID:        tc.Request.ID,
	}
	e.appendTrace(ctx, tc.Request.ID, "executor.policy", trace.KindPolicy, 0, map[string]any{
		"step_id":           step.ID,
		"tool":              step.Tool,
		"allow":             decision.Allow,
		"risk_level":        string(decision.RiskLevel),
		"requires_approval": decision.RequiresApproval,
		"reason":            decision.Reason,
	})
	if !decision.Allow {
		e.tel.Metrics.CountDenial(ctx, "policy")
		auditEntry.Decision = audit.DecisionDeny
		audit.Record(ctx, auditEntry)
		reason := decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("tool %s denied at risk %s", step.Tool, decision.RiskLevel)
		}
		return fail(StatusCanceled, fmt.Errorf("%w: %s", ErrPolicyRejected, reason))
	}

	// 3. approval
	if decision.RequiresApproval {
		auditEntry.Decision = audit.DecisionApprovalRequired
		audit.Record(ctx, auditEntry)
		approved, reason, err := e.awaitApproval(ctx, tc, step, decision)
		if err != nil {
			return fail(StatusCanceled, err)
		}
		if !approved {
			auditEntry.Decision = audit.DecisionRejected
			auditEntry.Reason = reason
			audit.Record(ctx, auditEntry)
			e.tel.Metrics.CountDenial(ctx, "approval")
			return fail(StatusCanceled, fmt.Errorf("%w: %s", ErrApprovalRejected, reason))
		}
		auditEntry.Decision = audit.DecisionApproved
		auditEntry.Reason = reason
		audit.Record(ctx, auditEntry)
	} else {
		auditEntry.Decision = audit.DecisionAllow
		audit.Record(ctx, auditEntry)
	}

	// 4. input schema
	if err := e.cfg.Registry.ValidateInput(step.Tool, step.Input); err != nil {
		return fail(StatusFailed, err)
	}

	// 5. invoke
	tool, ok := e.cfg.Registry.Get(step.Tool)
	if !ok {
		return fail(StatusCanceled, fmt.Errorf("%w: %s", tools.ErrToolNotFound, step.Tool))
	}
	start := time.Now()
	out := tool.Execute(ctx, call, tc)
	elapsed := time.Since(start)
	sr.ElapsedMs = out.ElapsedMs
	if sr.ElapsedMs == 0 {
		sr.ElapsedMs = elapsed.Milliseconds()
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", step.Tool),
		attribute.Bool("success", out.Success),
	)
	e.tel.Metrics.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
	e.appendTrace(ctx, tc.Request.ID, "executor.tool", trace.KindTool, elapsed, map[string]any{
		"step_id": step.ID,
		"tool":    step.Tool,
		"success": out.Success,
		"error":   out.Error,
	})
	if !out.Success {
		e.tel.Metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", step.Tool)))
		msg := out.Error
		if msg == "" {
			msg = "tool returned no output"
		}
		return fail(StatusFailed, fmt.Errorf("%w: %s: %s", ErrToolExecution, step.Tool, msg))
	}
	sr.Status = StatusSucceeded
	sr.Output = out.Output
	if secrets := scanOutput(out.Output); len(secrets) > 0 {
		kinds := safety.Kinds(secrets)
		logger.Warn("tool output looks like it contains secrets", "kinds", kinds)
		audit.Record(ctx, audit.Entry{
			Decision:  audit.DecisionAllow,
			Operation: "tool." + step.Tool,
			Reason:    "output contains " + strings.Join(kinds, ","),
			TaskID:    tc.Request.ID,
		})
		e.appendTrace(ctx, tc.Request.ID, "executor.secrets", trace.KindPolicy, 0, map[string]any{
			"step_id": step.ID, "tool": step.Tool, "kinds": kinds,
		})
	}
	logger.Debug("step succeeded", "elapsed_ms", sr.ElapsedMs)
	return sr, nil
}

func scanOutput(v any) []safety.Secret {
	switch o := v.(type) {
	case nil:
		return nil
	case string:
		return safety.FindSecrets(o)
	default:
		b, err := json.Marshal(o)
		if err != nil {
			return nil
		}
		return safety.FindSecrets(string(b))
	}
}

// awaitApproval suspends on the gateway. It reports a non-nil error only
// when the run itself was canceled while waiting.
func (e *PolicyAwareExecutor) awaitApproval(ctx context.Context, tc task.Context, step Step, d policy.Decision) (bool, string, error) {
	reason := d.Reason
	if reason == "" {
		reason = fmt.Sprintf("tool %s requires approval at risk %s", step.Tool, d.RiskLevel)
	}
	req := approval.Request{
		TaskID:    tc.Request.ID,
		Reason:    reason,
		RiskLevel: d.RiskLevel,
		Operation: "tool." + step.Tool,
		Payload: map[string]any{
			"step_id": step.ID,
			"title":   step.Title,
			"input":   shared.RedactPayload(step.Input),
		},
	}
	e.tel.Metrics.ApprovalsRequested.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", step.Tool)))
	if e.cfg.Approvals == nil {
		e.appendTrace(ctx, tc.Request.ID, "executor.approval", trace.KindApproval, 0, map[string]any{
			"step_id": step.ID, "tool": step.Tool, "approved": false, "reason": "no approval gateway",
		})
		return false, "no approval gateway configured", nil
	}
	if e.cfg.OnWaitingApproval != nil {
		e.cfg.OnWaitingApproval(ctx, req)
	}

	wctx := ctx
	if e.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, e.cfg.ApprovalTimeout)
		defer cancel()
	}
	start := time.Now()
	dec, err := e.cfg.Approvals.RequestApproval(wctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			dec = approval.Decision{Comment: fmt.Sprintf("approval timed out after %s", e.cfg.ApprovalTimeout)}
		} else {
			return false, "", fmt.Errorf("approval: %w", err)
		}
	}
	e.appendTrace(ctx, tc.Request.ID, "executor.approval", trace.KindApproval, elapsed, map[string]any{
		"step_id":  step.ID,
		"tool":     step.Tool,
		"approved": dec.Approved,
		"reviewer": dec.Reviewer,
		"comment":  dec.Comment,
	})
	note := dec.Comment
	if note == "" && dec.Reviewer != "" {
		note = "reviewer " + dec.Reviewer
	}
	if note == "" {
		if dec.Approved {
			note = "approved"
		} else {
			note = "rejected"
		}
	}
	return dec.Approved, note, nil
}

func (e *PolicyAwareExecutor) authError(tool, reason string) error {
	if _, ok := e.cfg.Registry.Definition(tool); !ok {
		return fmt.Errorf("%w: %s", tools.ErrToolNotFound, tool)
	}
	detail := strings.TrimPrefix(reason, tools.ErrPermissionDenied.Error()+": ")
	return fmt.Errorf("%w: %s", tools.ErrPermissionDenied, detail)
}

func (e *PolicyAwareExecutor) appendTrace(ctx context.Context, taskID, span, kind string, latency time.Duration, payload map[string]any) {
	if e.cfg.Traces == nil || taskID == "" {
		return
	}
	if err := e.cfg.Traces.Append(ctx, trace.New(taskID, span, kind, latency, payload)); err != nil {
		e.logger.Warn("append trace failed", "task_id", taskID, "span", span, "error", err)
	}
}

type versioned interface {
	PolicyVersion() string
}

func policyVersion(engine policy.Engine) string {
	if v, ok := engine.(versioned); ok {
		return v.PolicyVersion()
	}
	return ""
}
