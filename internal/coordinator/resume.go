package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
)

// EventResumeExecuted is appended to the task event log after a resume run.
const EventResumeExecuted = "graph.resume.executed"

// RiskClassifier assigns a risk level to an agent name.
type RiskClassifier interface {
	ClassifyAgent(ctx context.Context, agent string) task.RiskLevel
}

// PolicyRiskClassifier classifies agents that are registered tools by asking
// the policy engine about a call to that tool. Agents named in Overrides use
// the configured level; anything else gets Default (medium when unset).
type PolicyRiskClassifier struct {
	Registry  *tools.Registry
	Policy    policy.Engine
	Overrides map[string]task.RiskLevel
	Default   task.RiskLevel
}

func (c PolicyRiskClassifier) ClassifyAgent(ctx context.Context, agent string) task.RiskLevel {
	if r, ok := c.Overrides[agent]; ok && r.Valid() {
		return r
	}
	if c.Registry != nil && c.Policy != nil {
		if def, ok := c.Registry.Definition(agent); ok {
			d := c.Policy.EvaluateToolCall(ctx, tools.Call{Name: agent}, task.Context{}, &def)
			if !d.Allow {
				return task.MaxRisk(d.RiskLevel, task.RiskHigh)
			}
			return d.RiskLevel
		}
	}
	if c.Default.Valid() {
		return c.Default
	}
	return task.RiskMedium
}

type Preview struct {
	SnapshotID   string         `json:"snapshot_id"`
	TaskID       string         `json:"task_id"`
	Status       GraphStatus    `json:"status"`
	CanResume    bool           `json:"can_resume"`
	RiskLevel    task.RiskLevel `json:"risk_level"`
	PendingNodes []string       `json:"pending_nodes"`
	Reason       string         `json:"reason,omitempty"`
}

type ExecuteInput struct {
	SnapshotID string `json:"snapshot_id"`
	Confirmed  bool   `json:"confirmed"`
}

type ExecuteResult struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message,omitempty"`
	Result       *RunResult `json:"result,omitempty"`
	ReplayTaskID string     `json:"replay_task_id,omitempty"`
}

// ResumeService rebuilds graphs from snapshots and re-runs what did not
// succeed. Resumes at high risk or above need explicit confirmation.
type ResumeService struct {
	Snapshots  SnapshotStore
	Scheduler  *Scheduler
	Tasks      task.Store
	Classifier RiskClassifier
	// IsLive, if set, reports whether a task still has a run in progress.
	// Resuming a live task is refused.
	IsLive func(taskID string) bool
	Logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// claim marks a snapshot as being resumed. It reports false when another
// resume of the same snapshot holds it.
func (s *ResumeService) claim(snapshotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[snapshotID]; busy {
		return false
	}
	if s.inFlight == nil {
		s.inFlight = make(map[string]struct{})
	}
	s.inFlight[snapshotID] = struct{}{}
	return true
}

func (s *ResumeService) release(snapshotID string) {
	s.mu.Lock()
	delete(s.inFlight, snapshotID)
	s.mu.Unlock()
}

func (s *ResumeService) resuming(snapshotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[snapshotID]
	return busy
}

// refusal explains why a snapshot cannot be resumed right now, or returns "".
func (s *ResumeService) refusal(snap Snapshot) string {
	switch {
	case s.resuming(snap.ID):
		return fmt.Sprintf("snapshot %s is already being resumed", snap.ID)
	case snap.Status == GraphRunning:
		return fmt.Sprintf("snapshot %s is still running", snap.ID)
	case s.IsLive != nil && s.IsLive(snap.TaskID):
		return fmt.Sprintf("task %s is still running; resume refused", snap.TaskID)
	}
	return ""
}

func (s *ResumeService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With("component", "resume")
}

func (s *ResumeService) classify(ctx context.Context, snap Snapshot, g Graph) (task.RiskLevel, []string) {
	risk := task.RiskLow
	var pending []string
	for _, n := range g.Nodes {
		if st, ok := snap.Node(n.ID); ok && st.Status == NodeSucceeded {
			continue
		}
		pending = append(pending, n.ID)
		if s.Classifier != nil {
			risk = task.MaxRisk(risk, s.Classifier.ClassifyAgent(ctx, n.Agent))
		} else {
			risk = task.MaxRisk(risk, task.RiskMedium)
		}
	}
	return risk, pending
}

// Preview reports whether a snapshot can be resumed and how risky that is:
// the highest risk among agents of nodes that have not succeeded.
func (s *ResumeService) Preview(ctx context.Context, snapshotID string) (Preview, error) {
	snap, err := s.Snapshots.Get(ctx, snapshotID)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{SnapshotID: snap.ID, TaskID: snap.TaskID, Status: snap.Status, RiskLevel: task.RiskLow}
	g, err := BuildGraphFromSnapshot(snap)
	if err != nil {
		p.Reason = err.Error()
		return p, nil
	}
	p.RiskLevel, p.PendingNodes = s.classify(ctx, snap, g)
	if reason := s.refusal(snap); reason != "" {
		p.Reason = reason
		return p, nil
	}
	p.CanResume = true
	return p, nil
}

// Execute resumes a snapshot. Nothing runs when the resume is high risk and
// unconfirmed, when the snapshot is still running, or when another resume of
// it is in flight. The resumed run writes to the same snapshot id and reuses
// the original task id.
func (s *ResumeService) Execute(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
	if !s.claim(in.SnapshotID) {
		return ExecuteResult{Message: fmt.Sprintf("snapshot %s is already being resumed", in.SnapshotID)}, nil
	}
	defer s.release(in.SnapshotID)

	snap, err := s.Snapshots.Get(ctx, in.SnapshotID)
	if err != nil {
		return ExecuteResult{}, err
	}
	g, err := BuildGraphFromSnapshot(snap)
	if err != nil {
		return ExecuteResult{Message: err.Error()}, nil
	}
	if snap.Status == GraphRunning {
		return ExecuteResult{Message: fmt.Sprintf("snapshot %s is still running; resume refused", snap.ID)}, nil
	}
	if s.IsLive != nil && s.IsLive(snap.TaskID) {
		return ExecuteResult{Message: fmt.Sprintf("task %s is still running; resume refused", snap.TaskID)}, nil
	}
	risk, pending := s.classify(ctx, snap, g)
	if risk.AtLeast(task.RiskHigh) && !in.Confirmed {
		return ExecuteResult{
			Message: fmt.Sprintf("resume risk is %s: manual confirmation required", risk),
		}, nil
	}
	if s.Scheduler == nil {
		return ExecuteResult{}, fmt.Errorf("resume %s: no scheduler configured", snap.ID)
	}

	logger := s.logger().With("snapshot_id", snap.ID, "task_id", snap.TaskID)
	logger.Info("resuming graph", "risk_level", risk, "pending_nodes", len(pending), "confirmed", in.Confirmed)

	res, runErr := s.Scheduler.Run(ctx, RunInput{
		TaskID:     snap.TaskID,
		SessionID:  snap.SessionID,
		Graph:      g,
		SnapshotID: snap.ID,
		Prior:      &snap,
	})

	if s.Tasks != nil && snap.TaskID != "" {
		payload := map[string]any{
			"snapshot_id": snap.ID,
			"status":      string(res.Status),
			"risk_level":  string(risk),
			"confirmed":   in.Confirmed,
		}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		if _, err := s.Tasks.AppendEvent(ctx, task.NewEvent(snap.TaskID, EventResumeExecuted, payload)); err != nil {
			logger.Warn("append resume event failed", "error", err)
		}
	}

	out := ExecuteResult{
		Success:      runErr == nil && res.Status == GraphSucceeded,
		Result:       &res,
		ReplayTaskID: snap.TaskID,
	}
	switch {
	case runErr != nil:
		out.Message = runErr.Error()
	case !out.Success:
		out.Message = fmt.Sprintf("resume finished with status %s", res.Status)
	}
	return out, nil
}
