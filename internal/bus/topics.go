package bus

import (
	"time"

	"github.com/basket/taskcore/internal/task"
)

// Task lifecycle event types.
const (
	TaskQueued          = "TaskQueued"
	TaskRunning         = "TaskRunning"
	TaskWaitingApproval = "TaskWaitingApproval"
	TaskSucceeded       = "TaskSucceeded"
	TaskFailed          = "TaskFailed"
	TaskCanceled        = "TaskCanceled"
)

// LifecycleTypes lists every task lifecycle event type.
var LifecycleTypes = []string{
	TaskQueued, TaskRunning, TaskWaitingApproval, TaskSucceeded, TaskFailed, TaskCanceled,
}

// TaskEvent is the payload of every lifecycle event.
type TaskEvent struct {
	TaskID    string        `json:"task_id"`
	SessionID string        `json:"session_id"`
	Status    task.Status   `json:"status"`
	Strategy  task.Strategy `json:"strategy"`
	Timestamp time.Time     `json:"timestamp"`
}

// TerminalEventType maps a terminal status to its event type.
func TerminalEventType(s task.Status) string {
	switch s {
	case task.StatusSucceeded:
		return TaskSucceeded
	case task.StatusCanceled:
		return TaskCanceled
	default:
		return TaskFailed
	}
}

// Approval event types. They are published by whoever owns the approval
// queue, not by the runtime.
const (
	ApprovalRequested = "ApprovalRequested"
	ApprovalDecided   = "ApprovalDecided"
)

// ApprovalEvent is the payload of approval events. Approved is nil until a
// decision exists.
type ApprovalEvent struct {
	ApprovalID string         `json:"approval_id"`
	TaskID     string         `json:"task_id"`
	Operation  string         `json:"operation,omitempty"`
	RiskLevel  task.RiskLevel `json:"risk_level,omitempty"`
	Approved   *bool          `json:"approved,omitempty"`
	Reviewer   string         `json:"reviewer,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TaskIDOf extracts the task id from a known event payload, or "".
func TaskIDOf(payload any) string {
	switch p := payload.(type) {
	case TaskEvent:
		return p.TaskID
	case *TaskEvent:
		return p.TaskID
	case ApprovalEvent:
		return p.TaskID
	case map[string]any:
		id, _ := p["task_id"].(string)
		return id
	}
	return ""
}
