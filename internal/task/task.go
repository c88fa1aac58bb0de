// Package task holds the task data model shared by the runtime, executor,
// scheduler and stores.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy is the execution mode chosen for a task.
type Strategy string

const (
	StrategyReact       Strategy = "react"
	StrategyPlanExecute Strategy = "plan_execute"
)

// ParseStrategy accepts the canonical names plus a few spellings operators use.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "react":
		return StrategyReact, nil
	case "plan_execute", "plan-execute", "plan":
		return StrategyPlanExecute, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:  true,
		StatusCanceled: true,
		StatusFailed:   true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Request is a submitted task. It is not mutated after submission.
type Request struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Instruction string         `json:"instruction"`
	ForceMode   *Strategy      `json:"force_mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Context is derived per run and owned by the runtime for the run's duration.
type Context struct {
	Request   Request
	Strategy  Strategy
	RiskLevel RiskLevel
	CreatedAt time.Time
}

// Record is the persisted projection of a task.
type Record struct {
	ID         string
	SessionID  string
	Status     Status
	Strategy   Strategy
	RiskLevel  RiskLevel
	InputJSON  string
	OutputJSON string
	ErrorText  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord is one entry of a task's append-only event log.
type EventRecord struct {
	ID          string
	TaskID      string
	EventType   string
	PayloadJSON string
	OccurredAt  time.Time
}

// Update carries the mutable fields of a Record. Empty strings leave the
// stored value untouched.
type Update struct {
	Status     Status
	RiskLevel  RiskLevel
	OutputJSON string
	ErrorText  string
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrIllegalTransition = errors.New("illegal task status transition")
)
