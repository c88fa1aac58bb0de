// Package audit journals policy and approval decisions and assembles
// per-task replays for debugging.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskcore/internal/shared"
)

// Decision values written to the journal.
const (
	DecisionAllow            = "allow"
	DecisionDeny             = "deny"
	DecisionApprovalRequired = "approval_required"
	DecisionApproved         = "approved"
	DecisionRejected         = "rejected"
)

// Entry is one journal line.
type Entry struct {
	Decision      string `json:"decision"`
	Operation     string `json:"operation"`
	Reason        string `json:"reason"`
	RiskLevel     string `json:"risk_level,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Entry
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Calling it again while
// open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends e to the journal. Secrets are redacted before anything is
// written. Without Init or SetDB the entry is only counted.
func Record(ctx context.Context, e Entry) {
	if e.Decision == DecisionDeny || e.Decision == DecisionRejected {
		denyCount.Add(1)
	}
	if e.TaskID == "" {
		e.TaskID = shared.TaskID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Operation = shared.Redact(e.Operation)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(line{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Entry:     e,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, task_id, action, decision, risk_level, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, traceID, e.TaskID, e.Operation, e.Decision, e.RiskLevel, e.Reason, e.PolicyVersion)
	}
}
