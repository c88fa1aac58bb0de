package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// AuditRecord is one row of the audit_log table written by audit.Record.
type AuditRecord struct {
	ID            int64     `json:"id"`
	TraceID       string    `json:"trace_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	RiskLevel     string    `json:"risk_level,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListAudit returns audit rows in write order. An empty taskID lists the
// latest rows across all tasks.
func (s *Store) ListAudit(ctx context.Context, taskID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT audit_id, trace_id, task_id, action, decision, risk_level, reason, policy_version, created_at
		FROM audit_log`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY audit_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var traceID, tid, risk, reason, version sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &traceID, &tid, &r.Action, &r.Decision, &risk, &reason, &version, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.TraceID = traceID.String
		r.TaskID = tid.String
		r.RiskLevel = risk.String
		r.Reason = reason.String
		r.PolicyVersion = version.String
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
