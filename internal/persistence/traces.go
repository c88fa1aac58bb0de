package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/trace"
	"github.com/google/uuid"
)

var _ trace.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, rec trace.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var tokenIn, tokenOut sql.NullInt64
	var cost sql.NullFloat64
	if rec.Metric.TokenIn != nil {
		tokenIn = sql.NullInt64{Int64: int64(*rec.Metric.TokenIn), Valid: true}
	}
	if rec.Metric.TokenOut != nil {
		tokenOut = sql.NullInt64{Int64: int64(*rec.Metric.TokenOut), Valid: true}
	}
	if rec.Metric.CostUSD != nil {
		cost = sql.NullFloat64{Float64: *rec.Metric.CostUSD, Valid: true}
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO traces (id, task_id, span, kind, latency_ms, token_in, token_out, cost_usd, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.TaskID, rec.Span, rec.Kind, rec.Metric.LatencyMs, tokenIn, tokenOut, cost,
			rec.PayloadJSON(), formatTime(rec.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("append trace %s: %w", rec.Span, err)
	}
	return nil
}

// Query returns a task's traces, most recent first.
func (s *Store) Query(ctx context.Context, q trace.Query) ([]trace.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, span, kind, latency_ms, token_in, token_out, cost_usd, payload_json, created_at
		FROM traces
		WHERE task_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?;
	`, q.TaskID, q.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	out := []trace.Record{}
	for rows.Next() {
		var rec trace.Record
		var tokenIn, tokenOut sql.NullInt64
		var cost sql.NullFloat64
		var payload, created string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Span, &rec.Kind, &rec.Metric.LatencyMs,
			&tokenIn, &tokenOut, &cost, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if tokenIn.Valid {
			v := int(tokenIn.Int64)
			rec.Metric.TokenIn = &v
		}
		if tokenOut.Valid {
			v := int(tokenOut.Int64)
			rec.Metric.TokenOut = &v
		}
		if cost.Valid {
			v := cost.Float64
			rec.Metric.CostUSD = &v
		}
		rec.Payload = task.DecodeObject(payload)
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
