package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskcore/internal/coordinator"
)

var _ coordinator.SnapshotStore = (*Store)(nil)

// Save upserts a snapshot. created_at survives overwrites.
func (s *Store) Save(ctx context.Context, snap coordinator.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("save snapshot: empty id")
	}
	now := time.Now().UTC()
	created := snap.CreatedAt
	if created.IsZero() {
		created = now
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_snapshots (id, graph_id, task_id, session_id, status, definition_json, execution_order_json, nodes_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				graph_id = excluded.graph_id,
				task_id = excluded.task_id,
				session_id = excluded.session_id,
				status = excluded.status,
				definition_json = excluded.definition_json,
				execution_order_json = excluded.execution_order_json,
				nodes_json = excluded.nodes_json,
				updated_at = excluded.updated_at;
		`, snap.ID, snap.GraphID, snap.TaskID, snap.SessionID, string(snap.Status),
			encodeJSON(snap.GraphDefinition, "{}"),
			encodeJSON(snap.ExecutionOrder, "[]"),
			encodeJSON(snap.Nodes, "[]"),
			formatTime(created), formatTime(now))
		return err
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get loads a snapshot. Damaged JSON columns decode to empty values rather
// than failing the read.
func (s *Store) Get(ctx context.Context, id string) (coordinator.Snapshot, error) {
	var snap coordinator.Snapshot
	var status, def, order, nodes, created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, graph_id, task_id, session_id, status, definition_json, execution_order_json, nodes_json, created_at, updated_at
		FROM graph_snapshots
		WHERE id = ?;
	`, id).Scan(&snap.ID, &snap.GraphID, &snap.TaskID, &snap.SessionID, &status, &def, &order, &nodes, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, coordinator.ErrSnapshotNotFound)
	}
	if err != nil {
		return coordinator.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	snap.Status = coordinator.GraphStatus(status)
	if err := json.Unmarshal([]byte(def), &snap.GraphDefinition); err != nil {
		snap.GraphDefinition = coordinator.Graph{}
	}
	if err := json.Unmarshal([]byte(order), &snap.ExecutionOrder); err != nil {
		snap.ExecutionOrder = nil
	}
	if err := json.Unmarshal([]byte(nodes), &snap.Nodes); err != nil {
		snap.Nodes = nil
	}
	snap.CreatedAt = parseTime(created)
	snap.UpdatedAt = parseTime(updated)
	return snap, nil
}

// ListSnapshots returns the snapshots recorded for a task, newest first.
func (s *Store) ListSnapshots(ctx context.Context, taskID string) ([]coordinator.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM graph_snapshots WHERE task_id = ? ORDER BY updated_at DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]coordinator.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
