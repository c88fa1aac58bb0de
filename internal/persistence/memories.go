package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskcore/internal/tools"
	"github.com/google/uuid"
)

var _ tools.MemoryBackend = (*Store)(nil)

func scanMemory(row rowScanner) (tools.Memory, error) {
	var m tools.Memory
	var valueStr, createdStr, updatedStr string
	if err := row.Scan(&m.ID, &m.Scope, &m.Namespace, &m.Key, &valueStr, &createdStr, &updatedStr); err != nil {
		return tools.Memory{}, err
	}
	if err := json.Unmarshal([]byte(valueStr), &m.Value); err != nil {
		m.Value = nil
	}
	m.CreatedAt = parseTime(createdStr)
	m.UpdatedAt = parseTime(updatedStr)
	return m, nil
}

// PutMemory upserts on (scope, namespace, key). The id and created_at of an
// existing entry are kept.
func (s *Store) PutMemory(ctx context.Context, m tools.Memory) (tools.Memory, error) {
	if m.Namespace == "" || m.Key == "" {
		return tools.Memory{}, fmt.Errorf("put memory: namespace and key are required")
	}
	value, err := json.Marshal(m.Value)
	if err != nil {
		return tools.Memory{}, fmt.Errorf("put memory %s/%s: encode value: %w", m.Namespace, m.Key, err)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := formatTime(time.Now())

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, scope, namespace, key, value_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope, namespace, key) DO UPDATE SET
				value_json = excluded.value_json,
				updated_at = excluded.updated_at;
		`, m.ID, m.Scope, m.Namespace, m.Key, string(value), now, now)
		return err
	})
	if err != nil {
		return tools.Memory{}, fmt.Errorf("put memory %s/%s: %w", m.Namespace, m.Key, err)
	}
	return s.GetMemory(ctx, m.Scope, m.Namespace, m.Key)
}

func (s *Store) GetMemory(ctx context.Context, scope, namespace, key string) (tools.Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `
		SELECT id, scope, namespace, key, value_json, created_at, updated_at
		FROM memories
		WHERE scope = ? AND namespace = ? AND key = ?;
	`, scope, namespace, key))
	if errors.Is(err, sql.ErrNoRows) {
		return tools.Memory{}, fmt.Errorf("get memory %s/%s: %w", namespace, key, tools.ErrMemoryNotFound)
	}
	if err != nil {
		return tools.Memory{}, fmt.Errorf("get memory %s/%s: %w", namespace, key, err)
	}
	return m, nil
}

// ListMemories returns a namespace ordered by key.
func (s *Store) ListMemories(ctx context.Context, scope, namespace string) ([]tools.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, namespace, key, value_json, created_at, updated_at
		FROM memories
		WHERE scope = ? AND namespace = ?
		ORDER BY key ASC;
	`, scope, namespace)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := []tools.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, scope, namespace, key string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM memories WHERE scope = ? AND namespace = ? AND key = ?;
		`, scope, namespace, key)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete memory %s/%s: %w", namespace, key, err)
	}
	return affected > 0, nil
}
