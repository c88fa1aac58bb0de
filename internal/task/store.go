package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable task and event log. Records are never deleted.
type Store interface {
	CreateTask(ctx context.Context, rec Record) error
	GetTask(ctx context.Context, id string) (Record, error)
	UpdateTask(ctx context.Context, id string, upd Update) (Record, error)
	AppendEvent(ctx context.Context, ev EventRecord) (EventRecord, error)
	ListEvents(ctx context.Context, taskID string) ([]EventRecord, error)
}

// NewEvent builds an EventRecord for taskID with payload encoded as JSON.
// Payloads that fail to encode are stored as an empty object.
func NewEvent(taskID, eventType string, payload any) EventRecord {
	raw := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = string(b)
		}
	}
	return EventRecord{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		EventType:   eventType,
		PayloadJSON: raw,
		OccurredAt:  time.Now().UTC(),
	}
}

// DecodeObject parses a persisted JSON object. Malformed or non-object input
// yields an empty map so read paths keep working over damaged rows.
func DecodeObject(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// ApplyUpdate validates upd against rec and returns the updated record.
// Shared by store implementations so the transition rules live in one place.
func ApplyUpdate(rec Record, upd Update, now time.Time) (Record, error) {
	if upd.Status != "" && upd.Status != rec.Status {
		if !CanTransition(rec.Status, upd.Status) {
			return rec, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.Status, upd.Status)
		}
		rec.Status = upd.Status
	}
	if upd.RiskLevel != "" {
		rec.RiskLevel = upd.RiskLevel
	}
	if upd.OutputJSON != "" {
		rec.OutputJSON = upd.OutputJSON
	}
	if upd.ErrorText != "" {
		rec.ErrorText = upd.ErrorText
	}
	rec.UpdatedAt = now
	return rec, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]Record
	events map[string][]EventRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]Record),
		events: make(map[string][]EventRecord),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("create task: empty id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[rec.ID]; ok {
		return fmt.Errorf("create task %s: %w", rec.ID, ErrTaskExists)
	}
	m.tasks[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok {
		return Record{}, fmt.Errorf("get task %s: %w", id, ErrTaskNotFound)
	}
	return rec, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, upd Update) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return Record{}, fmt.Errorf("update task %s: %w", id, ErrTaskNotFound)
	}
	next, err := ApplyUpdate(rec, upd, time.Now().UTC())
	if err != nil {
		return rec, fmt.Errorf("update task %s: %w", id, err)
	}
	m.tasks[id] = next
	return next, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev EventRecord) (EventRecord, error) {
	if ev.TaskID == "" {
		return ev, fmt.Errorf("append event: empty task id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.PayloadJSON == "" {
		ev.PayloadJSON = "{}"
	}
	m.mu.Lock()
	m.events[ev.TaskID] = append(m.events[ev.TaskID], ev)
	m.mu.Unlock()
	return ev, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, taskID string) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.events[taskID]
	out := make([]EventRecord, len(src))
	copy(out, src)
	return out, nil
}
