package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/trace"
	"golang.org/x/sync/errgroup"
)

// Replay is a point-in-time view of one task for audit UIs.
type Replay struct {
	Task        task.Record        `json:"task"`
	Events      []task.EventRecord `json:"events"`
	Traces      []trace.Record     `json:"traces"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ReplayService merges the task store and trace store views of a task.
// Traces is optional.
type ReplayService struct {
	Tasks      task.Store
	Traces     trace.Store
	TraceLimit int
}

func NewReplayService(tasks task.Store, traces trace.Store) *ReplayService {
	return &ReplayService{Tasks: tasks, Traces: traces, TraceLimit: trace.MaxQueryLimit}
}

// GetTaskReplay fetches the task record, its events and its traces
// concurrently. A missing task is an error.
func (s *ReplayService) GetTaskReplay(ctx context.Context, taskID string) (Replay, error) {
	if s.Tasks == nil {
		return Replay{}, fmt.Errorf("replay %s: no task store configured", taskID)
	}
	var (
		rec    task.Record
		events []task.EventRecord
		traces []trace.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = s.Tasks.GetTask(gctx, taskID)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = s.Tasks.ListEvents(gctx, taskID)
		return err
	})
	if s.Traces != nil {
		g.Go(func() error {
			var err error
			traces, err = s.Traces.Query(gctx, trace.Query{TaskID: taskID, Limit: s.TraceLimit})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Replay{}, fmt.Errorf("replay %s: %w", taskID, err)
	}
	if events == nil {
		events = []task.EventRecord{}
	}
	if traces == nil {
		traces = []trace.Record{}
	}
	return Replay{Task: rec, Events: events, Traces: traces, GeneratedAt: time.Now().UTC()}, nil
}
