package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/task"
)

// Waiter blocks until a task reaches a terminal status. It listens for
// terminal lifecycle events and falls back to polling the task store.
type Waiter struct {
	eventBus *bus.Bus // optional; nil means polling only
	store    task.Store
}

// NewWaiter creates a task completion waiter.
func NewWaiter(eventBus *bus.Bus, store task.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForTask returns the task record once it is terminal, or an error when
// the timeout or ctx expires first.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (task.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first check so a completion in between is not missed.
	wake := make(chan struct{}, 1)
	if w.eventBus != nil {
		handler := func(_ context.Context, ev bus.Event) {
			if te, ok := ev.Payload.(bus.TaskEvent); ok && te.TaskID == taskID {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
		for _, t := range []string{bus.TaskSucceeded, bus.TaskFailed, bus.TaskCanceled} {
			defer w.eventBus.Subscribe(t, handler)()
		}
	}

	if rec, done, err := w.checkTerminal(ctx, taskID); err != nil || done {
		return rec, err
	}

	interval := time.Second
	if w.eventBus == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return task.Record{}, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		case <-wake:
		}
		if rec, done, err := w.checkTerminal(ctx, taskID); err != nil || done {
			return rec, err
		}
	}
}

func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (task.Record, bool, error) {
	rec, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Record{}, false, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return rec, rec.Status.IsTerminal(), nil
}
