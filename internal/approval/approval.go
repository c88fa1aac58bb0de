// Package approval suspends a task until an external reviewer decides on a
// risky operation.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskcore/internal/task"
	"github.com/google/uuid"
)

// Request describes the operation awaiting review.
type Request struct {
	TaskID    string         `json:"task_id"`
	Reason    string         `json:"reason"`
	RiskLevel task.RiskLevel `json:"risk_level"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Decision struct {
	Approved  bool      `json:"approved"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Input is what an operator submits to resolve a pending request.
type Input struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Gateway blocks the calling task until a decision exists or ctx ends.
type Gateway interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// Pending is an outstanding request as shown to operators.
type Pending struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"created_at"`

	seq uint64
}

type waiter struct {
	info Pending
	ch   chan Decision
}

// Queue is the interactive gateway. Requests stay in the pending map until
// Decide resolves them or the waiting context ends. There is no built-in
// expiry; callers bound the wait through ctx.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*waiter
	seq     uint64

	// OnEnqueue, if set, is called after a request becomes pending.
	OnEnqueue func(Pending)
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*waiter)}
}

func (q *Queue) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	w := &waiter{ch: make(chan Decision, 1)}
	q.mu.Lock()
	q.seq++
	w.info = Pending{ID: uuid.NewString(), Request: req, CreatedAt: time.Now().UTC(), seq: q.seq}
	q.pending[w.info.ID] = w
	hook := q.OnEnqueue
	q.mu.Unlock()

	if hook != nil {
		hook(w.info)
	}

	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, w.info.ID)
		q.mu.Unlock()
		// A decision may have raced the cancellation.
		select {
		case d := <-w.ch:
			return d, nil
		default:
		}
		return Decision{}, fmt.Errorf("approval %s: %w", w.info.ID, ctx.Err())
	}
}

// Decide resolves a pending request. It returns false when id is unknown or
// already decided.
func (q *Queue) Decide(id string, in Input) bool {
	q.mu.Lock()
	w, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- Decision{
		Approved:  in.Approved,
		Reviewer:  in.Reviewer,
		Comment:   in.Comment,
		DecidedAt: time.Now().UTC(),
	}
	return true
}

// ListPending returns outstanding requests oldest first.
func (q *Queue) ListPending() []Pending {
	q.mu.Lock()
	out := make([]Pending, 0, len(q.pending))
	for _, w := range q.pending {
		out = append(out, w.info)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Static answers every request with the same decision. For automation and
// tests only.
type Static struct {
	Approved bool
	Reviewer string
	Comment  string
}

func (s Static) RequestApproval(context.Context, Request) (Decision, error) {
	reviewer := s.Reviewer
	if reviewer == "" {
		reviewer = "static"
	}
	return Decision{
		Approved:  s.Approved,
		Reviewer:  reviewer,
		Comment:   s.Comment,
		DecidedAt: time.Now().UTC(),
	}, nil
}
