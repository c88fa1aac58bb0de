package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/shared"
	"github.com/basket/taskcore/internal/trace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// NodeContext is what a node executor receives. DependencyResults holds the
// outputs of the node's direct dependencies keyed by node id.
type NodeContext struct {
	TaskID            string
	SessionID         string
	Node              Node
	DependencyResults map[string]any
}

// NodeResult is what a node executor reports. Rejected marks a node that was
// refused before doing its work (sandbox, policy or approval); the run then
// stops and ends canceled rather than failed.
type NodeResult struct {
	Success  bool
	Rejected bool
	Output   any
	Error    string
}

// NodeExecutor runs one graph node.
type NodeExecutor interface {
	Execute(ctx context.Context, nc NodeContext) NodeResult
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, nc NodeContext) NodeResult

func (f NodeExecutorFunc) Execute(ctx context.Context, nc NodeContext) NodeResult {
	return f(ctx, nc)
}

// Resolver maps an agent name to its executor.
type Resolver func(agent string) (NodeExecutor, bool)

// CancelReason is recorded on nodes skipped because the run was canceled.
const CancelReason = "graph canceled"

// RunInput describes one graph run. Prior, when set, seeds node states from
// an earlier snapshot: succeeded nodes keep their output and are not run
// again, every other node is re-attempted.
type RunInput struct {
	TaskID       string
	SessionID    string
	Graph        Graph
	SnapshotID   string
	ShouldCancel func() bool
	Prior        *Snapshot
}

type RunResult struct {
	SnapshotID     string         `json:"snapshot_id"`
	Status         GraphStatus    `json:"status"`
	ExecutionOrder []string       `json:"execution_order"`
	Nodes          []NodeState    `json:"nodes"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Scheduler executes a graph sequentially in topological order,
// checkpointing after every node transition.
type Scheduler struct {
	resolve   Resolver
	snapshots SnapshotStore
	traces    trace.Store
	logger    *slog.Logger
	telemetry *otel.Provider
}

type SchedulerOption func(*Scheduler)

func WithSnapshotStore(s SnapshotStore) SchedulerOption {
	return func(sc *Scheduler) { sc.snapshots = s }
}

func WithTraceStore(s trace.Store) SchedulerOption {
	return func(sc *Scheduler) { sc.traces = s }
}

func WithLogger(l *slog.Logger) SchedulerOption {
	return func(sc *Scheduler) { sc.logger = l }
}

func WithTelemetry(p *otel.Provider) SchedulerOption {
	return func(sc *Scheduler) { sc.telemetry = p }
}

func NewScheduler(resolve Resolver, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{resolve: resolve}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scheduler")
	s.telemetry = otel.OrNoop(s.telemetry)
	return s
}

// run holds the mutable state of one Run call.
type run struct {
	s      *Scheduler
	snap   Snapshot
	index  map[string]int
	byID   map[string]Node
	logger *slog.Logger
}

// Run executes the graph. The returned error is non-nil only for fatal
// configuration problems (invalid graph, unknown agent); node failures and
// cancellation are reported through RunResult.Status.
func (s *Scheduler) Run(ctx context.Context, in RunInput) (RunResult, error) {
	if err := in.Graph.Validate(); err != nil {
		return RunResult{Status: GraphFailed, Error: err.Error()}, fmt.Errorf("invalid graph: %w", err)
	}
	order, err := in.Graph.TopoOrder()
	if err != nil {
		return RunResult{Status: GraphFailed, Error: err.Error()}, fmt.Errorf("invalid graph: %w", err)
	}

	executors := make(map[string]NodeExecutor)
	for _, n := range in.Graph.Nodes {
		if _, ok := executors[n.Agent]; ok {
			continue
		}
		ex, ok := s.resolve(n.Agent)
		if !ok || ex == nil {
			err := fmt.Errorf("node %s: %w %q", n.ID, ErrUnknownAgent, n.Agent)
			return RunResult{Status: GraphFailed, Error: err.Error()}, err
		}
		executors[n.Agent] = ex
	}

	r := s.newRun(ctx, in, order)
	ctx = shared.WithSnapshotID(ctx, r.snap.ID)
	ctx, span := otel.StartSpan(ctx, s.telemetry.Tracer, "graph.run",
		otel.AttrTaskID.String(in.TaskID),
		otel.AttrSnapshotID.String(r.snap.ID),
	)
	defer span.End()

	r.save(ctx)

	canceled := false
	for _, id := range order {
		i := r.index[id]
		if r.snap.Nodes[i].Status == NodeSucceeded {
			continue
		}
		if !canceled && (ctx.Err() != nil || (in.ShouldCancel != nil && in.ShouldCancel())) {
			canceled = true
		}
		if canceled {
			r.transition(ctx, id, NodeSkipped, nil, CancelReason)
			continue
		}
		if reason, blocked := r.blockedBy(id); blocked {
			r.transition(ctx, id, NodeSkipped, nil, reason)
			continue
		}
		node := r.byID[id]
		if res := r.dispatch(ctx, node, executors[node.Agent]); res.Rejected && !res.Success {
			r.logger.Info("node rejected; canceling graph", "node_id", id)
			canceled = true
		}
	}

	switch {
	case canceled:
		r.snap.Status = GraphCanceled
	case r.anyFailed():
		r.snap.Status = GraphFailed
	default:
		r.snap.Status = GraphSucceeded
	}
	r.save(ctx)
	span.SetAttributes(otel.AttrStatus.String(string(r.snap.Status)))
	if r.snap.Status == GraphFailed {
		span.SetStatus(codes.Error, "graph failed")
	}
	r.logger.Info("graph finished", "status", r.snap.Status, "nodes", len(order))
	return r.result(), nil
}

func (s *Scheduler) newRun(ctx context.Context, in RunInput, order []string) *run {
	id := in.SnapshotID
	if id == "" && in.Prior != nil {
		id = in.Prior.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	graphID := in.Graph.ID
	if graphID == "" {
		graphID = id
	}
	def := in.Graph.Clone()
	def.ID = graphID

	r := &run{
		s:     s,
		index: make(map[string]int, len(order)),
		byID:  make(map[string]Node, len(order)),
		snap: Snapshot{
			ID:              id,
			GraphID:         graphID,
			GraphDefinition: def,
			TaskID:          in.TaskID,
			SessionID:       in.SessionID,
			Status:          GraphRunning,
			ExecutionOrder:  order,
			Nodes:           make([]NodeState, len(order)),
		},
	}
	if in.Prior != nil {
		r.snap.CreatedAt = in.Prior.CreatedAt
	}
	for _, n := range in.Graph.Nodes {
		r.byID[n.ID] = n
	}
	for i, nodeID := range order {
		r.index[nodeID] = i
		state := NodeState{NodeID: nodeID, Status: NodePending}
		if in.Prior != nil {
			if prev, ok := in.Prior.Node(nodeID); ok && prev.Status == NodeSucceeded {
				state = prev
			}
		}
		r.snap.Nodes[i] = state
	}
	r.logger = s.logger.With(append(shared.LogAttrs(ctx), "snapshot_id", id, "task_id", in.TaskID)...)
	return r
}

// blockedBy reports whether a dependency of id failed or was skipped, and
// the inherited reason.
func (r *run) blockedBy(id string) (string, bool) {
	for _, dep := range r.byID[id].DependsOn {
		st := r.snap.Nodes[r.index[dep]]
		switch st.Status {
		case NodeFailed:
			return fmt.Sprintf("dependency %s failed: %s", dep, st.Error), true
		case NodeSkipped:
			return fmt.Sprintf("dependency %s skipped: %s", dep, st.Error), true
		}
	}
	return "", false
}

func (r *run) dispatch(ctx context.Context, node Node, ex NodeExecutor) NodeResult {
	deps := make(map[string]any, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		deps[dep] = r.snap.Nodes[r.index[dep]].Output
	}

	r.transition(ctx, node.ID, NodeRunning, nil, "")
	start := time.Now()
	nctx, span := otel.StartSpan(ctx, r.s.telemetry.Tracer, "graph.node",
		otel.AttrNodeID.String(node.ID),
		otel.AttrAgent.String(node.Agent),
	)
	res := ex.Execute(nctx, NodeContext{
		TaskID:            r.snap.TaskID,
		SessionID:         r.snap.SessionID,
		Node:              node,
		DependencyResults: deps,
	})
	elapsed := time.Since(start)

	status := NodeSucceeded
	errText := ""
	if !res.Success {
		status = NodeFailed
		errText = res.Error
		if errText == "" {
			errText = "node execution failed"
		}
		span.SetStatus(codes.Error, errText)
	}
	span.End()

	r.s.telemetry.Metrics.GraphNodesExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", node.Agent),
		attribute.String("status", string(status)),
	))
	if r.s.traces != nil {
		rec := trace.New(r.snap.TaskID, "graph.node", trace.KindGraph, elapsed, map[string]any{
			"node_id":     node.ID,
			"agent":       node.Agent,
			"status":      string(status),
			"snapshot_id": r.snap.ID,
		})
		if err := r.s.traces.Append(ctx, rec); err != nil {
			r.logger.Warn("append node trace failed", "error", err)
		}
	}
	r.transition(ctx, node.ID, status, res.Output, errText)
	return res
}

func (r *run) transition(ctx context.Context, id string, status NodeStatus, output any, errText string) {
	i := r.index[id]
	r.snap.Nodes[i] = NodeState{NodeID: id, Status: status, Output: output, Error: errText}
	r.logger.Debug("node transition", "node_id", id, "status", status)
	r.save(ctx)
}

func (r *run) save(ctx context.Context) {
	if r.s.snapshots == nil {
		return
	}
	// Checkpoints must land even when the run's context was canceled.
	if err := r.s.snapshots.Save(context.WithoutCancel(ctx), r.snap.Clone()); err != nil {
		r.logger.Error("save snapshot failed", "error", err)
	}
}

func (r *run) anyFailed() bool {
	for _, n := range r.snap.Nodes {
		if n.Status == NodeFailed {
			return true
		}
	}
	return false
}

func (r *run) result() RunResult {
	snap := r.snap.Clone()
	res := RunResult{
		SnapshotID:     snap.ID,
		Status:         snap.Status,
		ExecutionOrder: snap.ExecutionOrder,
		Nodes:          snap.Nodes,
		Outputs:        make(map[string]any),
	}
	for _, n := range snap.Nodes {
		if n.Status == NodeSucceeded {
			res.Outputs[n.NodeID] = n.Output
		} else if n.Error != "" && res.Error == "" && n.Status == NodeFailed {
			res.Error = fmt.Sprintf("node %s: %s", n.NodeID, n.Error)
		}
	}
	if res.Status == GraphCanceled && res.Error == "" {
		res.Error = CancelReason
	}
	return res
}
