package executor

import (
	"context"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/task"
)

// DependencyResultsKey is the input key under which a node's upstream
// outputs are handed to its tool, unless the node input already sets it.
const DependencyResultsKey = "dependency_results"

// NodeAdapter runs a graph node as a single gated tool step. The node's
// agent name is the tool name.
type NodeAdapter struct {
	Executor *PolicyAwareExecutor
	// Tool overrides the agent name when set.
	Tool string
}

func (a NodeAdapter) Execute(ctx context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
	toolName := a.Tool
	if toolName == "" {
		toolName = nc.Node.Agent
	}
	input := make(map[string]any, len(nc.Node.Input)+1)
	for k, v := range nc.Node.Input {
		input[k] = v
	}
	if _, set := input[DependencyResultsKey]; !set && len(nc.DependencyResults) > 0 {
		input[DependencyResultsKey] = nc.DependencyResults
	}
	tc := task.Context{
		Request:  task.Request{ID: nc.TaskID, SessionID: nc.SessionID},
		Strategy: task.StrategyPlanExecute,
	}
	res := a.Executor.Run(ctx, tc, []Step{{
		ID:     nc.Node.ID,
		Title:  nc.Node.ID,
		Action: ActionTool,
		Tool:   toolName,
		Input:  input,
	}})
	if res.Status != StatusSucceeded {
		return coordinator.NodeResult{Error: res.Error, Rejected: res.Status == StatusCanceled}
	}
	return coordinator.NodeResult{Success: true, Output: res.Output()}
}
