package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/executor"
	"github.com/basket/taskcore/internal/task"
)

// StepPlanner turns a react task into a linear step list.
type StepPlanner interface {
	PlanSteps(ctx context.Context, tc task.Context) ([]executor.Step, error)
}

// GraphPlanner turns a plan_execute task into a dependency graph.
type GraphPlanner interface {
	PlanGraph(ctx context.Context, tc task.Context) (coordinator.Graph, error)
}

type Planner interface {
	StepPlanner
	GraphPlanner
}

// RespondAgent is the agent name of the single-node graph MetadataPlanner
// falls back to. Register RespondNode under it.
const RespondAgent = "respond"

// Metadata keys read by MetadataPlanner.
const (
	MetaSteps     = "steps"
	MetaGraph     = "graph"
	MetaGraphName = "graph_name"
	MetaInput     = "input"
)

// MetadataPlanner reads plans from the request metadata:
//
//	steps       list of executor.Step
//	graph       inline coordinator.Graph
//	graph_name  name of a graph in Graphs; "input" is merged into each node
//
// Without a plan it falls back to one respond step, or a one-node graph
// run by DefaultAgent (RespondAgent when empty).
type MetadataPlanner struct {
	Graphs       map[string]coordinator.Graph
	DefaultAgent string
}

func (p MetadataPlanner) PlanSteps(_ context.Context, tc task.Context) ([]executor.Step, error) {
	raw, ok := tc.Request.Metadata[MetaSteps]
	if !ok {
		return []executor.Step{{
			ID:     "respond",
			Title:  "respond",
			Action: executor.ActionRespond,
			Input:  map[string]any{"text": tc.Request.Instruction},
		}}, nil
	}
	var steps []executor.Step
	if err := decodeInto(raw, &steps); err != nil {
		return nil, fmt.Errorf("metadata.%s: %w", MetaSteps, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("metadata.%s: no steps", MetaSteps)
	}
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	return steps, nil
}

func (p MetadataPlanner) PlanGraph(_ context.Context, tc task.Context) (coordinator.Graph, error) {
	md := tc.Request.Metadata
	if raw, ok := md[MetaGraph]; ok {
		var g coordinator.Graph
		if err := decodeInto(raw, &g); err != nil {
			return coordinator.Graph{}, fmt.Errorf("metadata.%s: %w", MetaGraph, err)
		}
		if g.ID == "" {
			g.ID = tc.Request.ID
		}
		return g, g.Validate()
	}
	if name, ok := md[MetaGraphName].(string); ok && name != "" {
		tmpl, ok := p.Graphs[name]
		if !ok {
			return coordinator.Graph{}, fmt.Errorf("unknown graph %q", name)
		}
		g := tmpl.Clone()
		extra, _ := md[MetaInput].(map[string]any)
		for i := range g.Nodes {
			if g.Nodes[i].Input == nil {
				g.Nodes[i].Input = make(map[string]any)
			}
			if _, set := g.Nodes[i].Input["instruction"]; !set {
				g.Nodes[i].Input["instruction"] = tc.Request.Instruction
			}
			for k, v := range extra {
				g.Nodes[i].Input[k] = v
			}
		}
		return g, nil
	}
	agent := p.DefaultAgent
	if agent == "" {
		agent = RespondAgent
	}
	return coordinator.Graph{
		ID: tc.Request.ID,
		Nodes: []coordinator.Node{{
			ID:    "main",
			Agent: agent,
			Input: map[string]any{"text": tc.Request.Instruction, "instruction": tc.Request.Instruction},
		}},
	}, nil
}

// RespondNode answers with the node's "text" input. It is the graph
// counterpart of a respond step.
var RespondNode = coordinator.NodeExecutorFunc(func(_ context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
	if text, ok := nc.Node.Input["text"]; ok {
		return coordinator.NodeResult{Success: true, Output: text}
	}
	return coordinator.NodeResult{Success: true, Output: nc.DependencyResults}
})

// decodeInto converts loosely typed metadata (decoded JSON or Go values)
// into v.
func decodeInto(raw any, v any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
