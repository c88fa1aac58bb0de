package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/pricing"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/trace"
)

// ModelAgent runs a graph node by prompting a model. The prompt is the
// node's "prompt" input (or Prompt when absent) followed by the outputs of
// upstream nodes. Prompts are screened by Policy when set.
//
// When Traces is set each call appends a "model.generate" record carrying
// estimated token counts, plus a cost when Model has a known rate.
type ModelAgent struct {
	Provider ModelProvider
	Kind     string
	Prompt   string
	Policy   policy.Engine
	Model    string
	Traces   trace.Store
}

func (a ModelAgent) Execute(ctx context.Context, nc coordinator.NodeContext) coordinator.NodeResult {
	prompt := BuildPrompt(a.Prompt, nc)
	if strings.TrimSpace(prompt) == "" {
		return coordinator.NodeResult{Error: fmt.Sprintf("node %s: empty prompt", nc.Node.ID)}
	}
	if a.Policy != nil {
		tc := task.Context{
			Request:  task.Request{ID: nc.TaskID, SessionID: nc.SessionID, Instruction: prompt},
			Strategy: task.StrategyPlanExecute,
		}
		if d := a.Policy.EvaluatePrompt(ctx, prompt, tc); !d.Allow {
			return coordinator.NodeResult{Rejected: true, Error: "prompt rejected: " + d.Reason}
		}
	}
	kind := a.Kind
	if kind == "" {
		kind = "default"
	}
	model, err := a.Provider.GetModel(kind)
	if err != nil {
		return coordinator.NodeResult{Error: err.Error()}
	}
	start := time.Now()
	out, err := model.Generate(ctx, prompt)
	a.recordUsage(ctx, nc, kind, prompt, out, time.Since(start), err)
	if err != nil {
		return coordinator.NodeResult{Error: err.Error()}
	}
	return coordinator.NodeResult{Success: true, Output: out}
}

func (a ModelAgent) recordUsage(ctx context.Context, nc coordinator.NodeContext, kind, prompt, out string, elapsed time.Duration, genErr error) {
	if a.Traces == nil || nc.TaskID == "" {
		return
	}
	payload := map[string]any{"node_id": nc.Node.ID, "kind": kind, "success": genErr == nil}
	if a.Model != "" {
		payload["model"] = a.Model
	}
	if genErr != nil {
		payload["error"] = genErr.Error()
	}
	rec := trace.New(nc.TaskID, "model.generate", trace.KindModel, elapsed, payload)
	in, completion := pricing.EstimateTokens(prompt), pricing.EstimateTokens(out)
	rec.Metric.TokenIn = &in
	rec.Metric.TokenOut = &completion
	if usd, ok := pricing.Cost(a.Model, in, completion); ok {
		rec.Metric.CostUSD = &usd
	}
	_ = a.Traces.Append(ctx, rec)
}

// BuildPrompt assembles the prompt for a node. Upstream outputs are listed
// in node-id order.
func BuildPrompt(fallback string, nc coordinator.NodeContext) string {
	prompt := fallback
	if p, ok := nc.Node.Input["prompt"].(string); ok && p != "" {
		prompt = p
	}
	if len(nc.DependencyResults) == 0 {
		return prompt
	}
	ids := make([]string, 0, len(nc.DependencyResults))
	for id := range nc.DependencyResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nResults from previous steps:")
	for _, id := range ids {
		b.WriteString("\n[")
		b.WriteString(id)
		b.WriteString("] ")
		b.WriteString(render(nc.DependencyResults[id]))
	}
	return b.String()
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
