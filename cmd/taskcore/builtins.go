package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskcore/internal/capability"
	"github.com/basket/taskcore/internal/task"
)

var taskLookupSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "minLength": 1}
	},
	"required": ["task_id"]
}`)

// builtinCapabilities exposes read-only runtime facts to graphs: the clock
// and the stored state of other tasks.
func builtinCapabilities(tasks task.Store) *capability.FuncProvider {
	p := capability.NewFuncProvider()
	p.Add(capability.Capability{
		Name:        "clock.now",
		Description: "Current UTC time.",
		RiskLevel:   task.RiskLow,
		TimeoutMs:   1000,
	}, func(context.Context, map[string]any, task.Context) (any, error) {
		now := time.Now().UTC()
		return map[string]any{"time": now.Format(time.RFC3339Nano), "unix": now.Unix()}, nil
	})
	p.Add(capability.Capability{
		Name:        "task.lookup",
		Description: "Status and result of a stored task.",
		Schema:      taskLookupSchema,
		RiskLevel:   task.RiskLow,
		Permissions: []string{"tasks.read"},
		TimeoutMs:   5000,
	}, func(ctx context.Context, input map[string]any, _ task.Context) (any, error) {
		id, _ := input["task_id"].(string)
		rec, err := tasks.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		return map[string]any{
			"task_id":    rec.ID,
			"status":     string(rec.Status),
			"strategy":   string(rec.Strategy),
			"risk_level": string(rec.RiskLevel),
			"output":     task.DecodeObject(rec.OutputJSON),
			"error":      rec.ErrorText,
			"updated_at": rec.UpdatedAt,
		}, nil
	})
	return p
}
