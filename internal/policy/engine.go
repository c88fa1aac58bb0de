// Package policy decides whether a tool call or prompt may proceed and
// whether it needs a human approval first.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskcore/internal/safety"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
)

// Decision is computed per tool call. It is never persisted on its own.
type Decision struct {
	Allow            bool           `json:"allow"`
	RiskLevel        task.RiskLevel `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	Reason           string         `json:"reason,omitempty"`
}

// Engine is implemented by AllowAll, Threshold and Configurable. The
// definition passed to EvaluateToolCall may be nil for unregistered tools.
type Engine interface {
	EvaluateToolCall(ctx context.Context, call tools.Call, tc task.Context, def *tools.Definition) Decision
	EvaluatePrompt(ctx context.Context, prompt string, tc task.Context) Decision
}

// AllowAll permits everything at low risk. Meant for development and tests.
type AllowAll struct{}

func (AllowAll) EvaluateToolCall(context.Context, tools.Call, task.Context, *tools.Definition) Decision {
	return Decision{Allow: true, RiskLevel: task.RiskLow}
}

func (AllowAll) EvaluatePrompt(context.Context, string, task.Context) Decision {
	return Decision{Allow: true, RiskLevel: task.RiskLow}
}

// Threshold derives risk from the tool's declared risk (medium when absent),
// denies blocked levels and asks for approval at or above ApprovalThreshold.
type Threshold struct {
	ApprovalThreshold task.RiskLevel
	BlockedRiskLevels []task.RiskLevel
}

// DefaultApprovalThreshold applies when Threshold.ApprovalThreshold is unset.
const DefaultApprovalThreshold = task.RiskHigh

func (t Threshold) threshold() task.RiskLevel {
	if t.ApprovalThreshold.Valid() {
		return t.ApprovalThreshold
	}
	return DefaultApprovalThreshold
}

func (t Threshold) blocked(risk task.RiskLevel) bool {
	for _, b := range t.BlockedRiskLevels {
		if b == risk {
			return true
		}
	}
	return false
}

func (t Threshold) decide(risk task.RiskLevel, forceApproval bool) Decision {
	if t.blocked(risk) {
		return Decision{RiskLevel: risk, Reason: fmt.Sprintf("risk level %s is blocked", risk)}
	}
	d := Decision{Allow: true, RiskLevel: risk}
	switch {
	case forceApproval:
		d.RequiresApproval = true
		d.Reason = "approval forced by rule"
	case risk.AtLeast(t.threshold()):
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("risk level %s meets approval threshold %s", risk, t.threshold())
	}
	return d
}

func (t Threshold) EvaluateToolCall(_ context.Context, _ tools.Call, _ task.Context, def *tools.Definition) Decision {
	return t.decide(declaredRisk(def), false)
}

// EvaluatePrompt allows prompts at the task's own risk level.
func (t Threshold) EvaluatePrompt(_ context.Context, _ string, tc task.Context) Decision {
	risk := tc.RiskLevel
	if !risk.Valid() {
		risk = task.RiskLow
	}
	return Decision{Allow: true, RiskLevel: risk}
}

func declaredRisk(def *tools.Definition) task.RiskLevel {
	if def == nil || !def.DeclaredRisk.Valid() {
		return task.RiskMedium
	}
	return def.DeclaredRisk
}

// Rule overrides the threshold behaviour for one tool name.
type Rule struct {
	Tool              string         `yaml:"tool" json:"tool"`
	Blocked           bool           `yaml:"blocked,omitempty" json:"blocked,omitempty"`
	OverrideRiskLevel task.RiskLevel `yaml:"override_risk_level,omitempty" json:"override_risk_level,omitempty"`
	ForceApproval     bool           `yaml:"force_approval,omitempty" json:"force_approval,omitempty"`
	Reason            string         `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Configurable is Threshold plus per-tool rules and prompt screening. At most
// one rule applies per call: the first whose Tool equals the call name.
type Configurable struct {
	Threshold
	Rules                 []Rule
	BlockedPromptPatterns []string
	ScreenInjections      bool
}

func (c Configurable) rule(name string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.Tool == name {
			return r, true
		}
	}
	return Rule{}, false
}

func (c Configurable) EvaluateToolCall(_ context.Context, call tools.Call, _ task.Context, def *tools.Definition) Decision {
	risk := declaredRisk(def)
	r, ok := c.rule(call.Name)
	if !ok {
		return c.decide(risk, false)
	}
	if r.OverrideRiskLevel.Valid() {
		risk = r.OverrideRiskLevel
	}
	if r.Blocked {
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("tool %s is blocked by rule", call.Name)
		}
		return Decision{RiskLevel: risk, Reason: reason}
	}
	d := c.decide(risk, r.ForceApproval)
	if r.Reason != "" && (d.RequiresApproval || !d.Allow) {
		d.Reason = r.Reason
	}
	return d
}

// EvaluatePrompt denies prompts containing any blocked pattern
// (case-insensitive substring match). With ScreenInjections set, prompts
// that look like an injection are denied and suspicious ones are raised to
// at least medium risk.
func (c Configurable) EvaluatePrompt(ctx context.Context, prompt string, tc task.Context) Decision {
	lower := strings.ToLower(prompt)
	for _, p := range c.BlockedPromptPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return Decision{RiskLevel: task.RiskHigh, Reason: fmt.Sprintf("prompt matches blocked pattern %q", p)}
		}
	}
	d := c.Threshold.EvaluatePrompt(ctx, prompt, tc)
	if !c.ScreenInjections {
		return d
	}
	switch f := safety.ScreenPrompt(prompt); f.Verdict {
	case safety.VerdictInjection:
		return Decision{RiskLevel: task.RiskHigh, Reason: "prompt injection: " + f.Reason}
	case safety.VerdictSuspicious:
		if !d.RiskLevel.AtLeast(task.RiskMedium) {
			d.RiskLevel = task.RiskMedium
		}
		d.Reason = "suspicious prompt: " + f.Reason
	}
	return d
}
