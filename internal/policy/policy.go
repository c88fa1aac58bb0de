package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/tools"
	"gopkg.in/yaml.v3"
)

// Engine kinds accepted in policy.yaml.
const (
	KindAllowAll     = "allow_all"
	KindThreshold    = "threshold"
	KindConfigurable = "configurable"
)

// Policy is the serializable content of policy.yaml.
type Policy struct {
	Engine                string            `yaml:"engine"`
	ApprovalThreshold     task.RiskLevel    `yaml:"approval_threshold"`
	BlockedRiskLevels     []task.RiskLevel  `yaml:"blocked_risk_levels"`
	Rules                 []Rule            `yaml:"rules"`
	BlockedPromptPatterns []string          `yaml:"blocked_prompt_patterns"`
	ScreenInjections      bool              `yaml:"screen_injections"`
	Permissions           tools.Permissions `yaml:"permissions"`
}

func Default() Policy {
	return Policy{
		Engine:            KindConfigurable,
		ApprovalThreshold: DefaultApprovalThreshold,
		BlockedRiskLevels: []task.RiskLevel{task.RiskCritical},
		ScreenInjections:  true,
	}
}

// Load reads a policy file. A missing or empty file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	p := Default()
	p.BlockedRiskLevels = nil
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	switch p.Engine {
	case KindAllowAll, KindThreshold, KindConfigurable:
	default:
		return fmt.Errorf("unknown policy engine %q", p.Engine)
	}
	if !p.ApprovalThreshold.Valid() {
		return fmt.Errorf("invalid approval_threshold %q", p.ApprovalThreshold)
	}
	for _, r := range p.BlockedRiskLevels {
		if !r.Valid() {
			return fmt.Errorf("invalid blocked risk level %q", r)
		}
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r.Tool) == "" {
			return fmt.Errorf("rule %d: empty tool name", i)
		}
		if r.OverrideRiskLevel != "" && !r.OverrideRiskLevel.Valid() {
			return fmt.Errorf("rule %s: invalid override_risk_level %q", r.Tool, r.OverrideRiskLevel)
		}
	}
	return nil
}

// Build returns the engine the policy selects.
func (p Policy) Build() Engine {
	th := Threshold{
		ApprovalThreshold: p.ApprovalThreshold,
		BlockedRiskLevels: append([]task.RiskLevel(nil), p.BlockedRiskLevels...),
	}
	switch p.Engine {
	case KindAllowAll:
		return AllowAll{}
	case KindThreshold:
		return th
	default:
		return Configurable{
			Threshold:             th,
			Rules:                 append([]Rule(nil), p.Rules...),
			BlockedPromptPatterns: append([]string(nil), p.BlockedPromptPatterns...),
			ScreenInjections:      p.ScreenInjections,
		}
	}
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(s)) + "|")) }
	write(p.Engine)
	write(string(p.ApprovalThreshold))
	for _, v := range p.BlockedRiskLevels {
		write(string(v))
	}
	for _, r := range p.Rules {
		write(fmt.Sprintf("%s:%t:%s:%t", r.Tool, r.Blocked, r.OverrideRiskLevel, r.ForceApproval))
	}
	for _, v := range p.BlockedPromptPatterns {
		write(v)
	}
	write(fmt.Sprintf("screen=%t", p.ScreenInjections))
	for _, v := range p.Permissions.Allow {
		write("allow=" + v)
	}
	for _, v := range p.Permissions.Deny {
		write("deny=" + v)
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// Live wraps a Policy with thread-safe reload and persistence. It is itself
// an Engine, delegating to the engine built from the current policy.
type Live struct {
	mu     sync.RWMutex
	data   Policy
	engine Engine
	path   string // file path for persistence; empty = no persistence
}

// NewLive creates a Live policy. If path is non-empty, mutations are
// persisted to that file.
func NewLive(initial Policy, path string) *Live {
	return &Live{data: initial, engine: initial.Build(), path: path}
}

func (lp *Live) EvaluateToolCall(ctx context.Context, call tools.Call, tc task.Context, def *tools.Definition) Decision {
	lp.mu.RLock()
	e := lp.engine
	lp.mu.RUnlock()
	return e.EvaluateToolCall(ctx, call, tc, def)
}

func (lp *Live) EvaluatePrompt(ctx context.Context, prompt string, tc task.Context) Decision {
	lp.mu.RLock()
	e := lp.engine
	lp.mu.RUnlock()
	return e.EvaluatePrompt(ctx, prompt, tc)
}

func (lp *Live) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *Live) Reload(p Policy) {
	e := p.Build()
	lp.mu.Lock()
	lp.data = p
	lp.engine = e
	lp.mu.Unlock()
}

// Snapshot returns a copy of the current policy data.
func (lp *Live) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.BlockedRiskLevels = append([]task.RiskLevel(nil), lp.data.BlockedRiskLevels...)
	cp.Rules = append([]Rule(nil), lp.data.Rules...)
	cp.BlockedPromptPatterns = append([]string(nil), lp.data.BlockedPromptPatterns...)
	cp.Permissions = tools.Permissions{
		Allow: append([]string(nil), lp.data.Permissions.Allow...),
		Deny:  append([]string(nil), lp.data.Permissions.Deny...),
	}
	return cp
}

// SetRule inserts or replaces the rule for r.Tool and persists the change.
func (lp *Live) SetRule(r Rule) error {
	r.Tool = strings.TrimSpace(r.Tool)
	if r.Tool == "" {
		return fmt.Errorf("empty tool name")
	}
	if r.OverrideRiskLevel != "" && !r.OverrideRiskLevel.Valid() {
		return fmt.Errorf("invalid override_risk_level %q", r.OverrideRiskLevel)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	replaced := false
	for i := range lp.data.Rules {
		if lp.data.Rules[i].Tool == r.Tool {
			lp.data.Rules[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		lp.data.Rules = append(lp.data.Rules, r)
	}
	lp.engine = lp.data.Build()
	return lp.persist()
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *Live, path string) (Policy, error) {
	if lp == nil {
		return Policy{}, fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return Policy{}, err
	}
	lp.Reload(p)
	return p, nil
}

func (lp *Live) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
