// Package router picks the execution strategy for a task request.
package router

import (
	"strings"
	"unicode/utf8"

	"github.com/basket/taskcore/internal/task"
)

// Multi-step cues. Matched as whole words, case-insensitive.
var DefaultKeywords = []string{
	"then", "after", "afterwards", "finally", "first", "next",
	"steps", "plan", "pipeline", "workflow", "stages",
	"deploy", "migrate", "migration", "refactor", "orchestrate",
	"and then", "step by step", "multi-step",
}

const (
	DefaultLengthThreshold = 400
	DefaultPlanScore       = 0.5
)

// Config tunes the heuristic. Zero values select the defaults.
type Config struct {
	Keywords        []string `yaml:"keywords"`
	LengthThreshold int      `yaml:"length_threshold"`
	PlanScore       float64  `yaml:"plan_score"`
}

// Signal is the router's view of a request.
type Signal struct {
	ComplexityScore float64        `json:"complexity_score"`
	ForceMode       *task.Strategy `json:"force_mode,omitempty"`
	Keywords        []string       `json:"keywords,omitempty"`
}

// Router is pure: the same request always yields the same strategy.
type Router struct {
	keywords  []string
	threshold int
	planScore float64
}

func New(cfg Config) *Router {
	r := &Router{
		threshold: cfg.LengthThreshold,
		planScore: cfg.PlanScore,
	}
	src := cfg.Keywords
	if len(src) == 0 {
		src = DefaultKeywords
	}
	r.keywords = make([]string, 0, len(src))
	for _, kw := range src {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.keywords = append(r.keywords, kw)
		}
	}
	if r.threshold <= 0 {
		r.threshold = DefaultLengthThreshold
	}
	if r.planScore <= 0 || r.planScore > 1 {
		r.planScore = DefaultPlanScore
	}
	return r
}

// Classify scores how multi-stage the instruction looks, from 0 to 1.
// Length contributes up to 0.5, each distinct keyword 0.25 (capped at 0.5)
// and an enumerated list of two or more items 0.25. A request carrying an
// explicit graph scores 1, one carrying explicit steps 0.
func (r *Router) Classify(req task.Request) Signal {
	sig := Signal{ForceMode: req.ForceMode}
	if _, ok := req.Metadata["graph"]; ok {
		sig.ComplexityScore = 1
		return sig
	}
	if _, ok := req.Metadata["graph_name"]; ok {
		sig.ComplexityScore = 1
		return sig
	}
	if _, ok := req.Metadata["steps"]; ok {
		return sig
	}

	text := strings.ToLower(req.Instruction)
	n := utf8.RuneCountInString(text)
	score := 0.5 * float64(n) / float64(r.threshold)
	if score > 0.5 {
		score = 0.5
	}

	kwScore := 0.0
	for _, kw := range r.keywords {
		if containsWord(text, kw) {
			sig.Keywords = append(sig.Keywords, kw)
			kwScore += 0.25
		}
	}
	if kwScore > 0.5 {
		kwScore = 0.5
	}
	score += kwScore
	if enumeratedItems(req.Instruction) >= 2 {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}
	sig.ComplexityScore = score
	return sig
}

// ChooseMode returns the forced mode when set, plan_execute when the score
// reaches the configured plan score and react otherwise.
func (r *Router) ChooseMode(_ task.Request, sig Signal) task.Strategy {
	if sig.ForceMode != nil {
		return *sig.ForceMode
	}
	if sig.ComplexityScore >= r.planScore {
		return task.StrategyPlanExecute
	}
	return task.StrategyReact
}

// Route is Classify followed by ChooseMode.
func (r *Router) Route(req task.Request) (task.Strategy, Signal) {
	sig := r.Classify(req)
	return r.ChooseMode(req, sig), sig
}

// containsWord reports whether word occurs in text with non-letter bytes (or
// the string edges) on both sides.
func containsWord(text, word string) bool {
	idx := 0
	for idx < len(text) {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		before := start == 0 || !isLetter(text[start-1])
		after := end >= len(text) || !isLetter(text[end])
		if before && after {
			return true
		}
		idx = start + 1
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// enumeratedItems counts lines that start like "1." / "2)" / "-" / "*".
func enumeratedItems(s string) int {
	count := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] == '-' || line[0] == '*' {
			count++
			continue
		}
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
			count++
		}
	}
	return count
}
