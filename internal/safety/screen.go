// Package safety holds the regex screens applied to task instructions
// before planning and to tool outputs after a step succeeds.
package safety

import (
	"regexp"
	"strings"
)

// Verdict grades how suspicious a piece of text looks.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictSuspicious
	VerdictInjection
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuspicious:
		return "suspicious"
	case VerdictInjection:
		return "injection"
	default:
		return "clean"
	}
}

// Finding is the result of ScreenPrompt. Reason is empty for clean text.
type Finding struct {
	Verdict Verdict
	Reason  string
}

type screen struct {
	re      *regexp.Regexp
	verdict Verdict
	reason  string
}

// Checked in order; the first match wins, so injection screens come first.
var promptScreens = []screen{
	{
		re:      regexp.MustCompile(`(?i)\b(ignore|disregard)\s+(all\s+)?(the\s+)?(previous|above|prior|earlier)\s+(instructions?|prompts?|rules?)\b`),
		verdict: VerdictInjection,
		reason:  "asks to ignore prior instructions",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(override|bypass)\s+(the\s+)?(system\s+prompt|policy|approvals?)\b`),
		verdict: VerdictInjection,
		reason:  "asks to bypass policy",
	},
	{
		re:      regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		verdict: VerdictInjection,
		reason:  "identity override",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(reveal|print|repeat|show)\s+(me\s+)?(your\s+)?(system\s+)?(prompt|instructions)\b`),
		verdict: VerdictInjection,
		reason:  "system prompt extraction",
	},
	{
		re:      regexp.MustCompile(`(?i)\[\s*system\s*\]|<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		verdict: VerdictSuspicious,
		reason:  "chat template marker",
	},
	{
		re:      regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`),
		verdict: VerdictSuspicious,
		reason:  "base64 encoded instruction",
	},
}

// ScreenPrompt classifies an instruction against the injection screens.
func ScreenPrompt(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{}
	}
	for _, s := range promptScreens {
		if s.re.MatchString(text) {
			return Finding{Verdict: s.verdict, Reason: s.reason}
		}
	}
	return Finding{}
}
