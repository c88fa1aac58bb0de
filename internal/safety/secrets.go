package safety

import "regexp"

// Secret is one credential-looking match. Sample is truncated so the
// secret itself never reaches a log line.
type Secret struct {
	Kind   string `json:"kind"`
	Sample string `json:"sample"`
}

const maxMatchesPerKind = 3

var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-./+=]{16,}`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`)},
}

// FindSecrets reports credential-looking substrings in text.
func FindSecrets(text string) []Secret {
	if text == "" {
		return nil
	}
	var out []Secret
	for _, p := range secretPatterns {
		for _, m := range p.re.FindAllString(text, maxMatchesPerKind) {
			out = append(out, Secret{Kind: p.kind, Sample: sample(m)})
		}
	}
	return out
}

func sample(s string) string {
	if len(s) <= 12 {
		return s[:len(s)/2] + "..."
	}
	return s[:9] + "..."
}

// Kinds returns the distinct kinds in first-seen order.
func Kinds(secrets []Secret) []string {
	seen := make(map[string]bool, len(secrets))
	var out []string
	for _, s := range secrets {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			out = append(out, s.Kind)
		}
	}
	return out
}
