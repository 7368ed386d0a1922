package cerberus

import (
	"net/url"
	"regexp"

	"github.com/Wikid82/cerberus/internal/config"
)

// Category is the dominant threat class of an assessment.
type Category string

const (
	CategoryNone             Category = "none"
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryRateAbuse        Category = "rate_abuse"
	CategoryReputation       Category = "reputation"
)

// PatternMatch is one signature hit.
type PatternMatch struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Indicator  string   `json:"indicator"`
}

type signature struct {
	category Category
	name     string
	re       *regexp.Regexp
}

// shellCommands are the binaries attackers chain onto injected input.
const shellCommands = `(cat|ls|id|whoami|uname|wget|curl|nc|netcat|bash|sh|rm|chmod|python|perl|ping)`

// Signatures target attack syntax, not vocabulary: a lone SQL keyword, a shell
// command name in prose or the word "script" never matches. Scanned text is one
// payload part per line, so $ anchors at the end of a value.
var signatures = []signature{
	{CategorySQLInjection, "union_select", regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`)},
	{CategorySQLInjection, "drop_statement", regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`)},
	{CategorySQLInjection, "exec_call", regexp.MustCompile(`(?i)\b(exec|execute)\s*\(|\bxp_cmdshell\b`)},
	{CategorySQLInjection, "quote_comment", regexp.MustCompile(`'\s*(--|/\*)`)},
	{CategorySQLInjection, "tautology", regexp.MustCompile(`(?i)'\s*(or|and)\s+('[^']*'?|\d+)\s*=\s*('[^']*'?|\d+)`)},
	{CategorySQLInjection, "stacked_query", regexp.MustCompile(`(?i);\s*(--|drop\s+(table|database)\b|delete\s+from\s+\w|insert\s+into\s+\w|update\s+\w+\s+set\s+\w|select\s+(\*|[\w.]+(\s*,\s*[\w.]+)*)\s+from\s+\w)`)},

	{CategoryXSS, "script_tag", regexp.MustCompile(`(?i)<\s*script\b`)},
	{CategoryXSS, "javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{CategoryXSS, "event_handler", regexp.MustCompile(`(?i)<[^>]*\son[a-z]+\s*=`)},

	{CategoryPathTraversal, "dot_dot_slash", regexp.MustCompile(`\.\.[/\\]`)},
	{CategoryPathTraversal, "encoded_traversal", regexp.MustCompile(`(?i)(%2e%2e|\.\.)(%2f|%5c)|%2e%2e[/\\]|%25(2e|2f|5c)`)},

	// The command must be followed by a flag, a path, a URL, an address or the
	// end of the value.
	{CategoryCommandInjection, "chained_command", regexp.MustCompile(`(?im)(;|&&|\|\||\|)\s*` + shellCommands + `(\s+(-{1,2}[a-z]|/|\.{1,2}/|~|https?://|\d{1,3}\.\d)|\s*($|[;&|'"` + "`" + `]))`)},
	{CategoryCommandInjection, "command_substitution", regexp.MustCompile(`(?i)\$\(\s*` + shellCommands + `\b[^)]*\)`)},
	{CategoryCommandInjection, "backtick", regexp.MustCompile("(?i)`\\s*" + shellCommands + "\\b[^`]*`")},
}

var defaultConfidence = config.DefaultPolicy().PatternConfidence

// Match scans text, and its URL-decoded form when that differs, against every
// signature. Each signature contributes at most one match. confidence maps a
// category to its score; missing categories use the built-in defaults.
func Match(text string, confidence map[string]float64) []PatternMatch {
	if text == "" {
		return nil
	}
	inputs := []string{text}
	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		inputs = append(inputs, decoded)
	}

	var matches []PatternMatch
	for _, sig := range signatures {
		for _, in := range inputs {
			if !sig.re.MatchString(in) {
				continue
			}
			matches = append(matches, PatternMatch{
				Category:   sig.category,
				Confidence: confidenceFor(sig.category, confidence),
				Indicator:  string(sig.category) + ":" + sig.name,
			})
			break
		}
	}
	return matches
}

func confidenceFor(c Category, confidence map[string]float64) float64 {
	if v, ok := confidence[string(c)]; ok {
		return v
	}
	return defaultConfidence[string(c)]
}

// strongest returns the highest-confidence match. The first one wins ties so
// results follow signature order.
func strongest(matches []PatternMatch) (PatternMatch, bool) {
	if len(matches) == 0 {
		return PatternMatch{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	return best, true
}
