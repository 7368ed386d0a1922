package cerberus

import (
	"time"

	"github.com/Wikid82/cerberus/internal/config"
)

// ActionKind names a mitigation the executor knows how to run.
type ActionKind string

const (
	ActionBlockIP           ActionKind = "block_ip"
	ActionRateLimit         ActionKind = "rate_limit"
	ActionInvalidateSession ActionKind = "invalidate_session"
	ActionCircuitBreak      ActionKind = "circuit_break"
	ActionDisableFeature    ActionKind = "disable_feature"
	ActionAlert             ActionKind = "alert"
)

// ActionsFor derives the ordered action list for a threat level and category.
// Category overrides come first, followed by the actions of the highest band the
// level reaches, without duplicates. Bands are expected sorted highest first.
func ActionsFor(p *config.Policy, level float64, category Category) []ActionKind {
	var out []ActionKind
	seen := make(map[ActionKind]bool)
	add := func(names []string) {
		for _, n := range names {
			k := ActionKind(n)
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	add(p.CategoryOverrides[string(category)])
	for _, band := range p.Bands {
		if level >= band.Min {
			add(band.Actions)
			break
		}
	}
	return out
}

// SeverityFor buckets a threat level.
func SeverityFor(level float64) Severity {
	switch {
	case level >= 0.9:
		return SeverityCritical
	case level >= 0.7:
		return SeverityHigh
	case level >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// BlockDuration returns how long a block of the given severity lasts. Unknown
// severities get the low duration.
func BlockDuration(p *config.Policy, s Severity) time.Duration {
	if d, ok := p.BlockDurations[string(s)]; ok && d > 0 {
		return d
	}
	if d, ok := p.BlockDurations[string(SeverityLow)]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}
