package cerberus

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/cerberus/internal/config"
)

// ThreatAssessment is the verdict for one event. It is never modified after
// the assessor returns it.
type ThreatAssessment struct {
	ID           string        `json:"id"`
	EventID      string        `json:"eventId"`
	SourceIP     string        `json:"sourceIp"`
	SessionID    string        `json:"sessionId,omitempty"`
	DetectedAt   time.Time     `json:"detectedAt"`
	TimeToDetect time.Duration `json:"timeToDetect"`
	ThreatLevel  float64       `json:"threatLevel"`
	Category     Category      `json:"category"`
	Severity     Severity      `json:"severity"`
	Confidence   float64       `json:"confidence"`
	Indicators   []string      `json:"indicators"`
	Actions      []ActionKind  `json:"actions"`
	RateScore    float64       `json:"rateScore"`
	Reputation   float64       `json:"reputation"`
}

// Assessor combines signature matches, the rate score and the reputation of the
// source into a ThreatAssessment.
type Assessor struct {
	policy     *atomic.Pointer[config.Policy]
	limiter    *RateLimiter
	reputation *ReputationTracker
	now        func() time.Time
}

func NewAssessor(policy *atomic.Pointer[config.Policy], limiter *RateLimiter, reputation *ReputationTracker, now func() time.Time) *Assessor {
	if now == nil {
		now = time.Now
	}
	return &Assessor{policy: policy, limiter: limiter, reputation: reputation, now: now}
}

// Assess scores ev. Every call counts towards the rate window of the source and
// updates its reputation.
func (a *Assessor) Assess(ev SecurityEvent) *ThreatAssessment {
	return a.assess(ev, nil)
}

// assess is Assess with precomputed matches; nil means scan the payload here.
func (a *Assessor) assess(ev SecurityEvent, matches []PatternMatch) *ThreatAssessment {
	p := a.policy.Load()
	if matches == nil {
		matches = Match(ev.Payload.scanText(), p.PatternConfidence)
	}

	level := 0.0
	category := CategoryNone
	indicators := make([]string, 0, len(matches)+2)
	for _, m := range matches {
		indicators = append(indicators, m.Indicator)
	}
	if best, ok := strongest(matches); ok {
		level = best.Confidence
		category = best.Category
	}

	ip := ev.Source.IP
	rate := a.limiter.RecordAndScore(ip, p.RateWindow, p.VolumetricThreshold)
	if rate > p.RateEscalation {
		level = math.Max(level, rate*p.RateWeight)
		if category == CategoryNone {
			category = CategoryRateAbuse
		}
		indicators = append(indicators, fmt.Sprintf("rate_score=%.2f", rate))
	}

	rep := a.reputation.Update(ip, level, p.ReputationBlend, p.ReputationHalfLife)
	if rep > p.ReputationEscalation {
		level = math.Max(level, rep)
		if category == CategoryNone {
			category = CategoryReputation
		}
		indicators = append(indicators, fmt.Sprintf("reputation=%.2f", rep))
	}
	level = clamp01(level)

	now := a.now()
	ttd := now.Sub(ev.Timestamp)
	if ttd < 0 {
		ttd = 0
	}

	return &ThreatAssessment{
		ID:           uuid.NewString(),
		EventID:      ev.ID,
		SourceIP:     ip,
		SessionID:    ev.Source.SessionID,
		DetectedAt:   now,
		TimeToDetect: ttd,
		ThreatLevel:  level,
		Category:     category,
		Severity:     SeverityFor(level),
		Confidence:   math.Min(1, level+p.ConfidenceMargin),
		Indicators:   indicators,
		Actions:      ActionsFor(p, level, category),
		RateScore:    rate,
		Reputation:   rep,
	}
}
