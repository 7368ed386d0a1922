package cerberus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
)

var (
	ErrUnknownAction      = errors.New("unknown healing action")
	ErrInvalidBlockTarget = errors.New("invalid block target")
)

// ActionStatus is the lifecycle state of a HealingAction.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusExecuting ActionStatus = "executing"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
)

// HealingAction is one mitigation attempt for an assessment.
type HealingAction struct {
	ID           string         `json:"id"`
	AssessmentID string         `json:"assessmentId"`
	Kind         ActionKind     `json:"kind"`
	Status       ActionStatus   `json:"status"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
	EndedAt      time.Time      `json:"endedAt,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// ActionHandler executes one kind of action. A returned error marks only that
// action failed.
type ActionHandler func(e *Engine, a *ThreatAssessment, act *HealingAction) error

// ActionRegistry maps action kinds to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[ActionKind]ActionHandler
}

// NewActionRegistry returns a registry holding the built-in handlers.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{handlers: make(map[ActionKind]ActionHandler)}
	r.Register(ActionBlockIP, blockIPAction)
	r.Register(ActionRateLimit, rateLimitAction)
	r.Register(ActionInvalidateSession, invalidateSessionAction)
	r.Register(ActionCircuitBreak, circuitBreakAction)
	r.Register(ActionDisableFeature, disableFeatureAction)
	r.Register(ActionAlert, alertAction)
	return r
}

func (r *ActionRegistry) Register(kind ActionKind, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *ActionRegistry) Get(kind ActionKind) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// respond runs the recommended actions of a in order. Every action runs even
// when an earlier one failed.
func (e *Engine) respond(a *ThreatAssessment) []*HealingAction {
	actions := make([]*HealingAction, len(a.Actions))
	for i, kind := range a.Actions {
		actions[i] = &HealingAction{
			ID:           uuid.NewString(),
			AssessmentID: a.ID,
			Kind:         kind,
			Status:       StatusPending,
			Details:      map[string]any{},
		}
	}
	for _, act := range actions {
		e.execute(a, act)
	}
	return actions
}

func (e *Engine) execute(a *ThreatAssessment, act *HealingAction) {
	act.Status = StatusExecuting
	act.StartedAt = e.now()

	err := e.runHandler(a, act)

	act.EndedAt = e.now()
	if err != nil {
		act.Status = StatusFailed
		act.Error = err.Error()
		logger.Log().WithError(err).WithFields(logrus.Fields{
			"action":        act.Kind,
			"assessment_id": a.ID,
			"ip":            a.SourceIP,
		}).Warn("healing action failed")
	} else {
		act.Status = StatusCompleted
	}
	metrics.IncAction(string(act.Kind), string(act.Status))
}

func (e *Engine) runHandler(a *ThreatAssessment, act *HealingAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", act.Kind, r)
		}
	}()
	h, ok := e.actions.Get(act.Kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, act.Kind)
	}
	return h(e, a, act)
}

func skip(act *HealingAction, reason string) {
	act.Details["skipped"] = reason
}

func blockIPAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	reason := fmt.Sprintf("%s (threat level %.2f)", a.Category, a.ThreatLevel)
	rec, err := e.block(a.SourceIP, reason, a.Severity)
	switch {
	case errors.Is(err, ErrInvalidBlockTarget):
		logger.Log().WithField("ip", a.SourceIP).Warn("skipping block of invalid address")
		skip(act, "invalid address")
		return nil
	case errors.Is(err, errAllowlisted):
		skip(act, "allowlisted")
		return nil
	case err != nil:
		return err
	}
	e.slo.IncBlocked()
	act.Details["ip"] = rec.IP
	act.Details["severity"] = string(rec.Severity)
	act.Details["expiresAt"] = rec.ExpiresAt
	e.logDecision(a, ActionBlockIP, rec.IP, reason)
	return nil
}

func rateLimitAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	ip := normalizeIP(a.SourceIP)
	if ip == "" || ip == UnknownIP {
		skip(act, "invalid address")
		return nil
	}
	if e.allowlisted(ip) {
		skip(act, "allowlisted")
		return nil
	}
	p := e.policy.Load()
	e.limiter.Throttle(ip, p.RateWindow)
	act.Details["retryAfter"] = e.limiter.RetryAfter(ip).String()
	e.logDecision(a, ActionRateLimit, ip, fmt.Sprintf("rate score %.2f", a.RateScore))
	return nil
}

func invalidateSessionAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	if a.SessionID == "" {
		skip(act, "no session")
		return nil
	}
	until := e.sessions.add(a.SessionID, e.policy.Load().SessionRevocation)
	act.Details["session"] = a.SessionID
	act.Details["revokedUntil"] = until
	e.logDecision(a, ActionInvalidateSession, a.SourceIP, "session revoked")
	return nil
}

func circuitBreakAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	return disableFeature(e, a, act, ActionCircuitBreak, e.policy.Load().CircuitBreakDuration)
}

func disableFeatureAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	return disableFeature(e, a, act, ActionDisableFeature, e.policy.Load().FeatureDisableFor)
}

func disableFeature(e *Engine, a *ThreatAssessment, act *HealingAction, kind ActionKind, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s: non-positive duration %s", kind, d)
	}
	feature := e.featureFor(a.Category)
	until := e.features.add(feature, d)
	act.Details["feature"] = feature
	act.Details["until"] = until
	e.logDecision(a, kind, a.SourceIP, "feature "+feature+" disabled")
	return nil
}

func alertAction(e *Engine, a *ThreatAssessment, act *HealingAction) error {
	alert := Alert{
		AssessmentID: a.ID,
		IP:           a.SourceIP,
		Category:     a.Category,
		Severity:     a.Severity,
		ThreatLevel:  a.ThreatLevel,
		Title:        fmt.Sprintf("Cerberus: %s threat from %s", a.Severity, a.SourceIP),
		Message: fmt.Sprintf("Category %s, threat level %.2f, actions %v, indicators %v",
			a.Category, a.ThreatLevel, a.Actions, a.Indicators),
	}
	if !e.dispatcher.dispatch("alert", a.SourceIP, func(ctx context.Context) error {
		return e.alerter.Alert(ctx, alert)
	}) {
		skip(act, "alert queue unavailable")
		return nil
	}
	act.Details["queued"] = true
	return nil
}

func (e *Engine) logDecision(a *ThreatAssessment, kind ActionKind, ip, reason string) {
	d := Decision{
		AssessmentID: a.ID,
		IP:           ip,
		Action:       kind,
		Severity:     a.Severity,
		Reason:       reason,
		Details:      fmt.Sprintf("category=%s level=%.2f confidence=%.2f", a.Category, a.ThreatLevel, a.Confidence),
		At:           e.now(),
	}
	e.dispatcher.dispatch("log_decision", ip, func(ctx context.Context) error {
		return e.store.LogDecision(ctx, d)
	})
}
