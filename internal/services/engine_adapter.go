package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/models"
)

const (
	sourceEngine = "cerberus"
	sourceManual = "manual"
)

// EngineAdapter persists engine state through SecurityService and forwards
// engine alerts to NotificationService. It satisfies cerberus.Store and
// cerberus.Alerter.
type EngineAdapter struct {
	security      *SecurityService
	notifications *NotificationService
	alerts        *rate.Limiter
}

var (
	_ cerberus.Store   = (*EngineAdapter)(nil)
	_ cerberus.Alerter = (*EngineAdapter)(nil)
)

// NewEngineAdapter wires the services together. alertsPerMinute caps outbound
// alerts; zero or less disables the cap.
func NewEngineAdapter(security *SecurityService, notifications *NotificationService, alertsPerMinute int) *EngineAdapter {
	limit := rate.Inf
	burst := 0
	if alertsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(alertsPerMinute))
		burst = alertsPerMinute
	}
	return &EngineAdapter{
		security:      security,
		notifications: notifications,
		alerts:        rate.NewLimiter(limit, burst),
	}
}

func blockSource(reason string) string {
	if cerberus.IsManualReason(reason) {
		return sourceManual
	}
	return sourceEngine
}

func (a *EngineAdapter) UpsertBlock(ctx context.Context, rec cerberus.BlockRecord) error {
	return a.security.UpsertBlock(ctx, &models.BlockRecord{
		IP:        rec.IP,
		Reason:    rec.Reason,
		Severity:  string(rec.Severity),
		Source:    blockSource(rec.Reason),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	})
}

// DeleteBlock treats a missing row as success; the engine unblocks addresses
// that were never persisted.
func (a *EngineAdapter) DeleteBlock(ctx context.Context, ip string) error {
	if err := a.security.DeleteBlock(ctx, ip); err != nil && !errors.Is(err, ErrBlockNotFound) {
		return err
	}
	return nil
}

func (a *EngineAdapter) DeleteAllBlocks(ctx context.Context) error {
	_, err := a.security.DeleteAllBlocks(ctx)
	return err
}

func (a *EngineAdapter) ActiveBlocks(ctx context.Context, now time.Time) ([]cerberus.BlockRecord, error) {
	rows, err := a.security.ListActiveBlocks(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]cerberus.BlockRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, cerberus.BlockRecord{
			IP:        r.IP,
			Reason:    r.Reason,
			Severity:  cerberus.Severity(r.Severity),
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

func (a *EngineAdapter) LogDecision(ctx context.Context, d cerberus.Decision) error {
	return a.security.LogDecision(ctx, &models.SecurityDecision{
		Source:       sourceEngine,
		Action:       string(d.Action),
		IP:           d.IP,
		Severity:     string(d.Severity),
		AssessmentID: d.AssessmentID,
		Reason:       d.Reason,
		Details:      d.Details,
		CreatedAt:    d.At,
	})
}

func (a *EngineAdapter) AppendAudit(ctx context.Context, e cerberus.AuditEntry) error {
	details, err := json.Marshal(map[string]any{
		"eventId": e.EventID,
		"actions": e.Actions,
		"failed":  e.Failed,
	})
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	return a.security.LogAudit(ctx, &models.SecurityAudit{
		Actor:        sourceEngine,
		Action:       "threat_healed",
		AssessmentID: e.AssessmentID,
		IP:           e.IP,
		Category:     string(e.Category),
		Severity:     string(e.Severity),
		ThreatLevel:  e.ThreatLevel,
		Details:      string(details),
		CreatedAt:    e.ResolvedAt,
	})
}

// Alert records an in-app notification and fans out to external providers.
// Alerts over the per-minute cap are dropped.
func (a *EngineAdapter) Alert(ctx context.Context, al cerberus.Alert) error {
	if !a.alerts.Allow() {
		metrics.IncDropped("alert")
		logger.Log().WithField("assessment_id", al.AssessmentID).Debug("alert rate cap reached, dropping alert")
		return nil
	}

	if _, err := a.notifications.CreateFor(ctx, &models.Notification{
		Type:         models.NotificationTypeThreat,
		Title:        al.Title,
		Message:      al.Message,
		AssessmentID: al.AssessmentID,
		IP:           al.IP,
		Severity:     string(al.Severity),
	}); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	return a.notifications.SendExternal(ctx, EventThreat, string(al.Severity), al.Title, al.Message, map[string]interface{}{
		"IP":           al.IP,
		"Category":     string(al.Category),
		"ThreatLevel":  al.ThreatLevel,
		"AssessmentID": al.AssessmentID,
	})
}
