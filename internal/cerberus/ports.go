package cerberus

import (
	"context"
	"time"
)

// Decision is one action taken against an address, kept for the audit log.
type Decision struct {
	AssessmentID string
	IP           string
	Action       ActionKind
	Severity     Severity
	Reason       string
	Details      string
	At           time.Time
}

// AuditEntry records an assessment that went through the recovery stage.
type AuditEntry struct {
	AssessmentID string
	EventID      string
	IP           string
	Category     Category
	Severity     Severity
	ThreatLevel  float64
	Actions      []ActionKind
	Failed       int
	ResolvedAt   time.Time
}

// Alert is what the alert action hands to the notification channel.
type Alert struct {
	AssessmentID string
	IP           string
	Category     Category
	Severity     Severity
	ThreatLevel  float64
	Title        string
	Message      string
}

// Store is the durable side of the engine. All calls happen off the request path
// and failures never change an in-memory verdict.
type Store interface {
	UpsertBlock(ctx context.Context, rec BlockRecord) error
	DeleteBlock(ctx context.Context, ip string) error
	DeleteAllBlocks(ctx context.Context) error
	ActiveBlocks(ctx context.Context, now time.Time) ([]BlockRecord, error)
	LogDecision(ctx context.Context, d Decision) error
	AppendAudit(ctx context.Context, a AuditEntry) error
}

// Alerter delivers alerts to operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type nopStore struct{}

func (nopStore) UpsertBlock(context.Context, BlockRecord) error { return nil }
func (nopStore) DeleteBlock(context.Context, string) error      { return nil }
func (nopStore) DeleteAllBlocks(context.Context) error          { return nil }
func (nopStore) ActiveBlocks(context.Context, time.Time) ([]BlockRecord, error) {
	return nil, nil
}
func (nopStore) LogDecision(context.Context, Decision) error   { return nil }
func (nopStore) AppendAudit(context.Context, AuditEntry) error { return nil }

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, Alert) error { return nil }
