package cerberus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingStore struct {
	mu        sync.Mutex
	blocks    map[string]BlockRecord
	deleted   []string
	clears    int
	decisions []Decision
	audits    []AuditEntry
	restore   []BlockRecord
	failWith  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{blocks: map[string]BlockRecord{}}
}

func (s *recordingStore) UpsertBlock(_ context.Context, rec BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.blocks[rec.IP] = rec
	return nil
}

func (s *recordingStore) DeleteBlock(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, ip)
	s.deleted = append(s.deleted, ip)
	return nil
}

func (s *recordingStore) DeleteAllBlocks(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = map[string]BlockRecord{}
	s.clears++
	return nil
}

func (s *recordingStore) ActiveBlocks(_ context.Context, now time.Time) ([]BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []BlockRecord
	for _, rec := range s.restore {
		if now.Before(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *recordingStore) LogDecision(_ context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *recordingStore) AppendAudit(_ context.Context, a AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.audits = append(s.audits, a)
	return nil
}

func (s *recordingStore) snapshot() (map[string]BlockRecord, []Decision, []AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := make(map[string]BlockRecord, len(s.blocks))
	for k, v := range s.blocks {
		blocks[k] = v
	}
	return blocks, append([]Decision(nil), s.decisions...), append([]AuditEntry(nil), s.audits...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	fail   bool
}

func (a *recordingAlerter) Alert(_ context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("smtp unreachable")
	}
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func newTestEngine(t *testing.T, clock *fakeClock, opts ...Option) *Engine {
	t.Helper()
	return newTestEngineWithPolicy(t, clock, config.DefaultPolicy(), opts...)
}

func newTestEngineWithPolicy(t *testing.T, clock *fakeClock, p config.Policy, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	e, err := New(p, all...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func sqlInjectionEvent(ip string) SecurityEvent {
	return SecurityEvent{
		Kind:   KindAuth,
		Source: Source{IP: ip},
		Payload: Payload{
			Path:   "/api/v1/login",
			Method: "POST",
			Body:   "username=admin' OR 1=1--",
		},
	}
}

func findAction(actions []HealingAction, kind ActionKind) (HealingAction, bool) {
	for _, act := range actions {
		if act.Kind == kind {
			return act, true
		}
	}
	return HealingAction{}, false
}
