package cerberus

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/util"
)

var (
	ErrEngineStopped = errors.New("cerberus engine stopped")
	errAllowlisted   = errors.New("address is allowlisted")
)

// Verdict is what Submit returns for an event assessed on the immediate path.
type Verdict struct {
	Assessment *ThreatAssessment `json:"assessment"`
	Actions    []HealingAction   `json:"actions"`
	Healed     bool              `json:"healed"`
}

// Blocked reports whether the verdict left its source address blocked.
func (v *Verdict) Blocked() bool {
	if v == nil {
		return false
	}
	for _, act := range v.Actions {
		if act.Kind == ActionBlockIP && act.Status == StatusCompleted && act.Details["skipped"] == nil {
			return true
		}
	}
	return false
}

// Status is the engine summary exposed to operators.
type Status struct {
	Running           bool    `json:"running"`
	BlockedCount      int     `json:"blockedCount"`
	ActiveAssessments int     `json:"activeAssessments"`
	BacklogSize       int     `json:"backlogSize"`
	HealingSpeedRatio float64 `json:"healingSpeedRatio"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore sets the durable store. Defaults to a no-op store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithAlerter sets the alert channel. Defaults to a no-op alerter.
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithAction registers or replaces the handler for kind.
func WithAction(kind ActionKind, h ActionHandler) Option {
	return func(e *Engine) { e.actions.Register(kind, h) }
}

// Engine is the self-healing loop: it assesses events, runs healing actions and
// tracks how fast it does so. Create one with New and drive it with Start/Stop.
type Engine struct {
	policy    atomic.Pointer[config.Policy]
	allowlist atomic.Pointer[[]netip.Prefix]
	now       func() time.Time

	limiter    *RateLimiter
	reputation *ReputationTracker
	blocks     *Blocklist
	sessions   *expirySet
	features   *expirySet
	assessor   *Assessor
	slo        *SLOTracker
	observers  *observers
	recent     *recentIndex
	backlog    *backlog
	dispatcher *dispatcher
	actions    *ActionRegistry

	store   Store
	alerter Alerter

	mu      sync.Mutex
	running atomic.Bool
	stopped bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New builds an engine for p. The policy is validated first.
func New(p config.Policy, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		now:     time.Now,
		actions: NewActionRegistry(),
		store:   nopStore{},
		alerter: nopAlerter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = nopStore{}
	}
	if e.alerter == nil {
		e.alerter = nopAlerter{}
	}
	e.storePolicy(p)

	e.limiter = NewRateLimiter(e.now)
	e.reputation = NewReputationTracker(e.now)
	e.blocks = NewBlocklist(e.now)
	e.sessions = newExpirySet(e.now)
	e.features = newExpirySet(e.now)
	e.assessor = NewAssessor(&e.policy, e.limiter, e.reputation, e.now)
	e.slo = NewSLOTracker(&e.policy)
	e.observers = newObservers()
	e.recent = newRecentIndex(p.RecentAssessments)
	e.backlog = &backlog{}
	e.dispatcher = newDispatcher(p.DispatchWorkers, p.DispatchQueue)
	return e, nil
}

func (e *Engine) storePolicy(p config.Policy) {
	e.policy.Store(&p)
	prefixes := make([]netip.Prefix, 0, len(p.Allowlist))
	for _, entry := range p.Allowlist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			logger.Log().WithError(err).WithField("entry", entry).Warn("ignoring invalid allowlist entry")
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	e.allowlist.Store(&prefixes)
}

// SetPolicy swaps the active policy. In-flight assessments finish with the
// policy they started with. Window sizes fixed at construction are not resized.
func (e *Engine) SetPolicy(p config.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.storePolicy(p)
	return nil
}

// Policy returns a copy of the active policy.
func (e *Engine) Policy() config.Policy { return *e.policy.Load() }

// Start launches the maintenance schedule, the batch drainer and the adapter
// workers. Cancelling ctx has the same effect as Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.running.Load() {
		return nil
	}
	p := e.policy.Load()

	c := cron.New()
	if _, err := c.AddFunc(p.MaintenanceSpec, e.Maintain); err != nil {
		return fmt.Errorf("schedule maintenance %q: %w", p.MaintenanceSpec, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.cron = c
	e.dispatcher.start()
	c.Start()

	e.wg.Add(1)
	go e.batchLoop(ctx, p.BatchInterval)
	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	e.running.Store(true)
	logger.Log().WithFields(logrus.Fields{
		"maintenance": p.MaintenanceSpec,
		"batch_every": p.BatchInterval.String(),
	}).Info("cerberus engine started")
	return nil
}

// Stop halts the background loops, processes what is left in the backlog and
// flushes queued adapter calls. It is safe to call more than once, and also on
// an engine that was never started.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel, c := e.cancel, e.cron
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	e.wg.Wait()
	e.FlushBacklog()
	e.dispatcher.stop()
	e.running.Store(false)
	logger.Log().Info("cerberus engine stopped")
}

func (e *Engine) batchLoop(ctx context.Context, every time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(e.policy.Load().BatchSize)
		}
	}
}

func (e *Engine) drain(n int) int {
	batch := e.backlog.take(n)
	for _, ev := range batch {
		e.safeHandle(ev, nil)
	}
	return len(batch)
}

// FlushBacklog processes every queued event now and returns how many it handled.
func (e *Engine) FlushBacklog() int {
	size := e.policy.Load().BatchSize
	total := 0
	for {
		n := e.drain(size)
		if n == 0 {
			return total
		}
		total += n
	}
}

// Submit evaluates an event. Events that match a signature or come from an
// address with a high reputation score are assessed and healed before Submit
// returns; everything else is queued for the batch drainer and Submit returns
// nil. Submit never panics.
func (e *Engine) Submit(partial SecurityEvent) (v *Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().WithField("panic", r).Error("cerberus submit panicked")
			v = nil
		}
	}()

	p := e.policy.Load()
	ev := normalizeEvent(partial, e.now(), p.MaxBodyBytes, p.MaxHeaders)
	matches := Match(ev.Payload.scanText(), p.PatternConfidence)
	if len(matches) > 0 || e.reputation.ScoreOf(ev.Source.IP, p.ReputationHalfLife) >= p.ImmediateReputation {
		metrics.IncEvent("immediate")
		if matches == nil {
			matches = []PatternMatch{}
		}
		return e.handle(ev, matches)
	}

	metrics.IncEvent("batched")
	if dropped := e.backlog.push(ev, p.MaxBacklog); dropped > 0 {
		metrics.IncDropped("backlog")
		logger.Log().WithField("dropped", dropped).Warn("event backlog full, dropped oldest events")
	}
	return nil
}

// Assess scores ev without running any action. The rate window and reputation of
// the source are still updated.
func (e *Engine) Assess(ev SecurityEvent) *ThreatAssessment {
	p := e.policy.Load()
	return e.assessor.Assess(normalizeEvent(ev, e.now(), p.MaxBodyBytes, p.MaxHeaders))
}

func (e *Engine) safeHandle(ev SecurityEvent, matches []PatternMatch) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().WithFields(logrus.Fields{"panic": r, "event_id": ev.ID}).Error("cerberus batch handling panicked")
		}
	}()
	e.handle(ev, matches)
}

// handle runs detect, respond and recover for one normalized event.
func (e *Engine) handle(ev SecurityEvent, matches []PatternMatch) *Verdict {
	p := e.policy.Load()
	a := e.assessor.assess(ev, matches)
	e.recent.add(a)

	detected := a.ThreatLevel > p.DetectionThreshold
	if detected {
		e.slo.IncDetected()
		metrics.IncThreatDetected(string(a.Category))
		e.observers.emit(Occurrence{Type: ThreatDetected, Assessment: a, At: a.DetectedAt})
	}
	if !detected && len(a.Actions) == 0 {
		return &Verdict{Assessment: a}
	}

	respondStart := e.now()
	actions := e.respond(a)
	respondEnd := e.now()
	e.recoverStage(a, actions)
	end := e.now()

	respond := respondEnd.Sub(respondStart)
	recovery := end.Sub(respondEnd)
	total := end.Sub(ev.Timestamp)
	if total < 0 {
		total = 0
	}
	ratio := e.slo.RecordHealed(a.TimeToDetect, respond, recovery, total)
	metrics.ObserveLeg("detect", a.TimeToDetect)
	metrics.ObserveLeg("respond", respond)
	metrics.ObserveLeg("recover", recovery)
	metrics.ObserveLeg("total", total)
	metrics.SetHealingSpeedRatio(ratio)

	logger.Log().WithFields(logrus.Fields{
		"assessment_id": a.ID,
		"ip":            util.SanitizeForLog(a.SourceIP),
		"category":      a.Category,
		"threat_level":  a.ThreatLevel,
		"actions":       len(actions),
		"total_ms":      ms(total),
	}).Info("threat healed")

	out := make([]HealingAction, len(actions))
	for i, act := range actions {
		out[i] = *act
	}
	return &Verdict{Assessment: a, Actions: out, Healed: true}
}

// recoverStage writes the audit entry, counts the threat as healed and notifies
// observers.
func (e *Engine) recoverStage(a *ThreatAssessment, actions []*HealingAction) {
	failed := 0
	for _, act := range actions {
		if act.Status == StatusFailed {
			failed++
		}
	}
	entry := AuditEntry{
		AssessmentID: a.ID,
		EventID:      a.EventID,
		IP:           a.SourceIP,
		Category:     a.Category,
		Severity:     a.Severity,
		ThreatLevel:  a.ThreatLevel,
		Actions:      a.Actions,
		Failed:       failed,
		ResolvedAt:   e.now(),
	}
	e.dispatcher.dispatch("append_audit", a.SourceIP, func(ctx context.Context) error {
		return e.store.AppendAudit(ctx, entry)
	})
	e.slo.IncHealed()
	e.observers.emit(Occurrence{Type: ThreatHealed, Assessment: a, At: entry.ResolvedAt})
}

// Maintain evicts idle and expired state. It runs on the maintenance schedule
// and may also be called directly.
func (e *Engine) Maintain() {
	p := e.policy.Load()
	limiter := e.limiter.Sweep(p.IdleCooldown)
	reputation := e.reputation.Sweep(p.ReputationFloor, p.IdleCooldown, p.ReputationHalfLife)
	blocks := e.blocks.Prune()
	sessions := e.sessions.prune()
	features := e.features.prune()
	trimmed := e.backlog.trim(p.MaxBacklog)

	metrics.SetBlockedIPs(e.blocks.Len())
	metrics.SetBacklogSize(e.backlog.len())

	if limiter+reputation+blocks+sessions+features+trimmed > 0 {
		logger.Log().WithFields(logrus.Fields{
			"rate_entries":       limiter,
			"reputation_entries": reputation,
			"expired_blocks":     blocks,
			"expired_sessions":   sessions,
			"expired_features":   features,
			"trimmed_events":     trimmed,
		}).Debug("cerberus maintenance sweep")
	}
}

// block adds a block for ip unless the address is invalid or allowlisted.
func (e *Engine) block(ip, reason string, sev Severity) (BlockRecord, error) {
	key := normalizeIP(ip)
	if _, err := netip.ParseAddr(key); err != nil {
		return BlockRecord{}, fmt.Errorf("%w: %q", ErrInvalidBlockTarget, ip)
	}
	if e.allowlisted(key) {
		return BlockRecord{}, errAllowlisted
	}
	now := e.now()
	rec := e.blocks.Add(BlockRecord{
		IP:        key,
		Reason:    reason,
		Severity:  sev,
		CreatedAt: now,
		ExpiresAt: now.Add(BlockDuration(e.policy.Load(), sev)),
	})
	metrics.SetBlockedIPs(e.blocks.Len())
	e.dispatcher.dispatch("upsert_block", key, func(ctx context.Context) error {
		return e.store.UpsertBlock(ctx, rec)
	})
	return rec, nil
}

// Block lets an operator block ip by hand.
func (e *Engine) Block(ip, reason string, sev Severity) (BlockRecord, error) {
	if sev == "" {
		sev = SeverityMedium
	}
	rec, err := e.block(ip, reason, sev)
	if errors.Is(err, errAllowlisted) {
		return BlockRecord{}, fmt.Errorf("%w: %s is allowlisted", ErrInvalidBlockTarget, ip)
	}
	return rec, err
}

// ManualReasonPrefix marks blocks an operator placed by hand.
const ManualReasonPrefix = "manual"

// IsManualReason reports whether a block reason was set by an operator.
func IsManualReason(reason string) bool {
	return strings.HasPrefix(reason, ManualReasonPrefix)
}

// Unblock lifts the block on ip. A block the engine placed that an operator lifts
// is counted as a false positive; lifting a manual block is not. Either way the
// address starts over with a clean reputation and rate window.
func (e *Engine) Unblock(ip string) bool {
	key := normalizeIP(ip)
	rec, active := e.blocks.Lookup(key)
	removed := e.blocks.Remove(key)
	if removed {
		if active && !IsManualReason(rec.Reason) {
			e.slo.IncFalsePositive()
		}
		e.reputation.Reset(key)
		e.limiter.Reset(key)
		metrics.SetBlockedIPs(e.blocks.Len())
	}
	e.dispatcher.dispatch("delete_block", key, func(ctx context.Context) error {
		return e.store.DeleteBlock(ctx, key)
	})
	return removed
}

// ClearAllBlocks removes every block and returns how many were active.
func (e *Engine) ClearAllBlocks() int {
	n := e.blocks.Clear()
	metrics.SetBlockedIPs(0)
	e.dispatcher.dispatch("delete_all_blocks", "", func(ctx context.Context) error {
		return e.store.DeleteAllBlocks(ctx)
	})
	logger.Log().WithField("cleared", n).Warn("all cerberus blocks cleared by operator")
	return n
}

// Restore loads unexpired blocks from the store, typically once at startup.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.store.ActiveBlocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("load active blocks: %w", err)
	}
	n := 0
	now := e.now()
	for _, rec := range recs {
		if rec.expired(now) {
			continue
		}
		rec.IP = normalizeIP(rec.IP)
		e.blocks.Add(rec)
		n++
	}
	metrics.SetBlockedIPs(e.blocks.Len())
	return n, nil
}

func (e *Engine) IsBlocked(ip string) bool { return e.blocks.IsBlocked(normalizeIP(ip)) }

func (e *Engine) LookupBlock(ip string) (BlockRecord, bool) {
	return e.blocks.Lookup(normalizeIP(ip))
}

func (e *Engine) Blocks() []BlockRecord { return e.blocks.Active() }

func (e *Engine) IsThrottled(ip string) bool { return e.limiter.IsThrottled(normalizeIP(ip)) }

func (e *Engine) RetryAfter(ip string) time.Duration { return e.limiter.RetryAfter(normalizeIP(ip)) }

func (e *Engine) IsSessionRevoked(id string) bool { return id != "" && e.sessions.contains(id) }

func (e *Engine) IsFeatureDisabled(name string) bool { return e.features.contains(name) }

// EnableFeature lifts a circuit break or feature disable early.
func (e *Engine) EnableFeature(name string) bool { return e.features.remove(name) }

// ReputationOf returns the current decayed reputation of ip.
func (e *Engine) ReputationOf(ip string) float64 {
	return e.reputation.ScoreOf(normalizeIP(ip), e.policy.Load().ReputationHalfLife)
}

// RecentAssessments returns up to n assessments, newest first.
func (e *Engine) RecentAssessments(n int) []*ThreatAssessment { return e.recent.latest(n) }

// Subscribe delivers threat_detected and threat_healed occurrences. Call the
// returned func to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan Occurrence, func()) {
	return e.observers.subscribe(buffer)
}

func (e *Engine) Status() Status {
	return Status{
		Running:           e.running.Load(),
		BlockedCount:      e.blocks.Len(),
		ActiveAssessments: e.recent.len(),
		BacklogSize:       e.backlog.len(),
		HealingSpeedRatio: e.slo.Ratio(),
	}
}

func (e *Engine) Metrics() MetricsSnapshot { return e.slo.Snapshot() }

func (e *Engine) featureFor(c Category) string {
	if f, ok := e.policy.Load().FeatureFor[string(c)]; ok && f != "" {
		return f
	}
	return string(c)
}

func (e *Engine) allowlisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range *e.allowlist.Load() {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// normalizeIP returns the canonical text form of ip, unmapping IPv4-in-IPv6.
// Unparseable input is returned trimmed so it can still be looked up.
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

func parsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
