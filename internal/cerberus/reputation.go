package cerberus

import (
	"math"
	"time"
)

// IPReputation is the decaying suspicion score of one source address.
type IPReputation struct {
	Score      float64   `json:"score"`
	LastUpdate time.Time `json:"lastUpdate"`
	EventCount int64     `json:"eventCount"`
}

// decayed returns the score as of now.
func (r IPReputation) decayed(now time.Time, halfLife time.Duration) float64 {
	dt := now.Sub(r.LastUpdate)
	if dt <= 0 || halfLife <= 0 {
		return r.Score
	}
	return r.Score * math.Exp(-float64(dt)/float64(halfLife))
}

// ReputationTracker keeps one IPReputation per address.
type ReputationTracker struct {
	entries *shardedMap[IPReputation]
	now     func() time.Time
}

func NewReputationTracker(now func() time.Time) *ReputationTracker {
	if now == nil {
		now = time.Now
	}
	return &ReputationTracker{entries: newShardedMap[IPReputation](), now: now}
}

// Update decays the previous score, blends in contribution and returns the new
// score clamped to [0,1].
func (t *ReputationTracker) Update(ip string, contribution, blend float64, halfLife time.Duration) float64 {
	now := t.now()
	rep := t.entries.update(ip, func(cur IPReputation, ok bool) IPReputation {
		prev := 0.0
		if ok {
			prev = cur.decayed(now, halfLife)
		}
		return IPReputation{
			Score:      clamp01(prev + contribution*blend),
			LastUpdate: now,
			EventCount: cur.EventCount + 1,
		}
	})
	return rep.Score
}

// ScoreOf returns the decayed score as of now, or 0 for an unknown address.
// Without intervening updates successive reads never increase.
func (t *ReputationTracker) ScoreOf(ip string, halfLife time.Duration) float64 {
	rep, ok := t.entries.get(ip)
	if !ok {
		return 0
	}
	return rep.decayed(t.now(), halfLife)
}

// Get returns the raw record for ip.
func (t *ReputationTracker) Get(ip string) (IPReputation, bool) {
	return t.entries.get(ip)
}

// Reset forgets everything known about ip.
func (t *ReputationTracker) Reset(ip string) {
	t.entries.delete(ip)
}

// Sweep evicts entries whose decayed score fell below floor and that saw no
// update for idle.
func (t *ReputationTracker) Sweep(floor float64, idle, halfLife time.Duration) int {
	now := t.now()
	return t.entries.sweep(func(_ string, rep IPReputation) bool {
		return rep.decayed(now, halfLife) < floor && now.Sub(rep.LastUpdate) > idle
	})
}

func (t *ReputationTracker) Len() int { return t.entries.len() }

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
