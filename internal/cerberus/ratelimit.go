package cerberus

import "time"

// RateState is the fixed-window counter for one source address.
type RateState struct {
	Count       int       `json:"count"`
	WindowReset time.Time `json:"windowReset"`
	Blocked     bool      `json:"blocked"`
	LastSeen    time.Time `json:"lastSeen"`
}

// RateLimiter counts requests per address in fixed windows.
type RateLimiter struct {
	entries *shardedMap[RateState]
	now     func() time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{entries: newShardedMap[RateState](), now: now}
}

// RecordAndScore counts one request for ip and returns min(1, count/threshold).
// A request past the window end starts a new window with count 1 and clears the
// blocked flag.
func (l *RateLimiter) RecordAndScore(ip string, window time.Duration, threshold int) float64 {
	now := l.now()
	st := l.entries.update(ip, func(cur RateState, ok bool) RateState {
		if !ok || !now.Before(cur.WindowReset) {
			return RateState{Count: 1, WindowReset: now.Add(window), LastSeen: now}
		}
		cur.Count++
		cur.LastSeen = now
		return cur
	})
	if threshold <= 0 {
		return 1
	}
	return clamp01(float64(st.Count) / float64(threshold))
}

// Throttle marks ip blocked until its current window ends.
func (l *RateLimiter) Throttle(ip string, window time.Duration) {
	now := l.now()
	l.entries.update(ip, func(cur RateState, ok bool) RateState {
		if !ok || !now.Before(cur.WindowReset) {
			cur = RateState{WindowReset: now.Add(window), LastSeen: now}
		}
		cur.Blocked = true
		return cur
	})
}

// IsThrottled reports whether ip is blocked in a window that has not ended.
func (l *RateLimiter) IsThrottled(ip string) bool {
	st, ok := l.entries.get(ip)
	return ok && st.Blocked && l.now().Before(st.WindowReset)
}

// RetryAfter is the time left in ip's current window.
func (l *RateLimiter) RetryAfter(ip string) time.Duration {
	st, ok := l.entries.get(ip)
	if !ok {
		return 0
	}
	if d := st.WindowReset.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

func (l *RateLimiter) Get(ip string) (RateState, bool) { return l.entries.get(ip) }

func (l *RateLimiter) Reset(ip string) { l.entries.delete(ip) }

// Sweep drops entries whose window has ended and that were idle for longer than idle.
func (l *RateLimiter) Sweep(idle time.Duration) int {
	now := l.now()
	return l.entries.sweep(func(_ string, st RateState) bool {
		return !now.Before(st.WindowReset) && now.Sub(st.LastSeen) > idle
	})
}

func (l *RateLimiter) Len() int { return l.entries.len() }
