package cerberus

import "sync"

// recentIndex keeps the last N assessments, newest last.
type recentIndex struct {
	mu   sync.RWMutex
	buf  []*ThreatAssessment
	next int
	size int
}

func newRecentIndex(size int) *recentIndex {
	if size <= 0 {
		size = 1
	}
	return &recentIndex{buf: make([]*ThreatAssessment, 0, size), size: size}
}

func (r *recentIndex) add(a *ThreatAssessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.size {
		r.buf = append(r.buf, a)
		return
	}
	r.buf[r.next] = a
	r.next = (r.next + 1) % r.size
}

// latest returns up to n assessments, newest first. n <= 0 means all.
func (r *recentIndex) latest(n int) []*ThreatAssessment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := len(r.buf)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]*ThreatAssessment, 0, n)
	// the newest element sits just before next once the ring has wrapped
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + total) % total
		if len(r.buf) < r.size {
			idx = total - 1 - i
		}
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *recentIndex) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// backlog is the FIFO of events waiting for the batch drainer. It drops the
// oldest event when full.
type backlog struct {
	mu      sync.Mutex
	events  []SecurityEvent
	dropped int64
}

// push appends ev and returns how many events were dropped to make room.
func (b *backlog) push(ev SecurityEvent, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return b.trimLocked(limit)
}

// take removes up to n events from the front.
func (b *backlog) take(n int) []SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.events) {
		n = len(b.events)
	}
	if n == 0 {
		return nil
	}
	out := make([]SecurityEvent, n)
	copy(out, b.events[:n])
	b.events = append(b.events[:0], b.events[n:]...)
	return out
}

func (b *backlog) trim(limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(limit)
}

func (b *backlog) trimLocked(limit int) int {
	if limit <= 0 || len(b.events) <= limit {
		return 0
	}
	drop := len(b.events) - limit
	b.events = append(b.events[:0], b.events[drop:]...)
	b.dropped += int64(drop)
	return drop
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
