package cerberus

import (
	"sort"
	"time"
)

// BlockRecord is the authoritative denial entry for one address.
type BlockRecord struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (b BlockRecord) expired(now time.Time) bool { return !now.Before(b.ExpiresAt) }

// Blocklist holds active blocks. Expiry is checked on every lookup, so an expired
// record is never reported as blocked even before the maintenance sweep runs.
type Blocklist struct {
	entries *shardedMap[BlockRecord]
	now     func() time.Time
}

func NewBlocklist(now func() time.Time) *Blocklist {
	if now == nil {
		now = time.Now
	}
	return &Blocklist{entries: newShardedMap[BlockRecord](), now: now}
}

// Add stores rec. When ip is already blocked the later expiry wins.
func (b *Blocklist) Add(rec BlockRecord) BlockRecord {
	now := b.now()
	return b.entries.update(rec.IP, func(cur BlockRecord, ok bool) BlockRecord {
		if ok && !cur.expired(now) && cur.ExpiresAt.After(rec.ExpiresAt) {
			return cur
		}
		return rec
	})
}

// IsBlocked reports whether ip has an unexpired block, dropping an expired one.
func (b *Blocklist) IsBlocked(ip string) bool {
	_, ok := b.Lookup(ip)
	return ok
}

// Lookup returns the active block for ip.
func (b *Blocklist) Lookup(ip string) (BlockRecord, bool) {
	rec, ok := b.entries.get(ip)
	if !ok {
		return BlockRecord{}, false
	}
	now := b.now()
	if rec.expired(now) {
		b.entries.deleteIf(ip, func(cur BlockRecord) bool { return cur.expired(now) })
		return BlockRecord{}, false
	}
	return rec, true
}

// Remove deletes the block for ip and reports whether an active one existed.
func (b *Blocklist) Remove(ip string) bool {
	rec, ok := b.entries.get(ip)
	if !ok {
		return false
	}
	b.entries.delete(ip)
	return !rec.expired(b.now())
}

// Clear removes every block and returns how many were active.
func (b *Blocklist) Clear() int {
	now := b.now()
	active := 0
	b.entries.sweep(func(_ string, rec BlockRecord) bool {
		if !rec.expired(now) {
			active++
		}
		return true
	})
	return active
}

// Active returns unexpired blocks ordered by expiry.
func (b *Blocklist) Active() []BlockRecord {
	now := b.now()
	var out []BlockRecord
	b.entries.each(func(_ string, rec BlockRecord) {
		if !rec.expired(now) {
			out = append(out, rec)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Prune drops expired records.
func (b *Blocklist) Prune() int {
	now := b.now()
	return b.entries.sweep(func(_ string, rec BlockRecord) bool { return rec.expired(now) })
}

// Len counts active blocks.
func (b *Blocklist) Len() int {
	now := b.now()
	n := 0
	b.entries.each(func(_ string, rec BlockRecord) {
		if !rec.expired(now) {
			n++
		}
	})
	return n
}

// expirySet is a set of names that each lapse at a deadline. It backs revoked
// sessions and disabled features.
type expirySet struct {
	entries *shardedMap[time.Time]
	now     func() time.Time
}

func newExpirySet(now func() time.Time) *expirySet {
	return &expirySet{entries: newShardedMap[time.Time](), now: now}
}

func (s *expirySet) add(name string, d time.Duration) time.Time {
	until := s.now().Add(d)
	return s.entries.update(name, func(cur time.Time, ok bool) time.Time {
		if ok && cur.After(until) {
			return cur
		}
		return until
	})
}

func (s *expirySet) contains(name string) bool {
	until, ok := s.entries.get(name)
	if !ok {
		return false
	}
	now := s.now()
	if !now.Before(until) {
		s.entries.deleteIf(name, func(cur time.Time) bool { return !now.Before(cur) })
		return false
	}
	return true
}

func (s *expirySet) remove(name string) bool { return s.entries.delete(name) }

func (s *expirySet) prune() int {
	now := s.now()
	return s.entries.sweep(func(_ string, until time.Time) bool { return !now.Before(until) })
}

func (s *expirySet) len() int { return s.entries.len() }
