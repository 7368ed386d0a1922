package cerberus

import (
	"sync"
	"time"
)

// OccurrenceType names what an Occurrence reports.
type OccurrenceType string

const (
	ThreatDetected OccurrenceType = "threat_detected"
	ThreatHealed   OccurrenceType = "threat_healed"
)

// Occurrence is pushed to subscribers when an assessment is detected or healed.
type Occurrence struct {
	Type       OccurrenceType    `json:"type"`
	Assessment *ThreatAssessment `json:"assessment"`
	At         time.Time         `json:"at"`
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Occurrence
}

func newObservers() *observers {
	return &observers{subs: make(map[int]chan Occurrence)}
}

// subscribe registers a buffered channel. Slow subscribers miss occurrences
// rather than stalling the engine. The returned func unsubscribes and closes
// the channel.
func (o *observers) subscribe(buffer int) (<-chan Occurrence, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Occurrence, buffer)
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *observers) emit(occ Occurrence) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- occ:
		default:
		}
	}
}

func (o *observers) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
