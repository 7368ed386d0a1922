package cerberus

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies where an event came from.
type EventKind string

const (
	KindRequest EventKind = "request"
	KindAuth    EventKind = "auth"
	KindAPI     EventKind = "api"
	KindSystem  EventKind = "system"
	KindNetwork EventKind = "network"
)

// Severity is a coarse four-level scale used for event hints, block durations
// and audit entries.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// UnknownIP is the sentinel source address for events that arrive without one.
const UnknownIP = "unknown"

const maxHeaderValue = 1 << 10

// Source describes who produced an event.
type Source struct {
	IP        string `json:"ip"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Payload is the part of an event that gets scanned for attack signatures.
type Payload struct {
	Path    string            `json:"path,omitempty"`
	Method  string            `json:"method,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SecurityEvent is one occurrence to evaluate. It is not modified after Submit
// normalizes it.
type SecurityEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Severity  Severity  `json:"severity,omitempty"`
	Source    Source    `json:"source"`
	Payload   Payload   `json:"payload"`
}

// normalizeEvent fills missing identity fields and bounds the attacker controlled
// payload so a single event cannot pin arbitrary memory.
func normalizeEvent(ev SecurityEvent, now time.Time, maxBody, maxHeaders int) SecurityEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Kind == "" {
		ev.Kind = KindRequest
	}
	ev.Source.IP = strings.TrimSpace(ev.Source.IP)
	if ev.Source.IP == "" {
		ev.Source.IP = UnknownIP
	}
	if maxBody > 0 && len(ev.Payload.Body) > maxBody {
		ev.Payload.Body = ev.Payload.Body[:maxBody]
	}
	if len(ev.Payload.Headers) > 0 {
		keys := make([]string, 0, len(ev.Payload.Headers))
		for k := range ev.Payload.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if maxHeaders > 0 && len(keys) > maxHeaders {
			keys = keys[:maxHeaders]
		}
		headers := make(map[string]string, len(keys))
		for _, k := range keys {
			v := ev.Payload.Headers[k]
			if len(v) > maxHeaderValue {
				v = v[:maxHeaderValue]
			}
			headers[k] = v
		}
		ev.Payload.Headers = headers
	}
	return ev
}

// scanText joins the scannable parts of the payload. Header values are visited in
// key order so the result is deterministic.
func (p Payload) scanText() string {
	var b strings.Builder
	b.WriteString(p.Path)
	b.WriteByte('\n')
	b.WriteString(p.Method)
	b.WriteByte('\n')
	b.WriteString(p.Body)
	if len(p.Headers) > 0 {
		keys := make([]string, 0, len(p.Headers))
		for k := range p.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\n')
			b.WriteString(p.Headers[k])
		}
	}
	return b.String()
}
