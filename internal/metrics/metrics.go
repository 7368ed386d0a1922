package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_requests_total",
		Help: "Total number of HTTP requests evaluated by the Cerberus middleware, by decision",
	}, []string{"decision"})
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_events_total",
		Help: "Total number of security events submitted, by processing path",
	}, []string{"path"})
	threatsDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_threats_detected_total",
		Help: "Total number of assessments above the detection threshold, by category",
	}, []string{"category"})
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_healing_actions_total",
		Help: "Total number of healing actions executed, by kind and final status",
	}, []string{"kind", "status"})
	healingLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cerberus_healing_latency_seconds",
		Help:    "Latency of each healing leg (detect, respond, recover, total)",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"leg"})
	blockedIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cerberus_blocked_ips",
		Help: "Number of addresses currently blocked",
	})
	backlogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cerberus_backlog_size",
		Help: "Number of events waiting for the batch drainer",
	})
	healingSpeedRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cerberus_healing_speed_ratio",
		Help: "Minimum attack dwell time divided by p95 total healing latency",
	})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_dropped_total",
		Help: "Work dropped because a bounded queue was full, by queue",
	}, []string{"queue"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		requestsTotal,
		eventsTotal,
		threatsDetectedTotal,
		actionsTotal,
		healingLatency,
		blockedIPs,
		backlogSize,
		healingSpeedRatio,
		droppedTotal,
	)
}

// IncRequest counts a middleware decision (allowed, blocked, throttled, revoked).
func IncRequest(decision string) { requestsTotal.WithLabelValues(decision).Inc() }

// IncEvent counts a submitted event on the immediate or batched path.
func IncEvent(path string) { eventsTotal.WithLabelValues(path).Inc() }

// IncThreatDetected increments the detection counter for category.
func IncThreatDetected(category string) { threatsDetectedTotal.WithLabelValues(category).Inc() }

// IncAction records the final status of a healing action.
func IncAction(kind, status string) { actionsTotal.WithLabelValues(kind, status).Inc() }

// ObserveLeg records the duration of one healing leg.
func ObserveLeg(leg string, d time.Duration) { healingLatency.WithLabelValues(leg).Observe(d.Seconds()) }

// SetBlockedIPs sets the blocked address gauge.
func SetBlockedIPs(n int) { blockedIPs.Set(float64(n)) }

// SetBacklogSize sets the backlog gauge.
func SetBacklogSize(n int) { backlogSize.Set(float64(n)) }

// SetHealingSpeedRatio sets the healing speed ratio gauge.
func SetHealingSpeedRatio(r float64) { healingSpeedRatio.Set(r) }

// IncDropped counts work dropped from queue.
func IncDropped(queue string) { droppedTotal.WithLabelValues(queue).Inc() }
