package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_ExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })

	IncRequest("blocked")
	IncEvent("immediate")
	IncThreatDetected("sql_injection")
	IncAction("block_ip", "completed")
	ObserveLeg("total", 3*time.Millisecond)
	SetBlockedIPs(2)
	SetBacklogSize(5)
	SetHealingSpeedRatio(12.5)
	IncDropped("dispatch")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["cerberus_requests_total"])
	assert.True(t, names["cerberus_healing_latency_seconds"])
	assert.True(t, names["cerberus_blocked_ips"])

	assert.Equal(t, 2.0, testutil.ToFloat64(blockedIPs))
	assert.Equal(t, 12.5, testutil.ToFloat64(healingSpeedRatio))
}

func TestIncThreatDetected_PerCategory(t *testing.T) {
	before := testutil.ToFloat64(threatsDetectedTotal.WithLabelValues("xss"))
	IncThreatDetected("xss")
	assert.Equal(t, before+1, testutil.ToFloat64(threatsDetectedTotal.WithLabelValues("xss")))
}
