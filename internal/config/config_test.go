package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CERBERUS_DB_PATH", filepath.Join(tempDir, "data", "test.db"))
	t.Setenv("CERBERUS_ALLOWLIST", "10.0.0.0/8, 192.168.1.1,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 30, cfg.AlertsPerMinute)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Security.Allowlist)
	assert.DirExists(t, filepath.Join(tempDir, "data"))
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("CERBERUS_DB_PATH", filepath.Join(t.TempDir(), "test.db"))
	t.Setenv("CERBERUS_ALERTS_PER_MINUTE", "lots")
	t.Setenv("CERBERUS_DEBUG", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.AlertsPerMinute)
	assert.False(t, cfg.Debug)
}

func TestLoadPolicy_EmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().VolumetricThreshold, p.VolumetricThreshold)
	assert.Equal(t, 0.95, p.PatternConfidence["sql_injection"])
}

func TestLoadPolicy_OverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
volumetric_threshold: 50
rate_window: 30s
pattern_confidence:
  xss: 0.8
bands:
  - min: 0.5
    actions: [rate_limit]
  - min: 0.95
    actions: [block_ip, alert]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 50, p.VolumetricThreshold)
	assert.Equal(t, 30*time.Second, p.RateWindow)
	assert.Equal(t, 0.8, p.PatternConfidence["xss"])
	// untouched keys keep their defaults
	assert.Equal(t, 0.95, p.PatternConfidence["sql_injection"])
	require.Len(t, p.Bands, 2)
	assert.Equal(t, 0.95, p.Bands[0].Min, "bands are sorted highest first")
}

func TestLoadPolicy_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volumetric_threshold: 0\n"), 0o644))

	_, err := LoadPolicy(path)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchPolicy_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volumetric_threshold: 100\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Policy, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchPolicy(ctx, path, func(p Policy) { changes <- p })
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("volumetric_threshold: 25\n"), 0o644))

	select {
	case p := <-changes:
		assert.Equal(t, 25, p.VolumetricThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("policy change was not observed")
	}

	cancel()
	require.NoError(t, <-done)
}
