package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPolicy = errors.New("invalid engine policy")

// ActionBand maps a minimum threat level to the actions recommended at or above it.
type ActionBand struct {
	Min     float64  `yaml:"min"`
	Actions []string `yaml:"actions"`
}

// SLOTargets declares the latency and ratio objectives the engine is measured against.
type SLOTargets struct {
	MTTD           time.Duration `yaml:"mttd"`
	MTTR           time.Duration `yaml:"mttr"`
	MTTR2          time.Duration `yaml:"mttr2"`
	HealingRatio   float64       `yaml:"healing_ratio"`
	MinAttackDwell time.Duration `yaml:"min_attack_dwell"`
}

// Policy holds every tunable of the security engine. Pattern confidences and
// thresholds are policy, not calibrated constants, so all of them can be overridden
// from a YAML file.
type Policy struct {
	PatternConfidence map[string]float64 `yaml:"pattern_confidence"`

	RateWindow          time.Duration `yaml:"rate_window"`
	VolumetricThreshold int           `yaml:"volumetric_threshold"`
	RateEscalation      float64       `yaml:"rate_escalation"`
	RateWeight          float64       `yaml:"rate_weight"`

	ReputationHalfLife   time.Duration `yaml:"reputation_half_life"`
	ReputationBlend      float64       `yaml:"reputation_blend"`
	ReputationEscalation float64       `yaml:"reputation_escalation"`
	ReputationFloor      float64       `yaml:"reputation_floor"`
	ImmediateReputation  float64       `yaml:"immediate_reputation"`

	DetectionThreshold float64 `yaml:"detection_threshold"`
	ConfidenceMargin   float64 `yaml:"confidence_margin"`

	Bands             []ActionBand        `yaml:"bands"`
	CategoryOverrides map[string][]string `yaml:"category_overrides"`
	FeatureFor        map[string]string   `yaml:"feature_for"`

	BlockDurations       map[string]time.Duration `yaml:"block_durations"`
	SessionRevocation    time.Duration            `yaml:"session_revocation"`
	CircuitBreakDuration time.Duration            `yaml:"circuit_break_duration"`
	FeatureDisableFor    time.Duration            `yaml:"feature_disable_duration"`
	Allowlist            []string                 `yaml:"allowlist"`

	SLO SLOTargets `yaml:"slo"`

	MaxBodyBytes      int           `yaml:"max_body_bytes"`
	MaxHeaders        int           `yaml:"max_headers"`
	MaxBacklog        int           `yaml:"max_backlog"`
	BatchSize         int           `yaml:"batch_size"`
	BatchInterval     time.Duration `yaml:"batch_interval"`
	MaintenanceSpec   string        `yaml:"maintenance_schedule"`
	IdleCooldown      time.Duration `yaml:"idle_cooldown"`
	RecentAssessments int           `yaml:"recent_assessments"`
	SampleWindow      int           `yaml:"sample_window"`
	DispatchWorkers   int           `yaml:"dispatch_workers"`
	DispatchQueue     int           `yaml:"dispatch_queue"`
}

// DefaultPolicy returns the reference policy.
func DefaultPolicy() Policy {
	return Policy{
		PatternConfidence: map[string]float64{
			"sql_injection":     0.95,
			"xss":               0.9,
			"path_traversal":    0.85,
			"command_injection": 0.95,
		},
		RateWindow:          60 * time.Second,
		VolumetricThreshold: 100,
		RateEscalation:      0.5,
		RateWeight:          0.8,

		ReputationHalfLife:   5 * time.Minute,
		ReputationBlend:      0.3,
		ReputationEscalation: 0.7,
		ReputationFloor:      0.01,
		ImmediateReputation:  0.7,

		DetectionThreshold: 0.5,
		ConfidenceMargin:   0.05,

		Bands: []ActionBand{
			{Min: 0.9, Actions: []string{"block_ip", "invalidate_session", "alert"}},
			{Min: 0.7, Actions: []string{"rate_limit", "alert"}},
			{Min: 0.5, Actions: []string{"rate_limit"}},
		},
		CategoryOverrides: map[string][]string{
			"sql_injection":     {"block_ip"},
			"command_injection": {"block_ip"},
			"rate_abuse":        {"rate_limit"},
		},
		FeatureFor: map[string]string{},

		BlockDurations: map[string]time.Duration{
			"critical": 24 * time.Hour,
			"high":     2 * time.Hour,
			"medium":   30 * time.Minute,
			"low":      5 * time.Minute,
		},
		SessionRevocation:    24 * time.Hour,
		CircuitBreakDuration: time.Minute,
		FeatureDisableFor:    30 * time.Minute,

		SLO: SLOTargets{
			MTTD:           50 * time.Millisecond,
			MTTR:           250 * time.Millisecond,
			MTTR2:          500 * time.Millisecond,
			HealingRatio:   10,
			MinAttackDwell: 7500 * time.Millisecond,
		},

		MaxBodyBytes:      8 << 10,
		MaxHeaders:        32,
		MaxBacklog:        10000,
		BatchSize:         100,
		BatchInterval:     10 * time.Millisecond,
		MaintenanceSpec:   "@every 5s",
		IdleCooldown:      10 * time.Minute,
		RecentAssessments: 1000,
		SampleWindow:      1000,
		DispatchWorkers:   4,
		DispatchQueue:     1024,
	}
}

// LoadPolicy overlays the YAML file at path on top of DefaultPolicy. An empty path
// yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects values the engine cannot run with and sorts the action bands
// from the highest minimum down.
func (p *Policy) Validate() error {
	switch {
	case p.VolumetricThreshold <= 0:
		return fmt.Errorf("%w: volumetric_threshold must be positive", ErrInvalidPolicy)
	case p.RateWindow <= 0:
		return fmt.Errorf("%w: rate_window must be positive", ErrInvalidPolicy)
	case p.ReputationHalfLife <= 0:
		return fmt.Errorf("%w: reputation_half_life must be positive", ErrInvalidPolicy)
	case p.ReputationBlend < 0 || p.ReputationBlend > 1:
		return fmt.Errorf("%w: reputation_blend must be within [0,1]", ErrInvalidPolicy)
	case p.BatchSize <= 0 || p.BatchInterval <= 0:
		return fmt.Errorf("%w: batch_size and batch_interval must be positive", ErrInvalidPolicy)
	case p.MaxBacklog <= 0:
		return fmt.Errorf("%w: max_backlog must be positive", ErrInvalidPolicy)
	case p.SLO.MinAttackDwell <= 0:
		return fmt.Errorf("%w: slo.min_attack_dwell must be positive", ErrInvalidPolicy)
	}
	for category, c := range p.PatternConfidence {
		if c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence for %s must be within [0,1]", ErrInvalidPolicy, category)
		}
	}
	sort.SliceStable(p.Bands, func(i, j int) bool { return p.Bands[i].Min > p.Bands[j].Min })
	return nil
}
