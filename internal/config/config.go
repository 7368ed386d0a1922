package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool
	// PolicyPath points at an optional YAML file overriding engine policy defaults.
	PolicyPath string
	// AdminJWTSecret signs admin API tokens. An empty secret disables the admin routes.
	AdminJWTSecret string
	// AlertsPerMinute caps external alert fan-out.
	AlertsPerMinute int
	Security        SecurityConfig
}

// SecurityConfig holds the request-layer settings for the security engine.
type SecurityConfig struct {
	Enabled bool
	// Allowlist contains IPs or CIDRs that are never blocked or throttled.
	Allowlist []string
	// TrustedProxies is passed to gin so ClientIP honours X-Forwarded-For only from these peers.
	TrustedProxies []string
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:     getEnv("CERBERUS_ENV", "development"),
		HTTPPort:        getEnv("CERBERUS_HTTP_PORT", "8080"),
		DatabasePath:    getEnv("CERBERUS_DB_PATH", filepath.Join("data", "cerberus.db")),
		LogDir:          getEnv("CERBERUS_LOG_DIR", filepath.Join("data", "logs")),
		Debug:           getEnvBool("CERBERUS_DEBUG", false),
		PolicyPath:      getEnv("CERBERUS_POLICY_PATH", ""),
		AdminJWTSecret:  getEnv("CERBERUS_ADMIN_JWT_SECRET", ""),
		AlertsPerMinute: getEnvInt("CERBERUS_ALERTS_PER_MINUTE", 30),
		Security: SecurityConfig{
			Enabled:        getEnvBool("CERBERUS_SECURITY_ENABLED", true),
			Allowlist:      splitList(getEnv("CERBERUS_ALLOWLIST", "")),
			TrustedProxies: splitList(getEnv("CERBERUS_TRUSTED_PROXIES", "")),
		},
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
