// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	RelayPort    string
	FrontendURL  string
	DBPath       string
	WebhookURL   string
	CallbackBase string

	Pipeline PipelineConfig
	Quota    QuotaConfig
}

// PipelineConfig tunes the async delivery pipeline.
type PipelineConfig struct {
	PollInterval      time.Duration // SSE poll loop re-read interval
	KeepaliveInterval time.Duration // SSE/WS heartbeat interval
	CorrelationTTL    time.Duration // lifetime of pending-reply correlation entries
	DispatchTimeout   time.Duration // outbound webhook call deadline
	HistoryLimit      int           // previous messages included in webhook context
}

// ClassQuota is a per-identity-class request budget.
type ClassQuota struct {
	PerMinute int
	PerDay    int
}

// QuotaConfig holds rate-limit budgets per identity class.
type QuotaConfig struct {
	Anon    ClassQuota
	Free    ClassQuota
	Premium ClassQuota
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		RelayPort:    getEnv("RELAY_PORT", "8081"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/questline.db"),
		WebhookURL:   getEnv("AI_WEBHOOK_URL", ""),
		CallbackBase: getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		Pipeline: PipelineConfig{
			PollInterval:      getEnvDuration("SSE_POLL_INTERVAL", 2*time.Second),
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			CorrelationTTL:    getEnvDuration("CORRELATION_TTL", 5*time.Minute),
			DispatchTimeout:   getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),
			HistoryLimit:      getEnvInt("WEBHOOK_HISTORY_LIMIT", 10),
		},
		Quota: QuotaConfig{
			Anon:    ClassQuota{PerMinute: getEnvInt("QUOTA_ANON_PER_MINUTE", 3), PerDay: getEnvInt("QUOTA_ANON_PER_DAY", 10)},
			Free:    ClassQuota{PerMinute: getEnvInt("QUOTA_FREE_PER_MINUTE", 10), PerDay: getEnvInt("QUOTA_FREE_PER_DAY", 50)},
			Premium: ClassQuota{PerMinute: getEnvInt("QUOTA_PREMIUM_PER_MINUTE", 30), PerDay: getEnvInt("QUOTA_PREMIUM_PER_DAY", 500)},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CallbackBase == "" {
		return fmt.Errorf("CALLBACK_BASE_URL cannot be empty")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("SSE_POLL_INTERVAL must be > 0")
	}
	if c.Pipeline.CorrelationTTL <= 0 {
		return fmt.Errorf("CORRELATION_TTL must be > 0")
	}
	if c.Pipeline.HistoryLimit <= 0 {
		return fmt.Errorf("WEBHOOK_HISTORY_LIMIT must be > 0")
	}
	for class, q := range map[string]ClassQuota{"anon": c.Quota.Anon, "free": c.Quota.Free, "premium": c.Quota.Premium} {
		if q.PerMinute <= 0 || q.PerDay <= 0 {
			return fmt.Errorf("quota for class %q must be > 0", class)
		}
	}
	return nil
}

// ForClass returns the quota for an identity class, defaulting to the
// tightest (anonymous) budget for unknown classes.
func (q QuotaConfig) ForClass(class string) ClassQuota {
	switch class {
	case "premium":
		return q.Premium
	case "free":
		return q.Free
	default:
		return q.Anon
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
