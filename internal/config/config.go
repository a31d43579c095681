// Package config loads the review bot server settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/triage-ai/reviewbot/internal/engine"
	"github.com/triage-ai/reviewbot/internal/registry"
)

// Settings holds every knob of the review bot server.
type Settings struct {
	Port     string
	LogLevel string

	PostgresDSN   string
	ClickHouseDSN string
	AutoMigrate   bool

	BrokerURL    string
	ActingUser   string
	MaxComments  int
	Defaults     registry.ProfileDefaults
	Site         engine.SiteURL
	ReviewAPIURL string
	SeedFile     string

	ConfigCacheTTL  time.Duration
	SessionCacheTTL time.Duration
	SessionTTL      time.Duration
	PostTimeout     time.Duration
}

// LoadFromEnv reads Settings, falling back to defaults for unset or malformed values.
func LoadFromEnv() Settings {
	return Settings{
		Port:     envOrDefault("REVIEW_BOT_PORT", "50055"),
		LogLevel: envOrDefault("REVIEW_BOT_LOG_LEVEL", "info"),

		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		AutoMigrate:   envOrDefaultBool("REVIEW_BOT_AUTO_MIGRATE", false),

		BrokerURL:   os.Getenv("REVIEW_BOT_BROKER_URL"),
		ActingUser:  os.Getenv("REVIEW_BOT_ACTING_USER"),
		MaxComments: envOrDefaultInt("REVIEW_BOT_MAX_COMMENTS", engine.DefaultMaxComments),
		Defaults: registry.ProfileDefaults{
			ShipIt:            envOrDefaultBool("REVIEW_BOT_SHIP_IT", false),
			CommentUnmodified: envOrDefaultBool("REVIEW_BOT_COMMENT_UNMODIFIED", false),
			OpenIssues:        envOrDefaultBool("REVIEW_BOT_OPEN_ISSUES", false),
		},
		Site: engine.SiteURL{
			Method: envOrDefault("REVIEW_BOT_SITE_DOMAIN_METHOD", "http"),
			Domain: os.Getenv("REVIEW_BOT_SITE_DOMAIN"),
			Root:   envOrDefault("REVIEW_BOT_SITE_ROOT", "/"),
		},
		ReviewAPIURL: os.Getenv("REVIEW_BOT_REVIEW_API_URL"),
		SeedFile:     os.Getenv("REVIEW_BOT_SEED_FILE"),

		ConfigCacheTTL:  time.Duration(envOrDefaultInt("REVIEW_BOT_CONFIG_CACHE_TTL_S", 60)) * time.Second,
		SessionCacheTTL: time.Duration(envOrDefaultInt("REVIEW_BOT_SESSION_CACHE_TTL_S", 30)) * time.Second,
		SessionTTL:      time.Duration(envOrDefaultInt("REVIEW_BOT_SESSION_TTL_M", 1440)) * time.Minute,
		PostTimeout:     time.Duration(envOrDefaultInt("REVIEW_BOT_POST_TIMEOUT_MS", 5000)) * time.Millisecond,
	}
}

// Warnings lists settings that leave the server running in a degraded mode.
func (s Settings) Warnings() []string {
	var out []string
	if s.ActingUser == "" {
		out = append(out, "REVIEW_BOT_ACTING_USER not set, every dispatch will fail with a credential error")
	}
	if s.Site.Domain == "" {
		out = append(out, "REVIEW_BOT_SITE_DOMAIN not set, workers will receive the callback URL "+s.Site.String())
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
