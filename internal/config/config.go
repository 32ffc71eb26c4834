package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Sticky session backend names.
const (
	StickyBackendMemory = "memory"
	StickyBackendDB     = "db"
	StickyBackendRedis  = "redis"
)

// Selection strategy names.
const (
	StrategyWastePressure = "waste_pressure"
	StrategyUsage         = "usage"
)

type Config struct {
	// Server
	Host string
	Port int

	// Upstream
	UpstreamBaseURL string
	AuthBaseURL     string
	OAuthClientID   string

	// Storage
	DatabaseURL         string
	AccountsDatabaseURL string // optional split store for accounts
	EncryptionKeyFile   string

	// Streaming guards
	StreamIdleTimeout time.Duration
	MaxSSEEventBytes  int64

	// Usage refresh loop
	UsageRefreshInterval  time.Duration
	UsageFetchConcurrency int

	// Image inlining
	ImageInlineEnabled      bool
	ImageInlineAllowedHosts []string
	ImageInlineMaxBytes     int64
	ImageInlineTimeout      time.Duration

	// Sticky sessions
	StickyBackend    string
	StickyRedisAddr  string
	StickyMaxEntries int
	StickyTTL        time.Duration

	// Selection
	SnapshotTTL       time.Duration
	SelectionStrategy string
	MaxAttempts       int
	CooldownFloor     time.Duration

	// Auth refresh
	AuthRefreshTimeout time.Duration
	TokenRefreshSkew   time.Duration

	// Request log buffer
	LogBufferEnabled bool
	LogBufferMaxSize int
	LogFlushInterval time.Duration
	LogFlushBatch    int
	LogRetention     time.Duration

	// Upstream call ceiling (connect + headers; streaming reads are guarded
	// by the idle timeout instead)
	UpstreamTimeout time.Duration

	LogLevel string
}

// Load reads configuration from CODEX_LB_* environment variables.
func Load() *Config {
	return &Config{
		Host: envOr("CODEX_LB_HOST", "0.0.0.0"),
		Port: envInt("CODEX_LB_PORT", 8090),

		UpstreamBaseURL: strings.TrimRight(envOr("CODEX_LB_UPSTREAM_BASE_URL", "https://chatgpt.com/backend-api"), "/"),
		AuthBaseURL:     strings.TrimRight(envOr("CODEX_LB_AUTH_BASE_URL", "https://auth.openai.com"), "/"),
		OAuthClientID:   envOr("CODEX_LB_OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),

		DatabaseURL:         envOr("CODEX_LB_DATABASE_URL", "codex-lb.db"),
		AccountsDatabaseURL: os.Getenv("CODEX_LB_ACCOUNTS_DATABASE_URL"),
		EncryptionKeyFile:   os.Getenv("CODEX_LB_ENCRYPTION_KEY_FILE"),

		StreamIdleTimeout: envSeconds("CODEX_LB_STREAM_IDLE_TIMEOUT_SECONDS", 300),
		MaxSSEEventBytes:  envInt64("CODEX_LB_MAX_SSE_EVENT_BYTES", 2<<20),

		UsageRefreshInterval:  envSeconds("CODEX_LB_USAGE_REFRESH_INTERVAL_SECONDS", 60),
		UsageFetchConcurrency: envInt("CODEX_LB_USAGE_REFRESH_FETCH_CONCURRENCY", 20),

		ImageInlineEnabled:      envBool("CODEX_LB_IMAGE_INLINE_FETCH_ENABLED", false),
		ImageInlineAllowedHosts: envCSV("CODEX_LB_IMAGE_INLINE_ALLOWED_HOSTS"),
		ImageInlineMaxBytes:     envInt64("CODEX_LB_IMAGE_INLINE_MAX_BYTES", 8<<20),
		ImageInlineTimeout:      envSeconds("CODEX_LB_IMAGE_INLINE_TIMEOUT_SECONDS", 10),

		StickyBackend:    envOr("CODEX_LB_STICKY_SESSIONS_BACKEND", StickyBackendMemory),
		StickyRedisAddr:  envOr("CODEX_LB_STICKY_REDIS_ADDR", "127.0.0.1:6379"),
		StickyMaxEntries: envInt("CODEX_LB_STICKY_MAX_ENTRIES", 10000),
		StickyTTL:        envSeconds("CODEX_LB_STICKY_TTL_SECONDS", 24*3600),

		SnapshotTTL:       envSeconds("CODEX_LB_PROXY_SNAPSHOT_TTL_SECONDS", 1),
		SelectionStrategy: envOr("CODEX_LB_PROXY_SELECTION_STRATEGY", StrategyWastePressure),
		MaxAttempts:       envInt("CODEX_LB_PROXY_MAX_ATTEMPTS", 3),
		CooldownFloor:     envSeconds("CODEX_LB_MARK_COOLDOWN_FLOOR_SECONDS", 60),

		AuthRefreshTimeout: envSeconds("CODEX_LB_AUTH_REFRESH_TIMEOUT_SECONDS", 30),
		TokenRefreshSkew:   envSeconds("CODEX_LB_TOKEN_REFRESH_SKEW_SECONDS", 60),

		LogBufferEnabled: envBool("CODEX_LB_REQUEST_LOGS_BUFFER_ENABLED", true),
		LogBufferMaxSize: envInt("CODEX_LB_REQUEST_LOGS_BUFFER_MAXSIZE", 10000),
		LogFlushInterval: envMillis("CODEX_LB_REQUEST_LOGS_FLUSH_INTERVAL_MS", 500),
		LogFlushBatch:    envInt("CODEX_LB_REQUEST_LOGS_FLUSH_BATCH", 200),
		LogRetention:     envSeconds("CODEX_LB_REQUEST_LOGS_RETENTION_SECONDS", 30*24*3600),

		UpstreamTimeout: envSeconds("CODEX_LB_UPSTREAM_TIMEOUT_SECONDS", 600),

		LogLevel: envOr("CODEX_LB_LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKeyFile == "" {
		return errMissing("CODEX_LB_ENCRYPTION_KEY_FILE")
	}
	switch c.StickyBackend {
	case StickyBackendMemory, StickyBackendDB, StickyBackendRedis:
	default:
		return &configError{field: "CODEX_LB_STICKY_SESSIONS_BACKEND", reason: "must be memory, db or redis"}
	}
	switch c.SelectionStrategy {
	case StrategyWastePressure, StrategyUsage:
	default:
		return &configError{field: "CODEX_LB_PROXY_SELECTION_STRATEGY", reason: "must be waste_pressure or usage"}
	}
	if c.MaxAttempts < 1 {
		return &configError{field: "CODEX_LB_PROXY_MAX_ATTEMPTS", reason: "must be >= 1"}
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason == "" {
		return "missing required env: " + e.field
	}
	return "invalid env " + e.field + ": " + e.reason
}

func errMissing(f string) error { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
