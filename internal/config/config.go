package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all static configuration for a server process.
type Config struct {
	Port           string
	Env            string
	DeploymentName string // namespace for every shared cache key
	ServerID       string // stable instance identity; generated when empty
	DatabaseURL    string // scheme selects the store backend
	RedisURL       string
	AdminToken     string

	// HTTP
	MaxBodyBytes       int64
	RateLimitWhitelist []string // IPs or CIDRs exempt from HTTP rate limits
	RateLimitAutoBlock bool

	// Delivery
	RecallWindow      time.Duration
	AutoCleanAfter    time.Duration // 0 keeps history forever
	SendRateLimit     int
	SendRateWindow    time.Duration
	BusPublishRetries int
	PersistRetries    int
	BusBlock          time.Duration

	// Routing directory
	DirectoryTTL      time.Duration
	HeartbeatInterval time.Duration
	ServerLeaseTTL    time.Duration

	// Membership
	SweepInterval time.Duration
	SweepBatch    int

	// Auth
	RequireVerification bool
	FailedLoginLimit    int
	FailedLoginWindow   time.Duration
	TokenTTL            time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load(envFiles ...string) *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		DeploymentName: getEnv("DEPLOYMENT_NAME", "chatmesh"),
		ServerID:       os.Getenv("SERVER_ID"),
		DatabaseURL:    getEnv("DATABASE_URL", "sqlite://./data/chatmesh.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),

		MaxBodyBytes:       int64(getInt("MAX_BODY_BYTES", 64<<10)),
		RateLimitWhitelist: getList("RATE_LIMIT_WHITELIST"),
		RateLimitAutoBlock: getEnv("RATE_LIMIT_AUTO_BLOCK", "false") == "true",

		RecallWindow:      getDuration("RECALL_WINDOW", 2*time.Minute),
		AutoCleanAfter:    getDuration("AUTO_CLEAN_AFTER", 0),
		SendRateLimit:     getInt("SEND_RATE_LIMIT", 30),
		SendRateWindow:    getDuration("SEND_RATE_WINDOW", 10*time.Second),
		BusPublishRetries: getInt("BUS_PUBLISH_RETRIES", 3),
		PersistRetries:    getInt("PERSIST_RETRIES", 3),
		BusBlock:          getDuration("BUS_BLOCK", 5*time.Second),

		DirectoryTTL:      getDuration("DIRECTORY_TTL", 60*time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 20*time.Second),
		ServerLeaseTTL:    getDuration("SERVER_LEASE_TTL", 30*time.Second),

		SweepInterval: getDuration("SWEEP_INTERVAL", 5*time.Second),
		SweepBatch:    getInt("SWEEP_BATCH", 100),

		RequireVerification: getEnv("REQUIRE_VERIFICATION", "false") == "true",
		FailedLoginLimit:    getInt("FAILED_LOGIN_LIMIT", 5),
		FailedLoginWindow:   getDuration("FAILED_LOGIN_WINDOW", 15*time.Minute),
		TokenTTL:            getDuration("TOKEN_TTL", 24*time.Hour),
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if os.Getenv("DATABASE_URL") == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// InitialFlags returns the runtime flags seeded from static configuration.
func (c *Config) InitialFlags() Flags {
	return Flags{
		RecallWindow:   c.RecallWindow,
		AutoCleanAfter: c.AutoCleanAfter,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
