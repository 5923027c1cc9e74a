// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	FHIR     FHIRConfig
	Pipeline PipelineConfig
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// FHIRConfig holds settings for the remote FHIR server.
type FHIRConfig struct {
	// BaseURL is the transaction endpoint. Required for live runs.
	BaseURL string `env:"FHIR_BASE_URL" envAlt:"FHIR_ENDPOINT"`

	// Timeout bounds one transaction round trip (default: 30s)
	Timeout time.Duration `env:"FHIR_TIMEOUT" default:"30s"`

	// MaxConcurrent is the number of transactions in flight per run (default: 1)
	MaxConcurrent int `env:"FHIR_MAX_CONCURRENT" default:"1"`

	// RateLimit caps transactions per second; 0 disables pacing (default: 0)
	RateLimit float64 `env:"FHIR_RATE_LIMIT_RPS" default:"0"`

	// UserAgent is sent with every request (default: labfhir)
	UserAgent string `env:"FHIR_USER_AGENT" default:"labfhir"`
}

// PipelineConfig holds run defaults.
type PipelineConfig struct {
	// Version is stamped on every resource (default: 1.0.0)
	Version string `env:"PIPELINE_VERSION" default:"1.0.0"`

	// DryRun logs payloads instead of submitting them (default: false)
	DryRun bool `env:"PIPELINE_DRY_RUN" default:"false"`

	// MaxFileSize is the largest input accepted in bytes (default: 100MB)
	MaxFileSize int64 `env:"PIPELINE_MAX_FILE_SIZE" envAlt:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response; a live run
	// answers only when every record is done (default: 0, no limit)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds run history database settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty disables run history.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 5)
	MaxConns int `env:"DB_MAX_CONNS" default:"5"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// UploadConfig holds settings for runs started over HTTP.
type UploadConfig struct {
	// MaxConcurrent is the maximum number of runs at once (default: 2)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long to wait for a run slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration for a single run (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`
}

// RateLimitConfig holds rate limiting settings per client IP.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for the upload endpoint (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects API requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HistoryEnabled reports whether a run history database is configured.
func (c *DatabaseConfig) HistoryEnabled() bool {
	return c.URL != ""
}
