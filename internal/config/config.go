package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigFile points at an optional TOML file applied before environment overrides
const EnvConfigFile = "PERFORAY_CONFIG"

// SessionConfig 会话配置
type SessionConfig struct {
	MaxMessageBytes int           `toml:"max_message_bytes"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	SendQueueDepth  int           `toml:"send_queue_depth"`
	// SortPages applies the descending download-time ordering to results.
	// Off by default so results keep the order the scanner produced.
	SortPages bool `toml:"sort_pages"`
	// StrictStore aborts the session when the result cannot be registered
	StrictStore bool `toml:"strict_store"`
}

// ScannerConfig 扫描器配置
type ScannerConfig struct {
	UserAgent         string        `toml:"user_agent"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	MaxPages          int           `toml:"max_pages"`
	MaxDepth          int           `toml:"max_depth"`
	MaxBodyBytes      int64         `toml:"max_body_bytes"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	RespectRobots     bool          `toml:"respect_robots"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled   bool          `toml:"enabled"`
	Limit     int           `toml:"limit"`
	Window    time.Duration `toml:"window"`
	Algorithm string        `toml:"algorithm"`
}

// LogConfig controls the zerolog output
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Config holds all configuration for the scan server
type Config struct {
	APIPort     int    `toml:"api_port"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	NATSURL     string `toml:"nats_url"`
	// ResultCacheTTL bounds how long the latest result per host stays in Redis
	ResultCacheTTL time.Duration `toml:"result_cache_ttl"`

	Session   SessionConfig   `toml:"session"`
	Scanner   ScannerConfig   `toml:"scanner"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
}

// Default returns the built-in configuration. Backends with an empty URL are disabled.
func Default() *Config {
	return &Config{
		APIPort:        3000,
		ResultCacheTTL: 24 * time.Hour,
		Session: SessionConfig{
			MaxMessageBytes: 64 * 1024,
			WriteTimeout:    10 * time.Second,
			SendQueueDepth:  16,
		},
		Scanner: ScannerConfig{
			UserAgent:         "PerfoRay/1.0 (+https://github.com/perforay)",
			RequestTimeout:    15 * time.Second,
			MaxPages:          20,
			MaxDepth:          1,
			MaxBodyBytes:      5 * 1024 * 1024,
			RequestsPerSecond: 4,
			RespectRobots:     true,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Limit:     10,
			Window:    time.Minute,
			Algorithm: "token_bucket",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from defaults, the optional TOML file, then environment variables
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(EnvConfigFile))
}

// LoadFrom is Load with an explicit TOML path; an empty path skips the file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a TOML file onto cfg
func LoadFile(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIPort = getEnvAsInt("API_PORT", cfg.APIPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.ResultCacheTTL = getEnvAsDuration("RESULT_CACHE_TTL", cfg.ResultCacheTTL)

	cfg.Session.MaxMessageBytes = getEnvAsInt("SESSION_MAX_MESSAGE_BYTES", cfg.Session.MaxMessageBytes)
	cfg.Session.WriteTimeout = getEnvAsDuration("SESSION_WRITE_TIMEOUT", cfg.Session.WriteTimeout)
	cfg.Session.SendQueueDepth = getEnvAsInt("SESSION_SEND_QUEUE_DEPTH", cfg.Session.SendQueueDepth)
	cfg.Session.SortPages = getEnvAsBool("SESSION_SORT_PAGES", cfg.Session.SortPages)
	cfg.Session.StrictStore = getEnvAsBool("SESSION_STRICT_STORE", cfg.Session.StrictStore)

	cfg.Scanner.UserAgent = getEnv("SCANNER_USER_AGENT", cfg.Scanner.UserAgent)
	cfg.Scanner.RequestTimeout = getEnvAsDuration("SCANNER_REQUEST_TIMEOUT", cfg.Scanner.RequestTimeout)
	cfg.Scanner.MaxPages = getEnvAsInt("SCANNER_MAX_PAGES", cfg.Scanner.MaxPages)
	cfg.Scanner.MaxDepth = getEnvAsInt("SCANNER_MAX_DEPTH", cfg.Scanner.MaxDepth)
	cfg.Scanner.MaxBodyBytes = int64(getEnvAsInt("SCANNER_MAX_BODY_BYTES", int(cfg.Scanner.MaxBodyBytes)))
	cfg.Scanner.RequestsPerSecond = getEnvAsFloat("SCANNER_REQUESTS_PER_SECOND", cfg.Scanner.RequestsPerSecond)
	cfg.Scanner.RespectRobots = getEnvAsBool("SCANNER_RESPECT_ROBOTS", cfg.Scanner.RespectRobots)

	cfg.RateLimit.Enabled = getEnvAsBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Limit = getEnvAsInt("RATE_LIMIT_LIMIT", cfg.RateLimit.Limit)
	cfg.RateLimit.Window = getEnvAsDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.RateLimit.Algorithm = getEnv("RATE_LIMIT_ALGORITHM", cfg.RateLimit.Algorithm)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvAsBool("LOG_PRETTY", cfg.Log.Pretty)
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api_port out of range: %d", c.APIPort))
	}
	if c.Session.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("session.max_message_bytes must be positive"))
	}
	if c.Session.WriteTimeout <= 0 {
		errs = append(errs, errors.New("session.write_timeout must be positive"))
	}
	if c.Session.SendQueueDepth < 0 {
		errs = append(errs, errors.New("session.send_queue_depth must not be negative"))
	}
	if c.Scanner.MaxPages <= 0 {
		errs = append(errs, errors.New("scanner.max_pages must be positive"))
	}
	if c.Scanner.MaxDepth < 0 {
		errs = append(errs, errors.New("scanner.max_depth must not be negative"))
	}
	if c.Scanner.RequestTimeout <= 0 {
		errs = append(errs, errors.New("scanner.request_timeout must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window < time.Second) {
		errs = append(errs, errors.New("rate_limit requires a positive limit and a window of at least 1s"))
	}
	switch c.RateLimit.Algorithm {
	case "token_bucket", "fixed_window":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.algorithm %q is not token_bucket or fixed_window", c.RateLimit.Algorithm))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// plain integers are seconds, like the other *_WINDOW settings
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
