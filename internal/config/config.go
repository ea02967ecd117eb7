// Package config holds the relay's defaults and loads overrides from a YAML
// file and PASTEY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Server addresses
	TCPHost  = "0.0.0.0"
	TCPPort  = "9999"
	HTTPAddr = "0.0.0.0:3334"

	// Redis defaults
	RedisAddr     = "localhost:6379"
	RedisPassword = ""
	RedisDB       = 0

	// Paste settings
	ResultTTL      = 72 * time.Hour
	MaxPayloadSize = 5_000_000 // 5MB

	// Per backend call
	PublishTimeout = 30 * time.Second
)

// Config is the relay configuration.
type Config struct {
	HTTPAddr   string          `yaml:"httpAddr"`
	TCPAddr    string          `yaml:"tcpAddr"`
	TrustProxy bool            `yaml:"trustProxy"`
	Redis      RedisConfig     `yaml:"redis"`
	Backends   BackendsConfig  `yaml:"backends"`
	Publish    PublishConfig   `yaml:"publish"`
	RateLimit  RateLimitConfig `yaml:"ratelimit"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// RedisConfig holds the result cache and rate limiter connection.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	ResultTTL time.Duration `yaml:"resultTTL"`
}

// BackendsConfig overrides backend base URLs. Empty means the public service.
type BackendsConfig struct {
	Dogbin   string `yaml:"dogbin"`
	Nekobin  string `yaml:"nekobin"`
	Hastebin string `yaml:"hastebin"`
}

// PublishConfig controls publisher behaviour.
type PublishConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig selects the rate limiter. Local keeps buckets in process
// instead of in Redis; use it only with a single relay instance.
type RateLimitConfig struct {
	Local bool `yaml:"local"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file (if path is non-empty) on top of the defaults
// and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: HTTPAddr,
		TCPAddr:  TCPHost + ":" + TCPPort,
		Redis: RedisConfig{
			Addr:      RedisAddr,
			Password:  RedisPassword,
			DB:        RedisDB,
			ResultTTL: ResultTTL,
		},
		Publish: PublishConfig{
			Timeout: PublishTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PASTEY_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("PASTEY_TCP_ADDR"); v != "" {
		cfg.TCPAddr = v
	}
	// REDIS_URI predates the PASTEY_ prefix and is still honoured.
	if v := os.Getenv("REDIS_URI"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PASTEY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PASTEY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PASTEY_DOGBIN_URL"); v != "" {
		cfg.Backends.Dogbin = v
	}
	if v := os.Getenv("PASTEY_NEKOBIN_URL"); v != "" {
		cfg.Backends.Nekobin = v
	}
	if v := os.Getenv("PASTEY_HASTEBIN_URL"); v != "" {
		cfg.Backends.Hastebin = v
	}
	if v := os.Getenv("PASTEY_PUBLISH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Publish.Timeout = d
		}
	}
	if v := os.Getenv("PASTEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PASTEY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PASTEY_RATELIMIT_LOCAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Local = b
		}
	}
	// Only set TRUST_PROXY=true behind a reverse proxy (nginx, Cloudflare, etc.).
	// Untrusted forwarding headers can be spoofed to bypass rate limiting.
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TrustProxy = b
		}
	}
}

// BlacklistedPhrases contains spam/attack patterns to reject.
var BlacklistedPhrases = []string{
	"Cookie: mstshash=Administ",
	"-esystem('cmd /c echo .close",
	"md /c echo Set xHttp=createobjec",
}
