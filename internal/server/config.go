// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// or "5s". Bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst"`
	RefillInterval Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings. Values are passed
// explicitly into the components that need them; there is no process-global
// configuration.
type Config struct {
	// ListenAddr is the TCP chat listener address.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves health checks, Prometheus metrics, and the WebSocket
	// endpoint.
	HTTPAddr string `yaml:"http_addr"`
	// DataDir holds one durable record file per registered user.
	DataDir string `yaml:"data_dir"`
	// Shift is the Caesar rotation applied to message bodies. Both endpoints
	// must agree on it out-of-band.
	Shift int `yaml:"shift"`
	// MaxLineBytes bounds a single protocol line; longer lines close the
	// session.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// AllowedOrigins restricts WebSocket upgrades by Origin header. "*"
	// allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit throttles messages per session.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// ShutdownTimeout bounds how long graceful shutdown waits for session
	// goroutines.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":1234",
		HTTPAddr:   ":8080",
		DataDir:    "users",
		Shift:      3,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxLineBytes: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: Duration(time.Second),
		},
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// sanitized returns a copy of cfg with zero or invalid fields replaced by
// defaults.
func (cfg Config) sanitized() Config {
	defaults := defaultConfig()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaults.MaxLineBytes
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all
// settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from RELAY_* environment
// variables, falling back to default values for anything unset.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	sanitized := cfg.sanitized()
	return &sanitized
}

// LoadConfigFile loads configuration from a YAML file, applies RELAY_*
// environment variable overrides, and fills remaining gaps with defaults.
// Environment variables always take precedence over file values.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	sanitized := cfg.sanitized()
	return &sanitized, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("RELAY_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("RELAY_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if dir := os.Getenv("RELAY_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if shift := os.Getenv("RELAY_SHIFT"); shift != "" {
		cfg.Shift = parseIntValue(shift, cfg.Shift)
	}
	if maxLine := os.Getenv("RELAY_MAX_LINE_BYTES"); maxLine != "" {
		cfg.MaxLineBytes = parsePositiveInt(maxLine, cfg.MaxLineBytes)
	}
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if burst := os.Getenv("RELAY_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parsePositiveInt(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RELAY_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDurationValue(interval, cfg.RateLimit.RefillInterval)
	}
	if timeout := os.Getenv("RELAY_SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDurationValue(timeout, cfg.ShutdownTimeout)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return defaultValue
}

func parsePositiveInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseDurationValue(value string, defaultValue Duration) Duration {
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return Duration(parsed)
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return Duration(time.Duration(seconds) * time.Second)
	}
	return defaultValue
}
