// Package config provides YAML configuration loading with validation and
// environment variable substitution for the routing pipeline.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	AccessLog AccessLogConfig `yaml:"access_log" json:"access_log"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Rules     []RuleConfig    `yaml:"rules" json:"rules"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// AccessLogConfig holds the access-log sink and rotation settings.
type AccessLogConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // days to retain rotated files; default: 30
}

// UpstreamConfig holds the outbound dispatcher settings, including the
// completion-continuation mode.
type UpstreamConfig struct {
	TimeoutMs          int           `yaml:"timeout_ms" json:"timeout_ms"`
	CompletionMode     string        `yaml:"completion_mode" json:"completion_mode"` // "inline" or "pool"; default: "inline"
	CompletionPoolSize int           `yaml:"completion_pool_size" json:"completion_pool_size"`
	MaxIdleConns       int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost     int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Timeout returns the plain-path dispatch bound as a time.Duration.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RuleConfig defines a single routing rule.
type RuleConfig struct {
	ID         string          `yaml:"id" json:"id"`
	PathPrefix string          `yaml:"path_prefix" json:"path_prefix"`
	Backend    string          `yaml:"backend" json:"backend"`
	MaxRetries int             `yaml:"max_retries" json:"max_retries"`
	Breakers   []BreakerConfig `yaml:"breakers" json:"breakers,omitempty"`
}

// BreakerConfig defines the per-path breaker tuple: isolated pool size,
// timeout, fallback, and failure-rate trip settings.
type BreakerConfig struct {
	Path          string `yaml:"path" json:"path"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
	TimeoutMs     int    `yaml:"timeout_ms" json:"timeout_ms"`

	FallbackStatus int    `yaml:"fallback_status" json:"fallback_status"`
	FallbackBody   string `yaml:"fallback_body" json:"fallback_body"`

	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`
}

// Timeout returns the breaker's hard attempt bound as a time.Duration.
func (b BreakerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.AccessLog.Output == "" {
		cfg.AccessLog.Output = "stdout"
	}
	if cfg.AccessLog.MaxSizeMB == 0 {
		cfg.AccessLog.MaxSizeMB = 100
	}
	if cfg.AccessLog.MaxBackups == 0 {
		cfg.AccessLog.MaxBackups = 3
	}
	if cfg.AccessLog.MaxAgeDays == 0 {
		cfg.AccessLog.MaxAgeDays = 30
	}

	if cfg.Upstream.TimeoutMs == 0 {
		cfg.Upstream.TimeoutMs = 30000
	}
	if cfg.Upstream.CompletionMode == "" {
		cfg.Upstream.CompletionMode = "inline"
	}
	if cfg.Upstream.CompletionPoolSize == 0 {
		cfg.Upstream.CompletionPoolSize = 8
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdlePerHost == 0 {
		cfg.Upstream.MaxIdlePerHost = 10
	}
	if cfg.Upstream.IdleTimeout == 0 {
		cfg.Upstream.IdleTimeout = 90 * time.Second
	}

	for i := range cfg.Rules {
		for j := range cfg.Rules[i].Breakers {
			b := &cfg.Rules[i].Breakers[j]
			if b.MaxConcurrent == 0 {
				b.MaxConcurrent = 10
			}
			if b.TimeoutMs == 0 {
				b.TimeoutMs = 1000
			}
			if b.FallbackStatus == 0 {
				b.FallbackStatus = 503
			}
			if b.FallbackBody == "" {
				b.FallbackBody = `{"message":"service temporarily unavailable"}`
			}
			if b.WindowSize == 0 {
				b.WindowSize = 10
			}
			if b.FailureThreshold == 0 {
				b.FailureThreshold = 0.5
			}
			if b.ResetTimeout == 0 {
				b.ResetTimeout = 30 * time.Second
			}
			if b.HalfOpenMax == 0 {
				b.HalfOpenMax = 2
			}
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	switch cfg.Upstream.CompletionMode {
	case "inline", "pool":
	default:
		return fmt.Errorf("upstream.completion_mode must be \"inline\" or \"pool\", got %q", cfg.Upstream.CompletionMode)
	}
	if cfg.Upstream.CompletionPoolSize < 1 {
		return fmt.Errorf("upstream.completion_pool_size must be positive")
	}
	if cfg.Upstream.TimeoutMs < 1 {
		return fmt.Errorf("upstream.timeout_ms must be positive")
	}

	if cfg.AccessLog.Output != "stdout" && cfg.AccessLog.Output != "stderr" {
		if cfg.AccessLog.MaxSizeMB < 1 {
			return fmt.Errorf("access_log.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Rules) == 0 {
		return fmt.Errorf("at least one rule must be configured")
	}

	seenID := make(map[string]bool)
	seenPrefix := make(map[string]bool)
	for i, r := range cfg.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if seenID[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		seenID[r.ID] = true

		if r.PathPrefix == "" {
			return fmt.Errorf("rules[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("rules[%d].path_prefix must start with /", i)
		}
		if seenPrefix[r.PathPrefix] {
			return fmt.Errorf("duplicate rule path_prefix: %s", r.PathPrefix)
		}
		seenPrefix[r.PathPrefix] = true

		if r.Backend == "" {
			return fmt.Errorf("rules[%d].backend is required", i)
		}
		u, err := url.Parse(r.Backend)
		if err != nil {
			return fmt.Errorf("rules[%d].backend: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("rules[%d].backend: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("rules[%d].backend: host is required", i)
		}

		if r.MaxRetries < 0 {
			return fmt.Errorf("rules[%d].max_retries must be non-negative", i)
		}

		seenPath := make(map[string]bool)
		for j, b := range r.Breakers {
			if b.Path == "" {
				return fmt.Errorf("rules[%d].breakers[%d].path is required", i, j)
			}
			if !strings.HasPrefix(b.Path, "/") {
				return fmt.Errorf("rules[%d].breakers[%d].path must start with /", i, j)
			}
			if seenPath[b.Path] {
				return fmt.Errorf("rules[%d]: duplicate breaker path: %s", i, b.Path)
			}
			seenPath[b.Path] = true

			if b.MaxConcurrent < 1 {
				return fmt.Errorf("rules[%d].breakers[%d].max_concurrent must be positive", i, j)
			}
			if b.TimeoutMs < 1 {
				return fmt.Errorf("rules[%d].breakers[%d].timeout_ms must be positive", i, j)
			}
			if b.FallbackStatus < 200 || b.FallbackStatus > 599 {
				return fmt.Errorf("rules[%d].breakers[%d].fallback_status must be between 200 and 599", i, j)
			}
			if b.WindowSize < 1 {
				return fmt.Errorf("rules[%d].breakers[%d].window_size must be positive", i, j)
			}
			if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
				return fmt.Errorf("rules[%d].breakers[%d].failure_threshold must be between 0 (exclusive) and 1 (inclusive)", i, j)
			}
			if b.ResetTimeout <= 0 {
				return fmt.Errorf("rules[%d].breakers[%d].reset_timeout must be positive", i, j)
			}
			if b.HalfOpenMax < 1 {
				return fmt.Errorf("rules[%d].breakers[%d].half_open_max must be positive", i, j)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	for _, r := range cfg.Rules {
		for _, b := range r.Breakers {
			if !strings.HasPrefix(b.Path, r.PathPrefix) {
				warnings = append(warnings,
					fmt.Sprintf("rule %s: breaker path %s is outside path_prefix %s and will never match", r.ID, b.Path, r.PathPrefix))
			}
		}
	}
	return warnings
}
