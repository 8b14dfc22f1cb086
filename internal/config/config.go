// Package config provides YAML configuration loading with validation and
// environment variable substitution for the aggregation gateway.
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

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server" json:"server"`
	Metrics    MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging    LoggingConfig     `yaml:"logging" json:"logging"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Auth       AuthConfig        `yaml:"auth" json:"auth"`
	Breaker    BreakerConfig     `yaml:"breaker" json:"breaker"`
	Admin      AdminConfig       `yaml:"admin" json:"admin"`
	Backends   []BackendConfig   `yaml:"backends" json:"backends"`
	Aggregates []AggregateConfig `yaml:"aggregates" json:"aggregates"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
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

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT Bearer validation settings for /api routes.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// BreakerConfig holds circuit breaker thresholds. The top-level block
// sets the defaults; each backend may override individual fields.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures" json:"max_failures"`
	CallTimeout  time.Duration `yaml:"call_timeout" json:"call_timeout"`
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// merged returns the backend-level override applied on top of the defaults.
func (b BreakerConfig) merged(override *BreakerConfig) BreakerConfig {
	if override == nil {
		return b
	}
	out := b
	if override.MaxFailures > 0 {
		out.MaxFailures = override.MaxFailures
	}
	if override.CallTimeout > 0 {
		out.CallTimeout = override.CallTimeout
	}
	if override.ResetTimeout > 0 {
		out.ResetTimeout = override.ResetTimeout
	}
	return out
}

// BackendConfig defines one logical backend reachable through the gateway.
type BackendConfig struct {
	Name           string                `yaml:"name" json:"name"`
	URL            string                `yaml:"url" json:"url"`
	PathTemplate   string                `yaml:"path_template" json:"path_template"` // printf-style, e.g. "/data/%s"
	Breaker        *BreakerConfig        `yaml:"breaker" json:"breaker,omitempty"`
	FallbackStatus int                   `yaml:"fallback_status" json:"fallback_status"`
	FallbackBody   string                `yaml:"fallback_body" json:"fallback_body"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
}

// BreakerSettings returns the effective breaker thresholds for a backend.
func (c *Config) BreakerSettings(b BackendConfig) BreakerConfig {
	return c.Breaker.merged(b.Breaker)
}

// ConnectionPoolConfig holds per-backend HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// AggregateConfig defines a named fan-out over several backends.
type AggregateConfig struct {
	Name     string   `yaml:"name" json:"name"`
	Backends []string `yaml:"backends" json:"backends"`
	Mode     string   `yaml:"mode" json:"mode"` // "all" or "best_effort"; default: "all"
}

// ValidAggregateModes are the accepted aggregate mode strings.
var ValidAggregateModes = map[string]bool{
	"":            true, // empty means default ("all")
	"all":         true,
	"best_effort": true,
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
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
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
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 3
	}
	if cfg.Breaker.CallTimeout == 0 {
		cfg.Breaker.CallTimeout = 2 * time.Second
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 5 * time.Second
	}

	for i := range cfg.Backends {
		if cfg.Backends[i].PathTemplate == "" {
			cfg.Backends[i].PathTemplate = "/%s"
		}
	}
	for i := range cfg.Aggregates {
		if cfg.Aggregates[i].Mode == "" {
			cfg.Aggregates[i].Mode = "all"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if err := validateBreaker("breaker", cfg.Breaker); err != nil {
		return err
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
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

	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name: %s", b.Name)
		}
		seen[b.Name] = true

		if b.URL == "" {
			return fmt.Errorf("backends[%d].url is required", i)
		}
		u, err := url.Parse(b.URL)
		if err != nil {
			return fmt.Errorf("backends[%d].url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backends[%d].url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("backends[%d].url: host is required", i)
		}
		if !strings.HasPrefix(b.PathTemplate, "/") {
			return fmt.Errorf("backends[%d].path_template must start with /", i)
		}
		if strings.Count(b.PathTemplate, "%s") != 1 {
			return fmt.Errorf("backends[%d].path_template must contain exactly one %%s placeholder", i)
		}
		if b.Breaker != nil {
			if err := validateBreaker(fmt.Sprintf("backends[%d].breaker", i), cfg.Breaker.merged(b.Breaker)); err != nil {
				return err
			}
		}
		if b.FallbackStatus != 0 && (b.FallbackStatus < 200 || b.FallbackStatus > 599) {
			return fmt.Errorf("backends[%d].fallback_status must be between 200 and 599", i)
		}
		if cp := b.ConnectionPool; cp != nil {
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("backends[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("backends[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("backends[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	seenAgg := make(map[string]bool)
	for i, a := range cfg.Aggregates {
		if a.Name == "" {
			return fmt.Errorf("aggregates[%d].name is required", i)
		}
		if seenAgg[a.Name] {
			return fmt.Errorf("duplicate aggregate name: %s", a.Name)
		}
		seenAgg[a.Name] = true

		if len(a.Backends) < 2 {
			return fmt.Errorf("aggregates[%d] must reference at least two backends", i)
		}
		for _, name := range a.Backends {
			if !seen[name] {
				return fmt.Errorf("aggregates[%d] references unknown backend %q", i, name)
			}
		}
		if !ValidAggregateModes[a.Mode] {
			return fmt.Errorf("aggregates[%d].mode must be \"all\" or \"best_effort\", got %q", i, a.Mode)
		}
	}

	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.MaxFailures < 1 {
		return fmt.Errorf("%s.max_failures must be positive", prefix)
	}
	if b.CallTimeout <= 0 {
		return fmt.Errorf("%s.call_timeout must be positive", prefix)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("%s.reset_timeout must be positive", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, b := range cfg.Backends {
		if b.FallbackBody != "" && b.FallbackStatus == 0 {
			warnings = append(warnings, fmt.Sprintf("backend %q has fallback_body but no fallback_status; 200 will be used", b.Name))
		}
	}
	return warnings
}
