// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "ODATAGRID"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Identity      IdentityConfig           `yaml:"identity"`
	Definitions   DefinitionsConfig        `yaml:"definitions"`
	Specs         SpecsConfig              `yaml:"specs"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Sessions      SessionsConfig           `yaml:"sessions"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer-token authentication. Authentication is
// disabled when Enabled is false; every request then runs as the anonymous
// subject.
type IdentityConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// HMACSecret resolves the shared secret from the configured environment
// variable.
func (c IdentityConfig) HMACSecret() []byte {
	if c.HMACSecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.HMACSecretEnv))
}

// DefinitionsConfig describes where to find grid definition files.
// Strict rejects unknown keys in definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	Strict      bool     `yaml:"strict"`
}

// SpecsConfig describes where to find OpenAPI specification files. Specs are
// optional; when present, grid resources are checked against them.
type SpecsConfig struct {
	Directory string       `yaml:"directory"`
	Sources   []SpecSource `yaml:"sources"`
}

// SpecSource maps a service ID to an OpenAPI spec file.
type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig describes an OData backend service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service. MaxAttempts of 1
// disables retries.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// RateLimitConfig throttles outbound requests to a service. A zero
// RequestsPerSecond means unlimited.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SessionsConfig describes the lifetime of hosted grid sessions.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // SSE streams are long-lived.
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Last-Event-ID"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Strict:      true,
		},
		Services: map[string]ServiceConfig{},
		Sessions: SessionsConfig{
			IdleTTL:       15 * time.Minute,
			SweepInterval: 1 * time.Minute,
			MaxSessions:   10000,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when identity is enabled")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when identity is enabled")
		}
		if c.Identity.JWKSURL == "" && c.Identity.HMACSecretEnv == "" {
			errs = append(errs, "identity.jwks_url or identity.hmac_secret_env is required when identity is enabled")
		}
	}

	if len(c.Services) == 0 {
		errs = append(errs, "at least one service is required")
	}
	for id, svc := range c.Services {
		u, err := url.Parse(svc.BaseURL)
		if svc.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url must be an absolute URL", id))
		}
		if svc.Retry.MaxAttempts < 0 {
			errs = append(errs, fmt.Sprintf("services.%s.retry.max_attempts must not be negative", id))
		}
		if svc.RateLimit.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Sprintf("services.%s.rate_limit.requests_per_second must not be negative", id))
		}
	}

	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, "sessions.max_sessions must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// normalize strips trailing slashes from base URLs; the query compiler
// inserts its own separator before the resource name.
func (c *Config) normalize() {
	for id, svc := range c.Services {
		svc.BaseURL = strings.TrimRight(svc.BaseURL, "/")
		c.Services[id] = svc
	}
}

// envOverrides lists the ODATAGRID_* variables honoured by Load. Unset
// variables leave the file value untouched.
type envOverrides struct {
	ServerPort       int      `envconfig:"SERVER_PORT"`
	IdentityEnabled  *bool    `envconfig:"IDENTITY_ENABLED"`
	IdentityIssuer   string   `envconfig:"IDENTITY_ISSUER"`
	IdentityJWKSURL  string   `envconfig:"IDENTITY_JWKS_URL"`
	IdentityAudience string   `envconfig:"IDENTITY_AUDIENCE"`
	DefinitionDirs   []string `envconfig:"DEFINITIONS_DIRECTORIES"`
	LogLevel         string   `envconfig:"OBSERVABILITY_LOG_LEVEL"`
	TracingEnabled   *bool    `envconfig:"OBSERVABILITY_TRACING_ENABLED"`
	TracingEndpoint  string   `envconfig:"OBSERVABILITY_TRACING_ENDPOINT"`
	MaxSessions      int      `envconfig:"SESSIONS_MAX_SESSIONS"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	if env.ServerPort != 0 {
		cfg.Server.Port = env.ServerPort
	}
	if env.IdentityEnabled != nil {
		cfg.Identity.Enabled = *env.IdentityEnabled
	}
	if env.IdentityIssuer != "" {
		cfg.Identity.Issuer = env.IdentityIssuer
	}
	if env.IdentityJWKSURL != "" {
		cfg.Identity.JWKSURL = env.IdentityJWKSURL
	}
	if env.IdentityAudience != "" {
		cfg.Identity.Audience = env.IdentityAudience
	}
	if len(env.DefinitionDirs) > 0 {
		cfg.Definitions.Directories = env.DefinitionDirs
	}
	if env.LogLevel != "" {
		cfg.Observability.LogLevel = env.LogLevel
	}
	if env.TracingEnabled != nil {
		cfg.Observability.Tracing.Enabled = *env.TracingEnabled
	}
	if env.TracingEndpoint != "" {
		cfg.Observability.Tracing.Endpoint = env.TracingEndpoint
	}
	if env.MaxSessions != 0 {
		cfg.Sessions.MaxSessions = env.MaxSessions
	}
	return nil
}
