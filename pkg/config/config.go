package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/bcombuddy/sessionbridge/pkg/logout"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/provider/identitytoolkit"
	"github.com/bcombuddy/sessionbridge/pkg/provider/oauth2"
	"github.com/bcombuddy/sessionbridge/pkg/provider/oidc"
	"github.com/bcombuddy/sessionbridge/pkg/provider/saml"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "SESSIONBRIDGE_"

// FileEnv names the optional YAML file applied before the environment
const FileEnv = EnvPrefix + "CONFIG_FILE"

// Provider kinds
const (
	ProviderNone            = "none"
	ProviderIdentityToolkit = "identitytoolkit"
	ProviderOAuth2          = "oauth2"
	ProviderOIDC            = "oidc"
	ProviderSAML            = "saml"
)

// Rate limiter backends
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `yaml:"storage" envPrefix:"STORAGE_"`
	SSO           SSOConfig           `yaml:"sso" envPrefix:"SSO_"`
	Provider      ProviderConfig      `yaml:"provider" envPrefix:"PROVIDER_"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	PublicURL       string        `yaml:"public_url" env:"PUBLIC_URL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	SecureCookies   bool          `yaml:"secure_cookies" env:"SECURE_COOKIES"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// Client contexts idle longer than ClientTTL are disposed
	ClientTTL  time.Duration `yaml:"client_ttl" env:"CLIENT_TTL"`
	MaxClients int           `yaml:"max_clients" env:"MAX_CLIENTS"`

	// SweepSchedule is a cron spec for the provider grant expiry sweep
	SweepSchedule string `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`

	// FederatedTimeout bounds how long a federated sign-in waits for its callback
	FederatedTimeout time.Duration `yaml:"federated_timeout" env:"FEDERATED_TIMEOUT"`
}

// StorageConfig selects where session records live
type StorageConfig struct {
	Kind        string        `yaml:"kind" env:"KIND"`
	Dir         string        `yaml:"dir" env:"DIR"`
	RedisURL    string        `yaml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	RedisTTL    time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
	DSN         string        `yaml:"dsn" env:"DSN"`
	Namespace   string        `yaml:"namespace" env:"NAMESPACE"`
	MaxConns    int           `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns    int           `yaml:"min_conns" env:"MIN_CONNS"`
	ConnTimeout time.Duration `yaml:"conn_timeout" env:"CONN_TIMEOUT"`
	CacheSize   int           `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// Backend converts the settings into a storage.Config
func (s StorageConfig) Backend() storage.Config {
	return storage.Config{
		Kind:        s.Kind,
		Dir:         s.Dir,
		RedisURL:    s.RedisURL,
		RedisPrefix: s.RedisPrefix,
		RedisTTL:    s.RedisTTL,
		DSN:         s.DSN,
		Namespace:   s.Namespace,
		Pool: storage.PoolConfig{
			MaxConns: s.MaxConns,
			MinConns: s.MinConns,
			Timeout:  s.ConnTimeout,
		},
		CacheSize: s.CacheSize,
		CacheTTL:  s.CacheTTL,
	}
}

// SSOConfig configures credential parsing and the shell application
type SSOConfig struct {
	// Secret enables HS256 verification of credentials when set
	Secret          string `yaml:"secret" env:"SECRET"`
	DefaultShellURL string `yaml:"default_shell_url" env:"DEFAULT_SHELL_URL"`
}

// ProviderConfig selects and configures the identity provider
type ProviderConfig struct {
	Kind          string        `yaml:"kind" env:"KIND"`
	RefreshWindow time.Duration `yaml:"refresh_window" env:"REFRESH_WINDOW"`

	IdentityToolkit identitytoolkit.Config `yaml:"identity_toolkit" envPrefix:"IDENTITY_TOOLKIT_"`
	OAuth2          oauth2.Config          `yaml:"oauth2" envPrefix:"OAUTH2_"`
	OIDC            oidc.Config            `yaml:"oidc" envPrefix:"OIDC_"`
	SAML            saml.Config            `yaml:"saml" envPrefix:"SAML_"`
}

// RateLimitConfig limits sign-in attempts per client address
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Backend  string        `yaml:"backend" env:"BACKEND"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	Requests int           `yaml:"requests" env:"REQUESTS"`
	Window   time.Duration `yaml:"window" env:"WINDOW"`
	Burst    int           `yaml:"burst" env:"BURST"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string  `yaml:"log_level" env:"LOG_LEVEL"`
	MetricsEnabled bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	OTelEnabled    bool    `yaml:"otel_enabled" env:"OTEL_ENABLED"`
	OTelEndpoint   string  `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	OTelInsecure   bool    `yaml:"otel_insecure" env:"OTEL_INSECURE"`
	OTelSample     float64 `yaml:"otel_sample_ratio" env:"OTEL_SAMPLE_RATIO"`
	ServiceName    string  `yaml:"service_name" env:"SERVICE_NAME"`

	// AuditDir enables the session audit trail when set
	AuditDir string `yaml:"audit_dir" env:"AUDIT_DIR"`
}

// Level parses LogLevel, falling back to info
func (o ObservabilityConfig) Level() observability.LogLevel {
	level, err := observability.ParseLevel(o.LogLevel)
	if err != nil {
		return observability.InfoLevel
	}
	return level
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel(version string) observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.ServiceName,
		ServiceVersion: version,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSample,
	}
}

// Telemetry is Observability.OTel with the storage and provider kinds
// recorded as resource attributes
func (c *Config) Telemetry(version string) observability.OTelConfig {
	otelCfg := c.Observability.OTel(version)
	otelCfg.Attributes = map[string]string{
		"sessionbridge.storage.kind":  c.Storage.Kind,
		"sessionbridge.provider.kind": c.Provider.Kind,
	}
	return otelCfg
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			PublicURL:        "http://localhost:8080",
			ReadTimeout:      15 * time.Second,
			// long enough for a federated sign-in held open for its callback
			WriteTimeout:     15 * time.Minute,
			IdleTimeout:      60 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			ClientTTL:        30 * time.Minute,
			MaxClients:       10000,
			SweepSchedule:    "@every 1m",
			FederatedTimeout: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Kind:        storage.KindMemory,
			RedisPrefix: "sessionbridge",
			Namespace:   "default",
		},
		SSO: SSOConfig{
			DefaultShellURL: logout.DefaultShellURL,
		},
		Provider: ProviderConfig{
			Kind:          ProviderNone,
			RefreshWindow: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Backend:  LimiterMemory,
			Requests: 10,
			Window:   time.Minute,
			Burst:    5,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
			OTelEndpoint:   "localhost:4317",
			OTelInsecure:   true,
			ServiceName:    "sessionbridge",
		},
	}
}

// LoadConfig layers the YAML file named by SESSIONBRIDGE_CONFIG_FILE and
// then SESSIONBRIDGE_* variables over the defaults, and validates the result
func LoadConfig() (*Config, error) {
	return load(os.Getenv(FileEnv), os.Environ())
}

// LoadFile is LoadConfig with an explicit file, which may be empty
func LoadFile(path string) (*Config, error) {
	return load(path, os.Environ())
}

func load(path string, environ []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: toMap(environ),
	}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func toMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server addr is required"))
	}
	if c.Server.ClientTTL <= 0 {
		errs = append(errs, fmt.Errorf("client ttl must be positive"))
	}
	if c.Server.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max clients must be positive"))
	}

	switch c.Storage.Kind {
	case storage.KindMemory:
	case storage.KindFile:
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Errorf("storage dir is required for file storage"))
		}
	case storage.KindRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, fmt.Errorf("storage redis url is required for redis storage"))
		}
	case storage.KindPostgres, storage.KindSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage dsn is required for %s storage", c.Storage.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage kind: %q", c.Storage.Kind))
	}

	if err := c.Provider.validate(); err != nil {
		errs = append(errs, err)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case LimiterMemory:
		case LimiterRedis:
			if c.RateLimit.RedisURL == "" {
				errs = append(errs, fmt.Errorf("rate limit redis url is required for the redis limiter"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid rate limit backend: %q", c.RateLimit.Backend))
		}
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit requests and window must be positive"))
		}
	}

	if _, err := observability.ParseLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		errs = append(errs, fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled"))
	}

	return errors.Join(errs...)
}

func (p *ProviderConfig) validate() error {
	var err error
	switch p.Kind {
	case ProviderNone:
		return nil
	case ProviderIdentityToolkit:
		err = p.IdentityToolkit.Validate()
	case ProviderOAuth2:
		err = p.OAuth2.Validate()
	case ProviderOIDC:
		err = p.OIDC.Validate()
	case ProviderSAML:
		err = p.SAML.Validate()
	default:
		return fmt.Errorf("invalid provider kind: %q", p.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s provider: %w", p.Kind, err)
	}
	return nil
}
