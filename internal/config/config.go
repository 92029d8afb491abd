// Package config loads and validates the key portal configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DDC_ prefix (e.g., DDC_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs from a config.yaml
// in local development and from pure environment variables in containers.
//
// ENCRYPTION_KEY has no DDC_ prefix because it is usually injected by
// infrastructure tooling (Kubernetes secrets, Vault agent) under a generic name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Keys       KeysConfig       `mapstructure:"keys"`
	Completion CompletionConfig `mapstructure:"completion"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	BaseURL   string `mapstructure:"base_url"`
	PublicURL string `mapstructure:"public_url"`
	// FrontendURL is where the browser is sent after sign-in and sign-out.
	FrontendURL     string        `mapstructure:"frontend_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GetPublicURL returns the public-facing URL used for OAuth callbacks and external redirects.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// GetFrontendURL returns server.frontend_url, or the public URL when unset.
func (s *ServerConfig) GetFrontendURL() string {
	if s.FrontendURL != "" {
		return s.FrontendURL
	}
	return s.GetPublicURL()
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MinIdleConnections int           `mapstructure:"min_idle_connections"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig holds the optional Redis connection used for cross-instance completion
// events and distributed rate limiting. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Channel is the pub/sub channel for completion events.
	Channel string `mapstructure:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	OIDC    OIDCConfig    `mapstructure:"oidc"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Session SessionConfig `mapstructure:"session"`
}

// OIDCConfig holds the identity provider configuration. Defaults target Google.
type OIDCConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	// DiscoveryTimeout bounds the discovery document fetch at startup.
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	// ExchangeTimeout bounds the code exchange and ID token verification on callback.
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
}

// JWTConfig holds session token settings. The secret comes from auth.jwt.secret or,
// when unset, the DDC_JWT_SECRET environment variable.
type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// SessionConfig holds cookie settings for the sign-in flow.
type SessionConfig struct {
	StateCookieName string        `mapstructure:"state_cookie_name"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	SecureCookies   bool          `mapstructure:"secure_cookies"`
}

// KeysConfig holds key issuance settings.
type KeysConfig struct {
	// StoreTimeout bounds every credential store call.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	// PermissionRemediationURL is shown with permission_denied errors.
	PermissionRemediationURL string `mapstructure:"permission_remediation_url"`
	// PollInterval is how often a waiting client's record is re-read.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxWait caps the long-poll timeout a client may request.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// CompletionConfig holds the completion bot settings.
type CompletionConfig struct {
	BotBaseURL  string `mapstructure:"bot_base_url"`
	BotUsername string `mapstructure:"bot_username"`
	// WebhookSecretHash is the bcrypt hash of the shared secret the bot sends in
	// X-Completion-Secret. Empty disables the callback endpoint.
	WebhookSecretHash string `mapstructure:"webhook_secret_hash"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
	// EncryptionKey seals the OAuth state cookie. Read from ENCRYPTION_KEY.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.frontend_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.connect_timeout",
		"database.auto_migrate",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.channel",

		// Auth
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",
		"auth.oidc.discovery_timeout",
		"auth.oidc.exchange_timeout",
		"auth.jwt.secret",
		"auth.jwt.issuer",
		"auth.jwt.ttl",
		"auth.session.state_cookie_name",
		"auth.session.state_ttl",
		"auth.session.secure_cookies",

		// Keys
		"keys.store_timeout",
		"keys.permission_remediation_url",
		"keys.poll_interval",
		"keys.max_wait",

		// Completion
		"completion.bot_base_url",
		"completion.bot_username",
		"completion.webhook_secret_hash",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	// Secrets injected under generic names.
	if err := v.BindEnv("security.encryption_key", "ENCRYPTION_KEY"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "ENCRYPTION_KEY", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ddc-portal")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("DDC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Auth.JWT.Secret = expandEnv(cfg.Auth.JWT.Secret)
	cfg.Completion.WebhookSecretHash = expandEnv(cfg.Completion.WebhookSecretHash)
	if cfg.Auth.JWT.Secret == "" {
		cfg.Auth.JWT.Secret = os.Getenv("DDC_JWT_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.frontend_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ddc_portal")
	v.SetDefault("database.user", "ddc")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "ddc:key-completions")

	// Auth defaults
	v.SetDefault("auth.oidc.enabled", true)
	v.SetDefault("auth.oidc.issuer_url", "https://accounts.google.com")
	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("auth.oidc.discovery_timeout", "10s")
	v.SetDefault("auth.oidc.exchange_timeout", "15s")
	v.SetDefault("auth.jwt.issuer", "ddc-portal")
	v.SetDefault("auth.jwt.ttl", "8h")
	v.SetDefault("auth.session.state_cookie_name", "ddc_oauth_state")
	v.SetDefault("auth.session.state_ttl", "10m")
	v.SetDefault("auth.session.secure_cookies", true)

	// Keys defaults
	v.SetDefault("keys.store_timeout", "5s")
	v.SetDefault("keys.permission_remediation_url", "")
	v.SetDefault("keys.poll_interval", "2s")
	v.SetDefault("keys.max_wait", "60s")

	// Completion defaults
	v.SetDefault("completion.bot_base_url", "https://t.me")
	v.SetDefault("completion.bot_username", "")
	v.SetDefault("completion.webhook_secret_hash", "")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "ddc-portal")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate OIDC if enabled
	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientSecret == "" {
			return fmt.Errorf("auth.oidc.client_secret is required when OIDC is enabled")
		}
	}

	// Validate keys
	if c.Keys.StoreTimeout <= 0 {
		return fmt.Errorf("keys.store_timeout must be positive")
	}
	if c.Keys.PollInterval <= 0 {
		return fmt.Errorf("keys.poll_interval must be positive")
	}
	if c.Keys.MaxWait < c.Keys.PollInterval {
		return fmt.Errorf("keys.max_wait (%s) must be at least keys.poll_interval (%s)", c.Keys.MaxWait, c.Keys.PollInterval)
	}

	// Validate completion
	if c.Completion.BotUsername == "" {
		return fmt.Errorf("completion.bot_username is required")
	}
	if h := c.Completion.WebhookSecretHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("completion.webhook_secret_hash must be a bcrypt hash (generate one with cmd/hash)")
	}

	// Validate rate limiting if enabled
	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
