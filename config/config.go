// Package config loads and validates warden configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment; "development" switches to console logging.
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StoreBackend selects where nonces, sessions and users live: memory, redis or postgres.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`

	// AccessTokenSecret and RefreshTokenSecret sign the two token types; they must differ.
	AccessTokenSecret  string `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret string `mapstructure:"REFRESH_TOKEN_SECRET"`
	// TokenEncKey is the hex-encoded 32-byte key that encrypts the enc claim.
	TokenEncKey string `mapstructure:"TOKEN_ENC_KEY"`
	// HashSecret keys the device fingerprint and refresh token digests.
	HashSecret string `mapstructure:"HASH_SECRET"`

	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	NonceTTL        time.Duration `mapstructure:"NONCE_TTL"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	// SweepInterval is how often expired nonces and sessions are purged after the startup pass; 0 disables the periodic passes.
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// SIWEDomain pins the domain SIWE messages must be issued for; empty disables the check.
	SIWEDomain    string `mapstructure:"SIWE_DOMAIN"`
	SIWEURI       string `mapstructure:"SIWE_URI"`
	SIWEStatement string `mapstructure:"SIWE_STATEMENT"`

	DefaultRole string `mapstructure:"DEFAULT_ROLE"`
	// RotateRefreshTokens makes every refresh also replace the refresh token.
	RotateRefreshTokens bool `mapstructure:"ROTATE_REFRESH_TOKENS"`
	// RequireFingerprintHeader rejects guarded requests without X-Client-Fingerprint.
	RequireFingerprintHeader bool `mapstructure:"REQUIRE_FINGERPRINT_HEADER"`

	// EventsEnabled publishes session events to Redis Streams (requires REDIS_URL).
	EventsEnabled bool   `mapstructure:"EVENTS_ENABLED"`
	EventsTopic   string `mapstructure:"EVENTS_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for tools such as cmd/migrate
// that only need a subset of the settings.
func LoadUnvalidated() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ACCESS_TOKEN_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_SECRET", "")
	v.SetDefault("TOKEN_ENC_KEY", "")
	v.SetDefault("HASH_SECRET", "")
	v.SetDefault("JWT_ISSUER", "warden")
	v.SetDefault("JWT_AUDIENCE", "warden-api")
	v.SetDefault("ACCESS_TOKEN_TTL", "600s")
	v.SetDefault("REFRESH_TOKEN_TTL", "86400s")
	v.SetDefault("NONCE_TTL", "300s")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SIWE_DOMAIN", "")
	v.SetDefault("SIWE_URI", "")
	v.SetDefault("SIWE_STATEMENT", "Sign in with Ethereum.")
	v.SetDefault("DEFAULT_ROLE", "viewer")
	v.SetDefault("ROTATE_REFRESH_TOKENS", false)
	v.SetDefault("REQUIRE_FINGERPRINT_HEADER", false)
	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("EVENTS_TOPIC", "warden.sessions")
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		return errors.New("config: ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("config: ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.HashSecret == "" {
		return errors.New("config: HASH_SECRET must be set")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.NonceTTL <= 0 || c.SessionTTL <= 0 {
		return errors.New("config: token, nonce and session TTLs must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: SWEEP_INTERVAL must not be negative")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL must be set for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.EventsEnabled && c.RedisURL == "" {
		return errors.New("config: EVENTS_ENABLED requires REDIS_URL")
	}
	return nil
}

// EncryptionKey decodes TokenEncKey.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.TokenEncKey)
	if err != nil {
		return nil, fmt.Errorf("config: TOKEN_ENC_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: TOKEN_ENC_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
