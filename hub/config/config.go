// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment variable overrides, e.g. CHATHUB_JWT_SECRET.
const EnvPrefix = "chathub"

// Duplicate login policies.
const (
	DuplicateLoginReplace = "replace"
	DuplicateLoginReject  = "reject"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"` // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`  // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`   // max request body size; default 1MB
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"` // default 10s
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
	// Issuer additionally accepts tokens signed by an external identity
	// provider. The token's username claim must name an existing user.
	Issuer *IssuerConfig `json:"issuer,omitempty"`
}

// IssuerConfig describes an external token issuer verified through JWKS.
type IssuerConfig struct {
	URL           string `json:"url"`                      // expected "iss" claim
	JWKSURL       string `json:"jwks_url,omitempty"`       // default: <url>/.well-known/jwks.json
	UsernameClaim string `json:"username_claim,omitempty"` // default: "username"
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "chathub.db", ":memory:" or a postgres URL
}

// SessionConfig defines per-connection behavior.
type SessionConfig struct {
	DuplicateLogin    string   `json:"duplicate_login,omitempty"`     // "replace" (default) or "reject"
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`   // max WebSocket frame from client; default 64KB
	MaxContentBytes   int      `json:"max_content_bytes,omitempty"`   // max chat message content; default 16KB
	SendBuffer        int      `json:"send_buffer,omitempty"`         // outbound queue per connection; default 64
	SearchLimit       int      `json:"search_limit,omitempty"`        // max user search results; default 50
	MessagesPerSecond float64  `json:"messages_per_second,omitempty"` // inbound frames per connection; default 20
	MessageBurst      int      `json:"message_burst,omitempty"`       // default 40
	PingInterval      Duration `json:"ping_interval,omitempty"`       // default 30s
	PongWait          Duration `json:"pong_wait,omitempty"`           // default 60s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envOverrides are read from CHATHUB_* variables and take precedence over the file.
type envOverrides struct {
	Addr           string `envconfig:"ADDR"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	StorageDriver  string `envconfig:"STORAGE_DRIVER"`
	StorageDSN     string `envconfig:"STORAGE_DSN"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogFormat      string `envconfig:"LOG_FORMAT"`
	DuplicateLogin string `envconfig:"DUPLICATE_LOGIN"`
	AdminUsername  string `envconfig:"ADMIN_USERNAME"`
	AdminPassword  string `envconfig:"ADMIN_PASSWORD"`
}

// Load reads a config file, applies .env and environment overrides, then
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := loadDotenv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// loadDotenv populates unset environment variables from an optional .env file.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	if env.Addr != "" {
		c.Server.Addr = env.Addr
	}
	if env.JWTSecret != "" {
		c.Auth.JWTSecret = env.JWTSecret
	}
	if env.StorageDriver != "" {
		c.Storage.Driver = env.StorageDriver
	}
	if env.StorageDSN != "" {
		c.Storage.DSN = env.StorageDSN
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Logging.Format = env.LogFormat
	}
	if env.DuplicateLogin != "" {
		c.Session.DuplicateLogin = env.DuplicateLogin
	}
	if env.AdminUsername != "" && env.AdminPassword != "" {
		c.Auth.InitialAdmin = &InitialAdmin{Username: env.AdminUsername, Password: env.AdminPassword}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.Session.DuplicateLogin {
	case "", DuplicateLoginReplace, DuplicateLoginReject:
	default:
		return fmt.Errorf("session.duplicate_login must be %q or %q", DuplicateLoginReplace, DuplicateLoginReject)
	}
	if a := c.Auth.InitialAdmin; a != nil && (a.Username == "" || a.Password == "") {
		return fmt.Errorf("auth.initial_admin requires username and password")
	}
	if c.Auth.Issuer != nil && c.Auth.Issuer.URL == "" {
		return fmt.Errorf("auth.issuer.url is required when auth.issuer is set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if iss := c.Auth.Issuer; iss != nil {
		if iss.JWKSURL == "" {
			iss.JWKSURL = strings.TrimSuffix(iss.URL, "/") + "/.well-known/jwks.json"
		}
		if iss.UsernameClaim == "" {
			iss.UsernameClaim = "username"
		}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "chathub.db"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Session.DuplicateLogin == "" {
		c.Session.DuplicateLogin = DuplicateLoginReplace
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.MaxContentBytes == 0 {
		c.Session.MaxContentBytes = 16 * 1024
	}
	if c.Session.SendBuffer == 0 {
		c.Session.SendBuffer = 64
	}
	if c.Session.SearchLimit == 0 {
		c.Session.SearchLimit = 50
	}
	if c.Session.MessagesPerSecond == 0 {
		c.Session.MessagesPerSecond = 20
	}
	if c.Session.MessageBurst == 0 {
		c.Session.MessageBurst = 40
	}
	if c.Session.PingInterval.Duration == 0 {
		c.Session.PingInterval.Duration = 30 * time.Second
	}
	if c.Session.PongWait.Duration == 0 {
		c.Session.PongWait.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Defaults returns a config populated only with default values. Callers
// still need to set server.addr and auth.jwt_secret before use.
func Defaults() *Config {
	var c Config
	c.applyDefaults()
	return &c
}
