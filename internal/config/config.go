// Package config loads service settings from an optional YAML file and
// CINETENANT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"cinetenant.org/internal/credential"
)

const envPrefix = "CINETENANT_"

type Config struct {
	Environment    string               `yaml:"environment"`
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Logger         LoggerConfig         `yaml:"logger"`
	Credentials    CredentialConfig     `yaml:"credentials"`
	Revocation     RevocationConfig     `yaml:"revocation"`
	PrincipalCache PrincipalCacheConfig `yaml:"principal_cache"`
	Tenancy        TenancyConfig        `yaml:"tenancy"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    string   `yaml:"read_timeout"`
	WriteTimeout   string   `yaml:"write_timeout"`
	IdleTimeout    string   `yaml:"idle_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// CredentialConfig holds the signing key material. Retired keys only verify.
type CredentialConfig struct {
	Issuer      string       `yaml:"issuer"`
	KeyID       string       `yaml:"key_id"`
	Secret      string       `yaml:"secret"`
	RetiredKeys []RetiredKey `yaml:"retired_keys"`
	AccessTTL   string       `yaml:"access_ttl"`
	RefreshTTL  string       `yaml:"refresh_ttl"`
}

type RetiredKey struct {
	KeyID  string `yaml:"key_id"`
	Secret string `yaml:"secret"`
}

type RevocationConfig struct {
	Backend    string `yaml:"backend"`
	FailClosed bool   `yaml:"fail_closed"`
}

type PrincipalCacheConfig struct {
	Backend string `yaml:"backend"`
	Size    int    `yaml:"size"`
}

type TenancyConfig struct {
	Prefix string `yaml:"prefix"`
}

// Default returns the baseline configuration. The credential secret has no
// default and must be supplied.
func Default() *Config {
	return &Config{
		Environment: "dev",
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
			IdleTimeout:  "60s",
			MaxBodyBytes: 1 << 20,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Logger: LoggerConfig{Level: "info"},
		Credentials: CredentialConfig{
			Issuer:     "cinetenant",
			KeyID:      "primary",
			AccessTTL:  "15m",
			RefreshTTL: "14d",
		},
		Revocation:     RevocationConfig{Backend: "redis"},
		PrincipalCache: PrincipalCacheConfig{Backend: "redis", Size: 10000},
		Tenancy:        TenancyConfig{Prefix: "app"},
	}
}

// Load applies defaults, then the YAML file at path (if any), then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(os.ExpandEnv(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"ENV":                &c.Environment,
		"HTTP_ADDR":          &c.Server.Addr,
		"PG_DSN":             &c.Database.DSN,
		"REDIS_ADDR":         &c.Redis.Addr,
		"REDIS_PASSWORD":     &c.Redis.Password,
		"LOG_LEVEL":          &c.Logger.Level,
		"TOKEN_ISSUER":       &c.Credentials.Issuer,
		"TOKEN_KID":          &c.Credentials.KeyID,
		"TOKEN_SECRET":       &c.Credentials.Secret,
		"ACCESS_TTL":         &c.Credentials.AccessTTL,
		"REFRESH_TTL":        &c.Credentials.RefreshTTL,
		"REVOCATION_BACKEND": &c.Revocation.Backend,
		"CACHE_BACKEND":      &c.PrincipalCache.Backend,
		"TENANCY_PREFIX":     &c.Tenancy.Prefix,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %q", envPrefix, v)
		}
		c.Redis.DB = n
	}
	if v, ok := os.LookupEnv(envPrefix + "REVOCATION_FAIL_CLOSED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sREVOCATION_FAIL_CLOSED: %q", envPrefix, v)
		}
		c.Revocation.FailClosed = b
	}
	if v, ok := os.LookupEnv(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.Environment {
	case "dev", "test", "staging", "prod":
	default:
		return fmt.Errorf("environment must be one of dev, test, staging, prod, got %q", c.Environment)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	for name, raw := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"server.idle_timeout":  c.Server.IdleTimeout,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if strings.TrimSpace(c.Credentials.KeyID) == "" {
		return errors.New("credentials.key_id is required")
	}
	if len(c.Credentials.Secret) < credential.MinSecretLength {
		return fmt.Errorf("credentials.secret must be at least %d bytes", credential.MinSecretLength)
	}
	for _, k := range c.Credentials.RetiredKeys {
		if k.KeyID == "" || len(k.Secret) < credential.MinSecretLength {
			return fmt.Errorf("credentials.retired_keys: key %q is incomplete", k.KeyID)
		}
	}
	if ttl, err := ParseDuration(c.Credentials.AccessTTL); err != nil || ttl <= 0 {
		return fmt.Errorf("credentials.access_ttl must be a positive duration, got %q", c.Credentials.AccessTTL)
	}
	if ttl, err := ParseDuration(c.Credentials.RefreshTTL); err != nil || ttl <= 0 {
		return fmt.Errorf("credentials.refresh_ttl must be a positive duration, got %q", c.Credentials.RefreshTTL)
	}
	switch c.Revocation.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("revocation.backend must be redis or memory, got %q", c.Revocation.Backend)
	}
	switch c.PrincipalCache.Backend {
	case "redis":
	case "local":
		if c.PrincipalCache.Size <= 0 {
			return errors.New("principal_cache.size must be positive for the local backend")
		}
	default:
		return fmt.Errorf("principal_cache.backend must be redis or local, got %q", c.PrincipalCache.Backend)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	return nil
}

// NeedsRedis reports whether any configured backend uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Revocation.Backend == "redis" || c.PrincipalCache.Backend == "redis"
}

// AccessTTL returns the parsed access credential lifetime. Call after Validate.
func (c *Config) AccessTTL() time.Duration {
	d, _ := ParseDuration(c.Credentials.AccessTTL)
	return d
}

// RefreshTTL returns the parsed refresh credential lifetime. Call after Validate.
func (c *Config) RefreshTTL() time.Duration {
	d, _ := ParseDuration(c.Credentials.RefreshTTL)
	return d
}

// Timeouts returns the parsed server read, write and idle timeouts.
func (c *Config) Timeouts() (read, write, idle time.Duration) {
	read, _ = ParseDuration(c.Server.ReadTimeout)
	write, _ = ParseDuration(c.Server.WriteTimeout)
	idle, _ = ParseDuration(c.Server.IdleTimeout)
	return read, write, idle
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d" suffix.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
