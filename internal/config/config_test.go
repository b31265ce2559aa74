package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("CINETENANT_PG_DSN", "postgres://localhost/cinetenant")
	t.Setenv("CINETENANT_TOKEN_SECRET", testSecret)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Tenancy.Prefix != "app" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Fatalf("access ttl=%s", cfg.AccessTTL())
	}
	if cfg.RefreshTTL() != 14*24*time.Hour {
		t.Fatalf("refresh ttl=%s", cfg.RefreshTTL())
	}
	if cfg.Revocation.FailClosed {
		t.Fatalf("revocation should fail open by default")
	}
	if !cfg.NeedsRedis() {
		t.Fatalf("default backends use redis")
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinetenant.yaml")
	content := `environment: prod
database:
  dsn: postgres://db/cinetenant
credentials:
  key_id: k2
  secret: ` + testSecret + `
  access_ttl: 10m
  retired_keys:
    - key_id: k1
      secret: ` + testSecret + `
revocation:
  backend: memory
principal_cache:
  backend: local
  size: 500
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CINETENANT_ACCESS_TTL", "5m")
	t.Setenv("CINETENANT_REVOCATION_FAIL_CLOSED", "true")
	t.Setenv("CINETENANT_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "prod" || cfg.Credentials.KeyID != "k2" || len(cfg.Credentials.RetiredKeys) != 1 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.AccessTTL() != 5*time.Minute {
		t.Fatalf("env override not applied, access ttl=%s", cfg.AccessTTL())
	}
	if !cfg.Revocation.FailClosed {
		t.Fatalf("fail_closed override not applied")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.Server.AllowedOrigins)
	}
	if cfg.NeedsRedis() {
		t.Fatalf("memory and local backends do not need redis")
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Database.DSN = "postgres://localhost/cinetenant"
		cfg.Credentials.Secret = testSecret
		return cfg
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"secret":      func(c *Config) { c.Credentials.Secret = "short" },
		"dsn":         func(c *Config) { c.Database.DSN = "" },
		"access_ttl":  func(c *Config) { c.Credentials.AccessTTL = "0s" },
		"refresh_ttl": func(c *Config) { c.Credentials.RefreshTTL = "soon" },
		"environment": func(c *Config) { c.Environment = "qa" },
		"revocation":  func(c *Config) { c.Revocation.Backend = "etcd" },
		"cache size": func(c *Config) {
			c.PrincipalCache.Backend = "local"
			c.PrincipalCache.Size = 0
		},
		"retired key": func(c *Config) { c.Credentials.RetiredKeys = []RetiredKey{{KeyID: "old"}} },
		"timeout":     func(c *Config) { c.Server.ReadTimeout = "fast" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadReportsBadEnv(t *testing.T) {
	t.Setenv("CINETENANT_REDIS_DB", "zero")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "REDIS_DB") {
		t.Fatalf("expected REDIS_DB error, got %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90s": 90 * time.Second,
		"2d":  48 * time.Hour,
		"1h":  time.Hour,
	}
	for raw, want := range cases {
		got, err := ParseDuration(raw)
		if err != nil || got != want {
			t.Fatalf("%s: got %s err=%v", raw, got, err)
		}
	}
	if _, err := ParseDuration("xd"); err == nil {
		t.Fatalf("expected error for xd")
	}
}
