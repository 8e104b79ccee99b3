package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: http://127.0.0.1:9000
  dev_mode: true
tokens:
  access_ttl: 15m
  refresh_ttl: 48h
  rotate_refresh: false
clients:
  - client_id: webapp
    secret: dev-secret
    grant_types: [password, refresh_token]
scopes:
  default: [openid, email]
  roles:
    admin: [users.manage]
users:
  - email: alice@example.com
    roles: [admin]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9000" {
		t.Fatalf("public_url = %q", cfg.Server.PublicURL)
	}
	if got := cfg.Tokens.AccessDuration(); got != 15*time.Minute {
		t.Fatalf("access ttl = %v", got)
	}
	if got := cfg.Tokens.RefreshDuration(); got != 48*time.Hour {
		t.Fatalf("refresh ttl = %v", got)
	}
	if cfg.Tokens.Rotate() {
		t.Fatal("rotate_refresh=false ignored")
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "webapp" {
		t.Fatalf("clients = %+v", cfg.Clients)
	}
}

func TestDurationDefaults(t *testing.T) {
	var tc TokenConfig
	if tc.AccessDuration() != DefaultAccessTTL {
		t.Fatalf("access = %v", tc.AccessDuration())
	}
	if tc.RefreshDuration() != DefaultRefreshTTL {
		t.Fatalf("refresh = %v", tc.RefreshDuration())
	}
	if tc.CodeDuration() != DefaultCodeTTL {
		t.Fatalf("code = %v", tc.CodeDuration())
	}
	if tc.LookupDuration() != DefaultLookupTimeout {
		t.Fatalf("lookup = %v", tc.LookupDuration())
	}
	if !tc.Rotate() {
		t.Fatal("rotation should default on")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: http://127.0.0.1:9000
  dev_mode: true
`)
	t.Setenv("AUTHD_SERVER_PUBLIC_URL", "http://10.0.0.1:9999")
	t.Setenv("AUTHD_TOKENS_ACCESS_TTL", "1m")
	t.Setenv("AUTHD_STORAGE_DRIVER", "memory")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "http://10.0.0.1:9999" {
		t.Fatalf("public_url = %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.AccessDuration() != time.Minute {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessDuration())
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Server.DevMode = true
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public_url", func(c *Config) { c.Server.PublicURL = "" }},
		{"bad public_url scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }},
		{"bad duration", func(c *Config) { c.Tokens.AccessTTL = "ten minutes" }},
		{"client without id", func(c *Config) { c.Clients = []ClientConfig{{Secret: "x"}} }},
		{"public client with secret", func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "x", Type: "public", Secret: "boom"}}
		}},
		{"unknown grant type", func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "x", GrantTypes: []string{"implicit"}}}
		}},
		{"code client without redirect", func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "x", GrantTypes: []string{"authorization_code"}}}
		}},
		{"bad scope name", func(c *Config) { c.Scopes.Default = []string{"Not Valid"} }},
		{"duplicate user email", func(c *Config) {
			c.Users = []UserConfig{{Email: "a@b.c"}, {Email: "a@b.c"}}
		}},
		{"postgres without dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }},
		{"unknown storage driver", func(c *Config) { c.Storage = StorageConfig{Driver: "redis"} }},
		{"prod without tls domains", func(c *Config) { c.Server.DevMode = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://example.internal:8080"
	if err := cfg.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.PublicURL != cfg.Server.PublicURL {
		t.Fatalf("public_url = %q", loaded.Server.PublicURL)
	}
}
