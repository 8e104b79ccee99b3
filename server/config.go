package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL     = 10 * time.Minute
	DefaultIdentityTTL   = 10 * time.Minute
	DefaultRefreshTTL    = 24 * time.Hour
	DefaultSessionTTL    = 12 * time.Hour
	DefaultCodeTTL       = 5 * time.Minute
	DefaultLookupTimeout = 2 * time.Second
	DefaultRotateRefresh = true
)

// Config captures the full application configuration loaded from YAML and
// environment variables. Durations are YAML strings parsed with
// time.ParseDuration ("10m", "720h").
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Tokens  TokenConfig    `yaml:"tokens"`
	Keys    KeyConfig      `yaml:"keys"`
	Clients []ClientConfig `yaml:"clients"`
	Scopes  ScopeConfig    `yaml:"scopes"`
	Users   []UserConfig   `yaml:"users"`
	Storage StorageConfig  `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SessionTTL      string    `yaml:"session_ttl"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// TokenConfig controls token lifetimes and audience defaults.
type TokenConfig struct {
	AccessTTL     string `yaml:"access_ttl"`
	IdentityTTL   string `yaml:"identity_ttl"`
	RefreshTTL    string `yaml:"refresh_ttl"`
	CodeTTL       string `yaml:"code_ttl"`
	RotateRefresh *bool  `yaml:"rotate_refresh"`
	Audience      string `yaml:"audience"`
	LookupTimeout string `yaml:"lookup_timeout"`
}

// KeyConfig controls the signing key store.
type KeyConfig struct {
	JWKSPath       string `yaml:"jwks_path"`
	RotateInterval string `yaml:"rotate_interval"`
}

// ClientConfig describes a registered OAuth client.
//
// Confidential clients carry a secret hash (bcrypt) or, for dev setups, a
// plaintext secret. Public clients carry neither and must use PKCE.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	SecretHash   string   `yaml:"secret_hash"`
	Secret       string   `yaml:"secret"`
	Type         string   `yaml:"type"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Audiences    []string `yaml:"audiences"`
}

// ScopeConfig maps roles to scopes and declares the defaults granted to every
// authenticated user. Additional registers scope names that belong to the
// system without being grantable through defaults or roles.
type ScopeConfig struct {
	Default    []string            `yaml:"default"`
	Roles      map[string][]string `yaml:"roles"`
	Additional []string            `yaml:"additional"`
}

// UserConfig seeds the static identity directory (dev and test deployments).
type UserConfig struct {
	ID           string     `yaml:"id"`
	Email        string     `yaml:"email"`
	Name         string     `yaml:"name"`
	PasswordHash string     `yaml:"password_hash"`
	Roles        []string   `yaml:"roles"`
	Active       *bool      `yaml:"active"`
	LockoutUntil *time.Time `yaml:"lockout_until"`
}

// StorageConfig selects the backing store for users and authorizations.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
	DSN    string `yaml:"dsn"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			slog.Error("failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			ListenAddr:      "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
		},
		Keys: KeyConfig{
			JWKSPath: ".secrets/jwks.json",
		},
		Scopes: ScopeConfig{
			Default: []string{"openid", "profile", "email", "offline_access"},
		},
		Storage: StorageConfig{Driver: "memory"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":  func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_LISTEN_ADDR": func(v string) { cfg.Server.ListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":    func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_TOKENS_ACCESS_TTL":  func(v string) { cfg.Tokens.AccessTTL = v },
		"AUTHD_TOKENS_REFRESH_TTL": func(v string) { cfg.Tokens.RefreshTTL = v },
		"AUTHD_TOKENS_AUDIENCE":    func(v string) { cfg.Tokens.Audience = v },
		"AUTHD_KEYS_JWKS_PATH":     func(v string) { cfg.Keys.JWKSPath = v },
		"AUTHD_STORAGE_DRIVER":     func(v string) { cfg.Storage.Driver = v },
		"AUTHD_STORAGE_DSN":        func(v string) { cfg.Storage.DSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Duration accessors with defaults applied.

func (t TokenConfig) AccessDuration() time.Duration   { return parseDuration(t.AccessTTL, DefaultAccessTTL) }
func (t TokenConfig) IdentityDuration() time.Duration { return parseDuration(t.IdentityTTL, DefaultIdentityTTL) }
func (t TokenConfig) RefreshDuration() time.Duration  { return parseDuration(t.RefreshTTL, DefaultRefreshTTL) }
func (t TokenConfig) CodeDuration() time.Duration     { return parseDuration(t.CodeTTL, DefaultCodeTTL) }
func (t TokenConfig) LookupDuration() time.Duration {
	return parseDuration(t.LookupTimeout, DefaultLookupTimeout)
}

func (t TokenConfig) Rotate() bool {
	if t.RotateRefresh == nil {
		return DefaultRotateRefresh
	}
	return *t.RotateRefresh
}

func (s ServerConfig) SessionDuration() time.Duration {
	return parseDuration(s.SessionTTL, DefaultSessionTTL)
}

func (k KeyConfig) RotateDuration() time.Duration { return parseDuration(k.RotateInterval, 0) }

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	for _, field := range []struct{ name, val string }{
		{"tokens.access_ttl", c.Tokens.AccessTTL},
		{"tokens.identity_ttl", c.Tokens.IdentityTTL},
		{"tokens.refresh_ttl", c.Tokens.RefreshTTL},
		{"tokens.code_ttl", c.Tokens.CodeTTL},
		{"tokens.lookup_timeout", c.Tokens.LookupTimeout},
		{"server.session_ttl", c.Server.SessionTTL},
		{"keys.rotate_interval", c.Keys.RotateInterval},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field.name, field.val)
		}
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		switch client.Type {
		case "", "confidential", "public":
		default:
			return fmt.Errorf("clients[%d] (%s): type must be 'confidential' or 'public'", i, client.ClientID)
		}
		if client.Type == "public" && (client.SecretHash != "" || client.Secret != "") {
			return fmt.Errorf("clients[%d] (%s): public clients must not carry a secret", i, client.ClientID)
		}
		for _, gt := range client.GrantTypes {
			switch gt {
			case GrantPassword, GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken:
			default:
				return fmt.Errorf("clients[%d] (%s): unknown grant type %q", i, client.ClientID, gt)
			}
		}
		if containsString(client.GrantTypes, GrantAuthorizationCode) && len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): authorization_code clients need at least one redirect_uri", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must be an http(s) URL, got: %s", i, client.ClientID, j, uri)
			}
		}
		for _, sc := range client.Scopes {
			if !ValidScopeName(sc) {
				return fmt.Errorf("clients[%d] (%s): invalid scope name %q", i, client.ClientID, sc)
			}
		}
	}

	for _, sc := range c.Scopes.Default {
		if !ValidScopeName(sc) {
			return fmt.Errorf("scopes.default: invalid scope name %q", sc)
		}
	}
	for role, scopes := range c.Scopes.Roles {
		for _, sc := range scopes {
			if !ValidScopeName(sc) {
				return fmt.Errorf("scopes.roles[%s]: invalid scope name %q", role, sc)
			}
		}
	}
	for _, sc := range c.Scopes.Additional {
		if !ValidScopeName(sc) {
			return fmt.Errorf("scopes.additional: invalid scope name %q", sc)
		}
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Email == "" {
			return fmt.Errorf("users[%d]: email is required", i)
		}
		if seen[u.Email] {
			return fmt.Errorf("users[%d]: duplicate email %s", i, u.Email)
		}
		seen[u.Email] = true
	}

	switch c.Storage.Driver {
	case "", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'postgres', got: %s", c.Storage.Driver)
	}

	return nil
}

// WriteFile marshals the config to disk.
func (c Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
