package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// Supported grant types.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client records registered OAuth client metadata. Immutable after load.
type Client struct {
	ClientID     string
	SecretHash   string
	Public       bool
	GrantTypes   []string
	Scopes       []string
	RedirectURIs []string
	Audiences    []string
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if strings.EqualFold(g, grantType) {
			return true
		}
	}
	return false
}

// ValidRedirect ensures the redirect URI is registered exactly.
func (c *Client) ValidRedirect(uri string) bool {
	if uri == "" {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ResolveAudience picks the token audience with fallback.
func (c *Client) ResolveAudience(defaultAud string) string {
	if len(c.Audiences) > 0 {
		return c.Audiences[0]
	}
	if defaultAud != "" {
		return defaultAud
	}
	return c.ClientID
}

// registrySnapshot is the immutable view swapped atomically on reload, so
// concurrent readers never need a lock.
type registrySnapshot struct {
	clients       map[string]*Client
	defaultScopes []string
	roleScopes    map[string][]string
	known         map[string]struct{}
}

// Registry is the read-only client and scope registry. Loaded once at startup
// from configuration; Reload replaces the whole snapshot.
type Registry struct {
	snap atomic.Pointer[registrySnapshot]
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfg Config) (*Registry, error) {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r, nil
}

// Reload atomically swaps in a snapshot built from the new configuration.
// In-flight requests keep reading the old snapshot.
func (r *Registry) Reload(cfg Config) error {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

func buildSnapshot(cfg Config) (*registrySnapshot, error) {
	clients := make(map[string]*Client, len(cfg.Clients))
	known := make(map[string]struct{})

	for _, cc := range cfg.Clients {
		if cc.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cc.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %s", cc.ClientID)
		}
		secretHash := cc.SecretHash
		if secretHash == "" {
			secretHash = cc.Secret
		}
		client := &Client{
			ClientID:     cc.ClientID,
			SecretHash:   secretHash,
			Public:       cc.Type == "public" || secretHash == "",
			GrantTypes:   append([]string(nil), cc.GrantTypes...),
			Scopes:       append([]string(nil), cc.Scopes...),
			RedirectURIs: append([]string(nil), cc.RedirectURIs...),
			Audiences:    append([]string(nil), cc.Audiences...),
		}
		clients[cc.ClientID] = client
		for _, sc := range client.Scopes {
			known[sc] = struct{}{}
		}
	}

	roleScopes := make(map[string][]string, len(cfg.Scopes.Roles))
	for role, scopes := range cfg.Scopes.Roles {
		roleScopes[role] = append([]string(nil), scopes...)
		for _, sc := range scopes {
			known[sc] = struct{}{}
		}
	}
	for _, sc := range cfg.Scopes.Default {
		known[sc] = struct{}{}
	}
	for _, sc := range cfg.Scopes.Additional {
		known[sc] = struct{}{}
	}

	return &registrySnapshot{
		clients:       clients,
		defaultScopes: append([]string(nil), cfg.Scopes.Default...),
		roleScopes:    roleScopes,
		known:         known,
	}, nil
}

// GetClient retrieves a client definition.
func (r *Registry) GetClient(id string) (*Client, bool) {
	client, ok := r.snap.Load().clients[id]
	return client, ok
}

// ValidateSecret checks the presented secret against the stored hash. Public
// clients always pass; they authenticate via PKCE instead. Stored values
// starting with a bcrypt prefix are compared as hashes, anything else in
// constant time (dev configs carry plaintext secrets).
func (r *Registry) ValidateSecret(client *Client, secret string) bool {
	if client.Public {
		return true
	}
	if client.SecretHash == "" {
		return false
	}
	if strings.HasPrefix(client.SecretHash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(client.SecretHash), []byte(secret)) == 1
}

// AllowedScopesForClient intersects the requested scopes with the client's
// allow-list, preserving request order and deduplicating. An empty request
// grants the full allow-list.
func (r *Registry) AllowedScopesForClient(client *Client, requested []string) []string {
	return ResolveScopes(requested, client.Scopes)
}

// RoleScopes returns the scopes mapped to a role.
func (r *Registry) RoleScopes(role string) []string {
	return r.snap.Load().roleScopes[role]
}

// DefaultScopes returns the scopes granted to every authenticated user.
func (r *Registry) DefaultScopes() []string {
	return r.snap.Load().defaultScopes
}

// KnownScope reports whether the scope name is registered anywhere in the
// system. Unknown scopes surface as invalid_scope; known-but-unavailable
// scopes are silently dropped by the resolver.
func (r *Registry) KnownScope(scope string) bool {
	_, ok := r.snap.Load().known[scope]
	return ok
}

// AvailableUserScopes computes the scope universe for a user subject: the
// defaults plus the union of the user's role scopes.
func (r *Registry) AvailableUserScopes(roles []string) []string {
	snap := r.snap.Load()
	lists := make([][]string, 0, len(roles)+1)
	lists = append(lists, snap.defaultScopes)
	for _, role := range roles {
		if scopes, ok := snap.roleScopes[role]; ok {
			lists = append(lists, scopes)
		}
	}
	return UnionScopes(lists...)
}

// ScopesByResource is a read-only reporting view grouping every known scope by
// its resource prefix (the part before the first dot or colon). It is derived
// from the same snapshot the resolver uses, not a second source of truth.
func (r *Registry) ScopesByResource() map[string][]string {
	snap := r.snap.Load()
	out := make(map[string][]string)
	for sc := range snap.known {
		prefix := sc
		if idx := strings.IndexAny(sc, ".:"); idx > 0 {
			prefix = sc[:idx]
		}
		out[prefix] = append(out[prefix], sc)
	}
	for _, scopes := range out {
		sort.Strings(scopes)
	}
	return out
}
