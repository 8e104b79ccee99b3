package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"
)

// TokenRequest carries the parsed form parameters of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// password grant
	Username string
	Password string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string

	Scope string
}

// TokenResponse is the successful token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// GrantService authenticates clients and dispatches token requests to the
// per-grant handlers.
type GrantService struct {
	registry      *Registry
	directory     Directory
	authz         AuthorizationStore
	codes         *CodeStore
	tokens        *TokenService
	logger        *slog.Logger
	lookupTimeout time.Duration
	rotateRefresh bool
	defaultAud    string
}

// NewGrantService wires the grant dispatcher.
func NewGrantService(registry *Registry, directory Directory, authz AuthorizationStore, codes *CodeStore, tokens *TokenService, cfg TokenConfig, logger *slog.Logger) *GrantService {
	return &GrantService{
		registry:      registry,
		directory:     directory,
		authz:         authz,
		codes:         codes,
		tokens:        tokens,
		logger:        logger,
		lookupTimeout: cfg.LookupDuration(),
		rotateRefresh: cfg.Rotate(),
		defaultAud:    cfg.Audience,
	}
}

// Exchange runs one token request: authenticate the client, check the grant
// is allowed, then hand off to the grant handler. Client authentication
// failures always come first, before any grant-specific validation.
func (g *GrantService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.GrantType == "" || req.ClientID == "" {
		return nil, ErrInvalidRequest
	}

	client, ok := g.registry.GetClient(req.ClientID)
	if !ok {
		g.logger.Warn("token request for unknown client", "client_id", req.ClientID)
		return nil, ErrInvalidClient
	}
	if !g.registry.ValidateSecret(client, req.ClientSecret) {
		g.logger.Warn("client authentication failed", "client_id", req.ClientID)
		return nil, ErrInvalidClient
	}

	switch req.GrantType {
	case GrantPassword, GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken:
	default:
		return nil, ErrUnsupportedGrantType
	}
	if !client.AllowsGrant(req.GrantType) {
		return nil, ErrUnauthorizedClient
	}

	var (
		resp *TokenResponse
		oerr *OAuthError
	)
	switch req.GrantType {
	case GrantPassword:
		resp, oerr = g.passwordGrant(ctx, client, req)
	case GrantClientCredentials:
		resp, oerr = g.clientCredentialsGrant(client, req)
	case GrantAuthorizationCode:
		resp, oerr = g.authorizationCodeGrant(ctx, client, req)
	case GrantRefreshToken:
		resp, oerr = g.refreshGrant(ctx, client, req)
	}
	if oerr != nil {
		g.logger.Info("token request denied",
			"grant_type", req.GrantType, "client_id", req.ClientID, "error", oerr.Code)
		return nil, oerr
	}
	g.logger.Info("token issued",
		"grant_type", req.GrantType, "client_id", req.ClientID, "scope", resp.Scope)
	return resp, nil
}

// rejectUnknownScopes returns invalid_scope when any requested scope is not
// registered anywhere in the system. Known scopes the subject cannot have are
// not an error here; the resolver drops them.
func (g *GrantService) rejectUnknownScopes(requested []string) *OAuthError {
	for _, sc := range requested {
		if !g.registry.KnownScope(sc) {
			return ErrInvalidScope
		}
	}
	return nil
}

func (g *GrantService) passwordGrant(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest
	}
	requested := SplitScopes(req.Scope)
	if oerr := g.rejectUnknownScopes(requested); oerr != nil {
		return nil, oerr
	}

	user, err := lookupUser(ctx, g.lookupTimeout, func(lctx context.Context) (*User, error) {
		return g.directory.FindByEmail(lctx, req.Username)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		g.logger.Error("directory lookup timed out", "client_id", client.ClientID)
		return nil, ErrServiceUnavailable
	}
	// Unknown user and wrong password must be indistinguishable, so the
	// password check runs into the same error either way.
	if err != nil || !g.directory.CheckPassword(ctx, user, req.Password) {
		return nil, ErrInvalidGrant
	}
	if !g.directory.IsUsable(user) {
		return nil, ErrAccountDisabled
	}

	available := g.registry.AvailableUserScopes(user.Roles)
	granted := ResolveScopes(requested, available)

	return g.issueForUser(ctx, client, user, granted, "")
}

func (g *GrantService) clientCredentialsGrant(client *Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if client.Public {
		return nil, ErrUnauthorizedClient
	}
	requested := SplitScopes(req.Scope)
	if oerr := g.rejectUnknownScopes(requested); oerr != nil {
		return nil, oerr
	}
	granted := g.registry.AllowedScopesForClient(client, requested)

	principal := BuildClientPrincipal(client, granted)
	audience := client.ResolveAudience(g.defaultAud)

	access, ttl, err := g.tokens.IssueAccess(principal, audience)
	if err != nil {
		g.logger.Error("access token signing failed", "error", err)
		return nil, ErrServerError
	}
	// Machine clients get no refresh and no identity token.
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       JoinScopes(granted),
	}, nil
}

func (g *GrantService) authorizationCodeGrant(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.Code == "" {
		return nil, ErrInvalidRequest
	}
	code, ok := g.codes.Consume(req.Code)
	if !ok {
		return nil, invalidGrant("authorization code is invalid or expired")
	}
	if code.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if code.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant("redirect_uri mismatch")
	}
	if client.Public || code.CodeChallenge != "" {
		if !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
			return nil, invalidGrant("PKCE verification failed")
		}
	}

	user, err := lookupUser(ctx, g.lookupTimeout, func(lctx context.Context) (*User, error) {
		return g.directory.FindByID(lctx, code.Subject)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrServiceUnavailable
	}
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if !g.directory.IsUsable(user) {
		return nil, ErrAccountDisabled
	}

	// Scopes were resolved at authorize time; re-intersect with the current
	// availability so revoked roles take effect at exchange.
	granted := IntersectScopes(code.Scopes, g.registry.AvailableUserScopes(user.Roles))

	return g.issueForUser(ctx, client, user, granted, code.Nonce)
}

func (g *GrantService) refreshGrant(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest
	}
	claims, err := g.tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		return nil, invalidGrant("refresh token is invalid or expired")
	}
	if claims.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}

	requested := SplitScopes(req.Scope)
	if oerr := g.rejectUnknownScopes(requested); oerr != nil {
		return nil, oerr
	}

	user, lerr := lookupUser(ctx, g.lookupTimeout, func(lctx context.Context) (*User, error) {
		return g.directory.FindByID(lctx, claims.Subject)
	})
	if errors.Is(lerr, context.DeadlineExceeded) {
		return nil, ErrServiceUnavailable
	}
	if lerr != nil {
		return nil, ErrInvalidGrant
	}
	if !g.directory.IsUsable(user) {
		return nil, ErrAccountDisabled
	}

	// Monotonic: the new grant never exceeds the original scope set, and
	// scopes the user has since lost are dropped.
	original := SplitScopes(claims.Scope)
	narrowed := original
	if len(requested) > 0 {
		narrowed = IntersectScopes(requested, original)
	}
	granted := IntersectScopes(narrowed, g.registry.AvailableUserScopes(user.Roles))

	principal := BuildUserPrincipal(user, client.ClientID, granted)
	audience := client.ResolveAudience(g.defaultAud)

	access, ttl, serr := g.tokens.IssueAccess(principal, audience)
	if serr != nil {
		g.logger.Error("access token signing failed", "error", serr)
		return nil, ErrServerError
	}
	identity, serr := g.tokens.IssueIdentity(principal, client.ClientID, "")
	if serr != nil {
		g.logger.Error("identity token signing failed", "error", serr)
		return nil, ErrServerError
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		IDToken:     identity,
		Scope:       JoinScopes(granted),
	}
	if g.rotateRefresh {
		// The rotated token keeps the original scope set, so a client that
		// narrowed once can still request anything within the original grant.
		carrier := principal
		carrier.Scopes = IntersectScopes(original, g.registry.AvailableUserScopes(user.Roles))
		refresh, rerr := g.tokens.IssueRefresh(carrier, audience, claims.AuthorizationID)
		if rerr != nil {
			g.logger.Error("refresh token signing failed", "error", rerr)
			return nil, ErrServerError
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// issueForUser persists the authorization record and signs the token set for
// a user subject.
func (g *GrantService) issueForUser(ctx context.Context, client *Client, user *User, granted []string, nonce string) (*TokenResponse, *OAuthError) {
	authz, err := g.authz.FindOrCreate(ctx, user.ID, client.ClientID, granted)
	if err != nil {
		g.logger.Error("authorization store failed", "error", err)
		return nil, ErrServerError
	}

	principal := BuildUserPrincipal(user, client.ClientID, granted)
	audience := client.ResolveAudience(g.defaultAud)

	access, ttl, err := g.tokens.IssueAccess(principal, audience)
	if err != nil {
		g.logger.Error("access token signing failed", "error", err)
		return nil, ErrServerError
	}
	identity, err := g.tokens.IssueIdentity(principal, client.ClientID, nonce)
	if err != nil {
		g.logger.Error("identity token signing failed", "error", err)
		return nil, ErrServerError
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		IDToken:     identity,
		Scope:       JoinScopes(granted),
	}
	if principal.HasScope("offline_access") && client.AllowsGrant(GrantRefreshToken) {
		refresh, err := g.tokens.IssueRefresh(principal, audience, authz.ID)
		if err != nil {
			g.logger.Error("refresh token signing failed", "error", err)
			return nil, ErrServerError
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// verifyPKCE checks an S256 code challenge against the presented verifier.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
