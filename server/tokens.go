package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token use markers carried in the token_use claim.
const (
	TokenUseAccess   = "access"
	TokenUseIdentity = "id"
	TokenUseRefresh  = "refresh"
)

// AccessClaims is the validated view of an access token.
type AccessClaims struct {
	Scope    string   `json:"scope"`
	ClientID string   `json:"client_id"`
	Roles    []string `json:"roles,omitempty"`
	TokenUse string   `json:"token_use"`
	jwt.RegisteredClaims
}

// RefreshClaims is the validated view of a refresh token. Refresh tokens are
// self-contained: the originally granted scopes ride in the scope claim, and
// the authorization id links back to the persisted record.
type RefreshClaims struct {
	Scope           string `json:"scope"`
	ClientID        string `json:"client_id"`
	AuthorizationID string `json:"authz_id,omitempty"`
	TokenUse        string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenService signs and validates the three token kinds. Expiry checks use
// zero leeway.
type TokenService struct {
	jwks   *JWKSManager
	issuer string
	cfg    TokenConfig
}

// NewTokenService builds the token service.
func NewTokenService(jwks *JWKSManager, issuer string, cfg TokenConfig) *TokenService {
	return &TokenService{jwks: jwks, issuer: issuer, cfg: cfg}
}

func (s *TokenService) baseClaims(subject, audience string, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": s.issuer,
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}
}

// IssueAccess signs an access token for the principal.
func (s *TokenService) IssueAccess(p Principal, audience string) (string, time.Duration, error) {
	ttl := s.cfg.AccessDuration()
	claims := s.baseClaims(p.Subject, audience, ttl)
	claims["token_use"] = TokenUseAccess
	for k, v := range p.AccessClaims() {
		claims[k] = v
	}
	signed, _, err := s.jwks.Sign(claims)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return signed, ttl, nil
}

// IssueIdentity signs an identity token for the principal, or returns empty
// when the principal carries no identity claims (no openid scope, or a
// machine client).
func (s *TokenService) IssueIdentity(p Principal, audience, nonce string) (string, error) {
	identity := p.IdentityClaims()
	if identity == nil {
		return "", nil
	}
	claims := s.baseClaims(p.Subject, audience, s.cfg.IdentityDuration())
	claims["token_use"] = TokenUseIdentity
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range identity {
		claims[k] = v
	}
	signed, _, err := s.jwks.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// IssueRefresh signs a refresh token carrying the originally granted scopes.
func (s *TokenService) IssueRefresh(p Principal, audience, authorizationID string) (string, error) {
	claims := s.baseClaims(p.Subject, audience, s.cfg.RefreshDuration())
	claims["token_use"] = TokenUseRefresh
	claims["scope"] = JoinScopes(p.Scopes)
	claims["client_id"] = p.ClientID
	if authorizationID != "" {
		claims["authz_id"] = authorizationID
	}
	signed, _, err := s.jwks.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

var errWrongTokenUse = errors.New("wrong token_use")

// Validate verifies an access token: signature, issuer, expiry, and the
// token_use marker. A refresh or identity token never passes.
func (s *TokenService) Validate(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != TokenUseAccess {
		return nil, errWrongTokenUse
	}
	return claims, nil
}

// ValidateRefresh verifies a refresh token.
func (s *TokenService) ValidateRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != TokenUseRefresh {
		return nil, errWrongTokenUse
	}
	return claims, nil
}

// Introspection is the RFC 7662 response body.
type Introspection struct {
	Active   bool     `json:"active"`
	Scope    string   `json:"scope,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Subject  string   `json:"sub,omitempty"`
	TokenUse string   `json:"token_use,omitempty"`
	Exp      int64    `json:"exp,omitempty"`
	Iat      int64    `json:"iat,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Introspect reports token state. Any validation failure collapses to
// active:false without detail.
func (s *TokenService) Introspect(tokenString string) Introspection {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return Introspection{Active: false}
	}
	out := Introspection{
		Active:   true,
		Scope:    claims.Scope,
		ClientID: claims.ClientID,
		Subject:  claims.Subject,
		TokenUse: claims.TokenUse,
		Roles:    claims.Roles,
	}
	if claims.ExpiresAt != nil {
		out.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.Iat = claims.IssuedAt.Unix()
	}
	return out
}
