package server

import (
	"strings"
	"testing"
	"time"
)

func newTestTokenService(t *testing.T, cfg TokenConfig) *TokenService {
	t.Helper()
	jwks, err := NewJWKSManager(KeyConfig{}, testLogger())
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	return NewTokenService(jwks, "http://127.0.0.1:8080", cfg)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{AccessTTL: "5m"})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid", "reports.read"})

	signed, ttl, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl != 5*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	claims, err := svc.Validate(signed)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "u-alice" {
		t.Fatalf("sub = %q", claims.Subject)
	}
	if claims.Scope != "openid reports.read" {
		t.Fatalf("scope = %q", claims.Scope)
	}
	if claims.TokenUse != TokenUseAccess {
		t.Fatalf("token_use = %q", claims.TokenUse)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid"})

	signed, _, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("not a JWT: %q", signed)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := svc.Validate(tampered); err == nil {
		t.Fatal("tampered token accepted")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{AccessTTL: "-1m"})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid"})

	signed, _, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Validate(signed); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestValidateRejectsForeignIssuer(t *testing.T) {
	other := newTestTokenService(t, TokenConfig{})
	jwks, err := NewJWKSManager(KeyConfig{}, testLogger())
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	mine := NewTokenService(jwks, "http://127.0.0.1:8080", TokenConfig{})

	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid"})
	signed, _, err := other.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Different key set entirely: signature check fails.
	if _, err := mine.Validate(signed); err == nil {
		t.Fatal("foreign token accepted")
	}
}

func TestRefreshTokenNotValidAsAccess(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid", "offline_access"})

	refresh, err := svc.IssueRefresh(p, "api", "authz-1")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := svc.Validate(refresh); err == nil {
		t.Fatal("refresh token accepted as access token")
	}

	claims, err := svc.ValidateRefresh(refresh)
	if err != nil {
		t.Fatalf("validate refresh: %v", err)
	}
	if claims.Scope != "openid offline_access" {
		t.Fatalf("scope = %q", claims.Scope)
	}
	if claims.AuthorizationID != "authz-1" {
		t.Fatalf("authz_id = %q", claims.AuthorizationID)
	}
}

func TestIdentityTokenOnlyForOpenID(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{})

	p := BuildUserPrincipal(testUser(), "webapp", []string{"profile"})
	signed, err := svc.IssueIdentity(p, "webapp", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if signed != "" {
		t.Fatal("identity token issued without openid scope")
	}

	p = BuildUserPrincipal(testUser(), "webapp", []string{"openid"})
	signed, err = svc.IssueIdentity(p, "webapp", "n-42")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if signed == "" {
		t.Fatal("no identity token with openid scope")
	}
}

func TestIntrospect(t *testing.T) {
	svc := newTestTokenService(t, TokenConfig{})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid"})

	signed, _, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	info := svc.Introspect(signed)
	if !info.Active {
		t.Fatal("live token introspects inactive")
	}
	if info.Subject != "u-alice" || info.ClientID != "webapp" {
		t.Fatalf("introspection = %+v", info)
	}
	if info.Exp == 0 || info.Iat == 0 {
		t.Fatalf("missing timestamps: %+v", info)
	}

	if got := svc.Introspect("not-a-token"); got.Active {
		t.Fatal("garbage introspects active")
	}
	if got := svc.Introspect(""); got.Active {
		t.Fatal("empty introspects active")
	}
}

func TestKeyRotationKeepsOldTokensValid(t *testing.T) {
	jwks, err := NewJWKSManager(KeyConfig{}, testLogger())
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	svc := NewTokenService(jwks, "http://127.0.0.1:8080", TokenConfig{})
	p := BuildUserPrincipal(testUser(), "webapp", []string{"openid"})

	before, _, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := jwks.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := svc.Validate(before); err != nil {
		t.Fatalf("pre-rotation token rejected: %v", err)
	}

	after, _, err := svc.IssueAccess(p, "api")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Validate(after); err != nil {
		t.Fatalf("post-rotation token rejected: %v", err)
	}
}
