// Package client verifies access tokens issued by the token service. Resource
// servers embed it instead of re-implementing JWKS discovery and validation.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ValidatorConfig configures the token validator. Issuer is required; the
// JWKS endpoint is found through OIDC discovery.
type ValidatorConfig struct {
	Issuer            string
	ExpectedAudiences []string
	HTTPClient        *http.Client
	IntrospectionURL  string
	IntrospectionAuth string
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Validator verifies service-signed JWT access tokens via the issuer's
// published JWKS.
type Validator struct {
	cfg      ValidatorConfig
	client   *http.Client
	verifier *oidc.IDTokenVerifier
}

// NewValidator discovers the issuer and builds the verifier. Audience is
// checked against ExpectedAudiences manually since access tokens carry
// per-client audiences.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, client)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer: %w", err)
	}
	verifier := provider.VerifierContext(ctx, &oidc.Config{
		SkipClientIDCheck:    true,
		SupportedSigningAlgs: []string{oidc.RS256},
	})
	return &Validator{cfg: cfg, client: client, verifier: verifier}, nil
}

type rawClaims struct {
	Scope    string   `json:"scope"`
	ClientID string   `json:"client_id"`
	Roles    []string `json:"roles"`
	TokenUse string   `json:"token_use"`
	JTI      string   `json:"jti"`
}

// Validate checks signature, issuer, expiry, audience, and that the token is
// an access token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	var raw rawClaims
	if err := tok.Claims(&raw); err != nil {
		return nil, err
	}
	if raw.TokenUse != "access" {
		return nil, errors.New("not an access token")
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audienceAllowed(tok.Audience, v.cfg.ExpectedAudiences) {
		return nil, errors.New("audience rejected")
	}

	return &Claims{
		Subject:   tok.Subject,
		Issuer:    tok.Issuer,
		Audiences: tok.Audience,
		Scopes:    strings.Fields(raw.Scope),
		ClientID:  raw.ClientID,
		Roles:     raw.Roles,
		TokenID:   raw.JTI,
		ExpiresAt: tok.Expiry,
		IssuedAt:  tok.IssuedAt,
	}, nil
}

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	have := make(map[string]struct{}, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

type claimsKey struct{}

// RequireAuth middleware validates bearer tokens and injects claims into the
// request context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Introspect calls the issuer's introspection endpoint. Useful when a caller
// wants the authoritative answer rather than local validation.
func (v *Validator) Introspect(ctx context.Context, token string) (map[string]any, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}
	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.IntrospectionAuth != "" {
		req.Header.Set("Authorization", v.cfg.IntrospectionAuth)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: %s", resp.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, e := range expected {
			if a == e {
				return true
			}
		}
	}
	return false
}
