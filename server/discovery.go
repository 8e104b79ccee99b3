package server

import "strings"

// DiscoveryDocument is the OIDC provider metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
}

// BuildDiscoveryDocument assembles provider metadata. The scope list comes
// from the live registry snapshot.
func BuildDiscoveryDocument(cfg Config, registry *Registry) DiscoveryDocument {
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")

	var scopes []string
	for _, group := range registry.ScopesByResource() {
		scopes = append(scopes, group...)
	}

	return DiscoveryDocument{
		Issuer:                           base,
		AuthorizationEndpoint:            base + "/connect/authorize",
		TokenEndpoint:                    base + "/connect/token",
		UserInfoEndpoint:                 base + "/connect/userinfo",
		IntrospectionEndpoint:            base + "/connect/introspect",
		JWKSURI:                          base + "/.well-known/jwks.json",
		EndSessionEndpoint:               base + "/connect/logout",
		ScopesSupported:                  scopes,
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{GrantPassword, GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethods:         []string{"client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported:    []string{"S256"},
	}
}
