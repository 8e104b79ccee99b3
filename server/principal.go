package server

// SubjectKind distinguishes user subjects from machine clients.
type SubjectKind string

const (
	SubjectUser   SubjectKind = "user"
	SubjectClient SubjectKind = "client"
)

// ClaimDestination routes a claim into the access token, the identity token,
// or both.
type ClaimDestination int

const (
	DestAccessToken ClaimDestination = 1 << iota
	DestIdentityToken
	DestBoth = DestAccessToken | DestIdentityToken
)

// claimDestinations routes the standard OIDC profile claims into the identity
// token only; authorization data rides on the access token.
var claimDestinations = map[string]ClaimDestination{
	"name":        DestIdentityToken,
	"email":       DestIdentityToken,
	"given_name":  DestIdentityToken,
	"family_name": DestIdentityToken,
	"roles":       DestBoth,
	"scope":       DestAccessToken,
	"client_id":   DestAccessToken,
}

// Principal is the resolved identity and claim set a token is built from.
// Immutable value; construct only through the builders below.
type Principal struct {
	Subject     string
	Kind        SubjectKind
	DisplayName string
	Email       string
	Roles       []string
	Scopes      []string
	ClientID    string
}

// BuildUserPrincipal assembles the principal for an end-user subject from
// current directory data and the granted scope set.
func BuildUserPrincipal(user *User, clientID string, grantedScopes []string) Principal {
	return Principal{
		Subject:     user.ID,
		Kind:        SubjectUser,
		DisplayName: user.Name,
		Email:       user.Email,
		Roles:       append([]string(nil), user.Roles...),
		Scopes:      append([]string(nil), grantedScopes...),
		ClientID:    clientID,
	}
}

// BuildClientPrincipal assembles the principal for a machine client. It never
// carries user claims; the subject is the client id.
func BuildClientPrincipal(client *Client, grantedScopes []string) Principal {
	return Principal{
		Subject:  client.ClientID,
		Kind:     SubjectClient,
		Scopes:   append([]string(nil), grantedScopes...),
		ClientID: client.ClientID,
	}
}

// HasScope reports whether the principal was granted the scope.
func (p Principal) HasScope(scope string) bool {
	return ContainsScope(p.Scopes, scope)
}

// AccessClaims returns the claims destined for the access token.
func (p Principal) AccessClaims() map[string]any {
	claims := map[string]any{
		"scope":     JoinScopes(p.Scopes),
		"client_id": p.ClientID,
	}
	if p.Kind == SubjectUser && len(p.Roles) > 0 {
		claims["roles"] = append([]string(nil), p.Roles...)
	}
	return claims
}

// IdentityClaims returns the claims destined for the identity token. Standard
// OIDC profile claims are mirrored only when the openid scope was granted and
// the subject is a user; everything else gets nil.
func (p Principal) IdentityClaims() map[string]any {
	if p.Kind != SubjectUser || !p.HasScope("openid") {
		return nil
	}
	claims := map[string]any{}
	if p.DisplayName != "" && destinedForIdentity("name") {
		claims["name"] = p.DisplayName
		if given, family, ok := splitDisplayName(p.DisplayName); ok {
			claims["given_name"] = given
			claims["family_name"] = family
		}
	}
	if p.Email != "" && p.HasScope("email") {
		claims["email"] = p.Email
	}
	if len(p.Roles) > 0 && p.HasScope("roles") {
		claims["roles"] = append([]string(nil), p.Roles...)
	}
	return claims
}

func destinedForIdentity(claim string) bool {
	dest, ok := claimDestinations[claim]
	return ok && dest&DestIdentityToken != 0
}

func splitDisplayName(name string) (given, family string, ok bool) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == ' ' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
