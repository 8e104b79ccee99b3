package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Registry  *Registry
	Directory Directory
	Authz     AuthorizationStore
	Codes     *CodeStore
	Sessions  *SessionStore
	Tokens    *TokenService
	JWKS      *JWKSManager
	Grants    *GrantService
	Metrics   *Metrics

	pool *pgxpool.Pool
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	tokens := NewTokenService(jwks, issuer, cfg.Tokens)

	var (
		directory Directory
		authz     AuthorizationStore
		pool      *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err = pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect storage: %w", err)
		}
		if err := EnsureAuthorizationSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		directory = NewPGDirectory(pool)
		authz = NewPGAuthorizationStore(pool)
	default:
		directory = NewStaticDirectory(cfg.Users)
		authz = NewMemoryAuthorizationStore()
	}

	codes := NewCodeStore(cfg.Tokens.CodeDuration())
	sessions := NewSessionStore(cfg.Server.SessionDuration(), cfg.Server.CookieDomain, !cfg.Server.DevMode)
	grants := NewGrantService(registry, directory, authz, codes, tokens, cfg.Tokens, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Directory: directory,
		Authz:     authz,
		Codes:     codes,
		Sessions:  sessions,
		Tokens:    tokens,
		JWKS:      jwks,
		Grants:    grants,
		Metrics:   NewMetrics(),
		pool:      pool,
	}, nil
}

// Close releases backing resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config, a.Registry))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleToken is the token endpoint. Client credentials come from the form
// body or HTTP Basic auth.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest)
		return
	}

	req := TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	resp, oerr := a.Grants.Exchange(r.Context(), req)
	if oerr != nil {
		a.Metrics.CountToken(req.GrantType, oerr.Code)
		writeOAuthError(w, oerr)
		return
	}
	a.Metrics.CountToken(req.GrantType, "issued")
	writeJSON(w, resp)
}

// handleIntrospect implements RFC 7662. Only authenticated confidential
// clients may introspect.
func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest)
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	client, ok := a.Registry.GetClient(clientID)
	if !ok || client.Public || !a.Registry.ValidateSecret(client, clientSecret) {
		writeOAuthError(w, ErrInvalidClient)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, ErrInvalidRequest)
		return
	}
	writeJSON(w, a.Tokens.Introspect(token))
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := a.Tokens.Validate(token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{"sub": claims.Subject}
	scopes := SplitScopes(claims.Scope)

	user, lerr := a.Directory.FindByID(r.Context(), claims.Subject)
	if lerr == nil {
		if ContainsScope(scopes, "profile") && user.Name != "" {
			resp["name"] = user.Name
		}
		if ContainsScope(scopes, "email") && user.Email != "" {
			resp["email"] = user.Email
		}
		if ContainsScope(scopes, "roles") && len(user.Roles) > 0 {
			resp["roles"] = user.Roles
		}
	}
	writeJSON(w, resp)
}

// AuthorizeRequest is the validated query of an authorize call.
type AuthorizeRequest struct {
	Client        *Client
	RedirectURI   string
	Scopes        []string
	State         string
	Nonce         string
	CodeChallenge string
}

func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, errors.New("client_id required")
	}
	client, ok := a.Registry.GetClient(clientID)
	if !ok {
		return AuthorizeRequest{State: q.Get("state")}, errors.New("unknown client")
	}

	out := AuthorizeRequest{
		Client:      client,
		RedirectURI: q.Get("redirect_uri"),
		State:       q.Get("state"),
		Nonce:       q.Get("nonce"),
	}
	if !client.ValidRedirect(out.RedirectURI) {
		return out, errors.New("invalid redirect_uri")
	}
	if q.Get("response_type") != "code" {
		return out, errors.New("unsupported response_type")
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return out, errors.New("client may not use authorization_code")
	}

	out.Scopes = SplitScopes(q.Get("scope"))
	for _, sc := range out.Scopes {
		if !a.Registry.KnownScope(sc) {
			return out, fmt.Errorf("unknown scope %q", sc)
		}
	}

	out.CodeChallenge = q.Get("code_challenge")
	if client.Public {
		if out.CodeChallenge == "" || q.Get("code_challenge_method") != "S256" {
			return out, errors.New("pkce required for public clients")
		}
	} else if out.CodeChallenge != "" && q.Get("code_challenge_method") != "S256" {
		return out, errors.New("only S256 code_challenge_method is supported")
	}
	return out, nil
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		canRedirect := req.Client != nil && req.Client.ValidRedirect(req.RedirectURI)
		if canRedirect {
			redirectError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
		} else {
			http.Error(w, "invalid_request: "+err.Error(), http.StatusBadRequest)
		}
		return
	}

	sess, ok := a.Sessions.Get(r)
	if !ok {
		login := "/connect/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, login, http.StatusFound)
		return
	}

	user, lerr := a.Directory.FindByID(r.Context(), sess.UserID)
	if lerr != nil || !a.Directory.IsUsable(user) {
		a.Sessions.Destroy(w, r)
		redirectError(w, req.RedirectURI, req.State, "access_denied", "login required")
		return
	}

	granted := ResolveScopes(req.Scopes, a.Registry.AvailableUserScopes(user.Roles))
	code, cerr := a.Codes.Issue(AuthCode{
		ClientID:      req.Client.ClientID,
		Subject:       user.ID,
		Scopes:        granted,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Nonce:         req.Nonce,
	})
	if cerr != nil {
		a.Logger.Error("code issue failed", "error", cerr)
		redirectError(w, req.RedirectURI, req.State, "server_error", "")
		return
	}

	uri, _ := url.Parse(req.RedirectURI)
	q := uri.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p style="color:red">{{.Error}}</p>{{end}}
<form method="post" action="/connect/login">
  <input type="hidden" name="return_to" value="{{.ReturnTo}}">
  <label>Email <input type="email" name="email" autofocus></label><br>
  <label>Password <input type="password" name="password"></label><br>
  <button type="submit">Sign in</button>
</form>
</body>
</html>`))

func (a *App) renderLogin(w http.ResponseWriter, returnTo, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, map[string]string{"ReturnTo": returnTo, "Error": errMsg})
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, r.URL.Query().Get("return_to"), "")
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnTo := r.PostFormValue("return_to")

	user, err := a.Directory.FindByEmail(r.Context(), r.PostFormValue("email"))
	if err != nil || !a.Directory.CheckPassword(r.Context(), user, r.PostFormValue("password")) {
		a.renderLogin(w, returnTo, "Invalid email or password.")
		return
	}
	if !a.Directory.IsUsable(user) {
		a.renderLogin(w, returnTo, "Account is disabled.")
		return
	}
	if err := a.Sessions.Create(w, user); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !safeReturnTo(returnTo) {
		returnTo = "/connect/authorize"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Destroy(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, oerr *OAuthError) {
	w.Header().Set("Content-Type", "application/json")
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(oerr)
}

// redirectError sends an OAuth error back to the client's redirect URI.
func redirectError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	uri, err := url.Parse(redirectURI)
	if err != nil || (uri.Scheme != "http" && uri.Scheme != "https") {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

// safeReturnTo accepts only local paths. "//host/x" and "/\host/x" are
// scheme-relative in browsers and must not pass.
func safeReturnTo(returnTo string) bool {
	if returnTo == "" || returnTo[0] != '/' {
		return false
	}
	if len(returnTo) > 1 && (returnTo[1] == '/' || returnTo[1] == '\\') {
		return false
	}
	uri, err := url.Parse(returnTo)
	return err == nil && uri.Scheme == "" && uri.Host == ""
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
