package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.metricsMiddleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/connect/authorize", a.handleAuthorize)
	r.Get("/connect/login", a.handleLoginPage)
	r.Post("/connect/login", a.handleLoginSubmit)
	r.Post("/connect/logout", a.handleLogout)

	r.Post("/connect/token", a.handleToken)
	r.Post("/connect/introspect", a.handleIntrospect)
	r.Get("/connect/userinfo", a.handleUserInfo)
	r.Post("/connect/userinfo", a.handleUserInfo)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		// Label on the route pattern, not the raw path, so unmatched
		// requests cannot grow the label set without bound.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		a.Metrics.ObserveRequest(path, strconv.Itoa(rec.status), time.Since(start))
	})
}
