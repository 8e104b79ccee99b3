package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const sessionCookieName = "authd_session"

// Session is a browser login session used by the authorize flow.
type Session struct {
	UserID    string
	Email     string
	CreatedAt time.Time
}

// SessionStore holds browser sessions in process memory with TTL eviction.
type SessionStore struct {
	cache  *gocache.Cache
	ttl    time.Duration
	domain string
	secure bool
}

// NewSessionStore builds the session store. secure controls the cookie's
// Secure flag (off in dev mode over plain http).
func NewSessionStore(ttl time.Duration, domain string, secure bool) *SessionStore {
	return &SessionStore{
		cache:  gocache.New(ttl, 10*time.Minute),
		ttl:    ttl,
		domain: domain,
		secure: secure,
	}
}

// Create starts a session for the user and sets the cookie.
func (s *SessionStore) Create(w http.ResponseWriter, user *User) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	id := base64.RawURLEncoding.EncodeToString(raw)
	s.cache.SetDefault(id, Session{
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: time.Now(),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Get resolves the session from the request cookie.
func (s *SessionStore) Get(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, false
	}
	raw, ok := s.cache.Get(cookie.Value)
	if !ok {
		return Session{}, false
	}
	sess, ok := raw.(Session)
	return sess, ok
}

// Destroy removes the session and clears the cookie.
func (s *SessionStore) Destroy(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.cache.Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
