package server

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// AuthCode is the payload bound to an issued authorization code.
type AuthCode struct {
	ClientID      string
	Subject       string
	Scopes        []string
	RedirectURI   string
	CodeChallenge string
	Nonce         string
	IssuedAt      time.Time
}

// CodeStore issues and consumes one-shot authorization codes. Consume is
// atomic: a code redeems exactly once even under concurrent exchange attempts.
type CodeStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewCodeStore builds a code store with the given code lifetime.
func NewCodeStore(ttl time.Duration) *CodeStore {
	return &CodeStore{
		cache: gocache.New(ttl, ttl),
	}
}

// Issue mints a new code for the payload.
func (s *CodeStore) Issue(code AuthCode) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	code.IssuedAt = time.Now()

	s.mu.Lock()
	s.cache.SetDefault(token, code)
	s.mu.Unlock()
	return token, nil
}

// Consume redeems a code, deleting it in the same critical section. Returns
// false for unknown, expired, or already-consumed codes.
func (s *CodeStore) Consume(token string) (AuthCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.cache.Get(token)
	if !ok {
		return AuthCode{}, false
	}
	s.cache.Delete(token)
	code, ok := raw.(AuthCode)
	return code, ok
}
