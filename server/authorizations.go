package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Authorization status and kind values.
const (
	AuthorizationValid   = "valid"
	AuthorizationRevoked = "revoked"

	AuthorizationPermanent = "permanent"
	AuthorizationEphemeral = "ephemeral"
)

// Authorization is the persisted record of a subject's grant to a client for
// a given scope set. At most one valid permanent record exists per
// (subject, client, scope-set); concurrent creation converges to one record.
type Authorization struct {
	ID        string
	Subject   string
	ClientID  string
	Scopes    []string
	ScopeHash string
	Status    string
	Kind      string
	CreatedAt time.Time
}

// AuthorizationStore persists Authorization records.
type AuthorizationStore interface {
	// FindOrCreate returns the valid permanent record for the key, creating
	// it atomically when absent. Race-safe: concurrent calls for the same
	// (subject, clientID, scope-set) must return the same record.
	FindOrCreate(ctx context.Context, subject, clientID string, scopes []string) (*Authorization, error)
	Get(ctx context.Context, id string) (*Authorization, error)
	Revoke(ctx context.Context, id string) error
}

// ErrAuthorizationNotFound covers lookup misses and revoked records fetched
// by stale references.
var ErrAuthorizationNotFound = errNotFound("authorization not found")

type errNotFound string

func (e errNotFound) Error() string { return string(e) }

// memoryAuthorizationStore keeps records in process memory. The single mutex
// makes find-or-create atomic without a uniqueness constraint.
type memoryAuthorizationStore struct {
	mu    sync.Mutex
	byKey map[string]*Authorization
	byID  map[string]*Authorization
}

// NewMemoryAuthorizationStore constructs the in-memory store.
func NewMemoryAuthorizationStore() AuthorizationStore {
	return &memoryAuthorizationStore{
		byKey: make(map[string]*Authorization),
		byID:  make(map[string]*Authorization),
	}
}

func authorizationKey(subject, clientID, scopeHash string) string {
	return subject + "\x00" + clientID + "\x00" + scopeHash
}

func (s *memoryAuthorizationStore) FindOrCreate(ctx context.Context, subject, clientID string, scopes []string) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := ScopeSetHash(scopes)
	key := authorizationKey(subject, clientID, hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[key]; ok && existing.Status == AuthorizationValid {
		return cloneAuthorization(existing), nil
	}

	authz := &Authorization{
		ID:        uuid.NewString(),
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    append([]string(nil), scopes...),
		ScopeHash: hash,
		Status:    AuthorizationValid,
		Kind:      AuthorizationPermanent,
		CreatedAt: time.Now().UTC(),
	}
	s.byKey[key] = authz
	s.byID[authz.ID] = authz
	return cloneAuthorization(authz), nil
}

func (s *memoryAuthorizationStore) Get(ctx context.Context, id string) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	authz, ok := s.byID[id]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return cloneAuthorization(authz), nil
}

func (s *memoryAuthorizationStore) Revoke(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	authz, ok := s.byID[id]
	if !ok {
		return ErrAuthorizationNotFound
	}
	authz.Status = AuthorizationRevoked
	return nil
}

func cloneAuthorization(a *Authorization) *Authorization {
	out := *a
	out.Scopes = append([]string(nil), a.Scopes...)
	return &out
}
