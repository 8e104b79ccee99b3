package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuthorizationSchema creates the authorizations table. The partial unique
// index is what makes FindOrCreate race-safe: two concurrent inserts for the
// same key collapse onto one row.
const AuthorizationSchema = `
CREATE TABLE IF NOT EXISTS authorizations (
	id          uuid PRIMARY KEY,
	subject     text NOT NULL,
	client_id   text NOT NULL,
	scopes      text[] NOT NULL,
	scope_hash  text NOT NULL,
	status      text NOT NULL DEFAULT 'valid',
	kind        text NOT NULL DEFAULT 'permanent',
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS authorizations_subject_client_scopes
	ON authorizations (subject, client_id, scope_hash)
	WHERE status = 'valid';
`

// pgAuthorizationStore persists Authorization records in Postgres.
type pgAuthorizationStore struct {
	pool *pgxpool.Pool
}

// NewPGAuthorizationStore wraps a pgx pool as an AuthorizationStore.
func NewPGAuthorizationStore(pool *pgxpool.Pool) AuthorizationStore {
	return &pgAuthorizationStore{pool: pool}
}

// EnsureAuthorizationSchema applies the schema.
func EnsureAuthorizationSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, AuthorizationSchema); err != nil {
		return fmt.Errorf("ensure authorizations schema: %w", err)
	}
	return nil
}

// FindOrCreate implements the atomic upsert: insert with ON CONFLICT DO
// NOTHING against the partial unique index, then select the surviving row.
// A unique violation slipping through (index created concurrently, serializable
// retry) falls back to one re-select.
func (s *pgAuthorizationStore) FindOrCreate(ctx context.Context, subject, clientID string, scopes []string) (*Authorization, error) {
	hash := ScopeSetHash(scopes)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO authorizations (id, subject, client_id, scopes, scope_hash, status, kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (subject, client_id, scope_hash) WHERE status = 'valid' DO NOTHING`,
			uuid.NewString(), subject, clientID, scopes, hash, AuthorizationValid, AuthorizationPermanent)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("insert authorization: %w", err)
		}
		break
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, subject, client_id, scopes, scope_hash, status, kind, created_at
		FROM authorizations
		WHERE subject = $1 AND client_id = $2 AND scope_hash = $3 AND status = $4`,
		subject, clientID, hash, AuthorizationValid)
	return scanAuthorization(row)
}

func (s *pgAuthorizationStore) Get(ctx context.Context, id string) (*Authorization, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, subject, client_id, scopes, scope_hash, status, kind, created_at
		FROM authorizations WHERE id = $1`, id)
	return scanAuthorization(row)
}

func (s *pgAuthorizationStore) Revoke(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE authorizations SET status = $1 WHERE id = $2`, AuthorizationRevoked, id)
	if err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthorizationNotFound
	}
	return nil
}

func scanAuthorization(row pgx.Row) (*Authorization, error) {
	var a Authorization
	err := row.Scan(&a.ID, &a.Subject, &a.ClientID, &a.Scopes, &a.ScopeHash, &a.Status, &a.Kind, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
