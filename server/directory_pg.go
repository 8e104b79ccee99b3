package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// pgDirectory reads accounts from a Postgres user store. Password hashes stay
// inside this adapter; the core only sees the CheckPassword boundary.
type pgDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory wraps a pgx pool as a Directory.
func NewPGDirectory(pool *pgxpool.Pool) Directory {
	return &pgDirectory{pool: pool}
}

const userColumns = `id, email, coalesce(name, ''), coalesce(password_hash, ''), coalesce(roles, '{}'), active, lockout_until`

func (d *pgDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (d *pgDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.passwordHash, &u.Roles, &u.Active, &u.LockoutUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Email = strings.ToLower(u.Email)
	return &u, nil
}

func (d *pgDirectory) CheckPassword(ctx context.Context, user *User, password string) bool {
	if user == nil || user.passwordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) == nil
}

func (d *pgDirectory) IsUsable(user *User) bool {
	return usable(user)
}
