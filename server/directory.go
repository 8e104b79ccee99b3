package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is the directory's view of an account. Owned by the external
// directory; the token core only reads it.
type User struct {
	ID           string
	Email        string
	Name         string
	Roles        []string
	Active       bool
	LockoutUntil *time.Time
	passwordHash string
}

// ErrUserNotFound is returned for any directory lookup miss. Callers must
// collapse it with a failed password check into one generic error.
var ErrUserNotFound = errors.New("user not found")

// Directory is the boundary to the external user store. Credential hashing
// and storage live behind it; the token core never hashes passwords itself.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	CheckPassword(ctx context.Context, user *User, password string) bool
	// IsUsable reports active AND not locked out.
	IsUsable(user *User) bool
}

// staticDirectory serves accounts seeded from configuration. Read-only after
// construction, safe for concurrent use.
type staticDirectory struct {
	byEmail map[string]*User
	byID    map[string]*User
}

// NewStaticDirectory builds an in-memory directory from config users.
func NewStaticDirectory(users []UserConfig) Directory {
	byEmail := make(map[string]*User, len(users))
	byID := make(map[string]*User, len(users))
	for _, uc := range users {
		active := true
		if uc.Active != nil {
			active = *uc.Active
		}
		id := uc.ID
		if id == "" {
			id = uc.Email
		}
		u := &User{
			ID:           id,
			Email:        strings.ToLower(uc.Email),
			Name:         uc.Name,
			Roles:        append([]string(nil), uc.Roles...),
			Active:       active,
			LockoutUntil: uc.LockoutUntil,
			passwordHash: uc.PasswordHash,
		}
		byEmail[u.Email] = u
		byID[u.ID] = u
	}
	return &staticDirectory{byEmail: byEmail, byID: byID}
}

func (d *staticDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (d *staticDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, ok := d.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (d *staticDirectory) CheckPassword(ctx context.Context, user *User, password string) bool {
	if user == nil || user.passwordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) == nil
}

func (d *staticDirectory) IsUsable(user *User) bool {
	return usable(user)
}

func usable(user *User) bool {
	if user == nil || !user.Active {
		return false
	}
	if user.LockoutUntil != nil && time.Now().Before(*user.LockoutUntil) {
		return false
	}
	return true
}

// lookupUser bounds a directory lookup with the configured timeout, retrying
// once on a transient timeout before surfacing ErrServiceUnavailable.
func lookupUser(ctx context.Context, timeout time.Duration, lookup func(context.Context) (*User, error)) (*User, error) {
	for attempt := 0; attempt < 2; attempt++ {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		u, err := lookup(lctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		return u, err
	}
	return nil, context.DeadlineExceeded
}
