package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kneutral-org/user-registry/internal/metrics"
)

// Backend names, used as metric labels.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

var (
	// ErrUserNotFound is returned when a user cannot be found.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidUser is returned when a user is missing required fields.
	ErrInvalidUser = errors.New("invalid user")
	// ErrDuplicateLogin is returned when a login is already taken.
	ErrDuplicateLogin = errors.New("user with this login already exists")
	// ErrNoMatch is returned by Update when the record does not exist or the
	// condition did not hold against its current state.
	ErrNoMatch = errors.New("no user matched update condition")
	// ErrNoChanges is returned by Update when Changes is empty.
	ErrNoChanges = errors.New("update has no changes")
	// ErrStoreUnavailable wraps infrastructure failures of the backing store.
	// The record is left as it was before the call.
	ErrStoreUnavailable = errors.New("user store unavailable")
)

// Store defines the interface for user persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new user. The lock marker is always stored absent.
	Create(ctx context.Context, u *User) (*User, error)

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)

	// GetByLogin retrieves a user by login, case-insensitively.
	GetByLogin(ctx context.Context, login string) (*User, error)

	// List retrieves users matching filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*User, error)

	// Update applies changes to the user with the given ID only if cond holds
	// against its current persisted state. The check and the write form one
	// atomic step with respect to every other Update on the same ID.
	// Returns the updated user, or ErrNoMatch.
	Update(ctx context.Context, id uuid.UUID, cond Condition, changes Changes) (*User, error)

	// Delete removes a user regardless of its lock state.
	Delete(ctx context.Context, id uuid.UUID) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// prepareCreate validates u and fills in the fields every backend assigns on
// creation.
func prepareCreate(u *User, now time.Time) (*User, error) {
	if u == nil || normalizeLogin(u.Login) == "" || u.PasswordHash == "" {
		return nil, ErrInvalidUser
	}
	c := u.Clone()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Login = strings.TrimSpace(c.Login)
	c.LockTime = nil
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	return c, nil
}

// observe records the duration of a store call started at start.
func observe(backend, operation string, start time.Time) {
	metrics.RecordStoreQuery(backend, operation, time.Since(start).Seconds())
}
