package user

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Option configures the non-SQL stores.
type Option func(*options)

type options struct {
	now       func() time.Time
	keyPrefix string
}

func defaultOptions() options {
	return options{
		now:       time.Now,
		keyPrefix: "registry",
	}
}

// WithClock overrides the time source used for created_at and lock markers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithKeyPrefix sets the key namespace used by the Redis store.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// MemoryStore is an in-memory implementation of Store for tests and
// single-process development. Conditional updates run inside
// xsync.MapOf.Compute, which serialises writers of the same key.
type MemoryStore struct {
	users  *xsync.MapOf[uuid.UUID, *User]
	logins *xsync.MapOf[string, uuid.UUID]
	opts   options
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		users:  xsync.NewMapOf[uuid.UUID, *User](),
		logins: xsync.NewMapOf[string, uuid.UUID](),
		opts:   o,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, u *User) (*User, error) {
	defer observe(BackendMemory, "create", time.Now())

	created, err := prepareCreate(u, s.opts.now())
	if err != nil {
		return nil, err
	}

	key := normalizeLogin(created.Login)
	if _, loaded := s.logins.LoadOrStore(key, created.ID); loaded {
		return nil, ErrDuplicateLogin
	}
	if _, loaded := s.users.LoadOrStore(created.ID, created); loaded {
		s.logins.Delete(key)
		return nil, fmt.Errorf("user id %s already exists: %w", created.ID, ErrInvalidUser)
	}

	return created.Clone(), nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer observe(BackendMemory, "get", time.Now())

	u, ok := s.users.Load(id)
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

// GetByLogin implements Store.
func (s *MemoryStore) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer observe(BackendMemory, "get_by_login", time.Now())

	id, ok := s.logins.Load(normalizeLogin(login))
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetByID(ctx, id)
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*User, error) {
	defer observe(BackendMemory, "list", time.Now())

	var users []*User
	s.users.Range(func(_ uuid.UUID, u *User) bool {
		if filter.Matches(u) {
			users = append(users, u.Clone())
		}
		return true
	})
	sortUsers(users)
	return users, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, cond Condition, changes Changes) (*User, error) {
	defer observe(BackendMemory, "update", time.Now())

	if changes.IsEmpty() {
		return nil, ErrNoChanges
	}

	var updated *User
	s.users.Compute(id, func(current *User, loaded bool) (*User, bool) {
		if !loaded {
			// delete=true keeps Compute from inserting a zero value
			return nil, true
		}
		if !cond.Matches(current) {
			return current, false
		}
		updated = changes.Apply(current, s.opts.now())
		return updated, false
	})

	if updated == nil {
		return nil, ErrNoMatch
	}
	return updated.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	defer observe(BackendMemory, "delete", time.Now())

	u, loaded := s.users.LoadAndDelete(id)
	if !loaded {
		return ErrUserNotFound
	}
	s.logins.Delete(normalizeLogin(u.Login))
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of users in the store (for testing).
func (s *MemoryStore) Len() int {
	return s.users.Size()
}

// sortUsers orders users by creation time, then ID for a stable result.
func sortUsers(users []*User) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID.String() < users[j].ID.String()
	})
}
