package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// FileStore keeps all users in one JSON file. Every operation runs under an
// flock(2) on a sibling lock file, so processes on the same host sharing the
// file see each read-modify-write as a single step.
type FileStore struct {
	path     string
	lockPath string
	opts     options
}

type fileRecord struct {
	ID        uuid.UUID  `json:"id"`
	Login     string     `json:"login"`
	LoginKey  string     `json:"login_key"`
	Password  string     `json:"password"`
	ProjectID uuid.UUID  `json:"project_id"`
	Env       string     `json:"env"`
	Domain    string     `json:"domain"`
	LockTime  *time.Time `json:"locktime,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type fileData struct {
	Users map[uuid.UUID]*fileRecord `json:"users"`
}

// NewFileStore creates a file-backed store at path, creating its directory.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{path: path, lockPath: path + ".lock", opts: o}, nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, u *User) (*User, error) {
	defer observe(BackendFile, "create", time.Now())

	created, err := prepareCreate(u, s.opts.now())
	if err != nil {
		return nil, err
	}

	err = s.update(ctx, func(data *fileData) error {
		if _, ok := data.Users[created.ID]; ok {
			return fmt.Errorf("user id %s already exists: %w", created.ID, ErrInvalidUser)
		}
		key := normalizeLogin(created.Login)
		for _, rec := range data.Users {
			if rec.LoginKey == key {
				return ErrDuplicateLogin
			}
		}
		data.Users[created.ID] = toFileRecord(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetByID implements Store.
func (s *FileStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer observe(BackendFile, "get", time.Now())

	var found *User
	err := s.read(ctx, func(data *fileData) error {
		rec, ok := data.Users[id]
		if !ok {
			return ErrUserNotFound
		}
		found = rec.toUser()
		return nil
	})
	return found, err
}

// GetByLogin implements Store.
func (s *FileStore) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer observe(BackendFile, "get_by_login", time.Now())

	key := normalizeLogin(login)
	var found *User
	err := s.read(ctx, func(data *fileData) error {
		for _, rec := range data.Users {
			if rec.LoginKey == key {
				found = rec.toUser()
				return nil
			}
		}
		return ErrUserNotFound
	})
	return found, err
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]*User, error) {
	defer observe(BackendFile, "list", time.Now())

	var users []*User
	err := s.read(ctx, func(data *fileData) error {
		for _, rec := range data.Users {
			u := rec.toUser()
			if filter.Matches(u) {
				users = append(users, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortUsers(users)
	return users, nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, id uuid.UUID, cond Condition, changes Changes) (*User, error) {
	defer observe(BackendFile, "update", time.Now())

	if changes.IsEmpty() {
		return nil, ErrNoChanges
	}

	var updated *User
	err := s.update(ctx, func(data *fileData) error {
		rec, ok := data.Users[id]
		if !ok {
			return ErrNoMatch
		}
		current := rec.toUser()
		if !cond.Matches(current) {
			return ErrNoMatch
		}
		updated = changes.Apply(current, s.opts.now())
		data.Users[id] = toFileRecord(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id uuid.UUID) error {
	defer observe(BackendFile, "delete", time.Now())

	return s.update(ctx, func(data *fileData) error {
		if _, ok := data.Users[id]; !ok {
			return ErrUserNotFound
		}
		delete(data.Users, id)
		return nil
	})
}

// Ping checks that the lock file can be taken.
func (s *FileStore) Ping(ctx context.Context) error {
	return s.read(ctx, func(*fileData) error { return nil })
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// read loads the file under a shared lock and passes it to fn.
func (s *FileStore) read(ctx context.Context, fn func(*fileData) error) error {
	return s.with(ctx, false, fn)
}

// update loads the file under an exclusive lock, passes it to fn and writes
// it back atomically if fn returns nil.
func (s *FileStore) update(ctx context.Context, fn func(*fileData) error) error {
	return s.with(ctx, true, fn)
}

func (s *FileStore) with(ctx context.Context, write bool, fn func(*fileData) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fl := flock.New(s.lockPath)
	lock := fl.RLock
	if write {
		lock = fl.Lock
	}
	if err := lock(); err != nil {
		return unavailable("lock "+s.lockPath, err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.store(data)
}

func (s *FileStore) load() (*fileData, error) {
	data := &fileData{}
	raw, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, unavailable("read "+s.path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, unavailable("parse "+s.path, err)
		}
	}
	if data.Users == nil {
		data.Users = make(map[uuid.UUID]*fileRecord)
	}
	return data, nil
}

// store writes data to a temp file and renames it over the target so
// readers never observe a partial file.
func (s *FileStore) store(data *fileData) (err error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
	if err != nil {
		return unavailable("create temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	defer tmp.Close() //nolint:errcheck

	if _, err = tmp.Write(append(raw, '\n')); err != nil {
		return unavailable("write temp file", err)
	}
	if err = tmp.Sync(); err != nil {
		return unavailable("sync temp file", err)
	}
	if err = tmp.Close(); err != nil {
		return unavailable("close temp file", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return unavailable("rename temp file", err)
	}
	return nil
}

func toFileRecord(u *User) *fileRecord {
	c := u.Clone()
	return &fileRecord{
		ID:        c.ID,
		Login:     c.Login,
		LoginKey:  normalizeLogin(c.Login),
		Password:  c.PasswordHash,
		ProjectID: c.ProjectID,
		Env:       c.Env,
		Domain:    c.Domain,
		LockTime:  c.LockTime,
		CreatedAt: c.CreatedAt,
	}
}

func (r *fileRecord) toUser() *User {
	u := &User{
		ID:           r.ID,
		Login:        r.Login,
		PasswordHash: r.Password,
		ProjectID:    r.ProjectID,
		Env:          r.Env,
		Domain:       r.Domain,
		CreatedAt:    r.CreatedAt,
	}
	if r.LockTime != nil {
		t := *r.LockTime
		u.LockTime = &t
	}
	return u
}
