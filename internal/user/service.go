package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/user-registry/internal/auth"
	"github.com/kneutral-org/user-registry/internal/logging"
	"github.com/kneutral-org/user-registry/internal/metrics"
)

// ErrInvalidCredentials is returned when a login/password pair does not match.
var ErrInvalidCredentials = errors.New("incorrect login or password")

// CreateRequest holds the fields accepted when registering a user.
type CreateRequest struct {
	Login     string
	Password  string
	ProjectID uuid.UUID
	Env       string
	Domain    string
}

// Validate checks the request for required fields.
func (r CreateRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Login) == "" {
		missing = append(missing, "login")
	}
	if r.Password == "" {
		missing = append(missing, "password")
	}
	if r.ProjectID == uuid.Nil {
		missing = append(missing, "project_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidUser, strings.Join(missing, ", "))
	}
	return nil
}

// AttributeUpdate holds the attribute changes accepted by UpdateAttributes.
// The lock marker cannot be changed through it.
type AttributeUpdate struct {
	Env    *string
	Domain *string
}

// Service implements user CRUD and password authentication on top of a Store.
type Service struct {
	store  Store
	hasher auth.PasswordHasher
	logger zerolog.Logger
}

// NewService creates a new user service.
func NewService(store Store, hasher auth.PasswordHasher, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		hasher: hasher,
		logger: logger.With().Str("component", "user-service").Logger(),
	}
}

// Create registers a new user. The new record is always unlocked.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.Create(ctx, &User{
		Login:        req.Login,
		PasswordHash: hash,
		ProjectID:    req.ProjectID,
		Env:          req.Env,
		Domain:       req.Domain,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateLogin) {
			metrics.RecordUserCreated("duplicate")
		} else {
			metrics.RecordUserCreated("error")
		}
		return nil, err
	}

	metrics.RecordUserCreated("success")
	logger := logging.UserLogger(s.logger, created.ID.String())
	logger.Info().
		Str("login", created.Login).
		Str("projectId", created.ProjectID.String()).
		Msg("user created")
	return created, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// List returns users matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*User, error) {
	return s.store.List(ctx, filter)
}

// UpdateAttributes changes env and/or domain. The lock marker is never
// touched. An empty update returns the current record unchanged.
func (s *Service) UpdateAttributes(ctx context.Context, id uuid.UUID, upd AttributeUpdate) (*User, error) {
	updated, err := s.store.Update(ctx, id, Always, Changes{Env: upd.Env, Domain: upd.Domain})
	switch {
	case errors.Is(err, ErrNoChanges):
		return s.store.GetByID(ctx, id)
	case errors.Is(err, ErrNoMatch):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, err
	}

	logger := logging.UserLogger(s.logger, id.String())
	logger.Info().Msg("user attributes updated")
	return updated, nil
}

// Delete removes a user, whether or not it is locked.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logger := logging.UserLogger(s.logger, id.String())
	logger.Info().Msg("user deleted")
	return nil
}

// Authenticate checks login and password and returns the matching user.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*User, error) {
	u, err := s.store.GetByLogin(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		metrics.RecordLoginAttempt("rejected")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		metrics.RecordLoginAttempt("error")
		return nil, err
	}

	if !s.hasher.Verify(u.PasswordHash, password) {
		metrics.RecordLoginAttempt("rejected")
		s.logger.Warn().Str("login", login).Msg("login rejected")
		return nil, ErrInvalidCredentials
	}

	metrics.RecordLoginAttempt("success")
	return u, nil
}
