// Package lock implements the per-user exclusive lock. A user record is locked
// when its lock marker is set; all mutual exclusion is delegated to the user
// store's conditional update, so the Manager itself keeps no state.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/user-registry/internal/logging"
	"github.com/kneutral-org/user-registry/internal/metrics"
	"github.com/kneutral-org/user-registry/internal/user"
)

// Operation names, used in logs and metric labels.
const (
	OperationAcquire = "acquire"
	OperationRelease = "release"
)

// ErrAlreadyLocked is returned by Acquire when the user is already locked,
// including when another caller won a concurrent acquire.
var ErrAlreadyLocked = errors.New("user is already locked")

// Store is the subset of user.Store the Manager needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
	Update(ctx context.Context, id uuid.UUID, cond user.Condition, changes user.Changes) (*user.User, error)
}

// Manager acquires and releases user locks. It is safe for concurrent use.
type Manager struct {
	store  Store
	logger zerolog.Logger
}

// NewManager creates a new lock manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "lock-manager").Logger(),
	}
}

// Acquire locks the user with the given ID.
// Returns user.ErrUserNotFound if it does not exist and ErrAlreadyLocked if
// it is locked. A lost race is reported as ErrAlreadyLocked and never retried.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID) (*user.User, error) {
	start := time.Now()
	defer func() {
		metrics.RecordLockOperationDuration(OperationAcquire, time.Since(start).Seconds())
	}()
	logger := logging.UserLogger(m.logger, id.String())

	current, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, m.fail(logger, OperationAcquire, err)
	}
	if current.IsLocked() {
		metrics.RecordLockOperation(OperationAcquire, metrics.LockResultAlreadyLocked)
		logger.Info().Time("lockTime", *current.LockTime).Msg("acquire rejected: already locked")
		return nil, ErrAlreadyLocked
	}

	locked, err := m.store.Update(ctx, id, user.IfUnlocked, user.Changes{Lock: user.LockSet})
	if errors.Is(err, user.ErrNoMatch) {
		// locked (or deleted) between the read and the conditional write
		metrics.RecordLockOperation(OperationAcquire, metrics.LockResultLostRace)
		logger.Info().Msg("acquire rejected: lost race")
		return nil, ErrAlreadyLocked
	}
	if err != nil {
		return nil, m.fail(logger, OperationAcquire, err)
	}

	metrics.RecordLockOperation(OperationAcquire, metrics.LockResultSuccess)
	logger.Debug().Time("lockTime", *locked.LockTime).Msg("lock acquired")
	return locked, nil
}

// Release unlocks the user with the given ID. Releasing an unlocked user
// succeeds and leaves it unlocked. Any caller may release any lock.
func (m *Manager) Release(ctx context.Context, id uuid.UUID) (*user.User, error) {
	start := time.Now()
	defer func() {
		metrics.RecordLockOperationDuration(OperationRelease, time.Since(start).Seconds())
	}()
	logger := logging.UserLogger(m.logger, id.String())

	if _, err := m.store.GetByID(ctx, id); err != nil {
		return nil, m.fail(logger, OperationRelease, err)
	}

	released, err := m.store.Update(ctx, id, user.Always, user.Changes{Lock: user.LockClear})
	if errors.Is(err, user.ErrNoMatch) {
		// deleted between the read and the write
		err = user.ErrUserNotFound
	}
	if err != nil {
		return nil, m.fail(logger, OperationRelease, err)
	}

	metrics.RecordLockOperation(OperationRelease, metrics.LockResultSuccess)
	logger.Debug().Msg("lock released")
	return released, nil
}

// fail records a failed operation and returns err unchanged.
func (m *Manager) fail(logger zerolog.Logger, operation string, err error) error {
	if errors.Is(err, user.ErrUserNotFound) {
		metrics.RecordLockOperation(operation, metrics.LockResultNotFound)
		logger.Info().Str("operation", operation).Msg("user not found")
		return err
	}
	metrics.RecordLockOperation(operation, metrics.LockResultError)
	logger.Error().Err(err).Str("operation", operation).Msg("lock operation failed")
	return err
}
