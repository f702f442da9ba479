package user

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/user-registry/internal/metrics"
)

// testClock returns a clock that advances one second per call.
func testClock() func() time.Time {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

type storeFactory func(t *testing.T) Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		BackendMemory: func(t *testing.T) Store {
			return NewMemoryStore(WithClock(testClock()))
		},
		BackendFile: func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "data", "users.json"), WithClock(testClock()))
			require.NoError(t, err)
			return s
		},
		BackendRedis: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client, WithClock(testClock()), WithKeyPrefix("test"))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newTestUser(login string, projectID uuid.UUID) *User {
	return &User{
		Login:        login,
		PasswordHash: "hash-" + login,
		ProjectID:    projectID,
		Env:          "prod",
		Domain:       "canary",
	}
}

func strPtr(s string) *string {
	return &s
}

// storeQueryCount returns how many calls the store latency histogram has seen
// for backend and operation.
func storeQueryCount(t *testing.T, backend, operation string) uint64 {
	t.Helper()
	var m dto.Metric
	h, ok := metrics.StoreQueryDuration.WithLabelValues(backend, operation).(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestStores(t *testing.T) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("create validation", func(t *testing.T) { testCreateValidation(t, factory(t)) })
			t.Run("duplicate login", func(t *testing.T) { testDuplicateLogin(t, factory(t)) })
			t.Run("get by login", func(t *testing.T) { testGetByLogin(t, factory(t)) })
			t.Run("get by login latency", func(t *testing.T) { testGetByLoginObserved(t, name, factory(t)) })
			t.Run("list", func(t *testing.T) { testList(t, factory(t)) })
			t.Run("conditional update", func(t *testing.T) { testConditionalUpdate(t, factory(t)) })
			t.Run("attribute update keeps lock", func(t *testing.T) { testAttributeUpdateKeepsLock(t, factory(t)) })
			t.Run("update missing user", func(t *testing.T) { testUpdateMissing(t, factory(t)) })
			t.Run("delete", func(t *testing.T) { testDelete(t, factory(t)) })
			t.Run("concurrent lock", func(t *testing.T) { testConcurrentLock(t, factory(t)) })
			t.Run("ping", func(t *testing.T) { assert.NoError(t, factory(t).Ping(context.Background())) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	projectID := uuid.New()

	in := newTestUser("Alice", projectID)
	locked := time.Now()
	in.LockTime = &locked

	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, "Alice", created.Login)
	assert.Nil(t, created.LockTime, "new records are always unlocked")
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Alice", got.Login)
	assert.Equal(t, "hash-Alice", got.PasswordHash)
	assert.Equal(t, projectID, got.ProjectID)
	assert.Equal(t, "prod", got.Env)
	assert.Equal(t, "canary", got.Domain)
	assert.Nil(t, got.LockTime)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func testCreateValidation(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Create(ctx, &User{Login: "  ", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = s.Create(ctx, &User{Login: "bob"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = s.Create(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func testDuplicateLogin(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Create(ctx, newTestUser("carol", uuid.New()))
	require.NoError(t, err)

	_, err = s.Create(ctx, newTestUser("CAROL", uuid.New()))
	assert.ErrorIs(t, err, ErrDuplicateLogin)

	users, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testGetByLogin(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, newTestUser("Dave", uuid.New()))
	require.NoError(t, err)

	got, err := s.GetByLogin(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.GetByLogin(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	projectA, projectB := uuid.New(), uuid.New()

	first, err := s.Create(ctx, newTestUser("u1", projectA))
	require.NoError(t, err)
	second := newTestUser("u2", projectA)
	second.Env = "stage"
	_, err = s.Create(ctx, second)
	require.NoError(t, err)
	_, err = s.Create(ctx, newTestUser("u3", projectB))
	require.NoError(t, err)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{all[0].Login, all[1].Login, all[2].Login})
	assert.Equal(t, first.ID, all[0].ID)

	byProject, err := s.List(ctx, ListFilter{ProjectID: &projectA})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byEnv, err := s.List(ctx, ListFilter{ProjectID: &projectA, Env: "stage"})
	require.NoError(t, err)
	require.Len(t, byEnv, 1)
	assert.Equal(t, "u2", byEnv[0].Login)

	none, err := s.List(ctx, ListFilter{Domain: "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, newTestUser("erin", uuid.New()))
	require.NoError(t, err)

	locked, err := s.Update(ctx, created.ID, IfUnlocked, Changes{Lock: LockSet})
	require.NoError(t, err)
	require.NotNil(t, locked.LockTime)
	assert.True(t, locked.LockTime.After(created.CreatedAt))

	_, err = s.Update(ctx, created.ID, IfUnlocked, Changes{Lock: LockSet})
	assert.ErrorIs(t, err, ErrNoMatch)

	got, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockTime)
	assert.True(t, locked.LockTime.Equal(*got.LockTime), "failed update must not touch the marker")

	released, err := s.Update(ctx, created.ID, Always, Changes{Lock: LockClear})
	require.NoError(t, err)
	assert.Nil(t, released.LockTime)

	// clearing an already clear marker still matches
	released, err = s.Update(ctx, created.ID, Always, Changes{Lock: LockClear})
	require.NoError(t, err)
	assert.Nil(t, released.LockTime)

	_, err = s.Update(ctx, created.ID, Always, Changes{})
	assert.ErrorIs(t, err, ErrNoChanges)
}

func testAttributeUpdateKeepsLock(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, newTestUser("frank", uuid.New()))
	require.NoError(t, err)
	locked, err := s.Update(ctx, created.ID, IfUnlocked, Changes{Lock: LockSet})
	require.NoError(t, err)

	updated, err := s.Update(ctx, created.ID, Always, Changes{Env: strPtr("preprod"), Domain: strPtr("blue")})
	require.NoError(t, err)
	assert.Equal(t, "preprod", updated.Env)
	assert.Equal(t, "blue", updated.Domain)
	require.NotNil(t, updated.LockTime)
	assert.True(t, locked.LockTime.Equal(*updated.LockTime))

	onlyDomain, err := s.Update(ctx, created.ID, Always, Changes{Domain: strPtr("green")})
	require.NoError(t, err)
	assert.Equal(t, "preprod", onlyDomain.Env)
	assert.Equal(t, "green", onlyDomain.Domain)
}

func testUpdateMissing(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.New()

	_, err := s.Update(ctx, id, Always, Changes{Lock: LockClear})
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = s.Update(ctx, id, IfUnlocked, Changes{Lock: LockSet})
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = s.GetByID(ctx, id)
	assert.ErrorIs(t, err, ErrUserNotFound, "update of a missing id must not create it")
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, newTestUser("grace", uuid.New()))
	require.NoError(t, err)
	_, err = s.Update(ctx, created.ID, IfUnlocked, Changes{Lock: LockSet})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, created.ID))

	_, err = s.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	err = s.Delete(ctx, created.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	// the login is free again
	_, err = s.Create(ctx, newTestUser("grace", uuid.New()))
	assert.NoError(t, err)
}

func testConcurrentLock(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, newTestUser("heidi", uuid.New()))
	require.NoError(t, err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
		noMatch   atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Update(ctx, created.ID, IfUnlocked, Changes{Lock: LockSet})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrNoMatch):
				noMatch.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), noMatch.Load())
}

func testGetByLoginObserved(t *testing.T, backend string, s Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, newTestUser("metered@example.com", uuid.New()))
	require.NoError(t, err)

	before := storeQueryCount(t, backend, "get_by_login")
	_, err = s.GetByLogin(ctx, "metered@example.com")
	require.NoError(t, err)
	_, err = s.GetByLogin(ctx, "absent@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, before+2, storeQueryCount(t, backend, "get_by_login"))
}
