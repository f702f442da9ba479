package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each script runs atomically on the Redis server, which is what makes the
// check-and-write in updateScript indivisible across clients.
var (
	// KEYS: user hash, login key, id set. ARGV: id, field/value pairs...
	createScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return -1
		end
		if redis.call("SETNX", KEYS[2], ARGV[1]) == 0 then
			return 0
		end
		redis.call("HSET", KEYS[1], unpack(ARGV, 2))
		redis.call("SADD", KEYS[3], ARGV[1])
		return 1
	`)

	// KEYS: user hash. ARGV: condition, lock op, lock time, field/value pairs...
	updateScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return false
		end
		if ARGV[1] == "if_unlocked" and redis.call("HEXISTS", KEYS[1], "locktime") == 1 then
			return false
		end
		if ARGV[2] == "set" then
			redis.call("HSET", KEYS[1], "locktime", ARGV[3])
		elseif ARGV[2] == "clear" then
			redis.call("HDEL", KEYS[1], "locktime")
		end
		if #ARGV > 3 then
			redis.call("HSET", KEYS[1], unpack(ARGV, 4))
		end
		return redis.call("HGETALL", KEYS[1])
	`)

	// KEYS: user hash, login key, id set. ARGV: id, expected login_key.
	deleteScript = redis.NewScript(`
		local loginKey = redis.call("HGET", KEYS[1], "login_key")
		if not loginKey then
			return 0
		end
		if loginKey ~= ARGV[2] then
			return -1
		end
		redis.call("DEL", KEYS[1])
		redis.call("DEL", KEYS[2])
		redis.call("SREM", KEYS[3], ARGV[1])
		return 1
	`)
)

const maxDeleteAttempts = 3

// RedisStore implements Store on Redis. Each user is a hash; logins are
// reserved with SETNX keys and all ids are tracked in a set for listing.
// Every key carries the prefix as a hash tag, so the scripts only touch keys
// of one cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore creates a new Redis-backed user store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

func (s *RedisStore) key(parts ...string) string {
	return "{" + s.opts.keyPrefix + "}:" + strings.Join(parts, ":")
}

func (s *RedisStore) userKey(id uuid.UUID) string {
	return s.key("user", id.String())
}

func (s *RedisStore) loginKey(key string) string {
	return s.key("login", key)
}

func (s *RedisStore) idsKey() string {
	return s.key("users")
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, u *User) (*User, error) {
	defer observe(BackendRedis, "create", time.Now())

	created, err := prepareCreate(u, s.opts.now())
	if err != nil {
		return nil, err
	}

	loginKey := normalizeLogin(created.Login)
	args := []interface{}{
		created.ID.String(),
		"id", created.ID.String(),
		"login", created.Login,
		"login_key", loginKey,
		"password", created.PasswordHash,
		"project_id", created.ProjectID.String(),
		"env", created.Env,
		"domain", created.Domain,
		"created_at", created.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	keys := []string{s.userKey(created.ID), s.loginKey(loginKey), s.idsKey()}

	res, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, unavailable("create user", err)
	}
	switch res {
	case 0:
		return nil, ErrDuplicateLogin
	case -1:
		return nil, fmt.Errorf("user id %s already exists: %w", created.ID, ErrInvalidUser)
	}
	return created, nil
}

// GetByID implements Store.
func (s *RedisStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer observe(BackendRedis, "get", time.Now())

	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, unavailable("get user", err)
	}
	if len(fields) == 0 {
		return nil, ErrUserNotFound
	}
	return decodeRedisUser(fields)
}

// GetByLogin implements Store.
func (s *RedisStore) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer observe(BackendRedis, "get_by_login", time.Now())

	raw, err := s.client.Get(ctx, s.loginKey(normalizeLogin(login))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("get login", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt login index for %q: %w", login, err)
	}
	return s.GetByID(ctx, id)
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*User, error) {
	defer observe(BackendRedis, "list", time.Now())

	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, unavailable("list user ids", err)
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range ids {
			cmds = append(cmds, pipe.HGetAll(ctx, s.opts.keyPrefix+":user:"+raw))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list users", err)
	}

	var users []*User
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// deleted between SMEMBERS and HGETALL
			continue
		}
		u, err := decodeRedisUser(fields)
		if err != nil {
			return nil, err
		}
		if filter.Matches(u) {
			users = append(users, u)
		}
	}
	sortUsers(users)
	return users, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id uuid.UUID, cond Condition, changes Changes) (*User, error) {
	defer observe(BackendRedis, "update", time.Now())

	if changes.IsEmpty() {
		return nil, ErrNoChanges
	}

	lockOp := "keep"
	switch changes.Lock {
	case LockSet:
		lockOp = "set"
	case LockClear:
		lockOp = "clear"
	}

	args := []interface{}{cond.String(), lockOp, s.opts.now().UTC().Format(time.RFC3339Nano)}
	if changes.Env != nil {
		args = append(args, "env", *changes.Env)
	}
	if changes.Domain != nil {
		args = append(args, "domain", *changes.Domain)
	}

	flat, err := updateScript.Run(ctx, s.client, []string{s.userKey(id)}, args...).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMatch
		}
		return nil, unavailable("update user", err)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return decodeRedisUser(fields)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	defer observe(BackendRedis, "delete", time.Now())

	// The login key has to be declared up front, so it is read first and
	// re-checked inside the script.
	for attempt := 0; attempt < maxDeleteAttempts; attempt++ {
		loginKey, err := s.client.HGet(ctx, s.userKey(id), "login_key").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrUserNotFound
			}
			return unavailable("delete user", err)
		}

		res, err := deleteScript.Run(ctx, s.client,
			[]string{s.userKey(id), s.loginKey(loginKey), s.idsKey()},
			id.String(), loginKey,
		).Int()
		if err != nil {
			return unavailable("delete user", err)
		}
		switch res {
		case 0:
			return ErrUserNotFound
		case 1:
			return nil
		}
	}
	return unavailable("delete user", fmt.Errorf("user %s changed during delete", id))
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisUser(fields map[string]string) (*User, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("decode user id: %w", err)
	}
	projectID, err := uuid.Parse(fields["project_id"])
	if err != nil {
		return nil, fmt.Errorf("decode project id of user %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode created_at of user %s: %w", id, err)
	}

	u := &User{
		ID:           id,
		Login:        fields["login"],
		PasswordHash: fields["password"],
		ProjectID:    projectID,
		Env:          fields["env"],
		Domain:       fields["domain"],
		CreatedAt:    createdAt,
	}
	if raw, ok := fields["locktime"]; ok {
		lockTime, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode locktime of user %s: %w", id, err)
		}
		u.LockTime = &lockTime
	}
	return u, nil
}
