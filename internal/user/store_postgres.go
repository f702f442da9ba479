package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

const userColumns = `id, login, password, project_id, env, domain, locktime, created_at`

// schemaStatements creates the users table. locktime is a nullable
// microsecond-precision timestamp on the same row as the descriptive fields,
// so a single UPDATE covers both the predicate and the write.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS citext`,
	`CREATE TABLE IF NOT EXISTS users (
		id         UUID PRIMARY KEY,
		login      CITEXT NOT NULL UNIQUE,
		password   TEXT NOT NULL,
		project_id UUID NOT NULL,
		env        TEXT NOT NULL,
		domain     TEXT NOT NULL,
		locktime   TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS users_project_id_idx ON users (project_id)`,
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a connection pool through the pgx driver and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", ErrStoreUnavailable, err)
	}
	return NewPostgresStore(db), nil
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate users schema: %w", err)
		}
	}
	return nil
}

// Create creates a new user in the database.
func (s *PostgresStore) Create(ctx context.Context, u *User) (*User, error) {
	defer observe(BackendPostgres, "create", time.Now())

	created, err := prepareCreate(u, time.Now())
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, login, password, project_id, env, domain)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		created.ID, created.Login, created.PasswordHash, created.ProjectID, created.Env, created.Domain,
	)
	result, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateLogin
		}
		return nil, unavailable("insert user", err)
	}
	return result, nil
}

// GetByID retrieves a user by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer observe(BackendPostgres, "get", time.Now())
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByLogin retrieves a user by login.
func (s *PostgresStore) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer observe(BackendPostgres, "get_by_login", time.Now())
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, strings.TrimSpace(login))
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("query user", err)
	}
	return u, nil
}

// List retrieves users with optional filters.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*User, error) {
	defer observe(BackendPostgres, "list", time.Now())

	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	args := []interface{}{}

	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if filter.Env != "" {
		args = append(args, filter.Env)
		query += fmt.Sprintf(" AND env = $%d", len(args))
	}
	if filter.Domain != "" {
		args = append(args, filter.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// Update runs the conditional update as one UPDATE ... RETURNING statement.
// Postgres evaluates the WHERE clause under the row lock taken for the write,
// so two concurrent IfUnlocked updates cannot both match.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, cond Condition, changes Changes) (*User, error) {
	defer observe(BackendPostgres, "update", time.Now())

	if changes.IsEmpty() {
		return nil, ErrNoChanges
	}

	args := []interface{}{id}
	var sets []string
	if changes.Env != nil {
		args = append(args, *changes.Env)
		sets = append(sets, fmt.Sprintf("env = $%d", len(args)))
	}
	if changes.Domain != nil {
		args = append(args, *changes.Domain)
		sets = append(sets, fmt.Sprintf("domain = $%d", len(args)))
	}
	switch changes.Lock {
	case LockSet:
		sets = append(sets, "locktime = now()")
	case LockClear:
		sets = append(sets, "locktime = NULL")
	}

	where := "id = $1"
	if cond == IfUnlocked {
		where += " AND locktime IS NULL"
	}

	query := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE " + where + " RETURNING " + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoMatch
		}
		return nil, unavailable("update user", err)
	}
	return u, nil
}

// Delete deletes a user by ID.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	defer observe(BackendPostgres, "delete", time.Now())

	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete user", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var lockTime sql.NullTime
	if err := row.Scan(
		&u.ID, &u.Login, &u.PasswordHash, &u.ProjectID, &u.Env, &u.Domain, &lockTime, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lockTime.Valid {
		t := lockTime.Time
		u.LockTime = &t
	}
	return u, nil
}

// isUniqueViolation checks whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
