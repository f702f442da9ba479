// Package user provides the user record, its persistence backends and the
// CRUD service built on top of them.
package user

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a registry record. LockTime is the exclusive-lock marker: nil means
// the record is available, otherwise it holds the moment the lock was taken.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Login        string     `json:"login"`
	PasswordHash string     `json:"-"`
	ProjectID    uuid.UUID  `json:"project_id"`
	Env          string     `json:"env"`
	Domain       string     `json:"domain"`
	LockTime     *time.Time `json:"locktime"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsLocked reports whether the lock marker is present.
func (u *User) IsLocked() bool {
	return u.LockTime != nil
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	c := *u
	if u.LockTime != nil {
		t := *u.LockTime
		c.LockTime = &t
	}
	return &c
}

// normalizeLogin folds a login for uniqueness checks. Logins are compared
// case-insensitively, matching the citext column in Postgres.
func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	ProjectID *uuid.UUID
	Env       string
	Domain    string
}

// Matches reports whether u passes the filter.
func (f ListFilter) Matches(u *User) bool {
	if f.ProjectID != nil && u.ProjectID != *f.ProjectID {
		return false
	}
	if f.Env != "" && u.Env != f.Env {
		return false
	}
	if f.Domain != "" && u.Domain != f.Domain {
		return false
	}
	return true
}

// Condition is the predicate a conditional update is evaluated against.
type Condition int

const (
	// Always matches any existing record.
	Always Condition = iota
	// IfUnlocked matches only records whose lock marker is absent.
	IfUnlocked
)

// Matches reports whether u satisfies the condition.
func (c Condition) Matches(u *User) bool {
	switch c {
	case IfUnlocked:
		return u.LockTime == nil
	default:
		return true
	}
}

func (c Condition) String() string {
	if c == IfUnlocked {
		return "if_unlocked"
	}
	return "always"
}

// LockChange describes what an update does to the lock marker.
type LockChange int

const (
	// LockKeep leaves the marker as it is.
	LockKeep LockChange = iota
	// LockSet stamps the marker with the store's current time.
	LockSet
	// LockClear removes the marker.
	LockClear
)

// Changes holds the values written by a conditional update. Nil fields are
// left untouched.
type Changes struct {
	Env    *string
	Domain *string
	Lock   LockChange
}

// IsEmpty reports whether the update would write nothing.
func (c Changes) IsEmpty() bool {
	return c.Env == nil && c.Domain == nil && c.Lock == LockKeep
}

// Apply returns a copy of u with the changes applied. now is used for LockSet.
func (c Changes) Apply(u *User, now time.Time) *User {
	next := u.Clone()
	if c.Env != nil {
		next.Env = *c.Env
	}
	if c.Domain != nil {
		next.Domain = *c.Domain
	}
	switch c.Lock {
	case LockSet:
		t := now
		next.LockTime = &t
	case LockClear:
		next.LockTime = nil
	}
	return next
}
