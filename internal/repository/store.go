package repository

import (
	"context"
	"errors"

	"parking-service/internal/domain/parking"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrActiveConflict means a second ACTIVE session was about to be
	// written for a plate that already has one.
	ErrActiveConflict = errors.New("plate already has an active session")
)

// TransitionFunc receives the plate's ACTIVE session (nil when there is
// none) and returns the session to persist. It must not perform I/O.
type TransitionFunc func(active *parking.Session) (*parking.Session, error)

// UpdateFunc mutates a loaded session in place before it is saved.
type UpdateFunc func(s *parking.Session) error

// SessionStore is the persisted session table.
type SessionStore interface {
	// Transition runs fn in a critical section scoped to plate: concurrent
	// calls for the same plate are serialized, other plates are unaffected.
	Transition(ctx context.Context, plate string, fn TransitionFunc) (*parking.Session, error)
	// Update applies fn to session id under a row lock and saves it.
	Update(ctx context.Context, id int64, fn UpdateFunc) (*parking.Session, error)
	FindByID(ctx context.Context, id int64) (*parking.Session, error)
	ListActive(ctx context.Context) ([]parking.Session, error)
	ListUnpaid(ctx context.Context) ([]parking.Session, error)
	History(ctx context.Context, filter parking.HistoryFilter) ([]parking.Session, int64, error)
	Close() error
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
