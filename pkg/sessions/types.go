package sessions

import (
	"context"
	"errors"
	"time"
)

// Session request and response headers.
const (
	HeaderSessionID       = "X-Amzn-SageMaker-Session-Id"
	HeaderNewSessionID    = "X-Amzn-SageMaker-New-Session-Id"
	HeaderClosedSessionID = "X-Amzn-SageMaker-Closed-Session-Id"
)

// Values of the requestType body field that mark a session request.
const (
	RequestTypeNewSession = "NEW_SESSION"
	RequestTypeClose      = "CLOSE"
)

// DefaultTTL is how long a session lives after creation.
const DefaultTTL = 20 * time.Minute

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned for sessions past their expiry.
	ErrExpired = errors.New("session expired")

	// ErrInvalidID is returned for empty or reserved session ids.
	ErrInvalidID = errors.New("invalid session id")
)

// Session is a stateful session tracked by the default session manager.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions.
type Store interface {
	// Put inserts or replaces a session.
	Put(ctx context.Context, s *Session) error

	// Get returns the session with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session with id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes sessions that expired at or before now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	// Close releases the store's resources.
	Close() error
}
