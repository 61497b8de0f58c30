package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/telemetry"
)

// Manager is the default session manager: it creates, validates and closes
// TTL-bound sessions held in a Store.
type Manager struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics reports the active session count.
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a manager over store.
func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create starts a new session. Expired sessions are purged first.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.purge(ctx)

	now := m.now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info().Str("session_id", s.ID).Time("expires_at", s.ExpiresAt).Msg("Session created")
	m.reportCount(ctx)
	return s, nil
}

// Get returns a live session. Expired sessions are removed and reported as
// ErrExpired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" || id == RequestTypeNewSession {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to remove expired session")
		}
		m.reportCount(ctx)
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return s, nil
}

// Close ends a live session.
func (m *Manager) Close(ctx context.Context, id string) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("session_id", id).Msg("Session closed")
	m.reportCount(ctx)
	return nil
}

// Purge removes expired sessions and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug().Int("count", n).Msg("Purged expired sessions")
	}
	m.reportCount(ctx)
	return n, nil
}

// Run purges expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purge(ctx)
		}
	}
}

func (m *Manager) purge(ctx context.Context) {
	if _, err := m.Purge(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to purge expired sessions")
	}
}

func (m *Manager) reportCount(ctx context.Context) {
	if !m.metrics.Enabled() {
		return
	}
	n, err := m.store.Count(ctx)
	if err != nil {
		return
	}
	m.metrics.SetActiveSessions(n)
}
