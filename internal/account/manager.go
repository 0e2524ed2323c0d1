package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/bluesky"
	"skycomposer/internal/observability"
	"skycomposer/internal/storage"
)

var (
	// ErrLoginFailed wraps any failure to create a session from credentials.
	ErrLoginFailed = errors.New("login failed")

	// ErrNoSession is returned when no usable session is stored.
	ErrNoSession = errors.New("no active session")
)

// Authenticator creates and restores network sessions.
type Authenticator interface {
	Login(ctx context.Context, identifier, password string) (*bluesky.Agent, error)
	Resume(ctx context.Context, blob []byte) (*bluesky.Agent, error)
}

// Manager owns the persisted session blob for each user.
type Manager struct {
	auth  Authenticator
	store storage.Store
	log   logrus.FieldLogger
}

// NewManager creates a session manager.
func NewManager(auth Authenticator, store storage.Store, logger logrus.FieldLogger) *Manager {
	return &Manager{
		auth:  auth,
		store: store,
		log:   logger.WithField("component", "account"),
	}
}

// Login authenticates with an identifier and app password and persists the
// resulting session. There is no retry.
func (m *Manager) Login(ctx context.Context, userID int64, identifier, password string) (*bluesky.Agent, error) {
	log := m.log.WithField("user_id", userID)

	agent, err := m.auth.Login(ctx, identifier, password)
	if err != nil {
		observability.SessionEvents.WithLabelValues("login", "error").Inc()
		log.WithError(err).Warn("Login failed")
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	if err := m.persist(ctx, userID, agent); err != nil {
		return nil, err
	}
	m.watch(userID, agent)

	observability.SessionEvents.WithLabelValues("login", "ok").Inc()
	log.WithField("handle", agent.Handle()).Info("User logged in")
	return agent, nil
}

// Resume restores the stored session for userID. A session that cannot be
// resumed is removed from storage.
func (m *Manager) Resume(ctx context.Context, userID int64) (*bluesky.Agent, error) {
	log := m.log.WithField("user_id", userID)
	key := storage.UserKey(userID, storage.KeySession)

	blob, err := m.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	agent, err := m.auth.Resume(ctx, blob)
	if err != nil {
		observability.SessionEvents.WithLabelValues("resume", "error").Inc()
		log.WithError(err).Warn("Stored session rejected, removing it")
		if rmErr := m.store.Remove(ctx, key); rmErr != nil {
			log.WithError(rmErr).Error("Failed to remove rejected session")
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}

	// Resume may have refreshed the tokens.
	if err := m.persist(ctx, userID, agent); err != nil {
		log.WithError(err).Warn("Failed to persist resumed session")
	}
	m.watch(userID, agent)

	observability.SessionEvents.WithLabelValues("resume", "ok").Inc()
	log.WithField("handle", agent.Handle()).Info("Session resumed")
	return agent, nil
}

// Logout forgets the stored session and the last post link.
func (m *Manager) Logout(ctx context.Context, userID int64) error {
	for _, name := range []string{storage.KeySession, storage.KeyLastPostURL} {
		if err := m.store.Remove(ctx, storage.UserKey(userID, name)); err != nil {
			return fmt.Errorf("failed to log out: %w", err)
		}
	}
	observability.SessionEvents.WithLabelValues("logout", "ok").Inc()
	m.log.WithField("user_id", userID).Info("User logged out")
	return nil
}

func (m *Manager) persist(ctx context.Context, userID int64, agent *bluesky.Agent) error {
	blob, err := agent.SessionBlob()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(ctx, storage.UserKey(userID, storage.KeySession), blob); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// watch keeps storage in step with token refreshes done by the agent.
func (m *Manager) watch(userID int64, agent *bluesky.Agent) {
	agent.OnSessionUpdate(func(blob []byte) {
		err := m.store.Set(context.Background(), storage.UserKey(userID, storage.KeySession), blob)
		if err != nil {
			m.log.WithError(err).WithField("user_id", userID).Error("Failed to persist refreshed session")
		}
	})
}
