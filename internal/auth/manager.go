package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tunebridge/internal/metrics"
	"tunebridge/internal/request"
	"tunebridge/internal/storage"
)

// TokenStore is the persistence surface the manager needs. Implemented
// by storage.TokenStore.
type TokenStore interface {
	Put(ctx context.Context, userID string, record *storage.TokenRecord) error
	Get(ctx context.Context, userID string) (*storage.TokenRecord, error)
	Delete(ctx context.Context, userID string) error
	ListUsers(ctx context.Context) ([]string, error)
}

// Exchanger is the token-endpoint surface the manager needs.
// Implemented by ExchangeClient.
type Exchanger interface {
	AuthCodeURL(state, challenge string) string
	Exchange(ctx context.Context, code, verifier string) (*storage.TokenRecord, error)
	Refresh(ctx context.Context, rec *storage.TokenRecord) (*storage.TokenRecord, error)
}

// Status is the externally visible credential state for a user. It
// never carries token material.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	NeedsRefresh  bool      `json:"needs_refresh,omitempty"`
}

// Manager owns the credential lifecycle: starting and completing
// authorization flows, serving access tokens, and refreshing them
// behind a per-user single-flight gate.
type Manager struct {
	sessions *SessionManager
	exchange Exchanger
	store    TokenStore

	// margin is how far before expiry a token already counts as stale.
	margin time.Duration

	group  singleflight.Group
	logger zerolog.Logger
	nowFn  func() time.Time

	// revocations counts Revoke calls per user. A refresh captures the
	// count when it starts and discards its result when the count moved,
	// so a revoke landing mid-flight is never undone.
	revMu       sync.Mutex
	revocations map[string]uint64
}

// NewManager wires a credential manager.
func NewManager(sessions *SessionManager, exchange Exchanger, store TokenStore, margin time.Duration, logger zerolog.Logger) *Manager {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Manager{
		sessions:    sessions,
		exchange:    exchange,
		store:       store,
		margin:      margin,
		logger:      logger,
		nowFn:       time.Now,
		revocations: make(map[string]uint64),
	}
}

// StartAuthorization opens a new authorization flow for a user and
// returns the provider URL to send them to.
func (m *Manager) StartAuthorization(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user ID cannot be empty")
	}

	state, challenge, err := m.sessions.Begin(userID)
	if err != nil {
		return "", fmt.Errorf("failed to create authorization session: %w", err)
	}

	metrics.AuthFlowsStarted.Inc()
	m.logger.Info().Str("user_id", userID).Msg("authorization flow started")

	return m.exchange.AuthCodeURL(state, challenge), nil
}

// CompleteAuthorization finishes a flow from a provider callback: the
// state must match a pending session, the code is exchanged with the
// session's PKCE verifier, and the resulting credential is persisted.
// Returns the user the flow belongs to.
func (m *Manager) CompleteAuthorization(ctx context.Context, result CallbackResult) (string, error) {
	sess, ok := m.sessions.Consume(result.State)
	if !ok {
		metrics.AuthFlowsCompleted.WithLabelValues("invalid_state").Inc()
		return "", request.InvalidState(nil)
	}

	if result.IsError() {
		metrics.AuthFlowsCompleted.WithLabelValues("denied").Inc()
		m.logger.Warn().Str("user_id", sess.UserID).Str("error", result.Error).
			Msg("authorization denied at provider")
		return "", request.AuthRequired("authorization denied", nil)
	}

	rec, err := m.exchange.Exchange(ctx, result.Code, sess.Verifier)
	if err != nil {
		metrics.AuthFlowsCompleted.WithLabelValues("error").Inc()
		return "", err
	}

	if err := m.store.Put(ctx, sess.UserID, rec); err != nil {
		metrics.AuthFlowsCompleted.WithLabelValues("error").Inc()
		return "", request.Transient("failed to persist credential", err)
	}

	metrics.AuthFlowsCompleted.WithLabelValues("success").Inc()
	m.logger.Info().Str("user_id", sess.UserID).Time("expires_at", rec.ExpiresAt).
		Msg("authorization flow completed")

	return sess.UserID, nil
}

// GetAccessToken returns a currently valid access token for the user,
// refreshing first when the stored one is expired or about to expire.
// Concurrent callers for the same user share a single refresh.
func (m *Manager) GetAccessToken(ctx context.Context, userID string) (string, error) {
	rec, err := m.getRecord(ctx, userID)
	if err != nil {
		return "", err
	}

	if m.freshEnough(rec) {
		return rec.AccessToken, nil
	}

	rec, err = m.refresh(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// EnsureFresh proactively refreshes the user's credential when it is
// inside the expiry margin. Used by the background sweeper.
func (m *Manager) EnsureFresh(ctx context.Context, userID string) error {
	rec, err := m.getRecord(ctx, userID)
	if err != nil {
		return err
	}
	if m.freshEnough(rec) {
		return nil
	}
	_, err = m.refresh(ctx, userID)
	return err
}

// IsAuthenticated reports whether the user has a stored credential.
func (m *Manager) IsAuthenticated(ctx context.Context, userID string) (bool, error) {
	_, err := m.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read credential: %w", err)
	}
	return true, nil
}

// Status reports the user's credential state without exposing token
// material. An unauthenticated user gets a zero status, not an error.
func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Status{}, nil
		}
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	return &Status{
		Authenticated: true,
		ExpiresAt:     rec.ExpiresAt,
		Scopes:        rec.Scopes,
		NeedsRefresh:  !m.freshEnough(rec),
	}, nil
}

// Revoke drops the user's stored credential. The next API call will
// require a fresh authorization flow. An in-flight refresh for the
// user is allowed to finish, but its result is discarded.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	m.revMu.Lock()
	m.revocations[userID]++
	m.revMu.Unlock()

	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	m.logger.Info().Str("user_id", userID).Msg("credential revoked")
	return nil
}

// Users lists every user with a stored credential.
func (m *Manager) Users(ctx context.Context) ([]string, error) {
	return m.store.ListUsers(ctx)
}

func (m *Manager) getRecord(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, request.AuthRequired("user has not authorized this service", err)
		}
		return nil, request.Transient("credential storage unavailable", err)
	}
	return rec, nil
}

func (m *Manager) revocationEpoch(userID string) uint64 {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	return m.revocations[userID]
}

// freshEnough reports whether the record's access token is usable for
// at least the expiry margin.
func (m *Manager) freshEnough(rec *storage.TokenRecord) bool {
	if rec == nil || rec.AccessToken == "" {
		return false
	}
	if rec.ExpiresAt.IsZero() {
		return true
	}
	return rec.ExpiresAt.After(m.nowFn().Add(m.margin))
}

// refresh performs the refresh grant behind a per-user single-flight
// gate. Late arrivals join the in-flight refresh and share its result;
// a second check inside the flight avoids refreshing a credential a
// previous flight just renewed.
func (m *Manager) refresh(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	v, err, shared := m.group.Do(userID, func() (interface{}, error) {
		epoch := m.revocationEpoch(userID)

		rec, err := m.getRecord(ctx, userID)
		if err != nil {
			return nil, err
		}
		if m.freshEnough(rec) {
			return rec, nil
		}

		newRec, err := m.exchange.Refresh(ctx, rec)
		if err != nil {
			outcome := "error"
			if request.IsKind(err, request.KindAuth) {
				outcome = "invalid_grant"
			}
			metrics.TokenRefreshes.WithLabelValues(outcome).Inc()
			// A failed refresh must not leave a credential behind that
			// still looks valid. Drop the record and demand a new flow.
			if delErr := m.store.Delete(ctx, userID); delErr != nil {
				m.logger.Error().Str("user_id", userID).Err(delErr).
					Msg("failed to delete credential after failed refresh")
			}
			m.logger.Warn().Str("user_id", userID).Str("outcome", outcome).
				Msg("refresh failed, credential dropped")
			return nil, err
		}

		if err := m.store.Put(ctx, userID, newRec); err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, request.Transient("failed to persist refreshed credential", err)
		}

		if m.revocationEpoch(userID) != epoch {
			// A revoke landed while the refresh was in flight. The
			// refresh ran to completion, but the revoke wins: undo the
			// write and report the user as unauthorized.
			metrics.TokenRefreshes.WithLabelValues("discarded").Inc()
			if delErr := m.store.Delete(ctx, userID); delErr != nil {
				m.logger.Error().Str("user_id", userID).Err(delErr).
					Msg("failed to delete credential refreshed during revoke")
			}
			m.logger.Info().Str("user_id", userID).Msg("credential revoked during refresh, result discarded")
			return nil, request.AuthRequired("user has not authorized this service", nil)
		}

		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		m.logger.Debug().Str("user_id", userID).Time("expires_at", newRec.ExpiresAt).
			Msg("credential refreshed")
		return newRec, nil
	})

	if shared {
		metrics.RefreshCoalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*storage.TokenRecord), nil
}
