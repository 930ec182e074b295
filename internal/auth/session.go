package auth

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// SessionTTL is how long a pending authorization may sit between the
// redirect to the provider and the callback.
const SessionTTL = 10 * time.Minute

// Session is one pending authorization flow. The verifier never leaves
// this process; only its hashed challenge goes to the provider.
type Session struct {
	UserID    string
	Verifier  string
	CreatedAt time.Time
}

// SessionManager tracks pending authorization flows keyed by their
// state nonce. Sessions expire after SessionTTL and are consumable
// exactly once.
type SessionManager struct {
	sessions *ttlcache.Cache[string, Session]
	nowFn    func() time.Time
}

// NewSessionManager creates a session manager and starts its expiry
// loop.
func NewSessionManager() *SessionManager {
	cache := ttlcache.New[string, Session](
		ttlcache.WithTTL[string, Session](SessionTTL),
		ttlcache.WithDisableTouchOnHit[string, Session](),
	)
	go cache.Start()

	return &SessionManager{sessions: cache, nowFn: time.Now}
}

// Begin creates a pending session for a user and returns the state
// nonce plus the PKCE challenge to embed in the authorization URL.
func (m *SessionManager) Begin(userID string) (state, challenge string, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", err
	}

	state, err = generateState()
	if err != nil {
		return "", "", err
	}

	m.sessions.Set(state, Session{
		UserID:    userID,
		Verifier:  verifier,
		CreatedAt: m.nowFn(),
	}, ttlcache.DefaultTTL)

	return state, challenge, nil
}

// Consume looks up a pending session by state and removes it. A state
// can be consumed at most once; unknown, expired, and replayed states
// all report false.
func (m *SessionManager) Consume(state string) (Session, bool) {
	// GetAndDelete holds the cache lock across lookup and removal, so
	// concurrent callbacks with the same state cannot both succeed.
	item, present := m.sessions.GetAndDelete(state)
	if !present || item == nil {
		return Session{}, false
	}
	return item.Value(), true
}

// Pending reports the number of sessions currently awaiting a callback.
func (m *SessionManager) Pending() int {
	return m.sessions.Len()
}

// Stop stops the expiry loop.
func (m *SessionManager) Stop() {
	m.sessions.Stop()
}
