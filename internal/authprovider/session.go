package authprovider

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/transit_layer/internal/logging"
)

// Status is the resolution state of a session.
type Status int

const (
	// StatusLoading means the session has not been resolved yet.
	StatusLoading Status = iota
	// StatusSignedOut means there is definitely no valid session.
	StatusSignedOut
	// StatusSignedIn means a user is signed in.
	StatusSignedIn
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSignedOut:
		return "signed_out"
	case StatusSignedIn:
		return "signed_in"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Status      Status
	User        *User
	AccessToken string
}

// Role returns the user's role, or "" when not signed in.
func (s Snapshot) Role() string {
	if s.Status != StatusSignedIn || s.User == nil {
		return ""
	}
	return s.User.Role
}

// Loading is the unresolved snapshot.
func Loading() Snapshot { return Snapshot{Status: StatusLoading} }

// SignedOut is the snapshot with no session.
func SignedOut() Snapshot { return Snapshot{Status: StatusSignedOut} }

// Accessor yields the current session snapshot.
type Accessor interface {
	Session(ctx context.Context) Snapshot
}

// AccessorFunc adapts a function to Accessor.
type AccessorFunc func(ctx context.Context) Snapshot

func (f AccessorFunc) Session(ctx context.Context) Snapshot { return f(ctx) }

// =============================================================================
// Token Storage
// =============================================================================

// Tokens is the persisted part of a session.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists tokens between runs. Implementations must be safe for
// concurrent use.
type TokenStore interface {
	Load() (Tokens, bool)
	Save(Tokens)
	Clear()
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens *Tokens
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (Tokens, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return Tokens{}, false
	}
	return *m.tokens, true
}

func (m *MemoryStore) Save(t Tokens) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = &t
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = nil
}

// =============================================================================
// Manager
// =============================================================================

// refreshLeeway is how long before expiry a token is refreshed.
const refreshLeeway = 30 * time.Second

// Manager holds the session of a single interactive user. It starts in
// StatusLoading and is resolved by Resolve or SignIn.
type Manager struct {
	client *Client
	store  TokenStore
	log    *logging.Logger
	now    func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewManager creates a manager over client and store.
func NewManager(client *Client, store TokenStore, log *logging.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logging.NewDefault("session")
	}
	return &Manager{
		client: client,
		store:  store,
		log:    log,
		now:    time.Now,
		snap:   Loading(),
	}
}

// Session returns the latest snapshot.
func (m *Manager) Session(context.Context) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Token returns the current access token, or "" when signed out.
func (m *Manager) Token(context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap.Status != StatusSignedIn {
		return ""
	}
	return m.snap.AccessToken
}

// Resolve validates the stored tokens with the provider, refreshing them if
// needed. Unreachable providers leave the session Loading; rejected tokens
// sign the user out.
func (m *Manager) Resolve(ctx context.Context) Snapshot {
	tokens, ok := m.store.Load()
	if !ok || tokens.AccessToken == "" {
		return m.set(SignedOut())
	}

	if !tokens.ExpiresAt.IsZero() && m.now().Add(refreshLeeway).After(tokens.ExpiresAt) && tokens.RefreshToken != "" {
		return m.refresh(ctx, tokens.RefreshToken)
	}

	user, err := m.client.GetUser(ctx, tokens.AccessToken)
	switch {
	case err == nil:
		return m.set(Snapshot{Status: StatusSignedIn, User: user, AccessToken: tokens.AccessToken})
	case IsRejected(err) && tokens.RefreshToken != "":
		return m.refresh(ctx, tokens.RefreshToken)
	case IsRejected(err):
		m.store.Clear()
		return m.set(SignedOut())
	default:
		m.log.WithContext(ctx).WithError(err).Warn("session unresolved")
		return m.set(Loading())
	}
}

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) (Snapshot, error) {
	s, err := m.client.SignIn(ctx, email, password)
	if err != nil {
		if IsRejected(err) {
			m.set(SignedOut())
		}
		return m.Session(ctx), err
	}
	return m.adopt(ctx, s), nil
}

// SignOut revokes the session and clears stored tokens. The local session is
// cleared even if the provider call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	tokens, ok := m.store.Load()
	m.store.Clear()
	m.set(SignedOut())
	if !ok || tokens.AccessToken == "" {
		return nil
	}
	return m.client.SignOut(ctx, tokens.AccessToken)
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) Snapshot {
	s, err := m.client.Refresh(ctx, refreshToken)
	if err != nil {
		if IsRejected(err) {
			m.store.Clear()
			return m.set(SignedOut())
		}
		m.log.WithContext(ctx).WithError(err).Warn("session refresh failed")
		return m.set(Loading())
	}
	return m.adopt(ctx, s)
}

func (m *Manager) adopt(ctx context.Context, s *Session) Snapshot {
	m.store.Save(Tokens{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	})

	user := s.User
	if user == nil {
		u, err := m.client.GetUser(ctx, s.AccessToken)
		if err != nil {
			m.log.WithContext(ctx).WithError(err).Warn("session user lookup failed")
			return m.set(Loading())
		}
		user = u
	}

	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id": user.ID,
		"role":    user.Role,
	}).Info("session established")
	return m.set(Snapshot{Status: StatusSignedIn, User: user, AccessToken: s.AccessToken})
}

func (m *Manager) set(s Snapshot) Snapshot {
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
	return s
}
