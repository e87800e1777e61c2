// Package session owns the signed-in identity of the daemon.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatroom/internal/models"
)

// ErrAuthentication wraps every sign-in failure.
var ErrAuthentication = errors.New("authentication failed")

// ErrTokenRejected marks provider errors that mean a token will never be
// accepted again, as opposed to transient failures.
var ErrTokenRejected = errors.New("token rejected")

// ErrNoSession is returned by operations that need a signed-in identity.
var ErrNoSession = errors.New("no active session")

// Event names a session transition.
type Event string

const (
	EventInitial        Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// IdentityProvider is the remote authority for sessions.
type IdentityProvider interface {
	SignIn(ctx context.Context, provider, credential string) (models.Session, error)
	GetUser(ctx context.Context, accessToken string) (models.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (models.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// TokenStore persists the refresh token across restarts.
type TokenStore interface {
	LoadRefreshToken() (string, error)
	SaveRefreshToken(token string) error
	ClearRefreshToken() error
}

// State is delivered to subscribers. User is nil when signed out.
type State struct {
	Event    Event            `json:"event"`
	User     *models.Identity `json:"user"`
	Username string           `json:"username,omitempty"`
}

// Manager caches one session and fans out its transitions.
type Manager struct {
	provider IdentityProvider
	store    TokenStore
	logger   zerolog.Logger

	mu      sync.Mutex
	session *models.Session
	subs    map[uint64]func(State)
	nextID  uint64

	// emitMu keeps deliveries in transition order.
	emitMu sync.Mutex
}

func NewManager(provider IdentityProvider, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger.With().Str("component", "session").Logger(),
		subs:     make(map[uint64]func(State)),
	}
}

// WithTokenStore makes the manager persist refresh tokens in store and
// resume from it.
func (m *Manager) WithTokenStore(store TokenStore) *Manager {
	m.store = store
	return m
}

// Resume signs in again with a persisted refresh token. It returns nil
// without error when there is nothing to resume. A token the provider
// rejects is discarded; one that failed transiently is kept for the next try.
func (m *Manager) Resume(ctx context.Context) (*models.Identity, error) {
	if m.store == nil {
		return nil, nil
	}
	if u := m.User(); u != nil {
		return u, nil
	}
	token, err := m.store.LoadRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	s, err := m.provider.Refresh(ctx, token)
	if err == nil && (s.User.ID == "" || s.AccessToken == "") {
		err = fmt.Errorf("%w: provider returned an empty session", ErrTokenRejected)
	}
	if err != nil {
		if !errors.Is(err, ErrTokenRejected) {
			return nil, fmt.Errorf("resume session: %w", err)
		}
		if clearErr := m.store.ClearRefreshToken(); clearErr != nil {
			m.logger.Warn().Err(clearErr).Msg("clear refresh token failed")
		}
		return nil, fmt.Errorf("resume session: %w", err)
	}

	m.set(&s, EventSignedIn)
	m.logger.Info().Str("user_id", s.User.ID).Msg("session resumed")
	u := s.User
	return &u, nil
}

// Current resolves the active identity with the provider, resuming a
// persisted session first when none is cached. Any failure yields nil, as
// does having no session.
func (m *Manager) Current(ctx context.Context) *models.Identity {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		if _, err := m.Resume(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("session resume failed")
		}
		m.mu.Lock()
		s = m.session
		m.mu.Unlock()
		if s == nil {
			return nil
		}
	}

	user, err := m.provider.GetUser(ctx, s.AccessToken)
	if err != nil {
		m.logger.Warn().Err(err).Msg("session resolution failed")
		return nil
	}
	return &user
}

// User returns the cached identity without a remote call.
func (m *Manager) User() *models.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	u := m.session.User
	return &u
}

// AccessToken returns the bearer token of the cached session.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// Subscribe calls fn with the current state, then on every transition.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.emitMu.Lock()
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	state := m.stateLocked(EventInitial)
	m.mu.Unlock()
	fn(state)
	m.emitMu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Login signs in through the named provider.
func (m *Manager) Login(ctx context.Context, provider, credential string) (*models.Identity, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrAuthentication)
	}
	s, err := m.provider.SignIn(ctx, provider, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if s.User.ID == "" || s.AccessToken == "" {
		return nil, fmt.Errorf("%w: provider returned an empty session", ErrAuthentication)
	}

	m.set(&s, EventSignedIn)
	m.logger.Info().Str("user_id", s.User.ID).Str("provider", provider).Msg("signed in")
	u := s.User
	return &u, nil
}

// Refresh exchanges the refresh token for a new session.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	next, err := m.provider.Refresh(ctx, s.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if next.User.ID == "" {
		next.User = s.User
	}
	m.set(&next, EventTokenRefreshed)
	return nil
}

// Logout signs out remotely and always clears the local identity. The remote
// error, if any, is still returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	err := m.provider.SignOut(ctx, s.AccessToken)
	m.set(nil, EventSignedOut)
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", s.User.ID).Msg("remote sign-out failed, local session cleared")
		return fmt.Errorf("sign out: %w", err)
	}
	m.logger.Info().Str("user_id", s.User.ID).Msg("signed out")
	return nil
}

func (m *Manager) set(s *models.Session, ev Event) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.session = s
	state := m.stateLocked(ev)
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.persist(s)
	for _, fn := range subs {
		fn(state)
	}
}

func (m *Manager) persist(s *models.Session) {
	if m.store == nil {
		return
	}
	var err error
	switch {
	case s == nil:
		err = m.store.ClearRefreshToken()
	case s.RefreshToken != "":
		err = m.store.SaveRefreshToken(s.RefreshToken)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("persist refresh token failed")
	}
}

func (m *Manager) stateLocked(ev Event) State {
	st := State{Event: ev}
	if m.session != nil {
		u := m.session.User
		st.User = &u
		st.Username = Username(u)
	}
	return st
}

// Username picks the display name of an identity: user_name, then full_name,
// then the local part of the email, then "user".
func Username(u models.Identity) string {
	if v := strings.TrimSpace(u.Metadata["user_name"]); v != "" {
		return v
	}
	if v := strings.TrimSpace(u.Metadata["full_name"]); v != "" {
		return v
	}
	if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
		return local
	}
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return u.Email
	}
	return "user"
}
