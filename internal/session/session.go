// Package session binds the engine to the single distributor identity that
// may spend from the treasury.
//
// A Session is a handle stamped with the manager's generation. Every
// establishment or invalidation bumps the generation, so a handle taken
// before an identity change can never authorize a transfer after it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/ledger"
)

// State of the manager.
type State int

const (
	Unestablished State = iota
	Authorized
	Invalidated
)

func (s State) String() string {
	switch s {
	case Unestablished:
		return "unestablished"
	case Authorized:
		return "authorized"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IdentitySource reports the identity currently connected to the ledger.
type IdentitySource interface {
	Identity(ctx context.Context) (string, error)
}

// AuthorizationError means the connected identity is not the configured
// distributor. It is fatal to a batch.
type AuthorizationError struct {
	Expected  string
	Connected string
	Reason    string
}

func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return "session: not authorized: " + e.Reason
	}
	if e.Connected == "" {
		return "session: not authorized: no identity connected"
	}
	return fmt.Sprintf("session: not authorized: connected identity %s is not %s", e.Connected, e.Expected)
}

// Session is an authorized handle. It satisfies ledger.Credential.
type Session struct {
	Identity      string
	Generation    uint64
	EstablishedAt time.Time

	mgr *Manager
}

// Account returns the distributor identity.
func (s *Session) Account() string { return s.Identity }

// Active reports whether the handle is still the current authorized session.
func (s *Session) Active() bool {
	if s == nil || s.mgr == nil {
		return false
	}
	return s.mgr.Valid(s)
}

var _ ledger.Credential = (*Session)(nil)

// IdentityChange is passed to OnIdentityChanged listeners.
type IdentityChange struct {
	Previous    string
	Current     string
	Invalidated bool
}

// Status is a point-in-time view of the manager.
type Status struct {
	State         State     `json:"state"`
	Identity      string    `json:"identity,omitempty"`
	Expected      string    `json:"expected_identity"`
	Generation    uint64    `json:"generation"`
	EstablishedAt time.Time `json:"established_at,omitempty"`
	InvalidatedAt time.Time `json:"invalidated_at,omitempty"`
}

// Manager owns the session state machine:
// Unestablished -> Authorized -> Invalidated -> Authorized.
type Manager struct {
	src      IdentitySource
	expected string

	mu            sync.Mutex
	state         State
	generation    uint64
	current       *Session
	lastSeen      string
	invalidatedAt time.Time
	listeners     []func(IdentityChange)

	nowFunc func() time.Time
}

// NewManager creates a manager that authorizes only expectedIdentity.
func NewManager(src IdentitySource, expectedIdentity string) *Manager {
	return &Manager{
		src:      src,
		expected: expectedIdentity,
		state:    Unestablished,
		nowFunc:  time.Now,
	}
}

// Establish asks the ledger for the connected identity and authorizes it if
// it matches the expected distributor. A mismatch while authorized
// invalidates the current session.
func (m *Manager) Establish(ctx context.Context) (*Session, error) {
	identity, err := m.src.Identity(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "session: query connected identity")
	}

	m.mu.Lock()
	var authErr *AuthorizationError
	switch {
	case m.expected == "":
		authErr = &AuthorizationError{Reason: "no expected identity configured"}
	case identity == "":
		authErr = &AuthorizationError{Expected: m.expected}
	case !ledger.SameAddress(identity, m.expected):
		authErr = &AuthorizationError{Expected: m.expected, Connected: identity}
	}

	if authErr != nil {
		change, changed := m.observeLocked(identity)
		if m.state == Authorized {
			m.invalidateLocked()
			change.Invalidated = true
		}
		listeners := m.listenersLocked(changed || change.Invalidated)
		m.mu.Unlock()
		fire(listeners, change)
		return nil, authErr
	}

	m.observeLocked(identity)
	m.generation++
	m.state = Authorized
	m.current = &Session{
		Identity:      identity,
		Generation:    m.generation,
		EstablishedAt: m.nowFunc(),
		mgr:           m,
	}
	s := m.current
	m.mu.Unlock()

	zap.L().Info("session: established",
		zap.String("identity", identity),
		zap.Uint64("generation", s.Generation),
	)
	return s, nil
}

// IsActive reports whether an authorized session exists.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Authorized
}

// Current returns the authorized session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return nil, false
	}
	return m.current, true
}

// Valid reports whether s is the current authorized session.
func (m *Manager) Valid(s *Session) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Authorized && s.Generation == m.generation
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:         m.state,
		Expected:      m.expected,
		Generation:    m.generation,
		InvalidatedAt: m.invalidatedAt,
	}
	if m.current != nil {
		st.Identity = m.current.Identity
		st.EstablishedAt = m.current.EstablishedAt
	}
	return st
}

// OnIdentityChanged registers a listener for identity changes.
func (m *Manager) OnIdentityChanged(fn func(IdentityChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// NotifyIdentityChanged reports that the ledger now sees identity as the
// connected account. Any difference from the authorized identity
// invalidates the session.
func (m *Manager) NotifyIdentityChanged(identity string) {
	m.mu.Lock()
	change, changed := m.observeLocked(identity)
	if m.state == Authorized && !ledger.SameAddress(identity, m.current.Identity) {
		m.invalidateLocked()
		change.Invalidated = true
	}
	listeners := m.listenersLocked(changed || change.Invalidated)
	m.mu.Unlock()

	if change.Invalidated {
		zap.L().Warn("session: invalidated by identity change",
			zap.String("previous", change.Previous),
			zap.String("current", change.Current),
		)
	}
	fire(listeners, change)
}

// Invalidate ends the current session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authorized {
		m.invalidateLocked()
	}
}

// Watch polls the connected identity every interval and reports changes
// until ctx is done. Poll errors are logged and do not change state.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("session: watch interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			identity, err := m.src.Identity(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				zap.L().Warn("session: identity poll failed", zap.Error(err))
				continue
			}
			m.NotifyIdentityChanged(identity)
		}
	}
}

func (m *Manager) observeLocked(identity string) (IdentityChange, bool) {
	change := IdentityChange{Previous: m.lastSeen, Current: identity}
	changed := !ledger.SameAddress(m.lastSeen, identity)
	m.lastSeen = identity
	return change, changed
}

func (m *Manager) invalidateLocked() {
	m.generation++
	m.state = Invalidated
	m.invalidatedAt = m.nowFunc()
}

func (m *Manager) listenersLocked(notify bool) []func(IdentityChange) {
	if !notify || len(m.listeners) == 0 {
		return nil
	}
	return append([]func(IdentityChange){}, m.listeners...)
}

func fire(listeners []func(IdentityChange), change IdentityChange) {
	for _, fn := range listeners {
		fn(change)
	}
}
