// ABOUTME: Session state machine composed from the credential store and codec
// ABOUTME: Tracks the current principal, readiness, and an epoch tag per transition

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/events"
)

// Session errors
var (
	ErrLoginRejected = errors.New("login credential rejected")
	ErrTornDown      = errors.New("session manager torn down")
	ErrEpochMoved    = errors.New("session changed since the login started")
)

// Status is the state machine position.
type Status string

const (
	StatusLoading       Status = "loading"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// State is a snapshot of the session. Principal is nil when anonymous.
// Epoch changes whenever the principal changes or a new credential is
// installed; anything tagged with an older epoch belongs to a session that no
// longer exists.
type State struct {
	Principal *credential.Principal
	Ready     bool
	Epoch     uint64
}

// Status derives the state machine position from the snapshot.
func (s State) Status() Status {
	switch {
	case !s.Ready:
		return StatusLoading
	case s.Principal != nil:
		return StatusAuthenticated
	default:
		return StatusAnonymous
	}
}

// Observer is called synchronously after each transition, in transition order.
// Observers must not call back into the Manager.
type Observer func(prev, next State)

// Manager owns the process-wide session. Create one per process with New and
// call Init once at startup; Teardown releases observers.
type Manager struct {
	mu        sync.Mutex
	store     credential.Store
	codec     *credential.Codec
	state     State
	expiresAt time.Time
	restored  bool
	torn      bool
	now       func() time.Time

	// notifyMu is taken before mu is released so observers and subscribers
	// see transitions in the order they happened.
	notifyMu  sync.Mutex
	observers []Observer

	bus    *events.Bus
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for local expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a manager in the Loading state. bus and logger may be nil.
func New(store credential.Store, codec *credential.Codec, bus *events.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		codec:  codec,
		bus:    bus,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init restores the session from the store. It runs at most once; later
// calls return nil without touching state. Ready is true afterwards even
// when the store could not be read.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.restored || m.torn {
		m.mu.Unlock()
		return nil
	}
	m.restored = true

	raw, ok, err := m.store.Get(ctx)
	if err != nil {
		m.transitionLocked(nil, time.Time{}, false)
		return fmt.Errorf("restoring session: %w", err)
	}

	if ok {
		if claims, derr := m.codec.Decode(raw); derr == nil && !m.codec.Expired(claims) {
			p := claims.Principal()
			m.logger.Info("session restored", "subject_id", p.SubjectID, "role", p.Role)
			m.transitionLocked(&p, claims.ExpiresAt.Time, true)
			return nil
		}
		m.logger.Info("discarding stored credential", "reason", "expired or undecodable")
		if cerr := m.store.Clear(ctx); cerr != nil {
			m.logger.Warn("failed to clear stale credential", "error", cerr)
		}
	}

	m.transitionLocked(nil, time.Time{}, false)
	return nil
}

// Login stores raw and transitions to Authenticated. When raw cannot be decoded
// or is already expired, the slot is cleared, the session is anonymous, and the
// returned error wraps ErrLoginRejected.
func (m *Manager) Login(ctx context.Context, raw string) error {
	m.mu.Lock()
	return m.loginLocked(ctx, raw)
}

// LoginIfEpoch is Login, but only while epoch is still current. A logout or
// another login that landed since epoch was read wins, and ErrEpochMoved is
// returned without touching the store.
func (m *Manager) LoginIfEpoch(ctx context.Context, raw string, epoch uint64) error {
	m.mu.Lock()
	if !m.torn && m.state.Epoch != epoch {
		m.mu.Unlock()
		return ErrEpochMoved
	}
	return m.loginLocked(ctx, raw)
}

// loginLocked must be called with mu held and releases it.
func (m *Manager) loginLocked(ctx context.Context, raw string) error {
	if m.torn {
		m.mu.Unlock()
		return ErrTornDown
	}
	m.restored = true

	if err := m.store.Set(ctx, raw); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("storing credential: %w", err)
	}

	claims, err := m.codec.Decode(raw)
	if err == nil && m.codec.Expired(claims) {
		err = errors.New("credential already expired")
	}
	if err != nil {
		if cerr := m.store.Clear(ctx); cerr != nil {
			m.logger.Warn("failed to clear rejected credential", "error", cerr)
		}
		m.logger.Error("login credential rejected", "error", err)
		m.transitionLocked(nil, time.Time{}, false)
		return fmt.Errorf("%w: %v", ErrLoginRejected, err)
	}

	p := claims.Principal()
	m.logger.Info("logged in", "subject_id", p.SubjectID, "role", p.Role)
	m.transitionLocked(&p, claims.ExpiresAt.Time, true)
	return nil
}

// Logout clears the store and transitions to Anonymous.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return ErrTornDown
	}
	m.restored = true

	err := m.store.Clear(ctx)
	if err != nil {
		err = fmt.Errorf("clearing credential: %w", err)
	}
	m.logger.Info("logged out")
	m.transitionLocked(nil, time.Time{}, false)
	return err
}

// Expire tears the session down after the backend rejected the credential.
// It only acts when epoch is the current epoch and a principal is present,
// so concurrent or late 401s collapse into one teardown. Returns true for the
// call that performed it.
func (m *Manager) Expire(ctx context.Context, epoch uint64) bool {
	m.mu.Lock()
	if m.torn || m.state.Epoch != epoch || m.state.Principal == nil {
		m.mu.Unlock()
		return false
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear expired credential", "error", err)
	}
	m.logger.Info("session expired", "subject_id", m.state.Principal.SubjectID)
	m.transitionLocked(nil, time.Time{}, false)
	return true
}

// CheckExpiry expires the session locally once the credential's exp has passed.
// Returns true if it transitioned.
func (m *Manager) CheckExpiry(ctx context.Context) bool {
	m.mu.Lock()
	if !m.lapsedLocked() {
		m.mu.Unlock()
		return false
	}
	m.lapseLocked(ctx)
	return true
}

// State returns the current snapshot. A credential whose exp has passed ends
// the session first, so the snapshot never carries an expired principal.
func (m *Manager) State() State {
	m.mu.Lock()
	if m.lapsedLocked() {
		m.lapseLocked(context.Background())
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Epoch returns the current epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Epoch
}

// Principal returns the current principal, if any.
func (m *Manager) Principal() (credential.Principal, bool) {
	m.mu.Lock()
	if m.lapsedLocked() {
		m.lapseLocked(context.Background())
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.state.Principal == nil {
		return credential.Principal{}, false
	}
	return *m.state.Principal, true
}

// Bearer reads the stored credential together with the epoch it belongs to.
// Both are taken under the same lock so a request carries a consistent snapshot.
// An expired credential is cleared instead of returned.
func (m *Manager) Bearer(ctx context.Context) (raw string, epoch uint64, err error) {
	m.mu.Lock()
	if m.lapsedLocked() {
		m.lapseLocked(context.WithoutCancel(ctx))
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	raw, _, err = m.store.Get(ctx)
	if err != nil {
		return "", m.state.Epoch, fmt.Errorf("reading credential: %w", err)
	}
	return raw, m.state.Epoch, nil
}

// Observe registers fn to run after every transition.
func (m *Manager) Observe(fn Observer) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Teardown drops observers and rejects further transitions. The store is left
// as-is so the session can be restored by the next process.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.torn = true
	m.mu.Unlock()

	m.notifyMu.Lock()
	m.observers = nil
	m.notifyMu.Unlock()
}

// lapsedLocked reports whether the principal's credential is past its exp.
func (m *Manager) lapsedLocked() bool {
	return !m.torn && m.state.Principal != nil && m.expiresAt.UnixMilli() < m.now().UnixMilli()
}

// lapseLocked ends a session whose credential expired locally. It must be
// called with mu held and releases it.
func (m *Manager) lapseLocked(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear expired credential", "error", err)
	}
	m.logger.Info("session expired locally", "subject_id", m.state.Principal.SubjectID, "expired_at", m.expiresAt)
	m.transitionLocked(nil, time.Time{}, false)
}

func (m *Manager) snapshotLocked() State {
	s := m.state
	if s.Principal != nil {
		p := *s.Principal
		s.Principal = &p
	}
	return s
}

// transitionLocked moves to the given principal, then notifies. A fresh
// credential always starts a new epoch, even for the same principal, so late
// 401s for the replaced credential are ignored. It must be called with mu held
// and releases it.
func (m *Manager) transitionLocked(p *credential.Principal, expiresAt time.Time, freshCredential bool) {
	prev := m.snapshotLocked()

	next := State{Principal: p, Ready: true, Epoch: prev.Epoch}
	if freshCredential || !samePrincipal(prev.Principal, p) {
		next.Epoch++
	}
	m.state = next
	m.expiresAt = expiresAt
	next = m.snapshotLocked()

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	if prev.Ready == next.Ready && prev.Epoch == next.Epoch {
		return
	}

	for _, fn := range m.observers {
		fn(prev, next)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Kind:      events.SessionChanged,
			Principal: next.Principal,
			Ready:     next.Ready,
			Epoch:     next.Epoch,
		})
	}
}

func samePrincipal(a, b *credential.Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
