package browser

import (
	"context"
	"fmt"
	"os"
	"sync"

	"webauto/internal/apierr"
	"webauto/internal/cookie"
	"webauto/internal/logging"
	"webauto/internal/profile"
)

// EventSink receives session lifecycle events for the event bus (spec.md
// section 4.10's subscription set keys off these topics: session:created,
// session:destroyed, session:crashed). Kept as a narrow interface here so
// this package doesn't import internal/bus directly.
type EventSink interface {
	Publish(topic string, payload map[string]interface{})
}

type noopSink struct{}

func (noopSink) Publish(string, map[string]interface{}) {}

// ManagerConfig configures a Session Manager.
type ManagerConfig struct {
	ProfilesRoot string
	CookiesRoot  string
	Stealth      bool
}

// startFunc launches a session for a locked profile. The indirection is
// the seam that lets manager tests assert lifecycle invariants without a
// live browser process.
type startFunc func(ctx context.Context, profileID string, opts StartOptions, cookies *cookie.Store) (*BrowserSession, error)

// Manager owns the profileId -> Session map (spec.md section 4.4),
// enforcing the one-profile-one-session invariant via the Profile Lock.
type Manager struct {
	cfg ManagerConfig

	locker  *profile.Locker
	cookies *cookie.Store
	start   startFunc

	// createMu serializes Create end-to-end so concurrent creates for the
	// same profile return the same session instead of racing the lock
	// (spec.md section 8, invariant 1).
	createMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*BrowserSession

	sink EventSink
}

// NewManager constructs a Session Manager rooted at cfg's profile/cookie dirs.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		locker:   profile.NewLocker(cfg.ProfilesRoot),
		cookies:  cookie.NewStore(cfg.CookiesRoot),
		start:    Start,
		sessions: make(map[string]*BrowserSession),
		sink:     noopSink{},
	}
}

// SetSink installs the event bus this manager publishes lifecycle events to.
func (m *Manager) SetSink(sink EventSink) {
	if sink == nil {
		sink = noopSink{}
	}
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Cookies exposes the underlying Cookie Store for callers that need direct
// access (e.g. the Unified API's explicit cookie endpoints).
func (m *Manager) Cookies() *cookie.Store { return m.cookies }

// Create starts a new Browser Session bound to profileID. Idempotent: a
// second create for a live profile returns the existing session (spec.md
// section 4.4). PROFILE_BUSY only fires when a different process holds the
// profile lock.
func (m *Manager) Create(ctx context.Context, profileID string, opts StartOptions) (*BrowserSession, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	m.mu.Lock()
	if sess, exists := m.sessions[profileID]; exists {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	ownerPid := os.Getpid()
	if err := m.locker.Acquire(profileID, ownerPid); err != nil {
		return nil, err
	}

	opts.OwnerPid = ownerPid
	opts.Stealth = opts.Stealth || m.cfg.Stealth
	opts.UserDataDir = fmt.Sprintf("%s/%s/chrome-profile", m.cfg.ProfilesRoot, profileID)

	sess, err := m.start(ctx, profileID, opts, m.cookies)
	if err != nil {
		m.locker.Release(profileID)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[profileID] = sess
	sink := m.sink
	m.mu.Unlock()

	sink.Publish("session:created", map[string]interface{}{
		"profileId": profileID,
		"headless":  sess.Headless,
	})
	return sess, nil
}

// Get returns the live session for profileID, if any.
func (m *Manager) Get(profileID string) (*BrowserSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[profileID]
	return sess, ok
}

// List returns every profileId with a currently tracked session.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Destroy stops profileID's session, flushes a final cookie save, and
// releases the profile lock. reason is carried into the audit trail and the
// session:destroyed event.
func (m *Manager) Destroy(profileID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[profileID]
	if !ok {
		m.mu.Unlock()
		return apierr.SessionNotFound(profileID)
	}
	delete(m.sessions, profileID)
	sink := m.sink
	m.mu.Unlock()

	m.cookies.AutosaveStop(profileID)
	if _, err := m.cookies.ForceSave(profileID); err != nil {
		logging.Get(logging.CategorySession).Warn("final cookie save failed for %s: %v", profileID, err)
	}

	err := sess.Stop()
	m.locker.Release(profileID)

	logging.AuditForSession(profileID, profileID).SessionDestroyed(profileID, profileID, reason)
	sink.Publish("session:destroyed", map[string]interface{}{
		"profileId": profileID,
		"reason":    reason,
	})
	return err
}

// Health checks whether profileID's session is still responsive. An
// unresponsive session is torn down and reported as crashed, matching
// spec.md section 4.4's health-check contract.
func (m *Manager) Health(profileID string) (bool, error) {
	sess, ok := m.Get(profileID)
	if !ok {
		return false, apierr.SessionNotFound(profileID)
	}

	if sess.IsAlive() {
		return true, nil
	}

	m.mu.Lock()
	delete(m.sessions, profileID)
	sink := m.sink
	m.mu.Unlock()

	m.locker.Release(profileID)
	cause := fmt.Errorf("browser process unresponsive")
	logging.AuditForSession(profileID, profileID).SessionCrashed(profileID, profileID, cause)
	sink.Publish("session:crashed", map[string]interface{}{
		"profileId": profileID,
		"cause":     cause.Error(),
	})
	return false, cause
}

// Shutdown tears down every tracked session, best-effort.
func (m *Manager) Shutdown() {
	for _, id := range m.List() {
		if err := m.Destroy(id, "manager shutdown"); err != nil {
			logging.Get(logging.CategorySession).Warn("shutdown destroy failed for %s: %v", id, err)
		}
	}
}
