package runner

import (
	"sync"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/store"
)

// Arena owns the active session contexts, keyed by session id. It replaces
// any notion of ambient global state: the store handle and logger are
// injected once, and every context is explicitly acquired and released.
type Arena struct {
	store  *store.EventStore
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*SessionContext
}

// NewArena returns an empty arena over the given store.
func NewArena(s *store.EventStore, logger logging.Logger) *Arena {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Arena{
		store:    s,
		logger:   logger,
		sessions: map[string]*SessionContext{},
	}
}

// Acquire returns the active context for a session, creating and restoring it
// on first use. The second and later acquisitions of the same id return the
// same context; the caller discipline of one driving goroutine per session
// still applies.
func (a *Arena) Acquire(sessionID string, provider core.Provider) (*SessionContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sc, ok := a.sessions[sessionID]; ok {
		return sc, nil
	}
	sc, err := NewSessionContext(a.store, sessionID, provider, a.logger)
	if err != nil {
		return nil, err
	}
	if err := sc.Restore(); err != nil {
		sc.Close()
		return nil, err
	}
	a.sessions[sessionID] = sc
	return sc, nil
}

// Get returns the active context for a session, or nil when the session is
// not active.
func (a *Arena) Get(sessionID string) *SessionContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

// Release deactivates a session: its append queue is drained and the context
// is removed from the arena. The persisted session is untouched.
func (a *Arena) Release(sessionID string) {
	a.mu.Lock()
	sc, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if ok {
		sc.Close()
	}
}

// Active returns the ids of the currently active sessions.
func (a *Arena) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close releases every active session.
func (a *Arena) Close() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = map[string]*SessionContext{}
	a.mu.Unlock()
	for _, sc := range sessions {
		sc.Close()
	}
}

// Store exposes the arena's store handle.
func (a *Arena) Store() *store.EventStore { return a.store }
