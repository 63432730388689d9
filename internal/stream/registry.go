package stream

import (
	"sync"
	"sync/atomic"
)

// SessionRegistry is a caller-owned arena of live sessions. It hands
// out session handles and streaming connection IDs; a process can run
// several registries side by side.
type SessionRegistry struct {
	mu          sync.Mutex
	nextSession int64
	sessions    map[int64]*Session

	nextConn atomic.Int64
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int64]*Session)}
}

// Add registers a session and returns its handle. Adding a session
// twice returns the handle it already holds.
func (r *SessionRegistry) Add(s *Session) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.handle != 0 {
		return s.handle
	}
	r.nextSession++
	s.handle = r.nextSession
	r.sessions[s.handle] = s
	return s.handle
}

// Get returns the session behind a handle.
func (r *SessionRegistry) Get(handle int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[handle]
	return s, ok
}

// Remove drops a session from the registry. The session itself is not
// closed.
func (r *SessionRegistry) Remove(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.handle == 0 {
		return ErrUnknownSession
	}
	if _, ok := r.sessions[s.handle]; !ok {
		return ErrUnknownSession
	}
	delete(r.sessions, s.handle)
	s.handle = 0
	return nil
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NextConnID allocates a streaming connection ID unique within the
// registry.
func (r *SessionRegistry) NextConnID() int64 {
	return r.nextConn.Add(1)
}
