// Package adapter bridges TCP connections and tunnel sessions: the server
// side accepts external clients, the agent side dials the target service,
// and both route tunnel packets to sessions by id.
package adapter

import "sync"

// SessionTable maps session ids to live sessions. An id is present from
// before its session starts until Start returns.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[int64]*Session)}
}

// Add registers s under id, replacing nothing: it reports false if id is
// already taken.
func (t *SessionTable) Add(id int64, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[id]; exists {
		return false
	}
	t.sessions[id] = s
	return true
}

// Get returns the session registered under id.
func (t *SessionTable) Get(id int64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// GetOrCreate returns the session under id, or registers the one built by
// create. created is true only for the caller whose create ran; concurrent
// callers for the same id see that same session.
func (t *SessionTable) GetOrCreate(id int64, create func() *Session) (s *Session, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s, false
	}
	s = create()
	t.sessions[id] = s
	return s, true
}

// Remove deletes id if it still maps to s. A later session reusing the id is
// left alone.
func (t *SessionTable) Remove(id int64, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[id]; ok && cur == s {
		delete(t.sessions, id)
	}
}

// Len returns the number of registered sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Each calls fn for a snapshot of the registered sessions.
func (t *SessionTable) Each(fn func(id int64, s *Session)) {
	t.mu.Lock()
	snapshot := make(map[int64]*Session, len(t.sessions))
	for id, s := range t.sessions {
		snapshot[id] = s
	}
	t.mu.Unlock()

	for id, s := range snapshot {
		fn(id, s)
	}
}
