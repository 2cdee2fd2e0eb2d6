// Package session tracks which identity currently owns which live
// connection.
package session

import (
	"sort"
	"sync"
	"time"
)

// Conn is the outbound half of a live connection.
type Conn interface {
	// Send queues a frame without blocking. It reports false when the frame
	// was dropped because the connection is closed or backlogged.
	Send(frame []byte) bool
	// Close terminates the connection with a websocket close code.
	Close(code int, reason string)
}

// Handle identifies one admitted connection. Handles are never reused.
type Handle uint64

// Session pairs an identity with its current connection.
type Session struct {
	Handle      Handle
	Identity    string
	Conn        Conn
	ConnectedAt time.Time
}

// Table maps identities to sessions and handles back to sessions.
type Table struct {
	mu         sync.RWMutex
	next       Handle
	byIdentity map[string]*Session
	byHandle   map[Handle]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		byIdentity: make(map[string]*Session),
		byHandle:   make(map[Handle]*Session),
	}
}

// Add records a new session for identity. If the identity already had a
// session, the new one replaces it and the old one is returned as prev; the
// old handle is forgotten so its later Remove is a no-op for the identity.
func (t *Table) Add(identity string, conn Conn) (cur, prev *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	cur = &Session{Handle: t.next, Identity: identity, Conn: conn, ConnectedAt: time.Now()}
	if old, ok := t.byIdentity[identity]; ok {
		prev = old
		delete(t.byHandle, old.Handle)
	}
	t.byIdentity[identity] = cur
	t.byHandle[cur.Handle] = cur
	return cur, prev
}

// Remove drops the session with handle h. current reports whether it was
// still the identity's live session, in which case the identity no longer
// has one. Removing an unknown or replaced handle is a no-op.
func (t *Table) Remove(h Handle) (s *Session, current bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, h)
	if live, ok := t.byIdentity[s.Identity]; ok && live.Handle == h {
		delete(t.byIdentity, s.Identity)
		return s, true
	}
	return s, false
}

// Lookup returns the live session of identity.
func (t *Table) Lookup(identity string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byIdentity[identity]
	return s, ok
}

// Owner returns the identity that owns handle h.
func (t *Table) Owner(h Handle) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byHandle[h]
	if !ok {
		return "", false
	}
	return s.Identity, true
}

// All returns a snapshot of every live session.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byIdentity))
	for _, s := range t.byIdentity {
		out = append(out, s)
	}
	return out
}

// Others returns a snapshot of every live session except exclude's.
func (t *Table) Others(exclude string) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byIdentity))
	for id, s := range t.byIdentity {
		if id != exclude {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIdentity)
}

// Identities returns the sorted identities with a live session.
func (t *Table) Identities() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.byIdentity))
	for id := range t.byIdentity {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}
