package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Everything is lost on
// restart, which suits tests and throwaway relays.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity
	audit      []AuditEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{identities: make(map[string]Identity)}
}

func (s *MemoryStore) CreateIdentity(_ context.Context, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.ID]; ok {
		return ErrIdentityExists
	}
	s.identities[ident.ID] = *ident
	return nil
}

func (s *MemoryStore) ListIdentities(_ context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident)
	}
	sortIdentities(out)
	return out, nil
}

func sortIdentities(idents []Identity) {
	sort.Slice(idents, func(i, j int) bool { return idents[i].ID < idents[j].ID })
}

func (s *MemoryStore) LogAuditEvent(_ context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *event)
	return nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.limit()
	var out []AuditEvent
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(&s.audit[i]) {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeOldAuditEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	for _, e := range s.audit {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	purged := int64(len(s.audit) - len(kept))
	s.audit = kept
	return purged, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
