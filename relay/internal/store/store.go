// Package store defines the persistence interface for the relay and provides
// in-memory, SQLite, PostgreSQL and Redis implementations.
//
// Only identities and the audit trail are persisted. Messages never are.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrIdentityExists is returned by CreateIdentity when the identity is
// already registered.
var ErrIdentityExists = errors.New("identity already exists")

// Store is the persistence interface for the relay.
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, ident *Identity) error
	ListIdentities(ctx context.Context) ([]Identity, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Identity is a registered agent identity. The token itself is never
// stored, only its digest.
type Identity struct {
	ID          string    `json:"id"`
	TokenDigest string    `json:"token_digest"`
	CreatedAt   time.Time `json:"created_at"`
}

// Audit actions.
const (
	AuditIdentityRegister  = "identity.register"
	AuditSessionConnect    = "session.connect"
	AuditSessionDisconnect = "session.disconnect"
	AuditSessionReplaced   = "session.replaced"
	AuditAuthReject        = "auth.reject"
)

// AuditEvent records a security-relevant relay action.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Identity   string          `json:"identity,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events. Results are
// newest first.
type AuditFilter struct {
	Action   string
	Identity string
	Limit    int
}

func (f AuditFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

func (f AuditFilter) matches(e *AuditEvent) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Identity != "" && e.Identity != f.Identity {
		return false
	}
	return true
}
