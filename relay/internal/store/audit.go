package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor writes audit events to a Store. Failures are logged and never
// propagated: the audit trail must not affect routing. A nil *Auditor
// discards everything.
type Auditor struct {
	store  Store
	logger *slog.Logger
}

// NewAuditor creates an Auditor backed by s.
func NewAuditor(s Store, logger *slog.Logger) *Auditor {
	return &Auditor{store: s, logger: logger.With("component", "audit")}
}

// Record stores one audit event. detail is JSON-encoded when non-nil.
func (a *Auditor) Record(ctx context.Context, action, identity, remoteAddr string, detail any) {
	if a == nil {
		return
	}
	event := &AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		Identity:   identity,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			a.logger.Warn("encode audit detail", "action", action, "error", err)
		} else {
			event.Detail = raw
		}
	}
	if err := a.store.LogAuditEvent(ctx, event); err != nil {
		a.logger.Warn("failed to log audit event", "action", action, "identity", identity, "error", err)
	}
}

// Purge deletes audit events older than retention.
func (a *Auditor) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if a == nil {
		return 0, nil
	}
	return a.store.PurgeOldAuditEvents(ctx, time.Now().Add(-retention))
}
