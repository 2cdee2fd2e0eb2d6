package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			token_digest TEXT UNIQUE NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			identity TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_identity ON audit_events(identity)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Identities ---

func (s *PostgresStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO identities (id, token_digest, created_at) VALUES ($1, $2, $3)",
		ident.ID, ident.TokenDigest, ident.CreatedAt.UnixMilli())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrIdentityExists
	}
	return err
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, token_digest, created_at FROM identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var ident Identity
		var createdAt int64
		if err := rows.Scan(&ident.ID, &ident.TokenDigest, &createdAt); err != nil {
			return nil, err
		}
		ident.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, ident)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, identity, remote_addr, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.Identity, event.RemoteAddr, detail, event.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, identity, remote_addr, detail, created_at FROM audit_events WHERE TRUE`
	var args []any
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += " AND action = $" + strconv.Itoa(len(args))
	}
	if filter.Identity != "" {
		args = append(args, filter.Identity)
		query += " AND identity = $" + strconv.Itoa(len(args))
	}
	args = append(args, filter.limit())
	query += " ORDER BY created_at DESC, seq DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
