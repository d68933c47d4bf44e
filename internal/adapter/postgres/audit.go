// Package postgres persists the push delivery audit log.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
)

const schema = `
CREATE TABLE IF NOT EXISTS push_audit (
	id          UUID PRIMARY KEY,
	at          TIMESTAMPTZ NOT NULL,
	event_id    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	status      TEXT NOT NULL,
	error_code  TEXT NOT NULL DEFAULT '',
	recipients  INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	failure     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS push_audit_at_idx ON push_audit (at DESC);
`

// AuditStore writes audit entries to the push_audit table.
type AuditStore struct {
	pool *pgxpool.Pool
}

var (
	_ notify.AuditSink   = (*AuditStore)(nil)
	_ notify.AuditReader = (*AuditStore)(nil)
)

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*AuditStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &AuditStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *AuditStore) Record(ctx context.Context, e notify.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO push_audit (id, at, event_id, channel, status, error_code, recipients, success, failure)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.At, e.EventID, string(e.Channel), e.Status, e.ErrorCode, e.Recipients, e.Success, e.Failure,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]notify.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, at, event_id, channel, status, error_code, recipients, success, failure
		 FROM push_audit ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notify.AuditEntry, error) {
		var (
			e       notify.AuditEntry
			channel string
		)
		err := row.Scan(&e.ID, &e.At, &e.EventID, &channel, &e.Status, &e.ErrorCode, &e.Recipients, &e.Success, &e.Failure)
		e.Channel = domain.Channel(channel)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}
	return entries, nil
}

// Ping checks connectivity for readiness probes.
func (s *AuditStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *AuditStore) Close() {
	s.pool.Close()
}
