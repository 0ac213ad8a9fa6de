package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "dailycast/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadLastSent(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, sent_at FROM last_sent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var tenant, raw string
		if err := rows.Scan(&tenant, &raw); err != nil {
			return nil, err
		}
		t, err := parseTime(raw)
		if err != nil {
			s.log.Warn("skipping corrupt last-sent row", logx.String("tenant", tenant), logx.Err(err))
			continue
		}
		out[tenant] = t
	}
	return out, rows.Err()
}

// PutLastSent never moves a stored instant backwards.
func (s *sqliteStore) PutLastSent(ctx context.Context, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_sent(tenant_id, sent_at) VALUES(?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET sent_at = excluded.sent_at
		 WHERE excluded.sent_at > last_sent.sent_at`,
		tenantID, formatTime(at),
	)
	return err
}

func (s *sqliteStore) DeleteLastSent(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM last_sent WHERE tenant_id = ?`, tenantID)
	return err
}

func (s *sqliteStore) Sync(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	return err
}

func (s *sqliteStore) AppendError(ctx context.Context, e ErrorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO error_log(tenant_id, at, kind, message) VALUES(?,?,?,?)`,
		e.TenantID, e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.Message,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM error_log WHERE tenant_id = ? AND id NOT IN (
			SELECT id FROM error_log WHERE tenant_id = ? ORDER BY id DESC LIMIT ?
		)`,
		e.TenantID, e.TenantID, MaxErrorEntries,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListErrors(ctx context.Context, tenantID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, message FROM error_log WHERE tenant_id = ? ORDER BY id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var at, kind, msg string
		if err := rows.Scan(&at, &kind, &msg); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, ErrorEntry{TenantID: tenantID, At: ts, Kind: kind, Message: msg})
	}
	return out, rows.Err()
}
