package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteKV stores settings and migration history in the state database.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV creates a KV backed by an already opened database.
func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

// OpenSQLiteKV opens storage.db inside dir.
func OpenSQLiteKV(dir string) (*SQLiteKV, error) {
	db, err := OpenDB(dir)
	if err != nil {
		return nil, err
	}
	return NewSQLiteKV(db), nil
}

// Get retrieves a setting.
func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		if logEnabled(slog.LevelDebug) {
			sub("kv").Debug("Get", "key", key, "found", false)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("kv").Debug("Get", "key", key, "found", true)
	}
	return value, true, nil
}

// PutAll upserts every pair inside one transaction.
func (s *SQLiteKV) PutAll(ctx context.Context, values map[string]string) error {
	l := sub("kv")
	l.Debug("PutAll", "count", len(values))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			l.Error("PutAll failed", "key", k, "err", err)
			return fmt.Errorf("upsert setting %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// RecordMigration inserts or replaces a history row.
func (s *SQLiteKV) RecordMigration(ctx context.Context, rec MigrationRecord) error {
	sub("kv").Debug("RecordMigration", "id", rec.ID, "state", rec.State)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migrations (id, source, target, state, error, leaked, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state       = excluded.state,
			error       = excluded.error,
			leaked      = excluded.leaked,
			bytes       = excluded.bytes,
			finished_at = excluded.finished_at
	`, rec.ID, int(rec.Source), int(rec.Target), rec.State.String(), rec.Error, rec.SourceLeaked,
		rec.Bytes, rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// ListMigrations returns the latest history rows, newest first.
// limit <= 0 returns everything.
func (s *SQLiteKV) ListMigrations(ctx context.Context, limit int) ([]MigrationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, target, state, error, leaked, bytes, started_at, finished_at
		FROM migrations ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	out := []MigrationRecord{}
	for rows.Next() {
		var (
			rec              MigrationRecord
			source, target   int
			state            string
			started, stopped int64
		)
		if err := rows.Scan(&rec.ID, &source, &target, &state, &rec.Error, &rec.SourceLeaked,
			&rec.Bytes, &started, &stopped); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		rec.Source = Root(source)
		rec.Target = Root(target)
		rec.State = parseTaskState(state)
		rec.StartedAt = time.Unix(0, started)
		rec.FinishedAt = time.Unix(0, stopped)
		out = append(out, rec)
	}
	if logEnabled(slog.LevelDebug) {
		sub("kv").Debug("ListMigrations", "count", len(out))
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

var _ KV = (*SQLiteKV)(nil)
var _ HistoryRecorder = (*SQLiteKV)(nil)
