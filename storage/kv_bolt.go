package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/asdine/storm/v3"
)

const boltSettingsBucket = "settings"

// BoltKV keeps settings in a bolt bucket and migration history as storm
// records.
type BoltKV struct {
	db *storm.DB
}

// OpenBoltKV opens (or creates) the bolt file at path.
func OpenBoltKV(path string) (*BoltKV, error) {
	sub("kv").Info("opening bolt state", "path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bolt state: %w", err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.Get(boltSettingsBucket, key, &value)
	if errors.Is(err, storm.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (b *BoltKV) PutAll(_ context.Context, values map[string]string) error {
	tx, err := b.db.Begin(true)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for k, v := range values {
		if err := tx.Set(boltSettingsBucket, k, v); err != nil {
			return fmt.Errorf("set setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// boltMigration is the storm representation of a MigrationRecord.
type boltMigration struct {
	ID     string `storm:"id"`
	Record MigrationRecord
}

func (b *BoltKV) RecordMigration(_ context.Context, rec MigrationRecord) error {
	if err := b.db.Save(&boltMigration{ID: rec.ID, Record: rec}); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

func (b *BoltKV) ListMigrations(_ context.Context, limit int) ([]MigrationRecord, error) {
	var rows []boltMigration
	if err := b.db.All(&rows); err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := make([]MigrationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Record)
	}
	slices.SortFunc(out, func(a, b MigrationRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}

var _ KV = (*BoltKV)(nil)
var _ HistoryRecorder = (*BoltKV)(nil)
