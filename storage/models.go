package storage

import (
	"context"
	"time"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// Selection is the persisted record of which root is active.
type Selection struct {
	Root             Root   `json:"root"`
	Fingerprint      string `json:"fingerprint"`
	LastPromptMillis int64  `json:"lastPromptMillis"`
}

// MigrationRecord is one finished migration task, kept for history.
type MigrationRecord struct {
	ID           string    `json:"id"`
	Source       Root      `json:"source"`
	Target       Root      `json:"target"`
	State        TaskState `json:"state"`
	Error        string    `json:"error,omitempty"`
	SourceLeaked bool      `json:"sourceLeaked,omitempty"`
	Bytes        int64     `json:"bytes"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// HistoryRecorder is implemented by KV backends that can keep migration
// history next to the selection.
type HistoryRecorder interface {
	RecordMigration(ctx context.Context, rec MigrationRecord) error
	ListMigrations(ctx context.Context, limit int) ([]MigrationRecord, error)
}
