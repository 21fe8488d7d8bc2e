package storage

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	gosync "sync"
)

// KV is the durable key-value store holding the persisted selection.
// PutAll must be atomic: after it returns, a reader sees either every value
// of the batch or none of them.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// PutAll stores every pair of values in one atomic write.
	PutAll(ctx context.Context, values map[string]string) error
	Close() error
}

// getString returns the stored string, or def when the key is absent.
func getString(ctx context.Context, kv KV, key, def string) (string, error) {
	v, ok, err := kv.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// getInt returns the stored integer, or def when the key is absent.
func getInt(ctx context.Context, kv KV, key string, def int) (int, error) {
	v, err := getInt64(ctx, kv, key, int64(def))
	return int(v), err
}

// getInt64 returns the stored 64-bit integer, or def when the key is absent.
func getInt64(ctx context.Context, kv KV, key string, def int64) (int64, error) {
	v, ok, err := kv.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// MemoryKV is a process-local KV used by tests and ephemeral runs.
type MemoryKV struct {
	mu     gosync.RWMutex
	values map[string]string
	closed bool
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, errClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) PutAll(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	maps.Copy(m.values, values)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Dump returns a copy of every stored pair.
func (m *MemoryKV) Dump() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

var errClosed = fmt.Errorf("kv: store closed")

var _ KV = (*MemoryKV)(nil)
