package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerKV keeps settings in a BadgerDB directory.
type BadgerKV struct {
	db *badger.DB
}

// BadgerOptions configures OpenBadgerKV.
type BadgerOptions struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir string
	// InMemory runs badger without disk persistence (tests).
	InMemory bool
}

// OpenBadgerKV opens a badger-backed KV.
func OpenBadgerKV(opts BadgerOptions) (*BadgerKV, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{}).
		WithSyncWrites(true)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger state: %w", err)
	}
	return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) Get(_ context.Context, key string) (string, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return string(val), true, nil
}

func (b *BadgerKV) PutAll(_ context.Context, values map[string]string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for k, v := range values {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("set setting %s: %w", k, err)
			}
		}
		return nil
	})
}

func (b *BadgerKV) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger warnings and errors to the package logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	sub("badger").Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (badgerLogger) Warningf(f string, v ...interface{}) {
	sub("badger").Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

var _ KV = (*BadgerKV)(nil)
