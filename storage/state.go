package storage

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	gosync "sync"
)

// Keys of the persisted selection. They are private to this package; no
// other system reads them.
const (
	keySelectedRoot = "storage.selected_root"
	keyFingerprint  = "storage.fingerprint"
	keyLastPrompt   = "storage.last_prompt_ms"
	keyPinnedRoot   = "storage.pinned_root"
)

// noSelection marks an absent selected root.
const noSelection = -1

// SelectionStore is the durable home of the single Selection record.
// Every access goes through the mutex: backends only promise atomic batches,
// so the three Gets of a read must not interleave with a write.
type SelectionStore struct {
	mu gosync.Mutex
	kv KV
}

// NewSelectionStore wraps a KV.
func NewSelectionStore(kv KV) *SelectionStore {
	return &SelectionStore{kv: kv}
}

// KV returns the backing store.
func (s *SelectionStore) KV() KV {
	return s.kv
}

// Read returns the persisted selection, or nil when none was ever written
// (first run).
func (s *SelectionStore) Read(ctx context.Context) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

func (s *SelectionStore) read(ctx context.Context) (*Selection, error) {
	id, err := getInt(ctx, s.kv, keySelectedRoot, noSelection)
	if err != nil {
		return nil, fmt.Errorf("read selected root: %w", err)
	}
	if id == noSelection {
		sub("state").Debug("Read", "found", false)
		return nil, nil
	}
	root := Root(id)
	if !root.Valid() {
		return nil, fmt.Errorf("read selected root: %w: %d", ErrInvalidRoot, id)
	}

	fp, err := getString(ctx, s.kv, keyFingerprint, "")
	if err != nil {
		return nil, fmt.Errorf("read fingerprint: %w", err)
	}
	prompt, err := getInt64(ctx, s.kv, keyLastPrompt, noSelection)
	if err != nil {
		return nil, fmt.Errorf("read last prompt: %w", err)
	}

	sub("state").Debug("Read", "found", true, "root", root)
	return &Selection{Root: root, Fingerprint: fp, LastPromptMillis: prompt}, nil
}

// Write stores the full triple atomically. A rejected write is retried once;
// a second failure is reported as ErrPersistenceWriteFailed.
func (s *SelectionStore) Write(ctx context.Context, sel Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, sel, nil)
}

// Commit is Write plus clearing the pin, in the same batch. Migrations end
// with it.
func (s *SelectionStore) Commit(ctx context.Context, sel Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, sel, map[string]string{keyPinnedRoot: ""})
}

func (s *SelectionStore) write(ctx context.Context, sel Selection, extra map[string]string) error {
	l := sub("state")
	if !sel.Root.Valid() {
		return fmt.Errorf("write selection: %w: %s", ErrInvalidRoot, sel.Root)
	}
	values := map[string]string{
		keySelectedRoot: strconv.Itoa(int(sel.Root)),
		keyFingerprint:  sel.Fingerprint,
		keyLastPrompt:   strconv.FormatInt(sel.LastPromptMillis, 10),
	}
	maps.Copy(values, extra)

	err := s.kv.PutAll(ctx, values)
	if err != nil {
		l.Warn("selection write rejected, retrying", "root", sel.Root, "err", err)
		err = s.kv.PutAll(ctx, values)
	}
	if err != nil {
		l.Error("selection write failed", "root", sel.Root, "err", err)
		return persistFailed(err)
	}
	l.Info("selection written", "root", sel.Root, "fingerprint", sel.Fingerprint)
	return nil
}

// MarkPrompted records when the user was last asked about switching roots.
// It is a no-op before the first selection exists.
func (s *SelectionStore) MarkPrompted(ctx context.Context, millis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.read(ctx)
	if err != nil {
		return err
	}
	if sel == nil {
		return nil
	}
	sel.LastPromptMillis = millis
	return s.write(ctx, *sel, nil)
}

// Bootstrap writes the selection built by initial when none exists yet.
// It returns the stored record and whether it was created by this call.
func (s *SelectionStore) Bootstrap(ctx context.Context, initial func() Selection) (*Selection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.read(ctx)
	if err != nil {
		return nil, false, err
	}
	if sel != nil {
		return sel, false, nil
	}
	fresh := initial()
	if err := s.write(ctx, fresh, nil); err != nil {
		return nil, false, err
	}
	return &fresh, true, nil
}

// Pin marks root as holding the only complete copy of the content while a
// migration clears the other root. Purge refuses a pinned root. The pin
// survives restarts and is cleared by the next Commit.
func (s *SelectionStore) Pin(ctx context.Context, root Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.PutAll(ctx, map[string]string{keyPinnedRoot: strconv.Itoa(int(root))}); err != nil {
		return persistFailed(err)
	}
	sub("state").Info("root pinned", "root", root)
	return nil
}

// Pinned returns the pinned root, if any.
func (s *SelectionStore) Pinned(ctx context.Context) (Root, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := getString(ctx, s.kv, keyPinnedRoot, "")
	if err != nil || v == "" {
		return RootDefault, false, err
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return RootDefault, false, fmt.Errorf("read pinned root: %w", err)
	}
	return Root(id), true, nil
}
