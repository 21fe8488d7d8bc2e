package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"

	"github.com/marusama/semaphore/v2"
	"github.com/spf13/afero"
)

// DeletePolicy decides what a failed source cleanup means for a migration
// whose copy already succeeded.
type DeletePolicy int

const (
	// DeleteLeak keeps the migration successful and flags the old tree as
	// leaked. The data is safe at the target.
	DeleteLeak DeletePolicy = iota
	// DeleteFail fails the migration with ErrDeleteFailed and leaves the
	// selection on the source root.
	DeleteFail
)

func (p DeletePolicy) String() string {
	if p == DeleteFail {
		return "fail"
	}
	return "leak"
}

// ParseDeletePolicy accepts "leak" or "fail".
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "leak":
		return DeleteLeak, nil
	case "fail":
		return DeleteFail, nil
	}
	return DeleteLeak, fmt.Errorf("unknown delete policy %q", s)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Fs       afero.Fs
	Provider RootProvider
	Probe    SpaceProbe
	Store    *SelectionStore
	Events   *EventBus
	Policy   DeletePolicy
	// Dispatch delivers callbacks to the embedder's context (an event loop,
	// a UI thread). It must run functions in submission order. Nil runs them
	// inline.
	Dispatch func(func())
}

// Engine moves the content tree between roots. At most one migration runs
// at a time; further requests are rejected with ErrMigrationInProgress.
type Engine struct {
	fs       afero.Fs
	provider RootProvider
	probe    SpaceProbe
	store    *SelectionStore
	events   *EventBus
	policy   DeletePolicy
	dispatch func(func())

	slot    semaphore.Semaphore
	mu      gosync.Mutex
	running *Task
}

// NewEngine builds an Engine. Fs defaults to the OS filesystem and Probe to
// DiskProbe.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		fs:       opts.Fs,
		provider: opts.Provider,
		probe:    opts.Probe,
		store:    opts.Store,
		events:   opts.Events,
		policy:   opts.Policy,
		dispatch: opts.Dispatch,
		slot:     semaphore.New(1),
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.probe == nil {
		e.probe = DiskProbe{}
	}
	return e
}

// Running returns the in-flight task, or nil.
func (e *Engine) Running() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Migrate moves the content of the current root to target.
//
// When target already is the current root (RootDefault always is), the task
// is Skipped: AlreadyDone fires and nothing is touched. Otherwise Starts fires
// before this call returns and the copy runs on its own goroutine; the task
// then ends with EndsSuccess (after the new selection is persisted) or
// EndsError (selection untouched). The worker ignores cancellation of ctx.
//
// Requests that cannot start return an error and fire no callbacks.
func (e *Engine) Migrate(ctx context.Context, target Root, cb Callbacks) (*Task, error) {
	l := sub("engine")
	if cb == nil {
		cb = CallbackFuncs{}
	}
	if target != RootDefault && !target.Valid() {
		return nil, fmt.Errorf("migrate: %w: %s", ErrInvalidRoot, target)
	}

	if !e.slot.TryAcquire(1) {
		l.Warn("migration rejected, another one is running", "target", target)
		return nil, ErrMigrationInProgress
	}
	started := false
	defer func() {
		if !started {
			e.slot.Release(1)
		}
	}()

	sel, err := e.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if sel == nil {
		return nil, fmt.Errorf("migrate: %w", ErrNoSelection)
	}
	if target == RootDefault {
		target = sel.Root
	}

	if sel.Root == target {
		task := newTask(sel.Root, target)
		task.settle(TaskSkipped, nil, false)
		l.Info("migration skipped, already on target", "task", task.ID, "target", target)
		e.deliver(func() { cb.AlreadyDone(task) })
		task.close()
		e.events.Publish(taskEvent(EventMigrationSkipped, task))
		return task, nil
	}

	paths := Snapshot(e.provider)
	dst, ok := paths.Path(target)
	if !ok {
		return nil, fmt.Errorf("migrate to %s: %w", target, ErrRootUnavailable)
	}
	src, ok := paths.Path(sel.Root)
	if !ok {
		l.Warn("source root unavailable, nothing to copy", "source", sel.Root)
	}

	task := newTask(sel.Root, target)
	e.mu.Lock()
	e.running = task
	e.mu.Unlock()
	task.start()
	started = true

	l.Info("migration starting", "task", task.ID, "source", sel.Root, "target", target, "src", src, "dst", dst)
	e.deliver(func() { cb.Starts(task) })
	e.events.Publish(taskEvent(EventMigrationStarted, task))

	go e.run(context.WithoutCancel(ctx), task, src, dst, cb)
	return task, nil
}

func (e *Engine) run(ctx context.Context, task *Task, src, dst string, cb Callbacks) {
	l := sub("engine").With("task", task.ID)

	var (
		err    error
		leaked bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.Error("migration worker panic", "panic", r)
				err = copyFailed("", fmt.Errorf("panic: %v", r))
			}
		}()
		leaked, err = e.move(ctx, task, src, dst)
	}()

	state := TaskSucceeded
	if err != nil {
		state = TaskFailed
	}
	task.settle(state, err, leaked)
	e.recordHistory(ctx, task)

	event := EventMigrationSucceeded
	if err != nil {
		l.Error("migration failed", "source", task.Source, "target", task.Target, "err", err)
		e.deliver(func() { cb.EndsError(task, err) })
		event = EventMigrationFailed
	} else {
		l.Info("migration succeeded", "target", task.Target, "bytes", task.Bytes(), "leaked", leaked)
		e.deliver(func() { cb.EndsSuccess(task) })
	}

	// the terminal callback is handed over before the next migration can start
	e.clearRunning(task)
	e.slot.Release(1)
	task.close()
	e.events.Publish(taskEvent(event, task))
}

// clearRunning forgets task unless a newer migration already replaced it.
func (e *Engine) clearRunning(task *Task) {
	e.mu.Lock()
	if e.running == task {
		e.running = nil
	}
	e.mu.Unlock()
}

// move runs preflight, copy, source cleanup and commit. It reports whether
// the source tree was leaked.
func (e *Engine) move(ctx context.Context, task *Task, src, dst string) (bool, error) {
	l := sub("engine").With("task", task.ID)

	if src != "" {
		st, err := TreeSize(e.fs, src)
		if err != nil {
			return false, copyFailed(src, err)
		}
		free := probeOrUnknown(e.probe, dst)
		if free != SpaceUnknown && st.Bytes > free {
			return false, copyFailed(dst, fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, st.Bytes, free))
		}
		l.Debug("preflight ok", "files", st.Files, "bytes", st.Bytes, "free", free)

		_, err = CopyTree(ctx, e.fs, src, dst, func(_ string, n int64) { task.addBytes(n) })
		if err != nil {
			path := src
			var ce *CopyError
			if errors.As(err, &ce) {
				path = ce.Path
				err = ce.Err
			}
			return false, copyFailed(path, err)
		}
	}

	sel := Selection{
		Root:             task.Target,
		Fingerprint:      Fingerprint(Snapshot(e.provider)),
		LastPromptMillis: nowFunc().UnixMilli(),
	}

	// Under DeleteLeak the commit comes first: a failed commit leaves the
	// source untouched and a failed cleanup is only a leak. DeleteFail must
	// leave the selection alone when cleanup fails, so the target is pinned
	// while the source is cleared and the commit comes last.
	if e.policy == DeleteFail && src != "" {
		if err := e.store.Pin(ctx, task.Target); err != nil {
			return false, err
		}
		if err := ClearTree(e.fs, src); err != nil {
			l.Error("source cleanup failed, target pinned", "src", src, "dst", dst, "err", err)
			return false, deleteFailed(src, err)
		}
		if err := e.store.Commit(ctx, sel); err != nil {
			l.Error("selection commit failed, content is only at target", "src", src, "dst", dst, "err", err)
			return false, commitErr(err)
		}
		return false, nil
	}

	if err := e.store.Commit(ctx, sel); err != nil {
		l.Error("selection commit failed, source kept", "src", src, "err", err)
		return false, commitErr(err)
	}
	if src == "" {
		return false, nil
	}
	if err := ClearTree(e.fs, src); err != nil {
		l.Warn("source cleanup failed, old tree leaked", "src", src, "err", err)
		return true, nil
	}
	return false, nil
}

func commitErr(err error) error {
	var me *MigrationError
	if errors.As(err, &me) {
		return me
	}
	return persistFailed(err)
}

func (e *Engine) recordHistory(ctx context.Context, task *Task) {
	rec, ok := e.store.KV().(HistoryRecorder)
	if !ok {
		return
	}
	if err := rec.RecordMigration(ctx, task.Record()); err != nil {
		sub("engine").Warn("record migration history failed", "task", task.ID, "err", err)
	}
}

// deliver runs a callback through Dispatch, recovering panics so a
// misbehaving listener cannot take the worker down.
func (e *Engine) deliver(fn func()) {
	safe := func() {
		defer func() {
			if r := recover(); r != nil {
				sub("engine").Error("callback panic", "panic", r)
			}
		}()
		fn()
	}
	if e.dispatch != nil {
		e.dispatch(safe)
		return
	}
	safe()
}

// Wait blocks until no migration is running or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	var last *Task
	for {
		t := e.Running()
		if t == nil || t == last {
			return nil
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if logEnabled(slog.LevelDebug) {
			sub("engine").Debug("waited for task", "task", t.ID)
		}
		last = t
	}
}
