package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maruel/natural"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// DefaultStatusProbeTTL bounds how stale free-space figures in Status may be.
const DefaultStatusProbeTTL = 5 * time.Second

// Options configures a Manager.
type Options struct {
	Provider RootProvider
	KV       KV
	// Probe defaults to DiskProbe.
	Probe SpaceProbe
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Ratio overrides PreferPrimaryRatio when positive.
	Ratio  int64
	Policy DeletePolicy
	// Events receives lifecycle events; a new bus is created when nil.
	Events   *EventBus
	Dispatch func(func())
	// StatusProbeTTL caches free-space figures for Status. Zero uses
	// DefaultStatusProbeTTL, negative disables caching.
	StatusProbeTTL time.Duration
}

// Manager is the application-facing handle over root selection and
// migration. Build one per process and pass it to whoever needs paths.
type Manager struct {
	provider    RootProvider
	probe       SpaceProbe
	statusProbe SpaceProbe
	fs          afero.Fs
	selector    Selector
	store       *SelectionStore
	engine      *Engine
	events      *EventBus
}

// NewManager wires the components and bootstraps the persisted selection:
// on first run the optimal root is computed and written before returning.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("new manager: root provider is required")
	}
	if opts.KV == nil {
		return nil, fmt.Errorf("new manager: kv store is required")
	}
	if opts.Probe == nil {
		opts.Probe = DiskProbe{}
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Events == nil {
		opts.Events = NewEventBus()
	}

	var statusProbe SpaceProbe = opts.Probe
	switch {
	case opts.StatusProbeTTL == 0:
		statusProbe = NewCachedProbe(opts.Probe, DefaultStatusProbeTTL)
	case opts.StatusProbeTTL > 0:
		statusProbe = NewCachedProbe(opts.Probe, opts.StatusProbeTTL)
	}

	store := NewSelectionStore(opts.KV)
	m := &Manager{
		provider:    opts.Provider,
		probe:       opts.Probe,
		statusProbe: statusProbe,
		fs:          opts.Fs,
		selector:    Selector{Ratio: opts.Ratio},
		store:       store,
		events:      opts.Events,
		engine: NewEngine(EngineOptions{
			Fs:       opts.Fs,
			Provider: opts.Provider,
			Probe:    opts.Probe,
			Store:    store,
			Events:   opts.Events,
			Policy:   opts.Policy,
			Dispatch: opts.Dispatch,
		}),
	}

	sel, created, err := store.Bootstrap(ctx, func() Selection {
		paths := Snapshot(m.provider)
		return Selection{
			Root:             m.optimalFor(paths, m.probe),
			Fingerprint:      Fingerprint(paths),
			LastPromptMillis: nowFunc().UnixMilli(),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap selection: %w", err)
	}
	if created {
		sub("manager").Info("first run, selection initialised", "root", sel.Root, "fingerprint", sel.Fingerprint)
	} else {
		sub("manager").Info("selection loaded", "root", sel.Root)
	}
	return m, nil
}

// Close waits for a running migration and closes the KV store.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.engine.Wait(ctx); err != nil {
		return err
	}
	return m.store.KV().Close()
}

func (m *Manager) Events() *EventBus { return m.events }
func (m *Manager) Engine() *Engine { return m.engine }
func (m *Manager) Store() *SelectionStore { return m.store }
func (m *Manager) Provider() RootProvider { return m.provider }
func (m *Manager) Paths() RootPaths { return Snapshot(m.provider) }

func (m *Manager) optimalFor(paths RootPaths, probe SpaceProbe) Root {
	primaryFree := probeOrUnknown(probe, paths.Primary)
	secondaryFree := SpaceUnknown
	if paths.HasSecondary() {
		secondaryFree = probeOrUnknown(probe, paths.Secondary)
	}
	return m.selector.OptimalRoot(primaryFree, secondaryFree, paths.HasSecondary())
}

// OptimalRoot evaluates the selector against fresh paths and free space.
func (m *Manager) OptimalRoot() Root {
	return m.optimalFor(Snapshot(m.provider), m.probe)
}

// CurrentRoot returns the persisted selected root.
func (m *Manager) CurrentRoot(ctx context.Context) (Root, error) {
	sel, err := m.selection(ctx)
	if err != nil {
		return RootDefault, err
	}
	return sel.Root, nil
}

func (m *Manager) selection(ctx context.Context) (*Selection, error) {
	sel, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, ErrNoSelection
	}
	return sel, nil
}

// IsOptimalRootInUse reports whether the persisted root is the optimal one.
// During a migration it reflects the pre-migration selection.
func (m *Manager) IsOptimalRootInUse(ctx context.Context) (bool, error) {
	cur, err := m.CurrentRoot(ctx)
	if err != nil {
		return false, err
	}
	return cur == m.OptimalRoot(), nil
}

// HasConfigurationChanged compares the persisted fingerprint with the one of
// the roots observed now.
func (m *Manager) HasConfigurationChanged(ctx context.Context) (bool, error) {
	sel, err := m.selection(ctx)
	if err != nil {
		return false, err
	}
	return sel.Fingerprint != Fingerprint(Snapshot(m.provider)), nil
}

// MigrateTo moves the content tree to root. See Engine.Migrate.
func (m *Manager) MigrateTo(ctx context.Context, root Root, cb Callbacks) (*Task, error) {
	return m.engine.Migrate(ctx, root, m.invalidating(cb))
}

// MigrateToOptimal moves the content tree to the optimal root, or reports
// AlreadyDone when it is already in use.
func (m *Manager) MigrateToOptimal(ctx context.Context, cb Callbacks) (*Task, error) {
	return m.engine.Migrate(ctx, m.OptimalRoot(), m.invalidating(cb))
}

// invalidating drops cached free-space figures once data has moved.
func (m *Manager) invalidating(cb Callbacks) Callbacks {
	cached, ok := m.statusProbe.(*CachedProbe)
	if !ok {
		return cb
	}
	if cb == nil {
		cb = CallbackFuncs{}
	}
	return invalidatingCallbacks{Callbacks: cb, probe: cached}
}

type invalidatingCallbacks struct {
	Callbacks
	probe *CachedProbe
}

func (c invalidatingCallbacks) EndsSuccess(t *Task) {
	c.probe.Invalidate()
	c.Callbacks.EndsSuccess(t)
}

func (c invalidatingCallbacks) EndsError(t *Task, err error) {
	c.probe.Invalidate()
	c.Callbacks.EndsError(t, err)
}

// Path resolves a root to its absolute path. RootDefault resolves to the
// current root. An absent secondary yields ErrRootUnavailable.
func (m *Manager) Path(ctx context.Context, root Root) (string, error) {
	if root == RootDefault {
		cur, err := m.CurrentRoot(ctx)
		if err != nil {
			return "", err
		}
		root = cur
	}
	if !root.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidRoot, root)
	}
	p, ok := Snapshot(m.provider).Path(root)
	if !ok {
		return "", fmt.Errorf("%s: %w", root, ErrRootUnavailable)
	}
	return p, nil
}

// Resolve joins rel onto the path of root. rel must stay inside the root.
func (m *Manager) Resolve(ctx context.Context, root Root, rel string) (string, error) {
	base, err := m.Path(ctx, root)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.Join(base, rel))
	if clean != base && !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve %q: path escapes root", rel)
	}
	return clean, nil
}

// FreeSpace returns the free bytes at root, or SpaceUnknown.
func (m *Manager) FreeSpace(ctx context.Context, root Root) int64 {
	p, err := m.Path(ctx, root)
	if err != nil {
		return SpaceUnknown
	}
	return probeOrUnknown(m.probe, p)
}

// SecondaryWritable reports whether the secondary root is present and
// writable right now.
func (m *Manager) SecondaryWritable() bool {
	_, ok := m.provider.SecondaryPath()
	return ok
}

// ShouldPrompt reports whether the user should be asked about switching
// roots: the configuration drifted or the optimal root is not in use, and
// the last prompt is older than interval.
func (m *Manager) ShouldPrompt(ctx context.Context, interval time.Duration) (bool, error) {
	sel, err := m.selection(ctx)
	if err != nil {
		return false, err
	}
	paths := Snapshot(m.provider)
	drift := sel.Fingerprint != Fingerprint(paths) || sel.Root != m.optimalFor(paths, m.probe)
	if !drift {
		return false, nil
	}
	if sel.LastPromptMillis < 0 {
		return true, nil
	}
	last := time.UnixMilli(sel.LastPromptMillis)
	return nowFunc().Sub(last) >= interval, nil
}

// MarkPrompted records that the user was just asked.
func (m *Manager) MarkPrompted(ctx context.Context) error {
	return m.store.MarkPrompted(ctx, nowFunc().UnixMilli())
}

// Purge empties a root that is not in use, e.g. a tree leaked by an earlier
// migration. The current root, a root pinned by an unfinished migration and
// any root while a migration runs are refused.
func (m *Manager) Purge(ctx context.Context, root Root) error {
	l := sub("manager")
	if root == RootDefault {
		return fmt.Errorf("purge: %w", ErrRootInUse)
	}
	if !root.Valid() {
		return fmt.Errorf("purge: %w: %s", ErrInvalidRoot, root)
	}
	cur, err := m.CurrentRoot(ctx)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if cur == root {
		return fmt.Errorf("purge %s: %w", root, ErrRootInUse)
	}
	pinned, ok, err := m.store.Pinned(ctx)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if ok && pinned == root {
		l.Warn("purge refused, root holds the only complete copy", "root", root)
		return fmt.Errorf("purge %s: pinned by an unfinished migration: %w", root, ErrRootInUse)
	}
	if m.engine.Running() != nil {
		return fmt.Errorf("purge %s: %w", root, ErrMigrationInProgress)
	}
	p, ok := Snapshot(m.provider).Path(root)
	if !ok {
		return fmt.Errorf("purge %s: %w", root, ErrRootUnavailable)
	}

	l.Info("purging root", "root", root, "path", p)
	if err := ClearTree(m.fs, p); err != nil {
		return fmt.Errorf("purge %s: %w", root, err)
	}
	if cached, ok := m.statusProbe.(*CachedProbe); ok {
		cached.Invalidate()
	}
	m.events.Publish(Event{Type: EventPurged, Target: ptr(root)})
	return nil
}

// ListFiles returns the regular files below dir inside root, relative to
// dir and in natural order. A missing dir lists nothing.
func (m *Manager) ListFiles(ctx context.Context, root Root, dir string) ([]string, error) {
	base, err := m.Resolve(ctx, root, dir)
	if err != nil {
		return nil, err
	}
	if !exists(m.fs, base) {
		return []string{}, nil
	}
	files := []string{}
	err = afero.Walk(m.fs, base, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && !strings.Contains(filepath.Base(path), tmpSuffix) {
			rel, _ := filepath.Rel(base, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	sort.Sort(natural.StringSlice(files))
	return files, nil
}

// History returns the most recent migrations, newest first. Backends without
// history return an empty list.
func (m *Manager) History(ctx context.Context, limit int) ([]MigrationRecord, error) {
	rec, ok := m.store.KV().(HistoryRecorder)
	if !ok {
		return []MigrationRecord{}, nil
	}
	return rec.ListMigrations(ctx, limit)
}

// RootStatus describes one root in a Status snapshot.
type RootStatus struct {
	Root      Root   `json:"root" yaml:"root"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	Available bool   `json:"available" yaml:"available"`
	Free      int64  `json:"free" yaml:"free"`
	Current   bool   `json:"current" yaml:"current"`
	Optimal   bool   `json:"optimal" yaml:"optimal"`
}

// TaskInfo is a serialisable view of a task.
type TaskInfo struct {
	ID     string    `json:"id" yaml:"id"`
	Source Root      `json:"source" yaml:"source"`
	Target Root      `json:"target" yaml:"target"`
	State  TaskState `json:"state" yaml:"state"`
	Bytes  int64     `json:"bytes" yaml:"bytes"`
	Error  string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Info snapshots the task.
func (t *Task) Info() TaskInfo {
	rec := t.Record()
	return TaskInfo{
		ID:     rec.ID,
		Source: rec.Source,
		Target: rec.Target,
		State:  rec.State,
		Bytes:  rec.Bytes,
		Error:  rec.Error,
	}
}

// Status is a point-in-time view of the subsystem.
type Status struct {
	Current          Root         `json:"current" yaml:"current"`
	Optimal          Root         `json:"optimal" yaml:"optimal"`
	OptimalInUse     bool         `json:"optimalInUse" yaml:"optimalInUse"`
	ConfigChanged    bool         `json:"configChanged" yaml:"configChanged"`
	Fingerprint      string       `json:"fingerprint" yaml:"fingerprint"`
	LastPromptMillis int64        `json:"lastPromptMillis" yaml:"lastPromptMillis"`
	Roots            []RootStatus `json:"roots" yaml:"roots"`
	Running          *TaskInfo    `json:"running,omitempty" yaml:"running,omitempty"`
}

// Status gathers current state. Free space may be up to StatusProbeTTL old.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	sel, err := m.selection(ctx)
	if err != nil {
		return nil, err
	}
	paths := Snapshot(m.provider)
	optimal := m.optimalFor(paths, m.statusProbe)

	st := &Status{
		Current:          sel.Root,
		Optimal:          optimal,
		OptimalInUse:     sel.Root == optimal,
		ConfigChanged:    sel.Fingerprint != Fingerprint(paths),
		Fingerprint:      sel.Fingerprint,
		LastPromptMillis: sel.LastPromptMillis,
		Roots: lo.Map([]Root{RootPrimary, RootSecondary}, func(r Root, _ int) RootStatus {
			p, ok := paths.Path(r)
			return RootStatus{
				Root:      r,
				Path:      p,
				Available: ok,
				Free:      lo.Ternary(ok, probeOrUnknown(m.statusProbe, p), SpaceUnknown),
				Current:   r == sel.Root,
				Optimal:   r == optimal,
			}
		}),
	}
	if t := m.engine.Running(); t != nil {
		st.Running = ptr(t.Info())
	}
	return st, nil
}
