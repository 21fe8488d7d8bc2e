package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testPrimary   = "/data/primary"
	testMount     = "/media/sd"
	testSecondary = "/media/sd/app"
)

// setupTestDB opens a SQLite-backed KV in a temp directory.
func setupTestDB(t *testing.T) *SQLiteKV {
	t.Helper()
	db, err := openDBAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	kv := NewSQLiteKV(db)
	t.Cleanup(func() { kv.Close() })
	return kv
}

// fakeProbe returns configured free space per path; unknown paths fail.
type fakeProbe struct {
	mu    gosync.Mutex
	free  map[string]int64
	calls int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{free: make(map[string]int64)}
}

func (p *fakeProbe) Set(path string, free int64) {
	p.mu.Lock()
	p.free[path] = free
	p.mu.Unlock()
}

func (p *fakeProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProbe) FreeSpace(path string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if v, ok := p.free[path]; ok {
		return v, nil
	}
	return SpaceUnknown, fmt.Errorf("%w: %s", ErrSpaceUnknown, path)
}

// faultFs wraps an afero.Fs to inject failures, block writers and count
// mutating calls.
type faultFs struct {
	afero.Fs
	failCreate string        // OpenFile with O_CREATE on a path with this prefix fails
	failRemove string        // RemoveAll on a path with this prefix fails
	gate       chan struct{} // if set, file creation waits until it is closed
	mutations  atomic.Int64
}

var errInjected = errors.New("injected failure")

func (f *faultFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_CREATE|os.O_WRONLY|os.O_RDWR) != 0 {
		f.mutations.Add(1)
		if f.gate != nil {
			<-f.gate
		}
		if f.failCreate != "" && strings.HasPrefix(name, f.failCreate) {
			return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
		}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *faultFs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (f *faultFs) Mkdir(name string, perm os.FileMode) error {
	f.mutations.Add(1)
	return f.Fs.Mkdir(name, perm)
}

func (f *faultFs) MkdirAll(path string, perm os.FileMode) error {
	f.mutations.Add(1)
	return f.Fs.MkdirAll(path, perm)
}

func (f *faultFs) Remove(name string) error {
	f.mutations.Add(1)
	return f.Fs.Remove(name)
}

func (f *faultFs) RemoveAll(path string) error {
	f.mutations.Add(1)
	if f.failRemove != "" && strings.HasPrefix(path, f.failRemove) {
		return &os.PathError{Op: "remove", Path: path, Err: errInjected}
	}
	return f.Fs.RemoveAll(path)
}

func (f *faultFs) Rename(oldname, newname string) error {
	f.mutations.Add(1)
	return f.Fs.Rename(oldname, newname)
}

func (f *faultFs) Chtimes(name string, atime, mtime time.Time) error {
	f.mutations.Add(1)
	return f.Fs.Chtimes(name, atime, mtime)
}

// flakyKV rejects failPuts PutAll calls after letting skipPuts through.
type flakyKV struct {
	KV
	mu       gosync.Mutex
	skipPuts int
	failPuts int
	puts     int
}

func (k *flakyKV) FailNext(n int) {
	k.FailAfter(0, n)
}

func (k *flakyKV) FailAfter(skip, n int) {
	k.mu.Lock()
	k.skipPuts = skip
	k.failPuts = n
	k.mu.Unlock()
}

func (k *flakyKV) PutAll(ctx context.Context, values map[string]string) error {
	k.mu.Lock()
	k.puts++
	if k.skipPuts > 0 {
		k.skipPuts--
		k.mu.Unlock()
		return k.KV.PutAll(ctx, values)
	}
	if k.failPuts > 0 {
		k.failPuts--
		k.mu.Unlock()
		return errInjected
	}
	k.mu.Unlock()
	return k.KV.PutAll(ctx, values)
}

func writeFile(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0644))
}

func readFile(t *testing.T, fsys afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	return string(b)
}

// testEnv is a manager over an in-memory filesystem with both roots present.
type testEnv struct {
	fs       *faultFs
	provider *StaticProvider
	probe    *fakeProbe
	kv       *MemoryKV
	events   *EventBus
	manager  *Manager
}

type envOption func(*Options)

func withPolicy(p DeletePolicy) envOption {
	return func(o *Options) { o.Policy = p }
}

func withKV(kv KV) envOption {
	return func(o *Options) { o.KV = kv }
}

// setupEnv builds a testEnv. The free space figures decide the root chosen
// at bootstrap.
func setupEnv(t *testing.T, primaryFree, secondaryFree int64, opts ...envOption) *testEnv {
	t.Helper()
	fsys := &faultFs{Fs: afero.NewMemMapFs()}
	require.NoError(t, fsys.Fs.MkdirAll(testPrimary, 0755))
	require.NoError(t, fsys.Fs.MkdirAll(testSecondary, 0755))

	env := &testEnv{
		fs:       fsys,
		provider: &StaticProvider{Primary: testPrimary, Secondary: testSecondary},
		probe:    newFakeProbe(),
		kv:       NewMemoryKV(),
		events:   NewEventBus(),
	}
	env.probe.Set(testPrimary, primaryFree)
	env.probe.Set(testSecondary, secondaryFree)

	o := Options{
		Provider:       env.provider,
		KV:             env.kv,
		Probe:          env.probe,
		Fs:             fsys,
		Events:         env.events,
		StatusProbeTTL: -1,
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := NewManager(context.Background(), o)
	require.NoError(t, err)
	env.manager = m
	return env
}

// recorder captures callback invocations in order.
type recorder struct {
	mu     gosync.Mutex
	calls  []string
	errs   []error
	tasks  []*Task
	ended  chan struct{}
	onceFn gosync.Once
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan struct{})}
}

func (r *recorder) add(name string, t *Task, err error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.tasks = append(r.tasks, t)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	r.mu.Unlock()
}

func (r *recorder) end() {
	r.onceFn.Do(func() { close(r.ended) })
}

func (r *recorder) Starts(t *Task) { r.add("starts", t, nil) }

func (r *recorder) EndsSuccess(t *Task) {
	r.add("success", t, nil)
	r.end()
}

func (r *recorder) EndsError(t *Task, err error) {
	r.add("error", t, err)
	r.end()
}

func (r *recorder) AlreadyDone(t *Task) {
	r.add("already_done", t, nil)
	r.end()
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-task.Done():
	case <-ctx.Done():
		t.Fatal("timed out waiting for task")
	}
}
