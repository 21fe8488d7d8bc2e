package storage

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gb = int64(1) << 30
)

func withDispatch(fn func(func())) envOption {
	return func(o *Options) { o.Dispatch = fn }
}

// seedPrimary writes a small content tree under the primary root.
func seedPrimary(t *testing.T, env *testEnv) {
	t.Helper()
	base := env.fs.Fs
	writeFile(t, base, testPrimary+"/a.txt", "alpha")
	writeFile(t, base, testPrimary+"/docs/b.txt", "bravo")
	writeFile(t, base, testPrimary+"/docs/c.txt", "charlie")
}

func currentRoot(t *testing.T, env *testEnv) Root {
	t.Helper()
	r, err := env.manager.CurrentRoot(context.Background())
	require.NoError(t, err)
	return r
}

func TestMigrate_Succeeds(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	require.Equal(t, RootPrimary, currentRoot(t, env))

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, []string{"starts"}, rec.Calls()[:1], "Starts fires before MigrateTo returns")

	waitTask(t, task)
	rec.wait(t)

	assert.Equal(t, []string{"starts", "success"}, rec.Calls())
	assert.Equal(t, TaskSucceeded, task.State())
	assert.NoError(t, task.Err())
	assert.False(t, task.SourceLeaked())
	assert.Equal(t, int64(len("alpha")+len("bravo")+len("charlie")), task.Bytes())

	assert.Equal(t, "alpha", readFile(t, env.fs, testSecondary+"/a.txt"))
	assert.Equal(t, "bravo", readFile(t, env.fs, testSecondary+"/docs/b.txt"))
	assert.Equal(t, "charlie", readFile(t, env.fs, testSecondary+"/docs/c.txt"))

	entries, err := afero.ReadDir(env.fs, testPrimary)
	require.NoError(t, err)
	assert.Empty(t, entries, "source tree removed")
	ok, _ := afero.DirExists(env.fs, testPrimary)
	assert.True(t, ok, "source root directory kept")

	assert.Equal(t, RootSecondary, currentRoot(t, env))
	changed, err := env.manager.HasConfigurationChanged(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMigrate_AlreadyOnTarget(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	before := env.kv.Dump()
	mutations := env.fs.mutations.Load()

	for _, target := range []Root{RootPrimary, RootDefault} {
		rec := newRecorder()
		task, err := env.manager.MigrateTo(context.Background(), target, rec)
		require.NoError(t, err)

		assert.Equal(t, []string{"already_done"}, rec.Calls())
		assert.Equal(t, TaskSkipped, task.State())
		select {
		case <-task.Done():
		default:
			t.Fatal("skipped task must be done on return")
		}
	}

	assert.Equal(t, mutations, env.fs.mutations.Load(), "filesystem untouched")
	assert.Equal(t, before, env.kv.Dump(), "selection untouched")
	assert.Equal(t, "alpha", readFile(t, env.fs, testPrimary+"/a.txt"))
}

func TestMigrate_AlreadyOnSecondary(t *testing.T) {
	env := setupEnv(t, 10*gb, 100*gb)
	require.Equal(t, RootSecondary, currentRoot(t, env))
	writeFile(t, env.fs.Fs, testSecondary+"/a.txt", "alpha")
	before := env.kv.Dump()
	mutations := env.fs.mutations.Load()

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"already_done"}, rec.Calls())
	assert.Equal(t, TaskSkipped, task.State())
	assert.Equal(t, before, env.kv.Dump())
	assert.Equal(t, mutations, env.fs.mutations.Load())
}

func TestMigrateToOptimal_AlreadyOptimal(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	rec := newRecorder()
	task, err := env.manager.MigrateToOptimal(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, TaskSkipped, task.State())
	assert.Equal(t, []string{"already_done"}, rec.Calls())
}

func TestMigrateToOptimal_AfterSpaceChange(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.probe.Set(testPrimary, 1*gb)

	rec := newRecorder()
	task, err := env.manager.MigrateToOptimal(context.Background(), rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, RootSecondary, task.Target)
	assert.Equal(t, TaskSucceeded, task.State())
	inUse, err := env.manager.IsOptimalRootInUse(context.Background())
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestMigrate_RejectsConcurrentRequest(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.fs.gate = make(chan struct{})

	first := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, first)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.State())
	assert.Same(t, task, env.manager.Engine().Running())

	for _, target := range []Root{RootSecondary, RootPrimary, RootDefault} {
		second := newRecorder()
		_, err = env.manager.MigrateTo(context.Background(), target, second)
		assert.ErrorIs(t, err, ErrMigrationInProgress, target.String())
		assert.Empty(t, second.Calls(), "a rejected request fires no callbacks")
	}

	close(env.fs.gate)
	waitTask(t, task)
	first.wait(t)
	assert.Equal(t, []string{"starts", "success"}, first.Calls())

	// the slot is free again
	rec := newRecorder()
	next, err := env.manager.MigrateTo(context.Background(), RootPrimary, rec)
	require.NoError(t, err)
	waitTask(t, next)
	assert.Equal(t, TaskSucceeded, next.State())
	assert.Equal(t, RootPrimary, currentRoot(t, env))
}

func TestMigrate_CopyFailureLeavesSourceAndSelection(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.fs.failCreate = testSecondary + "/docs/c.txt"
	before := env.kv.Dump()

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, []string{"starts", "error"}, rec.Calls())
	assert.Equal(t, TaskFailed, task.State())
	assert.ErrorIs(t, rec.Err(), ErrCopyFailed)
	assert.ErrorIs(t, task.Err(), errInjected)

	var me *MigrationError
	require.True(t, errors.As(task.Err(), &me))
	assert.Equal(t, testPrimary+"/docs/c.txt", me.Path)

	assert.Equal(t, "alpha", readFile(t, env.fs, testPrimary+"/a.txt"))
	assert.Equal(t, "charlie", readFile(t, env.fs, testPrimary+"/docs/c.txt"))
	assert.Equal(t, before, env.kv.Dump())
	assert.Equal(t, RootPrimary, currentRoot(t, env))
}

func TestMigrate_InsufficientSpace(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.probe.Set(testSecondary, 4)

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, TaskFailed, task.State())
	assert.ErrorIs(t, task.Err(), ErrCopyFailed)
	assert.ErrorIs(t, task.Err(), ErrInsufficientSpace)
	ok, _ := afero.Exists(env.fs, testSecondary+"/a.txt")
	assert.False(t, ok, "nothing copied")
	assert.Equal(t, RootPrimary, currentRoot(t, env))
}

func TestMigrate_DeleteFailureLeak(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.fs.failRemove = testPrimary + "/docs"

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, []string{"starts", "success"}, rec.Calls())
	assert.Equal(t, TaskSucceeded, task.State())
	assert.True(t, task.SourceLeaked())
	assert.Equal(t, RootSecondary, currentRoot(t, env))
	assert.Equal(t, "bravo", readFile(t, env.fs, testPrimary+"/docs/b.txt"), "leaked tree stays behind")
}

func TestMigrate_DeleteFailurePolicyFail(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb, withPolicy(DeleteFail))
	seedPrimary(t, env)
	env.fs.failRemove = testPrimary + "/docs"
	before, err := env.manager.Store().Read(context.Background())
	require.NoError(t, err)

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, []string{"starts", "error"}, rec.Calls())
	assert.ErrorIs(t, task.Err(), ErrDeleteFailed)
	assert.NotErrorIs(t, task.Err(), ErrCopyFailed)
	after, err := env.manager.Store().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, RootPrimary, currentRoot(t, env))

	pinned, ok, err := env.manager.Store().Pinned(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RootSecondary, pinned)
	assert.ErrorIs(t, env.manager.Purge(context.Background(), RootSecondary), ErrRootInUse)
	assert.Equal(t, "charlie", readFile(t, env.fs, testSecondary+"/docs/c.txt"))
}

func TestMigrate_PersistenceFailureKeepsSource(t *testing.T) {
	kv := &flakyKV{KV: NewMemoryKV()}
	env := setupEnv(t, 100*gb, 10*gb, withKV(kv))
	seedPrimary(t, env)
	kv.FailNext(2)

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, []string{"starts", "error"}, rec.Calls())
	assert.ErrorIs(t, task.Err(), ErrPersistenceWriteFailed)
	assert.Equal(t, RootPrimary, currentRoot(t, env))
	assert.Equal(t, "alpha", readFile(t, env.fs, testPrimary+"/a.txt"), "source kept when the commit fails")

	// the target only holds a duplicate, purging it loses nothing
	require.NoError(t, env.manager.Purge(context.Background(), RootSecondary))
	assert.Equal(t, "alpha", readFile(t, env.fs, testPrimary+"/a.txt"))
	assert.Equal(t, "charlie", readFile(t, env.fs, testPrimary+"/docs/c.txt"))
}

func TestMigrate_PersistenceFailurePolicyFailPinsTarget(t *testing.T) {
	kv := &flakyKV{KV: NewMemoryKV()}
	env := setupEnv(t, 100*gb, 10*gb, withKV(kv), withPolicy(DeleteFail))
	seedPrimary(t, env)
	kv.FailAfter(1, 2)

	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, nil)
	require.NoError(t, err)
	waitTask(t, task)

	assert.ErrorIs(t, task.Err(), ErrPersistenceWriteFailed)
	assert.Equal(t, RootPrimary, currentRoot(t, env))

	err = env.manager.Purge(context.Background(), RootSecondary)
	assert.ErrorIs(t, err, ErrRootInUse)
	assert.Equal(t, "alpha", readFile(t, env.fs, testSecondary+"/a.txt"), "only copy survives")

	// migrating again completes the move and clears the pin
	task, err = env.manager.MigrateTo(context.Background(), RootSecondary, nil)
	require.NoError(t, err)
	waitTask(t, task)
	assert.Equal(t, TaskSucceeded, task.State())
	assert.Equal(t, RootSecondary, currentRoot(t, env))
	assert.Equal(t, "charlie", readFile(t, env.fs, testSecondary+"/docs/c.txt"))
	_, ok, err := env.manager.Store().Pinned(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrate_SourceUnavailable(t *testing.T) {
	env := setupEnv(t, 10*gb, 100*gb)
	require.Equal(t, RootSecondary, currentRoot(t, env))
	env.provider.Secondary = ""

	rec := newRecorder()
	task, err := env.manager.MigrateTo(context.Background(), RootPrimary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, TaskSucceeded, task.State())
	assert.Zero(t, task.Bytes())
	assert.Equal(t, RootPrimary, currentRoot(t, env))

	sel, err := env.manager.Store().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(RootPaths{Primary: testPrimary}), sel.Fingerprint)
}

func TestMigrate_TargetUnavailable(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	env.provider.Secondary = ""

	rec := newRecorder()
	_, err := env.manager.MigrateTo(context.Background(), RootSecondary, rec)
	assert.ErrorIs(t, err, ErrRootUnavailable)
	assert.Empty(t, rec.Calls())
	assert.Nil(t, env.manager.Engine().Running())

	// the slot was released
	env.provider.Secondary = testSecondary
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, nil)
	require.NoError(t, err)
	waitTask(t, task)
}

func TestMigrate_InvalidRoot(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	_, err := env.manager.MigrateTo(context.Background(), Root(9), nil)
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestEngine_NoSelection(t *testing.T) {
	e := NewEngine(EngineOptions{
		Fs:       afero.NewMemMapFs(),
		Provider: &StaticProvider{Primary: testPrimary, Secondary: testSecondary},
		Probe:    newFakeProbe(),
		Store:    NewSelectionStore(NewMemoryKV()),
	})
	_, err := e.Migrate(context.Background(), RootSecondary, nil)
	assert.ErrorIs(t, err, ErrNoSelection)
}

type panicProbe struct{}

func (panicProbe) FreeSpace(string) (int64, error) { panic("probe exploded") }

func TestEngine_WorkerPanicFailsTask(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, testPrimary+"/a.txt", "a")
	require.NoError(t, fsys.MkdirAll(testSecondary, 0755))
	store := NewSelectionStore(NewMemoryKV())
	require.NoError(t, store.Write(context.Background(), Selection{Root: RootPrimary, Fingerprint: "x"}))

	e := NewEngine(EngineOptions{
		Fs:       fsys,
		Provider: &StaticProvider{Primary: testPrimary, Secondary: testSecondary},
		Probe:    panicProbe{},
		Store:    store,
	})
	rec := newRecorder()
	task, err := e.Migrate(context.Background(), RootSecondary, rec)
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, TaskFailed, task.State())
	assert.ErrorIs(t, task.Err(), ErrCopyFailed)
	assert.Equal(t, []string{"starts", "error"}, rec.Calls())
	assert.Equal(t, "a", readFile(t, fsys, testPrimary+"/a.txt"))
}

func TestMigrate_CallbackPanicIsContained(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)

	done := make(chan struct{})
	cb := CallbackFuncs{
		OnStart:   func(*Task) { panic("listener bug") },
		OnSuccess: func(*Task) { close(done) },
	}
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, cb)
	require.NoError(t, err)
	waitTask(t, task)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("success callback not delivered")
	}
	assert.Equal(t, TaskSucceeded, task.State())
}

func TestMigrate_DispatchOrder(t *testing.T) {
	var (
		mu    gosync.Mutex
		order []string
	)
	dispatch := func(fn func()) {
		mu.Lock()
		order = append(order, "dispatch")
		mu.Unlock()
		fn()
	}
	env := setupEnv(t, 100*gb, 10*gb, withDispatch(dispatch))
	seedPrimary(t, env)

	cb := CallbackFuncs{
		OnStart:   func(*Task) { mu.Lock(); order = append(order, "starts"); mu.Unlock() },
		OnSuccess: func(*Task) { mu.Lock(); order = append(order, "success"); mu.Unlock() },
	}
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, cb)
	require.NoError(t, err)
	waitTask(t, task)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dispatch", "starts", "dispatch", "success"}, order)
}

func TestMigrate_TerminalCallbackBeforeNextStart(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)

	var (
		mu    gosync.Mutex
		order []string
	)
	log := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	released := make(chan struct{})
	first := CallbackFuncs{
		OnStart: func(*Task) { log("first starts") },
		OnSuccess: func(*Task) {
			close(released)
			time.Sleep(50 * time.Millisecond)
			log("first success")
		},
	}
	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, first)
	require.NoError(t, err)

	<-released
	second := CallbackFuncs{OnStart: func(*Task) { log("second starts") }}
	var next *Task
	require.Eventually(t, func() bool {
		next, err = env.manager.MigrateTo(context.Background(), RootPrimary, second)
		return err == nil
	}, 5*time.Second, time.Millisecond)
	waitTask(t, task)
	waitTask(t, next)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first starts", "first success", "second starts"}, order)
}

func TestMigrate_PublishesEvents(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	ch := env.events.Subscribe()
	defer env.events.Unsubscribe(ch)

	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, nil)
	require.NoError(t, err)
	waitTask(t, task)

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, EventMigrationStarted, got[0].Type)
	assert.Equal(t, EventMigrationSucceeded, got[1].Type)
	assert.Equal(t, task.ID, got[1].TaskID)
	require.NotNil(t, got[1].Target)
	assert.Equal(t, RootSecondary, *got[1].Target)
	assert.NotZero(t, got[1].At)
}

func TestMigrate_RecordsHistory(t *testing.T) {
	kv := setupTestDB(t)
	env := setupEnv(t, 100*gb, 10*gb, withKV(kv))
	seedPrimary(t, env)
	ctx := context.Background()

	task, err := env.manager.MigrateTo(ctx, RootSecondary, nil)
	require.NoError(t, err)
	waitTask(t, task)

	// skipped requests leave no history row
	_, err = env.manager.MigrateTo(ctx, RootSecondary, nil)
	require.NoError(t, err)

	recs, err := env.manager.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, task.ID, recs[0].ID)
	assert.Equal(t, TaskSucceeded, recs[0].State)
	assert.Equal(t, RootPrimary, recs[0].Source)
	assert.Equal(t, RootSecondary, recs[0].Target)
	assert.Equal(t, task.Bytes(), recs[0].Bytes)
}

func TestTask_Wait(t *testing.T) {
	env := setupEnv(t, 100*gb, 10*gb)
	seedPrimary(t, env)
	env.fs.gate = make(chan struct{})

	task, err := env.manager.MigrateTo(context.Background(), RootSecondary, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)

	close(env.fs.gate)
	assert.NoError(t, task.Wait(context.Background()))
	assert.NoError(t, env.manager.Engine().Wait(context.Background()))
}

func TestParseDeletePolicy(t *testing.T) {
	p, err := ParseDeletePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DeleteLeak, p)

	p, err = ParseDeletePolicy("FAIL")
	require.NoError(t, err)
	assert.Equal(t, DeleteFail, p)
	assert.Equal(t, "fail", p.String())

	_, err = ParseDeletePolicy("ignore")
	assert.Error(t, err)
}
