package storage

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a migration task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
	// TaskSkipped marks a request whose target was already the current root.
	TaskSkipped
)

var taskStateNames = map[TaskState]string{
	TaskPending:   "pending",
	TaskRunning:   "running",
	TaskSucceeded: "succeeded",
	TaskFailed:    "failed",
	TaskSkipped:   "skipped",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	for st, name := range taskStateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", string(b))
}

// parseTaskState maps a stored name back to a state. Unknown names read as
// failed so a corrupt history row never looks successful.
func parseTaskState(name string) TaskState {
	var s TaskState
	if err := s.UnmarshalText([]byte(name)); err != nil {
		return TaskFailed
	}
	return s
}

// Task is the handle of one migration request. It is safe for concurrent use.
type Task struct {
	ID        string
	Source    Root
	Target    Root
	CreatedAt time.Time

	mu         gosync.Mutex
	state      TaskState
	err        error
	leaked     bool
	bytes      int64
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

func newTask(source, target Root) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		CreatedAt: nowFunc(),
		state:     TaskPending,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of a Failed task, nil otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SourceLeaked reports whether a successful task left the old tree behind.
func (t *Task) SourceLeaked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaked
}

// Bytes returns how many bytes were copied so far.
func (t *Task) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends. It returns the task error,
// or ctx.Err() when ctx ended first. The task keeps running either way.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) start() {
	t.mu.Lock()
	t.state = TaskRunning
	t.startedAt = nowFunc()
	t.mu.Unlock()
}

func (t *Task) addBytes(n int64) {
	t.mu.Lock()
	t.bytes += n
	t.mu.Unlock()
}

// settle moves the task to its terminal state. Done stays open until close,
// so waiters observe the terminal callback as already delivered.
func (t *Task) settle(state TaskState, err error, leaked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = state
	t.err = err
	t.leaked = leaked
	t.finishedAt = nowFunc()
	if t.startedAt.IsZero() {
		t.startedAt = t.finishedAt
	}
}

func (t *Task) close() {
	close(t.done)
}

// Record returns the history row for the task.
func (t *Task) Record() MigrationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := MigrationRecord{
		ID:           t.ID,
		Source:       t.Source,
		Target:       t.Target,
		State:        t.state,
		SourceLeaked: t.leaked,
		Bytes:        t.bytes,
		StartedAt:    t.startedAt,
		FinishedAt:   t.finishedAt,
	}
	if t.err != nil {
		rec.Error = t.err.Error()
	}
	return rec
}

// Callbacks receives the lifecycle of a migration. Starts always precedes
// EndsSuccess or EndsError; AlreadyDone replaces the whole sequence.
// Implementations may be called from a worker goroutine.
type Callbacks interface {
	Starts(t *Task)
	EndsSuccess(t *Task)
	EndsError(t *Task, err error)
	AlreadyDone(t *Task)
}

// CallbackFuncs adapts optional functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	OnStart       func(*Task)
	OnSuccess     func(*Task)
	OnError       func(*Task, error)
	OnAlreadyDone func(*Task)
}

func (c CallbackFuncs) Starts(t *Task) {
	if c.OnStart != nil {
		c.OnStart(t)
	}
}

func (c CallbackFuncs) EndsSuccess(t *Task) {
	if c.OnSuccess != nil {
		c.OnSuccess(t)
	}
}

func (c CallbackFuncs) EndsError(t *Task, err error) {
	if c.OnError != nil {
		c.OnError(t, err)
	}
}

func (c CallbackFuncs) AlreadyDone(t *Task) {
	if c.OnAlreadyDone != nil {
		c.OnAlreadyDone(t)
	}
}

var _ Callbacks = CallbackFuncs{}
