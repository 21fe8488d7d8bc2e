package storage

import (
	"log/slog"
	gosync "sync"
)

// checkQueue is a thread-safe, deduplicating FIFO of reasons to re-check the
// root topology. A burst of identical triggers collapses into one check.
type checkQueue struct {
	mu     gosync.Mutex
	set    map[string]struct{}
	order  []string
	notify chan struct{} // signaled when items are added
}

func newCheckQueue() *checkQueue {
	return &checkQueue{
		set:    make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push adds a reason. If it is already queued, this is a no-op.
func (q *checkQueue) Push(reason string) {
	q.PushMany([]string{reason})
}

// PushMany adds several reasons at once.
func (q *checkQueue) PushMany(reasons []string) {
	q.mu.Lock()
	added := 0
	for _, r := range reasons {
		if _, exists := q.set[r]; exists {
			continue
		}
		q.set[r] = struct{}{}
		q.order = append(q.order, r)
		added++
	}
	newLen := len(q.order)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("push", "requested", len(reasons), "added", added, "queueLen", newLen)
	}

	if added > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Pop removes and returns the next reason. Blocks until one is available
// or done is closed. Returns ("", false) when done.
func (q *checkQueue) Pop(done <-chan struct{}) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			r := q.order[0]
			q.order = q.order[1:]
			delete(q.set, r)
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			return "", false
		case <-q.notify:
		}
	}
}

// Len returns the current queue size.
func (q *checkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Drain removes and returns all queued reasons.
func (q *checkQueue) Drain() []string {
	q.mu.Lock()
	result := q.order
	q.order = nil
	q.set = make(map[string]struct{})
	q.mu.Unlock()
	return result
}
