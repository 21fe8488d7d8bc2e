package storage

import (
	gosync "sync"
	"time"
)

// Event types published on the bus.
const (
	EventMigrationStarted   = "migration_started"
	EventMigrationSucceeded = "migration_succeeded"
	EventMigrationFailed    = "migration_failed"
	EventMigrationSkipped   = "migration_skipped"
	EventDrift              = "drift"
	EventPurged             = "purged"
)

// Event is a storage status update broadcast to SSE and websocket clients.
type Event struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Source  *Root  `json:"source,omitempty"`
	Target  *Root  `json:"target,omitempty"`
	Current *Root  `json:"current,omitempty"`
	Optimal *Root  `json:"optimal,omitempty"`
	Changed *bool  `json:"configChanged,omitempty"`
	Leaked  bool   `json:"sourceLeaked,omitempty"`
	Error   string `json:"error,omitempty"`
	At      int64  `json:"at"`
}

func taskEvent(typ string, t *Task) Event {
	ev := Event{
		Type:   typ,
		TaskID: t.ID,
		Source: ptr(t.Source),
		Target: ptr(t.Target),
		Leaked: t.SourceLeaked(),
		At:     nowFunc().UnixMilli(),
	}
	if err := t.Err(); err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func ptr[T any](v T) *T { return &v }

// EventBus broadcasts Events to all subscribers.
type EventBus struct {
	mu      gosync.RWMutex
	clients map[chan Event]struct{}
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new client and returns its event channel.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all connected clients.
// Slow clients are skipped (non-blocking send). A nil bus drops everything.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			// slow client, drop event
		}
	}
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
