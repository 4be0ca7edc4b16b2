// Package store provides the shared session registry used by the worker and
// the backend process. It supports field-level session updates, a
// publish/subscribe channel for frame fan-out, and a provisioning work queue.
// The default implementation uses Redis, with an in-memory option for testing.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed store or subscription.
	ErrClosed = errors.New("store or subscription closed")

	// ErrQueueEmpty is returned when a bounded-wait pull finds no task.
	ErrQueueEmpty = errors.New("queue empty")
)

// SessionStore is the cross-process registry for session state.
// Implementations must be safe for concurrent use.
//
// Writes are whole-field upserts: SetFields never depends on a field's
// previous value, so replaying a write is always safe. Readers must not
// assume multi-field atomicity across separate SetFields calls.
type SessionStore interface {
	// SetFields upserts the given fields on the session hash, creating the
	// session entry if it does not exist.
	SetFields(ctx context.Context, sessionID string, fields map[string]string) error

	// GetFields returns all fields for a session. A missing session yields
	// an empty map, not an error.
	GetFields(ctx context.Context, sessionID string) (map[string]string, error)

	// Publish sends a message to all subscribers of the given channel.
	// Delivery is best-effort; there is no replay for late subscribers.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe starts receiving messages published to the given channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Queue returns the named work queue backed by this store.
	Queue(name string) TaskQueue

	// Close releases the store connection and all subscriptions.
	Close() error
}

// Subscription is an active channel subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed on Unsubscribe
	// or when the store shuts down.
	Messages() <-chan Message

	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error
}

// Message is a single published payload.
type Message struct {
	Channel string
	Data    []byte
}

// TaskQueue is a work queue with bounded-wait consumption.
type TaskQueue interface {
	// Push appends a task to the queue.
	Push(ctx context.Context, data []byte) error

	// Pull removes the next task, waiting up to wait for one to arrive.
	// Returns ErrQueueEmpty if the wait elapses with nothing queued.
	Pull(ctx context.Context, wait time.Duration) (*Task, error)

	// Len returns the approximate number of pending tasks.
	Len(ctx context.Context) (int, error)

	// Name returns the queue name.
	Name() string
}

// Task is a unit of work pulled from a TaskQueue.
type Task struct {
	ID   string
	Data []byte
}
