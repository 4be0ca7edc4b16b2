package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-memory SessionStore for testing. It supports the full
// contract but nothing is shared across processes and nothing is persisted.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]string
	subs       map[string][]*memorySubscription
	queues     map[string]*memoryQueue
	closed     atomic.Bool
	subCounter atomic.Uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]string),
		subs:     make(map[string][]*memorySubscription),
		queues:   make(map[string]*memoryQueue),
	}
}

func (s *MemoryStore) SetFields(ctx context.Context, sessionID string, fields map[string]string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		existing = make(map[string]string, len(fields))
		s.sessions[sessionID] = existing
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (s *MemoryStore) GetFields(ctx context.Context, sessionID string) (map[string]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.sessions[sessionID]))
	for k, v := range s.sessions[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	msg := Message{Channel: channel, Data: data}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs[channel] {
		if sub.closed.Load() {
			continue
		}
		// Non-blocking send: a slow subscriber drops messages rather than
		// stalling the publisher.
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:       s.subCounter.Add(1),
		channel:  channel,
		messages: make(chan Message, 256),
		store:    s,
	}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *MemoryStore) Queue(name string) TaskQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return q
	}
	q := &memoryQueue{
		name:    name,
		pending: make(chan *Task, 10000),
	}
	s.queues[name] = q
	return q
}

func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subs := range s.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.messages)
			}
		}
	}
	s.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	id       uint64
	channel  string
	messages chan Message
	store    *MemoryStore
	closed   atomic.Bool
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.messages
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub.id == s.id {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	close(s.messages)
	return nil
}

type memoryQueue struct {
	name    string
	pending chan *Task
}

func (q *memoryQueue) Push(ctx context.Context, data []byte) error {
	task := &Task{
		ID:   ulid.Make().String(),
		Data: data,
	}
	select {
	case q.pending <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Pull(ctx context.Context, wait time.Duration) (*Task, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case task, ok := <-q.pending:
		if !ok {
			return nil, ErrClosed
		}
		return task, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.pending), nil
}

func (q *memoryQueue) Name() string {
	return q.name
}
