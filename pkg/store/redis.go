package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore on a shared Redis instance. Session
// state lives in hashes, frames travel over Redis pub/sub, and the
// provisioning queue is a list consumed with BRPOP.
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex
	queues map[string]*redisQueue
	closed atomic.Bool
}

// NewRedisStore connects to the Redis instance at the given URL
// (e.g. "redis://localhost:6379").
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		queues: make(map[string]*redisQueue),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for tests with a
// miniredis-style server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		queues: make(map[string]*redisQueue),
	}
}

// Ping reports whether the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SetFields(ctx context.Context, sessionID string, fields map[string]string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, SessionKey(sessionID), fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", SessionKey(sessionID), err)
	}
	return nil
}

func (s *RedisStore) GetFields(ctx context.Context, sessionID string) (map[string]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	fields, err := s.client.HGetAll(ctx, SessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", SessionKey(sessionID), err)
	}
	return fields, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Publish(ctx, channel, data).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ps := s.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so a publish
	// immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		channel:  channel,
		ps:       ps,
		messages: make(chan Message, 256),
	}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Queue(name string) TaskQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return q
	}
	q := &redisQueue{name: name, client: s.client}
	s.queues[name] = q
	return q
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.client.Close()
}

type redisSubscription struct {
	channel  string
	ps       *redis.PubSub
	messages chan Message
	closed   atomic.Bool
}

func (s *redisSubscription) pump() {
	defer close(s.messages)
	for msg := range s.ps.Channel() {
		s.messages <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.messages
}

func (s *redisSubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.ps.Close()
}

type redisQueue struct {
	name   string
	client *redis.Client
}

func (q *redisQueue) key() string {
	return "queue:" + q.name
}

func (q *redisQueue) Push(ctx context.Context, data []byte) error {
	return q.client.LPush(ctx, q.key(), data).Err()
}

func (q *redisQueue) Pull(ctx context.Context, wait time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, wait, q.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", q.key(), err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply length %d", q.key(), len(res))
	}
	return &Task{
		ID:   ulid.Make().String(),
		Data: []byte(res[1]),
	}, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key()).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key(), err)
	}
	return int(n), nil
}

func (q *redisQueue) Name() string {
	return q.name
}
