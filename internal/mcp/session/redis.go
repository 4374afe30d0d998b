package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/common/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis. Metadata lives in Redis so every
// bridge instance can resolve a session; messages travel over a pub/sub
// topic and are delivered to the instance holding the session locally.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	topic  string
	ttl    time.Duration
	pubsub *redis.PubSub
	done   chan struct{}

	mu    sync.RWMutex
	local map[string]*RedisConnection
}

var _ Store = (*RedisStore)(nil)

type update struct {
	Action  string   `json:"action"` // create, delete or event
	Meta    *Meta    `json:"meta"`
	Message *Message `json:"message,omitempty"`
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(ctx context.Context, logger *zap.Logger, cfg config.SessionRedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := "session:"
	if cfg.Prefix != "" {
		prefix = cfg.Prefix + ":"
	}
	s := &RedisStore{
		logger: logger.Named("session.store.redis"),
		client: client,
		prefix: prefix,
		topic:  cfg.Topic,
		ttl:    cfg.TTL,
		done:   make(chan struct{}),
		local:  make(map[string]*RedisConnection),
	}

	s.pubsub = client.Subscribe(ctx, cfg.Topic)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}
	go s.handleUpdates()

	return s, nil
}

func (s *RedisStore) idsKey() string {
	return s.prefix + "ids"
}

func (s *RedisStore) handleUpdates() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var u update
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil || u.Meta == nil {
			s.logger.Error("failed to decode session update",
				zap.String("payload", msg.Payload),
				zap.Error(err))
			continue
		}

		switch u.Action {
		case "event":
			s.mu.RLock()
			conn, ok := s.local[u.Meta.ID]
			s.mu.RUnlock()
			if !ok || u.Message == nil {
				continue
			}
			if err := conn.buf.Send(context.Background(), u.Message); err != nil {
				s.logger.Warn("dropping session message",
					zap.String("id", u.Meta.ID),
					zap.String("event", u.Message.Event),
					zap.Error(err))
			}
		case "delete":
			s.mu.Lock()
			conn, ok := s.local[u.Meta.ID]
			delete(s.local, u.Meta.ID)
			s.mu.Unlock()
			if ok {
				conn.buf.shutdown()
			}
		default:
			s.logger.Debug("session update",
				zap.String("action", u.Action),
				zap.String("id", u.Meta.ID))
		}
	}
}

func (s *RedisStore) publish(ctx context.Context, u update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal session update: %w", err)
	}
	return s.client.Publish(ctx, s.topic, data).Err()
}

func (s *RedisStore) touch(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.prefix+id, s.ttl)
	pipe.Expire(ctx, s.idsKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to renew session TTL",
			zap.String("id", id),
			zap.Error(err))
	}
}

func (s *RedisStore) track(meta *Meta) *RedisConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.local[meta.ID]; ok {
		return conn
	}
	conn := &RedisConnection{store: s, buf: newMemoryConnection(meta, defaultQueueSize)}
	s.local[meta.ID] = conn
	return conn
}

// Register implements Store.Register
func (s *RedisStore) Register(ctx context.Context, meta *Meta) (Connection, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.prefix+meta.ID, data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store session metadata: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("session already registered: %s", meta.ID)
	}
	if err := s.client.SAdd(ctx, s.idsKey(), meta.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to index session: %w", err)
	}
	s.touch(ctx, meta.ID)

	conn := s.track(meta)
	if err := s.publish(ctx, update{Action: "create", Meta: meta}); err != nil {
		s.logger.Warn("failed to publish session creation",
			zap.String("id", meta.ID),
			zap.Error(err))
	}
	return conn, nil
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, id string) (Connection, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to get session metadata: %w", err)
	}
	s.touch(ctx, id)

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	return s.track(&meta), nil
}

// Unregister implements Store.Unregister
func (s *RedisStore) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	conn, ok := s.local[id]
	delete(s.local, id)
	s.mu.Unlock()
	if ok {
		conn.buf.shutdown()
	}

	n, err := s.client.Del(ctx, s.prefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session metadata: %w", err)
	}
	if err := s.client.SRem(ctx, s.idsKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove session from index: %w", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return s.publish(ctx, update{Action: "delete", Meta: &Meta{ID: id}})
}

// List implements Store.List. Index entries whose metadata expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]Connection, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	conns := make([]Connection, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.prefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			_ = s.client.SRem(ctx, s.idsKey(), id).Err()
			continue
		}
		if err != nil {
			s.logger.Error("failed to get session metadata",
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Error("failed to unmarshal session metadata",
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		conns = append(conns, s.track(&meta))
	}
	return conns, nil
}

// Close stops the subscription and closes the client. Sessions stay in
// Redis until their TTL runs out.
func (s *RedisStore) Close() error {
	var errs []error
	if err := s.pubsub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close pubsub: %w", err))
	}
	<-s.done

	s.mu.Lock()
	for id, conn := range s.local {
		conn.buf.shutdown()
		delete(s.local, id)
	}
	s.mu.Unlock()

	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RedisConnection implements Connection for a Redis-registered session
type RedisConnection struct {
	store *RedisStore
	buf   *MemoryConnection
}

var _ Connection = (*RedisConnection)(nil)

// EventQueue implements Connection.EventQueue
func (c *RedisConnection) EventQueue() <-chan *Message {
	return c.buf.EventQueue()
}

// Send implements Connection.Send by publishing on the session topic
func (c *RedisConnection) Send(ctx context.Context, msg *Message) error {
	c.store.touch(ctx, c.buf.meta.ID)
	return c.store.publish(ctx, update{Action: "event", Meta: c.buf.meta, Message: msg})
}

// Close implements Connection.Close
func (c *RedisConnection) Close(ctx context.Context) error {
	return c.store.Unregister(ctx, c.buf.meta.ID)
}

// Meta implements Connection.Meta
func (c *RedisConnection) Meta() *Meta {
	return c.buf.meta
}
