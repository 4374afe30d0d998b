package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/drzln/curupira/internal/common/errorx"

	"go.uber.org/zap"
)

const defaultQueueSize = 100

// MemoryStore implements Store in process memory
type MemoryStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	conns  map[string]*MemoryConnection
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("session.store.memory"),
		conns:  make(map[string]*MemoryConnection),
	}
}

// Register implements Store.Register
func (s *MemoryStore) Register(_ context.Context, meta *Meta) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[meta.ID]; exists {
		return nil, fmt.Errorf("session already registered: %s", meta.ID)
	}
	conn := newMemoryConnection(meta, defaultQueueSize)
	s.conns[meta.ID] = conn
	s.logger.Debug("session registered",
		zap.String("id", meta.ID),
		zap.String("transport", meta.Transport))
	return conn, nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil, notFound(id)
	}
	return conn, nil
}

// Unregister implements Store.Unregister
func (s *MemoryStore) Unregister(_ context.Context, id string) error {
	s.mu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if !ok {
		return notFound(id)
	}
	conn.shutdown()
	return nil
}

// List implements Store.List
func (s *MemoryStore) List(_ context.Context) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns, nil
}

// Close terminates every session
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*MemoryConnection)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
	return nil
}

// MemoryConnection implements Connection with a buffered channel
type MemoryConnection struct {
	meta *Meta

	mu     sync.Mutex
	closed bool
	queue  chan *Message
}

var _ Connection = (*MemoryConnection)(nil)

func newMemoryConnection(meta *Meta, size int) *MemoryConnection {
	return &MemoryConnection{meta: meta, queue: make(chan *Message, size)}
}

// EventQueue implements Connection.EventQueue
func (c *MemoryConnection) EventQueue() <-chan *Message {
	return c.queue
}

// Send implements Connection.Send
func (c *MemoryConnection) Send(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errorx.ErrSessionClosed.WithDetail("sessionId", c.meta.ID)
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return errorx.ErrQueueFull.WithDetail("sessionId", c.meta.ID)
	}
}

// Close implements Connection.Close
func (c *MemoryConnection) Close(_ context.Context) error {
	c.shutdown()
	return nil
}

func (c *MemoryConnection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// Meta implements Connection.Meta
func (c *MemoryConnection) Meta() *Meta {
	return c.meta
}

func notFound(id string) error {
	return errorx.ErrSessionNotFound.WithMessage("assistant session %s not found", id)
}
