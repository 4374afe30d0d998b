package pool

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/eventbus"
	"github.com/drzln/curupira/pkg/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Pool.
type Options struct {
	// MaxConnections bounds the number of registered connections, 0 is unbounded.
	MaxConnections int
	// Selector is used by Send when the target names no connection.
	Selector Selector
	Metrics  *metrics.Metrics
}

// Target addresses a send: an explicit connection id, or a selector choosing one.
type Target struct {
	ID       string
	Selector Selector
}

// ToID targets the connection with the given id.
func ToID(id string) Target {
	return Target{ID: id}
}

// Using targets whichever connection sel picks.
func Using(sel Selector) Target {
	return Target{Selector: sel}
}

type connection struct {
	id           string
	cfg          ConnectionConfig
	transport    Transport
	registeredAt time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	down         chan error

	// sendMu keeps the outbound order FIFO across direct sends and flushes.
	sendMu sync.Mutex

	mu           sync.Mutex
	state        State
	removed      bool
	connectedAt  time.Time
	lastActivity time.Time
	lastErr      error
	attempts     int
	queue        [][]byte
	dropped      int64
	sent         int64
	received     int64
}

func (c *connection) signalDown(err error) {
	select {
	case c.down <- err:
	default:
	}
}

func (c *connection) drainDown() {
	select {
	case <-c.down:
	default:
	}
}

// enqueueLocked appends data, dropping the oldest message when full. Caller holds mu.
func (c *connection) enqueueLocked(data []byte) (dropped bool) {
	if len(c.queue) >= c.cfg.MessageQueueSize {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.dropped++
		dropped = true
	}
	c.queue = append(c.queue, data)
	return dropped
}

// pushFrontLocked puts a message that failed to send back at the head. Caller holds mu.
func (c *connection) pushFrontLocked(data []byte) (dropped bool) {
	if len(c.queue) >= c.cfg.MessageQueueSize {
		c.dropped++
		return true
	}
	c.queue = append([][]byte{data}, c.queue...)
	return false
}

func (c *connection) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnectionInfo{
		ID:           c.id,
		URL:          c.cfg.URL,
		State:        c.state,
		RegisteredAt: c.registeredAt,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Attempts:     c.attempts,
		QueueDepth:   len(c.queue),
		Dropped:      c.dropped,
		Sent:         c.sent,
		Received:     c.received,
		Metadata:     c.cfg.Metadata,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

// Pool manages duplex connections: it opens them, keeps them alive, queues
// outbound messages while they are down and spreads sends across them.
type Pool struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	maxConns int
	selector Selector

	mu     sync.RWMutex
	conns  map[string]*connection
	order  []string
	closed bool
	wg     sync.WaitGroup

	inbound *eventbus.Bus[Inbound]
	states  *eventbus.Bus[StateChange]
}

// New creates an empty pool.
func New(logger *zap.Logger, opts Options) *Pool {
	logger = logger.Named("pool")
	sel := opts.Selector
	if sel == nil {
		sel = RoundRobin()
	}
	return &Pool{
		logger:   logger,
		metrics:  opts.Metrics,
		maxConns: opts.MaxConnections,
		selector: sel,
		conns:    make(map[string]*connection),
		inbound:  eventbus.New[Inbound](logger),
		states:   eventbus.New[StateChange](logger),
	}
}

// Register adds a connection and starts opening it in the background.
func (p *Pool) Register(cfg ConnectionConfig, t Transport) (string, error) {
	cfg = cfg.withDefaults()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", errorx.ErrPoolClosed
	}
	if p.maxConns > 0 && len(p.conns) >= p.maxConns {
		p.mu.Unlock()
		return "", errorx.ErrPoolFull.WithDetail("max", p.maxConns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &connection{
		id:           uuid.NewString(),
		cfg:          cfg,
		transport:    t,
		registeredAt: now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
		down:         make(chan error, 1),
		state:        StateConnecting,
	}
	p.conns[c.id] = c
	p.order = append(p.order, c.id)
	p.wg.Add(1)
	p.mu.Unlock()

	t.SetMessageHandler(func(data []byte) {
		c.mu.Lock()
		c.received++
		c.lastActivity = time.Now()
		c.mu.Unlock()
		p.inbound.Publish(Inbound{ConnectionID: c.id, Data: data})
	})
	t.SetErrorHandler(func(err error) {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		p.logger.Debug("transport error", zap.String("connection", c.id), zap.Error(err))
	})
	t.SetCloseHandler(func() {
		c.signalDown(errorx.ErrNotConnected.WithMessage("transport closed"))
	})

	p.metrics.ConnStateChange("", string(StateConnecting))
	p.states.Publish(StateChange{ID: c.id, To: StateConnecting, At: now})
	p.logger.Info("registered connection",
		zap.String("connection", c.id),
		zap.String("url", cfg.URL))

	go p.run(c)
	return c.id, nil
}

func (p *Pool) setState(c *connection, to State, err error) {
	c.mu.Lock()
	from := c.state
	if c.removed || from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	p.metrics.ConnStateChange(string(from), string(to))
	fields := []zap.Field{
		zap.String("connection", c.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	p.logger.Debug("connection state changed", fields...)
	p.states.Publish(StateChange{ID: c.id, From: from, To: to, Err: err, At: time.Now()})
}

// run owns the lifecycle of one connection until it is removed or fails for good.
func (p *Pool) run(c *connection) {
	defer p.wg.Done()

	policy := c.cfg.Reconnect
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffFactor,
		MaxInterval:         policy.MaxDelay,
	}
	b.Reset()

	failures := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		p.setState(c, StateConnecting, nil)

		cctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		err := c.transport.Connect(cctx)
		cancel()

		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.mu.Lock()
			c.attempts = failures
			c.lastErr = err
			c.mu.Unlock()
			p.metrics.ConnReconnect(c.id)
			p.logger.Warn("connection attempt failed",
				zap.String("connection", c.id),
				zap.Int("attempt", failures),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Error(err))

			if failures >= policy.MaxAttempts {
				p.setState(c, StateError, err)
				return
			}
			p.setState(c, StateDisconnected, err)
			if !sleep(c.ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		failures = 0
		b.Reset()
		c.drainDown()
		now := time.Now()
		c.mu.Lock()
		c.attempts = 0
		c.connectedAt = now
		c.lastActivity = now
		c.mu.Unlock()
		p.setState(c, StateConnected, nil)

		c.sendMu.Lock()
		_ = p.flush(c.ctx, c)
		c.sendMu.Unlock()

		err = p.supervise(c)
		if err == nil {
			return
		}
		_ = c.transport.Close()
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		p.setState(c, StateDisconnected, err)
	}
}

// supervise blocks while the connection is up and runs its health checks.
// It returns nil when the connection is being removed.
func (p *Pool) supervise(c *connection) error {
	var tick <-chan time.Time
	pinger, canPing := c.transport.(Pinger)
	if c.cfg.HealthCheckInterval > 0 && canPing {
		t := time.NewTicker(c.cfg.HealthCheckInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-c.down:
			if err == nil {
				err = errorx.ErrNotConnected
			}
			return err
		case <-tick:
			hctx, cancel := context.WithTimeout(c.ctx, c.cfg.HealthCheckTimeout)
			err := pinger.Ping(hctx)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("health check failed, reconnecting",
					zap.String("connection", c.id),
					zap.Error(err))
				return errorx.ErrConnectionTimeout.Wrap(err).WithMessage("health check failed")
			}
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
	}
}

// flush drains the outbound queue in order. Caller holds sendMu.
func (p *Pool) flush(ctx context.Context, c *connection) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.state != StateConnected {
			c.mu.Unlock()
			return nil
		}
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := p.write(ctx, c, msg, true); err != nil {
			return err
		}
	}
}

// write sends one message on a connected transport. A failure triggers a
// reconnect and, when requeue is set, puts the message back at the head of
// the queue.
func (p *Pool) write(ctx context.Context, c *connection, msg []byte, requeue bool) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err := c.transport.Send(sctx, msg)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if requeue && c.pushFrontLocked(msg) {
			p.metrics.ConnDropped(c.id)
		}
		c.lastErr = err
		c.signalDown(err)
		return err
	}
	c.sent++
	c.lastActivity = time.Now()
	return nil
}

func (p *Pool) get(id string) (*connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	return c, ok
}

// Send delivers data to the targeted connection. It never blocks on a
// disconnected connection: the message is queued instead.
func (p *Pool) Send(ctx context.Context, target Target, data []byte) Outcome {
	id := target.ID
	if id == "" {
		sel := target.Selector
		if sel == nil {
			sel = p.selector
		}
		var ok bool
		if id, ok = sel.Select(p.List()); !ok {
			return Outcome{Err: errorx.ErrNoEligibleConnection}
		}
	}

	c, ok := p.get(id)
	if !ok {
		return Outcome{ConnectionID: id, Err: errorx.ErrConnectionNotFound.WithDetail("connection", id)}
	}

	o := p.sendOn(ctx, c, data)
	switch {
	case o.Err != nil:
		p.metrics.ConnSent(id, "error")
	case o.Queued:
		p.metrics.ConnSent(id, "queued")
	default:
		p.metrics.ConnSent(id, "sent")
	}
	return o
}

func (p *Pool) sendOn(ctx context.Context, c *connection, data []byte) Outcome {
	o := Outcome{ConnectionID: c.id}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateError:
		err := errorx.ErrConnectionFailed.Wrap(c.lastErr).WithDetail("connection", c.id)
		c.mu.Unlock()
		o.Err = err
		return o
	case StateConnected:
		c.mu.Unlock()
	default:
		if c.enqueueLocked(data) {
			p.metrics.ConnDropped(c.id)
		}
		c.mu.Unlock()
		o.Queued = true
		return o
	}

	if err := p.flush(ctx, c); err != nil {
		c.mu.Lock()
		if c.enqueueLocked(data) {
			p.metrics.ConnDropped(c.id)
		}
		c.mu.Unlock()
		o.Queued = true
		return o
	}

	// A caller whose context ended was told the send failed, so the message
	// must not be delivered later by a flush.
	if err := p.write(ctx, c, data, false); err != nil {
		if ctx.Err() != nil {
			o.Err = errorx.ErrRequestTimeout.Wrap(ctx.Err())
			return o
		}
		c.mu.Lock()
		if c.pushFrontLocked(data) {
			p.metrics.ConnDropped(c.id)
		}
		c.mu.Unlock()
		o.Queued = true
		return o
	}
	o.Sent = true
	return o
}

// Broadcast sends data to every connection.
func (p *Pool) Broadcast(ctx context.Context, data []byte) map[string]Outcome {
	out := make(map[string]Outcome)
	for _, info := range p.List() {
		out[info.ID] = p.Send(ctx, ToID(info.ID), data)
	}
	return out
}

// Remove closes and forgets a connection. Connections are never removed
// implicitly, even after entering the error state.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return errorx.ErrConnectionNotFound.WithDetail("connection", id)
	}
	delete(p.conns, id)
	p.order = slices.DeleteFunc(p.order, func(s string) bool { return s == id })
	p.mu.Unlock()

	c.mu.Lock()
	c.removed = true
	state := c.state
	c.mu.Unlock()

	c.cancel()
	if err := c.transport.Close(); err != nil {
		p.logger.Debug("failed to close transport", zap.String("connection", id), zap.Error(err))
	}
	p.metrics.ConnStateChange(string(state), "")
	p.logger.Info("removed connection", zap.String("connection", id))
	return nil
}

// Info returns a snapshot of one connection.
func (p *Pool) Info(id string) (ConnectionInfo, bool) {
	c, ok := p.get(id)
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// List returns snapshots of every connection in registration order.
func (p *Pool) List() []ConnectionInfo {
	p.mu.RLock()
	conns := make([]*connection, 0, len(p.order))
	for _, id := range p.order {
		conns = append(conns, p.conns[id])
	}
	p.mu.RUnlock()

	out := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		out[i] = c.info()
	}
	return out
}

// Stats aggregates every connection.
func (p *Pool) Stats() Stats {
	st := Stats{ByState: make(map[State]int)}
	for _, info := range p.List() {
		st.Total++
		st.ByState[info.State]++
		st.Queued += info.QueueDepth
		st.Dropped += info.Dropped
		st.Sent += info.Sent
		st.Received += info.Received
	}
	return st
}

// OnMessage registers a handler for inbound messages of every connection.
func (p *Pool) OnMessage(h func(Inbound)) (unsubscribe func()) {
	return p.inbound.Subscribe(h)
}

// OnStateChange registers a handler for connection state changes.
func (p *Pool) OnStateChange(h func(StateChange)) (unsubscribe func()) {
	return p.states.Subscribe(h)
}

// WaitForState blocks until connection id reaches one of want.
func (p *Pool) WaitForState(ctx context.Context, id string, want ...State) (State, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := p.states.Watch(ctx, 64)

	for {
		info, ok := p.Info(id)
		if !ok {
			return "", errorx.ErrConnectionNotFound.WithDetail("connection", id)
		}
		if slices.Contains(want, info.State) {
			return info.State, nil
		}
		select {
		case <-ctx.Done():
			return info.State, ctx.Err()
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return info.State, ctx.Err()
				}
				return info.State, errorx.ErrPoolClosed
			}
		}
	}
}

// Close removes every connection and stops all background work.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := slices.Clone(p.order)
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Remove(id)
	}
	p.wg.Wait()
	p.inbound.Close()
	p.states.Close()
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
