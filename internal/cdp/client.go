package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/eventbus"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/pkg/metrics"
	apptrace "github.com/drzln/curupira/pkg/trace"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
)

// Event is an automation-protocol event received from the browser.
type Event struct {
	Method    cdproto.MethodType
	SessionID target.SessionID
	Params    json.RawMessage
}

// message is the wire shape shared by commands, responses and events.
type message struct {
	ID        int64              `json:"id,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	SessionID target.SessionID   `json:"sessionId,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *protocolError     `json:"error,omitempty"`
}

type protocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type reply struct {
	msg message
	err error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds every command round trip.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Client speaks the automation protocol over one pooled connection. Command
// ids are correlated with responses in a pending table; an entry is removed
// as soon as its command completes or times out.
type Client struct {
	logger  *zap.Logger
	pool    *pool.Pool
	connID  string
	timeout time.Duration
	metrics *metrics.Metrics

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan reply
	closed  bool

	events      *eventbus.Bus[Event]
	unsubscribe func()
}

var _ domain.CommandSender = (*Client)(nil)

// NewClient creates a client bound to connection connID of p.
func NewClient(logger *zap.Logger, p *pool.Pool, connID string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultCommandTimeout
	}
	logger = logger.Named("cdp.client")
	c := &Client{
		logger:  logger,
		pool:    p,
		connID:  connID,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		pending: make(map[int64]chan reply),
		events:  eventbus.New[Event](logger),
	}
	c.unsubscribe = p.OnMessage(func(in pool.Inbound) {
		if in.ConnectionID == c.connID {
			c.handle(in.Data)
		}
	})
	return c
}

// ConnectionID returns the pooled connection the client uses.
func (c *Client) ConnectionID() string {
	return c.connID
}

// Send issues a command and waits for its result. An empty sessionID or
// domain.MainSession addresses the browser target itself.
func (c *Client) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	scope := apptrace.StartCDPCommand(ctx, method, sessionID)
	defer scope.End()

	start := time.Now()
	res, err := c.send(scope.Ctx, method, params, sessionID)
	c.metrics.CDPCommandDone(method, start, err)
	scope.Fail(err)
	return res, err
}

func (c *Client) send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	msg := message{
		ID:     c.nextID.Add(1),
		Method: cdproto.MethodType(method),
	}
	if sessionID != "" && sessionID != domain.MainSession {
		msg.SessionID = target.SessionID(sessionID)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errorx.ErrValidation.Wrap(err).WithDetail("method", method)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return nil, errorx.ErrProtocol.Wrap(err).WithDetail("method", method)
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errorx.ErrSessionClosed.WithMessage("client closed")
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if o := c.pool.Send(ctx, pool.ToID(c.connID), data); o.Err != nil {
		c.forget(msg.ID)
		return nil, o.Err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if e := r.msg.Error; e != nil {
			return nil, errorx.ErrCommandRejected.
				WithMessage("%s", e.Message).
				WithDetail("method", method).
				WithDetail("code", e.Code)
		}
		return r.msg.Result, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return nil, errorx.ErrRequestTimeout.Wrap(ctx.Err()).
			WithDetail("method", method).
			WithDetail("timeout", c.timeout.String())
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of commands awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed message", zap.Error(err), zap.Int("size", len(data)))
		return
	}

	switch {
	case msg.ID != 0:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown command", zap.Int64("id", msg.ID))
			return
		}
		ch <- reply{msg: msg}
	case msg.Method != "":
		c.metrics.CDPEvent(string(msg.Method))
		c.events.Publish(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
	default:
		c.logger.Debug("ignoring message without id or method")
	}
}

// Subscribe registers h for events named method, or for every event when
// method is empty. Handlers run on the connection's read path and must not
// wait for command results.
func (c *Client) Subscribe(method cdproto.MethodType, h func(Event)) (unsubscribe func()) {
	if method == "" {
		return c.events.Subscribe(h)
	}
	return c.events.SubscribeFunc(func(ev Event) bool { return ev.Method == method }, h)
}

// Watch streams every event until ctx is done. Events are dropped when the
// buffer is full.
func (c *Client) Watch(ctx context.Context, buffer int) <-chan Event {
	return c.events.Watch(ctx, buffer)
}

// Close fails every pending command and stops receiving.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: errorx.ErrSessionClosed.WithMessage("client closed")}
	}
	c.unsubscribe()
	c.events.Close()
	return nil
}
