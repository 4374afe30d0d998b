package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drzln/curupira/internal/common/cnst"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/internal/message"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/pkg/mcp"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Message router endpoints of assistant websocket traffic
const (
	sourceAssistant = "assistant"
	targetDispatch  = "dispatch"
)

// handleWebSocket upgrades an assistant connection. Each frame carries one
// JSON-RPC message; responses are written back on the same socket.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cfg := s.clientCfg
	cfg.URL = conn.RemoteAddr().String()
	id, err := s.clients.Register(cfg, pool.NewAcceptedTransport(s.logger, conn))
	if err != nil {
		s.logger.Warn("rejecting websocket client", zap.Error(err))
		_ = conn.Close()
		return
	}
	s.logger.Info("assistant websocket connected",
		zap.String("connection", id),
		zap.String(cnst.AttrClientAddr, cfg.URL))
}

func (s *Server) onClientState(ch pool.StateChange) {
	if ch.To != pool.StateDisconnected && ch.To != pool.StateError {
		return
	}
	if err := s.clients.Remove(ch.ID); err == nil {
		s.logger.Info("assistant websocket closed", zap.String("connection", ch.ID), zap.Error(ch.Err))
	}
}

// onClientMessage runs on the socket read path: it only classifies and
// enqueues, the workers do the rest.
func (s *Server) onClientMessage(in pool.Inbound) {
	if !gjson.ValidBytes(in.Data) {
		s.reply(context.Background(), in.ConnectionID, mcp.NewErrorResponse(nil, mcp.JSONRPCError{
			Code:    mcp.ErrorCodeParseError,
			Message: "Parse error: invalid JSON",
		}))
		return
	}

	env := message.NewEnvelope(classify(in.Data), sourceAssistant, targetDispatch, in.Data,
		message.WithSessionID(in.ConnectionID))
	if !s.queue.Enqueue(env) {
		s.metrics.QueueRejected()
		s.logger.Warn("message queue full, rejecting message",
			zap.String("connection", in.ConnectionID),
			zap.Int("capacity", s.queue.Cap()))
		if env.Type() == message.TypeRequest {
			e := errorx.ToJSONRPC(errorx.ErrQueueFull.WithDetail("capacity", s.queue.Cap()))
			e.Message = "queue full"
			s.reply(context.Background(), in.ConnectionID, mcp.NewErrorResponse(requestID(in.Data), e))
		}
		return
	}
	s.metrics.QueueDepth(s.queue.Len())
}

func classify(data []byte) message.Type {
	r := gjson.GetManyBytes(data, "method", "id")
	switch {
	case r[0].Exists() && r[1].Exists():
		return message.TypeRequest
	case r[0].Exists():
		return message.TypeNotification
	default:
		return message.TypeResponse
	}
}

func requestID(data []byte) any {
	id := gjson.GetBytes(data, "id")
	if !id.Exists() {
		return nil
	}
	return id.Value()
}

func (s *Server) registerMessageRoutes() {
	s.routes.AddRoute(message.Route{
		Name:     "assistant.rpc",
		Priority: 10,
		Sources:  []string{sourceAssistant},
		Types:    []message.Type{message.TypeRequest, message.TypeNotification},
		Handler:  s.handleEnvelope,
	})
	s.routes.AddRoute(message.Route{
		Name:     "assistant.response",
		Priority: 0,
		Sources:  []string{sourceAssistant},
		Types:    []message.Type{message.TypeResponse},
		Handler: func(_ context.Context, env *message.Envelope) error {
			s.logger.Debug("ignoring assistant response",
				zap.String("connection", env.SessionID()),
				zap.ByteString("payload", env.Payload()))
			return nil
		},
	})
}

func (s *Server) handleEnvelope(ctx context.Context, env *message.Envelope) error {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(env.Payload(), &req); err != nil {
		s.reply(ctx, env.SessionID(), mcp.NewErrorResponse(requestID(env.Payload()), mcp.JSONRPCError{
			Code:    mcp.ErrorCodeInvalidRequest,
			Message: "Invalid Request: " + err.Error(),
		}))
		return nil
	}
	meta := &session.Meta{ID: env.SessionID(), Transport: session.TransportWS}
	if resp := s.handleRequest(ctx, req, meta); resp != nil {
		return s.reply(ctx, env.SessionID(), resp)
	}
	return nil
}

func (s *Server) reply(ctx context.Context, connID string, resp any) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	out := s.clients.Send(ctx, pool.ToID(connID), data)
	if out.Err != nil {
		s.logger.Warn("failed to write response",
			zap.String("connection", connID),
			zap.Error(out.Err))
	}
	return out.Err
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		item, err := s.queue.DequeueWait(ctx)
		if err != nil {
			return
		}
		s.metrics.QueueDepth(s.queue.Len())
		if err := s.routes.Dispatch(ctx, item.Envelope); err != nil {
			s.logger.Warn("failed to dispatch assistant message",
				zap.String("envelope", item.Envelope.ID()),
				zap.Error(err))
		}
	}
}

// expireQueued drops messages that waited longer than the queue TTL.
func (s *Server) expireQueued(ctx context.Context) {
	defer s.wg.Done()
	ttl := s.queueCfg.TTL
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(max(ttl/2, 10*time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.queue.RemoveExpired(ttl); n > 0 {
				s.logger.Warn("expired queued assistant messages", zap.Int("count", n))
				s.metrics.QueueDepth(s.queue.Len())
			}
		}
	}
}
