package server

import (
	"context"
	"encoding/json"

	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/pkg/mcp"

	"go.uber.org/zap"
)

// Notify sends a JSON-RPC notification to every connected assistant: HTTP
// sessions receive it on their event stream, websocket clients directly.
// It returns the number of assistants reached.
func (s *Server) Notify(ctx context.Context, method string, params any) int {
	n := mcp.JSONRPCNotification{JSONRPC: mcp.JSPNRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal notification", zap.String("method", method), zap.Error(err))
			return 0
		}
		n.Params = raw
	}
	data, err := json.Marshal(n)
	if err != nil {
		return 0
	}

	reached := 0
	conns, err := s.sessions.List(ctx)
	if err != nil {
		s.logger.Warn("failed to list sessions", zap.Error(err))
	}
	for _, conn := range conns {
		if err := conn.Send(ctx, &session.Message{Event: "message", Data: data}); err != nil {
			s.logger.Debug("failed to notify session",
				zap.String("session", conn.Meta().ID),
				zap.Error(err))
			continue
		}
		reached++
	}
	for id, out := range s.clients.Broadcast(ctx, data) {
		if out.Err != nil {
			s.logger.Debug("failed to notify websocket client", zap.String("connection", id), zap.Error(out.Err))
			continue
		}
		reached++
	}
	return reached
}
