package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/pkg/mcp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// handleMCP serves the streamable HTTP transport
func (s *Server) handleMCP(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodOptions:
		c.Status(http.StatusOK)
	case http.MethodGet:
		s.handleGet(c)
	case http.MethodPost:
		s.handlePost(c)
	case http.MethodDelete:
		s.handleDelete(c)
	default:
		c.Header("Allow", "GET, POST, DELETE")
		s.sendProtocolError(c, nil, "Method not allowed", http.StatusMethodNotAllowed, mcp.ErrorCodeConnectionClosed)
	}
}

// handleGet streams server-initiated messages of a session as SSE
func (s *Server) handleGet(c *gin.Context) {
	if !strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.sendProtocolError(c, nil, "Not Acceptable: Client must accept text/event-stream",
			http.StatusNotAcceptable, mcp.ErrorCodeInvalidRequest)
		return
	}
	conn := s.getSession(c)
	if conn == nil {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set(mcp.HeaderMcpSessionID, conn.Meta().ID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case event, ok := <-conn.EventQueue():
			if !ok || event.Event == "close" {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Event, event.Data); err != nil {
				s.logger.Debug("event stream closed", zap.String("session", conn.Meta().ID), zap.Error(err))
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// handlePost handles one JSON-RPC message or a batch of them
func (s *Server) handlePost(c *gin.Context) {
	if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		s.sendProtocolError(c, nil, "Unsupported Media Type: Content-Type must be application/json",
			http.StatusUnsupportedMediaType, mcp.ErrorCodeInvalidRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.sendProtocolError(c, nil, "failed to read request body", http.StatusBadRequest, mcp.ErrorCodeParseError)
		return
	}

	reqs, batch, err := parseMessages(body)
	if err != nil {
		s.sendProtocolError(c, nil, "Parse error: invalid JSON-RPC message", http.StatusBadRequest, mcp.ErrorCodeParseError)
		return
	}

	conn, ok := s.resolvePostSession(c, reqs)
	if !ok {
		return
	}
	c.Header(mcp.HeaderMcpSessionID, conn.Meta().ID)

	responses := make([]any, 0, len(reqs))
	for _, req := range reqs {
		if resp := s.handleRequest(c.Request.Context(), req, conn.Meta()); resp != nil {
			responses = append(responses, resp)
		}
	}

	switch {
	case len(responses) == 0:
		c.Status(http.StatusAccepted)
	case batch:
		c.JSON(http.StatusOK, responses)
	default:
		c.JSON(http.StatusOK, responses[0])
	}
}

// resolvePostSession returns the session a POST belongs to, registering a
// new one for initialize requests.
func (s *Server) resolvePostSession(c *gin.Context, reqs []mcp.JSONRPCRequest) (session.Connection, bool) {
	ctx := c.Request.Context()
	sessionID := c.GetHeader(mcp.HeaderMcpSessionID)

	var init *mcp.JSONRPCRequest
	for i := range reqs {
		if reqs[i].Method == mcp.Initialize {
			init = &reqs[i]
			break
		}
	}

	if init == nil {
		if sessionID == "" {
			s.sendProtocolError(c, reqs[0].Id, "Bad Request: Mcp-Session-Id header is required",
				http.StatusBadRequest, mcp.ErrorCodeInvalidRequest)
			return nil, false
		}
		conn, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			s.sendProtocolError(c, reqs[0].Id, "Session not found", http.StatusNotFound, mcp.ErrorCodeConnectionClosed)
			return nil, false
		}
		return conn, true
	}

	if sessionID != "" {
		if _, err := s.sessions.Get(ctx, sessionID); err == nil {
			s.sendProtocolError(c, init.Id, "Invalid Request: Server already initialized",
				http.StatusBadRequest, mcp.ErrorCodeInvalidRequest)
			return nil, false
		}
	}

	var params mcp.InitializeRequestParams
	_ = decodeParams(init.Params, &params)
	meta := &session.Meta{
		ID:              uuid.NewString(),
		CreatedAt:       time.Now(),
		Transport:       session.TransportHTTP,
		ProtocolVersion: params.ProtocolVersion,
		ClientName:      params.ClientInfo.Name,
		ClientVersion:   params.ClientInfo.Version,
		RemoteAddr:      c.ClientIP(),
	}
	conn, err := s.sessions.Register(ctx, meta)
	if err != nil {
		s.logger.Error("failed to register session", zap.Error(err))
		s.sendProtocolError(c, init.Id, "Failed to create session", http.StatusInternalServerError, mcp.ErrorCodeInternalError)
		return nil, false
	}
	s.logger.Info("assistant session created",
		zap.String("session", meta.ID),
		zap.String("client", meta.ClientName),
		zap.String("protocol", meta.ProtocolVersion))
	return conn, true
}

// handleDelete terminates a session
func (s *Server) handleDelete(c *gin.Context) {
	conn := s.getSession(c)
	if conn == nil {
		return
	}
	if err := s.sessions.Unregister(c.Request.Context(), conn.Meta().ID); err != nil {
		s.sendProtocolError(c, nil, "Failed to terminate session", http.StatusInternalServerError, mcp.ErrorCodeInternalError)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) getSession(c *gin.Context) session.Connection {
	sessionID := c.GetHeader(mcp.HeaderMcpSessionID)
	if sessionID == "" {
		s.sendProtocolError(c, nil, "Bad Request: Mcp-Session-Id header is required",
			http.StatusBadRequest, mcp.ErrorCodeInvalidRequest)
		return nil
	}
	conn, err := s.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		s.sendProtocolError(c, nil, "Session not found", http.StatusNotFound, mcp.ErrorCodeConnectionClosed)
		return nil
	}
	return conn
}

// sendProtocolError sends a protocol-level error response
func (s *Server) sendProtocolError(c *gin.Context, id any, message string, statusCode int, code int) {
	c.JSON(statusCode, mcp.NewErrorResponse(id, mcp.JSONRPCError{Code: code, Message: message}))
}

// parseMessages decodes a single JSON-RPC message or a non-empty batch.
func parseMessages(body []byte) ([]mcp.JSONRPCRequest, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var reqs []mcp.JSONRPCRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, true, err
		}
		if len(reqs) == 0 {
			return nil, true, errorx.ErrValidation.WithMessage("empty batch")
		}
		return reqs, true, nil
	}
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, err
	}
	return []mcp.JSONRPCRequest{req}, false, nil
}
