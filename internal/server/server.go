package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/common/cnst"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/internal/message"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Options wires a Server to the rest of the bridge.
type Options struct {
	Port     int
	Registry *dispatch.Registry
	Sessions session.Store
	Metrics  *metrics.Metrics
	// MetricsPath exposes prometheus metrics when Metrics is set.
	MetricsPath string
	// Browser is reported by the health check, it may be nil.
	Browser *pool.Pool
	Queue   config.QueueConfig
	Pool    config.PoolConfig
}

// Server exposes the dispatch registry to assistants over streamable HTTP
// and a duplex websocket channel.
type Server struct {
	logger   *zap.Logger
	port     int
	router   *gin.Engine
	httpSrv  *http.Server
	registry *dispatch.Registry
	sessions session.Store
	metrics  *metrics.Metrics
	browser  *pool.Pool

	upgrader  websocket.Upgrader
	clients   *pool.Pool
	clientCfg pool.ConnectionConfig
	routes    *message.Router
	queue     *message.Queue
	queueCfg  config.QueueConfig

	// shutdownCh is closed to end every event stream
	shutdownCh chan struct{}
	stopOnce   sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates the assistant-facing server and registers its routes.
func NewServer(logger *zap.Logger, opts Options) *Server {
	logger = logger.Named("server")
	gin.SetMode(gin.ReleaseMode)

	queueSize := opts.Queue.Size
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	s := &Server{
		logger:   logger,
		port:     opts.Port,
		router:   gin.New(),
		registry: opts.Registry,
		sessions: opts.Sessions,
		metrics:  opts.Metrics,
		browser:  opts.Browser,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
		clients: pool.New(logger.Named("clients"), pool.Options{
			MaxConnections: opts.Pool.MaxConnections,
			Metrics:        opts.Metrics,
		}),
		clientCfg:  clientConnectionConfig(opts.Pool),
		routes:     message.NewRouter(logger),
		queue:      message.NewQueue(queueSize),
		queueCfg:   opts.Queue,
		shutdownCh: make(chan struct{}),
	}
	if s.sessions == nil {
		s.sessions = session.NewMemoryStore(logger)
	}

	s.router.Use(otelgin.Middleware(cnst.AppName))
	s.router.Use(s.metrics.Middleware())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.recoveryMiddleware())
	s.registerRoutes(opts.MetricsPath)
	s.registerMessageRoutes()
	s.clients.OnMessage(s.onClientMessage)
	s.clients.OnStateChange(s.onClientState)
	return s
}

func clientConnectionConfig(cfg config.PoolConfig) pool.ConnectionConfig {
	cc := pool.NewConnectionConfig(cfg, "")
	// Accepted sockets cannot be reopened.
	cc.Reconnect.MaxAttempts = 1
	cc.Metadata = map[string]string{"transport": session.TransportWS}
	return cc
}

func (s *Server) registerRoutes(metricsPath string) {
	s.router.GET(cnst.PathHealthCheck, s.handleHealthCheck)
	s.router.Any(cnst.PathMCP, s.handleMCP)
	s.router.GET(cnst.PathWebSocket, s.handleWebSocket)
	if s.metrics != nil && metricsPath != "" {
		s.router.GET(metricsPath, gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the queue workers and the HTTP listener in the background.
func (s *Server) Start(ctx context.Context) {
	s.StartWorkers(ctx)
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("listening", zap.Int("port", s.port))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start server", zap.Error(err))
		}
	}()
}

// StartWorkers starts draining the websocket message queue.
func (s *Server) StartWorkers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	workers := s.queueCfg.Workers
	if workers <= 0 {
		workers = config.DefaultQueueWorkers
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.expireQueued(ctx)
}

// Shutdown stops accepting requests, ends every stream and closes the
// assistant connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	var errs []error
	s.stopOnce.Do(func() {
		close(s.shutdownCh)
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if err := s.clients.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (s *Server) handleHealthCheck(c *gin.Context) {
	status := "ok"
	body := gin.H{"clients": s.clients.Stats()}
	if s.browser != nil {
		st := s.browser.Stats()
		body["browser"] = st
		if st.ByState[pool.StateConnected] == 0 {
			status = "degraded"
		}
	}
	body["status"] = status
	c.JSON(http.StatusOK, body)
}
