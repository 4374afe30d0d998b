package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/drzln/curupira/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bridge exports. All recording methods
// are safe to call on a nil *Metrics so components can run without a registry.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	mcpReqCnt  *prometheus.CounterVec
	mcpReqDur  *prometheus.HistogramVec
	mcpReqInfl *prometheus.GaugeVec

	toolExecCnt  *prometheus.CounterVec
	toolExecDur  *prometheus.HistogramVec
	toolExecInfl *prometheus.GaugeVec

	connState      *prometheus.GaugeVec
	connReconnects *prometheus.CounterVec
	connSent       *prometheus.CounterVec
	connDropped    *prometheus.CounterVec

	cdpCmdCnt *prometheus.CounterVec
	cdpCmdDur *prometheus.HistogramVec
	cdpEvents *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	queueRejected prometheus.Counter

	cacheOps       *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{registry: r, namespace: ns}

	m.httpReqCnt = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	m.httpDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	m.httpInfl = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)

	m.mcpReqCnt = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "mcp_requests_total"}, []string{"method"})
	m.mcpReqDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "mcp_request_duration_seconds", Buckets: buckets}, []string{"method"})
	m.mcpReqInfl = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "mcp_requests_inflight"}, []string{"method"})
	r.MustRegister(m.mcpReqCnt, m.mcpReqDur, m.mcpReqInfl)

	m.toolExecCnt = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "tool_execution_total"}, []string{"tool_name", "status"})
	m.toolExecDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "tool_execution_duration_seconds", Buckets: buckets}, []string{"tool_name", "status"})
	m.toolExecInfl = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "tool_execution_inflight_requests"}, []string{"tool_name"})
	r.MustRegister(m.toolExecCnt, m.toolExecDur, m.toolExecInfl)

	m.connState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "pool_connections"}, []string{"state"})
	m.connReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "pool_reconnect_attempts_total"}, []string{"connection"})
	m.connSent = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "pool_messages_sent_total"}, []string{"connection", "outcome"})
	m.connDropped = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "pool_messages_dropped_total"}, []string{"connection"})
	r.MustRegister(m.connState, m.connReconnects, m.connSent, m.connDropped)

	m.cdpCmdCnt = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "cdp_commands_total"}, []string{"method", "status"})
	m.cdpCmdDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "cdp_command_duration_seconds", Buckets: buckets}, []string{"method"})
	m.cdpEvents = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "cdp_events_total"}, []string{"method"})
	r.MustRegister(m.cdpCmdCnt, m.cdpCmdDur, m.cdpEvents)

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "router_queue_depth"})
	m.queueRejected = prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "router_queue_rejected_total"})
	r.MustRegister(m.queueDepth, m.queueRejected)

	m.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "cache_lookups_total"}, []string{"result"})
	m.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "cache_evictions_total"}, []string{"policy"})
	r.MustRegister(m.cacheOps, m.cacheEvictions)

	return m
}

func (m *Metrics) McpReqStart(method string) {
	if m == nil {
		return
	}
	m.mcpReqInfl.WithLabelValues(method).Inc()
}

func (m *Metrics) McpReqDone(method string, since time.Time) {
	if m == nil {
		return
	}
	m.mcpReqCnt.WithLabelValues(method).Inc()
	m.mcpReqDur.WithLabelValues(method).Observe(time.Since(since).Seconds())
	m.mcpReqInfl.WithLabelValues(method).Dec()
}

func (m *Metrics) ToolExecStart(toolName string) {
	if m == nil {
		return
	}
	m.toolExecInfl.WithLabelValues(toolName).Inc()
}

func (m *Metrics) ToolExecDone(toolName string, since time.Time, status *string) {
	if m == nil {
		return
	}
	m.toolExecCnt.WithLabelValues(toolName, *status).Inc()
	m.toolExecDur.WithLabelValues(toolName, *status).Observe(time.Since(since).Seconds())
	m.toolExecInfl.WithLabelValues(toolName).Dec()
}

// ConnStateChange moves one connection from the old state gauge to the new one.
// An empty from means the connection was just registered, an empty to means removed.
func (m *Metrics) ConnStateChange(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connState.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ConnReconnect(id string) {
	if m == nil {
		return
	}
	m.connReconnects.WithLabelValues(id).Inc()
}

func (m *Metrics) ConnSent(id, outcome string) {
	if m == nil {
		return
	}
	m.connSent.WithLabelValues(id, outcome).Inc()
}

func (m *Metrics) ConnDropped(id string) {
	if m == nil {
		return
	}
	m.connDropped.WithLabelValues(id).Inc()
}

func (m *Metrics) CDPCommandDone(method string, since time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.cdpCmdCnt.WithLabelValues(method, status).Inc()
	m.cdpCmdDur.WithLabelValues(method).Observe(time.Since(since).Seconds())
}

func (m *Metrics) CDPEvent(method string) {
	if m == nil {
		return
	}
	m.cdpEvents.WithLabelValues(method).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheOps.WithLabelValues("hit").Inc()
		return
	}
	m.cacheOps.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheEviction(policy string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(policy).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func httpStatus(code int) string { return strconv.Itoa(code) }
