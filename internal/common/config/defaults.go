package config

import "time"

// Defaults applied to zero-valued configuration fields
const (
	DefaultPort = 8081

	DefaultMaxConnections      = 16
	DefaultStrategy            = "round-robin"
	DefaultMaxReconnects       = 5
	DefaultInitialDelay        = time.Second
	DefaultMaxDelay            = 30 * time.Second
	DefaultBackoffFactor       = 2.0
	DefaultConnectTimeout      = 10 * time.Second
	DefaultSendTimeout         = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultMessageQueueSize    = 1000

	DefaultQueueSize    = 1000
	DefaultQueueTTL     = 5 * time.Minute
	DefaultQueueWorkers = 4

	DefaultStorageType   = "memory"
	DefaultSweepInterval = time.Minute
	DefaultCachePolicy   = "lru"
	DefaultCacheItems    = 10000
	DefaultCacheBytes    = 64 * 1024 * 1024
	DefaultRedisPrefix   = "curupira:"
	DefaultDatabaseType  = "sqlite"
	DefaultDatabaseDSN   = "file:curupira.db?cache=shared"

	DefaultSessionType  = "memory"
	DefaultSessionTopic = "curupira:sessions"
	DefaultSessionTTL   = time.Hour

	DefaultBrowserEndpoint = "http://localhost:9222"
	DefaultCommandTimeout  = 30 * time.Second

	DefaultMetricsNamespace = "curupira"
	DefaultMetricsPath      = "/metrics"
)

// DefaultDomains are enabled on every newly attached session
var DefaultDomains = []string{"Runtime", "Page", "Network", "Log"}

// ApplyDefaults fills zero values with their documented defaults
func (c *BridgeConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	c.Pool.applyDefaults()
	c.Queue.applyDefaults()
	c.Storage.applyDefaults()

	if c.Session.Type == "" {
		c.Session.Type = DefaultSessionType
	}
	if c.Session.Redis.Topic == "" {
		c.Session.Redis.Topic = DefaultSessionTopic
	}
	if c.Session.Redis.TTL == 0 {
		c.Session.Redis.TTL = DefaultSessionTTL
	}

	if c.Browser.Endpoint == "" {
		c.Browser.Endpoint = DefaultBrowserEndpoint
	}
	if c.Browser.CommandTimeout == 0 {
		c.Browser.CommandTimeout = DefaultCommandTimeout
	}
	if c.Browser.DefaultDomains == nil {
		c.Browser.DefaultDomains = append([]string(nil), DefaultDomains...)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "curupira"
	}
}

func (p *PoolConfig) applyDefaults() {
	if p.MaxConnections == 0 {
		p.MaxConnections = DefaultMaxConnections
	}
	if p.Strategy == "" {
		p.Strategy = DefaultStrategy
	}
	if p.Reconnect.MaxAttempts == 0 {
		p.Reconnect.MaxAttempts = DefaultMaxReconnects
	}
	if p.Reconnect.InitialDelay == 0 {
		p.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if p.Reconnect.MaxDelay == 0 {
		p.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if p.Reconnect.BackoffFactor == 0 {
		p.Reconnect.BackoffFactor = DefaultBackoffFactor
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.SendTimeout == 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.HealthCheckInterval == 0 {
		p.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if p.HealthCheckTimeout == 0 {
		p.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if p.MessageQueueSize == 0 {
		p.MessageQueueSize = DefaultMessageQueueSize
	}
}

func (q *QueueConfig) applyDefaults() {
	if q.Size == 0 {
		q.Size = DefaultQueueSize
	}
	if q.TTL == 0 {
		q.TTL = DefaultQueueTTL
	}
	if q.Workers == 0 {
		q.Workers = DefaultQueueWorkers
	}
}

func (s *StorageConfig) applyDefaults() {
	if s.Type == "" {
		s.Type = DefaultStorageType
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = DefaultSweepInterval
	}
	if s.Cache.Policy == "" {
		s.Cache.Policy = DefaultCachePolicy
	}
	if s.Cache.MaxItems == 0 {
		s.Cache.MaxItems = DefaultCacheItems
	}
	if s.Cache.MaxBytes == 0 {
		s.Cache.MaxBytes = DefaultCacheBytes
	}
	if s.Redis.Prefix == "" {
		s.Redis.Prefix = DefaultRedisPrefix
	}
	if s.Database.Type == "" {
		s.Database.Type = DefaultDatabaseType
	}
	if s.Database.DSN == "" {
		s.Database.DSN = DefaultDatabaseDSN
	}
}
