package config

import (
	"os"
	"regexp"
	"time"

	"github.com/drzln/curupira/pkg/helper"
	"github.com/drzln/curupira/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// BridgeConfig represents the bridge configuration
	BridgeConfig struct {
		Port    int           `yaml:"port"`
		Logger  LoggerConfig  `yaml:"logger"`
		Pool    PoolConfig    `yaml:"pool"`
		Queue   QueueConfig   `yaml:"queue"`
		Storage StorageConfig `yaml:"storage"`
		Session SessionConfig `yaml:"session"`
		Browser BrowserConfig `yaml:"browser"`
		Metrics MetricsConfig `yaml:"metrics"`
		Tracing trace.Config  `yaml:"tracing"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, stderr, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// PoolConfig represents the connection pool configuration
	PoolConfig struct {
		MaxConnections      int             `yaml:"max_connections"`
		Strategy            string          `yaml:"strategy"` // round-robin, least-loaded, random, first-available
		Reconnect           ReconnectConfig `yaml:"reconnect"`
		ConnectTimeout      time.Duration   `yaml:"connect_timeout"`
		SendTimeout         time.Duration   `yaml:"send_timeout"`
		HealthCheckInterval time.Duration   `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration   `yaml:"health_check_timeout"`
		MessageQueueSize    int             `yaml:"message_queue_size"`
	}

	// ReconnectConfig represents the reconnect policy of a pooled connection
	ReconnectConfig struct {
		MaxAttempts   int           `yaml:"max_attempts"`
		InitialDelay  time.Duration `yaml:"initial_delay"`
		MaxDelay      time.Duration `yaml:"max_delay"`
		BackoffFactor float64       `yaml:"backoff_factor"`
	}

	// QueueConfig represents the inbound message queue configuration
	QueueConfig struct {
		Size    int           `yaml:"size"`
		TTL     time.Duration `yaml:"ttl"`
		Workers int           `yaml:"workers"`
	}

	// StorageConfig represents the debugging state storage configuration
	StorageConfig struct {
		Type          string             `yaml:"type"` // memory, redis or db
		DefaultTTL    time.Duration      `yaml:"default_ttl"`
		SweepInterval time.Duration      `yaml:"sweep_interval"` // negative disables the sweeper
		Cache         CacheConfig        `yaml:"cache"`
		Redis         StorageRedisConfig `yaml:"redis"`
		Database      DatabaseConfig     `yaml:"database"`
	}

	// CacheConfig represents the cache layer in front of the storage backend
	CacheConfig struct {
		Enabled  bool   `yaml:"enabled"`
		Policy   string `yaml:"policy"` // lru, lfu, fifo, ttl
		MaxItems int    `yaml:"max_items"`
		MaxBytes int64  `yaml:"max_bytes"`
	}

	// StorageRedisConfig represents the Redis storage backend configuration
	StorageRedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// DatabaseConfig represents the database storage backend configuration
	DatabaseConfig struct {
		Type string `yaml:"type"` // sqlite, postgres, mysql
		DSN  string `yaml:"dsn"`
	}

	// SessionConfig represents the assistant session storage configuration
	SessionConfig struct {
		Type  string             `yaml:"type"`  // "memory" or "redis"
		Redis SessionRedisConfig `yaml:"redis"` // Redis configuration
	}

	// SessionRedisConfig represents the Redis configuration for session storage
	SessionRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Topic    string        `yaml:"topic"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"` // TTL for session data in Redis
	}

	// BrowserConfig represents the browser remote-debugging endpoint configuration
	BrowserConfig struct {
		Endpoint       string        `yaml:"endpoint"`      // http endpoint, e.g. http://localhost:9222
		WebSocketURL   string        `yaml:"websocket_url"` // skips discovery when set
		CommandTimeout time.Duration `yaml:"command_timeout"`
		AutoAttach     bool          `yaml:"auto_attach"`
		DefaultDomains []string      `yaml:"default_domains"`
	}

	// MetricsConfig represents the prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Path      string    `yaml:"path"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*BridgeConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg BridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}
	cfg.ApplyDefaults()

	return &cfg, cfgPath, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
