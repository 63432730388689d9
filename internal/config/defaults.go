package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultProxyHost     = "127.0.0.1"
	DefaultProxyTimeout  = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultStaleTimeout  = 60 * time.Second
	DefaultEventBuffer   = 1024
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 1 * time.Second
	DefaultBufferSize    = 10000
)

// Fallback proxy ports probed when no port file is present.
var DefaultPortCandidates = []int{9000, 36036}

func (c *FeedConfig) applyDefaults() {
	// Proxy defaults
	if c.Proxy.Host == "" {
		c.Proxy.Host = DefaultProxyHost
	}
	if len(c.Proxy.PortCandidates) == 0 {
		c.Proxy.PortCandidates = DefaultPortCandidates
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = DefaultProxyTimeout
	}
	if c.Proxy.MaxRetries == 0 {
		c.Proxy.MaxRetries = DefaultMaxRetries
	}

	// Streaming defaults
	if c.Streaming.DialTimeout == 0 {
		c.Streaming.DialTimeout = DefaultDialTimeout
	}
	if c.Streaming.WriteTimeout == 0 {
		c.Streaming.WriteTimeout = DefaultWriteTimeout
	}
	if c.Streaming.StaleTimeout == 0 {
		c.Streaming.StaleTimeout = DefaultStaleTimeout
	}
	if c.Streaming.EventBuffer == 0 {
		c.Streaming.EventBuffer = DefaultEventBuffer
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Database defaults
	if c.Recorder.Enabled {
		applyDBDefaults(&c.Database)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
