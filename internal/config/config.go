package config

import "time"

// FeedConfig is the root configuration for a feed instance.
type FeedConfig struct {
	AppKey    string          `yaml:"app_key"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Streaming StreamingConfig `yaml:"streaming"`
	Watch     WatchConfig     `yaml:"watch"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Database  DBConfig        `yaml:"database"`
}

// ProxyConfig holds desktop data proxy settings.
type ProxyConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"` // pins the port, skipping discovery
	PortFile       string        `yaml:"port_file"`
	PortCandidates []int         `yaml:"port_candidates"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// StreamingConfig holds websocket session settings.
type StreamingConfig struct {
	URL           string        `yaml:"url"` // overrides proxy discovery
	ApplicationID string        `yaml:"application_id"`
	Position      string        `yaml:"position"`
	UserName      string        `yaml:"user_name"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	StaleTimeout  time.Duration `yaml:"stale_timeout"`
	EventBuffer   int           `yaml:"event_buffer"`
}

// WatchConfig names the instruments and fields to subscribe.
type WatchConfig struct {
	Instruments []string `yaml:"instruments"`
	Fields      []string `yaml:"fields"`
	Service     string   `yaml:"service"`
}

// RecorderConfig holds tick recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
