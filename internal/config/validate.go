package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *FeedConfig) Validate() error {
	if c.AppKey == "" {
		return errors.New("app_key is required")
	}

	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 0 and 65535, got %d", c.Proxy.Port)
	}
	for _, p := range c.Proxy.PortCandidates {
		if p < 1 || p > 65535 {
			return fmt.Errorf("proxy.port_candidates entry %d is out of range", p)
		}
	}

	if len(c.Watch.Instruments) == 0 {
		return errors.New("watch.instruments must name at least one instrument")
	}
	seen := make(map[string]bool, len(c.Watch.Instruments))
	for _, name := range c.Watch.Instruments {
		if name == "" {
			return errors.New("watch.instruments must not contain empty names")
		}
		if seen[name] {
			return fmt.Errorf("watch.instruments contains %q twice", name)
		}
		seen[name] = true
	}

	if c.Streaming.EventBuffer < 1 {
		return errors.New("streaming.event_buffer must be >= 1")
	}

	if c.Recorder.Enabled {
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
