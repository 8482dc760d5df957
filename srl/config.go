package srl

import (
	"fmt"
	"time"
)

const (
	// DefaultIdleConnectionTimeout is how long a connection may stay idle
	// before it is reaped, unless it was added with an explicit expiration.
	DefaultIdleConnectionTimeout = 10 * time.Minute
	DefaultRouters               = 4
	DefaultPollInterval          = 20 * time.Millisecond
	DefaultReapInterval          = time.Second
	DefaultRouteTimeout          = 5 * time.Second

	// FirstConnectionID is the first id handed out by the registry; lower
	// ids are reserved.
	FirstConnectionID = 100
)

// Config holds the controller settings. The zero value of a field selects
// its default, see DefaultConfig.
type Config struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	Routers        int           `yaml:"routers"`
	QueueCapacity  int           `yaml:"queue_capacity"`  // 0 = unbounded
	MaxConnections int           `yaml:"max_connections"` // 0 = unbounded
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	RouteTimeout   time.Duration `yaml:"route_timeout"`
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  DefaultIdleConnectionTimeout,
		Routers:      DefaultRouters,
		PollInterval: DefaultPollInterval,
		ReapInterval: DefaultReapInterval,
		RouteTimeout: DefaultRouteTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Routers == 0 {
		c.Routers = d.Routers
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.RouteTimeout == 0 {
		c.RouteTimeout = d.RouteTimeout
	}
	return c
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch {
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout)
	case c.IdleTimeout > 0 && c.IdleTimeout < time.Second:
		return fmt.Errorf("idle timeout must be at least one second, got %v", c.IdleTimeout)
	case c.Routers < 0:
		return fmt.Errorf("router count must not be negative, got %d", c.Routers)
	case c.QueueCapacity < 0:
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	case c.MaxConnections < 0:
		return fmt.Errorf("max connections must not be negative, got %d", c.MaxConnections)
	case c.PollInterval < 0 || c.ReapInterval < 0 || c.RouteTimeout < 0:
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}
