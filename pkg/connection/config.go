package connection

import (
	"net/http"
	"time"
)

// Config controls dialing, keepalive and the retry policy.
type Config struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; a connection that does not answer
	// within two intervals is dropped. Zero disables pings.
	PingInterval time.Duration

	// ReconnectAttempts bounded-exponential retries run first, starting at
	// ReconnectDelay and capped at ReconnectDelayMax. After that the watchdog
	// keeps retrying every WatchdogInterval.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	WatchdogInterval  time.Duration
	// Jitter is the randomization factor applied to backoff delays.
	Jitter float64

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  20 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      25 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		WatchdogInterval:  30 * time.Second,
		Jitter:            0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = c.ReconnectDelay
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
