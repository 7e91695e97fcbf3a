package channelsocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultURL is the loopback endpoint the DC4 server listens on.
const DefaultURL = "ws://127.0.0.1:39142"

// ReconnectConfig controls redialing after an unexpected connection loss.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxAttempts bounds consecutive failed redials. Zero retries forever.
	MaxAttempts int
}

// Config configures a Socket.
type Config struct {
	URL    string
	Header http.Header

	// OutboxSize bounds frames queued while the connection is not open.
	OutboxSize int

	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize caps one inbound frame. A larger frame ends the
	// connection rather than being dropped.
	MaxMessageSize int64

	// SendRate limits outbound frames per second. Zero disables limiting.
	SendRate  rate.Limit
	SendBurst int

	Reconnect ReconnectConfig

	Logger zerolog.Logger

	// OnDrop, when set, observes every inbound frame that was not routed.
	OnDrop func(reason DropReason, raw []byte)
}

// DefaultConfig returns a Config targeting url with the stock timeouts.
func DefaultConfig(url string) Config {
	if url == "" {
		url = DefaultURL
	}
	return Config{
		URL:              url,
		OutboxSize:       256,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		MaxMessageSize:   64 * 1024,
		Reconnect: ReconnectConfig{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		Logger: zerolog.Nop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	c.URL = d.URL
	return c
}

func (c Config) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}
