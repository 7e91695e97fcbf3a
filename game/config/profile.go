package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/wricardo/dc4/transport/channelsocket"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment override, e.g. DC4_URL.
const EnvPrefix = "DC4_"

// Duration is a time.Duration written as "250ms" or "5s" in profile files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Reconnect mirrors channelsocket.ReconnectConfig in profile files.
type Reconnect struct {
	Enabled      bool     `toml:"enabled" env:"ENABLED"`
	InitialDelay Duration `toml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     Duration `toml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64  `toml:"multiplier" env:"MULTIPLIER"`
	MaxAttempts  int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// Profile is one named client configuration.
type Profile struct {
	Name string `toml:"-"`

	URL        string `toml:"url" env:"URL"`
	PlayerName string `toml:"player_name" env:"PLAYER_NAME"`
	TokenDir   string `toml:"token_dir" env:"TOKEN_DIR"`
	AutoAccept bool   `toml:"auto_accept" env:"AUTO_ACCEPT"`

	OutboxSize int      `toml:"outbox_size" env:"OUTBOX_SIZE"`
	WriteWait  Duration `toml:"write_wait" env:"WRITE_WAIT"`
	PongWait   Duration `toml:"pong_wait" env:"PONG_WAIT"`
	PingPeriod Duration `toml:"ping_period" env:"PING_PERIOD"`
	SendRate   float64  `toml:"send_rate" env:"SEND_RATE"`
	SendBurst  int      `toml:"send_burst" env:"SEND_BURST"`

	Reconnect Reconnect `toml:"reconnect" envPrefix:"RECONNECT_"`
}

// Default returns the built-in profile targeting the local server.
func Default() *Profile {
	sock := channelsocket.DefaultConfig("")
	return &Profile{
		Name:       "default",
		URL:        sock.URL,
		PlayerName: "player",
		TokenDir:   filepath.Join(".dc4", "tokens"),
		AutoAccept: true,
		OutboxSize: sock.OutboxSize,
		WriteWait:  Duration(sock.WriteWait),
		PongWait:   Duration(sock.PongWait),
		PingPeriod: Duration(sock.PingPeriod),
		Reconnect: Reconnect{
			InitialDelay: Duration(sock.Reconnect.InitialDelay),
			MaxDelay:     Duration(sock.Reconnect.MaxDelay),
			Multiplier:   sock.Reconnect.Multiplier,
		},
	}
}

// ApplyEnv overrides fields from DC4_* environment variables. Variables that
// are not set leave the field untouched.
func (p *Profile) ApplyEnv() error {
	if err := env.ParseWithOptions(p, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return p.Validate()
}

// Validate checks the profile for values the socket cannot use.
func (p *Profile) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidProfile, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalidProfile, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidProfile)
	}
	if p.OutboxSize < 0 {
		return fmt.Errorf("%w: outbox_size must not be negative", ErrInvalidProfile)
	}
	if p.SendRate < 0 || p.SendBurst < 0 {
		return fmt.Errorf("%w: send_rate and send_burst must not be negative", ErrInvalidProfile)
	}
	if p.PongWait.Std() > 0 && p.PingPeriod.Std() >= p.PongWait.Std() {
		return fmt.Errorf("%w: ping_period must be less than pong_wait", ErrInvalidProfile)
	}
	if p.Reconnect.Multiplier != 0 && p.Reconnect.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect.multiplier must be at least 1", ErrInvalidProfile)
	}
	if p.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalidProfile)
	}
	return nil
}

// SocketConfig converts the profile into a channel socket configuration.
func (p *Profile) SocketConfig(logger zerolog.Logger) channelsocket.Config {
	cfg := channelsocket.DefaultConfig(p.URL)
	cfg.Logger = logger
	if p.OutboxSize > 0 {
		cfg.OutboxSize = p.OutboxSize
	}
	if p.WriteWait.Std() > 0 {
		cfg.WriteWait = p.WriteWait.Std()
	}
	if p.PongWait.Std() > 0 {
		cfg.PongWait = p.PongWait.Std()
	}
	if p.PingPeriod.Std() > 0 {
		cfg.PingPeriod = p.PingPeriod.Std()
	}
	cfg.SendRate = rate.Limit(p.SendRate)
	cfg.SendBurst = p.SendBurst

	cfg.Reconnect.Enabled = p.Reconnect.Enabled
	cfg.Reconnect.MaxAttempts = p.Reconnect.MaxAttempts
	if p.Reconnect.InitialDelay.Std() > 0 {
		cfg.Reconnect.InitialDelay = p.Reconnect.InitialDelay.Std()
	}
	if p.Reconnect.MaxDelay.Std() > 0 {
		cfg.Reconnect.MaxDelay = p.Reconnect.MaxDelay.Std()
	}
	if p.Reconnect.Multiplier >= 1 {
		cfg.Reconnect.Multiplier = p.Reconnect.Multiplier
	}
	return cfg
}
