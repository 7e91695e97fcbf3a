package channelsocket

import "errors"

var (
	ErrClosed               = errors.New("channel socket closed")
	ErrNotConnected         = errors.New("channel socket not connected")
	ErrOutboxFull           = errors.New("outbox full")
	ErrInvalidEnvelope      = errors.New("invalid envelope")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
)
