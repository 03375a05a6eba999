package session

import "errors"

var (
	ErrInvalidConfig     = errors.New("session: invalid config")
	ErrConnect           = errors.New("session: reliable channel unreachable")
	ErrHandshakeTimeout  = errors.New("session: handshake timeout")
	ErrActivation        = errors.New("session: low-latency activation failed")
	ErrSend              = errors.New("session: send failed")
	ErrSessionClosed     = errors.New("session: closed")
	ErrInvalidState      = errors.New("session: invalid state")
	ErrNoLowLatencyRoute = errors.New("session: low-latency channel not active")
)
