// Package wsconn is the reliable channel: one binary websocket message per
// envelope, ordered, over TCP with Nagle disabled.
package wsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/robotlink/internal/observability"
)

var (
	ErrConnect = errors.New("wsconn: connect failed")
	ErrSend    = errors.New("wsconn: send failed")
	ErrClosed  = errors.New("wsconn: connection closed")
)

// Config holds reliable channel tuning.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration
	ReadLimit        int64
	ReceiveBuffer    int
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		CloseTimeout:     time.Second,
		ReadLimit:        1 << 20,
		ReceiveBuffer:    64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.ReceiveBuffer <= 0 {
		c.ReceiveBuffer = d.ReceiveBuffer
	}
	return c
}

type Option func(*Config)

func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

func WithTLS(t TLSConfig) Option {
	return func(c *Config) { c.TLS = t }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

func WithReceiveBuffer(n int) Option {
	return func(c *Config) { c.ReceiveBuffer = n }
}

func resolve(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg.WithDefaults()
}

// Conn is one open reliable channel. Send is safe for concurrent use; the
// receive channel has a single producer, the read pump.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
	log zerolog.Logger

	writeMu sync.Mutex
	recv    chan []byte
	ended   chan struct{}
	closing chan struct{}

	closeOnce sync.Once
	discard   atomic.Bool
	dropped   atomic.Uint64
	readErr   atomic.Value
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := resolve(opts)
	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, url, err)
	}
	c := newConn(ws, cfg)
	c.log.Debug().Str("url", url).Str("remote", ws.RemoteAddr().String()).Msg("dialed")
	return c, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade serves the same abstraction on the accepting side.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	cfg := resolve(opts)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade: %w", ErrConnect, err)
	}
	return newConn(ws, cfg), nil
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		log:     observability.Component("wsconn"),
		recv:    make(chan []byte, cfg.ReceiveBuffer),
		ended:   make(chan struct{}),
		closing: make(chan struct{}),
	}
	ws.SetReadLimit(cfg.ReadLimit)
	c.setNoDelay()
	go c.readPump()
	return c
}

func (c *Conn) setNoDelay() {
	raw := c.ws.UnderlyingConn()
	if tc, ok := raw.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		c.log.Warn().Str("conn", fmt.Sprintf("%T", raw)).Msg("no tcp socket; nodelay not applied")
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		c.log.Warn().Err(err).Msg("set nodelay")
	}
}

func (c *Conn) readPump() {
	defer close(c.ended)
	defer close(c.recv)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr.Store(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.closing:
				default:
					c.log.Warn().Err(err).Msg("read pump stopped")
				}
			}
			return
		}
		if msgType != websocket.BinaryMessage || c.discard.Load() {
			c.dropped.Add(1)
			continue
		}
		select {
		case c.recv <- data:
		case <-c.closing:
			return
		}
	}
}

// Receive yields inbound binary messages in order. The channel is closed on
// read error or Close; it is the same channel on every call.
func (c *Conn) Receive() <-chan []byte {
	return c.recv
}

// Done is closed once the read pump has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.ended
}

// Err returns the error that ended the read pump, if any.
func (c *Conn) Err() error {
	if err, ok := c.readErr.Load().(error); ok {
		return err
	}
	return nil
}

// Discard keeps the connection serviced while dropping every inbound message.
func (c *Conn) Discard() {
	c.discard.Store(true)
}

// Dropped counts non-binary and discarded messages.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Send writes b as one binary message. The deadline is the earlier of the ctx
// deadline and the configured write timeout.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	select {
	case <-c.closing:
		return fmt.Errorf("%w: %w", ErrSend, ErrClosed)
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// Close sends a close frame, bounded by CloseTimeout, and closes the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.CloseTimeout))
		err = c.ws.Close()
	})
	return err
}
