package session

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/transport/kcpconn"
	"github.com/danmuck/robotlink/internal/transport/wsconn"
)

// DefaultPort is the robot's websocket port.
const DefaultPort = 8439

// BackoffConfig defines caller-side reconnect backoff. The session itself
// never retries.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines one robot session.
type Config struct {
	URL              string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Versions         protocol.VersionGate
	Kcp              kcpconn.Tuning
	TLS              wsconn.TLSConfig
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		Versions:         protocol.DefaultVersionGate(),
		Kcp:              kcpconn.DefaultTuning(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations and tuning. Versions are taken as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	c.Kcp = c.Kcp.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidConfig, c.URL)
	}
	if u.Scheme == "wss" && !c.TLS.Enabled {
		return fmt.Errorf("%w: wss url without tls", ErrInvalidConfig)
	}
	if err := c.TLS.ValidateClient(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Host is the robot host taken from URL, without brackets or port.
func (c Config) Host() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// URLForHost builds the robot websocket URL. port <= 0 selects DefaultPort.
// An IPv6 zone ("fe80::1%eth0") is escaped so the URL parses; Host returns it
// unescaped.
func URLForHost(host string, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if i := strings.IndexByte(host, '%'); i >= 0 && !strings.HasPrefix(host[i:], "%25") {
		host = host[:i] + "%25" + host[i+1:]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port))
}
