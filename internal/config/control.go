package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/protocol/session"
)

// ControlConfig is everything robotctl needs before it dials.
type ControlConfig struct {
	Session         session.Config
	Control         control.Config
	ConnectAttempts int
	MetricsAddr     string
}

func DefaultControlConfig() ControlConfig {
	cfg := session.DefaultConfig()
	cfg.URL = session.URLForHost("127.0.0.1", session.DefaultPort)
	return ControlConfig{
		Session:         cfg,
		Control:         control.DefaultConfig(),
		ConnectAttempts: 1,
	}
}

type controlFile struct {
	URL              string `toml:"url"`
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ProtocolMajor    uint32 `toml:"protocol_major"`
	MinProtocolMinor uint32 `toml:"min_protocol_minor"`
	ControlPeriod    string `toml:"control_period"`
	DeinitTimeout    string `toml:"deinit_timeout"`
	ConnectAttempts  int    `toml:"connect_attempts"`
	MetricsAddr      string `toml:"metrics_addr"`

	Kcp toml.Primitive `toml:"kcp"`
	TLS toml.Primitive `toml:"tls"`
}

// LoadControlConfig applies the keys present in path over the defaults. The kcp
// and tls tables decode onto the default values, so absent keys keep them.
func LoadControlConfig(path string) (ControlConfig, error) {
	cfg := DefaultControlConfig()

	var raw controlFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ControlConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if meta.IsDefined("kcp") {
		if err := meta.PrimitiveDecode(raw.Kcp, &cfg.Session.Kcp); err != nil {
			return ControlConfig{}, fmt.Errorf("parse kcp: %w", err)
		}
	}
	if meta.IsDefined("tls") {
		if err := meta.PrimitiveDecode(raw.TLS, &cfg.Session.TLS); err != nil {
			return ControlConfig{}, fmt.Errorf("parse tls: %w", err)
		}
	}
	return applyControlFile(cfg, raw, meta)
}

func applyControlFile(cfg ControlConfig, raw controlFile, meta toml.MetaData) (ControlConfig, error) {
	if meta.IsDefined("host") || meta.IsDefined("port") {
		host := strings.TrimSpace(raw.Host)
		if host == "" {
			host = cfg.Session.Host()
		}
		cfg.Session.URL = session.URLForHost(host, raw.Port)
	}
	if meta.IsDefined("url") {
		if u := strings.TrimSpace(raw.URL); u != "" {
			cfg.Session.URL = u
		}
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"control_period", raw.ControlPeriod, &cfg.Control.Period},
		{"deinit_timeout", raw.DeinitTimeout, &cfg.Control.DeinitTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return ControlConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("protocol_major") {
		cfg.Session.Versions.ExpectedMajor = raw.ProtocolMajor
	}
	if meta.IsDefined("min_protocol_minor") {
		cfg.Session.Versions.MinMinor = raw.MinProtocolMinor
	}
	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return cfg, nil
}

// Validate checks the layered result, after flag overrides.
func (c ControlConfig) Validate() error {
	if err := c.Session.WithDefaults().Validate(); err != nil {
		return err
	}
	if err := c.Control.Validate(); err != nil {
		return err
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	return nil
}
