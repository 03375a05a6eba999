package kcpconn

import (
	"github.com/xtaci/kcp-go/v5"

	"github.com/danmuck/robotlink/internal/protocol"
)

// Tuning is the KCP parameter set negotiated through EnableKcp.
type Tuning struct {
	WindowSizeSnd uint32 `toml:"window_size_snd"`
	WindowSizeRcv uint32 `toml:"window_size_rcv"`
	IntervalMS    uint32 `toml:"interval_ms"`
	NoDelay       bool   `toml:"no_delay"`
	NC            bool   `toml:"nc"`
	Resend        uint32 `toml:"resend"`
	MTU           int    `toml:"mtu"`
}

func DefaultTuning() Tuning {
	return Tuning{
		WindowSizeSnd: 64,
		WindowSizeRcv: 64,
		IntervalMS:    10,
		NoDelay:       true,
		NC:            true,
		Resend:        2,
		MTU:           1400,
	}
}

// WithDefaults fills zero window, interval and mtu values. Boolean and resend
// fields are taken as given.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.WindowSizeSnd == 0 {
		t.WindowSizeSnd = d.WindowSizeSnd
	}
	if t.WindowSizeRcv == 0 {
		t.WindowSizeRcv = d.WindowSizeRcv
	}
	if t.IntervalMS == 0 {
		t.IntervalMS = d.IntervalMS
	}
	if t.MTU <= 0 {
		t.MTU = d.MTU
	}
	return t
}

// KcpConfig is the wire form sent to the robot.
func (t Tuning) KcpConfig() *protocol.KcpConfig {
	return &protocol.KcpConfig{
		WindowSizeSnd: t.WindowSizeSnd,
		WindowSizeRcv: t.WindowSizeRcv,
		IntervalMS:    t.IntervalMS,
		NoDelay:       t.NoDelay,
		NC:            t.NC,
		Resend:        t.Resend,
	}
}

// TuningFromConfig is the inverse of KcpConfig. The receiving side swaps the
// send and receive windows.
func TuningFromConfig(cfg *protocol.KcpConfig) Tuning {
	if cfg == nil {
		return DefaultTuning()
	}
	return Tuning{
		WindowSizeSnd: cfg.WindowSizeRcv,
		WindowSizeRcv: cfg.WindowSizeSnd,
		IntervalMS:    cfg.IntervalMS,
		NoDelay:       cfg.NoDelay,
		NC:            cfg.NC,
		Resend:        cfg.Resend,
	}.WithDefaults()
}

func (t Tuning) apply(sess *kcp.UDPSession) {
	t = t.WithDefaults()
	sess.SetNoDelay(boolInt(t.NoDelay), int(t.IntervalMS), int(t.Resend), boolInt(t.NC))
	sess.SetWindowSize(int(t.WindowSizeSnd), int(t.WindowSizeRcv))
	sess.SetMtu(t.MTU)
	sess.SetACKNoDelay(t.NoDelay)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
