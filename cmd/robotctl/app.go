package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/config"
	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/session"
)

type app struct {
	out *statusPrinter
	log zerolog.Logger

	configPath  string
	url         string
	host        string
	port        int
	attempts    int
	metricsAddr string
	period      time.Duration

	cfg config.ControlConfig
}

func (a *app) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "TOML config file")
	f.StringVar(&a.url, "url", "", "robot websocket url (ws:// or wss://)")
	f.StringVar(&a.host, "host", "", "robot host, used with --port")
	f.IntVarP(&a.port, "port", "p", session.DefaultPort, "robot websocket port")
	f.IntVar(&a.attempts, "connect-attempts", 1, "connect attempts before giving up")
	f.StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.DurationVar(&a.period, "period", 0, "control loop period (max 250ms)")
}

// prepare layers defaults, the config file and changed flags, in that order.
func (a *app) prepare(cmd *cobra.Command, _ []string) error {
	a.log = observability.Component("robotctl")
	cfg := config.DefaultControlConfig()
	if a.configPath != "" {
		loaded, err := config.LoadControlConfig(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("host") || f.Changed("port") {
		host := a.host
		if host == "" {
			host = cfg.Session.Host()
		}
		cfg.Session.URL = session.URLForHost(host, a.port)
	}
	if f.Changed("url") {
		cfg.Session.URL = a.url
	}
	if f.Changed("connect-attempts") {
		cfg.ConnectAttempts = a.attempts
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = a.metricsAddr
	}
	if f.Changed("period") {
		cfg.Control.Period = a.period
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	observability.RegisterMetrics()
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("metrics listening")
}

// signalContext ends on SIGINT or SIGTERM so loops still reach deinitialize.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) connect(ctx context.Context, obs session.Observer) (*session.Session, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s, err := session.ConnectWithRetry(ctx, a.cfg.Session, a.cfg.ConnectAttempts, rng, session.WithObserver(obs))
	if err != nil {
		return nil, err
	}
	major, minor := s.Versions()
	a.log.Info().
		Uint64("session_id", s.SessionID()).
		Str("robot_type", s.RobotType().String()).
		Str("protocol", fmt.Sprintf("%d.%d", major, minor)).
		Msg("connected")
	return s, nil
}

// upgrade moves to the low-latency channel. A failed activation leaves the
// session on the websocket, which still carries every command; only a broken
// websocket is returned as an error.
func (a *app) upgrade(ctx context.Context, s *session.Session) error {
	err := s.Upgrade(ctx)
	if err == nil {
		return nil
	}
	if s.State() == session.StateFailed {
		return err
	}
	a.log.Warn().Err(err).Msg("kcp unavailable, continuing over websocket")
	return nil
}

// observer reports robot log lines as warnings.
func (a *app) observer(onUp func(session.Channel, *protocol.Up)) session.Observer {
	return session.Observer{
		OnUp: onUp,
		OnLog: func(ch session.Channel, msg string) {
			a.log.Warn().Str("channel", ch.String()).Str("robot_log", msg).Msg("log from robot")
		},
		OnError: func(ch session.Channel, err error) {
			a.log.Debug().Err(err).Str("channel", ch.String()).Msg("inbound error")
		},
	}
}

func (a *app) printResult(res control.Result) {
	a.out.printf("ticks=%d sent=%d elapsed=%s stop=%s deinit_sent=%t\n",
		res.Ticks, res.Sent, res.Elapsed.Round(time.Millisecond), res.Reason, res.DeinitSent)
}
