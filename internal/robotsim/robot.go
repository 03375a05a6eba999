// Package robotsim is a simulated robot endpoint. It speaks the robot side of
// the session protocol: hello on connect, EnableKcp answered with a KCP
// listener, status pushed at the requested report frequency on each channel.
// Every received command is recorded for inspection.
package robotsim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/robotlink/internal/auth"
	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/session"
	"github.com/danmuck/robotlink/internal/transport/wsconn"
)

const version = "0.1.0"

// Config describes one simulated robot.
type Config struct {
	ID              string                   `toml:"id"`
	Addr            string                   `toml:"addr"`
	KcpHost         string                   `toml:"kcp_host"`
	RobotType       protocol.RobotType       `toml:"robot_type"`
	ProtocolMajor   uint32                   `toml:"protocol_major"`
	ProtocolMinor   uint32                   `toml:"protocol_minor"`
	HelloLog        string                   `toml:"hello_log"`
	SessionSeed     uint64                   `toml:"session_seed"`
	WriteTimeout    time.Duration            `toml:"write_timeout"`
	ReportFrequency protocol.ReportFrequency `toml:"report_frequency"`

	MotorCount         int    `toml:"motor_count"`
	MotorStartPosition int64  `toml:"motor_start_position"`
	PulsePerRotation   int64  `toml:"pulse_per_rotation"`
	ParkingStop        bool   `toml:"parking_stop"`
	LiftCalibrated     bool   `toml:"lift_calibrated"`
	LiftMaxPos         int64  `toml:"lift_max_pos"`
	LiftMaxSpeed       uint32 `toml:"lift_max_speed"`
	ControllerLEDs     int    `toml:"controller_leds"`

	// AdminToken, when set, is required as a bearer token on /sessions.
	AdminToken string `toml:"admin_token"`

	TLS wsconn.TLSConfig `toml:"tls"`
}

func DefaultConfig() Config {
	return Config{
		ID:               "robotsim",
		Addr:             "127.0.0.1:8439",
		RobotType:        protocol.RobotTypeBase,
		ProtocolMajor:    1,
		ProtocolMinor:    0,
		SessionSeed:      0x5eed0000,
		WriteTimeout:     time.Second,
		ReportFrequency:  protocol.ReportFrequency50Hz,
		MotorCount:       6,
		PulsePerRotation: 4096,
		LiftCalibrated:   true,
		LiftMaxPos:       100000,
		LiftMaxSpeed:     20000,
		ControllerLEDs:   6,
	}
}

// Received is one command as the robot saw it.
type Received struct {
	SessionID uint64
	Channel   session.Channel
	Down      protocol.Down
	At        time.Time
}

// Robot serves the websocket endpoint and owns the simulated hardware.
type Robot struct {
	cfg      Config
	router   chi.Router
	hw       *hardware
	log      zerolog.Logger
	Appeared time.Time

	nextSession atomic.Uint64
	wg          sync.WaitGroup

	mu       sync.Mutex
	peers    map[uint64]*peer
	received []Received
	notify   chan struct{}
}

// New builds a robot with its routes registered.
func New(cfg Config) *Robot {
	observability.RegisterMetrics()
	if cfg.ID == "" {
		cfg.ID = DefaultConfig().ID
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	r := &Robot{
		cfg:      cfg,
		hw:       newHardware(cfg),
		log:      observability.Component("robotsim").With().Str("robot", cfg.ID).Logger(),
		Appeared: time.Now(),
		peers:    make(map[uint64]*peer),
		notify:   make(chan struct{}),
	}
	r.nextSession.Store(cfg.SessionSeed)
	r.router = r.routes()
	return r
}

func (r *Robot) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(observability.RequestLogger(log.Logger))
	router.Use(observability.RequestMetrics(r.cfg.ID))

	router.Get("/", r.handleSession)
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		r.writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"uptime":     time.Since(r.Appeared).String(),
			"robot":      r.cfg.ID,
			"robot_type": r.cfg.RobotType.String(),
			"version":    version,
		})
	})
	router.Group(func(admin chi.Router) {
		if r.cfg.AdminToken != "" {
			admin.Use(auth.Require(auth.BearerToken(r.cfg.AdminToken)))
		}
		admin.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
			r.writeJSON(w, http.StatusOK, map[string]any{"sessions": r.SessionIDs()})
		})
	})
	router.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	return router
}

// Handler exposes the router, e.g. for httptest.
func (r *Robot) Handler() http.Handler {
	return r.router
}

// Serve listens on cfg.Addr until ctx ends.
func (r *Robot) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("robotsim: listen %s: %w", r.cfg.Addr, err)
	}
	return r.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx ends, then closes
// every session.
func (r *Robot) ServeListener(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := r.cfg.TLS.ServerTLS()
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if r.cfg.KcpHost == "" {
		if host, _, err := net.SplitHostPort(ln.Addr().String()); err == nil {
			r.cfg.KcpHost = host
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	r.log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("robot listening")

	select {
	case err := <-errCh:
		r.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	r.Close()
	return err
}

// Close ends every open session.
func (r *Robot) Close() {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	r.wg.Wait()
}

func (r *Robot) handleSession(w http.ResponseWriter, req *http.Request) {
	ws, err := wsconn.Upgrade(w, req, wsconn.WithWriteTimeout(r.cfg.WriteTimeout))
	if err != nil {
		r.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	id := r.nextSession.Add(1)
	if id == 0 {
		id = r.nextSession.Add(1)
	}
	p := newPeer(r, id, ws)

	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.run()
		r.mu.Lock()
		delete(r.peers, id)
		r.mu.Unlock()
	}()
}

func (r *Robot) record(rec Received) {
	r.mu.Lock()
	r.received = append(r.received, rec)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Commands returns every command received so far, in arrival order.
func (r *Robot) Commands() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Received(nil), r.received...)
}

// WaitFor blocks until a recorded command satisfies match or ctx ends.
func (r *Robot) WaitFor(ctx context.Context, match func(Received) bool) (Received, error) {
	seen := 0
	for {
		r.mu.Lock()
		pending := r.received[seen:]
		notify := r.notify
		seen = len(r.received)
		r.mu.Unlock()
		for _, rec := range pending {
			if match(rec) {
				return rec, nil
			}
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return Received{}, ctx.Err()
		}
	}
}

// SessionIDs lists the open sessions.
func (r *Robot) SessionIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Robot) kcpAddr() string {
	return net.JoinHostPort(r.cfg.KcpHost, "0")
}

func (r *Robot) writeJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		r.log.Error().Err(err).Msg("encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		r.log.Debug().Err(err).Msg("write response")
	}
}
