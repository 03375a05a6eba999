package robotsim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/session"
	"github.com/danmuck/robotlink/internal/testutil/testlog"
)

type upLog struct {
	mu   sync.Mutex
	ups  map[session.Channel][]*protocol.Up
	logs []string
}

func newUpLog() *upLog {
	return &upLog{ups: make(map[session.Channel][]*protocol.Up)}
}

func (l *upLog) observer() session.Observer {
	return session.Observer{
		OnUp: func(ch session.Channel, u *protocol.Up) {
			l.mu.Lock()
			l.ups[ch] = append(l.ups[ch], u)
			l.mu.Unlock()
		},
		OnLog: func(_ session.Channel, msg string) {
			l.mu.Lock()
			l.logs = append(l.logs, msg)
			l.mu.Unlock()
		},
	}
}

func (l *upLog) count(ch session.Channel, match func(*protocol.Up) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.ups[ch] {
		if match(u) {
			n++
		}
	}
	return n
}

func (l *upLog) hasLog(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.logs {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRobot(t *testing.T, mutate func(*Config)) (*Robot, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KcpHost = "127.0.0.1"
	cfg.SessionSeed = 41
	if mutate != nil {
		mutate(&cfg)
	}
	robot := New(cfg)
	srv := httptest.NewServer(robot.Handler())
	t.Cleanup(func() {
		robot.Close()
		srv.Close()
	})
	return robot, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string, obs session.Observer) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.URL = url
	cfg.HandshakeTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := session.Connect(ctx, cfg, session.WithObserver(obs))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBaseMoveOverLowLatencyChannel(t *testing.T) {
	testlog.Start(t)

	robot, url := startRobot(t, nil)
	ups := newUpLog()
	s := connect(t, url, ups.observer())
	if s.SessionID() != 42 {
		t.Fatalf("session id = %d", s.SessionID())
	}
	if s.RobotType() != protocol.RobotTypeBase {
		t.Fatalf("robot type = %s", s.RobotType())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Upgrade(ctx); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s.State() != session.StateDualChannel || s.ActiveChannel() != session.ChannelLowLatency {
		t.Fatalf("state %s channel %s", s.State(), s.ActiveChannel())
	}
	if _, err := robot.WaitFor(ctx, func(r Received) bool {
		_, ok := r.Down.Payload.(protocol.PlaceholderMessage)
		return ok && r.Channel == session.ChannelLowLatency
	}); err != nil {
		t.Fatalf("placeholder not received over kcp: %v", err)
	}

	if err := s.SendReliable(ctx, control.ReportFrequency(protocol.ReportFrequency1Hz)); err != nil {
		t.Fatalf("reliable frequency: %v", err)
	}
	if err := s.Send(ctx, control.ReportFrequency(protocol.ReportFrequency250Hz)); err != nil {
		t.Fatalf("kcp frequency: %v", err)
	}
	if err := s.SendReliable(ctx, control.BaseInitialize(true)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cfg := control.Config{Period: 20 * time.Millisecond, Duration: 200 * time.Millisecond, DeinitTimeout: time.Second}
	res, err := control.Run(ctx, cfg, control.ForSession(s), control.Constant(control.BaseMove(0.2, 0, 0.1)), control.BaseInitialize(false))
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if !res.DeinitSent {
		t.Fatal("deinit not sent")
	}

	deinit, err := robot.WaitFor(ctx, func(r Received) bool {
		cmd, ok := r.Down.Payload.(*protocol.BaseCommand)
		return ok && cmd.APIControlInitialize != nil && !*cmd.APIControlInitialize
	})
	if err != nil {
		t.Fatalf("deinit not received: %v", err)
	}
	if deinit.Channel != session.ChannelReliable {
		t.Fatalf("deinit arrived on %s", deinit.Channel)
	}

	moves := func() int {
		n := 0
		for _, r := range robot.Commands() {
			if cmd, ok := r.Down.Payload.(*protocol.BaseCommand); ok && cmd.SimpleMove != nil {
				if r.Channel != session.ChannelLowLatency {
					t.Fatalf("move arrived on %s", r.Channel)
				}
				n++
			}
		}
		return n
	}
	eventually(t, 2*time.Second, func() bool { return res.Sent > 0 && moves() == res.Sent }, "every move delivered")

	eventually(t, 2*time.Second, func() bool {
		return ups.count(session.ChannelLowLatency, func(u *protocol.Up) bool {
			st, ok := u.Status.(*protocol.BaseStatus)
			return ok && st.EstimatedOdometry != nil && u.ReportFrequency == protocol.ReportFrequency250Hz
		}) > 5
	}, "base status over kcp at 250hz")
}

func TestHelloLogIsSurfaced(t *testing.T) {
	testlog.Start(t)

	_, url := startRobot(t, func(c *Config) { c.HelloLog = "motor 3 warm" })
	ups := newUpLog()
	connect(t, url, ups.observer())
	eventually(t, time.Second, func() bool { return ups.hasLog("motor 3 warm") }, "hello log")
}

func TestIncompatibleRobotIsRejected(t *testing.T) {
	testlog.Start(t)

	_, url := startRobot(t, func(c *Config) { c.ProtocolMajor = 2 })
	cfg := session.DefaultConfig()
	cfg.URL = url
	cfg.HandshakeTimeout = time.Second
	_, err := session.Connect(context.Background(), cfg)
	if !errors.Is(err, protocol.ErrIncompatibleMajorVersion) {
		t.Fatalf("expected major version error, got %v", err)
	}
}

func TestRejectedCommandIsLogged(t *testing.T) {
	testlog.Start(t)

	_, url := startRobot(t, nil)
	ups := newUpLog()
	s := connect(t, url, ups.observer())
	if err := s.Send(context.Background(), control.BaseMove(1, 0, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, time.Second, func() bool { return ups.hasLog("api control not initialized") }, "robot log")
}

func TestLiftMovesToTargetOverReliable(t *testing.T) {
	testlog.Start(t)

	_, url := startRobot(t, func(c *Config) {
		c.RobotType = protocol.RobotTypeLinearLift
		c.ReportFrequency = protocol.ReportFrequency100Hz
	})
	ups := newUpLog()
	s := connect(t, url, ups.observer())

	eventually(t, time.Second, func() bool {
		return ups.count(session.ChannelReliable, func(u *protocol.Up) bool {
			st, ok := u.Status.(*protocol.LinearLiftStatus)
			return ok && st.Calibrated && st.MaxPos == 100000
		}) > 0
	}, "calibrated lift status")

	if err := s.Send(context.Background(), control.LiftTarget(25000)); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, time.Second, func() bool {
		return ups.count(session.ChannelReliable, func(u *protocol.Up) bool {
			st, ok := u.Status.(*protocol.LinearLiftStatus)
			return ok && st.CurrentPos == 25000
		}) > 0
	}, "lift at target")
}

func TestHealthz(t *testing.T) {
	testlog.Start(t)

	robot := New(DefaultConfig())
	rec := httptest.NewRecorder()
	robot.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["robot_type"] != "base" || body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = httptest.NewRecorder()
	robot.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestSessionsRequiresAdminToken(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.AdminToken = "ops"
	robot := New(cfg)

	rec := httptest.NewRecorder()
	robot.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer ops")
	rec = httptest.NewRecorder()
	robot.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	robot.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", rec.Code)
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	testlog.Start(t)

	robot := New(DefaultConfig())
	rec := httptest.NewRecorder()
	robot.writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "application/json" {
		t.Fatalf("failed encode still labelled json")
	}
}
