package session

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/frame"
	"github.com/danmuck/robotlink/internal/testutil/testlog"
	"github.com/danmuck/robotlink/internal/transport/kcpconn"
)

// mockReliable plays the robot side of the websocket. onSend runs for every
// Down and may push replies.
type mockReliable struct {
	recv      chan []byte
	mu        sync.Mutex
	sent      []protocol.Down
	onSend    func(m *mockReliable, d protocol.Down)
	sendErr   error
	closeOnce sync.Once
}

func newMockReliable() *mockReliable {
	return &mockReliable{recv: make(chan []byte, 16)}
}

func (m *mockReliable) push(t *testing.T, u *protocol.Up) {
	t.Helper()
	b, err := protocol.EncodeUp(u)
	if err != nil {
		t.Fatalf("encode up: %v", err)
	}
	m.recv <- b
}

func (m *mockReliable) Send(_ context.Context, b []byte) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	d, err := protocol.DecodeDown(b)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, d)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(m, d)
	}
	return nil
}

func (m *mockReliable) Receive() <-chan []byte { return m.recv }

func (m *mockReliable) Close() error {
	m.closeOnce.Do(func() { close(m.recv) })
	return nil
}

func (m *mockReliable) sentDowns() []protocol.Down {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Down(nil), m.sent...)
}

type mockLow struct {
	chunks    chan []byte
	mu        sync.Mutex
	frames    []frame.Frame
	closeOnce sync.Once
}

func newMockLow() *mockLow {
	return &mockLow{chunks: make(chan []byte, 16)}
}

func (m *mockLow) SendFrame(_ context.Context, op frame.Opcode, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame.Frame{Opcode: op, Payload: payload})
	return nil
}

func (m *mockLow) Chunks() <-chan []byte { return m.chunks }

func (m *mockLow) Close() error {
	m.closeOnce.Do(func() { close(m.chunks) })
	return nil
}

func (m *mockLow) sentFrames() []frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.Frame(nil), m.frames...)
}

type activation struct {
	sessionID uint64
	remote    *net.UDPAddr
	tuning    kcpconn.Tuning
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:8439"
	cfg.HandshakeTimeout = 500 * time.Millisecond
	return cfg
}

func hello(id uint64, major, minor uint32) *protocol.Up {
	return &protocol.Up{
		ProtocolMajorVersion: major,
		ProtocolMinorVersion: minor,
		SessionID:            id,
		RobotType:            protocol.RobotTypeBase,
		ReportFrequency:      protocol.ReportFrequency50Hz,
	}
}

type harness struct {
	rel        *mockReliable
	low        *mockLow
	activated  chan activation
	mu         sync.Mutex
	ups        []*protocol.Up
	errs       []error
	logs       []string
	states     []State
	activateFn LowLatencyActivator
}

func newHarness() *harness {
	h := &harness{
		rel:       newMockReliable(),
		low:       newMockLow(),
		activated: make(chan activation, 1),
	}
	h.activateFn = func(id uint64, local net.PacketConn, remote *net.UDPAddr, tuning kcpconn.Tuning) (LowLatencyChannel, error) {
		_ = local.Close()
		h.activated <- activation{sessionID: id, remote: remote, tuning: tuning}
		return h.low, nil
	}
	return h
}

func (h *harness) options() []Option {
	return []Option{
		WithReliableDialer(func(context.Context, string) (ReliableChannel, error) { return h.rel, nil }),
		WithLowLatencyActivator(func(id uint64, local net.PacketConn, remote *net.UDPAddr, tuning kcpconn.Tuning) (LowLatencyChannel, error) {
			return h.activateFn(id, local, remote, tuning)
		}),
		WithObserver(Observer{
			OnUp: func(_ Channel, u *protocol.Up) {
				h.mu.Lock()
				h.ups = append(h.ups, u)
				h.mu.Unlock()
			},
			OnLog: func(_ Channel, msg string) {
				h.mu.Lock()
				h.logs = append(h.logs, msg)
				h.mu.Unlock()
			},
			OnError: func(_ Channel, err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
			OnState: func(_, to State) {
				h.mu.Lock()
				h.states = append(h.states, to)
				h.mu.Unlock()
			},
		}),
	}
}

func (h *harness) snapshot() (ups []*protocol.Up, errs []error, logs []string, states []State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append(ups, h.ups...), append(errs, h.errs...), append(logs, h.logs...), append(states, h.states...)
}

// answerEnableKcp replies to EnableKcp with the given server port.
func answerEnableKcp(t *testing.T, port uint16) func(m *mockReliable, d protocol.Down) {
	return func(m *mockReliable, d protocol.Down) {
		if _, ok := d.Payload.(*protocol.EnableKcp); ok {
			m.push(t, &protocol.Up{ProtocolMajorVersion: 1, SessionID: 7, KcpServerStatus: &protocol.KcpServerStatus{ServerPort: port}})
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeReachesDualChannel(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	h.rel.onSend = answerEnableKcp(t, 9000)

	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if s.State() != StateReliableOnly || s.SessionID() != 7 {
		t.Fatalf("unexpected session state=%s id=%d", s.State(), s.SessionID())
	}
	if major, minor := s.Versions(); major != 1 || minor != 0 {
		t.Fatalf("unexpected versions %d.%d", major, minor)
	}
	if s.ActiveChannel() != ChannelReliable {
		t.Fatalf("expected reliable authority before upgrade")
	}

	if err := s.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s.State() != StateDualChannel || s.ActiveChannel() != ChannelLowLatency {
		t.Fatalf("expected dual channel, got %s", s.State())
	}

	act := <-h.activated
	if act.sessionID != 7 || act.remote.Port != 9000 || !act.remote.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected activation %+v", act)
	}

	sent := h.rel.sentDowns()
	if len(sent) != 1 {
		t.Fatalf("expected one reliable down, got %d", len(sent))
	}
	enable, ok := sent[0].Payload.(*protocol.EnableKcp)
	if !ok || enable.ClientPeerPort == 0 || enable.KcpConfig == nil || enable.KcpConfig.WindowSizeSnd != 64 {
		t.Fatalf("unexpected enable_kcp %#v", sent[0].Payload)
	}

	frames := h.low.sentFrames()
	if len(frames) != 1 || frames[0].Opcode != frame.OpBinary {
		t.Fatalf("expected one placeholder frame, got %v", frames)
	}
	first, err := protocol.DecodeDown(frames[0].Payload)
	if err != nil || first.Kind() != "placeholder_message" {
		t.Fatalf("expected placeholder first, got %v %v", first.Kind(), err)
	}

	_, _, _, states := h.snapshot()
	want := []State{StateAwaitingHello, StateReliableOnly, StateUpgradingToKcp, StateDualChannel}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected transitions %v", states)
		}
	}
}

func TestSendRoutesToAuthoritativeChannel(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	h.rel.onSend = answerEnableKcp(t, 9000)
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	move := protocol.Down{Payload: &protocol.BaseCommand{SimpleMove: &protocol.XYZSpeed{SpeedX: 0.1}}}
	if err := s.Send(context.Background(), move); err != nil {
		t.Fatalf("send before upgrade: %v", err)
	}
	if err := s.SendLowLatency(context.Background(), move); !errors.Is(err, ErrNoLowLatencyRoute) {
		t.Fatalf("expected ErrNoLowLatencyRoute, got %v", err)
	}
	if n := len(h.rel.sentDowns()); n != 1 {
		t.Fatalf("expected command on reliable, got %d", n)
	}

	if err := s.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if err := s.Send(context.Background(), move); err != nil {
		t.Fatalf("send after upgrade: %v", err)
	}
	if n := len(h.low.sentFrames()); n != 2 {
		t.Fatalf("expected placeholder + command on kcp, got %d frames", n)
	}
	deinit := protocol.Down{Payload: &protocol.BaseCommand{APIControlInitialize: protocol.Bool(false)}}
	if err := s.SendReliable(context.Background(), deinit); err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	sent := h.rel.sentDowns()
	if sent[len(sent)-1].Kind() != "base_command" {
		t.Fatalf("expected deinit on reliable, got %s", sent[len(sent)-1].Kind())
	}
}

func TestHelloTimeoutFails(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	_, err := Connect(context.Background(), testConfig(), h.options()...)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	_, _, _, states := h.snapshot()
	if len(states) == 0 || states[len(states)-1] != StateFailed {
		t.Fatalf("expected Failed, got %v", states)
	}
}

func TestHelloMajorMismatchFails(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 2, 0))
	_, err := Connect(context.Background(), testConfig(), h.options()...)
	if !errors.Is(err, protocol.ErrIncompatibleMajorVersion) {
		t.Fatalf("expected ErrIncompatibleMajorVersion, got %v", err)
	}
}

func TestHelloMinorFloor(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	cfg := testConfig()
	cfg.Versions.MinMinor = 1
	_, err := Connect(context.Background(), cfg, h.options()...)
	if !errors.Is(err, protocol.ErrIncompatibleMinorVersion) {
		t.Fatalf("expected ErrIncompatibleMinorVersion, got %v", err)
	}
}

func TestHelloSkipsMalformedMessages(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.recv <- []byte{0x08}
	h.rel.push(t, hello(0, 1, 0))
	h.rel.push(t, hello(11, 1, 3))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if s.SessionID() != 11 {
		t.Fatalf("expected session 11, got %d", s.SessionID())
	}
}

func TestDialFailureIsConnectError(t *testing.T) {
	testlog.Start(t)
	_, err := Connect(context.Background(), testConfig(), WithReliableDialer(func(context.Context, string) (ReliableChannel, error) {
		return nil, errors.New("refused")
	}))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestUpgradeTimeoutRevertsToReliableOnly(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	err = s.Upgrade(context.Background())
	if !errors.Is(err, ErrActivation) || !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrActivation/ErrHandshakeTimeout, got %v", err)
	}
	if s.State() != StateReliableOnly {
		t.Fatalf("expected ReliableOnly after failed upgrade, got %s", s.State())
	}
	move := protocol.Down{Payload: &protocol.BaseCommand{APIControlInitialize: protocol.Bool(true)}}
	if err := s.Send(context.Background(), move); err != nil {
		t.Fatalf("reliable send after failed upgrade: %v", err)
	}
}

func TestUpgradeActivationErrorReverts(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	h.rel.onSend = answerEnableKcp(t, 9000)
	h.activateFn = func(uint64, net.PacketConn, *net.UDPAddr, kcpconn.Tuning) (LowLatencyChannel, error) {
		return nil, errors.New("no route")
	}
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Upgrade(context.Background()); !errors.Is(err, ErrActivation) {
		t.Fatalf("expected ErrActivation, got %v", err)
	}
	if s.State() != StateReliableOnly {
		t.Fatalf("expected ReliableOnly, got %s", s.State())
	}
}

func TestUpgradeReliableSendFailureFails(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	h.rel.sendErr = errors.New("broken pipe")
	if err := s.Upgrade(context.Background()); !errors.Is(err, ErrSend) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State())
	}
	if err := s.Upgrade(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestVersionMismatchAfterHelloStopsStatusDelivery(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	h.rel.push(t, &protocol.Up{ProtocolMajorVersion: 1, SessionID: 7, Status: &protocol.BaseStatus{}})
	h.rel.push(t, &protocol.Up{ProtocolMajorVersion: 3, SessionID: 7, Log: "upgraded firmware"})
	h.rel.push(t, &protocol.Up{ProtocolMajorVersion: 1, SessionID: 7, Log: "still here", Status: &protocol.BaseStatus{}})

	eventually(t, "logs", func() bool {
		_, _, logs, _ := h.snapshot()
		return len(logs) == 2
	})
	ups, errs, logs, _ := h.snapshot()
	if len(ups) != 2 {
		t.Fatalf("expected hello + one status before mismatch, got %d", len(ups))
	}
	if len(errs) != 1 || !errors.Is(errs[0], protocol.ErrIncompatibleMajorVersion) {
		t.Fatalf("unexpected errors %v", errs)
	}
	if logs[0] != "upgraded firmware" || logs[1] != "still here" {
		t.Fatalf("unexpected logs %v", logs)
	}
	if s.Trusted() {
		t.Fatalf("expected session to be untrusted")
	}
}

func TestLowLatencyUpsAreDelivered(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	h.rel.onSend = answerEnableKcp(t, 9000)
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	b, err := protocol.EncodeUp(&protocol.Up{ProtocolMajorVersion: 1, SessionID: 7, ReportFrequency: protocol.ReportFrequency250Hz})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream := frame.Encode(frame.OpBinary, b)
	stream = append(stream, 0x7f) // garbage forces a resync
	h.low.chunks <- stream[:3]
	h.low.chunks <- stream[3:]
	h.low.chunks <- frame.Encode(frame.OpBinary, b)

	eventually(t, "kcp ups", func() bool {
		ups, _, _, _ := h.snapshot()
		n := 0
		for _, u := range ups {
			if u.ReportFrequency == protocol.ReportFrequency250Hz {
				n++
			}
		}
		return n == 2
	})
	_, errs, _, _ := h.snapshot()
	found := false
	for _, err := range errs {
		if errors.Is(err, frame.ErrMalformedHeader) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected frame resync error, got %v", errs)
	}
	if s.State() != StateDualChannel {
		t.Fatalf("parse error must not tear down the channel")
	}
}

func TestReliableEndFailsSession(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = h.rel.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State())
	}
	_ = s.Close()
}

func TestCloseRejectsSends(t *testing.T) {
	testlog.Start(t)
	h := newHarness()
	h.rel.push(t, hello(7, 1, 0))
	s, err := Connect(context.Background(), testConfig(), h.options()...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", s.State())
	}
	err = s.SendReliable(context.Background(), protocol.Down{Payload: protocol.PlaceholderMessage(true)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"empty":  "",
		"scheme": "http://robot:8439",
		"host":   "ws://:8439",
		"wss":    "wss://robot:8439",
	}
	for name, url := range cases {
		cfg := DefaultConfig()
		cfg.URL = url
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if got := URLForHost("fe80::1", 0); got != "ws://[fe80::1]:8439" {
		t.Fatalf("unexpected url %q", got)
	}
	cfg := DefaultConfig()
	cfg.URL = URLForHost("[::1]", 9001)
	if err := cfg.Validate(); err != nil || cfg.Host() != "::1" {
		t.Fatalf("unexpected ipv6 config err=%v host=%q", err, cfg.Host())
	}
}

func TestURLForHostZonedIPv6(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		host string
		url  string
		want string
	}{
		{host: "fe80::500d:96ff:fee1:d60b%3", url: "ws://[fe80::500d:96ff:fee1:d60b%253]:8439", want: "fe80::500d:96ff:fee1:d60b%3"},
		{host: "[fe80::1%eth0]", url: "ws://[fe80::1%25eth0]:8439", want: "fe80::1%eth0"},
		{host: "fe80::1%25eth0", url: "ws://[fe80::1%25eth0]:8439", want: "fe80::1%eth0"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.URL = URLForHost(tc.host, 0)
		if cfg.URL != tc.url {
			t.Fatalf("%s: url = %q, want %q", tc.host, cfg.URL, tc.url)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", tc.host, err)
		}
		if got := cfg.Host(); got != tc.want {
			t.Fatalf("%s: host = %q, want %q", tc.host, got, tc.want)
		}
		if fam := kcpconn.Family(cfg.Host()); fam != "udp6" {
			t.Fatalf("%s: family = %s", tc.host, fam)
		}
		if again := URLForHost(cfg.Host(), 0); again != tc.url {
			t.Fatalf("%s: round trip url = %q", tc.host, again)
		}
	}
}

func TestWriteOnceFirstWins(t *testing.T) {
	testlog.Start(t)
	var cell WriteOnce[int64]
	if _, ok := cell.Get(); ok {
		t.Fatalf("expected empty cell")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cell.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	got := make(chan int64, 1)
	go func() {
		v, _ := cell.Wait(context.Background())
		got <- v
	}()
	if !cell.Set(4200) {
		t.Fatalf("first set should win")
	}
	if cell.Set(1) {
		t.Fatalf("second set should lose")
	}
	if v := <-got; v != 4200 {
		t.Fatalf("waiter saw %d", v)
	}
	if v, ok := cell.Get(); !ok || v != 4200 {
		t.Fatalf("unexpected value %d %v", v, ok)
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt < 8; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < 50*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("attempt %d out of bounds: %v", attempt, got)
		}
	}
}

func TestConnectWithRetryStopsOnVersionError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond}
	dials := 0
	dialer := WithReliableDialer(func(context.Context, string) (ReliableChannel, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("refused")
		}
		rel := newMockReliable()
		rel.push(t, hello(9, 4, 0))
		return rel, nil
	})
	_, err := ConnectWithRetry(context.Background(), cfg, 5, nil, dialer)
	if !errors.Is(err, protocol.ErrIncompatibleMajorVersion) {
		t.Fatalf("expected version error, got %v", err)
	}
	if dials != 3 {
		t.Fatalf("expected 3 dials, got %d", dials)
	}
}
