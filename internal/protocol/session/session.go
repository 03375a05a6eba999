package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/frame"
	"github.com/danmuck/robotlink/internal/transport/kcpconn"
	"github.com/danmuck/robotlink/internal/transport/wsconn"
)

// ReliableChannel is the ordered, message-framed transport used for the
// handshake and for shutdown.
type ReliableChannel interface {
	Send(ctx context.Context, b []byte) error
	Receive() <-chan []byte
	Close() error
}

// LowLatencyChannel carries framed envelopes once activated.
type LowLatencyChannel interface {
	SendFrame(ctx context.Context, op frame.Opcode, payload []byte) error
	Chunks() <-chan []byte
	Close() error
}

type (
	ReliableDialer      func(ctx context.Context, url string) (ReliableChannel, error)
	LocalBinder         func(host string) (net.PacketConn, error)
	LowLatencyActivator func(sessionID uint64, local net.PacketConn, remote *net.UDPAddr, tuning kcpconn.Tuning) (LowLatencyChannel, error)
)

// Observer receives inbound traffic. Callbacks run on the pump goroutines and
// must not block.
type Observer struct {
	OnUp    func(ch Channel, u *protocol.Up)
	OnLog   func(ch Channel, msg string)
	OnError func(ch Channel, err error)
	OnState func(from, to State)
}

type options struct {
	dial     ReliableDialer
	bind     LocalBinder
	activate LowLatencyActivator
	observer Observer
}

type Option func(*options)

func WithReliableDialer(d ReliableDialer) Option {
	return func(o *options) { o.dial = d }
}

func WithLocalBinder(b LocalBinder) Option {
	return func(o *options) { o.bind = b }
}

func WithLowLatencyActivator(a LowLatencyActivator) Option {
	return func(o *options) { o.activate = a }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func defaultOptions(cfg Config) options {
	return options{
		dial: func(ctx context.Context, url string) (ReliableChannel, error) {
			c, err := wsconn.Dial(ctx, url, wsconn.WithTLS(cfg.TLS), wsconn.WithWriteTimeout(cfg.WriteTimeout))
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		bind: func(host string) (net.PacketConn, error) {
			c, err := kcpconn.BindLocal(host)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		activate: func(id uint64, local net.PacketConn, remote *net.UDPAddr, t kcpconn.Tuning) (LowLatencyChannel, error) {
			c, err := kcpconn.Activate(id, local, remote, t)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// Session is one connection to a robot. It is created by Connect after the
// hello envelope passes the version gate.
type Session struct {
	cfg  Config
	opts options
	host string
	log  zerolog.Logger

	reliable ReliableChannel

	mu         sync.Mutex
	state      State
	low        LowLatencyChannel
	portWaiter chan uint16

	id        WriteOnce[uint64]
	major     uint32
	minor     uint32
	robotType protocol.RobotType
	untrusted atomic.Bool
	closing   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the reliable channel and waits for the robot hello. It never
// retries; see NextBackoffDelay for caller-side policy.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions(cfg)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	s := &Session{
		cfg:   cfg,
		opts:  o,
		host:  cfg.Host(),
		log:   observability.Component("session"),
		state: StateConnecting,
		done:  make(chan struct{}),
	}

	ctx, span := observability.StartSpan(ctx, "session.connect",
		trace.WithAttributes(attribute.String("robot.url", cfg.URL)))
	start := time.Now()
	err := s.connect(ctx)
	observability.RecordHandshake("connect", time.Since(start), err == nil)
	if err == nil {
		span.SetAttributes(attribute.Int64("robot.session_id", int64(s.SessionID())))
	}
	observability.EndSpan(span, err)
	if err != nil {
		s.log.Warn().Err(err).Str("url", cfg.URL).Msg("connect failed")
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	rel, err := s.opts.dial(dialCtx, s.cfg.URL)
	cancel()
	if err != nil {
		s.transition(StateFailed)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.reliable = rel
	s.transition(StateAwaitingHello)

	hello, err := s.awaitHello(ctx)
	if err != nil {
		s.transition(StateFailed)
		_ = rel.Close()
		return err
	}
	s.id.Set(hello.SessionID)
	s.major = hello.ProtocolMajorVersion
	s.minor = hello.ProtocolMinorVersion
	s.robotType = hello.RobotType
	s.log = s.log.With().Uint64("session_id", hello.SessionID).Logger()
	s.transition(StateReliableOnly)
	s.log.Info().
		Str("robot_type", hello.RobotType.String()).
		Uint32("major", s.major).
		Uint32("minor", s.minor).
		Str("report_frequency", hello.ReportFrequency.String()).
		Msg("session established")

	s.deliver(ChannelReliable, hello)
	go s.reliablePump()
	return nil
}

// awaitHello takes the first gated Up with a session id. Malformed bytes only
// cost that message; a version mismatch fails the handshake.
func (s *Session) awaitHello(ctx context.Context) (*protocol.Up, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case b, ok := <-s.reliable.Receive():
			if !ok {
				return nil, fmt.Errorf("%w: reliable channel ended before hello", ErrSessionClosed)
			}
			u, err := s.decode(ChannelReliable, b)
			if err != nil {
				if errors.Is(err, protocol.ErrDecode) {
					continue
				}
				return nil, err
			}
			if u.SessionID == 0 {
				continue
			}
			return u, nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: no hello within %s", ErrHandshakeTimeout, s.cfg.HandshakeTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Upgrade moves a ReliableOnly session to DualChannel. On failure the session
// stays usable over the reliable channel unless the reliable send itself
// failed.
func (s *Session) Upgrade(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "session.upgrade",
		trace.WithAttributes(attribute.Int64("robot.session_id", int64(s.SessionID()))))
	start := time.Now()
	defer func() {
		observability.RecordHandshake("upgrade", time.Since(start), err == nil)
		observability.EndSpan(span, err)
	}()

	if !s.transition(StateUpgradingToKcp, StateReliableOnly) {
		return fmt.Errorf("%w: upgrade from %s", ErrInvalidState, s.State())
	}
	ports := make(chan uint16, 1)
	s.mu.Lock()
	s.portWaiter = ports
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.portWaiter = nil
		s.mu.Unlock()
	}()

	local, err := s.opts.bind(s.host)
	if err != nil {
		s.revertUpgrade()
		return fmt.Errorf("%w: %w", ErrActivation, err)
	}
	localPort := kcpconn.LocalPort(local)
	enable := protocol.Down{Payload: &protocol.EnableKcp{
		ClientPeerPort: localPort,
		KcpConfig:      s.cfg.Kcp.KcpConfig(),
	}}
	if err := s.SendReliable(ctx, enable); err != nil {
		_ = local.Close()
		s.transition(StateFailed)
		return err
	}
	s.log.Debug().Uint16("client_peer_port", localPort).Msg("enable_kcp sent")

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	var serverPort uint16
	select {
	case serverPort = <-ports:
	case <-timer.C:
		_ = local.Close()
		s.revertUpgrade()
		return fmt.Errorf("%w: %w: no kcp_server_status within %s", ErrActivation, ErrHandshakeTimeout, s.cfg.HandshakeTimeout)
	case <-ctx.Done():
		_ = local.Close()
		s.revertUpgrade()
		return fmt.Errorf("%w: %w", ErrActivation, ctx.Err())
	case <-s.done:
		_ = local.Close()
		return fmt.Errorf("%w: %w", ErrActivation, ErrSessionClosed)
	}

	remote, err := kcpconn.ResolveRemote(s.host, serverPort)
	if err != nil {
		_ = local.Close()
		s.revertUpgrade()
		return fmt.Errorf("%w: %w", ErrActivation, err)
	}
	low, err := s.opts.activate(s.SessionID(), local, remote, s.cfg.Kcp)
	if err != nil {
		_ = local.Close()
		s.revertUpgrade()
		return fmt.Errorf("%w: %w", ErrActivation, err)
	}

	// The low-latency transport is not live until the first application write.
	placeholder, err := protocol.EncodeDown(protocol.Down{Payload: protocol.PlaceholderMessage(true)})
	if err == nil {
		err = low.SendFrame(ctx, frame.OpBinary, placeholder)
	}
	if err != nil {
		_ = low.Close()
		s.revertUpgrade()
		return fmt.Errorf("%w: placeholder: %w", ErrActivation, err)
	}

	s.mu.Lock()
	s.low = low
	s.mu.Unlock()
	if !s.transition(StateDualChannel, StateUpgradingToKcp) {
		_ = low.Close()
		return fmt.Errorf("%w: %w", ErrActivation, ErrSessionClosed)
	}
	observability.RecordEnvelopeSent(ChannelLowLatency.String(), "placeholder_message")
	s.log.Info().Str("remote", remote.String()).Msg("low-latency channel active")
	go s.lowLatencyPump(low)
	return nil
}

func (s *Session) revertUpgrade() {
	s.transition(StateReliableOnly, StateUpgradingToKcp)
}

func (s *Session) offerPort(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portWaiter == nil {
		return
	}
	select {
	case s.portWaiter <- port:
	default:
	}
}

func (s *Session) reliablePump() {
	defer s.finish()
	for b := range s.reliable.Receive() {
		u, err := s.decode(ChannelReliable, b)
		if err != nil {
			continue
		}
		if st := u.KcpServerStatus; st != nil && st.ServerPort != 0 {
			s.offerPort(st.ServerPort)
		}
		s.deliver(ChannelReliable, u)
	}
}

func (s *Session) lowLatencyPump(low LowLatencyChannel) {
	parser := frame.NewParser(frame.DefaultLimits())
	for chunk := range low.Chunks() {
		frames, perr := parser.Parse(chunk)
		for _, f := range frames {
			if f.Opcode != frame.OpBinary {
				continue
			}
			u, err := s.decode(ChannelLowLatency, f.Payload)
			if err != nil {
				continue
			}
			s.deliver(ChannelLowLatency, u)
		}
		if perr != nil {
			observability.RecordFrameError(frameErrorReason(perr))
			s.log.Debug().Err(perr).Msg("low-latency stream resynchronized")
			s.notifyError(ChannelLowLatency, perr)
		}
	}
	if !s.closing.Load() {
		s.log.Warn().Msg("low-latency channel ended")
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrUnknownOpcode):
		return "unknown_opcode"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "malformed_header"
	}
}

func (s *Session) decode(ch Channel, b []byte) (*protocol.Up, error) {
	u, err := protocol.ValidatedDecode(b, s.cfg.Versions, func(msg string) { s.notifyLog(ch, msg) })
	if err != nil {
		reason := "decode"
		if errors.Is(err, protocol.ErrIncompatibleMajorVersion) || errors.Is(err, protocol.ErrIncompatibleMinorVersion) {
			reason = "version"
			if s.untrusted.CompareAndSwap(false, true) {
				s.log.Error().Err(err).Str("channel", ch.String()).Msg("status no longer trusted")
			}
		}
		observability.RecordEnvelopeError(ch.String(), reason)
		s.notifyError(ch, err)
		return nil, err
	}
	observability.RecordEnvelopeReceived(ch.String())
	return u, nil
}

func (s *Session) deliver(ch Channel, u *protocol.Up) {
	if s.untrusted.Load() {
		return
	}
	if fn := s.opts.observer.OnUp; fn != nil {
		fn(ch, u)
	}
}

func (s *Session) notifyLog(ch Channel, msg string) {
	if fn := s.opts.observer.OnLog; fn != nil {
		fn(ch, msg)
		return
	}
	s.log.Warn().Str("channel", ch.String()).Str("robot_log", msg).Msg("robot log")
}

func (s *Session) notifyError(ch Channel, err error) {
	if fn := s.opts.observer.OnError; fn != nil {
		fn(ch, err)
	}
}

// transition moves to state to. With from given, it only moves out of one of
// those states.
func (s *Session) transition(to State, from ...State) bool {
	s.mu.Lock()
	prev := s.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		s.mu.Unlock()
		return false
	}
	if prev.Terminal() && prev != to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	if prev != to {
		s.log.Debug().Str("from", prev.String()).Str("to", to.String()).Msg("state")
		if fn := s.opts.observer.OnState; fn != nil {
			fn(prev, to)
		}
	}
	return true
}

// finish runs when the reliable channel ends. The session cannot outlive it.
func (s *Session) finish() {
	if !s.closing.Load() {
		s.transition(StateFailed)
		s.notifyError(ChannelReliable, fmt.Errorf("%w: reliable channel ended", ErrSessionClosed))
		s.log.Warn().Msg("reliable channel ended")
	}
	s.mu.Lock()
	low := s.low
	s.low = nil
	s.mu.Unlock()
	if low != nil {
		_ = low.Close()
	}
	close(s.done)
}

// Send writes d on the authoritative channel: low-latency in DualChannel,
// reliable otherwise.
func (s *Session) Send(ctx context.Context, d protocol.Down) error {
	s.mu.Lock()
	low := s.low
	dual := s.state == StateDualChannel
	s.mu.Unlock()
	if dual && low != nil {
		return s.sendLow(ctx, low, d)
	}
	return s.SendReliable(ctx, d)
}

// SendReliable writes d on the reliable channel regardless of state.
func (s *Session) SendReliable(ctx context.Context, d protocol.Down) error {
	if s.closing.Load() {
		return fmt.Errorf("%w: %w", ErrSend, ErrSessionClosed)
	}
	b, err := protocol.EncodeDown(d)
	if err != nil {
		return err
	}
	if err := s.reliable.Send(ctx, b); err != nil {
		observability.RecordSendError(ChannelReliable.String())
		return fmt.Errorf("%w: %s: %w", ErrSend, ChannelReliable, err)
	}
	observability.RecordEnvelopeSent(ChannelReliable.String(), d.Kind())
	return nil
}

// SendLowLatency writes d on the low-latency channel. It fails unless the
// session is DualChannel.
func (s *Session) SendLowLatency(ctx context.Context, d protocol.Down) error {
	s.mu.Lock()
	low := s.low
	s.mu.Unlock()
	if low == nil {
		return fmt.Errorf("%w: %w", ErrSend, ErrNoLowLatencyRoute)
	}
	return s.sendLow(ctx, low, d)
}

func (s *Session) sendLow(ctx context.Context, low LowLatencyChannel, d protocol.Down) error {
	if s.closing.Load() {
		return fmt.Errorf("%w: %w", ErrSend, ErrSessionClosed)
	}
	b, err := protocol.EncodeDown(d)
	if err != nil {
		return err
	}
	if err := low.SendFrame(ctx, frame.OpBinary, b); err != nil {
		observability.RecordSendError(ChannelLowLatency.String())
		return fmt.Errorf("%w: %s: %w", ErrSend, ChannelLowLatency, err)
	}
	observability.RecordEnvelopeSent(ChannelLowLatency.String(), d.Kind())
	return nil
}

// Close tears down both channels and waits for the reliable pump to stop. It
// must not be called from an Observer callback.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.transition(StateClosed)
		s.mu.Lock()
		low := s.low
		s.mu.Unlock()
		if low != nil {
			err = low.Close()
		}
		if cerr := s.reliable.Close(); err == nil {
			err = cerr
		}
		<-s.done
		s.log.Info().Msg("session closed")
	})
	return err
}

// Done is closed when the reliable channel has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) SessionID() uint64 {
	id, _ := s.id.Get()
	return id
}

// Versions returns the protocol version negotiated by the hello.
func (s *Session) Versions() (major, minor uint32) {
	return s.major, s.minor
}

func (s *Session) RobotType() protocol.RobotType {
	return s.robotType
}

func (s *Session) Host() string {
	return s.host
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveChannel is the channel Send currently uses.
func (s *Session) ActiveChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDualChannel && s.low != nil {
		return ChannelLowLatency
	}
	return ChannelReliable
}

// Trusted is false once any Up failed the version gate.
func (s *Session) Trusted() bool {
	return !s.untrusted.Load()
}
