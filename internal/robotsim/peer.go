package robotsim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/frame"
	"github.com/danmuck/robotlink/internal/protocol/session"
	"github.com/danmuck/robotlink/internal/transport/kcpconn"
	"github.com/danmuck/robotlink/internal/transport/wsconn"
)

// peer is the robot side of one session.
type peer struct {
	robot *Robot
	id    uint64
	ws    *wsconn.Conn
	log   zerolog.Logger

	reliableFreq atomic.Int32
	lowFreq      atomic.Int32

	mu    sync.Mutex
	ln    *kcpconn.Listener
	low   *kcpconn.Conn
	ended bool

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPeer(r *Robot, id uint64, ws *wsconn.Conn) *peer {
	p := &peer{
		robot:   r,
		id:      id,
		ws:      ws,
		log:     r.log.With().Uint64("session_id", id).Logger(),
		closing: make(chan struct{}),
	}
	p.reliableFreq.Store(int32(r.cfg.ReportFrequency))
	p.lowFreq.Store(int32(r.cfg.ReportFrequency))
	return p
}

func (p *peer) run() {
	defer p.wg.Wait()
	defer p.close()

	hello := p.up(session.ChannelReliable)
	hello.Log = p.robot.cfg.HelloLog
	if err := p.send(session.ChannelReliable, hello, "hello"); err != nil {
		p.log.Warn().Err(err).Msg("hello not delivered")
		return
	}
	p.log.Info().Str("remote", p.ws.RemoteAddr().String()).Msg("session open")

	p.startReporter(session.ChannelReliable)
	for b := range p.ws.Receive() {
		p.handle(session.ChannelReliable, b)
	}
	p.log.Info().Msg("session closed")
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		_ = p.ws.Close()
		p.mu.Lock()
		p.ended = true
		low, ln := p.low, p.ln
		p.mu.Unlock()
		if low != nil {
			_ = low.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
	})
}

func (p *peer) handle(ch session.Channel, b []byte) {
	d, err := protocol.DecodeDown(b)
	if err != nil {
		observability.RecordEnvelopeError(ch.String(), "decode")
		p.log.Warn().Err(err).Str("channel", ch.String()).Msg("invalid command")
		p.sendLog("invalid down message: " + err.Error())
		return
	}
	observability.RecordEnvelopeReceived(ch.String())
	p.robot.record(Received{SessionID: p.id, Channel: ch, Down: d, At: time.Now()})

	switch cmd := d.Payload.(type) {
	case *protocol.EnableKcp:
		p.enableKcp(cmd)
	case protocol.SetReportFrequency:
		f := protocol.ReportFrequency(cmd)
		if f.Hz() == 0 {
			p.sendLog("unknown report frequency")
			return
		}
		p.freq(ch).Store(int32(f))
		p.log.Debug().Str("channel", ch.String()).Str("frequency", f.String()).Msg("report frequency")
	case protocol.PlaceholderMessage:
	default:
		if msg := p.robot.hw.apply(d); msg != "" {
			p.sendLog(msg)
		}
	}
}

func (p *peer) enableKcp(cmd *protocol.EnableKcp) {
	p.mu.Lock()
	if p.ln != nil {
		port := p.ln.Port()
		p.mu.Unlock()
		p.replyServerPort(port)
		return
	}
	p.mu.Unlock()

	ln, err := kcpconn.Listen(p.robot.kcpAddr(), kcpconn.TuningFromConfig(cmd.KcpConfig))
	if err != nil {
		p.log.Error().Err(err).Msg("kcp listen")
		p.sendLog("kcp unavailable")
		return
	}
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		_ = ln.Close()
		return
	}
	p.ln = ln
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.acceptLowLatency(ln, cmd.ClientPeerPort)
	}()
	p.replyServerPort(ln.Port())
}

func (p *peer) replyServerPort(port uint16) {
	u := p.up(session.ChannelReliable)
	u.KcpServerStatus = &protocol.KcpServerStatus{ServerPort: port}
	if err := p.send(session.ChannelReliable, u, "kcp_server_status"); err != nil {
		p.log.Warn().Err(err).Msg("kcp_server_status not delivered")
	}
}

func (p *peer) acceptLowLatency(ln *kcpconn.Listener, clientPort uint16) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.low = conn
	p.mu.Unlock()

	p.log.Info().
		Str("remote", conn.RemoteAddr().String()).
		Uint16("client_peer_port", clientPort).
		Uint32("conv", conn.Conv()).
		Msg("low-latency channel accepted")
	p.startReporter(session.ChannelLowLatency)

	parser := frame.NewParser(frame.DefaultLimits())
	for chunk := range conn.Chunks() {
		frames, perr := parser.Parse(chunk)
		for _, f := range frames {
			if f.Opcode == frame.OpBinary {
				p.handle(session.ChannelLowLatency, f.Payload)
			}
		}
		if perr != nil {
			observability.RecordFrameError("robot")
			p.log.Debug().Err(perr).Msg("low-latency stream resynchronized")
		}
	}
}

func (p *peer) freq(ch session.Channel) *atomic.Int32 {
	if ch == session.ChannelLowLatency {
		return &p.lowFreq
	}
	return &p.reliableFreq
}

// startReporter pushes status on ch at that channel's report frequency until
// the session ends or a send fails.
func (p *peer) startReporter(ch session.Channel) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.period(ch))
		defer timer.Stop()
		for {
			select {
			case <-p.closing:
				return
			case <-timer.C:
			}
			u := p.up(ch)
			u.Status = p.robot.hw.status(p.robot.cfg.RobotType)
			u.SecondaryDeviceStatus = p.robot.hw.secondary()
			if err := p.send(ch, u, "status"); err != nil {
				p.log.Debug().Err(err).Str("channel", ch.String()).Msg("reporter stopped")
				return
			}
			timer.Reset(p.period(ch))
		}
	}()
}

func (p *peer) period(ch session.Channel) time.Duration {
	hz := protocol.ReportFrequency(p.freq(ch).Load()).Hz()
	if hz <= 0 {
		hz = protocol.ReportFrequency50Hz.Hz()
	}
	return time.Second / time.Duration(hz)
}

func (p *peer) up(ch session.Channel) *protocol.Up {
	cfg := p.robot.cfg
	now := time.Now()
	return &protocol.Up{
		ProtocolMajorVersion: cfg.ProtocolMajor,
		ProtocolMinorVersion: cfg.ProtocolMinor,
		SessionID:            p.id,
		ReportFrequency:      protocol.ReportFrequency(p.freq(ch).Load()),
		RobotType:            cfg.RobotType,
		TimeStamp:            &protocol.TimeStamp{Seconds: uint64(now.Unix()), Nanoseconds: uint32(now.Nanosecond())},
	}
}

func (p *peer) sendLog(msg string) {
	u := p.up(session.ChannelReliable)
	u.Log = msg
	if err := p.send(session.ChannelReliable, u, "log"); err != nil {
		p.log.Debug().Err(err).Msg("log not delivered")
	}
}

func (p *peer) send(ch session.Channel, u *protocol.Up, kind string) error {
	b, err := protocol.EncodeUp(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.robot.cfg.WriteTimeout)
	defer cancel()
	if ch == session.ChannelLowLatency {
		p.mu.Lock()
		low := p.low
		p.mu.Unlock()
		if low == nil {
			return kcpconn.ErrClosed
		}
		err = low.SendFrame(ctx, frame.OpBinary, b)
	} else {
		err = p.ws.Send(ctx, b)
	}
	if err != nil {
		observability.RecordSendError(ch.String())
		return err
	}
	observability.RecordEnvelopeSent(ch.String(), kind)
	return nil
}
