package kcpconn

import (
	"fmt"
	"net"

	"github.com/xtaci/kcp-go/v5"
)

// Listener accepts KCP sessions on one UDP socket. It serves the robot side of
// the low-latency channel.
type Listener struct {
	ln     *kcp.Listener
	conn   *net.UDPConn
	tuning Tuning
}

// Listen binds addr ("host:port", port 0 for ephemeral).
func Listen(addr string, tuning Tuning) (*Listener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivation, err)
	}
	udpAddr, err := net.ResolveUDPAddr(Family(host), addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivation, err)
	}
	conn, err := net.ListenUDP(Family(host), udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivation, err)
	}
	ln, err := kcp.ServeConn(nil, 0, 0, conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrActivation, err)
	}
	return &Listener{ln: ln, conn: conn, tuning: tuning}, nil
}

func (l *Listener) Port() uint16 {
	return LocalPort(l.conn)
}

func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Accept blocks for the next session. Sessions share the listener socket and
// do not close it.
func (l *Listener) Accept() (*Conn, error) {
	sess, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	l.tuning.apply(sess)
	return newConn(sess, nil), nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
