// Package kcpconn is the low-latency channel: a KCP session over a UDP socket
// the caller bound beforehand. KCP provides its own retransmission and
// ordering; callers treat the result as a byte stream and frame it with
// protocol/frame.
package kcpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xtaci/kcp-go/v5"

	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol/frame"
)

var (
	ErrActivation = errors.New("kcpconn: activation failed")
	ErrSend       = errors.New("kcpconn: send failed")
	ErrClosed     = errors.New("kcpconn: connection closed")
)

const (
	readBufferSize = 64 * 1024
	chunkBuffer    = 256
	writeTimeout   = time.Second
)

// Conn is one active low-latency channel.
type Conn struct {
	sess  *kcp.UDPSession
	owned net.PacketConn
	log   zerolog.Logger

	writeMu   sync.Mutex
	chunks    chan []byte
	closing   chan struct{}
	ended     chan struct{}
	closeOnce sync.Once
}

// Activate opens a KCP session to remote over local, keyed by the low 32 bits
// of sessionID. The returned Conn owns local and closes it on Close.
func Activate(sessionID uint64, local net.PacketConn, remote *net.UDPAddr, tuning Tuning) (*Conn, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: no local socket", ErrActivation)
	}
	if remote == nil || remote.Port == 0 {
		return nil, fmt.Errorf("%w: invalid remote address %v", ErrActivation, remote)
	}
	sess, err := kcp.NewConn3(ConvID(sessionID), remote, nil, 0, 0, local)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivation, err)
	}
	tuning.apply(sess)
	c := newConn(sess, local)
	c.log.Debug().
		Uint32("conv", sess.GetConv()).
		Str("local", local.LocalAddr().String()).
		Str("remote", remote.String()).
		Msg("activated")
	return c, nil
}

// ConvID is the KCP conversation id used for a session.
func ConvID(sessionID uint64) uint32 {
	return uint32(sessionID)
}

func newConn(sess *kcp.UDPSession, owned net.PacketConn) *Conn {
	c := &Conn{
		sess:    sess,
		owned:   owned,
		log:     observability.Component("kcpconn"),
		chunks:  make(chan []byte, chunkBuffer),
		closing: make(chan struct{}),
		ended:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *Conn) readPump() {
	defer close(c.ended)
	defer close(c.chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.sess.Read(buf)
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.log.Warn().Err(err).Msg("read pump stopped")
			}
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		select {
		case c.chunks <- chunk:
		case <-c.closing:
			return
		}
	}
}

// Chunks yields raw stream bytes in order. Chunk boundaries carry no meaning.
// The channel is closed on read error or Close.
func (c *Conn) Chunks() <-chan []byte {
	return c.chunks
}

// Done is closed once the read pump has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.ended
}

func (c *Conn) Conv() uint32 {
	return c.sess.GetConv()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.sess.RemoteAddr()
}

// Send writes raw stream bytes.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	select {
	case <-c.closing:
		return fmt.Errorf("%w: %w", ErrSend, ErrClosed)
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sess.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if _, err := c.sess.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// SendFrame frames payload and writes it in one call.
func (c *Conn) SendFrame(ctx context.Context, op frame.Opcode, payload []byte) error {
	return c.Send(ctx, frame.Encode(op, payload))
}

// Close tears down the KCP session and the socket it owns. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.sess.Close()
		if c.owned != nil {
			if cerr := c.owned.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
