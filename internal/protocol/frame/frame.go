package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode tags one frame on the low-latency stream.
type Opcode uint8

const (
	OpContinuation Opcode = 0
	OpText         Opcode = 1
	OpBinary       Opcode = 2
	OpClose        Opcode = 3
	OpPing         Opcode = 4
	OpPong         Opcode = 5
)

const (
	ShortHeaderLen = 4
	LongHeaderLen  = 5

	shortFlag = 0x80
	maxOpcode = byte(OpPong)
)

var (
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrUnknownOpcode   = errors.New("frame: unknown opcode")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// Frame is one complete (opcode, payload) unit.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Limits constrains parser memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

// Encode emits the short header when the payload fits in 16 bits and the long
// header otherwise.
//
//	short: [0x80|op, 0x00, len_lo, len_hi]
//	long:  [op, len u32 LE]
func Encode(op Opcode, payload []byte) []byte {
	if len(payload) <= 0xFFFF {
		buf := make([]byte, ShortHeaderLen, ShortHeaderLen+len(payload))
		buf[0] = shortFlag | byte(op)
		buf[1] = 0x00
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
		return append(buf, payload...)
	}
	buf := make([]byte, LongHeaderLen, LongHeaderLen+len(payload))
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	return append(buf, payload...)
}

// Parser reconstitutes frames from a byte stream that does not preserve
// message boundaries. It buffers partial frames between calls and is not safe
// for concurrent use.
type Parser struct {
	limits Limits
	buf    []byte
}

func NewParser(limits Limits) *Parser {
	if limits.MaxPayloadBytes == 0 {
		limits = DefaultLimits()
	}
	return &Parser{limits: limits}
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Parse feeds one chunk and returns every frame it completes. On a header
// error the frames completed earlier in the same call are still returned, the
// rest of the buffer is dropped and parsing resumes with the next chunk.
func (p *Parser) Parse(chunk []byte) ([]Frame, error) {
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	off := 0
	for off < len(p.buf) {
		op, hdrLen, payloadLen, ok, err := p.header(p.buf[off:])
		if err != nil {
			p.buf = p.buf[:0]
			return frames, err
		}
		if !ok {
			break
		}
		end := off + hdrLen + int(payloadLen)
		if end > len(p.buf) {
			break
		}
		payload := make([]byte, payloadLen)
		copy(payload, p.buf[off+hdrLen:end])
		frames = append(frames, Frame{Opcode: op, Payload: payload})
		off = end
	}

	if off > 0 {
		n := copy(p.buf, p.buf[off:])
		p.buf = p.buf[:n]
	}
	return frames, nil
}

// header decodes the header at the start of b. ok is false when more bytes
// are needed.
func (p *Parser) header(b []byte) (Opcode, int, uint32, bool, error) {
	first := b[0]
	if first&shortFlag != 0 {
		op := first &^ shortFlag
		if op > maxOpcode {
			return 0, 0, 0, false, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, first)
		}
		if len(b) >= 2 && b[1] != 0x00 {
			return 0, 0, 0, false, fmt.Errorf("%w: reserved byte 0x%02x", ErrMalformedHeader, b[1])
		}
		if len(b) < ShortHeaderLen {
			return 0, 0, 0, false, nil
		}
		n := uint32(binary.LittleEndian.Uint16(b[2:4]))
		if n > p.limits.MaxPayloadBytes {
			return 0, 0, 0, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
		}
		return Opcode(op), ShortHeaderLen, n, true, nil
	}

	if first > maxOpcode {
		return 0, 0, 0, false, fmt.Errorf("%w: first byte 0x%02x", ErrMalformedHeader, first)
	}
	if len(b) < LongHeaderLen {
		return 0, 0, 0, false, nil
	}
	n := binary.LittleEndian.Uint32(b[1:5])
	if n > p.limits.MaxPayloadBytes {
		return 0, 0, 0, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return Opcode(first), LongHeaderLen, n, true, nil
}
