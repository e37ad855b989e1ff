package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/xerrors"
)

// Opcode represents a WebSocket opcode.
// See https://tools.ietf.org/html/rfc6455#section-11.8.
type Opcode int

// Opcode constants.
const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	OpClose
	OpPing
	OpPong
	// 11-16 are reserved for further control frames.
)

func (o Opcode) control() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
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
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

var (
	// ErrMalformedFrame is returned when a frame's header does not describe
	// the bytes it was decoded from.
	ErrMalformedFrame = errors.New("websocket: malformed frame")

	// ErrIncompleteFrame is returned by ParseFrame when the buffer holds
	// only a prefix of a frame. It matches ErrMalformedFrame with errors.Is.
	ErrIncompleteFrame error = incompleteFrameError{}
)

type incompleteFrameError struct{}

func (incompleteFrameError) Error() string { return "websocket: incomplete frame" }

func (incompleteFrameError) Is(target error) bool { return target == ErrMalformedFrame }

// Frame is a single WebSocket frame.
// The payload length is len(Payload). MaskKey is only meaningful when Masked is set.
type Frame struct {
	Fin     bool
	RSV1    bool
	RSV2    bool
	RSV3    bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// First byte contains fin, rsv1, rsv2, rsv3 and the opcode.
// Second byte contains mask flag and payload len.
// Next 8 bytes are the maximum extended payload length.
// Last 4 bytes are the mask key.
// https://tools.ietf.org/html/rfc6455#section-5.2
const maxHeaderSize = 1 + 1 + 8 + 4

// header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type header struct {
	fin    bool
	rsv1   bool
	rsv2   bool
	rsv3   bool
	opcode Opcode

	payloadLength int64

	masked  bool
	maskKey [4]byte
}

// bytes appends the encoded header to b.
func (h header) bytes(b []byte) []byte {
	var b0 byte
	if h.fin {
		b0 |= 1 << 7
	}
	if h.rsv1 {
		b0 |= 1 << 6
	}
	if h.rsv2 {
		b0 |= 1 << 5
	}
	if h.rsv3 {
		b0 |= 1 << 4
	}
	b0 |= byte(h.opcode) & 0xf

	var b1 byte
	if h.masked {
		b1 |= 1 << 7
	}

	switch {
	case h.payloadLength < 0:
		panic(fmt.Sprintf("websocket: invalid header: negative length: %v", h.payloadLength))
	case h.payloadLength <= 125:
		b = append(b, b0, b1|byte(h.payloadLength))
	case h.payloadLength <= math.MaxUint16:
		b = append(b, b0, b1|126)
		b = binary.BigEndian.AppendUint16(b, uint16(h.payloadLength))
	default:
		b = append(b, b0, b1|127)
		b = binary.BigEndian.AppendUint64(b, uint64(h.payloadLength))
	}

	if h.masked {
		b = append(b, h.maskKey[:]...)
	}
	return b
}

// parseHeader decodes the header at the start of b and returns it together
// with its encoded size.
func parseHeader(b []byte) (header, int, error) {
	if len(b) < 2 {
		return header{}, 0, ErrIncompleteFrame
	}

	var h header
	h.fin = b[0]&(1<<7) != 0
	h.rsv1 = b[0]&(1<<6) != 0
	h.rsv2 = b[0]&(1<<5) != 0
	h.rsv3 = b[0]&(1<<4) != 0
	h.opcode = Opcode(b[0] & 0xf)

	h.masked = b[1]&(1<<7) != 0
	payloadLength := b[1] &^ (1 << 7)

	n := 2
	switch {
	case payloadLength < 126:
		h.payloadLength = int64(payloadLength)
	case payloadLength == 126:
		if len(b) < n+2 {
			return header{}, 0, ErrIncompleteFrame
		}
		h.payloadLength = int64(binary.BigEndian.Uint16(b[n:]))
		n += 2
	default:
		if len(b) < n+8 {
			return header{}, 0, ErrIncompleteFrame
		}
		l := binary.BigEndian.Uint64(b[n:])
		if l > math.MaxInt64 {
			return header{}, 0, xerrors.Errorf("%w: 64 bit payload length has the most significant bit set", ErrMalformedFrame)
		}
		h.payloadLength = int64(l)
		n += 8
	}

	if h.masked {
		if len(b) < n+4 {
			return header{}, 0, ErrIncompleteFrame
		}
		copy(h.maskKey[:], b[n:])
		n += 4
	}

	return h, n, nil
}

// ParseFrame decodes the first frame in b and returns it along with
// the number of bytes of b it occupied. The returned payload is a copy
// of the frame's payload with the mask already removed.
//
// If b holds only part of a frame, ErrIncompleteFrame is returned.
func ParseFrame(b []byte) (Frame, int, error) {
	h, n, err := parseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}

	if h.payloadLength > int64(len(b)-n) {
		return Frame{}, 0, ErrIncompleteFrame
	}
	end := n + int(h.payloadLength)

	f := Frame{
		Fin:     h.fin,
		RSV1:    h.rsv1,
		RSV2:    h.rsv2,
		RSV3:    h.rsv3,
		Opcode:  h.opcode,
		Masked:  h.masked,
		MaskKey: h.maskKey,
		Payload: make([]byte, h.payloadLength),
	}
	copy(f.Payload, b[n:end])
	if f.Masked {
		mask(f.MaskKey, 0, f.Payload)
	}
	return f, end, nil
}

// Unseal decodes b as exactly one frame and returns its unmasked payload.
// The mask bit is honored: an unmasked frame's payload is returned as is.
//
// A declared payload length that disagrees with len(b) yields an error
// matching ErrMalformedFrame.
func Unseal(b []byte) ([]byte, error) {
	f, n, err := ParseFrame(b)
	if err != nil {
		if errors.Is(err, ErrIncompleteFrame) {
			return nil, xerrors.Errorf("%w: frame truncated at %v bytes", ErrMalformedFrame, len(b))
		}
		return nil, err
	}
	if n != len(b) {
		return nil, xerrors.Errorf("%w: %v trailing bytes after payload", ErrMalformedFrame, len(b)-n)
	}
	return f.Payload, nil
}

// Seal encodes p as a single unmasked text frame, the form a server
// sends to its clients.
func Seal(p []byte) []byte {
	return SealFrame(Frame{
		Fin:     true,
		Opcode:  OpText,
		Payload: p,
	})
}

// SealFrame encodes f. When f.Masked is set the payload is masked with
// f.MaskKey in the returned buffer; f.Payload itself is left untouched.
func SealFrame(f Frame) []byte {
	return appendFrame(make([]byte, 0, maxHeaderSize+len(f.Payload)), f)
}

func (f Frame) header() header {
	return header{
		fin:           f.Fin,
		rsv1:          f.RSV1,
		rsv2:          f.RSV2,
		rsv3:          f.RSV3,
		opcode:        f.Opcode,
		payloadLength: int64(len(f.Payload)),
		masked:        f.Masked,
		maskKey:       f.MaskKey,
	}
}

func appendFrame(b []byte, f Frame) []byte {
	b = f.header().bytes(b)

	start := len(b)
	b = append(b, f.Payload...)
	if f.Masked {
		mask(f.MaskKey, 0, b[start:])
	}
	return b
}
