package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket/internal/bufpool"
	"github.com/rawsocket/websocket/internal/errd"
)

const (
	// maxReadSize bounds the bytes requested from the socket per read.
	maxReadSize = 32 << 10

	// maxHandshakeSize bounds the size of the HTTP upgrade request.
	maxHandshakeSize = 16 << 10

	defaultReadLimit = 32768
)

var (
	// ErrNotUpgraded is returned by Read and Write before Upgrade succeeds.
	ErrNotUpgraded = errors.New("websocket: connection not upgraded")

	// ErrClosed is returned by methods of a closed Conn.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrProtocol is wrapped by errors caused by a peer violating RFC 6455.
	ErrProtocol = errors.New("websocket: protocol violation")

	// ErrMessageTooBig is returned when a frame exceeds the read limit.
	ErrMessageTooBig = errors.New("websocket: message too big")

	// ErrHandshakeTooLarge is returned when the upgrade request does not
	// fit in the handshake buffer.
	ErrHandshakeTooLarge = errors.New("websocket: handshake request too large")
)

type connState int32

const (
	stateUnupgraded connState = iota
	stateUpgraded
	stateClosed
)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// ReadLimit is the maximum payload size of a single frame.
	// Defaults to 32768 bytes.
	ReadLimit int64

	// Logger receives connection lifecycle logs.
	// Defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Conn represents a server side WebSocket connection over a Socket.
//
// A Conn starts unupgraded. Upgrade performs the opening handshake, after
// which Read and Write exchange single frame text messages. Once closed
// a Conn cannot be reused.
//
// Read and Write may be called concurrently with each other but Read
// must not be called concurrently with itself.
type Conn struct {
	sock Socket
	log  zerolog.Logger

	state     atomic.Int32
	readLimit atomic.Int64

	readMu sync.Mutex
	rbuf   []byte

	writeMu sync.Mutex
	hbuf    [maxHeaderSize]byte

	listenersMu    sync.Mutex
	dataListeners  []func(p []byte)
	errorListeners []func(err error)
	closeListeners []func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn returns an unupgraded Conn that owns sock.
func NewConn(sock Socket, opts *ConnOptions) *Conn {
	if opts == nil {
		opts = &ConnOptions{}
	}

	c := &Conn{
		sock:   sock,
		log:    zerolog.Nop(),
		closed: make(chan struct{}),
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	}
	if ra, ok := sock.(remoteAddrer); ok && ra.RemoteAddr() != nil {
		c.log = c.log.With().Str("remote", ra.RemoteAddr().String()).Logger()
	}

	c.readLimit.Store(defaultReadLimit)
	if opts.ReadLimit > 0 {
		c.readLimit.Store(opts.ReadLimit)
	}
	return c
}

// SetReadLimit sets the max number of payload bytes to read for a single frame.
//
// When the limit is hit, the connection will be closed with StatusMessageTooBig.
func (c *Conn) SetReadLimit(n int64) {
	c.readLimit.Store(n)
}

// Upgraded reports whether the opening handshake completed and the
// connection is not yet closed.
func (c *Conn) Upgraded() bool {
	return c.loadState() == stateUpgraded
}

// Closed returns a channel that is closed once the connection is closed.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address if the socket exposes one.
func (c *Conn) RemoteAddr() net.Addr {
	if ra, ok := c.sock.(remoteAddrer); ok {
		return ra.RemoteAddr()
	}
	return nil
}

// OnData registers fn to be called with the payload of every message
// returned by Read, before Read returns.
func (c *Conn) OnData(fn func(p []byte)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.dataListeners = append(c.dataListeners, fn)
}

// OnError registers fn to be called whenever a Conn method fails
// because of the socket or the peer.
func (c *Conn) OnError(fn func(err error)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.errorListeners = append(c.errorListeners, fn)
}

// OnClose registers fn to be called once when the connection closes.
func (c *Conn) OnClose(fn func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.closeListeners = append(c.closeListeners, fn)
}

// Upgrade reads the HTTP upgrade request from the socket and answers it
// with the handshake response.
//
// If the request cannot be answered, a 400 response is written and the
// connection is closed. The returned error then matches ErrMissingKey
// or ErrHandshakeTooLarge.
func (c *Conn) Upgrade(ctx context.Context) (err error) {
	defer errd.Wrap(&err, "failed to upgrade")

	c.readMu.Lock()
	defer c.readMu.Unlock()

	switch c.loadState() {
	case stateUpgraded:
		return errors.New("connection already upgraded")
	case stateClosed:
		return ErrClosed
	}

	var req []byte
	for {
		if len(req) >= maxHandshakeSize {
			return c.reject(ctx, ErrHandshakeTooLarge)
		}

		// Reads never go past maxHandshakeSize so an oversized request
		// is rejected however it is split across reads.
		b, err := c.receive(ctx, maxHandshakeSize-len(req))
		if err != nil {
			return c.fail(xerrors.Errorf("failed to read handshake request: %w", err))
		}
		req = append(req, b...)

		i := bytes.Index(req, []byte(headerTerminator))
		if i >= 0 {
			// The client may pipeline its first frame behind the request.
			c.rbuf = append(c.rbuf[:0], req[i+len(headerTerminator):]...)
			req = req[:i+len(headerTerminator)]
			break
		}
	}

	resp, err := HandshakeResponse(string(req))
	if err != nil {
		return c.reject(ctx, err)
	}

	_, err = c.send(ctx, []byte(resp))
	if err != nil {
		return c.fail(xerrors.Errorf("failed to write handshake response: %w", err))
	}

	c.state.CompareAndSwap(int32(stateUnupgraded), int32(stateUpgraded))
	c.log.Debug().Msg("websocket upgraded")
	return nil
}

// reject answers a handshake that cannot be completed and closes the connection.
func (c *Conn) reject(ctx context.Context, err error) error {
	c.send(ctx, []byte(badRequestResponse(err)))
	c.emitError(err)
	c.close()
	c.log.Debug().Err(err).Msg("websocket handshake rejected")
	return err
}

// Read reads the next message from the connection and returns its payload.
// Every OnData listener is called with the payload before Read returns.
//
// Ping frames are answered and pong frames skipped while waiting for a
// message. A close frame from the peer is echoed, the connection is
// closed and a CloseError is returned.
//
// On failure a single OnError notification is made and no payload is returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	switch c.loadState() {
	case stateUnupgraded:
		return nil, ErrNotUpgraded
	case stateClosed:
		return nil, ErrClosed
	}

	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return nil, err
		}

		switch f.Opcode {
		case OpText, OpBinary:
			if !f.Fin {
				return nil, c.failConn(StatusUnsupportedData, xerrors.Errorf("%w: fragmented messages are not supported", ErrProtocol))
			}
			c.emitData(f.Payload)
			return f.Payload, nil
		case OpPing:
			_, err = c.writeFrame(ctx, Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
			if err != nil {
				return nil, c.fail(xerrors.Errorf("failed to write pong: %w", err))
			}
		case OpPong:
		case OpClose:
			return nil, c.handleClose(ctx, f.Payload)
		case OpContinuation:
			return nil, c.failConn(StatusProtocolError, xerrors.Errorf("%w: received continuation frame without text or binary frame", ErrProtocol))
		default:
			return nil, c.failConn(StatusProtocolError, xerrors.Errorf("%w: received unknown opcode %v", ErrProtocol, f.Opcode))
		}
	}
}

// readFrame returns the next complete frame, reading from the socket
// as many times as needed.
func (c *Conn) readFrame(ctx context.Context) (Frame, error) {
	for {
		h, _, err := parseHeader(c.rbuf)
		if err == nil {
			if limit := c.readLimit.Load(); h.payloadLength > limit {
				return Frame{}, c.failConn(StatusMessageTooBig, xerrors.Errorf("%w: read limited at %v bytes", ErrMessageTooBig, limit))
			}

			var f Frame
			var n int
			f, n, err = ParseFrame(c.rbuf)
			if err == nil {
				c.rbuf = append(c.rbuf[:0], c.rbuf[n:]...)
				return f, c.verifyFrame(f)
			}
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return Frame{}, c.failConn(StatusProtocolError, xerrors.Errorf("%w: %v", ErrProtocol, err))
		}

		b, err := c.receive(ctx, maxReadSize)
		if err != nil {
			return Frame{}, c.fail(xerrors.Errorf("failed to read frame: %w", err))
		}
		c.rbuf = append(c.rbuf, b...)
	}
}

func (c *Conn) verifyFrame(f Frame) error {
	if f.RSV1 || f.RSV2 || f.RSV3 {
		return c.failConn(StatusProtocolError, xerrors.Errorf("%w: received header with unexpected rsv bits set: %v:%v:%v", ErrProtocol, f.RSV1, f.RSV2, f.RSV3))
	}
	if !f.Masked {
		return c.failConn(StatusProtocolError, xerrors.Errorf("%w: received unmasked frame from client", ErrProtocol))
	}
	if f.Opcode.control() {
		if len(f.Payload) > maxControlPayload {
			return c.failConn(StatusProtocolError, xerrors.Errorf("%w: received control frame payload with invalid length: %d", ErrProtocol, len(f.Payload)))
		}
		if !f.Fin {
			return c.failConn(StatusProtocolError, xerrors.Errorf("%w: received fragmented control frame", ErrProtocol))
		}
	}
	return nil
}

func (c *Conn) handleClose(ctx context.Context, p []byte) error {
	ce, err := parseClosePayload(p)
	if err != nil {
		return c.failConn(StatusProtocolError, xerrors.Errorf("%w: received invalid close payload: %v", ErrProtocol, err))
	}

	reply, _ := CloseError{Code: ce.Code}.bytes()
	c.writeFrame(ctx, Frame{Fin: true, Opcode: OpClose, Payload: reply})
	c.close()

	c.log.Debug().Int("code", int(ce.Code)).Str("reason", ce.Reason).Msg("received close frame")
	return xerrors.Errorf("received close frame: %w", ce)
}

// Write sends p as a single text frame and returns the number of bytes
// written to the socket.
//
// On failure a single OnError notification is made and 0 is returned.
func (c *Conn) Write(ctx context.Context, p []byte) (int, error) {
	switch c.loadState() {
	case stateUnupgraded:
		return 0, ErrNotUpgraded
	case stateClosed:
		return 0, ErrClosed
	}

	n, err := c.writeFrame(ctx, Frame{Fin: true, Opcode: OpText, Payload: p})
	if err != nil {
		return 0, c.fail(xerrors.Errorf("failed to write message: %w", err))
	}
	return n, nil
}

func (c *Conn) writeFrame(ctx context.Context, f Frame) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	b := bufpool.Get(maxHeaderSize + len(f.Payload))
	defer bufpool.Put(b)

	b.Write(f.header().bytes(c.hbuf[:0]))
	b.Write(f.Payload)

	return c.send(ctx, b.Bytes())
}

// Close sends a close frame with the given code and reason and then
// closes the socket. Failing to send the close frame does not prevent
// the socket from being closed.
func (c *Conn) Close(code StatusCode, reason string) (err error) {
	defer errd.Wrap(&err, "failed to close WebSocket")

	if c.loadState() == stateClosed {
		return ErrClosed
	}

	if c.loadState() == stateUpgraded {
		var p []byte
		p, err = CloseError{Code: code, Reason: reason}.bytes()
		if err != nil {
			c.close()
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		c.writeFrame(ctx, Frame{Fin: true, Opcode: OpClose, Payload: p})
	}

	return c.close()
}

// close closes the socket without a closing handshake.
func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.closed)
		err = c.sock.Close()

		c.log.Debug().Msg("websocket closed")
		c.emitClose()
	})
	return err
}

// failConn notifies err, sends a close frame with code and closes the connection.
func (c *Conn) failConn(code StatusCode, err error) error {
	c.emitError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	p, _ := CloseError{Code: code}.bytes()
	c.writeFrame(ctx, Frame{Fin: true, Opcode: OpClose, Payload: p})
	c.close()
	return err
}

// fail notifies err unless it was caused by the connection being closed.
func (c *Conn) fail(err error) error {
	if c.loadState() == stateClosed {
		return xerrors.Errorf("%w: %v", ErrClosed, err)
	}
	c.emitError(err)
	return err
}

func (c *Conn) receive(ctx context.Context, max int) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	if d, ok := c.sock.(readDeadliner); ok {
		defer watchDeadline(ctx, d.SetReadDeadline)()
	}

	b, err := c.sock.Receive(max)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return b, nil
}

func (c *Conn) send(ctx context.Context, p []byte) (int, error) {
	err := ctx.Err()
	if err != nil {
		return 0, err
	}

	if d, ok := c.sock.(writeDeadliner); ok {
		defer watchDeadline(ctx, d.SetWriteDeadline)()
	}

	n, err := c.sock.Send(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, err
	}
	return n, nil
}

// watchDeadline clears the deadline and moves it to now once ctx is done,
// so a socket call interrupted by ctx reports ctx.Err().
//
// The returned stop must be called when the socket call returns. If ctx
// fired concurrently, stop waits for the deadline to be moved and then
// clears it so that it cannot leak into the next call.
func watchDeadline(ctx context.Context, setDeadline func(time.Time) error) (stop func()) {
	setDeadline(time.Time{})

	fired := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		defer close(fired)
		setDeadline(time.Now())
	})
	return func() {
		if !stopAfter() {
			<-fired
			setDeadline(time.Time{})
		}
	}
}

func (c *Conn) loadState() connState {
	return connState(c.state.Load())
}

func (c *Conn) emitData(p []byte) {
	c.listenersMu.Lock()
	fns := slices.Clone(c.dataListeners)
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (c *Conn) emitError(err error) {
	c.listenersMu.Lock()
	fns := slices.Clone(c.errorListeners)
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (c *Conn) emitClose() {
	c.listenersMu.Lock()
	fns := slices.Clone(c.closeListeners)
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
