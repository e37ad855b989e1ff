package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rawsocket/websocket/internal/test/assert"
	"github.com/rawsocket/websocket/internal/test/xrand"
)

// fakeSocket replays scripted reads and records writes.
type fakeSocket struct {
	mu       sync.Mutex
	reads    [][]byte
	readErr  error
	writes   bytes.Buffer
	writeErr error
	closed   int
}

func (s *fakeSocket) Receive(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reads) == 0 {
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, io.EOF
	}
	b := s.reads[0]
	if len(b) > max {
		s.reads[0] = b[max:]
		return b[:max], nil
	}
	s.reads = s.reads[1:]
	return b, nil
}

func (s *fakeSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.writes.Write(p)
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSocket) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.writes.Bytes()...)
}

func (s *fakeSocket) resetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes.Reset()
}

// events counts the notifications made by a Conn.
type events struct {
	mu     sync.Mutex
	data   [][]byte
	errs   []error
	closes int
}

func record(c *Conn) *events {
	ev := &events{}
	c.OnData(func(p []byte) {
		ev.mu.Lock()
		ev.data = append(ev.data, p)
		ev.mu.Unlock()
	})
	c.OnError(func(err error) {
		ev.mu.Lock()
		ev.errs = append(ev.errs, err)
		ev.mu.Unlock()
	})
	c.OnClose(func() {
		ev.mu.Lock()
		ev.closes++
		ev.mu.Unlock()
	})
	return ev
}

func (ev *events) counts() (data, errs, closes int) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return len(ev.data), len(ev.errs), ev.closes
}

func clientFrame(op Opcode, p []byte) []byte {
	return SealFrame(Frame{
		Fin:     true,
		Opcode:  op,
		Masked:  true,
		MaskKey: xrand.MaskKey(),
		Payload: p,
	})
}

// upgradedConn returns a Conn that completed the handshake and will
// then receive reads.
func upgradedConn(t *testing.T, reads ...[]byte) (*Conn, *fakeSocket, *events) {
	t.Helper()

	sock := &fakeSocket{
		reads: append([][]byte{[]byte(upgradeRequest("Sec-WebSocket-Key: " + sampleKey))}, reads...),
	}
	c := NewConn(sock, nil)
	ev := record(c)

	err := c.Upgrade(context.Background())
	assert.Success(t, err)
	sock.resetWrites()
	return c, sock, ev
}

func TestConnUpgrade(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		req := upgradeRequest("Upgrade: websocket", "Sec-WebSocket-Key: "+sampleKey)
		sock := &fakeSocket{
			reads: [][]byte{[]byte(req[:10]), []byte(req[10:30]), []byte(req[30:])},
		}
		c := NewConn(sock, nil)
		assert.Equal(t, "upgraded", false, c.Upgraded())

		err := c.Upgrade(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "upgraded", true, c.Upgraded())

		exp, err := HandshakeResponse(req)
		assert.Success(t, err)
		assert.Equal(t, "response", exp, string(sock.written()))

		err = c.Upgrade(context.Background())
		assert.Error(t, err)
	})

	t.Run("pipelinedFrame", func(t *testing.T) {
		t.Parallel()

		req := upgradeRequest("Sec-WebSocket-Key: " + sampleKey)
		sock := &fakeSocket{
			reads: [][]byte{append([]byte(req), clientFrame(OpText, []byte("early"))...)},
		}
		c := NewConn(sock, nil)

		err := c.Upgrade(context.Background())
		assert.Success(t, err)

		p, err := c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "payload", "early", string(p))
	})

	t.Run("missingKey", func(t *testing.T) {
		t.Parallel()

		sock := &fakeSocket{
			reads: [][]byte{[]byte(upgradeRequest("Upgrade: websocket"))},
		}
		c := NewConn(sock, nil)
		ev := record(c)

		err := c.Upgrade(context.Background())
		assert.ErrorIs(t, ErrMissingKey, err)
		assert.Equal(t, "upgraded", false, c.Upgraded())
		assert.Equal(t, "socket closes", 1, sock.closed)
		assert.Contains(t, string(sock.written()), "HTTP/1.1 400 Bad Request\r\n")

		_, errs, closes := ev.counts()
		assert.Equal(t, "error events", 1, errs)
		assert.Equal(t, "close events", 1, closes)

		_, err = c.Read(context.Background())
		assert.ErrorIs(t, ErrClosed, err)
	})

	t.Run("tooLarge", func(t *testing.T) {
		t.Parallel()

		sock := &fakeSocket{
			reads: [][]byte{[]byte("GET / HTTP/1.1\r\nX-Padding: " + strings.Repeat("a", maxHandshakeSize))},
		}
		c := NewConn(sock, nil)

		err := c.Upgrade(context.Background())
		assert.ErrorIs(t, ErrHandshakeTooLarge, err)
		assert.Equal(t, "socket closes", 1, sock.closed)
	})

	t.Run("tooLargeSingleRead", func(t *testing.T) {
		t.Parallel()

		// A complete request with a valid key that only fits in one
		// read because reads may be larger than the handshake limit.
		req := upgradeRequest(
			"Sec-WebSocket-Key: "+sampleKey,
			"X-Padding: "+strings.Repeat("a", maxHandshakeSize),
		)
		if len(req) <= maxHandshakeSize || len(req) > maxReadSize {
			t.Fatalf("request of %v bytes does not exercise the limit", len(req))
		}
		sock := &fakeSocket{
			reads: [][]byte{[]byte(req)},
		}
		c := NewConn(sock, nil)
		ev := record(c)

		err := c.Upgrade(context.Background())
		assert.ErrorIs(t, ErrHandshakeTooLarge, err)
		assert.Equal(t, "upgraded", false, c.Upgraded())
		assert.Equal(t, "socket closes", 1, sock.closed)
		assert.Contains(t, string(sock.written()), "HTTP/1.1 400 Bad Request\r\n")

		_, errs, _ := ev.counts()
		assert.Equal(t, "error events", 1, errs)
	})

	t.Run("exactLimit", func(t *testing.T) {
		t.Parallel()

		req := upgradeRequest("Sec-WebSocket-Key: " + sampleKey)
		pad := maxHandshakeSize - len(req) - len("X-Padding: \r\n")
		req = upgradeRequest("Sec-WebSocket-Key: "+sampleKey, "X-Padding: "+strings.Repeat("a", pad))
		assert.Equal(t, "request size", maxHandshakeSize, len(req))

		sock := &fakeSocket{
			reads: [][]byte{[]byte(req)},
		}
		c := NewConn(sock, nil)

		err := c.Upgrade(context.Background())
		assert.Success(t, err)
	})

	t.Run("readFailure", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("boom")
		sock := &fakeSocket{readErr: boom}
		c := NewConn(sock, nil)
		ev := record(c)

		err := c.Upgrade(context.Background())
		assert.ErrorIs(t, boom, err)
		assert.Equal(t, "upgraded", false, c.Upgraded())

		_, errs, _ := ev.counts()
		assert.Equal(t, "error events", 1, errs)
	})
}

func TestConnRead(t *testing.T) {
	t.Parallel()

	t.Run("notUpgraded", func(t *testing.T) {
		t.Parallel()

		c := NewConn(&fakeSocket{}, nil)
		_, err := c.Read(context.Background())
		assert.ErrorIs(t, ErrNotUpgraded, err)

		_, err = c.Write(context.Background(), []byte("hi"))
		assert.ErrorIs(t, ErrNotUpgraded, err)
	})

	t.Run("hello", func(t *testing.T) {
		t.Parallel()

		c, _, ev := upgradedConn(t, []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58})

		p, err := c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "payload", "Hello", string(p))

		ev.mu.Lock()
		assert.Equal(t, "data events", [][]byte{[]byte("Hello")}, ev.data)
		assert.Equal(t, "error events", 0, len(ev.errs))
		ev.mu.Unlock()
	})

	t.Run("socketFailure", func(t *testing.T) {
		t.Parallel()

		c, sock, ev := upgradedConn(t)
		boom := errors.New("boom")
		sock.mu.Lock()
		sock.readErr = boom
		sock.mu.Unlock()

		p, err := c.Read(context.Background())
		assert.ErrorIs(t, boom, err)
		assert.Equal(t, "payload", []byte(nil), p)

		data, errs, closes := ev.counts()
		assert.Equal(t, "data events", 0, data)
		assert.Equal(t, "error events", 1, errs)
		assert.Equal(t, "close events", 0, closes)
	})

	t.Run("splitAcrossReads", func(t *testing.T) {
		t.Parallel()

		msg := xrand.Bytes(300)
		b := clientFrame(OpText, msg)
		var reads [][]byte
		for i := range b {
			reads = append(reads, b[i:i+1])
		}
		c, _, _ := upgradedConn(t, reads...)

		p, err := c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "payload", msg, p)
	})

	t.Run("coalesced", func(t *testing.T) {
		t.Parallel()

		b := append(clientFrame(OpText, []byte("one")), clientFrame(OpText, []byte("two"))...)
		c, _, ev := upgradedConn(t, b)

		p, err := c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "first", "one", string(p))

		p, err = c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "second", "two", string(p))

		data, _, _ := ev.counts()
		assert.Equal(t, "data events", 2, data)
	})

	t.Run("largeMessages", func(t *testing.T) {
		t.Parallel()

		for _, tc := range boundaryLengths {
			msg := xrand.Bytes(tc.n)
			c, _, _ := upgradedConn(t, clientFrame(OpText, msg))
			c.SetReadLimit(1 << 20)

			p, err := c.Read(context.Background())
			assert.Success(t, err)
			assert.Equal(t, "payload", msg, p)
		}
	})

	t.Run("ping", func(t *testing.T) {
		t.Parallel()

		c, sock, ev := upgradedConn(t,
			clientFrame(OpPing, []byte("ping!")),
			clientFrame(OpPong, []byte("ignored")),
			clientFrame(OpText, []byte("after")),
		)

		p, err := c.Read(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "payload", "after", string(p))

		f, n, err := ParseFrame(sock.written())
		assert.Success(t, err)
		assert.Equal(t, "written", len(sock.written()), n)
		assert.Equal(t, "opcode", OpPong, f.Opcode)
		assert.Equal(t, "masked", false, f.Masked)
		assert.Equal(t, "payload", "ping!", string(f.Payload))

		data, _, _ := ev.counts()
		assert.Equal(t, "data events", 1, data)
	})

	t.Run("close", func(t *testing.T) {
		t.Parallel()

		c, sock, ev := upgradedConn(t, clientFrame(OpClose, []byte{0x03, 0xe8, 'b', 'y', 'e'}))

		_, err := c.Read(context.Background())
		assert.Equal(t, "close status", StatusNormalClosure, CloseStatus(err))

		var ce CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CloseError but got %v", err)
		}
		assert.Equal(t, "reason", "bye", ce.Reason)

		f, _, err := ParseFrame(sock.written())
		assert.Success(t, err)
		assert.Equal(t, "opcode", OpClose, f.Opcode)
		assert.Equal(t, "reply", []byte{0x03, 0xe8}, f.Payload)

		assert.Equal(t, "socket closes", 1, sock.closed)
		_, errs, closes := ev.counts()
		assert.Equal(t, "error events", 0, errs)
		assert.Equal(t, "close events", 1, closes)

		_, err = c.Read(context.Background())
		assert.ErrorIs(t, ErrClosed, err)
	})

	testCases := []struct {
		name  string
		frame []byte
		code  StatusCode
		err   error
	}{
		{
			name:  "unmasked",
			frame: Seal([]byte("Hello")),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "rsv",
			frame: SealFrame(Frame{Fin: true, RSV1: true, Opcode: OpText, Masked: true, Payload: []byte("x")}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "fragmented",
			frame: SealFrame(Frame{Fin: false, Opcode: OpText, Masked: true, Payload: []byte("x")}),
			code:  StatusUnsupportedData,
			err:   ErrProtocol,
		},
		{
			name:  "continuation",
			frame: SealFrame(Frame{Fin: true, Opcode: OpContinuation, Masked: true, Payload: []byte("x")}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "unknownOpcode",
			frame: SealFrame(Frame{Fin: true, Opcode: Opcode(5), Masked: true, Payload: []byte("x")}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "bigControl",
			frame: SealFrame(Frame{Fin: true, Opcode: OpPing, Masked: true, Payload: make([]byte, 126)}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "fragmentedControl",
			frame: SealFrame(Frame{Fin: false, Opcode: OpPing, Masked: true, Payload: []byte("x")}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "invalidCloseCode",
			frame: SealFrame(Frame{Fin: true, Opcode: OpClose, Masked: true, Payload: []byte{0x03, 0xed}}),
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "negativeLength",
			frame: []byte{0x81, 0xff, 0x80, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4},
			code:  StatusProtocolError,
			err:   ErrProtocol,
		},
		{
			name:  "tooBig",
			frame: clientFrame(OpText, make([]byte, defaultReadLimit+1)),
			code:  StatusMessageTooBig,
			err:   ErrMessageTooBig,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, sock, ev := upgradedConn(t, tc.frame)

			_, err := c.Read(context.Background())
			assert.ErrorIs(t, tc.err, err)

			f, _, err := ParseFrame(sock.written())
			assert.Success(t, err)
			assert.Equal(t, "opcode", OpClose, f.Opcode)
			ce, err := parseClosePayload(f.Payload)
			assert.Success(t, err)
			assert.Equal(t, "close code", tc.code, ce.Code)

			assert.Equal(t, "socket closes", 1, sock.closed)
			data, errs, closes := ev.counts()
			assert.Equal(t, "data events", 0, data)
			assert.Equal(t, "error events", 1, errs)
			assert.Equal(t, "close events", 1, closes)
		})
	}

	t.Run("contextDeadline", func(t *testing.T) {
		t.Parallel()

		server, client := net.Pipe()
		defer client.Close()

		c := NewConn(NetSocket(server), nil)
		c.state.Store(int32(stateUpgraded))
		defer c.close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()

		_, err := c.Read(ctx)
		assert.ErrorIs(t, context.DeadlineExceeded, err)
	})

	t.Run("contextCancel", func(t *testing.T) {
		t.Parallel()

		server, client := net.Pipe()
		defer client.Close()

		c := NewConn(NetSocket(server), nil)
		c.state.Store(int32(stateUpgraded))
		defer c.close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Millisecond * 20)
			cancel()
		}()

		_, err := c.Read(ctx)
		assert.ErrorIs(t, context.Canceled, err)
	})
}

func TestConnWrite(t *testing.T) {
	t.Parallel()

	t.Run("hi", func(t *testing.T) {
		t.Parallel()

		c, sock, _ := upgradedConn(t)

		n, err := c.Write(context.Background(), []byte("Hi"))
		assert.Success(t, err)
		assert.Equal(t, "n", 4, n)
		assert.Equal(t, "frame", []byte{0x81, 0x02, 'H', 'i'}, sock.written())
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		c, sock, ev := upgradedConn(t)
		boom := errors.New("boom")
		sock.mu.Lock()
		sock.writeErr = boom
		sock.mu.Unlock()

		n, err := c.Write(context.Background(), []byte("Hi"))
		assert.ErrorIs(t, boom, err)
		assert.Equal(t, "n", 0, n)

		_, errs, _ := ev.counts()
		assert.Equal(t, "error events", 1, errs)
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()

		c, _, ev := upgradedConn(t)

		err := c.Close(StatusNormalClosure, "")
		assert.Success(t, err)

		n, err := c.Write(context.Background(), []byte("Hi"))
		assert.ErrorIs(t, ErrClosed, err)
		assert.Equal(t, "n", 0, n)

		_, errs, _ := ev.counts()
		assert.Equal(t, "error events", 0, errs)
	})
}

func TestConnClose(t *testing.T) {
	t.Parallel()

	c, sock, ev := upgradedConn(t)

	err := c.Close(StatusGoingAway, "bye")
	assert.Success(t, err)

	f, _, err := ParseFrame(sock.written())
	assert.Success(t, err)
	assert.Equal(t, "opcode", OpClose, f.Opcode)
	ce, err := parseClosePayload(f.Payload)
	assert.Success(t, err)
	assert.Equal(t, "close", CloseError{Code: StatusGoingAway, Reason: "bye"}, ce)

	err = c.Close(StatusNormalClosure, "")
	assert.ErrorIs(t, ErrClosed, err)

	select {
	case <-c.Closed():
	default:
		t.Fatal("expected Closed channel to be closed")
	}

	assert.Equal(t, "socket closes", 1, sock.closed)
	_, _, closes := ev.counts()
	assert.Equal(t, "close events", 1, closes)

	t.Run("invalidCode", func(t *testing.T) {
		t.Parallel()

		c, sock, _ := upgradedConn(t)

		err := c.Close(StatusNoStatusRcvd+1000, "")
		assert.Error(t, err)
		assert.Equal(t, "socket closes", 1, sock.closed)
	})
}

func TestConnListeners(t *testing.T) {
	t.Parallel()

	c, _, _ := upgradedConn(t, clientFrame(OpText, []byte("one")), clientFrame(OpText, []byte("two")))

	// Listeners run without the listener lock held, so registering from
	// inside one must not deadlock and only affects later messages.
	var got []string
	c.OnData(func(p []byte) {
		got = append(got, "outer:"+string(p))
		c.OnData(func(p []byte) {
			got = append(got, "inner:"+string(p))
		})
	})

	_, err := c.Read(context.Background())
	assert.Success(t, err)
	assert.Equal(t, "notifications", []string{"outer:one"}, got)

	_, err = c.Read(context.Background())
	assert.Success(t, err)
	assert.Equal(t, "notifications", []string{"outer:one", "outer:two", "inner:two"}, got)
}
