package websocket

import (
	"io"
	"net"
	"time"
)

// Socket is the byte stream a Conn runs over.
//
// Receive returns at most max bytes of whatever data is available.
// The returned slice is only valid until the next call to Receive.
// Send writes p and reports how many bytes were written.
type Socket interface {
	Receive(max int) ([]byte, error)
	Send(p []byte) (int, error)
	Close() error
}

// Sockets that also implement these have their blocking calls
// bounded by the context passed to Conn's methods.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type remoteAddrer interface {
	RemoteAddr() net.Addr
}

// NetSocket adapts nc to a Socket.
// Context deadlines and cancellation are applied through nc's
// read and write deadlines.
func NetSocket(nc net.Conn) Socket {
	return &netSocket{Conn: nc}
}

// maxEmptyReads bounds how many reads returning neither data nor an
// error are retried before Receive gives up with io.ErrNoProgress.
const maxEmptyReads = 100

type netSocket struct {
	net.Conn

	// buf is reused by every Receive.
	buf []byte
}

var _ readDeadliner = &netSocket{}

func (s *netSocket) Receive(max int) ([]byte, error) {
	if cap(s.buf) < max {
		s.buf = make([]byte, max)
	}
	b := s.buf[:max]

	for i := 0; i < maxEmptyReads; i++ {
		n, err := s.Read(b)
		if n > 0 {
			// Any error will be returned again by the next Read.
			return b[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, io.ErrNoProgress
}

func (s *netSocket) Send(p []byte) (int, error) {
	return s.Write(p)
}
