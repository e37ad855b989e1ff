package websocket

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket/internal/atomicint"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("websocket: server closed")

// Options configures a Server.
type Options struct {
	// HandshakeTimeout bounds the opening handshake of each connection.
	// Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// IdleTimeout closes connections that send no frame for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// ReadLimit is the maximum payload size of a single frame.
	// Defaults to 32768 bytes.
	ReadLimit int64

	// MessageRate limits how many messages per second are read from
	// each connection, allowing bursts of MessageBurst.
	// Zero disables rate limiting.
	MessageRate  rate.Limit
	MessageBurst int

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Stats is a snapshot of a Server's counters.
type Stats struct {
	Active   int   `json:"active"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Messages int64 `json:"messages"`
}

// Server upgrades accepted sockets to WebSocket connections.
//
// Every socket is served on its own goroutine: the handshake is completed
// first and only upgraded connections are passed to OnConnection
// listeners. The server then reads from the connection until it closes,
// so listeners observe messages through Conn.OnData.
type Server struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*Conn]struct{}
	wg        sync.WaitGroup

	handlersMu    sync.Mutex
	connHandlers  []func(c *Conn)
	errorHandlers []func(err error)

	accepted atomicint.Int64
	rejected atomicint.Int64
	messages atomicint.Int64
}

// NewServer returns a Server configured by opts, which may be nil.
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}

	s := &Server{
		opts:      *opts,
		log:       zerolog.Nop(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*Conn]struct{}),
	}
	if s.opts.HandshakeTimeout <= 0 {
		s.opts.HandshakeTimeout = time.Second * 10
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// OnConnection registers fn to be called with every upgraded connection.
// fn runs on the connection's goroutine before any message is read.
func (s *Server) OnConnection(fn func(c *Conn)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.connHandlers = append(s.connHandlers, fn)
}

// OnError registers fn to be called when a socket fails the handshake.
func (s *Server) OnError(fn func(err error)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.errorHandlers = append(s.errorHandlers, fn)
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Errorf("failed to listen on %v: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts sockets from l until the server is shut down.
// It always returns a non nil error and closes l.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()

	s.log.Info().Str("addr", l.Addr().String()).Msg("serving websocket connections")

	var backoff time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if !temporaryAcceptError(err) {
				return xerrors.Errorf("failed to accept: %w", err)
			}

			backoff = nextBackoff(backoff)
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-s.ctx.Done():
				t.Stop()
				return ErrServerClosed
			}
			continue
		}
		backoff = 0

		go s.ServeSocket(NetSocket(nc))
	}
}

// temporaryAcceptError reports whether the accept loop should back off
// and retry after err. Running out of file descriptors or a connection
// aborted before it was accepted does not stop the server.
func temporaryAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EINTR)
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// ServeSocket serves a single accepted socket and returns once the
// connection is closed. The server takes ownership of sock.
func (s *Server) ServeSocket(sock Socket) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.accepted.Inc()

	c := NewConn(sock, &ConnOptions{
		ReadLimit: s.opts.ReadLimit,
		Logger:    &s.log,
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	err := c.Upgrade(ctx)
	cancel()
	if err != nil {
		s.rejected.Inc()
		c.close()
		s.log.Debug().Err(err).Msg("handshake failed")
		s.emitError(err)
		return
	}

	if !s.track(c) {
		c.Close(StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	c.OnData(func([]byte) {
		s.messages.Inc()
	})

	s.handlersMu.Lock()
	handlers := slices.Clone(s.connHandlers)
	s.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer c.close()

	var l *rate.Limiter
	if s.opts.MessageRate > 0 {
		burst := s.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(s.opts.MessageRate, burst)
	}

	for {
		if l != nil {
			err := l.Wait(s.ctx)
			if err != nil {
				return
			}
		}

		err := s.readMessage(c)
		if err != nil {
			if CloseStatus(err) == -1 && !errors.Is(err, ErrClosed) {
				s.log.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
	}
}

func (s *Server) readMessage(c *Conn) error {
	ctx := s.ctx
	if s.opts.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.IdleTimeout)
		defer cancel()
	}
	_, err := c.Read(ctx)
	return err
}

// Shutdown stops accepting sockets, closes every connection with
// StatusGoingAway and waits for their goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(StatusGoingAway, "server shutting down")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().
			Stringer("accepted", &s.accepted).
			Stringer("rejected", &s.rejected).
			Stringer("messages", &s.messages).
			Msg("server shut down")
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("failed to wait for connections: %w", ctx.Err())
	}
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Active:   active,
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Messages: s.messages.Load(),
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) emitError(err error) {
	s.handlersMu.Lock()
	fns := slices.Clone(s.errorHandlers)
	s.handlersMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
