package modbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// defaultIdleTimeout bounds how long a connection may sit with no
	// request in flight before it is closed, mirroring the teacher's single
	// defaultTimeout but split in two per §4.7's IdleTimeout/
	// RequestCompleteTimeout distinction.
	defaultIdleTimeout = 75 * time.Second

	// defaultRequestCompleteTimeout bounds each step of a request after its
	// MBAP header is read: PDU body receipt, the backend call's context, and
	// response transmission each get a window of this length of their own.
	defaultRequestCompleteTimeout = 5 * time.Second
)

// serverOptions collects the configuration built up by ServerOption values.
type serverOptions struct {
	addresses              []string
	backend                Backend
	logger                 Logger
	idleTimeout            time.Duration
	requestCompleteTimeout time.Duration
}

// ServerOption configures a Server created by NewServer.
type ServerOption func(*serverOptions)

// WithListenAddress adds a local TCP address for the server to listen on.
// It may be given more than once to listen on several addresses. If never
// given, the server listens on ":" + ServerDefaultPort.
func WithListenAddress(addr string) ServerOption {
	return func(opt *serverOptions) {
		opt.addresses = append(opt.addresses, addr)
	}
}

// WithServerBackend sets the Backend the server dispatches requests to. If
// not given, the server uses a bare BaseBackend, which answers every
// request with illegal_function.
func WithServerBackend(b Backend) ServerOption {
	return func(opt *serverOptions) {
		opt.backend = b
	}
}

// WithServerLogger sets the Logger used by the server. Defaults to the
// package-wide logger returned by GetLogger.
func WithServerLogger(l Logger) ServerOption {
	return func(opt *serverOptions) {
		opt.logger = l
	}
}

// WithIdleTimeout sets how long a connection may remain open with no
// request arriving before it is closed.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(opt *serverOptions) {
		opt.idleTimeout = d
	}
}

// WithRequestCompleteTimeout sets the window the server allows, after a
// request's header is read, for each of: receiving the PDU body, the
// backend call (via its context), and writing the response.
func WithRequestCompleteTimeout(d time.Duration) ServerOption {
	return func(opt *serverOptions) {
		opt.requestCompleteTimeout = d
	}
}

// clientConn is the dispatcher's bookkeeping for one accepted connection.
// Only the dispatcher goroutine reads or writes the clients map that holds
// these; the reader and writer goroutines below touch only their own half
// of conn and writeCh.
type clientConn struct {
	id      ClientID
	conn    net.Conn
	remote  net.Addr
	writeCh chan []byte
}

// evConnect, evRequest and evDone are the events fed into the dispatcher's
// single event channel, replacing the original implementation's
// eventfd-signalled command queue (see SPEC_FULL.md §4.7).
type evConnect struct {
	conn net.Conn
	id   ClientID
}

type evRequest struct {
	id     ClientID
	header MBAPHeader
	pdu    []byte
}

type evDone struct {
	id ClientID
}

type commandKind int

const commandClose commandKind = 1

type command struct {
	kind commandKind
	id   ClientID
}

// Server is a Modbus/TCP server: it accepts connections on one or more
// listen addresses and dispatches requests arriving on them to a Backend.
// All Backend methods, and all mutation of per-connection state, happen on
// a single dispatcher goroutine (see SPEC_FULL.md §4.7); Server's exported
// methods are safe to call from any goroutine.
type Server struct {
	opts serverOptions

	seq uint32 // atomic, next client sequence number

	events   chan any
	commands chan command

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	listenersMu sync.Mutex
	listeners   []net.Listener
}

// NewServer creates a Server. The server does not listen on any socket
// until Run is called.
func NewServer(opts ...ServerOption) *Server {
	o := serverOptions{
		backend:                BaseBackend{},
		logger:                 GetLogger(),
		idleTimeout:            defaultIdleTimeout,
		requestCompleteTimeout: defaultRequestCompleteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.addresses) == 0 {
		o.addresses = []string{":" + ServerDefaultPort}
	}
	return &Server{
		opts:       o,
		events:     make(chan any, 64),
		commands:   make(chan command, 8),
		shutdownCh: make(chan struct{}),
	}
}

// Backend returns the Backend this server was configured with.
func (s *Server) Backend() Backend {
	return s.opts.backend
}

// Run listens on the server's configured addresses and serves requests
// until ctx is canceled or Shutdown is called, whichever happens first. It
// returns the first fatal listener error, or nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, addr := range s.opts.addresses {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return wrapErrno(KindPassiveOpenError, fmt.Sprintf("listen on %s", addr), err)
		}
		s.listenersMu.Lock()
		s.listeners = append(s.listeners, ln)
		s.listenersMu.Unlock()
		s.opts.logger.Info("listening on %s", ln.Addr())

		g.Go(func() error { return s.acceptLoop(ln) })
	}

	g.Go(func() error { return s.dispatch(gctx) })

	go func() {
		select {
		case <-gctx.Done():
			s.Shutdown()
		case <-s.shutdownCh:
		}
	}()

	return g.Wait()
}

// Shutdown stops the server: it closes all listeners and all client
// connections, and causes Run to return. It is safe to call more than
// once and from any goroutine.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.listenersMu.Lock()
		for _, ln := range s.listeners {
			ln.Close()
		}
		s.listenersMu.Unlock()
	})
}

// CloseClientConnection closes the connection identified by id, if it is
// still open. Closing an id that is unknown (already disconnected, or
// never valid) is a silent no-op.
func (s *Server) CloseClientConnection(id ClientID) {
	select {
	case s.commands <- command{kind: commandClose, id: id}:
	case <-s.shutdownCh:
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return nil
			default:
				return wrapErrno(KindPassiveOpenError, "accept", err)
			}
		}
		seq := atomic.AddUint32(&s.seq, 1)
		id := newClientID(seq, conn.RemoteAddr())
		select {
		case s.events <- evConnect{conn: conn, id: id}:
		case <-s.shutdownCh:
			conn.Close()
			return nil
		}
	}
}

// dispatch is the server's event loop: the single goroutine that owns
// client state and calls into the Backend, per SPEC_FULL.md §4.7.
func (s *Server) dispatch(ctx context.Context) error {
	clients := make(map[ClientID]*clientConn)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	closeClient := func(id ClientID) {
		c, ok := clients[id]
		if !ok {
			return
		}
		delete(clients, id)
		c.conn.Close()
		close(c.writeCh)
		s.opts.backend.Disconnect(id)
	}

	for {
		select {
		case <-s.shutdownCh:
			for id := range clients {
				closeClient(id)
			}
			return nil

		case cmd := <-s.commands:
			switch cmd.kind {
			case commandClose:
				closeClient(cmd.id)
			}

		case ev := <-s.events:
			switch e := ev.(type) {
			case evConnect:
				if !s.opts.backend.Authorize(e.id, e.conn.RemoteAddr()) {
					s.opts.logger.Auth("rejected connection from %s", e.conn.RemoteAddr())
					e.conn.Close()
					continue
				}
				s.opts.logger.Auth("accepted connection from %s as client %d", e.conn.RemoteAddr(), e.id)
				c := &clientConn{
					id:      e.id,
					conn:    e.conn,
					remote:  e.conn.RemoteAddr(),
					writeCh: make(chan []byte, 4),
				}
				clients[e.id] = c
				go s.readLoop(c)
				go s.writeLoop(c)

			case evRequest:
				c, ok := clients[e.id]
				if !ok {
					continue
				}
				s.handleRequest(ctx, c, e.header, e.pdu)

			case evDone:
				closeClient(e.id)
			}

		case <-ticker.C:
			s.opts.backend.Ticker()
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, c *clientConn, header MBAPHeader, pdu []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.requestCompleteTimeout)
	defer cancel()

	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(reqCtx, s.opts.backend, pdu, rsp)
	if err != nil {
		s.opts.logger.Error("client %d: %s", c.id, err)
		select {
		case s.events <- evDone{id: c.id}:
		case <-s.shutdownCh:
		}
		return
	}

	rspHeader := MBAPHeader{
		TransactionID: header.TransactionID,
		ProtocolID:    0,
		Length:        uint16(n + 1),
		UnitID:        header.UnitID,
	}
	buf := make([]byte, MBAPHeaderSize+n)
	rspHeader.Serialize(buf)
	copy(buf[MBAPHeaderSize:], rsp[:n])

	select {
	case c.writeCh <- buf:
		s.opts.backend.Alive(c.id)
	default:
		s.opts.logger.Warning("client %d: response queue full, closing", c.id)
		select {
		case s.events <- evDone{id: c.id}:
		case <-s.shutdownCh:
		}
	}
}

func (s *Server) readLoop(c *clientConn) {
	header := make([]byte, MBAPHeaderSize)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout)); err != nil {
			s.reportDone(c.id)
			return
		}
		if _, err := io.ReadFull(c.conn, header); err != nil {
			s.reportDone(c.id)
			return
		}
		h, err := ParseMBAPHeader(header)
		if err != nil {
			s.opts.logger.Warning("client %d: %s", c.id, err)
			s.reportDone(c.id)
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(s.opts.requestCompleteTimeout)); err != nil {
			s.reportDone(c.id)
			return
		}
		pdu := make([]byte, h.PDULen())
		if _, err := io.ReadFull(c.conn, pdu); err != nil {
			s.reportDone(c.id)
			return
		}

		select {
		case s.events <- evRequest{id: c.id, header: h, pdu: pdu}:
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Server) writeLoop(c *clientConn) {
	for buf := range c.writeCh {
		if err := c.conn.SetWriteDeadline(time.Now().Add(s.opts.requestCompleteTimeout)); err != nil {
			s.reportDone(c.id)
			return
		}
		if _, err := c.conn.Write(buf); err != nil {
			s.reportDone(c.id)
			return
		}
	}
}

func (s *Server) reportDone(id ClientID) {
	select {
	case s.events <- evDone{id: id}:
	case <-s.shutdownCh:
	}
}
