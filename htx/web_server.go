// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 and HTTP/2 servers and their gates.

package htx

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hexinfra/htx/htx/common/system"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ServerMode tells which protocols a server speaks.
type ServerMode uint8

const (
	ModeAdaptive ServerMode = iota // HTTP/1 and HTTP/2, told apart by ALPN, preface, or h2c upgrade
	ModeHTTP1
	ModeHTTP2
)

const (
	defaultListen           = ":8080"
	defaultPipelineCapacity = 64
	defaultServerRead       = 30 * time.Second
	defaultServerWrite      = 30 * time.Second
	defaultServerIdle       = 120 * time.Second
	defaultMaxConnsPerGate  = 10000
	defaultHandshakeTimeout = 10 * time.Second
	defaultNumWorkers       = 256
)

// Server accepts connections on its gates and dispatches the requests they carry to its router.
type Server struct {
	// Assocs
	logger    *zap.Logger
	router    Router
	domains   []*Domain
	sni       *sniMapping
	tlsConfig *tls.Config // nil for cleartext
	// States
	listen           string
	mode             ServerMode
	pipelineCapacity int
	readTimeout      time.Duration
	writeTimeout     time.Duration
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	numGates         int
	maxConnsPerGate  int32
	numWorkers       int
	eventLoop        bool // serve cleartext HTTP/1 on gnet event loops
	workers          chan struct{}
	gatesLock        sync.Mutex
	gates            []serverGate
	addr             net.Addr
	ready            chan struct{}
	connsLock        sync.Mutex
	conns            map[int64]serverConn
	subs             sync.WaitGroup // gates and conns
	serving          atomic.Bool
	shutting         atomic.Bool
	done             chan struct{}
}

// serverGate accepts connections on one listener.
type serverGate interface {
	open() error
	serve() // runner
	shut() error
	address() net.Addr
}

// serverConn is a connection a server tracks for shutdown.
type serverConn interface {
	shutdown()
	abort()
}

// ServerOption configures a server.
type ServerOption func(s *Server) error

func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:           Logger(),
		router:           notFound,
		listen:           defaultListen,
		mode:             ModeAdaptive,
		pipelineCapacity: defaultPipelineCapacity,
		readTimeout:      defaultServerRead,
		writeTimeout:     defaultServerWrite,
		idleTimeout:      defaultServerIdle,
		handshakeTimeout: defaultHandshakeTimeout,
		numGates:         1,
		maxConnsPerGate:  defaultMaxConnsPerGate,
		numWorkers:       defaultNumWorkers,
		ready:            make(chan struct{}),
		conns:            make(map[int64]serverConn),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.Named("server")
	s.workers = make(chan struct{}, s.numWorkers)
	if len(s.domains) > 0 {
		sni, err := newSNIMapping(s.domains, s.nextProtos(), s.logger)
		if err != nil {
			return nil, err
		}
		s.sni = sni
		s.tlsConfig = &tls.Config{
			GetConfigForClient: sni.getConfigForClient,
			Certificates:       sni.fallback.Certificates,
			NextProtos:         s.nextProtos(),
			MinVersion:         tls.VersionTLS12,
		}
	}
	return s, nil
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("htx: nil logger")
		}
		s.logger = logger
		return nil
	}
}
func WithListen(address string) ServerOption {
	return func(s *Server) error {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return errors.Wrapf(err, "htx: bad listen address %q", address)
		}
		s.listen = address
		return nil
	}
}
func WithMode(mode ServerMode) ServerOption {
	return func(s *Server) error {
		if mode > ModeHTTP2 {
			return errors.Errorf("htx: unknown server mode %d", mode)
		}
		s.mode = mode
		return nil
	}
}

// WithDomains makes the server speak TLS. The first domain also serves names no domain covers.
func WithDomains(domains ...*Domain) ServerOption {
	return func(s *Server) error {
		s.domains = append(s.domains, domains...)
		return nil
	}
}
func WithRouter(router Router) ServerOption {
	return func(s *Server) error {
		if router == nil {
			return errors.New("htx: nil router")
		}
		s.router = router
		return nil
	}
}
func WithPipelineCapacity(capacity int) ServerOption {
	return func(s *Server) error {
		if capacity <= 0 {
			return errors.Errorf("htx: pipeline capacity must be positive, got %d", capacity)
		}
		s.pipelineCapacity = capacity
		return nil
	}
}
func WithServerTimeouts(read time.Duration, write time.Duration, idle time.Duration) ServerOption {
	return func(s *Server) error {
		if err := setDuration(&s.readTimeout, read, "read timeout"); err != nil {
			return err
		}
		if err := setDuration(&s.writeTimeout, write, "write timeout"); err != nil {
			return err
		}
		return setDuration(&s.idleTimeout, idle, "idle timeout")
	}
}
func WithGates(n int) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.Errorf("htx: number of gates must be positive, got %d", n)
		}
		s.numGates = n
		return nil
	}
}
func WithMaxConnsPerGate(n int32) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.Errorf("htx: max conns per gate must be positive, got %d", n)
		}
		s.maxConnsPerGate = n
		return nil
	}
}
func WithWorkers(n int) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.Errorf("htx: number of workers must be positive, got %d", n)
		}
		s.numWorkers = n
		return nil
	}
}

// WithEventLoop serves cleartext HTTP/1 on event loops instead of a goroutine per connection.
// TLS servers and HTTP/2 only servers ignore it.
func WithEventLoop(eventLoop bool) ServerOption {
	return func(s *Server) error {
		s.eventLoop = eventLoop
		return nil
	}
}

func (s *Server) nextProtos() []string {
	switch s.mode {
	case ModeHTTP1:
		return []string{"http/1.1"}
	case ModeHTTP2:
		return []string{"h2"}
	default:
		return []string{"h2", "http/1.1"}
	}
}

func (s *Server) useEventLoop() bool { return s.eventLoop && s.tlsConfig == nil && s.mode != ModeHTTP2 }

// Serve opens the gates and serves until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.Wrap(ErrIllegalState, "server already serving")
	}
	listen := s.listen
	for id := 0; id < s.numGates; id++ {
		var gate serverGate
		if s.useEventLoop() {
			gate = newEventGate(id, s, listen)
		} else {
			gate = newNetGate(id, s, listen)
		}
		if err := gate.open(); err != nil {
			s.shutGates()
			return errors.Wrapf(err, "htx: open gate %d", id)
		}
		if id == 0 { // later gates share the port of the first
			s.addr = gate.address()
			listen = s.addr.String()
		}
		s.gatesLock.Lock()
		s.gates = append(s.gates, gate)
		s.gatesLock.Unlock()
		s.subs.Add(1)
		go gate.serve()
	}
	close(s.ready)
	s.logger.Info("server started", zap.Stringer("addr", s.addr), zap.Int("gates", s.numGates), zap.Bool("tls", s.tlsConfig != nil))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		s.Shutdown(shutCtx)
		return ctx.Err()
	case <-s.done:
		return ErrServerClosed
	}
}

// Ready is closed once the server listens.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the address of the first gate, nil until the server listens.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Shutdown stops accepting connections and lets open ones finish what they have read.
// Connections still open when ctx is done are closed hard.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutting.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.shutGates()
	for _, conn := range s.liveConns() {
		conn.shutdown()
	}

	finished := make(chan struct{})
	go func() {
		s.subs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		for _, conn := range s.liveConns() {
			conn.abort()
		}
		s.logger.Warn("server stopped with connections aborted", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Server) shutGates() {
	s.gatesLock.Lock()
	defer s.gatesLock.Unlock()
	for _, gate := range s.gates {
		if err := gate.shut(); err != nil && DebugLevel() >= 1 {
			s.logger.Debug("gate shut", zap.Error(err))
		}
	}
}

func (s *Server) liveConns() []serverConn {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	conns := make([]serverConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// register tracks conn until its channel closes.
func (s *Server) register(channel Channel, conn serverConn) {
	id := channel.ID()
	s.connsLock.Lock()
	s.conns[id] = conn
	s.connsLock.Unlock()
	channel.OnClose(func(err error) {
		s.connsLock.Lock()
		delete(s.conns, id)
		s.connsLock.Unlock()
	})
	if s.shutting.Load() {
		conn.shutdown()
	}
}

// submit runs task on a worker. At most numWorkers tasks run at once.
func (s *Server) submit(task func()) {
	go func() { // runner
		s.workers <- struct{}{}
		defer func() { <-s.workers }()
		task()
	}()
}

// serveRequest dispatches req to the router and returns what it built. A panicking router yields a 500.
func (s *Server) serveRequest(ctx context.Context, req *Request, forcedStatus int) (resp *ResponseBuilder) {
	resp = NewResponse()
	if forcedStatus != 0 {
		resp.Status(forcedStatus)
	}
	ctx = extractTrace(ctx, req.Header())
	defer func() {
		if r := recover(); r != nil {
			fields := append([]zap.Field{zap.Any("panic", r), zap.String("method", req.Method()), zap.String("target", req.Target(false))}, traceFields(ctx)...)
			s.logger.Error("router panicked", fields...)
			resp = NewResponse().Status(StatusInternalError)
		}
	}()
	s.router.Dispatch(ctx, req, resp, forcedStatus)
	if forcedStatus != 0 {
		resp.Status(forcedStatus)
	}
	resp.header.Del(headerStreamID)
	if !resp.header.Has("Server") {
		resp.header.Set("Server", "htx/"+EngineVersion)
	}
	if !resp.header.Has("Date") {
		resp.header.Set("Date", clockNow().UTC().Format(httpDateFormat))
	}
	return resp
}

// newServerRequest makes the request a server hands to its router. A bad target sets forcedStatus.
func newServerRequest(method string, target string, scheme string, authority string, version Version, header Header, body []byte, channel Channel, forcedStatus *int) *Request {
	req := &Request{
		method:     method,
		version:    version,
		header:     header,
		body:       body,
		localAddr:  channel.LocalAddr(),
		remoteAddr: channel.RemoteAddr(),
	}
	if session, ok := channel.Attr(AttrSession).(*SessionInfo); ok {
		req.ext.Session = session
	}
	if sniHost, ok := channel.Attr(AttrSNIHost).(string); ok {
		req.ext.SNIHost = sniHost
	}
	switch {
	case target == "*":
		req.url = &url.URL{Path: "*"}
	case method == "CONNECT":
		req.url = &url.URL{Host: target}
	default:
		u, err := url.ParseRequestURI(target)
		if err != nil {
			req.url = &url.URL{Path: "/"}
			if *forcedStatus == 0 {
				*forcedStatus = StatusBadRequest
			}
		} else {
			req.url = u
		}
	}
	if req.url.Scheme == "" {
		req.url.Scheme = scheme
	}
	if req.url.Host == "" {
		req.url.Host = authority
	}
	if method == "CONNECT" && *forcedStatus == 0 {
		*forcedStatus = StatusNotImplemented
	}
	req.cookies = DecodeCookies(strings.Join(header.Values("Cookie"), "; "))
	if len(req.url.RawQuery) > 0 {
		req.params = req.url.Query()
	}
	return req
}

// noBodyStatus reports whether a response with status has no content.
func noBodyStatus(status int) bool {
	return status < 200 || status == StatusNoContent || status == StatusNotModified
}

// netGate is a gate over a net.Listener. Every connection is served by its own goroutine.
type netGate struct {
	// Assocs
	server *Server
	logger *zap.Logger
	// States
	id       int
	listen   string
	listener net.Listener
	numConns atomic.Int32
	isShut   atomic.Bool
}

func newNetGate(id int, server *Server, listen string) *netGate {
	return &netGate{
		server: server,
		logger: server.logger.With(zap.Int("gate", id)),
		id:     id,
		listen: listen,
	}
}

func (g *netGate) open() error {
	listenConfig := new(net.ListenConfig)
	listenConfig.Control = func(network string, address string, rawConn syscall.RawConn) error {
		if err := system.SetReusePort(rawConn); err != nil {
			return err
		}
		return system.SetDeferAccept(rawConn)
	}
	listener, err := listenConfig.Listen(context.Background(), "tcp", g.listen)
	if err != nil {
		return err
	}
	g.listener = listener
	if DebugLevel() >= 1 {
		g.logger.Debug("gate opened", zap.Stringer("addr", listener.Addr()))
	}
	return nil
}

func (g *netGate) address() net.Addr { return g.listener.Addr() }

func (g *netGate) shut() error {
	g.isShut.Store(true)
	return g.listener.Close()
}

func (g *netGate) serve() { // runner
	defer g.server.subs.Done()
	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			if g.isShut.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			g.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if g.numConns.Add(1) > g.server.maxConnsPerGate {
			g.justClose(netConn)
			continue
		}
		g.server.subs.Add(1)
		go g.serveConn(netConn)
	}
	if DebugLevel() >= 2 {
		g.logger.Debug("gate done")
	}
}

func (g *netGate) justClose(netConn net.Conn) {
	netConn.Close()
	g.numConns.Add(-1)
}

func (g *netGate) serveConn(netConn net.Conn) { // runner
	defer g.server.subs.Done()
	defer g.numConns.Add(-1)

	s := g.server
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		if rawConn, err := tcpConn.SyscallConn(); err == nil {
			system.SetNoDelay(rawConn)
		}
	}
	if s.tlsConfig != nil {
		tlsConn := tls.Server(netConn, s.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			if DebugLevel() >= 1 {
				g.logger.Debug("tls handshake failed", zap.Stringer("remote", netConn.RemoteAddr()), zap.Error(err))
			}
			netConn.Close()
			return
		}
		state := tlsConn.ConnectionState()
		channel := s.newChannel(tlsConn)
		channel.SetAttr(AttrSession, sessionFromState(state, "server"))
		channel.SetAttr(AttrSNIHost, state.ServerName)
		channel.SetAttr(AttrProtocol, state.NegotiatedProtocol)
		switch state.NegotiatedProtocol {
		case "h2":
			s.serve2(channel, channel, "https", nil)
		case "http/1.1", "":
			if s.mode == ModeHTTP2 {
				channel.abort(newProtocolError("client did not negotiate h2"))
				return
			}
			s.serve1(channel, channel, "https")
		default:
			channel.abort(newProtocolError("unsupported application protocol %q", state.NegotiatedProtocol))
		}
		return
	}

	channel := s.newChannel(netConn)
	switch s.mode {
	case ModeHTTP1:
		s.serve1(channel, channel, "http")
	case ModeHTTP2:
		s.serve2(channel, channel, "http", nil)
	default:
		prefix, isHTTP2, err := sniffPreface(channel, s.readTimeout)
		if err != nil {
			channel.abort(&IOError{Op: "read", Err: err})
			return
		}
		reader := &prefixedReader{prefix: prefix, reader: channel}
		if isHTTP2 {
			channel.SetAttr(AttrProtocol, "h2c")
			s.serve2(channel, reader, "http", nil)
		} else {
			s.serve1(channel, reader, "http")
		}
	}
}

func (s *Server) newChannel(netConn net.Conn) *netChannel {
	return newNetChannel(netConn, channelOptions{
		highWater:    defaultWriteHighWater,
		writeTimeout: s.writeTimeout,
		idleTimeout:  s.idleTimeout,
		logger:       s.logger,
	})
}

// sniffPreface reads until the input either is the HTTP/2 client preface or can no longer become it.
func sniffPreface(channel *netChannel, timeout time.Duration) ([]byte, bool, error) {
	preface := []byte(http2.ClientPreface)
	buffer := make([]byte, 0, len(preface))
	channel.SetReadDeadline(time.Now().Add(timeout))
	defer channel.SetReadDeadline(time.Time{})
	for len(buffer) < len(preface) {
		n, err := channel.Read(buffer[len(buffer):cap(buffer)])
		buffer = buffer[:len(buffer)+n]
		if !bytes.HasPrefix(preface, buffer) {
			return buffer, false, nil
		}
		if err != nil {
			if err == io.EOF && len(buffer) > 0 {
				return buffer, false, nil
			}
			return buffer, false, err
		}
	}
	return buffer, true, nil
}
