// The package glues the opening handshake to the connection engine: it accepts connections on a
// TCP or unix listener (or upgrades requests received by an http.Server), negotiates the
// handshake, runs one session per connection with the provided handler and closes sessions with
// GoingAway when the server stops.
package wsserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/gbdevw/wsproto/wshandshake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reason used in close frames sent when the server stops
const shutdownReason = "server shutdown"

// Handler run for each websocket session. The connection is closed and disposed once the handler
// returns. The provided context is canceled when the server stops.
type Handler interface {
	ServeWebsocket(ctx context.Context, conn *wsengine.Connection)
}

// Adapter which allows the use of ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, conn *wsengine.Connection)

// ServeWebsocket calls f(ctx, conn).
func (f HandlerFunc) ServeWebsocket(ctx context.Context, conn *wsengine.Connection) {
	f(ctx, conn)
}

// A session: an upgraded connection served by the handler
type session struct {
	// Session ID (connection ID)
	id string
	// Connection
	conn *wsengine.Connection
	// When session has started
	startTimestamp time.Time
}

// Websocket server
type Server struct {
	// Configuration options
	opts *ServerConfigurationOptions
	// Handler run for each session
	handler Handler
	// Handshake negotiator
	negotiator *wshandshake.Negotiator
	// Listener. Nil until started.
	listener net.Listener
	// Indicates that server has started
	started atomic.Bool
	// Unix timestamp (seconds) when the server has started
	startUnixTimestamp atomic.Int64
	// Context bound to server lifetime
	serverCtx context.Context
	// Cancel function used to stop server
	cancelServerCtx context.CancelFunc
	// Internal mutex used to coordinate start/stop
	startMu sync.Mutex
	// Used to ensure server stop routine is performed once
	onceStop sync.Once
	// Active sessions
	sessions map[string]*session
	// Set once the server is stopping: new sessions are refused
	stopping bool
	// Protects sessions and stopping
	sessionsMu sync.Mutex
	// Tracks running sessions
	sessionsWg sync.WaitGroup
	// Logger
	logger *zap.Logger
	// Tracer provider passed to connections
	tracerProvider trace.TracerProvider
	// Meter provider passed to connections
	meterProvider metric.MeterProvider
	// Tracer used to instrument server code
	tracer trace.Tracer
	// Instruments used to record server metrics
	instruments *serverInstruments
}

// # Description
//
// Factory which creates a new, non-started Server.
//
// # Inputs
//
//   - opts: Server configuration options. If nil, default options are used.
//   - handler: Handler run for each session. Must not be nil.
//   - extensions: Extensions supported by the server (ex: permessage-deflate). Can be empty.
//   - logger: Logger to use. If nil, a no-op logger is used.
//   - tracerProvider: Tracer provider to use. If nil, the global tracer provider will be used.
//   - meterProvider: Meter provider to use. If nil, the global meter provider will be used.
//
// # Returns
//
// A new, non-started Server or an error if inputs are invalid.
func NewServer(
	opts *ServerConfigurationOptions,
	handler Handler,
	extensions []wsengine.Extension,
	logger *zap.Logger,
	tracerProvider trace.TracerProvider,
	meterProvider metric.MeterProvider) (*Server, error) {
	if opts == nil {
		opts = NewServerConfigurationOptions()
	}
	if err := Validate(opts); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("provided handler is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	srvCtx, srvCancel := context.WithCancel(context.Background())
	srv := &Server{
		opts:            opts,
		handler:         handler,
		negotiator:      wshandshake.NewNegotiator(opts.SubProtocols, extensions, logger, tracerProvider),
		serverCtx:       srvCtx,
		cancelServerCtx: srvCancel,
		sessions:        map[string]*session{},
		logger:          logger,
		tracerProvider:  tracerProvider,
		meterProvider:   meterProvider,
		tracer:          tracerProvider.Tracer(pkgName, trace.WithInstrumentationVersion(pkgVersion)),
	}
	instruments, err := newServerInstruments(
		meterProvider.Meter(pkgName, metric.WithInstrumentationVersion(pkgVersion)), srv)
	if err != nil {
		srvCancel()
		return nil, err
	}
	srv.instruments = instruments
	return srv, nil
}

// # Description
//
// Listen on the configured network and address and start accepting connections in a goroutine.
//
// # Returns
//
// An error if the server is already started, has been stopped or cannot listen.
func (srv *Server) Start(ctx context.Context) error {
	ctx, span := srv.tracer.Start(ctx, spanStart, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
		attribute.String(attrNetwork, srv.opts.Network),
		attribute.String(attrAddress, srv.opts.Address)))
	defer span.End()
	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if srv.serverCtx.Err() != nil {
		err := fmt.Errorf("server has been stopped. A new server must be created")
		return handleError(err, span, codes.Error, "server stopped")
	}
	if srv.started.Load() {
		return handleError(fmt.Errorf("server already started"), span, codes.Error, "server already started")
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, srv.opts.Network, srv.opts.Address)
	if err != nil {
		return handleError(err, span, codes.Error, "listen failed")
	}
	srv.listener = listener
	srv.startUnixTimestamp.Store(time.Now().Unix())
	srv.started.Store(true)
	go srv.acceptLoop(listener)
	srv.logger.Info("websocket server started", zap.Stringer("address", listener.Addr()))
	span.SetStatus(codes.Ok, codes.Ok.String())
	return nil
}

// # Description
//
// Stop the server: stop accepting connections, close all sessions with GoingAway and wait for
// their handlers to return. Stop can be used on a server which has not been started (used as an
// http.Handler). Only the first call has an effect.
//
// # Returns
//
// The context error if sessions have not ended before ctx is done.
func (srv *Server) Stop(ctx context.Context) error {
	ctx, span := srv.tracer.Start(ctx, spanStop, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	var stopErr error
	srv.onceStop.Do(func() {
		srv.startMu.Lock()
		if srv.listener != nil {
			srv.listener.Close()
		}
		srv.started.Store(false)
		srv.startMu.Unlock()
		// Refuse new sessions and collect active ones
		srv.sessionsMu.Lock()
		srv.stopping = true
		active := make([]*session, 0, len(srv.sessions))
		for _, s := range srv.sessions {
			active = append(active, s)
		}
		srv.sessionsMu.Unlock()
		srv.logger.Info("stopping websocket server", zap.Int("sessions", len(active)))
		// Perform closing handshakes concurrently
		group, groupCtx := errgroup.WithContext(ctx)
		for _, s := range active {
			s := s
			group.Go(func() error {
				if err := s.conn.Close(groupCtx, wsengine.GoingAway, shutdownReason); err != nil {
					srv.logger.Debug("failed to close session", zap.String("session_id", s.id), zap.Error(err))
				}
				return nil
			})
		}
		group.Wait()
		// Cancel handlers which would still be running
		srv.cancelServerCtx()
		done := make(chan struct{})
		go func() {
			srv.sessionsWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
	})
	if stopErr != nil {
		return handleError(stopErr, span, codes.Error, "sessions still running")
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return nil
}

// Addr returns the listener address, nil if the server is not started.
func (srv *Server) Addr() net.Addr {
	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// SessionCount returns the number of active sessions.
func (srv *Server) SessionCount() int {
	srv.sessionsMu.Lock()
	defer srv.sessionsMu.Unlock()
	return len(srv.sessions)
}

func (srv *Server) isStarted() bool {
	return srv.started.Load()
}

// Accept connections until the listener is closed.
func (srv *Server) acceptLoop(listener net.Listener) {
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || srv.serverCtx.Err() != nil {
				return
			}
			// Temporary failure (ex: too many open files): retry with a capped backoff
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			srv.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		go srv.ServeConn(srv.serverCtx, conn)
	}
}

// # Description
//
// Perform the opening handshake on conn and serve the session. The call blocks until the session
// has ended. The connection is always closed when the call returns.
//
// # Inputs
//
//   - ctx: Parent context of the session. The session also ends when the server stops.
//   - conn: Accepted connection.
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, span := srv.tracer.Start(ctx, spanSession, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
		attribute.String(attrRemoteAddr, conn.RemoteAddr().String())))
	defer span.End()
	// Bound the handshake in time and size
	conn.SetDeadline(time.Now().Add(srv.opts.handshakeTimeout()))
	limiter := &handshakeLimiter{r: conn, remaining: srv.opts.MaxHandshakeHeaderBytes}
	reader := bufio.NewReaderSize(limiter, srv.opts.Connection.ReceiveBufferSize)
	result := srv.negotiator.Negotiate(ctx, reader, conn)
	if !result.Valid {
		srv.instruments.handshakesRejected.Add(ctx, 1)
		handleError(result.Err, span, codes.Error, "handshake failed")
		srv.logger.Debug("handshake failed",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(result.Err))
		conn.Close()
		return
	}
	limiter.remaining = -1
	conn.SetDeadline(time.Time{})
	srv.runSession(ctx, span, wsengine.NewNetTransport(conn, reader, srv.opts.Connection.ReceiveBufferSize, srv.opts.Connection.SendBufferSize), result)
}

// # Description
//
// Upgrade an HTTP request to a websocket session. The call blocks until the session has ended.
// Rejected requests get the handshake error status and reason.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := srv.tracer.Start(r.Context(), spanSession, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
		attribute.String(attrRemoteAddr, r.RemoteAddr)))
	defer span.End()
	result := srv.negotiator.Evaluate(ctx, r)
	if !result.Valid {
		srv.instruments.handshakesRejected.Add(ctx, 1)
		handleError(result.Err, span, codes.Error, "handshake failed")
		for name, values := range result.ResponseHeader {
			w.Header()[name] = values
		}
		reason := http.StatusText(result.Status)
		herr := wshandshake.HandshakeError{}
		if errors.As(result.Err, &herr) {
			reason = herr.Reason
		}
		http.Error(w, reason, result.Status)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		err := fmt.Errorf("response writer does not support hijacking")
		handleError(err, span, codes.Error, "hijack failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		handleError(err, span, codes.Error, "hijack failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Deadlines set by the http server are not cleared by Hijack
	conn.SetDeadline(time.Now().Add(srv.opts.handshakeTimeout()))
	if err := wshandshake.WriteResponse(rw.Writer, result); err != nil {
		handleError(err, span, codes.Error, "failed to write handshake response")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	// Session is bound to the server, not to the request
	sessionCtx := trace.ContextWithSpan(srv.serverCtx, span)
	srv.runSession(sessionCtx, span, wsengine.NewNetTransport(conn, rw.Reader, srv.opts.Connection.ReceiveBufferSize, srv.opts.Connection.SendBufferSize), result)
}

// # Description
//
// Build the connection for an upgraded transport, register the session and run the handler. The
// connection is closed and disposed once the handler returns.
func (srv *Server) runSession(ctx context.Context, span trace.Span, transport wsengine.Transport, result *wshandshake.Result) {
	span.AddEvent(eventUpgraded)
	// Accepted connections always play the server role
	connOpts := *srv.opts.Connection
	connOpts.Role = wsengine.RoleServer
	conn, err := wsengine.NewConnection(transport, &connOpts, result.SubProtocol, result.Extensions,
		srv.logger, srv.tracerProvider, srv.meterProvider)
	if err != nil {
		handleError(err, span, codes.Error, "failed to create connection")
		transport.Close(ctx)
		return
	}
	span.SetAttributes(
		attribute.String(attrSessionId, conn.ID()),
		attribute.String(attrSubProtocol, conn.SubProtocol()))
	s := &session{id: conn.ID(), conn: conn, startTimestamp: time.Now()}
	if !srv.register(s) {
		conn.Close(ctx, wsengine.GoingAway, shutdownReason)
		conn.Dispose(ctx)
		return
	}
	defer srv.unregister(s)
	srv.instruments.sessionsAccepted.Add(ctx, 1)
	logger := srv.logger.With(zap.String("session_id", s.id))
	logger.Info("session started",
		zap.Stringer("remote_addr", conn.RemoteAddr()),
		zap.String("sub_protocol", conn.SubProtocol()))
	// Handler context is canceled when the server stops
	handlerCtx, cancel := context.WithCancel(ctx)
	stopWatch := context.AfterFunc(srv.serverCtx, cancel)
	srv.handler.ServeWebsocket(handlerCtx, conn)
	stopWatch()
	cancel()
	if conn.State() < wsengine.StateClosed {
		if err := conn.Close(context.Background(), wsengine.NormalClosure, ""); err != nil {
			logger.Debug("failed to close connection", zap.Error(err))
		}
	}
	conn.Dispose(context.Background())
	logger.Info("session ended",
		zap.Duration("duration", time.Since(s.startTimestamp)),
		zap.NamedError("close", conn.Err()))
	span.SetStatus(codes.Ok, codes.Ok.String())
}

// Register a session. False if the server is stopping.
func (srv *Server) register(s *session) bool {
	srv.sessionsMu.Lock()
	defer srv.sessionsMu.Unlock()
	if srv.stopping {
		return false
	}
	srv.sessions[s.id] = s
	srv.sessionsWg.Add(1)
	return true
}

func (srv *Server) unregister(s *session) {
	srv.sessionsMu.Lock()
	delete(srv.sessions, s.id)
	srv.sessionsMu.Unlock()
	srv.sessionsWg.Done()
}

/*************************************************************************************************/
/* HANDSHAKE LIMITER                                                                             */
/*************************************************************************************************/

// Reader which fails once more than remaining bytes have been read. A negative remaining disables
// the limit: it is lifted once the handshake is done as the same buffered reader is then used
// by the transport.
type handshakeLimiter struct {
	r         io.Reader
	remaining int64
}

func (l *handshakeLimiter) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return l.r.Read(p)
	}
	if l.remaining == 0 {
		return 0, fmt.Errorf("handshake exceeds the maximum header size")
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
