// The package implements the RFC6455 connection engine: it turns a byte stream transport into a
// sequence of messages and back. The engine handles framing, masking, fragmentation, control
// frames, keepalive and the negotiated per-message extensions.
//
// A connection supports one concurrent reader and one concurrent writer. Reading and writing can
// be performed concurrently from two different goroutines.
package wsengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbdevw/wsproto/wsframe"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

/*************************************************************************************************/
/* MESSAGE STREAMS                                                                               */
/*************************************************************************************************/

// Websocket message types.
//
// Codes mimics RFC6455 frame opcodes.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
type MessageType int

const (
	// Denotes a text message
	Text MessageType = MessageType(wsframe.OpcodeText)
	// Denotes a binary message
	Binary MessageType = MessageType(wsframe.OpcodeBinary)
)

func (mt MessageType) String() string {
	switch mt {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// A received message. Fragmented messages are reassembled transparently: Read returns io.EOF once
// the last frame of the message has been consumed.
//
// The message must be read until io.EOF or closed before the next message can be read. Close
// discards the unread part of the message.
type MessageReader interface {
	io.ReadCloser
	// MessageType returns the type of the message.
	MessageType() MessageType
	// Flags returns the reserved bits of the first frame of the message.
	Flags() wsframe.ExtensionFlags
}

// A message to send. Written bytes are buffered and sent as non-final frames each time the send
// buffer is full. Close sends the final frame, even if it is empty.
//
// Only one message writer can be open at a time per connection.
type MessageWriter interface {
	io.WriteCloser
	// MessageType returns the type of the message.
	MessageType() MessageType
	// Flags returns the reserved bits which will be set on the first frame of the message.
	Flags() wsframe.ExtensionFlags
	// SetFlags sets the reserved bits of the first frame. It must be called before the first
	// frame is sent and only with bits claimed by a negotiated extension.
	SetFlags(flags wsframe.ExtensionFlags) error
}

/*************************************************************************************************/
/* CONNECTION                                                                                    */
/*************************************************************************************************/

// Connection state. Transitions are one-directional.
type State int32

const (
	// Messages can be read and written
	StateOpen State = iota
	// A close frame has been sent, waiting for the peer close frame
	StateClosing
	// Transport has been closed
	StateClosed
	// Resources have been released
	StateDisposed
)

func (state State) String() string {
	switch state {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(state))
	}
}

// RFC6455 connection engine running on top of a Transport.
type Connection struct {
	// Connection ID
	id string
	// Configuration options
	opts *ConnectionConfigurationOptions
	// Underlying byte stream
	transport Transport
	// Sub-protocol negotiated during the handshake (can be empty)
	subProtocol string
	// Negotiated extensions in negotiation order
	extensions extensionPipeline
	// Reserved bits claimed by negotiated extensions
	allowedFlags wsframe.ExtensionFlags

	// Connection state
	state atomic.Int32
	// Set once a close frame has been sent or will be sent: only one close frame is ever sent.
	closing atomic.Bool
	// First close reason recorded for the connection
	closeErr atomic.Pointer[CloseError]
	// Closed when the transport has been closed
	done chan struct{}
	// Used to ensure the transport is closed once
	shutdownOnce sync.Once
	// Closed when the peer close frame has been received
	remoteClosed chan struct{}
	// Used to ensure remoteClosed is closed once
	remoteCloseOnce sync.Once
	// Stops keepalive
	cancelBackground context.CancelFunc

	// Single slot held by the active reader. The fields below are only accessed by the holder.
	readSlot chan struct{}
	// Header of the current data frame
	header wsframe.Header
	// Unread payload bytes of the current data frame
	remaining uint64
	// Unmasking cursor of the current data frame
	cursor wsframe.MaskCursor
	// Payload bytes received for the current message
	messageBytes uint64
	// Scratch buffer used to read headers
	headerBuf [wsframe.MaxHeaderLength]byte
	// Scratch buffer used to read control frame payloads
	controlBuf [wsframe.MaxControlPayloadLength]byte

	// Single slot lock acquired to write a frame
	writeSem *semaphore.Weighted
	// Indicates a message writer is open
	writerOpen atomic.Bool
	// Scratch buffer used to send control frames. Protected by writeSem.
	controlFrame [wsframe.MaxHeaderLength + wsframe.MaxControlPayloadLength]byte
	// Protects sendBuf
	sendMu sync.Mutex
	// Send buffer shared by message writers: header headroom followed by SendBufferSize bytes.
	sendBuf []byte
	// Pool sendBuf comes from
	pool BufferPool
	// Used to ensure resources are released once
	disposeOnce sync.Once

	// Keepalive strategy (nil when disabled)
	pinger pingStrategy
	// Unix timestamp (nanoseconds) of the last inbound frame
	lastActivity atomic.Int64
	// Last measured latency (nanoseconds)
	latency atomic.Int64

	// Logger
	logger *zap.Logger
	// Tracer used to instrument connection code
	tracer trace.Tracer
	// Instruments used to record connection metrics
	instruments *connectionInstruments
}

// # Description
//
// Factory - Return a new, open connection running on top of the provided transport. The
// transport must be ready for use: the handshake has already been performed.
//
// # Inputs
//
//   - transport: Byte stream the connection runs on.
//   - opts: Connection configuration options. If nil, default options are used.
//   - subProtocol: Sub-protocol negotiated during the handshake. Can be empty.
//   - extensions: Extensions negotiated during the handshake, in negotiation order.
//   - logger: Logger to use. If nil, a no-op logger is used.
//   - tracerProvider: OpenTelemetry tracer provider to use. If nil, global TracerProvider is used.
//   - meterProvider: OpenTelemetry meter provider to use. If nil, global MeterProvider is used.
//
// # Return
//
// A new open connection. If keepalive is enabled, the keepalive goroutine is started. An error
// is returned if inputs are invalid.
func NewConnection(
	transport Transport,
	opts *ConnectionConfigurationOptions,
	subProtocol string,
	extensions []NegotiatedExtension,
	logger *zap.Logger,
	tracerProvider trace.TracerProvider,
	meterProvider metric.MeterProvider) (*Connection, error) {
	// Check provided transport is not nil
	if transport == nil {
		return nil, fmt.Errorf("provided transport is nil")
	}
	// Use default options if not set
	if opts == nil {
		opts = NewConnectionConfigurationOptions()
	}
	// Validate options
	err := Validate(opts)
	if err != nil {
		return nil, err
	}
	for _, ext := range extensions {
		if ext.Context == nil {
			return nil, fmt.Errorf("extension %s has no context", ext.Name)
		}
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
	instruments, err := newConnectionInstruments(
		meterProvider.Meter(pkgName, metric.WithInstrumentationVersion(pkgVersion)))
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	bgCtx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		id:               id,
		opts:             opts,
		transport:        transport,
		subProtocol:      subProtocol,
		extensions:       extensionPipeline(extensions),
		done:             make(chan struct{}),
		remoteClosed:     make(chan struct{}),
		cancelBackground: cancel,
		readSlot:         make(chan struct{}, 1),
		writeSem:         semaphore.NewWeighted(1),
		pool:             opts.BufferPool,
		logger:           logger.With(zap.String("connection_id", id), zap.String("role", string(opts.Role))),
		tracer:           tracerProvider.Tracer(pkgName, trace.WithInstrumentationVersion(pkgVersion)),
		instruments:      instruments,
	}
	if conn.pool == nil {
		conn.pool = DefaultBufferPool
	}
	conn.allowedFlags = conn.extensions.flags()
	conn.sendBuf = conn.pool.Get(wsframe.MaxHeaderLength + opts.SendBufferSize)
	conn.lastActivity.Store(time.Now().UnixNano())
	// Start keepalive
	switch opts.PingMode {
	case PingModeActivity:
		conn.pinger = &activityPingStrategy{conn: conn}
	case PingModeLatency:
		conn.pinger = newLatencyPingStrategy(conn)
	}
	if conn.pinger != nil {
		go conn.runKeepalive(bgCtx, conn.pinger)
	}
	conn.logger.Info("connection opened",
		zap.String("sub_protocol", subProtocol),
		zap.Int("extensions", len(extensions)))
	return conn, nil
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// SubProtocol returns the sub-protocol negotiated during the handshake.
func (c *Connection) SubProtocol() string {
	return c.subProtocol
}

// Extensions returns the extensions negotiated during the handshake.
func (c *Connection) Extensions() []NegotiatedExtension {
	return append([]NegotiatedExtension{}, c.extensions...)
}

// LocalAddr returns the local endpoint of the transport.
func (c *Connection) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// RemoteAddr returns the remote endpoint of the transport.
func (c *Connection) RemoteAddr() net.Addr {
	return c.transport.RemoteAddr()
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Done returns a channel which is closed once the transport has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns nil while the connection is not closed and the CloseError describing why the
// connection has been closed otherwise.
func (c *Connection) Err() error {
	if c.State() < StateClosed {
		return nil
	}
	return c.closedError()
}

// Latency returns the last latency measured by the latency keepalive (0 if none).
func (c *Connection) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

/*************************************************************************************************/
/* STATE MANAGEMENT                                                                              */
/*************************************************************************************************/

// Move the connection to the provided state if it is not already in it or beyond.
func (c *Connection) advanceState(to State) bool {
	for {
		current := c.state.Load()
		if current >= int32(to) {
			return false
		}
		if c.state.CompareAndSwap(current, int32(to)) {
			return true
		}
	}
}

// Record the close reason if none has been recorded yet and return the recorded one.
func (c *Connection) recordCloseError(cerr CloseError) CloseError {
	if c.closeErr.CompareAndSwap(nil, &cerr) {
		return cerr
	}
	return *c.closeErr.Load()
}

// Error returned by operations performed on a closing or closed connection.
func (c *Connection) closedError() error {
	if cerr := c.closeErr.Load(); cerr != nil {
		return *cerr
	}
	return CloseError{Code: AbnormalClosure}
}

func (c *Connection) tryAcquireReadSlot() bool {
	select {
	case c.readSlot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Connection) releaseReadSlot() {
	<-c.readSlot
}

// # Description
//
// Fail the connection: record the close reason, optionally send a close frame to the peer and
// close the transport. The close frame is sent on a best-effort basis within the close timeout.
//
// # Return
//
// The CloseError describing why the connection has been closed.
func (c *Connection) fail(code StatusCode, reason string, cause error, notifyPeer bool) error {
	if c.State() >= StateClosed {
		return c.closedError()
	}
	cerr := c.recordCloseError(CloseError{Code: code, Reason: reason, Err: cause})
	c.logger.Warn("failing connection",
		zap.Int("close_code", int(code)),
		zap.String("close_reason", reason),
		zap.Error(cause))
	if notifyPeer && c.closing.CompareAndSwap(false, true) {
		c.advanceState(StateClosing)
		var buf [wsframe.MaxControlPayloadLength]byte
		payload, err := encodeClosePayload(buf[:], code, reason)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.closeTimeout())
			err = c.sendControl(ctx, wsframe.OpcodeClose, payload)
			cancel()
		}
		if err != nil {
			c.logger.Debug("failed to send close frame", zap.Error(err))
		}
	}
	c.shutdown()
	return cerr
}

// Fail the connection because of a transport failure. Cancellation of ctx is reported with
// GoingAway, other failures with InternalError.
func (c *Connection) ioFailure(ctx context.Context, err error, notifyPeer bool) error {
	if c.State() >= StateClosed {
		return c.closedError()
	}
	if ctx.Err() != nil {
		return c.fail(GoingAway, "operation canceled", ctx.Err(), notifyPeer)
	}
	return c.fail(InternalError, "transport failure", err, false)
}

// Fail the connection because of a protocol violation.
func (c *Connection) failProtocol(err error) error {
	return c.fail(ProtocolError, "protocol error", err, true)
}

// Close the transport and move to Closed. Performed once.
func (c *Connection) shutdown() {
	c.shutdownOnce.Do(func() {
		cerr := c.recordCloseError(CloseError{Code: AbnormalClosure})
		c.closing.Store(true)
		c.advanceState(StateClosed)
		c.cancelBackground()
		if err := c.transport.Close(context.Background()); err != nil {
			c.logger.Debug("failed to close transport", zap.Error(err))
		}
		close(c.done)
		c.instruments.recordClosed(cerr.Code, cerr.Remote)
		c.logger.Info("connection closed",
			zap.Int("close_code", int(cerr.Code)),
			zap.String("close_reason", cerr.Reason),
			zap.Bool("remote", cerr.Remote),
			zap.Error(cerr.Err))
	})
}
