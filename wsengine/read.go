package wsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gbdevw/wsproto/wsframe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// # Description
//
// Wait for the next message and return a stream to read it. Control frames received meanwhile
// are handled internally: pings are answered, pongs feed the keepalive and a close frame closes
// the connection.
//
// The returned reader must be read until io.EOF or closed before ReadMessage can be called again.
// The reader performs I/O with the provided context.
//
// # Inputs
//
//   - ctx: Context used for tracing and cancellation purpose. Cancellation closes the connection.
//
// # Return
//
//   - The message reader, wrapped by the negotiated extensions.
//   - A wsframe.ProtocolError if a message is already being read. The connection stays open.
//   - A CloseError if the connection is or has been closed while waiting. It wraps the cause,
//     e.g. a wsframe.ProtocolError if the peer has violated the protocol.
func (c *Connection) ReadMessage(ctx context.Context) (MessageReader, error) {
	ctx, span := c.tracer.Start(ctx, spanReadMessage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(attrConnectionId, c.id)))
	defer span.End()
	if c.State() >= StateClosed {
		return nil, handlePotentialError(c.closedError(), span)
	}
	if !c.tryAcquireReadSlot() {
		err := wsframe.ProtocolError{Reason: "double read: a message is already being read"}
		return nil, handleError(err, span, codes.Error, "double read")
	}
	h, err := c.awaitHeader(ctx)
	if err != nil {
		c.releaseReadSlot()
		return nil, handlePotentialError(err, span)
	}
	if h.Opcode == wsframe.OpcodeContinuation {
		c.releaseReadSlot()
		err = c.failProtocol(wsframe.ProtocolError{Reason: "continuation frame received while no message is in progress"})
		return nil, handlePotentialError(err, span)
	}
	c.messageBytes = 0
	if err := c.beginFrame(ctx, h); err != nil {
		c.releaseReadSlot()
		return nil, handlePotentialError(err, span)
	}
	reader := &messageReader{
		conn:        c,
		ctx:         ctx,
		messageType: MessageType(h.Opcode),
		flags:       h.Flags(),
	}
	span.SetAttributes(attribute.String(attrMsgType, reader.messageType.String()))
	c.instruments.messagesReceived.Add(ctx, 1)
	if len(c.extensions) == 0 {
		return reader, handlePotentialError(nil, span)
	}
	return &transformedReader{MessageReader: c.extensions.wrapReader(reader), base: reader}, handlePotentialError(nil, span)
}

// # Description
//
// Read frame headers until a data frame header is found. Control frames are processed inline.
// Must be called by the holder of the read slot.
func (c *Connection) awaitHeader(ctx context.Context) (wsframe.Header, error) {
	h := wsframe.Header{}
	for {
		if c.State() >= StateClosed {
			return h, c.closedError()
		}
		// Read the fixed part then the rest of the header
		if err := c.readFull(ctx, c.headerBuf[:wsframe.MinHeaderLength]); err != nil {
			return h, err
		}
		length, err := wsframe.HeaderLength(c.headerBuf[:wsframe.MinHeaderLength])
		if err != nil {
			return h, c.failProtocol(err)
		}
		if err := c.readFull(ctx, c.headerBuf[wsframe.MinHeaderLength:length]); err != nil {
			return h, err
		}
		if err := wsframe.ParseHeader(c.headerBuf[:length], &h); err != nil {
			return h, c.failProtocol(err)
		}
		if err := c.validateHeader(&h); err != nil {
			return h, c.failProtocol(err)
		}
		c.lastActivity.Store(time.Now().UnixNano())
		if !h.Opcode.IsControl() {
			return h, nil
		}
		if err := c.handleControl(ctx, &h); err != nil {
			return h, err
		}
	}
}

// Check masking rules and reserved bits.
func (c *Connection) validateHeader(h *wsframe.Header) error {
	if c.opts.Role == RoleServer && !h.Masked {
		return wsframe.ProtocolError{Reason: "unmasked frame received from client"}
	}
	if c.opts.Role == RoleClient && h.Masked {
		return wsframe.ProtocolError{Reason: "masked frame received from server"}
	}
	flags := h.Flags()
	if flags == 0 {
		return nil
	}
	if h.Opcode.IsControl() || h.Opcode == wsframe.OpcodeContinuation {
		return wsframe.ProtocolError{Reason: fmt.Sprintf("reserved bits set on %s frame", h.Opcode)}
	}
	if flags&^c.allowedFlags != 0 {
		return wsframe.ProtocolError{Reason: fmt.Sprintf("reserved bits 0x%02X not claimed by any extension", byte(flags&^c.allowedFlags))}
	}
	return nil
}

// Make h the current data frame, enforcing the maximum message size.
func (c *Connection) beginFrame(ctx context.Context, h wsframe.Header) error {
	if limit := c.opts.MaxMessageBytes; limit > 0 {
		if h.PayloadLength > uint64(limit) || c.messageBytes+h.PayloadLength > uint64(limit) {
			return c.fail(MessageTooBig, "message too big",
				fmt.Errorf("message exceeds %d bytes", limit), true)
		}
	}
	c.messageBytes += h.PayloadLength
	c.header = h
	c.remaining = h.PayloadLength
	c.cursor.Reset(&c.header)
	c.instruments.bytesReceived.Add(ctx, int64(h.PayloadLength))
	return nil
}

// Wait for the next frame of the current message, which must be a continuation frame.
func (c *Connection) nextFragment(ctx context.Context) error {
	h, err := c.awaitHeader(ctx)
	if err != nil {
		return err
	}
	if h.Opcode != wsframe.OpcodeContinuation {
		return c.failProtocol(wsframe.ProtocolError{
			Reason: fmt.Sprintf("%s frame received while a fragmented message is in progress", h.Opcode),
		})
	}
	return c.beginFrame(ctx, h)
}

// Read and unmask up to len(p) bytes of the current frame payload.
func (c *Connection) readPayload(ctx context.Context, p []byte) (int, error) {
	if uint64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.transport.Read(ctx, p)
	if n > 0 {
		c.cursor.Apply(p[:n])
		c.remaining -= uint64(n)
		c.lastActivity.Store(time.Now().UnixNano())
	}
	if err != nil {
		if n > 0 && errors.Is(err, io.EOF) {
			// EOF is reported by the next read
			return n, nil
		}
		return n, c.ioFailure(ctx, err, true)
	}
	return n, nil
}

// Read exactly len(p) bytes from the transport.
func (c *Connection) readFull(ctx context.Context, p []byte) error {
	read := 0
	for read < len(p) {
		n, err := c.transport.Read(ctx, p[read:])
		read += n
		if err != nil && read < len(p) {
			return c.ioFailure(ctx, err, true)
		}
	}
	return nil
}

// Process a control frame whose header has just been read.
func (c *Connection) handleControl(ctx context.Context, h *wsframe.Header) error {
	payload := c.controlBuf[:h.PayloadLength]
	if err := c.readFull(ctx, payload); err != nil {
		return err
	}
	// Control frames can be interleaved with fragments: do not touch the data frame cursor
	cursor := wsframe.MaskCursor{}
	cursor.Reset(h)
	cursor.Apply(payload)
	c.logger.Debug("control frame received",
		zap.Stringer("opcode", h.Opcode),
		zap.Int("payload_length", len(payload)))
	switch h.Opcode {
	case wsframe.OpcodePing:
		if c.closing.Load() {
			return nil
		}
		err := c.writeControl(ctx, wsframe.OpcodePong, payload)
		timeoutErr := TimeoutError{}
		if errors.As(err, &timeoutErr) {
			c.logger.Warn("pong skipped", zap.Error(err))
			return nil
		}
		return err
	case wsframe.OpcodePong:
		if c.pinger != nil {
			c.pinger.onPong(payload)
		}
		return nil
	default:
		return c.handleRemoteClose(payload)
	}
}

// # Description
//
// Process a close frame received from the peer. If the local endpoint has not sent a close frame
// yet, the status code is echoed. The transport is then closed.
//
// # Return
//
// The CloseError describing why the connection has been closed.
func (c *Connection) handleRemoteClose(closePayload []byte) error {
	code, reason, err := decodeClosePayload(closePayload)
	if err != nil {
		return c.fail(code, "invalid close frame", err, true)
	}
	c.remoteCloseOnce.Do(func() { close(c.remoteClosed) })
	c.recordCloseError(CloseError{Code: code, Reason: reason, Remote: true})
	if c.closing.CompareAndSwap(false, true) {
		c.advanceState(StateClosing)
		echo := code
		if echo == NoStatusReceived {
			echo = NormalClosure
		}
		var buf [wsframe.MaxControlPayloadLength]byte
		payload, _ := encodeClosePayload(buf[:], echo, "")
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.closeTimeout())
		if err := c.sendControl(ctx, wsframe.OpcodeClose, payload); err != nil {
			c.logger.Debug("failed to echo close frame", zap.Error(err))
		}
		cancel()
	}
	c.shutdown()
	return c.closedError()
}
