package wsengine

import (
	"context"
	"fmt"

	"github.com/gbdevw/wsproto/wsframe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// # Description
//
// Start the closing handshake: send a close frame with the provided status code and reason, wait
// for the peer close frame and close the transport.
//
// If no message is being read, Close reads and discards incoming frames until the peer close
// frame arrives. Otherwise, the active reader is expected to receive it. In all cases, the
// transport is closed once the close timeout has elapsed.
//
// Close is idempotent: only one close frame is ever sent. When the connection is already closing,
// Close waits for the transport to be closed.
//
// # Inputs
//
//   - ctx: Context used for tracing and cancellation purpose.
//   - code: Status code to use in the close frame. Must be a valid status code.
//   - reason: Optional close reason. Must not exceed 123 bytes.
//
// # Return
//
// An error if inputs are invalid or if the close frame could not be sent. The connection is
// closed in the later case.
func (c *Connection) Close(ctx context.Context, code StatusCode, reason string) error {
	ctx, span := c.tracer.Start(ctx, spanClose,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(attrConnectionId, c.id),
			attribute.Int(attrCloseCode, int(code)),
			attribute.String(attrCloseReason, reason)))
	defer span.End()
	if !code.IsValid() {
		err := fmt.Errorf("status code %d cannot be sent in a close frame", code)
		return handleError(err, span, codes.Error, "invalid status code")
	}
	var buf [wsframe.MaxControlPayloadLength]byte
	payload, err := encodeClosePayload(buf[:], code, reason)
	if err != nil {
		return handleError(err, span, codes.Error, "invalid close reason")
	}
	if c.State() >= StateClosed {
		return handlePotentialError(nil, span)
	}
	c.recordCloseError(CloseError{Code: code, Reason: reason})
	if !c.closing.CompareAndSwap(false, true) {
		// A closing handshake is already in progress
		select {
		case <-c.done:
			return handlePotentialError(nil, span)
		case <-ctx.Done():
			return handlePotentialError(ctx.Err(), span)
		}
	}
	c.advanceState(StateClosing)
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.closeTimeout())
	defer cancel()
	if err := c.sendControl(waitCtx, wsframe.OpcodeClose, payload); err != nil {
		c.shutdown()
		return handlePotentialError(err, span)
	}
	span.AddEvent(eventCloseFrameSent)
	if c.awaitRemoteClose(waitCtx) {
		span.AddEvent(eventCloseFrameReceived)
	}
	c.shutdown()
	return handlePotentialError(nil, span)
}

// # Description
//
// Wait for the peer close frame. Incoming frames are read and discarded when no message is being
// read.
//
// # Return
//
// True if the peer close frame has been received.
func (c *Connection) awaitRemoteClose(ctx context.Context) bool {
	if c.tryAcquireReadSlot() {
		buf := c.pool.Get(c.opts.ReceiveBufferSize)
		c.drain(ctx, buf)
		c.pool.Put(buf)
		c.releaseReadSlot()
	}
	select {
	case <-c.remoteClosed:
		return true
	case <-c.done:
	case <-ctx.Done():
	}
	select {
	case <-c.remoteClosed:
		return true
	default:
		return false
	}
}

// Read and discard frames until an error occurs, the peer close frame included.
func (c *Connection) drain(ctx context.Context, buf []byte) {
	for {
		h, err := c.awaitHeader(ctx)
		if err != nil {
			return
		}
		c.header = h
		c.remaining = h.PayloadLength
		c.cursor.Reset(&c.header)
		for c.remaining > 0 {
			if _, err := c.readPayload(ctx, buf); err != nil {
				return
			}
		}
	}
}

// # Description
//
// Release the connection resources: if the connection is not closed yet, it is failed with
// GoingAway (a close frame is sent on a best-effort basis) and the transport is closed. The send
// buffer is then returned to the pool. Dispose can be called several times; resources are
// released once.
func (c *Connection) Dispose(ctx context.Context) error {
	_, span := c.tracer.Start(ctx, spanDispose,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(attrConnectionId, c.id)))
	defer span.End()
	if c.State() < StateClosed {
		c.fail(GoingAway, "connection disposed", nil, true)
	}
	c.disposeOnce.Do(func() {
		c.sendMu.Lock()
		c.pool.Put(c.sendBuf)
		c.sendBuf = nil
		c.sendMu.Unlock()
		c.advanceState(StateDisposed)
		c.logger.Debug("connection disposed", zap.Stringer("state", c.State()))
	})
	return handlePotentialError(nil, span)
}
