package wsengine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/gbdevw/wsproto/wsframe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operations reported by TimeoutError
const (
	operationWriteLock  = "write lock acquisition"
	operationFrameWrite = "frame write"
)

// # Description
//
// Open a writer for a new message. Frames are sent as the writer buffer fills up; closing the
// writer sends the final frame.
//
// # Inputs
//
//   - ctx: Context used for tracing and cancellation purpose by the writer. Cancellation closes
//     the connection.
//   - messageType: Text or Binary.
//
// # Return
//
//   - The message writer, wrapped by the negotiated extensions.
//   - A wsframe.ProtocolError if another writer is open. The connection stays open.
//   - A CloseError if the connection is closing or closed.
func (c *Connection) NewMessageWriter(ctx context.Context, messageType MessageType) (MessageWriter, error) {
	ctx, span := c.tracer.Start(ctx, spanNewMessageWriter,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(attrConnectionId, c.id),
			attribute.String(attrMsgType, messageType.String())))
	defer span.End()
	if messageType != Text && messageType != Binary {
		return nil, handleError(fmt.Errorf("invalid message type %d", messageType), span, codes.Error, "invalid message type")
	}
	if c.closing.Load() {
		return nil, handlePotentialError(c.closedError(), span)
	}
	if !c.writerOpen.CompareAndSwap(false, true) {
		err := wsframe.ProtocolError{Reason: "double write: a message writer is already open"}
		return nil, handleError(err, span, codes.Error, "double write")
	}
	writer := &messageWriter{
		conn:        c,
		ctx:         ctx,
		messageType: messageType,
	}
	wrapped := c.extensions.wrapWriter(writer)
	if messageType == Text {
		wrapped = &bomStripper{MessageWriter: wrapped}
	}
	return wrapped, handlePotentialError(nil, span)
}

// # Description
//
// Wait for the write lock, bounded by the send timeout.
//
// # Return
//
// The context error if ctx is done, a TimeoutError if the send timeout has elapsed.
func (c *Connection) acquireWriteLock(ctx context.Context) error {
	lockCtx := ctx
	if timeout := c.opts.sendTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.writeSem.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return TimeoutError{Operation: operationWriteLock, Err: err}
	}
	return nil
}

// # Description
//
// Write a frame to the transport. Must be called while holding the write lock.
//
// # Inputs
//
//   - frame: MaxHeaderLength bytes of headroom followed by the payload. In client role, the
//     payload is masked in place.
//   - h: Frame header. The mask key is set in client role.
//
// # Return
//
// Raw errors: use writeFailure to map them.
func (c *Connection) sendFrameLocked(ctx context.Context, frame []byte, h wsframe.Header) error {
	if c.State() >= StateClosed {
		return c.closedError()
	}
	payload := frame[wsframe.MaxHeaderLength:]
	if c.opts.Role == RoleClient {
		key := [4]byte{}
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		h.SetMaskKey(key)
		wsframe.Mask(key, 0, payload)
	}
	start := wsframe.MaxHeaderLength - h.HeaderLength
	if _, err := h.Encode(frame[start:]); err != nil {
		return err
	}
	writeCtx := ctx
	if timeout := c.opts.sendTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := c.transport.Write(writeCtx, frame[start:])
	if err == nil {
		err = c.transport.Flush(writeCtx)
	}
	if err != nil {
		if ctx.Err() == nil && writeCtx.Err() != nil {
			return TimeoutError{Operation: operationFrameWrite, Err: err}
		}
		return err
	}
	c.instruments.bytesSent.Add(ctx, int64(len(payload)))
	return nil
}

// Send a data frame stored in frame (see sendFrameLocked).
func (c *Connection) sendDataFrame(ctx context.Context, frame []byte, h wsframe.Header) error {
	if c.closing.Load() {
		return c.closedError()
	}
	if err := c.acquireWriteLock(ctx); err != nil {
		return c.writeFailure(ctx, err)
	}
	err := c.sendFrameLocked(ctx, frame, h)
	c.writeSem.Release(1)
	if err != nil {
		return c.writeFailure(ctx, err)
	}
	return nil
}

// # Description
//
// Send a control frame. The payload is copied in the connection control frame buffer.
//
// # Return
//
// Raw errors: use writeFailure to map them.
func (c *Connection) sendControl(ctx context.Context, opcode wsframe.Opcode, payload []byte) error {
	if err := c.acquireWriteLock(ctx); err != nil {
		return err
	}
	defer c.writeSem.Release(1)
	frame := c.controlFrame[:wsframe.MaxHeaderLength+len(payload)]
	copy(frame[wsframe.MaxHeaderLength:], payload)
	h := wsframe.NewHeader(uint64(len(payload)), true, false, opcode, 0)
	return c.sendFrameLocked(ctx, frame, h)
}

// Send a control frame, failing the connection on transport errors.
func (c *Connection) writeControl(ctx context.Context, opcode wsframe.Opcode, payload []byte) error {
	if err := c.sendControl(ctx, opcode, payload); err != nil {
		return c.writeFailure(ctx, err)
	}
	return nil
}

// # Description
//
// Map an error returned by the write path:
//   - Close errors are returned as is.
//   - A timeout while waiting for the write lock leaves the connection open.
//   - A timeout while writing to the transport fails the connection with InternalError as a
//     frame may have been partially written.
//   - Cancellation fails the connection with GoingAway.
//   - Other errors are transport failures and fail the connection with InternalError.
func (c *Connection) writeFailure(ctx context.Context, err error) error {
	closeErr := CloseError{}
	timeoutErr := TimeoutError{}
	switch {
	case errors.As(err, &closeErr):
		return err
	case errors.As(err, &timeoutErr):
		if timeoutErr.Operation != operationWriteLock {
			c.fail(InternalError, "send timeout", err, false)
		}
		return err
	default:
		// A frame may have been partially written: the peer is not notified
		return c.ioFailure(ctx, err, false)
	}
}
