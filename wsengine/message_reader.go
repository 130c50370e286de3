package wsengine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gbdevw/wsproto/wsframe"
)

// Error returned when a closed message stream is used.
var errStreamClosed = errors.New("message stream is closed")

// Reader of a received message. It holds the connection read slot until the message has been
// entirely consumed or the reader is closed.
type messageReader struct {
	// Parent connection
	conn *Connection
	// Context used for I/O
	ctx context.Context
	// Type of the message
	messageType MessageType
	// Reserved bits of the first frame
	flags wsframe.ExtensionFlags
	// Set when the last frame has been consumed
	eof bool
	// Set when the read slot has been released
	released bool
	// Error which has failed the reader
	err error
}

func (r *messageReader) MessageType() MessageType {
	return r.messageType
}

func (r *messageReader) Flags() wsframe.ExtensionFlags {
	return r.flags
}

// # Description
//
// Read the next bytes of the message. Continuation frames are awaited transparently and control
// frames interleaved with them are processed by the connection.
//
// # Return
//
// The number of bytes read, io.EOF once the message has been consumed, a CloseError if the
// connection has been closed.
func (r *messageReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	c := r.conn
	for c.remaining == 0 {
		if c.header.Fin {
			r.eof = true
			r.release()
			return 0, io.EOF
		}
		if err := c.nextFragment(r.ctx); err != nil {
			return 0, r.abort(err)
		}
	}
	n, err := c.readPayload(r.ctx, p)
	if err != nil {
		return n, r.abort(err)
	}
	return n, nil
}

// Close discards the unread part of the message and releases the connection read slot.
func (r *messageReader) Close() error {
	if r.released {
		return nil
	}
	c := r.conn
	buf := c.pool.Get(c.opts.ReceiveBufferSize)
	defer c.pool.Put(buf)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *messageReader) abort(err error) error {
	r.err = err
	r.release()
	return err
}

func (r *messageReader) release() {
	if !r.released {
		r.released = true
		r.conn.releaseReadSlot()
	}
}

// Reader returned to the application when extensions transform the message. MaxMessageBytes is
// enforced on the transformed bytes and a PayloadError returned by an extension fails the
// connection.
type transformedReader struct {
	// Reader wrapped by the extensions
	MessageReader
	// Reader of the raw message, holder of the read slot
	base *messageReader
	// Transformed bytes delivered so far
	delivered int64
}

func (r *transformedReader) Read(p []byte) (int, error) {
	n, err := r.MessageReader.Read(p)
	c := r.base.conn
	r.delivered += int64(n)
	if limit := c.opts.MaxMessageBytes; limit > 0 && r.delivered > limit {
		return 0, r.base.abort(c.fail(MessageTooBig, "message too big",
			fmt.Errorf("message exceeds %d bytes once decoded", limit), true))
	}
	payloadErr := PayloadError{}
	if err != nil && errors.As(err, &payloadErr) && !errors.Is(err, ErrConnectionClosed) {
		return n, r.base.abort(c.fail(InvalidFramePayloadData, "invalid payload", err, true))
	}
	return n, err
}
