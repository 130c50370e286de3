package wsengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gbdevw/wsproto/wsframe"
)

// Writer of a message to send. Bytes are buffered in the connection send buffer; a non-final
// frame is sent each time the buffer is full.
type messageWriter struct {
	// Parent connection
	conn *Connection
	// Context used for I/O
	ctx context.Context
	// Type of the message
	messageType MessageType
	// Reserved bits to set on the first frame
	flags wsframe.ExtensionFlags
	// Number of bytes buffered
	buffered int
	// Set once the first frame has been sent
	frameSent bool
	// Set once Close has been called
	closed bool
	// Error which has failed the writer
	err error
}

func (w *messageWriter) MessageType() MessageType {
	return w.messageType
}

func (w *messageWriter) Flags() wsframe.ExtensionFlags {
	return w.flags
}

func (w *messageWriter) SetFlags(flags wsframe.ExtensionFlags) error {
	if w.frameSent {
		return fmt.Errorf("reserved bits cannot be changed once the first frame has been sent")
	}
	if unclaimed := flags &^ w.conn.allowedFlags; unclaimed != 0 {
		return wsframe.ProtocolError{Reason: fmt.Sprintf("reserved bits 0x%02X not claimed by any extension", byte(unclaimed))}
	}
	w.flags = flags
	return nil
}

// Buffer p and send a non-final frame each time the send buffer is full.
func (w *messageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errStreamClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	total := len(p)
	c := w.conn
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendBuf == nil {
		return 0, c.closedError()
	}
	capacity := len(c.sendBuf) - wsframe.MaxHeaderLength
	for len(p) > 0 {
		if w.buffered == capacity {
			if err := w.flushLocked(false); err != nil {
				w.err = err
				return total - len(p), err
			}
		}
		n := copy(c.sendBuf[wsframe.MaxHeaderLength+w.buffered:], p)
		w.buffered += n
		p = p[n:]
	}
	return total, nil
}

// Close sends the final frame of the message and releases the connection write slot.
func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	c := w.conn
	defer c.writerOpen.Store(false)
	if w.err != nil {
		return w.err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendBuf == nil {
		return c.closedError()
	}
	if err := w.flushLocked(true); err != nil {
		return err
	}
	c.instruments.messagesSent.Add(w.ctx, 1)
	return nil
}

// Send the buffered bytes as a frame. Must be called while holding sendMu.
func (w *messageWriter) flushLocked(fin bool) error {
	c := w.conn
	h := wsframe.NewHeader(uint64(w.buffered), fin, w.frameSent, wsframe.Opcode(w.messageType), w.flags)
	err := c.sendDataFrame(w.ctx, c.sendBuf[:wsframe.MaxHeaderLength+w.buffered], h)
	continuing := w.frameSent
	w.frameSent = true
	w.buffered = 0
	timeoutErr := TimeoutError{}
	if continuing && errors.As(err, &timeoutErr) && timeoutErr.Operation == operationWriteLock {
		// A started message cannot be completed
		return c.fail(InternalError, "send timeout", err, false)
	}
	return err
}

/*************************************************************************************************/
/* BYTE ORDER MARK                                                                               */
/*************************************************************************************************/

// UTF-8 byte order mark stripped from the beginning of text messages
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Outermost wrapper of text message writers: a UTF-8 byte order mark at the beginning of the
// first write is dropped. It is not sent to the peer but is counted as written. The mark is
// removed before extensions transform the message.
type bomStripper struct {
	MessageWriter
	// Set once Write has been called
	written bool
}

func (w *bomStripper) Write(p []byte) (int, error) {
	if w.written {
		return w.MessageWriter.Write(p)
	}
	w.written = true
	if !bytes.HasPrefix(p, utf8BOM) {
		return w.MessageWriter.Write(p)
	}
	n, err := w.MessageWriter.Write(p[len(utf8BOM):])
	if n > 0 || err == nil {
		n += len(utf8BOM)
	}
	return n, err
}
