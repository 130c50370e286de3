package wsengine

import (
	"bufio"
	"context"
	"net"
	"time"
)

// Interface which describes the byte stream the connection engine runs on top of. TCP sockets,
// unix sockets, TLS connections or pipes are interchangeable implementations.
//
// The engine guarantees at most one concurrent Read and at most one concurrent Write/Flush.
// Close may be called concurrently with Read and Write and must unblock them.
type Transport interface {
	// # Description
	//
	// Read up to len(p) bytes from the stream. Read blocks until at least one byte is available,
	// the stream ends or the context is done.
	//
	// # Return
	//
	// The number of bytes read. io.EOF when the stream has ended. The context error when the
	// context is done before data is available.
	Read(ctx context.Context, p []byte) (int, error)
	// # Description
	//
	// Write all bytes of p to the stream. Bytes may be buffered until Flush is called.
	//
	// # Return
	//
	// An error if the bytes could not be written. The context error when the context is done
	// before the write completes.
	Write(ctx context.Context, p []byte) error
	// Flush pushes buffered bytes to the peer.
	Flush(ctx context.Context) error
	// Close closes the stream. Pending and future Read/Write calls fail.
	Close(ctx context.Context) error
	// LocalAddr returns the local endpoint.
	LocalAddr() net.Addr
	// RemoteAddr returns the remote endpoint.
	RemoteAddr() net.Addr
}

/*************************************************************************************************/
/* NET.CONN TRANSPORT                                                                            */
/*************************************************************************************************/

// A point in the past used to abort pending I/O through deadlines.
var aLongTimeAgo = time.Unix(1, 0)

// Transport implementation over a net.Conn. Reads and writes are buffered. Context cancellation
// is implemented with connection deadlines.
type NetTransport struct {
	// Underlying connection
	conn net.Conn
	// Buffered reader. Can hold bytes read during the HTTP handshake.
	reader *bufio.Reader
	// Buffered writer
	writer *bufio.Writer
}

// # Description
//
// Factory which creates a new NetTransport.
//
// # Inputs
//
//   - conn: underlying connection.
//   - reader: optional buffered reader bound to conn. Use it when conn has already been read
//     through a bufio.Reader (HTTP handshake) so buffered bytes are not lost. If nil, a new
//     reader is created.
//   - readBufferSize: size of the read buffer when a new reader is created.
//   - writeBufferSize: size of the write buffer.
func NewNetTransport(conn net.Conn, reader *bufio.Reader, readBufferSize int, writeBufferSize int) *NetTransport {
	if reader == nil {
		reader = bufio.NewReaderSize(conn, readBufferSize)
	}
	return &NetTransport{
		conn:   conn,
		reader: reader,
		writer: bufio.NewWriterSize(conn, writeBufferSize),
	}
}

// Read up to len(p) bytes from the connection.
func (t *NetTransport) Read(ctx context.Context, p []byte) (int, error) {
	defer watchContext(ctx, t.conn.SetReadDeadline)()
	n, err := t.reader.Read(p)
	if err != nil && ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, err
}

// Write p to the write buffer. The buffer is written to the connection when full.
func (t *NetTransport) Write(ctx context.Context, p []byte) error {
	defer watchContext(ctx, t.conn.SetWriteDeadline)()
	_, err := t.writer.Write(p)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Flush the write buffer to the connection.
func (t *NetTransport) Flush(ctx context.Context) error {
	defer watchContext(ctx, t.conn.SetWriteDeadline)()
	err := t.writer.Flush()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close the underlying connection.
func (t *NetTransport) Close(ctx context.Context) error {
	return t.conn.Close()
}

// LocalAddr returns the local network address.
func (t *NetTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (t *NetTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// # Description
//
// Arrange for the provided deadline setter to be called with a past deadline when ctx is done so
// pending I/O returns.
//
// # Return
//
// A function which must be called once I/O completes. It stops watching the context and clears
// the deadline if it has been set.
func watchContext(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		setDeadline(aLongTimeAgo)
	})
	return func() {
		if !stop() {
			// Deadline has been set: reset it
			setDeadline(time.Time{})
		}
	}
}
