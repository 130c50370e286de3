package wsengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/gbdevw/wsproto/wsframe"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

/*************************************************************************************************/
/* TEST HELPERS                                                                                  */
/*************************************************************************************************/

// In-memory transport which reads from a fixed input and records writes.
type bufferTransport struct {
	mu     sync.Mutex
	input  *bytes.Reader
	output bytes.Buffer
	closed bool
}

func newBufferTransport(frames ...[]byte) *bufferTransport {
	return &bufferTransport{input: bytes.NewReader(bytes.Join(frames, nil))}
}

func (t *bufferTransport) Read(ctx context.Context, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, net.ErrClosed
	}
	return t.input.Read(p)
}

func (t *bufferTransport) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.output.Write(p)
	return nil
}

func (t *bufferTransport) Flush(ctx context.Context) error { return nil }

func (t *bufferTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *bufferTransport) LocalAddr() net.Addr  { return nil }
func (t *bufferTransport) RemoteAddr() net.Addr { return nil }

func (t *bufferTransport) written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte{}, t.output.Bytes()...)
}

func (t *bufferTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Build a frame. Continuation frames are built by passing OpcodeContinuation.
func buildFrame(fin bool, opcode wsframe.Opcode, flags wsframe.ExtensionFlags, payload []byte, masked bool) []byte {
	h := wsframe.NewHeader(uint64(len(payload)), fin, false, opcode, flags)
	if masked {
		h.SetMaskKey([4]byte{0x11, 0x22, 0x33, 0x44})
	}
	buf := make([]byte, h.HeaderLength+len(payload))
	n, _ := h.Encode(buf)
	copy(buf[n:], payload)
	if masked {
		wsframe.Mask(h.MaskKey, 0, buf[n:])
	}
	return buf
}

// Build a masked close frame
func buildCloseFrame(code StatusCode, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return buildFrame(true, wsframe.OpcodeClose, 0, payload, true)
}

// A decoded frame
type testFrame struct {
	header  wsframe.Header
	payload []byte
}

// Decode all frames written to a transport. Payloads are unmasked.
func parseFrames(t *testing.T, data []byte) []testFrame {
	frames := []testFrame{}
	for len(data) > 0 {
		hl, err := wsframe.HeaderLength(data)
		require.NoError(t, err)
		h := wsframe.Header{}
		require.NoError(t, wsframe.ParseHeader(data, &h))
		end := hl + int(h.PayloadLength)
		payload := append([]byte{}, data[hl:end]...)
		if h.Masked {
			wsframe.Mask(h.MaskKey, 0, payload)
		}
		frames = append(frames, testFrame{header: h, payload: payload})
		data = data[end:]
	}
	return frames
}

// Read a single frame from a stream. Payload is unmasked.
func readFrame(r io.Reader) (wsframe.Header, []byte, error) {
	h := wsframe.Header{}
	buf := make([]byte, wsframe.MaxHeaderLength)
	if _, err := io.ReadFull(r, buf[:wsframe.MinHeaderLength]); err != nil {
		return h, nil, err
	}
	hl, err := wsframe.HeaderLength(buf)
	if err != nil {
		return h, nil, err
	}
	if _, err := io.ReadFull(r, buf[wsframe.MinHeaderLength:hl]); err != nil {
		return h, nil, err
	}
	if err := wsframe.ParseHeader(buf[:hl], &h); err != nil {
		return h, nil, err
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	if h.Masked {
		wsframe.Mask(h.MaskKey, 0, payload)
	}
	return h, payload, nil
}

// Status code of a close frame payload
func closeCode(payload []byte) StatusCode {
	if len(payload) < 2 {
		return NoStatusReceived
	}
	return StatusCode(binary.BigEndian.Uint16(payload))
}

// Create a connection which uses a test logger and global (no-op) providers
func newTestConnection(t *testing.T, transport Transport, opts *ConnectionConfigurationOptions, extensions ...NegotiatedExtension) *Connection {
	conn, err := NewConnection(transport, opts, "", extensions, zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	return conn
}

// Options without keepalive
func quietOptions() *ConnectionConfigurationOptions {
	return NewConnectionConfigurationOptions().
		WithPingMode(PingModeNone).
		WithCloseTimeoutMs(200)
}

/*************************************************************************************************/
/* TEST EXTENSION                                                                                */
/*************************************************************************************************/

// Extension which applies a byte-wise transform. It is its own context.
type transformExtension struct {
	name   string
	encode func(byte) byte
	decode func(byte) byte
}

func (ext *transformExtension) Name() string { return ext.name }

func (ext *transformExtension) Negotiate(offer ExtensionOffer) (ExtensionOffer, ExtensionContext, bool) {
	return ExtensionOffer{Name: ext.name}, ext, true
}

func (ext *transformExtension) Flags() wsframe.ExtensionFlags { return 0 }

func (ext *transformExtension) WrapReader(reader MessageReader) MessageReader {
	return &transformReader{MessageReader: reader, transform: ext.decode}
}

func (ext *transformExtension) WrapWriter(writer MessageWriter) MessageWriter {
	return &transformWriter{MessageWriter: writer, transform: ext.encode}
}

func (ext *transformExtension) negotiated() NegotiatedExtension {
	return NegotiatedExtension{ExtensionOffer: ExtensionOffer{Name: ext.name}, Context: ext}
}

type transformReader struct {
	MessageReader
	transform func(byte) byte
}

func (r *transformReader) Read(p []byte) (int, error) {
	n, err := r.MessageReader.Read(p)
	for i := range p[:n] {
		p[i] = r.transform(p[i])
	}
	return n, err
}

type transformWriter struct {
	MessageWriter
	transform func(byte) byte
}

func (w *transformWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	for i := range p {
		buf[i] = w.transform(p[i])
	}
	return w.MessageWriter.Write(buf)
}

// Extension which repeats each received byte. It is its own context.
type repeatExtension struct {
	factor int
}

func (ext *repeatExtension) Name() string { return "repeat" }

func (ext *repeatExtension) Negotiate(offer ExtensionOffer) (ExtensionOffer, ExtensionContext, bool) {
	return ExtensionOffer{Name: "repeat"}, ext, true
}

func (ext *repeatExtension) Flags() wsframe.ExtensionFlags { return 0 }

func (ext *repeatExtension) WrapReader(reader MessageReader) MessageReader {
	return &repeatReader{MessageReader: reader, factor: ext.factor}
}

func (ext *repeatExtension) WrapWriter(writer MessageWriter) MessageWriter { return writer }

func (ext *repeatExtension) negotiated() NegotiatedExtension {
	return NegotiatedExtension{ExtensionOffer: ExtensionOffer{Name: "repeat"}, Context: ext}
}

type repeatReader struct {
	MessageReader
	factor  int
	pending []byte
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		buf := make([]byte, len(p))
		n, err := r.MessageReader.Read(buf)
		for _, b := range buf[:n] {
			r.pending = append(r.pending, bytes.Repeat([]byte{b}, r.factor)...)
		}
		if n == 0 {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Extension whose reader rejects every message payload. It is its own context.
type rejectExtension struct{}

func (ext rejectExtension) Name() string { return "reject" }

func (ext rejectExtension) Negotiate(offer ExtensionOffer) (ExtensionOffer, ExtensionContext, bool) {
	return ExtensionOffer{Name: "reject"}, ext, true
}

func (ext rejectExtension) Flags() wsframe.ExtensionFlags { return 0 }

func (ext rejectExtension) WrapReader(reader MessageReader) MessageReader {
	return &rejectReader{MessageReader: reader}
}

func (ext rejectExtension) WrapWriter(writer MessageWriter) MessageWriter { return writer }

type rejectReader struct {
	MessageReader
}

func (r *rejectReader) Read(p []byte) (int, error) {
	n, err := r.MessageReader.Read(p)
	if err != nil {
		return n, err
	}
	return 0, PayloadError{Reason: "undecodable payload"}
}

// Buffer pool which counts buffers taken and returned
type countingPool struct {
	mu   sync.Mutex
	gets int
	puts int
}

func (p *countingPool) Get(length int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	return make([]byte, length)
}

func (p *countingPool) Put(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts++
}

func (p *countingPool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets, p.puts
}
