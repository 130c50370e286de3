package wsengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gbdevw/wsproto/wsframe"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

/*************************************************************************************************/
/* TEST SUITES                                                                                   */
/*************************************************************************************************/

// Test suite used for connection engine unit tests
type ConnectionUnitTestSuite struct {
	suite.Suite
}

// Run ConnectionUnitTestSuite test suite
func TestConnectionUnitTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionUnitTestSuite))
}

/*************************************************************************************************/
/* FACTORY                                                                                       */
/*************************************************************************************************/

// Test factory rejects a nil transport and invalid options
func (suite *ConnectionUnitTestSuite) TestNewConnectionWithBadInputs() {
	_, err := NewConnection(nil, nil, "", nil, nil, nil, nil)
	require.Error(suite.T(), err)
	_, err = NewConnection(newBufferTransport(), NewConnectionConfigurationOptions().WithSendBufferSize(0), "", nil, nil, nil, nil)
	require.Error(suite.T(), err)
	_, err = NewConnection(newBufferTransport(), quietOptions(), "", []NegotiatedExtension{{ExtensionOffer: ExtensionOffer{Name: "x"}}}, nil, nil, nil)
	require.Error(suite.T(), err)
}

/*************************************************************************************************/
/* READ                                                                                          */
/*************************************************************************************************/

// # Description
//
// Test a fragmented text message interleaved with a ping is reassembled, that the ping is answered
// and that the message type is reported from the first frame.
func (suite *ConnectionUnitTestSuite) TestReadFragmentedMessage() {
	transport := newBufferTransport(
		buildFrame(false, wsframe.OpcodeText, 0, []byte("Hel"), true),
		buildFrame(false, wsframe.OpcodeContinuation, 0, []byte("lo "), true),
		buildFrame(true, wsframe.OpcodePing, 0, []byte("are you there?"), true),
		buildFrame(true, wsframe.OpcodeContinuation, 0, []byte("World"), true),
	)
	conn := newTestConnection(suite.T(), transport, quietOptions())
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), Text, reader.MessageType())
	data, err := io.ReadAll(reader)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), "Hello World", string(data))
	require.Equal(suite.T(), Text, reader.MessageType())
	// Check pong
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 1)
	require.Equal(suite.T(), wsframe.OpcodePong, frames[0].header.Opcode)
	require.False(suite.T(), frames[0].header.Masked)
	require.Equal(suite.T(), "are you there?", string(frames[0].payload))
}

// # Description
//
// Test two empty text messages followed by 'Hi' are read as three messages, then the end of the
// transport stream is reported as a closed connection.
func (suite *ConnectionUnitTestSuite) TestReadEmptyMessages() {
	transport := newBufferTransport(
		buildFrame(true, wsframe.OpcodeText, 0, nil, true),
		buildFrame(true, wsframe.OpcodeText, 0, nil, true),
		buildFrame(true, wsframe.OpcodeText, 0, []byte("Hi"), true),
	)
	conn := newTestConnection(suite.T(), transport, quietOptions())
	for _, expected := range []string{"", "", "Hi"} {
		reader, err := conn.ReadMessage(context.Background())
		require.NoError(suite.T(), err)
		data, err := io.ReadAll(reader)
		require.NoError(suite.T(), err)
		require.Equal(suite.T(), expected, string(data))
	}
	_, err := conn.ReadMessage(context.Background())
	require.ErrorIs(suite.T(), err, ErrConnectionClosed)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InternalError, cerr.Code)
	require.Equal(suite.T(), StateClosed, conn.State())
	require.True(suite.T(), transport.isClosed())
}

// Test a second read fails while a message is being read and succeeds once the first is closed
func (suite *ConnectionUnitTestSuite) TestDoubleRead() {
	transport := newBufferTransport(
		buildFrame(true, wsframe.OpcodeBinary, 0, []byte("first message"), true),
		buildFrame(true, wsframe.OpcodeBinary, 0, []byte("second"), true),
	)
	conn := newTestConnection(suite.T(), transport, quietOptions())
	first, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	_, err = conn.ReadMessage(context.Background())
	perr := wsframe.ProtocolError{}
	require.ErrorAs(suite.T(), err, &perr)
	require.Equal(suite.T(), StateOpen, conn.State())
	// Close discards the unread message
	require.NoError(suite.T(), first.Close())
	second, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	data, err := io.ReadAll(second)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), "second", string(data))
}

// Test a read fails while another goroutine is waiting for a message
func (suite *ConnectionUnitTestSuite) TestConcurrentRead() {
	local, peer := net.Pipe()
	defer peer.Close()
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), quietOptions())
	defer conn.Dispose(context.Background())
	go io.Copy(io.Discard, peer)
	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage(context.Background())
		done <- err
	}()
	require.Eventually(suite.T(), func() bool { return len(conn.readSlot) == 1 }, time.Second, 5*time.Millisecond)
	_, err := conn.ReadMessage(context.Background())
	perr := wsframe.ProtocolError{}
	require.ErrorAs(suite.T(), err, &perr)
	// Unblock the first reader with a message
	_, err = peer.Write(buildFrame(true, wsframe.OpcodeText, 0, []byte("ok"), true))
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), <-done)
}

// Test invalid frames fail the connection with the appropriate status code
func (suite *ConnectionUnitTestSuite) TestReadInvalidFrames() {
	unmasked := buildFrame(true, wsframe.OpcodeText, 0, []byte("hi"), false)
	redundant := []byte{0x82, 0x80 | 126, 0x00, 0x05, 0, 0, 0, 0, 1, 2, 3, 4, 5}
	cases := []struct {
		name     string
		input    []byte
		expected StatusCode
	}{
		{"unmasked client frame", unmasked, ProtocolError},
		{"redundant length encoding", redundant, ProtocolError},
		{"reserved bit without extension", buildFrame(true, wsframe.OpcodeText, wsframe.Rsv1, []byte("hi"), true), ProtocolError},
		{"reserved opcode", buildFrame(true, wsframe.Opcode(0x3), 0, nil, true), ProtocolError},
		{"orphan continuation", buildFrame(true, wsframe.OpcodeContinuation, 0, []byte("x"), true), ProtocolError},
		{"one byte close payload", buildFrame(true, wsframe.OpcodeClose, 0, []byte{0x03}, true), ProtocolError},
		{"forbidden close code", buildCloseFrame(AbnormalClosure, ""), ProtocolError},
		{"close reason not utf8", buildCloseFrame(NormalClosure, "\xff\xfe"), InvalidFramePayloadData},
	}
	for _, tc := range cases {
		transport := newBufferTransport(tc.input)
		conn := newTestConnection(suite.T(), transport, quietOptions())
		_, err := conn.ReadMessage(context.Background())
		cerr := CloseError{}
		require.ErrorAs(suite.T(), err, &cerr, tc.name)
		require.Equal(suite.T(), tc.expected, cerr.Code, tc.name)
		perr := wsframe.ProtocolError{}
		require.ErrorAs(suite.T(), err, &perr, tc.name)
		// A close frame with the same code must have been sent
		frames := parseFrames(suite.T(), transport.written())
		require.Len(suite.T(), frames, 1, tc.name)
		require.Equal(suite.T(), wsframe.OpcodeClose, frames[0].header.Opcode, tc.name)
		require.Equal(suite.T(), tc.expected, closeCode(frames[0].payload), tc.name)
		require.True(suite.T(), transport.isClosed(), tc.name)
	}
}

// Test a new message in the middle of a fragmented message is a protocol error
func (suite *ConnectionUnitTestSuite) TestReadInterleavedMessages() {
	transport := newBufferTransport(
		buildFrame(false, wsframe.OpcodeText, 0, []byte("a"), true),
		buildFrame(true, wsframe.OpcodeBinary, 0, []byte("b"), true),
	)
	conn := newTestConnection(suite.T(), transport, quietOptions())
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	_, err = io.ReadAll(reader)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), ProtocolError, cerr.Code)
}

// Test a message larger than MaxMessageBytes closes the connection with MessageTooBig
func (suite *ConnectionUnitTestSuite) TestReadMessageTooBig() {
	transport := newBufferTransport(
		buildFrame(false, wsframe.OpcodeBinary, 0, bytes.Repeat([]byte("a"), 8), true),
		buildFrame(true, wsframe.OpcodeContinuation, 0, bytes.Repeat([]byte("b"), 8), true),
	)
	conn := newTestConnection(suite.T(), transport, quietOptions().WithMaxMessageBytes(10))
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	_, err = io.ReadAll(reader)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), MessageTooBig, cerr.Code)
	frames := parseFrames(suite.T(), transport.written())
	require.Equal(suite.T(), MessageTooBig, closeCode(frames[len(frames)-1].payload))
}

// # Description
//
// Test a close frame from the peer is echoed with the same status code, the transport is closed
// and the close is reported to the reader.
func (suite *ConnectionUnitTestSuite) TestRemoteClose() {
	transport := newBufferTransport(buildCloseFrame(GoingAway, "bye"))
	conn := newTestConnection(suite.T(), transport, quietOptions())
	_, err := conn.ReadMessage(context.Background())
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), GoingAway, cerr.Code)
	require.Equal(suite.T(), "bye", cerr.Reason)
	require.True(suite.T(), cerr.Remote)
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 1)
	require.Equal(suite.T(), GoingAway, closeCode(frames[0].payload))
	require.True(suite.T(), transport.isClosed())
	require.Equal(suite.T(), StateClosed, conn.State())
	// Closing again is a no-op
	require.NoError(suite.T(), conn.Close(context.Background(), NormalClosure, ""))
	require.Len(suite.T(), parseFrames(suite.T(), transport.written()), 1)
}

// Test a close frame without status code is echoed with NormalClosure
func (suite *ConnectionUnitTestSuite) TestRemoteCloseWithoutStatus() {
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeClose, 0, nil, true))
	conn := newTestConnection(suite.T(), transport, quietOptions())
	_, err := conn.ReadMessage(context.Background())
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), NoStatusReceived, cerr.Code)
	frames := parseFrames(suite.T(), transport.written())
	require.Equal(suite.T(), NormalClosure, closeCode(frames[0].payload))
}

// # Description
//
// Test a transport failure is mapped to InternalError, the transport is closed and no close
// frame is written.
func (suite *ConnectionUnitTestSuite) TestTransportFailure() {
	transport := NewTransportMock()
	transport.On("Read", mock.Anything, mock.Anything).Return(0, errors.New("connection reset by peer"))
	transport.On("Close", mock.Anything).Return(nil).Once()
	conn := newTestConnection(suite.T(), transport, quietOptions())
	_, err := conn.ReadMessage(context.Background())
	require.ErrorIs(suite.T(), err, ErrConnectionClosed)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InternalError, cerr.Code)
	require.EqualError(suite.T(), cerr.Err, "connection reset by peer")
	transport.AssertExpectations(suite.T())
	transport.AssertNotCalled(suite.T(), "Write", mock.Anything, mock.Anything)
	// Further operations report the same error
	_, err = conn.NewMessageWriter(context.Background(), Text)
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InternalError, cerr.Code)
}

// Test a failed write is mapped to InternalError
func (suite *ConnectionUnitTestSuite) TestTransportWriteFailure() {
	transport := NewTransportMock()
	transport.On("Write", mock.Anything, mock.Anything).Return(errors.New("broken pipe"))
	transport.On("Close", mock.Anything).Return(nil).Once()
	conn := newTestConnection(suite.T(), transport, quietOptions())
	writer, err := conn.NewMessageWriter(context.Background(), Binary)
	require.NoError(suite.T(), err)
	_, err = writer.Write([]byte("data"))
	require.NoError(suite.T(), err)
	err = writer.Close()
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InternalError, cerr.Code)
	require.Equal(suite.T(), StateClosed, conn.State())
	transport.AssertExpectations(suite.T())
}

/*************************************************************************************************/
/* WRITE                                                                                         */
/*************************************************************************************************/

// Test a second writer cannot be opened until the first one is closed
func (suite *ConnectionUnitTestSuite) TestDoubleWriter() {
	transport := newBufferTransport()
	conn := newTestConnection(suite.T(), transport, quietOptions())
	first, err := conn.NewMessageWriter(context.Background(), Text)
	require.NoError(suite.T(), err)
	_, err = conn.NewMessageWriter(context.Background(), Text)
	perr := wsframe.ProtocolError{}
	require.ErrorAs(suite.T(), err, &perr)
	require.NoError(suite.T(), first.Close())
	second, err := conn.NewMessageWriter(context.Background(), Binary)
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), second.Close())
	// Writing to a closed writer fails
	_, err = second.Write([]byte("late"))
	require.Error(suite.T(), err)
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 2)
	require.Equal(suite.T(), wsframe.OpcodeText, frames[0].header.Opcode)
	require.Equal(suite.T(), wsframe.OpcodeBinary, frames[1].header.Opcode)
	require.True(suite.T(), frames[0].header.Fin)
	require.Empty(suite.T(), frames[0].payload)
}

// # Description
//
// Test written bytes are sent as non-final frames when the send buffer is full, followed by
// continuation frames, and that a leading byte order mark is dropped from text messages.
func (suite *ConnectionUnitTestSuite) TestWriteFragmentsAndBOM() {
	transport := newBufferTransport()
	conn := newTestConnection(suite.T(), transport, quietOptions().WithSendBufferSize(16))
	message := bytes.Repeat([]byte("0123456789"), 4)
	writer, err := conn.NewMessageWriter(context.Background(), Text)
	require.NoError(suite.T(), err)
	n, err := writer.Write(append([]byte{0xEF, 0xBB, 0xBF}, message[:20]...))
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), 23, n)
	_, err = writer.Write(message[20:])
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), writer.Close())
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 3)
	require.Equal(suite.T(), wsframe.OpcodeText, frames[0].header.Opcode)
	require.False(suite.T(), frames[0].header.Fin)
	require.Equal(suite.T(), wsframe.OpcodeContinuation, frames[1].header.Opcode)
	require.False(suite.T(), frames[1].header.Fin)
	require.Equal(suite.T(), wsframe.OpcodeContinuation, frames[2].header.Opcode)
	require.True(suite.T(), frames[2].header.Fin)
	received := []byte{}
	for _, frame := range frames {
		require.False(suite.T(), frame.header.Masked)
		received = append(received, frame.payload...)
	}
	require.Equal(suite.T(), message, received)
}

// Test the byte order mark is kept in binary messages
func (suite *ConnectionUnitTestSuite) TestWriteBinaryKeepsBOM() {
	transport := newBufferTransport()
	conn := newTestConnection(suite.T(), transport, quietOptions())
	writer, err := conn.NewMessageWriter(context.Background(), Binary)
	require.NoError(suite.T(), err)
	_, err = writer.Write([]byte{0xEF, 0xBB, 0xBF, 0x01})
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), writer.Close())
	frames := parseFrames(suite.T(), transport.written())
	require.Equal(suite.T(), []byte{0xEF, 0xBB, 0xBF, 0x01}, frames[0].payload)
}

// Test the client role masks outgoing frames and rejects masked inbound frames
func (suite *ConnectionUnitTestSuite) TestClientRole() {
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeText, 0, []byte("masked"), true))
	conn := newTestConnection(suite.T(), transport, quietOptions().WithRole(RoleClient))
	writer, err := conn.NewMessageWriter(context.Background(), Text)
	require.NoError(suite.T(), err)
	_, err = writer.Write([]byte("hello server"))
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), writer.Close())
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 1)
	require.True(suite.T(), frames[0].header.Masked)
	require.Equal(suite.T(), "hello server", string(frames[0].payload))
	// Masked inbound frame
	_, err = conn.ReadMessage(context.Background())
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), ProtocolError, cerr.Code)
}

// Test a message writer cannot be opened with an invalid message type
func (suite *ConnectionUnitTestSuite) TestNewMessageWriterInvalidType() {
	conn := newTestConnection(suite.T(), newBufferTransport(), quietOptions())
	_, err := conn.NewMessageWriter(context.Background(), MessageType(wsframe.OpcodePing))
	require.Error(suite.T(), err)
	require.False(suite.T(), conn.writerOpen.Load())
}

// Test reserved bits cannot be set without a negotiated extension claiming them
func (suite *ConnectionUnitTestSuite) TestSetFlagsWithoutExtension() {
	conn := newTestConnection(suite.T(), newBufferTransport(), quietOptions())
	writer, err := conn.NewMessageWriter(context.Background(), Text)
	require.NoError(suite.T(), err)
	perr := wsframe.ProtocolError{}
	require.ErrorAs(suite.T(), writer.SetFlags(wsframe.Rsv1), &perr)
	require.NoError(suite.T(), writer.SetFlags(0))
}

// Test the write lock timeout leaves the connection open
func (suite *ConnectionUnitTestSuite) TestWriteLockTimeout() {
	conn := newTestConnection(suite.T(), newBufferTransport(), quietOptions().WithSendTimeoutMs(50))
	// Simulate a frame being written
	require.NoError(suite.T(), conn.writeSem.Acquire(context.Background(), 1))
	writer, err := conn.NewMessageWriter(context.Background(), Text)
	require.NoError(suite.T(), err)
	err = writer.Close()
	timeoutErr := TimeoutError{}
	require.ErrorAs(suite.T(), err, &timeoutErr)
	require.Equal(suite.T(), StateOpen, conn.State())
	conn.writeSem.Release(1)
}

// # Description
//
// Test a write lock timeout which occurs once a message has been started fails the connection:
// the message cannot be completed and no other message can be sent.
func (suite *ConnectionUnitTestSuite) TestWriteLockTimeoutWithinMessage() {
	transport := newBufferTransport()
	conn := newTestConnection(suite.T(), transport, quietOptions().WithSendBufferSize(16).WithSendTimeoutMs(50))
	writer, err := conn.NewMessageWriter(context.Background(), Binary)
	require.NoError(suite.T(), err)
	// First frame is sent
	_, err = writer.Write(bytes.Repeat([]byte("a"), 20))
	require.NoError(suite.T(), err)
	// Simulate a frame being written
	require.NoError(suite.T(), conn.writeSem.Acquire(context.Background(), 1))
	_, err = writer.Write(bytes.Repeat([]byte("b"), 20))
	timeoutErr := TimeoutError{}
	require.ErrorAs(suite.T(), err, &timeoutErr)
	require.Equal(suite.T(), operationWriteLock, timeoutErr.Operation)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InternalError, cerr.Code)
	require.GreaterOrEqual(suite.T(), conn.State(), StateClosed)
	require.Error(suite.T(), writer.Close())
	conn.writeSem.Release(1)
	_, err = conn.NewMessageWriter(context.Background(), Binary)
	require.ErrorIs(suite.T(), err, ErrConnectionClosed)
	// Only the first fragment has reached the wire
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 1)
	require.False(suite.T(), frames[0].header.Fin)
	require.Equal(suite.T(), bytes.Repeat([]byte("a"), 16), frames[0].payload)
}

/*************************************************************************************************/
/* EXTENSIONS                                                                                    */
/*************************************************************************************************/

// # Description
//
// Test extensions are applied in reverse negotiation order on write and in negotiation order on
// read, using two transforms which do not commute.
func (suite *ConnectionUnitTestSuite) TestExtensionPipelineOrder() {
	xor := &transformExtension{
		name:   "xor",
		encode: func(b byte) byte { return b ^ 0x5A },
		decode: func(b byte) byte { return b ^ 0x5A },
	}
	add := &transformExtension{
		name:   "add",
		encode: func(b byte) byte { return b + 1 },
		decode: func(b byte) byte { return b - 1 },
	}
	message := []byte("pipeline")
	// Write side
	transport := newBufferTransport()
	conn := newTestConnection(suite.T(), transport, quietOptions(), xor.negotiated(), add.negotiated())
	writer, err := conn.NewMessageWriter(context.Background(), Binary)
	require.NoError(suite.T(), err)
	_, err = writer.Write(message)
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), writer.Close())
	frames := parseFrames(suite.T(), transport.written())
	require.Len(suite.T(), frames, 1)
	expectedWire := make([]byte, len(message))
	for i, b := range message {
		expectedWire[i] = (b + 1) ^ 0x5A
	}
	require.Equal(suite.T(), expectedWire, frames[0].payload)
	// Read side
	transport = newBufferTransport(buildFrame(true, wsframe.OpcodeBinary, 0, expectedWire, true))
	conn = newTestConnection(suite.T(), transport, quietOptions(), xor.negotiated(), add.negotiated())
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	data, err := io.ReadAll(reader)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), message, data)
	require.Len(suite.T(), conn.Extensions(), 2)
}

// Test MaxMessageBytes applies to the message once expanded by extensions
func (suite *ConnectionUnitTestSuite) TestReadDecodedMessageTooBig() {
	repeat := &repeatExtension{factor: 4}
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeBinary, 0, []byte("12345678"), true))
	conn := newTestConnection(suite.T(), transport, quietOptions().WithMaxMessageBytes(10), repeat.negotiated())
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	data, err := io.ReadAll(reader)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), MessageTooBig, cerr.Code)
	require.LessOrEqual(suite.T(), len(data), 10)
	require.GreaterOrEqual(suite.T(), conn.State(), StateClosed)
	frames := parseFrames(suite.T(), transport.written())
	require.Equal(suite.T(), wsframe.OpcodeClose, frames[len(frames)-1].header.Opcode)
	require.Equal(suite.T(), MessageTooBig, closeCode(frames[len(frames)-1].payload))
	// Same message within the limit
	transport = newBufferTransport(buildFrame(true, wsframe.OpcodeBinary, 0, []byte("12"), true))
	conn = newTestConnection(suite.T(), transport, quietOptions().WithMaxMessageBytes(10), repeat.negotiated())
	reader, err = conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	data, err = io.ReadAll(reader)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), "11112222", string(data))
	require.Equal(suite.T(), StateOpen, conn.State())
}

// Test a payload rejected by an extension closes the connection with InvalidFramePayloadData
func (suite *ConnectionUnitTestSuite) TestReadInvalidPayload() {
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeText, 0, []byte("garbage"), true))
	reject := NegotiatedExtension{ExtensionOffer: ExtensionOffer{Name: "reject"}, Context: rejectExtension{}}
	conn := newTestConnection(suite.T(), transport, quietOptions(), reject)
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	_, err = io.ReadAll(reader)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), err, &cerr)
	require.Equal(suite.T(), InvalidFramePayloadData, cerr.Code)
	payloadErr := PayloadError{}
	require.ErrorAs(suite.T(), err, &payloadErr)
	require.GreaterOrEqual(suite.T(), conn.State(), StateClosed)
	frames := parseFrames(suite.T(), transport.written())
	require.Equal(suite.T(), InvalidFramePayloadData, closeCode(frames[len(frames)-1].payload))
	// The read slot has been released
	_, err = conn.ReadMessage(context.Background())
	require.ErrorIs(suite.T(), err, ErrConnectionClosed)
}

/*************************************************************************************************/
/* CLOSE, CANCELLATION & KEEPALIVE                                                               */
/*************************************************************************************************/

// Test the closing handshake with a peer which echoes the close frame
func (suite *ConnectionUnitTestSuite) TestCloseHandshake() {
	local, peer := net.Pipe()
	defer peer.Close()
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), quietOptions().WithCloseTimeoutMs(2000))
	received := make(chan testFrame, 1)
	go func() {
		h, payload, err := readFrame(peer)
		if err != nil {
			close(received)
			return
		}
		received <- testFrame{header: h, payload: payload}
		peer.Write(buildFrame(true, wsframe.OpcodeClose, 0, payload, true))
	}()
	require.NoError(suite.T(), conn.Close(context.Background(), NormalClosure, "bye"))
	frame, ok := <-received
	require.True(suite.T(), ok)
	require.Equal(suite.T(), wsframe.OpcodeClose, frame.header.Opcode)
	require.Equal(suite.T(), NormalClosure, closeCode(frame.payload))
	require.Equal(suite.T(), "bye", string(frame.payload[2:]))
	require.Equal(suite.T(), StateClosed, conn.State())
	cerr := CloseError{}
	require.ErrorAs(suite.T(), conn.Err(), &cerr)
	require.Equal(suite.T(), NormalClosure, cerr.Code)
	require.False(suite.T(), cerr.Remote)
	// Invalid status codes are rejected
	require.Error(suite.T(), conn.Close(context.Background(), AbnormalClosure, ""))
	// Dispose releases resources once
	require.NoError(suite.T(), conn.Dispose(context.Background()))
	require.NoError(suite.T(), conn.Dispose(context.Background()))
	require.Equal(suite.T(), StateDisposed, conn.State())
}

// Test the connection takes its buffers from the configured pool and returns them
func (suite *ConnectionUnitTestSuite) TestBufferPool() {
	pool := &countingPool{}
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeBinary, 0, []byte("unread"), true))
	conn := newTestConnection(suite.T(), transport, quietOptions().WithBufferPool(pool))
	gets, puts := pool.counts()
	require.Equal(suite.T(), 1, gets)
	require.Zero(suite.T(), puts)
	// Discarding an unread message borrows a buffer
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), reader.Close())
	gets, puts = pool.counts()
	require.Equal(suite.T(), 2, gets)
	require.Equal(suite.T(), 1, puts)
	// Send buffer is returned once
	require.NoError(suite.T(), conn.Dispose(context.Background()))
	require.NoError(suite.T(), conn.Dispose(context.Background()))
	gets, puts = pool.counts()
	require.Equal(suite.T(), gets, puts)
	// Default pool is used when none is set
	other := newTestConnection(suite.T(), newBufferTransport(), quietOptions())
	require.Same(suite.T(), DefaultBufferPool, other.pool)
}

// Test the transport is closed after the close timeout when the peer does not answer
func (suite *ConnectionUnitTestSuite) TestCloseTimeout() {
	local, peer := net.Pipe()
	defer peer.Close()
	go io.Copy(io.Discard, peer)
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), quietOptions().WithCloseTimeoutMs(100))
	start := time.Now()
	require.NoError(suite.T(), conn.Close(context.Background(), GoingAway, ""))
	require.Less(suite.T(), time.Since(start), time.Second)
	require.Equal(suite.T(), StateClosed, conn.State())
}

// # Description
//
// Test cancelling a pending read tears the connection down with GoingAway.
func (suite *ConnectionUnitTestSuite) TestCancellationTearsDown() {
	local, peer := net.Pipe()
	defer peer.Close()
	go io.Copy(io.Discard, peer)
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), quietOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage(ctx)
		done <- err
	}()
	require.Eventually(suite.T(), func() bool { return len(conn.readSlot) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		cerr := CloseError{}
		require.ErrorAs(suite.T(), err, &cerr)
		require.Equal(suite.T(), GoingAway, cerr.Code)
		require.ErrorIs(suite.T(), err, context.Canceled)
	case <-time.After(2 * time.Second):
		suite.FailNow("read has not been canceled")
	}
	require.Equal(suite.T(), StateClosed, conn.State())
}

// # Description
//
// Test a connection with a 100ms ping timeout and no inbound traffic is closed with GoingAway
// within one ping interval.
func (suite *ConnectionUnitTestSuite) TestPingTimeout() {
	local, peer := net.Pipe()
	defer peer.Close()
	go io.Copy(io.Discard, peer)
	opts := NewConnectionConfigurationOptions().
		WithPingMode(PingModeActivity).
		WithPingTimeoutMs(100).
		WithCloseTimeoutMs(100)
	start := time.Now()
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), opts)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		suite.FailNow("connection has not been closed")
	}
	require.Less(suite.T(), time.Since(start), time.Second)
	cerr := CloseError{}
	require.ErrorAs(suite.T(), conn.Err(), &cerr)
	require.Equal(suite.T(), GoingAway, cerr.Code)
}

// # Description
//
// Test latency mode measures latency from the timestamps echoed by the peer and keeps the
// connection alive.
func (suite *ConnectionUnitTestSuite) TestLatencyPing() {
	local, peer := net.Pipe()
	defer peer.Close()
	opts := NewConnectionConfigurationOptions().
		WithPingMode(PingModeLatency).
		WithPingTimeoutMs(1000).
		WithCloseTimeoutMs(100)
	conn := newTestConnection(suite.T(), NewNetTransport(local, nil, 1024, 1024), opts)
	// Peer answers pings
	go func() {
		for {
			h, payload, err := readFrame(peer)
			if err != nil {
				return
			}
			if h.Opcode == wsframe.OpcodePing {
				if _, err := peer.Write(buildFrame(true, wsframe.OpcodePong, 0, payload, true)); err != nil {
					return
				}
			}
		}
	}()
	// Reader processes pongs
	go conn.ReadMessage(context.Background())
	require.Eventually(suite.T(), func() bool { return conn.Latency() > 0 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(suite.T(), StateOpen, conn.State())
	require.NoError(suite.T(), conn.Dispose(context.Background()))
}

// Test ping interval is max(500ms, timeout/2)
func (suite *ConnectionUnitTestSuite) TestPingInterval() {
	require.Equal(suite.T(), 500*time.Millisecond, pingInterval(100*time.Millisecond))
	require.Equal(suite.T(), 500*time.Millisecond, pingInterval(time.Second))
	require.Equal(suite.T(), 15*time.Second, pingInterval(30*time.Second))
}

// Test unsolicited pongs are ignored by the latency strategy
func (suite *ConnectionUnitTestSuite) TestLatencyIgnoresUnsolicitedPong() {
	conn := newTestConnection(suite.T(), newBufferTransport(), quietOptions())
	strategy := newLatencyPingStrategy(conn)
	before := strategy.lastSeen()
	strategy.onPong([]byte("hello"))
	strategy.onPong(make([]byte, 8))
	require.Equal(suite.T(), before, strategy.lastSeen())
	require.Zero(suite.T(), conn.Latency())
}

/*************************************************************************************************/
/* TRACING                                                                                       */
/*************************************************************************************************/

// Test public methods are traced and failures are recorded in spans
func (suite *ConnectionUnitTestSuite) TestTracing() {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	transport := newBufferTransport(buildFrame(true, wsframe.OpcodeText, 0, []byte("traced"), true))
	conn, err := NewConnection(transport, quietOptions(), "chat", nil, zaptest.NewLogger(suite.T()), tp, nil)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), "chat", conn.SubProtocol())
	reader, err := conn.ReadMessage(context.Background())
	require.NoError(suite.T(), err)
	_, err = conn.ReadMessage(context.Background())
	require.Error(suite.T(), err)
	require.NoError(suite.T(), reader.Close())
	spans := recorder.Ended()
	require.Len(suite.T(), spans, 2)
	for _, span := range spans {
		require.Equal(suite.T(), spanReadMessage, span.Name())
	}
	require.Equal(suite.T(), codes.Ok, spans[0].Status().Code)
	require.Equal(suite.T(), codes.Error, spans[1].Status().Code)
	require.Len(suite.T(), spans[1].Events(), 1, fmt.Sprintf("%v", spans[1].Events()))
}
