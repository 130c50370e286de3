package wsengine

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*************************************************************************************************/
/* TRACING RELATED CONSTANTS                                                                     */
/*************************************************************************************************/

// Constants used for tracing and metrics purpose.
const (
	// Package name used by library tracer and meter
	pkgName = "wsengine"
	// Package version
	pkgVersion = "0.0.0"

	// Namespace used by spans, events, attributes and metrics
	namespace = "wsengine"

	// Name of span used to trace ReadMessage public method
	spanReadMessage = namespace + ".read_message"
	// Name of span used to trace NewMessageWriter public method
	spanNewMessageWriter = namespace + ".new_message_writer"
	// Name of span used to trace Close public method
	spanClose = namespace + ".close"
	// Name of span used to trace Dispose public method
	spanDispose = namespace + ".dispose"

	// Event used in span to signal the close frame has been sent
	eventCloseFrameSent = namespace + ".close_frame_sent"
	// Event used in span to signal the peer close frame has been received
	eventCloseFrameReceived = namespace + ".close_frame_received"

	// Attribute used to store connection ID
	attrConnectionId = namespace + ".connection_id"
	// Attribute used to indicate the role of the local endpoint
	attrRole = namespace + ".role"
	// Attribute used to indicate close reason code
	attrCloseCode = namespace + ".close_code"
	// Attribute used to indicate close reason
	attrCloseReason = namespace + ".close_reason"
	// Attribute used to indicate whether close has been initiated by the peer
	attrCloseRemote = namespace + ".close_remote"
	// Attribute used to indicate message type
	attrMsgType = namespace + ".message.type"
	// Attribute used to indicate control frame opcode
	attrOpcode = namespace + ".opcode"
)

// # Description
//
// The function records the input error in the provided span using span.RecordError(err) and set
// the span status with the provided code and description. The function returns the provided error.
func handleError(err error, span trace.Span, code codes.Code, description string) error {
	span.RecordError(err)
	span.SetStatus(code, description)
	return err
}

// # Description
//
// If the error is not nil, the function records the input error in the provided span and set the
// span status with an error code and description. In the other case, the span status is set with
// a Ok code. The function returns the provided error in all cases.
func handlePotentialError(err error, span trace.Span) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, codes.Error.String())
		return err
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return nil
}
