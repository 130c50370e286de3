package wsengine

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gbdevw/wsproto/wsframe"
)

/*************************************************************************************************/
/* CLOSE STATUS CODES                                                                            */
/*************************************************************************************************/

// Constants for RFC6455 defined close status codes
//
// RFC: https://www.rfc-editor.org/rfc/rfc6455.html#section-7.4.1
//
// Code names are inspired by: https://www.iana.org/assignments/websocket/websocket.xhtml
type StatusCode int

const (
	// 1000 indicates a normal closure, meaning that the purpose for
	// which the connection was established has been fulfilled.
	NormalClosure StatusCode = 1000
	// 1001 indicates that an endpoint is "going away", such as a server
	// going down or a browser having navigated away from a page.
	GoingAway StatusCode = 1001
	// 1002 indicates that an endpoint is terminating the connection due
	// to a protocol error.
	ProtocolError StatusCode = 1002
	// 1003 indicates that an endpoint is terminating the connection
	// because it has received a type of data it cannot accept.
	UnsupportedData StatusCode = 1003
	// 1005 is a reserved value and MUST NOT be set as a status code in a
	// Close control frame by an endpoint. It is reported when a close frame
	// without status code is received.
	NoStatusReceived StatusCode = 1005
	// 1006 is a reserved value and MUST NOT be set as a status code in a
	// Close control frame by an endpoint. It is reported when the connection
	// was closed without sending or receiving a Close control frame.
	AbnormalClosure StatusCode = 1006
	// 1007 indicates that an endpoint is terminating the connection
	// because it has received data within a message that was not
	// consistent with the type of the message.
	InvalidFramePayloadData StatusCode = 1007
	// 1008 indicates that an endpoint is terminating the connection
	// because it has received a message that violates its policy.
	PolicyViolation StatusCode = 1008
	// 1009 indicates that an endpoint is terminating the connection
	// because it has received a message that is too big for it to
	// process.
	MessageTooBig StatusCode = 1009
	// 1010 indicates that an endpoint (client) is terminating the
	// connection because it has expected the server to negotiate one or
	// more extension.
	MandatoryExtension StatusCode = 1010
	// 1011 indicates that an endpoint is terminating the connection because
	// it encountered an unexpected condition that prevented it from
	// fulfilling the request. Transport failures are reported with this code.
	InternalError StatusCode = 1011
)

// Maximum length of a close reason: a close payload is a control frame payload (125 bytes) minus
// the 2 bytes status code.
const MaxCloseReasonLength = wsframe.MaxControlPayloadLength - 2

// IsValid returns true for the codes an endpoint is allowed to put in a close frame: 1000 to 1003,
// 1007 to 1011 and the 3000 - 4999 range reserved for libraries and applications.
func (code StatusCode) IsValid() bool {
	switch {
	case code >= NormalClosure && code <= UnsupportedData:
		return true
	case code >= InvalidFramePayloadData && code <= InternalError:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

func (code StatusCode) String() string {
	switch code {
	case NormalClosure:
		return "normal_closure"
	case GoingAway:
		return "going_away"
	case ProtocolError:
		return "protocol_error"
	case UnsupportedData:
		return "unsupported_data"
	case NoStatusReceived:
		return "no_status_received"
	case AbnormalClosure:
		return "abnormal_closure"
	case InvalidFramePayloadData:
		return "invalid_frame_payload_data"
	case PolicyViolation:
		return "policy_violation"
	case MessageTooBig:
		return "message_too_big"
	case MandatoryExtension:
		return "mandatory_extension"
	case InternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("status_%d", int(code))
	}
}

// # Description
//
// Build the payload of a close frame: status code (big-endian) followed by the UTF-8 reason.
//
// # Inputs
//
//   - dst: destination buffer. Must be at least 125 bytes long.
//   - code: status code. Must be valid unless NoStatusReceived is used to produce an empty payload.
//   - reason: optional close reason. Must not exceed MaxCloseReasonLength bytes.
//
// # Return
//
// The payload (a subslice of dst) or an error if code or reason cannot be sent.
func encodeClosePayload(dst []byte, code StatusCode, reason string) ([]byte, error) {
	if code == NoStatusReceived {
		return dst[:0], nil
	}
	if !code.IsValid() {
		return nil, fmt.Errorf("status code %d cannot be sent in a close frame", code)
	}
	if len(reason) > MaxCloseReasonLength {
		return nil, fmt.Errorf("close reason exceeds %d bytes", MaxCloseReasonLength)
	}
	binary.BigEndian.PutUint16(dst, uint16(code))
	n := copy(dst[2:], reason)
	return dst[:2+n], nil
}

// # Description
//
// Decode the payload of a received close frame.
//
// # Return
//
// The status code and the reason. NoStatusReceived is returned for an empty payload. In case the
// payload is invalid, the status code to use to fail the connection is returned along with an
// error: ProtocolError for a 1 byte payload or a forbidden status code, InvalidFramePayloadData
// for a reason which is not valid UTF-8.
func decodeClosePayload(payload []byte) (StatusCode, string, error) {
	switch len(payload) {
	case 0:
		return NoStatusReceived, "", nil
	case 1:
		return ProtocolError, "", wsframe.ProtocolError{Reason: "close frame payload of 1 byte"}
	}
	code := StatusCode(binary.BigEndian.Uint16(payload))
	if !code.IsValid() {
		return ProtocolError, "", wsframe.ProtocolError{
			Reason: fmt.Sprintf("close frame with forbidden status code %d", code),
		}
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return InvalidFramePayloadData, "", wsframe.ProtocolError{Reason: "close reason is not valid UTF-8"}
	}
	return code, string(reason), nil
}
