package wsframe

import "fmt"

/*************************************************************************************************/
/* PROTOCOL ERROR                                                                                */
/*************************************************************************************************/

// Error used to signal a RFC6455 protocol violation: malformed frame, bad length encoding,
// unexpected opcode or a violation of the single reader/single writer discipline.
type ProtocolError struct {
	// Short description of the violation
	Reason string
	// Embedded error if any
	Err error
}

func (err ProtocolError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("websocket protocol error: %s: %v", err.Reason, err.Err)
	}
	return fmt.Sprintf("websocket protocol error: %s", err.Reason)
}

func (err ProtocolError) Unwrap() error {
	return err.Err
}

// Shortcut used to build a ProtocolError from a format string.
func protocolErrorf(format string, args ...any) ProtocolError {
	return ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
