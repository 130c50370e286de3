package wsengine

import (
	"errors"
	"fmt"
)

// Error returned by all operations once the connection has been closed. All CloseError match it
// with errors.Is.
var ErrConnectionClosed = errors.New("websocket connection closed")

/*************************************************************************************************/
/* CLOSE ERROR                                                                                   */
/*************************************************************************************************/

// Error used by the connection to signal it has been closed. It carries the status code which has
// been sent or received and, in case the connection has been failed internally, the cause.
type CloseError struct {
	// Status code used or received when connection has been closed. If the connection has been
	// closed and no close frame has been exchanged, 1006 is used.
	//
	// https://www.rfc-editor.org/rfc/rfc6455.html#section-7.1.5
	Code StatusCode
	// Optional close reason used/received when connection has been closed.
	//
	// https://www.rfc-editor.org/rfc/rfc6455.html#section-7.1.6
	Reason string
	// True if the closing handshake has been started by the peer.
	Remote bool
	// Cause if the connection has been failed: protocol error, transport failure, cancellation...
	Err error
}

func (err CloseError) Error() string {
	origin := "local"
	if err.Remote {
		origin = "remote"
	}
	if err.Err != nil {
		return fmt.Sprintf("connection has been closed (%s): %d - %s: %v", origin, err.Code, err.Reason, err.Err)
	}
	return fmt.Sprintf("connection has been closed (%s): %d - %s", origin, err.Code, err.Reason)
}

func (err CloseError) Unwrap() error {
	return err.Err
}

// Is makes every CloseError match ErrConnectionClosed.
func (err CloseError) Is(target error) bool {
	return target == ErrConnectionClosed
}

/*************************************************************************************************/
/* PAYLOAD ERROR                                                                                 */
/*************************************************************************************************/

// Error returned by extension readers when the payload of a message cannot be decoded, e.g. a
// corrupt or truncated compressed stream. The connection fails with InvalidFramePayloadData.
type PayloadError struct {
	// Reason why the payload is invalid
	Reason string
	// Embedded error if any
	Err error
}

func (err PayloadError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("invalid message payload: %s: %v", err.Reason, err.Err)
	}
	return fmt.Sprintf("invalid message payload: %s", err.Reason)
}

func (err PayloadError) Unwrap() error {
	return err.Err
}

/*************************************************************************************************/
/* TIMEOUT ERROR                                                                                 */
/*************************************************************************************************/

// Error returned when a send operation could not complete before the configured send timeout.
//
// A timeout which occurs while waiting for the write lock leaves the connection open. A timeout
// which occurs while a frame is written to the transport fails the connection.
type TimeoutError struct {
	// Operation which has timed out
	Operation string
	// Embedded error if any
	Err error
}

func (err TimeoutError) Error() string {
	return fmt.Sprintf("websocket %s timed out: %v", err.Operation, err.Err)
}

func (err TimeoutError) Unwrap() error {
	return err.Err
}
