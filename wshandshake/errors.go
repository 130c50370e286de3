package wshandshake

import "fmt"

// Error which describes why an upgrade request has been rejected. It is stored in the handshake
// result and carries the HTTP status sent to the client.
type HandshakeError struct {
	// HTTP status code of the response
	Status int
	// Human readable reason, also used as response body
	Reason string
	// Embedded error if any
	Err error
}

func (err HandshakeError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("websocket handshake rejected (%d): %s: %v", err.Status, err.Reason, err.Err)
	}
	return fmt.Sprintf("websocket handshake rejected (%d): %s", err.Status, err.Reason)
}

func (err HandshakeError) Unwrap() error {
	return err.Err
}
