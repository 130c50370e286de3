package wsserver

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*************************************************************************************************/
/* TRACING & METRICS RELATED CONSTANTS                                                           */
/*************************************************************************************************/

const (
	// Package name used by library tracer and meter
	pkgName = "wsserver"
	// Package version
	pkgVersion = "0.0.0"

	// Namespace used by spans, events, attributes and metrics
	namespace = "wsserver"

	// Name of span used to trace Start public method
	spanStart = namespace + ".start"
	// Name of span used to trace Stop public method
	spanStop = namespace + ".stop"
	// Name of span used to trace a client session
	spanSession = namespace + ".session"

	// Event used in span to signal the handshake has succeeded
	eventUpgraded = namespace + ".upgraded"

	// Attribute used to store the listen network
	attrNetwork = namespace + ".network"
	// Attribute used to store the listen address
	attrAddress = namespace + ".address"
	// Attribute used to store the remote address
	attrRemoteAddr = namespace + ".remote_addr"
	// Attribute used to store the session ID
	attrSessionId = namespace + ".session_id"
	// Attribute used to store the negotiated sub-protocol
	attrSubProtocol = namespace + ".sub_protocol"

	// Gauge that monitors the number of active sessions
	metricActiveSessions = namespace + ".sessions.active"
	// Gauge that monitors the Started state flag
	metricStarted = namespace + ".started"
	// Gauge that retains the server start time as a unix timestamp (seconds)
	metricStartUnix = namespace + ".start_unix"
	// Counter of accepted sessions
	metricSessionsAccepted = namespace + ".sessions.accepted"
	// Counter of rejected handshakes
	metricHandshakesRejected = namespace + ".handshakes.rejected"
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
