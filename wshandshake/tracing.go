package wshandshake

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*************************************************************************************************/
/* TRACING RELATED CONSTANTS                                                                     */
/*************************************************************************************************/

const (
	// Package name used by library tracer
	pkgName = "wshandshake"
	// Package version
	pkgVersion = "0.0.0"

	// Namespace used by spans, events and attributes
	namespace = "wshandshake"

	// Name of span used to trace Negotiate public method
	spanNegotiate = namespace + ".negotiate"
	// Name of span used to trace Evaluate public method
	spanEvaluate = namespace + ".evaluate"

	// Event used in span to signal an extension offer has been accepted
	eventExtensionAccepted = namespace + ".extension_accepted"

	// Attribute used to store the HTTP status of the response
	attrStatus = namespace + ".status"
	// Attribute used to store the negotiated sub-protocol
	attrSubProtocol = namespace + ".sub_protocol"
	// Attribute used to store the name of an extension
	attrExtension = namespace + ".extension"
	// Attribute used to store the remote address
	attrRemoteAddr = namespace + ".remote_addr"
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
