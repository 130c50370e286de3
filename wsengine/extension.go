package wsengine

import (
	"strings"

	"github.com/gbdevw/wsproto/wsframe"
)

/*************************************************************************************************/
/* EXTENSION PLUGIN CONTRACT                                                                     */
/*************************************************************************************************/

// A per-message extension which can be negotiated during the handshake (ex: permessage-deflate).
type Extension interface {
	// Name returns the extension token as it appears in Sec-WebSocket-Extensions.
	Name() string
	// # Description
	//
	// Evaluate an offer made by the client for this extension.
	//
	// # Return
	//
	//   - The response token to add to the handshake response.
	//   - The context which wraps the message streams of the connection.
	//   - False if the offer is declined. Declined offers are silently dropped.
	Negotiate(offer ExtensionOffer) (ExtensionOffer, ExtensionContext, bool)
}

// Per-connection state of a negotiated extension.
type ExtensionContext interface {
	// Flags returns the reserved bits the extension uses. Frames carrying reserved bits which are
	// not claimed by any negotiated extension are rejected.
	Flags() wsframe.ExtensionFlags
	// WrapReader wraps a received message stream (ex: decompression).
	WrapReader(reader MessageReader) MessageReader
	// WrapWriter wraps a message stream to send (ex: compression).
	WrapWriter(writer MessageWriter) MessageWriter
}

// An extension token: a name and its parameters, as found in Sec-WebSocket-Extensions.
type ExtensionOffer struct {
	// Extension name
	Name string
	// Ordered extension parameters
	Options []ExtensionOption
}

// A single extension parameter. Value is meaningful only when HasValue is true.
type ExtensionOption struct {
	Name     string
	Value    string
	HasValue bool
}

// Option returns the option with the provided name, if any.
func (offer ExtensionOffer) Option(name string) (ExtensionOption, bool) {
	for _, opt := range offer.Options {
		if strings.EqualFold(opt.Name, name) {
			return opt, true
		}
	}
	return ExtensionOption{}, false
}

// String formats the offer as a Sec-WebSocket-Extensions element: name; opt; opt=value
func (offer ExtensionOffer) String() string {
	sb := strings.Builder{}
	sb.WriteString(offer.Name)
	for _, opt := range offer.Options {
		sb.WriteString("; ")
		sb.WriteString(opt.Name)
		if opt.HasValue {
			sb.WriteString("=")
			sb.WriteString(opt.Value)
		}
	}
	return sb.String()
}

// An extension accepted during the handshake.
type NegotiatedExtension struct {
	// Accepted token as sent in the handshake response
	ExtensionOffer
	// Per-connection context
	Context ExtensionContext
}

/*************************************************************************************************/
/* EXTENSION PIPELINE                                                                            */
/*************************************************************************************************/

// Ordered chain of negotiated extensions.
//
// Readers and writers are both wrapped iterating the chain in negotiation order. The application
// writes to the wrapper of the last extension, so outgoing data goes through the extensions in
// reverse negotiation order while incoming data is unwrapped in negotiation order: the read
// pipeline mirrors the write pipeline.
type extensionPipeline []NegotiatedExtension

// Flags claimed by all extensions of the chain.
func (pipeline extensionPipeline) flags() wsframe.ExtensionFlags {
	var flags wsframe.ExtensionFlags
	for _, ext := range pipeline {
		flags |= ext.Context.Flags()
	}
	return flags
}

func (pipeline extensionPipeline) wrapReader(reader MessageReader) MessageReader {
	for _, ext := range pipeline {
		reader = ext.Context.WrapReader(reader)
	}
	return reader
}

func (pipeline extensionPipeline) wrapWriter(writer MessageWriter) MessageWriter {
	for _, ext := range pipeline {
		writer = ext.Context.WrapWriter(writer)
	}
	return writer
}
