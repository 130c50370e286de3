// The package implements the RFC6455 frame header codec and the payload masking cursor.
//
// RFC: https://www.rfc-editor.org/rfc/rfc6455.html#section-5.2
package wsframe

import "fmt"

/*************************************************************************************************/
/* OPCODES                                                                                       */
/*************************************************************************************************/

// Frame opcode as defined by RFC6455 (4 bits).
//
// https://www.rfc-editor.org/rfc/rfc6455.html#section-5.2
type Opcode byte

const (
	// Denotes a continuation frame
	OpcodeContinuation Opcode = 0x0
	// Denotes a text frame
	OpcodeText Opcode = 0x1
	// Denotes a binary frame
	OpcodeBinary Opcode = 0x2
	// Denotes a connection close frame
	OpcodeClose Opcode = 0x8
	// Denotes a ping frame
	OpcodePing Opcode = 0x9
	// Denotes a pong frame
	OpcodePong Opcode = 0xA
)

// IsControl returns true for Close, Ping, Pong and reserved control opcodes (0x8 - 0xF).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

// IsReserved returns true for opcodes which are reserved for further use (0x3 - 0x7, 0xB - 0xF).
func (op Opcode) IsReserved() bool {
	switch op {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return false
	default:
		return true
	}
}

func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(op))
	}
}

/*************************************************************************************************/
/* EXTENSION FLAGS                                                                               */
/*************************************************************************************************/

// Reserved bits of the first header byte which can be claimed by negotiated extensions.
//
// Values are aligned on their position in the first header byte so they can be OR'ed directly.
type ExtensionFlags byte

const (
	// RSV1 bit (used by permessage-deflate to flag compressed messages)
	Rsv1 ExtensionFlags = 0x40
	// RSV2 bit
	Rsv2 ExtensionFlags = 0x20
	// RSV3 bit
	Rsv3 ExtensionFlags = 0x10
	// All reserved bits
	RsvMask ExtensionFlags = Rsv1 | Rsv2 | Rsv3
)

// Has returns true when all bits of other are set in flags.
func (flags ExtensionFlags) Has(other ExtensionFlags) bool {
	return flags&other == other
}
