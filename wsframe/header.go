package wsframe

import (
	"encoding/binary"
	"math"
)

/*
	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-------+-+-------------+-------------------------------+
	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
	| |1|2|3|       |K|             |                               |
	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
	|     Extended payload length continued, if payload len == 127  |
	+ - - - - - - - - - - - - - - - +-------------------------------+
	|                               |Masking-key, if MASK set to 1  |
	+-------------------------------+-------------------------------+
	| Masking-key (continued)       |          Payload Data         |
	+-------------------------------- - - - - - - - - - - - - - - - +
*/

const (
	// Size of the fixed part of a header (first two bytes)
	MinHeaderLength = 2
	// Largest possible header: 2 fixed bytes + 8 bytes length + 4 bytes mask key
	MaxHeaderLength = 14
	// Maximum payload length of a control frame
	MaxControlPayloadLength = 125
	// Largest length encodable in the 7-bit field
	maxShortLength = 125
	// Marker of a 16-bit extended length
	lengthMarker16 = 126
	// Marker of a 64-bit extended length
	lengthMarker64 = 127
	// Size of the masking key
	maskKeyLength = 4

	finBit     byte = 0x80
	opcodeMask byte = 0x0F
	maskBit    byte = 0x80
	lengthMask byte = 0x7F
)

// Decoded frame header. A header is created fresh for each frame and is not modified once it has
// been parsed.
type Header struct {
	// Indicates the frame is the final fragment of a message
	Fin bool
	// Extension reserved bits
	Rsv1 bool
	Rsv2 bool
	Rsv3 bool
	// Frame opcode
	Opcode Opcode
	// Indicates payload is masked with MaskKey
	Masked bool
	// Masking key. Meaningful only when Masked is true.
	MaskKey [4]byte
	// Payload length in bytes
	PayloadLength uint64
	// Total encoded size of the header in bytes (2 to 14)
	HeaderLength int
}

// # Description
//
// Compute the total length of a header from its first two bytes by inspecting the mask bit and
// the 7-bit payload length field.
//
// # Inputs
//
//   - b: at least the first two bytes of a frame header.
//
// # Return
//
// The exact header length (2, 4 or 10 bytes, plus 4 if the frame is masked) or a ProtocolError
// if less than two bytes are provided.
func HeaderLength(b []byte) (int, error) {
	if len(b) < MinHeaderLength {
		return 0, protocolErrorf("header length needs %d bytes, got %d", MinHeaderLength, len(b))
	}
	length := MinHeaderLength
	switch b[1] & lengthMask {
	case lengthMarker16:
		length += 2
	case lengthMarker64:
		length += 8
	}
	if b[1]&maskBit != 0 {
		length += maskKeyLength
	}
	return length, nil
}

// # Description
//
// Decode and validate a complete frame header into the caller provided Header. The mask key is
// copied into h.MaskKey so parsing never allocates.
//
// # Inputs
//
//   - buf: the complete header bytes as sized by HeaderLength. Extra bytes are ignored.
//   - h: header to fill. It is entirely overwritten.
//
// # Return
//
// A ProtocolError when:
//   - buf is shorter than the announced header length.
//   - opcode is reserved.
//   - a control frame is fragmented or carries more than 125 bytes.
//   - the length is not encoded with the minimal number of bytes.
//   - a 64-bit length has its most significant bit set.
func ParseHeader(buf []byte, h *Header) error {
	length, err := HeaderLength(buf)
	if err != nil {
		return err
	}
	if len(buf) < length {
		return protocolErrorf("incomplete header: %d bytes announced, got %d", length, len(buf))
	}
	b0, b1 := buf[0], buf[1]
	*h = Header{
		Fin:          b0&finBit != 0,
		Rsv1:         b0&byte(Rsv1) != 0,
		Rsv2:         b0&byte(Rsv2) != 0,
		Rsv3:         b0&byte(Rsv3) != 0,
		Opcode:       Opcode(b0 & opcodeMask),
		Masked:       b1&maskBit != 0,
		HeaderLength: length,
	}
	if h.Opcode.IsReserved() {
		return protocolErrorf("reserved opcode %s", h.Opcode)
	}
	offset := MinHeaderLength
	switch short := b1 & lengthMask; short {
	case lengthMarker16:
		h.PayloadLength = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if h.PayloadLength <= maxShortLength {
			return protocolErrorf("16-bit length field used for %d bytes", h.PayloadLength)
		}
	case lengthMarker64:
		h.PayloadLength = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
		if h.PayloadLength > math.MaxInt64 {
			return protocolErrorf("64-bit length field has its most significant bit set")
		}
		if h.PayloadLength <= math.MaxUint16 {
			return protocolErrorf("64-bit length field used for %d bytes", h.PayloadLength)
		}
	default:
		h.PayloadLength = uint64(short)
	}
	if h.Opcode.IsControl() {
		if !h.Fin {
			return protocolErrorf("fragmented %s frame", h.Opcode)
		}
		if h.PayloadLength > MaxControlPayloadLength {
			return protocolErrorf("%s frame payload of %d bytes exceeds %d bytes",
				h.Opcode, h.PayloadLength, MaxControlPayloadLength)
		}
	}
	if h.Masked {
		copy(h.MaskKey[:], buf[offset:offset+maskKeyLength])
	}
	return nil
}

// # Description
//
// Create the header of an outgoing, unmasked frame. The layout (2, 4 or 10 bytes) is chosen from
// the payload length.
//
// When continuationSent is true, the opcode is forced to OpcodeContinuation and extension flags
// are dropped: only the first frame of a fragmented message carries the message opcode and the
// extension bits.
//
// # Inputs
//
//   - payloadLength: frame payload length.
//   - fin: true for the final frame of a message.
//   - continuationSent: true if a previous frame of the same message has been sent.
//   - opcode: message opcode (ignored when continuationSent is true).
//   - flags: extension bits to set on the first frame.
func NewHeader(payloadLength uint64, fin bool, continuationSent bool, opcode Opcode, flags ExtensionFlags) Header {
	if continuationSent {
		opcode = OpcodeContinuation
		flags = 0
	}
	h := Header{
		Fin:           fin,
		Rsv1:          flags.Has(Rsv1),
		Rsv2:          flags.Has(Rsv2),
		Rsv3:          flags.Has(Rsv3),
		Opcode:        opcode,
		PayloadLength: payloadLength,
	}
	switch {
	case payloadLength <= maxShortLength:
		h.HeaderLength = MinHeaderLength
	case payloadLength <= math.MaxUint16:
		h.HeaderLength = MinHeaderLength + 2
	default:
		h.HeaderLength = MinHeaderLength + 8
	}
	return h
}

// SetMaskKey marks the header as masked with the provided key and updates HeaderLength.
func (h *Header) SetMaskKey(key [4]byte) {
	if !h.Masked {
		h.HeaderLength += maskKeyLength
	}
	h.Masked = true
	h.MaskKey = key
}

// Flags returns the extension bits set in the header.
func (h *Header) Flags() ExtensionFlags {
	var flags ExtensionFlags
	if h.Rsv1 {
		flags |= Rsv1
	}
	if h.Rsv2 {
		flags |= Rsv2
	}
	if h.Rsv3 {
		flags |= Rsv3
	}
	return flags
}

// # Description
//
// Serialize the header into dst. Extended length fields are always written big-endian.
//
// # Return
//
// The number of bytes written (h.HeaderLength) or a ProtocolError if dst is too small or if the
// payload length cannot be encoded.
func (h *Header) Encode(dst []byte) (int, error) {
	if h.PayloadLength > math.MaxInt64 {
		return 0, protocolErrorf("payload length %d cannot be encoded", h.PayloadLength)
	}
	if len(dst) < h.HeaderLength {
		return 0, protocolErrorf("header needs %d bytes, destination has %d", h.HeaderLength, len(dst))
	}
	b0 := byte(h.Opcode) & opcodeMask
	if h.Fin {
		b0 |= finBit
	}
	b0 |= byte(h.Flags())
	var b1 byte
	if h.Masked {
		b1 = maskBit
	}
	dst[0] = b0
	offset := MinHeaderLength
	switch {
	case h.PayloadLength <= maxShortLength:
		dst[1] = b1 | byte(h.PayloadLength)
	case h.PayloadLength <= math.MaxUint16:
		dst[1] = b1 | lengthMarker16
		binary.BigEndian.PutUint16(dst[offset:], uint16(h.PayloadLength))
		offset += 2
	default:
		dst[1] = b1 | lengthMarker64
		binary.BigEndian.PutUint64(dst[offset:], h.PayloadLength)
		offset += 8
	}
	if h.Masked {
		copy(dst[offset:], h.MaskKey[:])
		offset += maskKeyLength
	}
	return offset, nil
}
