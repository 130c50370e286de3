package wsframe

// Stateful XOR cursor used to (un)mask a frame payload which is read or written in several chunks.
//
// The cursor position persists across Apply calls for the lifetime of one frame and must be
// reset with Reset at the start of every frame, masked or not.
type MaskCursor struct {
	key     [4]byte
	pos     int
	enabled bool
}

// Reset binds the cursor to the provided frame header and rewinds it. The cursor becomes a no-op
// when the header is not masked.
func (cursor *MaskCursor) Reset(h *Header) {
	cursor.key = h.MaskKey
	cursor.enabled = h.Masked
	cursor.pos = 0
}

// Apply XORs b in place with the mask key, starting at the current cursor position.
func (cursor *MaskCursor) Apply(b []byte) {
	if !cursor.enabled {
		return
	}
	cursor.pos = Mask(cursor.key, cursor.pos, b)
}

// Position returns the number of bytes processed modulo 4.
func (cursor *MaskCursor) Position() int {
	return cursor.pos
}

// # Description
//
// XOR b in place with key, starting at key index pos. Masking is an involution: applying it twice
// with the same key and starting position restores the original bytes.
//
// # Return
//
// The key index to use for the next chunk of the same payload.
func Mask(key [4]byte, pos int, b []byte) int {
	pos &= 3
	for i := range b {
		b[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	return pos
}
