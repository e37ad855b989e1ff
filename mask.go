package websocket

import (
	"encoding/binary"
)

// mask applies the WebSocket masking algorithm to b
// with the given key where the first 2 bits of pos
// are the starting position in the key.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// The returned value is the position of the next byte
// to be used for masking in the key. This is so that
// unmasking can be resumed across reads of the same payload.
func mask(key [4]byte, pos int, b []byte) int {
	// For 16 bytes or more it is worth masking 8 bytes at a time.
	// See https://github.com/golang/go/issues/31586#issuecomment-485530859
	if len(b) >= 16 {
		// Build an 8 byte key aligned on pos.
		var alignedKey [8]byte
		for i := range alignedKey {
			alignedKey[i] = key[(i+pos)&3]
		}
		k := binary.LittleEndian.Uint64(alignedKey[:])

		for len(b) >= 32 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^k)
			v = binary.LittleEndian.Uint64(b[8:])
			binary.LittleEndian.PutUint64(b[8:], v^k)
			v = binary.LittleEndian.Uint64(b[16:])
			binary.LittleEndian.PutUint64(b[16:], v^k)
			v = binary.LittleEndian.Uint64(b[24:])
			binary.LittleEndian.PutUint64(b[24:], v^k)
			b = b[32:]
		}

		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^k)
			b = b[8:]
		}
	}

	// Multiples of 8 bytes leave pos unchanged, so the tail
	// continues from the same key position.
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
