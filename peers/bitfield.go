package peers

import "github.com/pkg/errors"

// Bitfield is sent as the first message immediately after the handshake.
// Used to efficiently encode which pieces a peer is able to send.
// Bits are packed MSB-first, one bit per piece, zero indexed.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (only pieces in the interval [0, 7] are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// NewBitfield returns an all-zero bitfield sized for numPieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// Check if the piece at the given index is available from the peer.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8 // determine which byte we need
	offset := index % 8    // determine offset within that byte

	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set the piece at the given index as available.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8

	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Validate checks that the bitfield is exactly ceil(numPieces/8) bytes and that
// the spare trailing bits of the final byte are all zero.
func (bf Bitfield) Validate(numPieces int) error {
	want := (numPieces + 7) / 8
	if len(bf) != want {
		return errors.Errorf("bitfield is %d bytes, expected %d for %d pieces", len(bf), want, numPieces)
	}

	spare := len(bf)*8 - numPieces
	if spare == 0 {
		return nil
	}
	mask := byte(1<<spare - 1)
	if bf[len(bf)-1]&mask != 0 {
		return errors.Errorf("bitfield has spare bits set past piece %d", numPieces-1)
	}
	return nil
}
