package message

import (
	"io"

	"github.com/pkg/errors"
)

// Handshake frame consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (none supported here)
//   - 20 bytes for infohash (SHA-1 of the bencoded info dictionary)
//   - 20 bytes for peerID (random id identifying the sender)
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// length of the handshake frame in bytes
const handshakeLen = 68

const protocolIdentifier = "BitTorrent protocol"

// NewHandshake creates a Handshake with the given infoHash and peerID.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Put together a handshake frame.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Convert a raw handshake frame into a Handshake struct.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocolIdentifier) {
		return nil, errors.Errorf("pstr length should be 19 (0x13) but is %d", pstrLen)
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	h := Handshake{
		Pstr:     string(handshakeBuf[0:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	return &h, nil
}
