package torrent

import (
	"math/rand"
	"time"
)

const peerIDPrefix = "-LE0001-"

// generatePeerID builds our 20-byte client identifier: a fixed client
// prefix followed by random alphanumerics.
func generatePeerID() [20]byte {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	symbols := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

	peerID := [20]byte{}
	copy(peerID[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < 20; i++ {
		peerID[i] = symbols[rng.Intn(len(symbols))]
	}
	return peerID
}
