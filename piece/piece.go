package piece

import (
	"bytes"
	"crypto/sha1"
	"time"
)

// data is transferred in blocks (16kB) and not whole pieces
const MaxBlockSize = 16 * 1024

type blockState int

const (
	blockMissing blockState = iota
	blockPending
	blockRetrieved
)

// block is the unit of network transfer within a piece.
type block struct {
	pieceIndex int
	offset     int
	length     int
	state      blockState
	data       []byte

	// set while Pending so stalled requests can be detected and re-issued
	requestedFrom string
	requestedAt   time.Time
}

// piece is a contiguous fixed-size region of the payload with an a-priori
// SHA-1 digest. The last piece of the torrent may be shorter.
type piece struct {
	index     int
	length    int
	hash      [20]byte
	blocks    []*block
	retrieved bool
}

// newPiece subdivides the piece into 16kB blocks; the final block takes
// whatever remains.
func newPiece(index, length int, hash [20]byte) *piece {
	numBlocks := (length + MaxBlockSize - 1) / MaxBlockSize
	blocks := make([]*block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blockLen := MaxBlockSize
		if i == numBlocks-1 {
			blockLen = length - i*MaxBlockSize
		}
		blocks[i] = &block{
			pieceIndex: index,
			offset:     i * MaxBlockSize,
			length:     blockLen,
		}
	}
	return &piece{
		index:  index,
		length: length,
		hash:   hash,
		blocks: blocks,
	}
}

func (p *piece) allBlocksRetrieved() bool {
	for _, b := range p.blocks {
		if b.state != blockRetrieved {
			return false
		}
	}
	return true
}

func (p *piece) hasMissingBlock() bool {
	for _, b := range p.blocks {
		if b.state == blockMissing {
			return true
		}
	}
	return false
}

// assemble concatenates the block payloads in offset order.
func (p *piece) assemble() []byte {
	buf := make([]byte, 0, p.length)
	for _, b := range p.blocks {
		buf = append(buf, b.data...)
	}
	return buf
}

func (p *piece) checkIntegrity(buf []byte) bool {
	hash := sha1.Sum(buf)
	return bytes.Equal(hash[:], p.hash[:])
}

// reset returns every block to Missing and drops any received payloads.
// Called when the assembled piece fails its integrity check.
func (p *piece) reset() {
	for _, b := range p.blocks {
		b.state = blockMissing
		b.data = nil
		b.requestedFrom = ""
		b.requestedAt = time.Time{}
	}
}
