package piece

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leech/peers"
)

// a Pending block older than this may be re-issued to another peer
const defaultStallThreshold = 5 * time.Second

// Request carries the coordinates of one block to ask a peer for.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Manager owns all piece and block state for one torrent and the output
// file the verified pieces land in. It is called concurrently by every
// peer session; a single mutex orders all mutations.
type Manager struct {
	mu sync.Mutex

	pieces      []*piece
	pieceLength int
	totalLength int

	// which pieces each connected peer claims to have
	peerFields map[string]peers.Bitfield

	out        *os.File
	done       int
	downloaded int
	fatal      error

	stallThreshold time.Duration
	log            zerolog.Logger
}

// NewManager lays out the pieces described by the digest list and opens
// the output file preallocated to the payload size.
func NewManager(hashes [][20]byte, pieceLength, totalLength int, outputPath string, log zerolog.Logger) (*Manager, error) {
	if len(hashes) == 0 || pieceLength <= 0 || totalLength <= 0 {
		return nil, errors.New("torrent geometry is empty")
	}
	if want := (totalLength + pieceLength - 1) / pieceLength; len(hashes) != want {
		return nil, errors.Errorf("have %d piece hashes, geometry needs %d", len(hashes), want)
	}

	pieces := make([]*piece, len(hashes))
	for i, hash := range hashes {
		length := pieceLength
		if i == len(hashes)-1 {
			length = totalLength - pieceLength*(len(hashes)-1)
		}
		pieces[i] = newPiece(i, length, hash)
	}

	out, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening output file")
	}
	if err := out.Truncate(int64(totalLength)); err != nil {
		out.Close()
		return nil, errors.Wrap(err, "preallocating output file")
	}

	return &Manager{
		pieces:         pieces,
		pieceLength:    pieceLength,
		totalLength:    totalLength,
		peerFields:     make(map[string]peers.Bitfield),
		out:            out,
		stallThreshold: defaultStallThreshold,
		log:            log.With().Str("component", "pieces").Logger(),
	}, nil
}

// AddPeer records which pieces the peer claims to have. A bitfield of the
// wrong length or with spare bits set is rejected; the caller decides
// whether to keep the session alive.
func (m *Manager) AddPeer(peerID string, bf peers.Bitfield) error {
	if err := bf.Validate(len(m.pieces)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerFields[peerID] = bf
	return nil
}

// UpdatePeer marks a single piece as available from the peer.
func (m *Manager) UpdatePeer(peerID string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerFields[peerID]
	if !ok || index < 0 || index >= len(m.pieces) {
		return
	}
	bf.SetPiece(index)
}

// RemovePeer forgets the peer entirely.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peerFields, peerID)
}

// NextRequest selects the next block to ask the peer for, or nil when the
// peer has nothing useful.
//
// Pieces the peer has with at least one Missing block are considered
// rarest first: held by the fewest known peers, ties broken by lowest
// index. Within the chosen piece the first Missing block becomes Pending.
// When every block the peer could offer is already Pending, the oldest
// Pending block past the stall threshold is re-issued instead; this is the
// only permitted duplication.
func (m *Manager) NextRequest(peerID string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerFields[peerID]
	if !ok {
		return nil
	}

	if b := m.selectMissing(peerID, bf); b != nil {
		return &Request{Index: b.pieceIndex, Begin: b.offset, Length: b.length}
	}
	if b := m.selectStalled(peerID, bf); b != nil {
		return &Request{Index: b.pieceIndex, Begin: b.offset, Length: b.length}
	}
	return nil
}

func (m *Manager) selectMissing(peerID string, bf peers.Bitfield) *block {
	var chosen *piece
	chosenRarity := 0

	for _, p := range m.pieces {
		if p.retrieved || !bf.HasPiece(p.index) || !p.hasMissingBlock() {
			continue
		}
		rarity := m.availability(p.index)
		if chosen == nil || rarity < chosenRarity {
			chosen = p
			chosenRarity = rarity
		}
	}
	if chosen == nil {
		return nil
	}

	for _, b := range chosen.blocks {
		if b.state == blockMissing {
			b.state = blockPending
			b.requestedFrom = peerID
			b.requestedAt = time.Now()
			return b
		}
	}
	return nil
}

func (m *Manager) selectStalled(peerID string, bf peers.Bitfield) *block {
	var oldest *block
	now := time.Now()

	for _, p := range m.pieces {
		if p.retrieved || !bf.HasPiece(p.index) {
			continue
		}
		for _, b := range p.blocks {
			if b.state != blockPending {
				continue
			}
			if now.Sub(b.requestedAt) < m.stallThreshold {
				continue
			}
			if oldest == nil || b.requestedAt.Before(oldest.requestedAt) {
				oldest = b
			}
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.requestedFrom = peerID
	oldest.requestedAt = now
	return oldest
}

// count of known peers holding the piece; callers hold m.mu
func (m *Manager) availability(index int) int {
	count := 0
	for _, bf := range m.peerFields {
		if bf.HasPiece(index) {
			count++
		}
	}
	return count
}

// BlockReceived records a block payload delivered by a peer. Payloads for
// unknown pieces or unknown block coordinates are discarded. When the last
// block of a piece arrives, the piece is assembled, verified against its
// digest and written to the output file; on digest mismatch every block of
// the piece goes back to Missing.
//
// A non-nil error means the output file could not be written, which is
// fatal for the download.
func (m *Manager) BlockReceived(peerID string, index, begin int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		m.log.Debug().Str("peer", printable(peerID)).Int("piece", index).Msg("discarding block for unknown piece")
		return nil
	}
	p := m.pieces[index]
	if p.retrieved {
		// a completed piece is immutable; late duplicates are dropped
		return nil
	}

	var b *block
	for _, candidate := range p.blocks {
		if candidate.offset == begin && candidate.length == len(data) {
			b = candidate
			break
		}
	}
	if b == nil {
		m.log.Debug().
			Str("peer", printable(peerID)).
			Int("piece", index).
			Int("begin", begin).
			Int("length", len(data)).
			Msg("discarding block with unknown coordinates")
		return nil
	}

	// two peers may race to deliver the same block; last write wins
	b.data = data
	b.state = blockRetrieved

	if !p.allBlocksRetrieved() {
		return nil
	}
	return m.finishPiece(p)
}

// callers hold m.mu
func (m *Manager) finishPiece(p *piece) error {
	buf := p.assemble()
	if !p.checkIntegrity(buf) {
		m.log.Warn().Int("piece", p.index).Msg("piece failed integrity check, retrying")
		p.reset()
		return nil
	}

	offset := int64(p.index) * int64(m.pieceLength)
	if _, err := m.out.WriteAt(buf, offset); err != nil {
		err = errors.Wrapf(err, "writing piece %d", p.index)
		m.fatal = err
		return err
	}

	p.retrieved = true
	m.done++
	m.downloaded += p.length
	m.log.Info().
		Int("piece", p.index).
		Int("done", m.done).
		Int("total", len(m.pieces)).
		Msg("piece verified")
	return nil
}

// IsComplete reports whether every piece has been verified and persisted.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done == len(m.pieces)
}

// BytesDownloaded is the sum of verified piece lengths.
func (m *Manager) BytesDownloaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// PiecesDone reports how many pieces have been verified so far.
func (m *Manager) PiecesDone() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// PieceCount is the number of pieces in the torrent.
func (m *Manager) PieceCount() int {
	return len(m.pieces)
}

// Err returns the fatal storage error, if any occurred.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Close releases the output file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Close()
}

// peer ids are raw 20-byte strings; log them hex encoded
func printable(peerID string) string {
	return fmt.Sprintf("%x", peerID)
}
