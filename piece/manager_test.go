package piece

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leech/peers"
)

// deterministic payload for a torrent of the given length
func testPayload(length int) []byte {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func hashPieces(payload []byte, pieceLength int) [][20]byte {
	var hashes [][20]byte
	for begin := 0; begin < len(payload); begin += pieceLength {
		end := begin + pieceLength
		if end > len(payload) {
			end = len(payload)
		}
		hashes = append(hashes, sha1.Sum(payload[begin:end]))
	}
	return hashes
}

func newTestManager(t *testing.T, payload []byte, pieceLength int) (*Manager, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.bin")
	m, err := NewManager(hashPieces(payload, pieceLength), pieceLength, len(payload), out, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, out
}

func fullBitfield(numPieces int) peers.Bitfield {
	bf := peers.NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}
	return bf
}

// deliver every block of a piece as a well-behaved peer would
func deliverPiece(t *testing.T, m *Manager, peerID string, payload []byte, index int) {
	t.Helper()
	for {
		req := m.NextRequest(peerID)
		if req == nil {
			return
		}
		if req.Index != index {
			t.Fatalf("NextRequest() = piece %d, expected piece %d", req.Index, index)
		}
		begin := index*m.pieceLength + req.Begin
		data := payload[begin : begin+req.Length]
		if err := m.BlockReceived(peerID, req.Index, req.Begin, data); err != nil {
			t.Fatalf("BlockReceived() error = %v", err)
		}
	}
}

func TestNewManagerGeometry(t *testing.T) {
	tests := []struct {
		name             string
		totalLength      int
		pieceLength      int
		wantPieces       int
		wantLastLen      int
		wantLastBlocks   int
		wantLastBlockLen int
	}{
		{
			name:             "exact multiples",
			totalLength:      65536,
			pieceLength:      32768,
			wantPieces:       2,
			wantLastLen:      32768,
			wantLastBlocks:   2,
			wantLastBlockLen: 16384,
		},
		{
			name:             "short last piece and block",
			totalLength:      40000,
			pieceLength:      32768,
			wantPieces:       2,
			wantLastLen:      7232,
			wantLastBlocks:   1,
			wantLastBlockLen: 7232,
		},
		{
			name:             "piece length not a block multiple",
			totalLength:      50000,
			pieceLength:      25000,
			wantPieces:       2,
			wantLastLen:      25000,
			wantLastBlocks:   2,
			wantLastBlockLen: 25000 - 16384,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := testPayload(tt.totalLength)
			m, _ := newTestManager(t, payload, tt.pieceLength)

			if len(m.pieces) != tt.wantPieces {
				t.Fatalf("pieces = %d, want %d", len(m.pieces), tt.wantPieces)
			}
			last := m.pieces[len(m.pieces)-1]
			if last.length != tt.wantLastLen {
				t.Errorf("last piece length = %d, want %d", last.length, tt.wantLastLen)
			}
			if len(last.blocks) != tt.wantLastBlocks {
				t.Errorf("last piece has %d blocks, want %d", len(last.blocks), tt.wantLastBlocks)
			}
			lastBlock := last.blocks[len(last.blocks)-1]
			if lastBlock.length != tt.wantLastBlockLen {
				t.Errorf("last block length = %d, want %d", lastBlock.length, tt.wantLastBlockLen)
			}

			// every piece length is the sum of its block lengths
			for _, p := range m.pieces {
				sum := 0
				for _, b := range p.blocks {
					sum += b.length
				}
				if sum != p.length {
					t.Errorf("piece %d blocks sum to %d, length is %d", p.index, sum, p.length)
				}
			}
		})
	}
}

func TestNewManagerRejectsBadGeometry(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	hashes := make([][20]byte, 3)

	if _, err := NewManager(hashes, 32768, 32768, out, zerolog.Nop()); err == nil {
		t.Error("NewManager() accepted a hash count that does not match the length")
	}
	if _, err := NewManager(nil, 32768, 32768, out, zerolog.Nop()); err == nil {
		t.Error("NewManager() accepted an empty hash list")
	}
}

func TestNewManagerPreallocates(t *testing.T) {
	payload := testPayload(40000)
	_, out := newTestManager(t, payload, 32768)

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 40000 {
		t.Errorf("output file is %d bytes, want 40000", info.Size())
	}
}

func TestAddPeerValidation(t *testing.T) {
	payload := testPayload(10 * 32768) // 10 pieces
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("good", peers.Bitfield{0xff, 0b11000000}); err != nil {
		t.Errorf("AddPeer() rejected a valid bitfield: %v", err)
	}
	if err := m.AddPeer("short", peers.Bitfield{0xff}); err == nil {
		t.Error("AddPeer() accepted a short bitfield")
	}
	if err := m.AddPeer("spare", peers.Bitfield{0xff, 0b11100000}); err == nil {
		t.Error("AddPeer() accepted spare bits")
	}

	// rejection must not abort: the good peer still gets requests
	if req := m.NextRequest("good"); req == nil {
		t.Error("NextRequest() returned none for a registered peer")
	}
	if req := m.NextRequest("short"); req != nil {
		t.Errorf("NextRequest() = %+v for a rejected peer, want none", req)
	}
}

func TestNextRequestHonorsBitfield(t *testing.T) {
	payload := testPayload(4 * 32768)
	m, _ := newTestManager(t, payload, 32768)

	bf := peers.NewBitfield(4)
	bf.SetPiece(2)
	if err := m.AddPeer("peer", bf); err != nil {
		t.Fatalf("AddPeer() error = %v", err)
	}

	seen := 0
	for {
		req := m.NextRequest("peer")
		if req == nil {
			break
		}
		if req.Index != 2 {
			t.Fatalf("NextRequest() offered piece %d, peer only has piece 2", req.Index)
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("NextRequest() handed out %d blocks, want 2", seen)
	}
}

func TestNextRequestRarestFirst(t *testing.T) {
	payload := testPayload(3 * 32768)
	m, _ := newTestManager(t, payload, 32768)

	// piece 0 is held by everyone, piece 2 only by "a"
	all := fullBitfield(3)
	common := peers.NewBitfield(3)
	common.SetPiece(0)
	common.SetPiece(1)

	if err := m.AddPeer("a", all); err != nil {
		t.Fatal(err)
	}
	if err := m.AddPeer("b", common); err != nil {
		t.Fatal(err)
	}
	if err := m.AddPeer("c", common); err != nil {
		t.Fatal(err)
	}

	req := m.NextRequest("a")
	if req == nil || req.Index != 2 {
		t.Fatalf("NextRequest(a) = %+v, want the rarest piece 2", req)
	}

	// ties broken by lowest index: b holds 0 and 1, both held by 3 peers
	req = m.NextRequest("b")
	if req == nil || req.Index != 0 {
		t.Fatalf("NextRequest(b) = %+v, want lowest tied index 0", req)
	}
}

func TestNextRequestUnknownPeer(t *testing.T) {
	payload := testPayload(32768)
	m, _ := newTestManager(t, payload, 32768)

	if req := m.NextRequest("stranger"); req != nil {
		t.Errorf("NextRequest() = %+v for an unknown peer, want none", req)
	}
}

func TestNextRequestExhaustsThenNone(t *testing.T) {
	payload := testPayload(32768) // one piece, two blocks
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("peer", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}

	first := m.NextRequest("peer")
	second := m.NextRequest("peer")
	if first == nil || second == nil {
		t.Fatal("NextRequest() returned none while blocks were missing")
	}
	if first.Begin == second.Begin {
		t.Errorf("NextRequest() handed out the same block twice: begin %d", first.Begin)
	}

	// everything pending and fresh: nothing to offer
	if req := m.NextRequest("peer"); req != nil {
		t.Errorf("NextRequest() = %+v, want none while all blocks are pending", req)
	}
}

func TestNextRequestReissuesStalledBlock(t *testing.T) {
	payload := testPayload(32768)
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("slow", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddPeer("fast", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}

	first := m.NextRequest("slow")
	second := m.NextRequest("slow")
	if first == nil || second == nil {
		t.Fatal("setup failed: could not make both blocks pending")
	}

	// fresh pending blocks must not be duplicated
	if req := m.NextRequest("fast"); req != nil {
		t.Fatalf("NextRequest(fast) = %+v, want none before the stall threshold", req)
	}

	// age the first request past the stall threshold
	m.mu.Lock()
	m.pieces[0].blocks[0].requestedAt = time.Now().Add(-10 * time.Second)
	m.mu.Unlock()

	req := m.NextRequest("fast")
	if req == nil {
		t.Fatal("NextRequest(fast) = none, want the stalled block re-issued")
	}
	if req.Begin != first.Begin {
		t.Errorf("NextRequest(fast) re-issued begin %d, want the stalled begin %d", req.Begin, first.Begin)
	}

	m.mu.Lock()
	owner := m.pieces[0].blocks[0].requestedFrom
	m.mu.Unlock()
	if owner != "fast" {
		t.Errorf("re-issued block owner = %q, want %q", owner, "fast")
	}
}

func TestBlockReceivedDiscardsUnknown(t *testing.T) {
	payload := testPayload(32768)
	m, _ := newTestManager(t, payload, 32768)

	if err := m.BlockReceived("peer", 5, 0, make([]byte, 16384)); err != nil {
		t.Errorf("BlockReceived() unknown piece error = %v, want discard", err)
	}
	if err := m.BlockReceived("peer", 0, 1234, make([]byte, 16384)); err != nil {
		t.Errorf("BlockReceived() unknown offset error = %v, want discard", err)
	}
	if err := m.BlockReceived("peer", 0, 0, make([]byte, 100)); err != nil {
		t.Errorf("BlockReceived() wrong length error = %v, want discard", err)
	}
	if m.BytesDownloaded() != 0 {
		t.Errorf("BytesDownloaded() = %d after discards, want 0", m.BytesDownloaded())
	}
}

func TestDownloadVerifiesAndPersists(t *testing.T) {
	payload := testPayload(40000) // two pieces, the last one short
	m, out := newTestManager(t, payload, 32768)

	if err := m.AddPeer("peer", fullBitfield(2)); err != nil {
		t.Fatal(err)
	}

	previous := 0
	for !m.IsComplete() {
		req := m.NextRequest("peer")
		if req == nil {
			t.Fatal("NextRequest() = none before completion")
		}
		begin := req.Index*32768 + req.Begin
		if err := m.BlockReceived("peer", req.Index, req.Begin, payload[begin:begin+req.Length]); err != nil {
			t.Fatalf("BlockReceived() error = %v", err)
		}
		if m.BytesDownloaded() < previous {
			t.Fatalf("BytesDownloaded() went backwards: %d -> %d", previous, m.BytesDownloaded())
		}
		previous = m.BytesDownloaded()
	}

	if m.BytesDownloaded() != 40000 {
		t.Errorf("BytesDownloaded() = %d, want 40000", m.BytesDownloaded())
	}
	if m.PiecesDone() != 2 {
		t.Errorf("PiecesDone() = %d, want 2", m.PiecesDone())
	}

	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Error("output file does not match the payload")
	}
}

func TestHashMismatchRollsBackAndRecovers(t *testing.T) {
	payload := testPayload(32768)
	m, out := newTestManager(t, payload, 32768)

	if err := m.AddPeer("liar", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddPeer("honest", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}

	// the liar delivers garbage for both blocks; the peer is not penalized,
	// so it is asked for exactly one round of the piece
	corrupt := bytes.Repeat([]byte{0xee}, 16384)
	for i := 0; i < 2; i++ {
		req := m.NextRequest("liar")
		if req == nil {
			t.Fatal("NextRequest(liar) = none while blocks were missing")
		}
		if err := m.BlockReceived("liar", req.Index, req.Begin, corrupt); err != nil {
			t.Fatalf("BlockReceived() error = %v", err)
		}
	}

	if m.IsComplete() {
		t.Fatal("IsComplete() = true after a hash mismatch")
	}
	if m.BytesDownloaded() != 0 {
		t.Errorf("BytesDownloaded() = %d after mismatch, want 0", m.BytesDownloaded())
	}

	// rollback made every block requestable again; the honest peer recovers
	deliverPiece(t, m, "honest", payload, 0)

	if !m.IsComplete() {
		t.Fatal("IsComplete() = false after the honest peer re-delivered")
	}
	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, payload) {
		t.Error("output file does not match the payload after recovery")
	}
}

func TestDuplicateDeliveryTolerated(t *testing.T) {
	payload := testPayload(32768)
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("a", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}

	req := m.NextRequest("a")
	if req == nil {
		t.Fatal("NextRequest() = none")
	}

	// two peers race to deliver the same block
	data := payload[req.Begin : req.Begin+req.Length]
	if err := m.BlockReceived("a", req.Index, req.Begin, data); err != nil {
		t.Fatal(err)
	}
	if err := m.BlockReceived("b", req.Index, req.Begin, data); err != nil {
		t.Fatal(err)
	}

	deliverPiece(t, m, "a", payload, 0)
	if !m.IsComplete() {
		t.Error("IsComplete() = false after duplicate delivery")
	}
	if m.BytesDownloaded() != 32768 {
		t.Errorf("BytesDownloaded() = %d, want 32768", m.BytesDownloaded())
	}
}

func TestRemovePeerForgets(t *testing.T) {
	payload := testPayload(32768)
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("peer", fullBitfield(1)); err != nil {
		t.Fatal(err)
	}
	m.RemovePeer("peer")

	if req := m.NextRequest("peer"); req != nil {
		t.Errorf("NextRequest() = %+v after RemovePeer, want none", req)
	}
}

func TestUpdatePeerSetsSinglePiece(t *testing.T) {
	payload := testPayload(2 * 32768)
	m, _ := newTestManager(t, payload, 32768)

	if err := m.AddPeer("peer", peers.NewBitfield(2)); err != nil {
		t.Fatal(err)
	}
	if req := m.NextRequest("peer"); req != nil {
		t.Fatalf("NextRequest() = %+v for an empty bitfield, want none", req)
	}

	m.UpdatePeer("peer", 1)
	req := m.NextRequest("peer")
	if req == nil || req.Index != 1 {
		t.Errorf("NextRequest() = %+v after have(1), want piece 1", req)
	}

	// indices past the piece count are ignored
	m.UpdatePeer("peer", 100)
}
