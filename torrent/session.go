package torrent

import (
	"bytes"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leech/message"
	"leech/peers"
	"leech/piece"
)

// session drives the wire protocol against a single peer: handshake,
// bitfield registration, then the exchange loop that feeds blocks to the
// piece manager. One block request is outstanding at a time, so every
// piece message unambiguously answers the most recent request.
type session struct {
	peer     peers.Peer
	infoHash [20]byte
	clientID [20]byte
	manager  *piece.Manager
	done     <-chan struct{}
	cfg      Config
	log      zerolog.Logger

	conn     net.Conn
	remoteID string

	// the peer has choked us; no requests until it unchokes
	choked bool
	// a block request is outstanding
	requestPending bool
	// whether we already told the peer we have nothing to ask of it
	saidNotInterested bool
}

func newSession(peer peers.Peer, infoHash, clientID [20]byte, manager *piece.Manager, done <-chan struct{}, cfg Config, log zerolog.Logger) *session {
	return &session{
		peer:     peer,
		infoHash: infoHash,
		clientID: clientID,
		manager:  manager,
		done:     done,
		cfg:      cfg,
		choked:   true,
		log:      log.With().Str("component", "session").Str("peer", peer.String()).Logger(),
	}
}

// run dials the peer and drives the session until an error, shutdown, or
// download completion. Whatever happens, the connection is closed and the
// peer is forgotten by the manager on the way out.
func (s *session) run() error {
	conn, err := net.DialTimeout("tcp", s.peer.String(), s.cfg.DialTimeout)
	if err != nil {
		return errors.Wrap(err, "dialing peer")
	}
	s.conn = conn
	defer s.close()

	if err := s.completeHandshake(); err != nil {
		return err
	}
	s.log.Debug().Str("remote_id", s.remoteID).Msg("completed handshake")

	// we are always interested and never choke anyone in a download-only
	// client
	if _, err := s.conn.Write(message.CreateInterestedMessage().Serialize()); err != nil {
		return errors.Wrap(err, "sending interested")
	}
	if _, err := s.conn.Write(message.CreateUnchokeMessage().Serialize()); err != nil {
		return errors.Wrap(err, "sending unchoke")
	}

	if err := s.awaitBitfield(); err != nil {
		return err
	}

	return s.exchange()
}

func (s *session) close() {
	s.conn.Close()
	if s.remoteID != "" {
		s.manager.RemovePeer(s.remoteID)
	}
}

// completeHandshake sends our handshake, reads the peer's 68 bytes back
// and verifies it is serving the same torrent. An info-hash mismatch ends
// the session.
func (s *session) completeHandshake() error {
	s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	request := message.NewHandshake(s.infoHash, s.clientID)
	if _, err := s.conn.Write(request.Serialize()); err != nil {
		return errors.Wrap(err, "sending handshake")
	}

	result, err := message.ReadHandshake(s.conn)
	if err != nil {
		return errors.Wrap(err, "reading handshake")
	}

	if !bytes.Equal(result.InfoHash[:], s.infoHash[:]) {
		return errors.Errorf("peer is serving infohash %x, expected %x", result.InfoHash, s.infoHash)
	}

	s.remoteID = string(result.PeerID[:])
	return nil
}

// awaitBitfield handles the first frame after the handshake. It should be
// a bitfield; when the peer opens with anything else, an all-zero bitfield
// is registered and the message is dispatched normally.
func (s *session) awaitBitfield() error {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	msg, err := message.Read(s.conn)
	if err != nil {
		return errors.Wrap(err, "reading first frame")
	}

	if msg != nil && msg.ID == message.Bitfield {
		bf := peers.Bitfield(msg.Payload)
		if err := s.manager.AddPeer(s.remoteID, bf); err != nil {
			// reject the bitfield but keep the session: the peer can
			// still announce pieces through have messages
			s.log.Warn().Err(err).Msg("peer sent invalid bitfield")
			return s.registerEmptyBitfield()
		}
		return nil
	}

	if err := s.registerEmptyBitfield(); err != nil {
		return err
	}
	return s.dispatch(msg)
}

func (s *session) registerEmptyBitfield() error {
	bf := peers.NewBitfield(s.manager.PieceCount())
	return errors.Wrap(s.manager.AddPeer(s.remoteID, bf), "registering empty bitfield")
}

// exchange reads frames until shutdown, completion, or an error. After
// every dispatched message the request pump decides whether to ask the
// peer for another block.
func (s *session) exchange() error {
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		if s.manager.IsComplete() {
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := message.Read(s.conn)
		if err != nil {
			return errors.Wrap(err, "reading frame")
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}

		if err := s.maybeRequest(); err != nil {
			return err
		}
	}
}

// dispatch applies one received message to the session and manager state.
// A nil message is a keep-alive.
func (s *session) dispatch(msg *message.Message) error {
	if msg == nil {
		return nil
	}

	switch msg.ID {
	case message.Choke:
		s.choked = true
	case message.Unchoke:
		s.choked = false
	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return err
		}
		s.manager.UpdatePeer(s.remoteID, index)
		s.saidNotInterested = false
	case message.Piece:
		index, begin, data, err := message.ReadPieceMessage(msg)
		if err != nil {
			return err
		}
		s.requestPending = false
		if err := s.manager.BlockReceived(s.remoteID, index, begin, data); err != nil {
			return err
		}
	default:
		// interested, not-interested, request, cancel, port and late
		// bitfields are valid frames a download-only client has no use
		// for
		s.log.Debug().Stringer("message", msg).Msg("ignoring message")
	}
	return nil
}

// maybeRequest asks the manager for the next block and sends the request,
// keeping at most one outstanding.
func (s *session) maybeRequest() error {
	if s.choked || s.requestPending || s.manager.IsComplete() {
		return nil
	}

	req := s.manager.NextRequest(s.remoteID)
	if req == nil {
		if !s.saidNotInterested {
			s.saidNotInterested = true
			if _, err := s.conn.Write(message.CreateNotInterestedMessage().Serialize()); err != nil {
				return errors.Wrap(err, "sending not interested")
			}
		}
		return nil
	}

	msg := message.CreateRequestMessage(req.Index, req.Begin, req.Length)
	if _, err := s.conn.Write(msg.Serialize()); err != nil {
		return errors.Wrap(err, "sending request")
	}
	s.requestPending = true
	return nil
}
