package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type messageID uint8

// Every two seconds or so a message of length zero (keep-alive) is sent.
//
// All non-keepalive messages with their IDs:
//   - choke 0 (peer is not ready to serve our requests)
//   - unchoke 1 (peer is ready to serve our requests)
//   - interested 2 (we want to request blocks from the peer)
//   - not interested 3 (we have nothing to request from the peer)
//   - have 4 (piece index the peer has finished downloading)
//   - bitfield 5 (encodes which pieces the peer is able to send)
//   - request 6 (payload of the form <index><begin><length> requesting a block)
//   - piece 7 (payload of the form <index><begin><block> containing a block)
//   - cancel 8 (identical to request, cancels a block request)
//   - port 9 (DHT listen port, ignored by this client)
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
	Port          messageID = 9
)

// IDs above 10 are not part of the protocol; receiving one means the remote
// end is not speaking BitTorrent and the connection must be dropped.
const maxMessageID = 10

// ErrUnknownID is returned by Read when a frame carries a message ID
// greater than 10.
var ErrUnknownID = errors.New("unknown message id")

// Every message is of the following form:
// | Message Length | Message ID | Optional Payload |

// Message length is not stored but is just used to parse the message.
type Message struct {
	ID      messageID
	Payload []byte
}

// CreateRequestMessage builds a request for the block at (index, begin, length).
func CreateRequestMessage(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// CreateCancelMessage builds a cancel for the block at (index, begin, length).
// Same payload shape as a request.
func CreateCancelMessage(index, begin, length int) *Message {
	msg := CreateRequestMessage(index, begin, length)
	msg.ID = Cancel
	return msg
}

// Creates peer message with ID of 4 (HAVE).
//
// Format of the message: <length=5><id=4><payload>
func CreateHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func CreateInterestedMessage() *Message {
	return &Message{ID: Interested}
}

func CreateNotInterestedMessage() *Message {
	return &Message{ID: NotInterested}
}

func CreateUnchokeMessage() *Message {
	return &Message{ID: Unchoke}
}

// Extract payload (index) from raw HAVE message.
func ReadHaveMessage(msg *Message) (int, error) {
	if msg.ID != Have {
		return -1, errors.Errorf("expected ID of %d (HAVE), got ID %d", Have, msg.ID)
	}

	if len(msg.Payload) != 4 {
		return -1, errors.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}

	index := int(binary.BigEndian.Uint32(msg.Payload))
	return index, nil
}

// Extract the block coordinates and data from a raw PIECE message.
func ReadPieceMessage(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, errors.Errorf("expected ID of %d (PIECE), got ID %d", Piece, msg.ID)
	}

	if len(msg.Payload) < 8 {
		return 0, 0, nil, errors.Errorf("payload too short: %d < 8", len(msg.Payload))
	}

	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return index, begin, block, nil
}

// Put together a message. A nil message serializes as a keep-alive.
func (msg *Message) Serialize() []byte {
	// keepalive
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // payload + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Convert raw message into a Message struct.
//
// A keep-alive frame decodes to nil. A frame whose message ID is greater
// than 10 fails with ErrUnknownID.
func Read(r io.Reader) (*Message, error) {
	bufLen := make([]byte, 4)
	_, err := io.ReadFull(r, bufLen)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen)

	// keepalive
	if length == 0 {
		return nil, nil
	}

	payloadBuf := make([]byte, length)
	_, err = io.ReadFull(r, payloadBuf)
	if err != nil {
		return nil, err
	}

	id := messageID(payloadBuf[0])
	if id > maxMessageID {
		return nil, errors.Wrapf(ErrUnknownID, "id %d", id)
	}

	msg := Message{
		ID:      id,
		Payload: payloadBuf[1:],
	}

	return &msg, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}

	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
