package tracker

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leech/peers"
)

// announces are given up on after this long
const requestTimeout = 15 * time.Second

// Client announces our download state to the HTTP tracker and decodes the
// peer list it returns.
type Client struct {
	announce string
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	length   int
	http     *http.Client
	log      zerolog.Logger
}

// NewClient builds an announce client for one torrent.
func NewClient(announce string, infoHash, peerID [20]byte, port uint16, length int, log zerolog.Logger) *Client {
	return &Client{
		announce: announce,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		length:   length,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log.With().Str("component", "tracker").Logger(),
	}
}

// Announce declares how many bytes we have downloaded so far and returns
// the peers the tracker knows about plus the delay before the next
// announce.
func (c *Client) Announce(downloaded int) ([]peers.Peer, time.Duration, error) {
	trackerURL, err := c.buildURL(downloaded)
	if err != nil {
		return nil, 0, err
	}

	c.log.Debug().
		Str("url", c.announce).
		Int("downloaded", downloaded).
		Int("left", c.length-downloaded).
		Msg("announcing to tracker")

	response, err := c.http.Get(trackerURL)
	if err != nil {
		return nil, 0, errors.Wrap(err, "requesting tracker")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, 0, errors.Errorf("tracker returned status %d", response.StatusCode)
	}

	body, err := bencode.Decode(response.Body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decoding tracker response")
	}

	return parseResponse(body)
}

// The announce request carries our state as query parameters:
//   - info_hash: the SHA-1 hash of the info dict found in the .torrent
//   - peer_id: a unique ID generated for this client
//   - port: the TCP port reported as ours (the client never accepts connections)
//   - uploaded: the total number of bytes uploaded (always 0, we never seed)
//   - downloaded: the total number of verified bytes downloaded
//   - left: the number of bytes left to download
//   - compact: whether the client accepts a compacted list of peers
func (c *Client) buildURL(downloaded int) (string, error) {
	base, err := url.Parse(c.announce)
	if err != nil {
		return "", errors.Wrap(err, "parsing announce URL")
	}

	params := url.Values{
		"info_hash":  []string{string(c.infoHash[:])},
		"peer_id":    []string{string(c.peerID[:])},
		"port":       []string{strconv.Itoa(int(c.port))},
		"uploaded":   []string{"0"},
		"downloaded": []string{strconv.Itoa(downloaded)},
		"left":       []string{strconv.Itoa(c.length - downloaded)},
		"compact":    []string{"1"},
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// The response dictionary carries an interval in seconds and the peer list
// in one of two forms: a compact 6-byte-per-peer string, or a list of
// dictionaries with ip and port keys.
func parseResponse(body interface{}) ([]peers.Peer, time.Duration, error) {
	dict, ok := body.(map[string]interface{})
	if !ok {
		return nil, 0, errors.New("tracker response is not a dictionary")
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, 0, errors.Errorf("tracker refused announce: %s", reason)
	}

	interval, _ := dict["interval"].(int64)

	var (
		found []peers.Peer
		err   error
	)
	switch raw := dict["peers"].(type) {
	case string:
		found, err = peers.Unmarshal([]byte(raw))
	case []interface{}:
		found, err = peers.UnmarshalDicts(raw)
	case nil:
		return nil, 0, errors.New("tracker response has no peers")
	default:
		return nil, 0, errors.Errorf("tracker peers have unexpected type %T", raw)
	}
	if err != nil {
		return nil, 0, err
	}

	return found, time.Duration(interval) * time.Second, nil
}
