package peers

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Peer is the endpoint of a remote client, obtained from the tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal peers list from the compact tracker response.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, the peers string has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		return nil, errors.New("received malformed binary of peers")
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// UnmarshalDicts decodes the non-compact tracker response form: a list of
// dictionaries each carrying "ip" and "port" keys.
func UnmarshalDicts(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.New("peers list entry is not a dictionary")
		}

		rawIP, ok := dict["ip"].(string)
		if !ok {
			return nil, errors.New("peer dictionary has no ip")
		}
		ip := net.ParseIP(rawIP)
		if ip == nil {
			return nil, errors.Errorf("peer dictionary has unparsable ip %q", rawIP)
		}

		rawPort, ok := dict["port"].(int64)
		if !ok || rawPort < 0 || rawPort > 65535 {
			return nil, errors.New("peer dictionary has no usable port")
		}

		peers = append(peers, Peer{IP: ip, Port: uint16(rawPort)})
	}
	return peers, nil
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Sentinel returns the reserved endpoint used to release workers blocked on
// the registry at shutdown.
func Sentinel() Peer {
	return Peer{IP: net.IPv4zero, Port: 0}
}

// IsSentinel reports whether p is the reserved shutdown endpoint.
func (p Peer) IsSentinel() bool {
	return p.IP.Equal(net.IPv4zero)
}
