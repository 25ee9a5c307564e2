package file

import (
	"bytes"
	"crypto/sha1"
	"os"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// TorrentFile is the parsed metainfo the rest of the client works from.
type TorrentFile struct {
	Announce    string
	InfoHash    [20]byte
	PieceLength int
	PieceHashes [][20]byte
	Length      int
	Name        string
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int      `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

// Open parses the metainfo file at path.
func Open(path string) (*TorrentFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening torrent file")
	}
	defer file.Close()

	bto := bencodeTorrent{}
	err = bencode.Unmarshal(file, &bto)
	if err != nil {
		return nil, errors.Wrap(err, "decoding torrent file")
	}

	return bto.toTorrentFile()
}

// SHA-1 of the bencoded info sub-dictionary, verbatim. This is the stable
// identifier of the torrent.
func (binfo *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, *binfo)
	if err != nil {
		return [20]byte{}, err
	}
	h := sha1.Sum(buf.Bytes())
	return h, nil
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		return nil, errors.Errorf("received incorrect number of pieces with length %d", len(buf))
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

// A multi-file torrent carries a files list instead of a single length.
// The payload is treated as one concatenated byte stream of the summed
// length.
func (bto *bencodeTorrent) totalLength() (length int) {
	files := bto.Info.Files
	if files != nil {
		for _, f := range files {
			length += f.Length
		}
	} else {
		return bto.Info.Length
	}
	return
}

func (bto *bencodeTorrent) toTorrentFile() (*TorrentFile, error) {
	infoHash, err := bto.Info.hash()
	if err != nil {
		return nil, errors.Wrap(err, "hashing info dictionary")
	}

	pieceHashes, err := bto.Info.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	if bto.Announce == "" {
		return nil, errors.New("torrent file has no announce URL")
	}
	if bto.Info.PieceLength <= 0 {
		return nil, errors.Errorf("torrent file has invalid piece length %d", bto.Info.PieceLength)
	}

	length := bto.totalLength()
	if length <= 0 {
		return nil, errors.Errorf("torrent file has invalid length %d", length)
	}
	if len(pieceHashes) != (length+bto.Info.PieceLength-1)/bto.Info.PieceLength {
		return nil, errors.Errorf("torrent file has %d piece hashes for %d bytes", len(pieceHashes), length)
	}

	tf := TorrentFile{
		Announce:    bto.Announce,
		InfoHash:    infoHash,
		PieceLength: bto.Info.PieceLength,
		PieceHashes: pieceHashes,
		Length:      length,
		Name:        bto.Info.Name,
	}
	return &tf, nil
}
