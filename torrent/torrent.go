package torrent

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leech/file"
	"leech/peers"
	"leech/piece"
	"leech/tracker"
)

// how many times the opening announce is attempted before the tracker is
// considered unreachable
const initialAnnounceAttempts = 4

// Torrent ties one metainfo file to one download.
type Torrent struct {
	torrentFile *file.TorrentFile
	outputPath  string
	clientID    [20]byte
	cfg         Config
	log         zerolog.Logger
}

// NewTorrent prepares a download of the given metainfo to outputPath.
func NewTorrent(tf *file.TorrentFile, outputPath string, cfg Config, log zerolog.Logger) *Torrent {
	return &Torrent{
		torrentFile: tf,
		outputPath:  outputPath,
		clientID:    generatePeerID(),
		cfg:         cfg,
		log:         log,
	}
}

// Download runs the whole pipeline: announce, connect to peers, download
// and verify every piece, persist. It returns once the payload is complete
// on disk or an unrecoverable error occurred.
func (t *Torrent) Download() error {
	tf := t.torrentFile
	t.log.Info().
		Str("name", tf.Name).
		Int("length", tf.Length).
		Int("piece_length", tf.PieceLength).
		Int("pieces", len(tf.PieceHashes)).
		Msg("starting download")

	manager, err := piece.NewManager(tf.PieceHashes, tf.PieceLength, tf.Length, t.outputPath, t.log)
	if err != nil {
		return err
	}
	defer manager.Close()

	trk := tracker.NewClient(tf.Announce, tf.InfoHash, t.clientID, t.cfg.Port, tf.Length, t.log)
	registry := peers.NewRegistry(t.cfg.RegistryCapacity)

	interval, err := t.initialAnnounce(trk, registry)
	if err != nil {
		return err
	}

	sv := newSupervisor(manager, registry, trk, tf.InfoHash, t.clientID, t.cfg, t.log)
	if err := sv.run(interval); err != nil {
		return err
	}

	if !manager.IsComplete() {
		return errors.New("download ended before all pieces were retrieved")
	}
	t.log.Info().Str("output", t.outputPath).Msg("download complete")
	return nil
}

// initialAnnounce seeds the registry. Unlike the refresh loop, a tracker
// that stays unreachable here is fatal: without a first peer list the
// download can never start.
func (t *Torrent) initialAnnounce(trk *tracker.Client, registry *peers.Registry) (time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < initialAnnounceAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(t.cfg.AnnounceBackoff)
		}

		found, interval, err := trk.Announce(0)
		if err != nil {
			lastErr = err
			t.log.Warn().Err(err).Int("attempt", attempt+1).Msg("initial announce failed")
			continue
		}

		for _, p := range found {
			registry.Add(p)
		}
		t.log.Info().Int("peers", len(found)).Dur("interval", interval).Msg("tracker returned peers")
		return interval, nil
	}
	return 0, errors.Wrap(lastErr, "tracker unreachable")
}
