package torrent

import (
	"strconv"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog"

	"leech/peers"
	"leech/piece"
	"leech/tracker"
)

// how often the monitor checks for completion or a fatal storage error
const monitorInterval = 250 * time.Millisecond

// tracker intervals below this are clamped so a misbehaving tracker cannot
// make us hammer it
const minAnnounceInterval = 10 * time.Second

// supervisor owns the worker pool that turns registry endpoints into peer
// sessions, the periodic tracker refresh, and the shutdown sequence.
type supervisor struct {
	manager  *piece.Manager
	registry *peers.Registry
	tracker  *tracker.Client
	infoHash [20]byte
	clientID [20]byte
	cfg      Config
	log      zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	activePeers int
	activeMu    sync.Mutex
}

func newSupervisor(manager *piece.Manager, registry *peers.Registry, trk *tracker.Client, infoHash, clientID [20]byte, cfg Config, log zerolog.Logger) *supervisor {
	return &supervisor{
		manager:  manager,
		registry: registry,
		tracker:  trk,
		infoHash: infoHash,
		clientID: clientID,
		cfg:      cfg,
		log:      log.With().Str("component", "supervisor").Logger(),
		done:     make(chan struct{}),
	}
}

// run blocks until the download completes or a fatal storage error occurs.
func (sv *supervisor) run(initialInterval time.Duration) error {
	var workers sync.WaitGroup
	for i := 0; i < sv.cfg.Workers; i++ {
		workers.Add(1)
		go sv.worker(i, &workers)
	}

	var aux sync.WaitGroup
	aux.Add(2)
	go sv.announceLoop(initialInterval, &aux)
	go sv.monitor(&aux)

	var bar *uiprogress.Bar
	if sv.cfg.ShowDownloadProgress {
		bar = sv.downloadProgress()
		defer uiprogress.Stop()
	}
	if bar != nil {
		go func() {
			for {
				select {
				case <-sv.done:
					bar.Set(sv.manager.PiecesDone())
					return
				case <-time.After(monitorInterval):
					bar.Set(sv.manager.PiecesDone())
				}
			}
		}()
	}

	workers.Wait()
	aux.Wait()

	return sv.manager.Err()
}

// worker repeatedly takes an endpoint from the registry and runs one peer
// session against it. A sentinel endpoint retires the slot.
func (sv *supervisor) worker(id int, wg *sync.WaitGroup) {
	defer wg.Done()
	log := sv.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-sv.done:
			return
		default:
		}

		p := sv.registry.Take()
		if p.IsSentinel() {
			log.Debug().Msg("worker retired")
			return
		}
		if sv.manager.IsComplete() {
			return
		}

		s := newSession(p, sv.infoHash, sv.clientID, sv.manager, sv.done, sv.cfg, sv.log)
		sv.trackActive(1)
		err := s.run()
		sv.trackActive(-1)
		if err != nil {
			// peer errors are local to the session; the slot just picks
			// up the next endpoint
			log.Debug().Err(err).Str("peer", p.String()).Msg("session ended")
		}
	}
}

// announceLoop re-announces to the tracker on its advertised cadence and
// feeds any new endpoints into the registry.
func (sv *supervisor) announceLoop(interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-sv.done:
			return
		case <-time.After(interval):
		}

		found, next, err := sv.tracker.Announce(sv.manager.BytesDownloaded())
		if err != nil {
			sv.log.Warn().Err(err).Msg("announce failed, backing off")
			interval = sv.cfg.AnnounceBackoff
			continue
		}

		added := 0
		for _, p := range found {
			if sv.registry.Add(p) {
				added++
			}
		}
		sv.log.Debug().Int("returned", len(found)).Int("added", added).Msg("tracker refresh")
		interval = next
		if interval < minAnnounceInterval {
			interval = minAnnounceInterval
		}
	}
}

// monitor watches for completion or a fatal manager error and starts the
// shutdown sequence: close the done channel, then queue one sentinel per
// worker slot so nobody stays blocked on the registry.
func (sv *supervisor) monitor(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-sv.done:
			return
		case <-time.After(monitorInterval):
		}

		if sv.manager.IsComplete() || sv.manager.Err() != nil {
			sv.shutdown()
			return
		}
	}
}

// shutdown is idempotent; sessions notice the closed channel and workers
// blocked on Take are released by the sentinels.
func (sv *supervisor) shutdown() {
	sv.stopOnce.Do(func() {
		close(sv.done)
		for i := 0; i < sv.cfg.Workers; i++ {
			sv.registry.AddSentinel()
		}
	})
}

func (sv *supervisor) trackActive(delta int) {
	sv.activeMu.Lock()
	sv.activePeers += delta
	sv.activeMu.Unlock()
}

func (sv *supervisor) active() int {
	sv.activeMu.Lock()
	defer sv.activeMu.Unlock()
	return sv.activePeers
}

func (sv *supervisor) downloadProgress() *uiprogress.Bar {
	uiprogress.Start()
	bar := uiprogress.AddBar(sv.manager.PieceCount())
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(sv.manager.PiecesDone()) + "/" + strconv.Itoa(sv.manager.PieceCount())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(sv.active())
	})
	bar.AppendElapsed()
	return bar
}
