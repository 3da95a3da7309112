// Package failure implements the peer failure detector of spec §4.3: a
// periodic prober per peer, a liveness map, and a trigger into the
// catch-up routine on a fresh alive transition. Grounded in the general
// peer-tracking shape used across the retrieved pack's node types (e.g.
// blastbao-leifdb's ForeignNode{Available, ...}), adapted to a standalone
// ticker-driven component per spec §5 ("the failure-detector and
// time-sync subsystems expose their state via snapshot copies; they
// never hold the consensus lock while performing network I/O").
package failure

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// consecutiveFailureThreshold is the small N after which a peer flips to
// dead, per spec §4.3.
const consecutiveFailureThreshold = 2

// Prober performs one cheap liveness check against a peer URL.
type Prober func(peer string) error

// OnRecovered is invoked (outside any lock) when a peer transitions from
// dead to alive, to trigger catch-up.
type OnRecovered func(peer string)

// Health is a point-in-time snapshot of one peer's liveness.
type Health struct {
	Peer                string    `json:"peer"`
	Alive               bool      `json:"alive"`
	LastOK              time.Time `json:"last_ok"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type peerState struct {
	alive               bool
	lastOK              time.Time
	consecutiveFailures int
}

// Detector probes every configured peer on a fixed interval and keeps a
// liveness map. It shares no locks with the consensus module.
type Detector struct {
	mu       sync.RWMutex
	peers    []string
	states   map[string]*peerState
	probe    Prober
	recover  OnRecovered
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Detector for the given peers. probe performs the liveness
// check; recovered is called when a peer flips dead->alive.
func New(peers []string, interval time.Duration, probe Prober, recovered OnRecovered, logger zerolog.Logger) *Detector {
	states := make(map[string]*peerState, len(peers))
	for _, p := range peers {
		states[p] = &peerState{alive: true, lastOK: time.Now()}
	}
	return &Detector{
		peers:    peers,
		states:   states,
		probe:    probe,
		recover:  recovered,
		interval: interval,
		log:      logger.With().Str("component", "failure_detector").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic probing in a background goroutine.
func (d *Detector) Start() {
	go d.run()
}

// Stop halts probing. Calling it again is a no-op.
func (d *Detector) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

func (d *Detector) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.probeAll()
		}
	}
}

func (d *Detector) probeAll() {
	var wg sync.WaitGroup
	for _, peer := range d.peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.probeOne(peer)
		}()
	}
	wg.Wait()
}

func (d *Detector) probeOne(peer string) {
	err := d.probe(peer) // network I/O happens outside any lock

	d.mu.Lock()
	st := d.states[peer]
	wasAlive := st.alive
	if err != nil {
		st.consecutiveFailures++
		if st.consecutiveFailures >= consecutiveFailureThreshold {
			st.alive = false
		}
	} else {
		st.consecutiveFailures = 0
		st.alive = true
		st.lastOK = time.Now()
	}
	becameAlive := !wasAlive && st.alive
	d.mu.Unlock()

	if err != nil {
		d.log.Debug().Err(err).Str("peer", peer).Msg("probe failed")
	}
	if becameAlive && d.recover != nil {
		d.log.Info().Str("peer", peer).Msg("peer recovered, triggering catch-up")
		d.recover(peer)
	}
}

// Snapshot returns a copy of the current liveness map, safe to read
// concurrently with probing (spec §5: readers take a snapshot, never the
// consensus lock).
func (d *Detector) Snapshot() map[string]Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Health, len(d.states))
	for peer, st := range d.states {
		out[peer] = Health{
			Peer:                peer,
			Alive:               st.alive,
			LastOK:              st.lastOK,
			ConsecutiveFailures: st.consecutiveFailures,
		}
	}
	return out
}
