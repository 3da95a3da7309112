// Package timesync implements the NTP-style clock-offset estimation,
// drift regression, and timestamp-correction contract of spec §4.4.
package timesync

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// sampleHistory bounds how many samples are kept per peer, per spec §3.
const sampleHistory = 32

// futureSlack bounds how far ahead of the corrected clock a timestamp
// may be before it's rejected as invalid, per spec §4.4.
const futureSlack = 2 * time.Second

// ErrInvalidTimestamp is returned by Correct for inputs more than
// futureSlack ahead of the local corrected clock, per spec §4.4: this
// must surface as a recoverable error, never be silently clamped.
var ErrInvalidTimestamp = fmt.Errorf("invalid_timestamp")

// Sample is one completed four-timestamp NTP-style exchange with a peer.
type Sample struct {
	Offset float64 // seconds
	Delay  float64 // seconds
	T      float64 // unix seconds, local receive time t4
}

// Exchanger performs the t1..t4 exchange with a peer and returns the
// peer's t2/t3, implemented against POST /time/sync in package api.
type Exchanger func(peer string, t1 float64) (t2, t3 float64, err error)

// Clock abstracts wall-clock reads for testability.
type Clock func() float64

func defaultClock() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Stats is the aggregate, queryable state of the time-sync subsystem,
// per spec §3/§6 GET /time/stats.
type Stats struct {
	ClockOffset  float64 `json:"clock_offset"`
	DriftRate    float64 `json:"drift_rate"`
	LastSyncTime float64 `json:"last_sync_time"`
	SyncAccuracy float64 `json:"sync_accuracy"`
	Synchronized bool    `json:"synchronized"`
	PeerCount    int     `json:"peer_count"`
}

// synchronizedThreshold bounds the residual spread (sync_accuracy) below
// which the node considers itself synchronized.
const synchronizedThreshold = 0.25 // seconds

// Sync is one node's time-synchronization state.
type Sync struct {
	mu        sync.RWMutex
	perPeer   map[string][]Sample // bounded ring per peer
	allOffset []float64           // regression history: (t, offset)
	allTimes  []float64

	clockOffset  float64
	driftRate    float64
	lastSyncTime float64
	syncAccuracy float64
	synchronized bool

	clock Clock
}

// New builds an empty Sync state.
func New() *Sync {
	return &Sync{perPeer: make(map[string][]Sample), clock: defaultClock}
}

// SampleFrom performs one NTP-style exchange with peer using exchange,
// validates and records the resulting sample, and recomputes aggregates.
func (s *Sync) SampleFrom(peer string, exchange Exchanger) error {
	t1 := s.clock()
	t2, t3, err := exchange(peer, t1)
	if err != nil {
		return fmt.Errorf("transient_network: time exchange with %s: %w", peer, err)
	}
	t4 := s.clock()

	offset := ((t2 - t1) + (t3 - t4)) / 2
	delay := (t4 - t1) - (t3 - t2)

	if delay <= 0 || math.Abs(offset) > 3600 { // sanity bound: no clock is off by an hour
		return fmt.Errorf("invalid_timestamp: discarded unsound sample from %s (delay=%f offset=%f)", peer, delay, offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.perPeer[peer], Sample{Offset: offset, Delay: delay, T: t4})
	if len(ring) > sampleHistory {
		ring = ring[len(ring)-sampleHistory:]
	}
	s.perPeer[peer] = ring

	s.allOffset = append(s.allOffset, offset)
	s.allTimes = append(s.allTimes, t4)
	if len(s.allOffset) > sampleHistory*8 {
		s.allOffset = s.allOffset[len(s.allOffset)-sampleHistory*8:]
		s.allTimes = s.allTimes[len(s.allTimes)-sampleHistory*8:]
	}

	s.recompute()
	return nil
}

// recompute rebuilds clock_offset, drift_rate, sync_accuracy, and the
// synchronized flag from the current sample set. Caller must hold mu.
func (s *Sync) recompute() {
	var peerMedians []float64
	for _, ring := range s.perPeer {
		if len(ring) == 0 {
			continue
		}
		offsets := make([]float64, len(ring))
		for i, smp := range ring {
			offsets[i] = smp.Offset
		}
		peerMedians = append(peerMedians, median(offsets))
	}
	if len(peerMedians) == 0 {
		return
	}
	s.clockOffset = median(peerMedians)
	s.driftRate = linearRegressionSlope(s.allTimes, s.allOffset)
	s.syncAccuracy = medianAbsoluteDeviation(s.allOffset, s.clockOffset)
	s.lastSyncTime = s.clock()
	s.synchronized = len(peerMedians) >= 1 && s.syncAccuracy < synchronizedThreshold
}

// Correct applies the timestamp correction contract of spec §4.4:
// ts_raw + clock_offset + drift_rate*deltaT, where deltaT is how long
// ago (in seconds) ts_raw was produced. Rejects results too far in the
// future of the local corrected clock.
func (s *Sync) Correct(tsRaw float64, deltaT float64) (float64, error) {
	s.mu.RLock()
	offset, drift := s.clockOffset, s.driftRate
	s.mu.RUnlock()

	corrected := tsRaw + offset + drift*deltaT

	nowCorrected := s.clock() + offset
	if corrected > nowCorrected+futureSlack.Seconds() {
		return 0, ErrInvalidTimestamp
	}
	return corrected, nil
}

// Now returns the local (uncorrected) wall clock, exposed for GET /time.
func (s *Sync) Now() float64 { return s.clock() }

// Stats returns a read-only snapshot of the aggregate state, per spec
// §5's "expose state via snapshot copies" rule.
func (s *Sync) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		ClockOffset:  s.clockOffset,
		DriftRate:    s.driftRate,
		LastSyncTime: s.lastSyncTime,
		SyncAccuracy: s.syncAccuracy,
		Synchronized: s.synchronized,
		PeerCount:    len(s.perPeer),
	}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsoluteDeviation(xs []float64, center float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - center)
	}
	return median(devs)
}

// linearRegressionSlope computes the least-squares slope of ys against
// xs, returning 0 for fewer than two points.
func linearRegressionSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
