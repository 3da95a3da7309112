// Package ordering implements the per-sender reorder buffer of spec
// §4.5: a bounded hold-back window over corrected timestamps, with a
// force-delivery escape hatch per §9's open question (logged and
// counted, since it can release entries out of per-sender order).
package ordering

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/raftmsg"
)

// DefaultHoldBack is the default hold-back window, per spec §4.5.
const DefaultHoldBack = 5 * time.Second

// Pending is one buffered, not-yet-delivered entry.
type Pending struct {
	CorrectedTs float64
	MsgID       string
	Message     raftmsg.Message
	ArrivedAt   time.Time
}

// pendingHeap is a min-heap by CorrectedTs.
type pendingHeap []*Pending

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].CorrectedTs < h[j].CorrectedTs }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*Pending)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type bucket struct {
	heap            pendingHeap
	seen            map[string]bool
	lastDeliveredTs float64
}

// DeliverFunc is invoked, in order, for every entry the buffer releases.
type DeliverFunc func(msg raftmsg.Message)

// Buffer is the ordering buffer for one node, keyed by sender ("" is the
// shared anonymous-sender bucket).
type Buffer struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	holdBack   time.Duration
	deliver    DeliverFunc
	now        func() time.Time
	reorderCnt int
	forceCnt   int
	log        zerolog.Logger
}

// New builds a Buffer. deliver is called (outside the lock) for every
// entry released, in per-sender corrected-timestamp order.
func New(holdBack time.Duration, deliver DeliverFunc, logger zerolog.Logger) *Buffer {
	if holdBack <= 0 {
		holdBack = DefaultHoldBack
	}
	return &Buffer{
		buckets:  make(map[string]*bucket),
		holdBack: holdBack,
		deliver:  deliver,
		now:      time.Now,
		log:      logger.With().Str("component", "ordering").Logger(),
	}
}

func (b *Buffer) bucketFor(sender string) *bucket {
	bk, ok := b.buckets[sender]
	if !ok {
		bk = &bucket{seen: make(map[string]bool)}
		b.buckets[sender] = bk
	}
	return bk
}

// Add places msg into its sender's bucket. Duplicate msg_ids (already
// buffered or already delivered) are dropped, per spec §4.5.
func (b *Buffer) Add(msg raftmsg.Message) {
	b.mu.Lock()
	bk := b.bucketFor(msg.Sender)
	if bk.seen[msg.MsgID] {
		b.mu.Unlock()
		return
	}
	bk.seen[msg.MsgID] = true
	reordered := false
	for _, p := range bk.heap {
		if p.CorrectedTs > msg.CorrectedTs {
			reordered = true
			break
		}
	}
	heap.Push(&bk.heap, &Pending{
		CorrectedTs: msg.CorrectedTs,
		MsgID:       msg.MsgID,
		Message:     msg,
		ArrivedAt:   b.now(),
	})
	if reordered {
		// A later arrival sorted ahead of an earlier one is a reorder.
		b.reorderCnt++
	}
	b.mu.Unlock()
}

// Tick releases every entry that has become deliverable across all
// buckets: its corrected_ts is the smallest in its bucket and the
// hold-back window has elapsed since arrival, or the window has simply
// expired regardless of gap, per spec §4.5.
func (b *Buffer) Tick() {
	now := b.now()
	var toDeliver []raftmsg.Message

	b.mu.Lock()
	for _, bk := range b.buckets {
		for len(bk.heap) > 0 {
			top := bk.heap[0]
			waited := now.Sub(top.ArrivedAt)
			deliverable := top.CorrectedTs >= bk.lastDeliveredTs && waited >= b.holdBack
			expired := waited >= b.holdBack
			if !deliverable && !expired {
				break
			}
			heap.Pop(&bk.heap)
			if top.CorrectedTs > bk.lastDeliveredTs {
				bk.lastDeliveredTs = top.CorrectedTs
			}
			toDeliver = append(toDeliver, top.Message)
		}
	}
	b.mu.Unlock()

	for _, msg := range toDeliver {
		b.deliver(msg)
	}
}

// ForceDelivery releases every buffered entry immediately, in per-sender
// corrected_ts order, ignoring the hold-back window. This is an operator
// escape hatch (spec §9 open question): it can release entries with
// gaps in timestamp order, so every call is logged and counted.
func (b *Buffer) ForceDelivery() int {
	var toDeliver []raftmsg.Message

	b.mu.Lock()
	for _, bk := range b.buckets {
		for len(bk.heap) > 0 {
			top := heap.Pop(&bk.heap).(*Pending)
			if top.CorrectedTs > bk.lastDeliveredTs {
				bk.lastDeliveredTs = top.CorrectedTs
			}
			toDeliver = append(toDeliver, top.Message)
		}
	}
	b.forceCnt++
	b.mu.Unlock()

	b.log.Warn().Int("count", len(toDeliver)).Msg("force delivery invoked, releasing entries out of order")
	for _, msg := range toDeliver {
		b.deliver(msg)
	}
	return len(toDeliver)
}

// Status is the observability snapshot of spec §4.5.
type Status struct {
	Occupancy   int               `json:"occupancy"`
	Utilization float64           `json:"utilization"`
	ReorderCnt  int               `json:"reorder_count"`
	ForceCnt    int               `json:"force_delivery_count"`
	NextSample  []raftmsg.Message `json:"next_sample"`
}

// capacityHint bounds what "utilization" is reported relative to; it has
// no hard enforcement, it is purely descriptive.
const capacityHint = 1024

// Status returns occupancy, utilization, reorder count, and a sample of
// the next deliverable entries, per spec §4.5.
func (b *Buffer) Status(sampleSize int) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	occupancy := 0
	var sample []raftmsg.Message
	for _, bk := range b.buckets {
		occupancy += len(bk.heap)
		for _, p := range bk.heap {
			if len(sample) < sampleSize {
				sample = append(sample, p.Message)
			}
		}
	}
	return Status{
		Occupancy:   occupancy,
		Utilization: float64(occupancy) / capacityHint,
		ReorderCnt:  b.reorderCnt,
		ForceCnt:    b.forceCnt,
		NextSample:  sample,
	}
}
