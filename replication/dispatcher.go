// Package replication implements the commit-policy capability described
// in spec §4.2 and §9's "polymorphism over replication mode" design
// note: a small Submit(message) -> Result surface with two concrete
// implementations selected once at startup, so no request re-checks the
// replication mode.
package replication

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/store"
)

var (
	// ErrNotLeader is returned when this node isn't the leader; the
	// caller should redirect, per spec §4.2/§7.
	ErrNotLeader = errors.New("not_leader")
	// ErrQuorumUnreachable is returned by the quorum dispatcher when
	// commit wasn't reached within the deadline, per spec §4.2/§7. The
	// entry may still commit later.
	ErrQuorumUnreachable = errors.New("quorum_unreachable")
)

// Consensus is the subset of *raft.ConsensusModule the dispatcher needs.
// Declared here (rather than imported from package raft) to keep the
// dependency direction one-way: raft does not know replication exists.
type Consensus interface {
	AppendFromLeader(msg raftmsg.Message) (raftmsg.Entry, error)
	IsLeader() bool
	LeaderHint() string
	MatchIndexReached(index uint64) bool
}

// Dispatcher accepts a client Message and drives it through the leader's
// log, applying whichever commit policy it was built with.
type Dispatcher interface {
	Submit(msg raftmsg.Message) (raftmsg.Entry, error)
}

// NowFunc is overridable in tests.
type NowFunc func() float64

func unixNow() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// New builds the dispatcher named by mode ("async" or "sync_quorum").
// quorumTimeout bounds the wait of the sync_quorum variant.
func New(mode string, cm Consensus, st *store.Store, quorumTimeout time.Duration) Dispatcher {
	base := &base{cm: cm, store: st, now: unixNow}
	switch mode {
	case "sync_quorum":
		return &quorumDispatcher{base: base, timeout: quorumTimeout}
	default:
		return &asyncDispatcher{base: base}
	}
}

type base struct {
	cm    Consensus
	store *store.Store
	now   NowFunc
}

// submitOnce performs the shared admission steps: leader check, msg_id
// stamping/dedup, original_ts stamping, and the leader append.
func (b *base) submitOnce(msg raftmsg.Message) (raftmsg.Entry, bool, error) {
	if !b.cm.IsLeader() {
		return raftmsg.Entry{}, false, ErrNotLeader
	}

	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	} else if existing, found, err := b.store.GetByMsgID(msg.MsgID); err == nil && found {
		return existing, true, nil // duplicate_msg_id: return prior commit record unchanged
	}

	if msg.OriginalTs == 0 {
		msg.OriginalTs = b.now()
	}

	entry, err := b.cm.AppendFromLeader(msg)
	if err == store.ErrDuplicateMsgID {
		existing, found, gerr := b.store.GetByMsgID(msg.MsgID)
		if gerr == nil && found {
			return existing, true, nil
		}
	}
	if err != nil {
		return raftmsg.Entry{}, false, err
	}
	return entry, false, nil
}

// asyncDispatcher returns success as soon as the leader's own append is
// durable, per spec §4.2 async mode.
type asyncDispatcher struct{ *base }

func (d *asyncDispatcher) Submit(msg raftmsg.Message) (raftmsg.Entry, error) {
	entry, _, err := d.submitOnce(msg)
	return entry, err
}

// quorumDispatcher blocks until commit_index reaches the entry's index,
// or the deadline elapses, per spec §4.2 sync_quorum mode.
type quorumDispatcher struct {
	*base
	timeout time.Duration
}

func (d *quorumDispatcher) Submit(msg raftmsg.Message) (raftmsg.Entry, error) {
	entry, wasDuplicate, err := d.submitOnce(msg)
	if err != nil {
		return raftmsg.Entry{}, err
	}
	if wasDuplicate {
		return entry, nil
	}

	deadline := time.After(d.timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.cm.MatchIndexReached(entry.Index) {
			return entry, nil
		}
		select {
		case <-deadline:
			return entry, ErrQuorumUnreachable
		case <-ticker.C:
		}
	}
}
