// Package api is the JSON-over-HTTP wire layer of spec §6, built on
// gin-gonic/gin (grounded on blastbao-leifdb's gin-based node API). It
// knows nothing about package node; handlers are wired against the small
// interfaces declared here so the dependency runs node -> api, not the
// reverse.
package api

import (
	"github.com/aecra/msgcluster/failure"
	"github.com/aecra/msgcluster/ordering"
	"github.com/aecra/msgcluster/raft"
	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/store"
	"github.com/aecra/msgcluster/timesync"
)

// SendRequest is the body of POST /send. OriginalTs lets a client stamp
// its own send time; if omitted (zero), the leader stamps it on arrival,
// per spec §4.1/§9's timestamp-semantics resolution.
type SendRequest struct {
	Payload    []byte  `json:"payload"`
	Sender     string  `json:"sender,omitempty"`
	Recipient  string  `json:"recipient,omitempty"`
	MsgID      string  `json:"msg_id,omitempty"`
	OriginalTs float64 `json:"original_ts,omitempty"`
}

// SendResponse is the 200 body of POST /send.
type SendResponse struct {
	Status      string  `json:"status"`
	Seq         uint64  `json:"seq"`
	MsgID       string  `json:"msg_id"`
	CorrectedTs float64 `json:"corrected_ts"`
}

// RedirectResponse is the 307 body of POST /send on a non-leader.
type RedirectResponse struct {
	LeaderURL string `json:"leader_url"`
	Reason    string `json:"reason"`
}

// FailureResponse is a generic {reason} error body.
type FailureResponse struct {
	Reason string `json:"reason"`
}

// MessagesResponse is the 200 body of GET /messages.
type MessagesResponse struct {
	Messages  []raftmsg.Message `json:"messages"`
	NextAfter uint64            `json:"next_after"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ID          string                    `json:"id"`
	Role        string                    `json:"role"`
	Term        uint64                    `json:"term"`
	LeaderHint  string                    `json:"leader_hint"`
	CommitIndex uint64                    `json:"commit_index"`
	Peers       map[string]failure.Health `json:"peers"`
	Ordering    ordering.Status           `json:"ordering"`
	Time        timesync.Stats            `json:"time"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	After uint64 `json:"after"`
}

// SyncResponse is the body of POST /sync.
type SyncResponse struct {
	Entries []raftmsg.Entry `json:"entries"`
}

// TimeSyncRequest is the body of POST /time/sync: the client's t1.
type TimeSyncRequest struct {
	T1 float64 `json:"t1"`
}

// TimeSyncResponse carries the peer's receive/send timestamps.
type TimeSyncResponse struct {
	T2 float64 `json:"t2"`
	T3 float64 `json:"t3"`
}

// TimeCorrectRequest is the body of POST /time/correct.
type TimeCorrectRequest struct {
	TsRaw  float64 `json:"ts_raw"`
	DeltaT float64 `json:"delta_t"`
}

// TimeCorrectResponse carries the corrected timestamp.
type TimeCorrectResponse struct {
	CorrectedTs float64 `json:"corrected_ts"`
}

// ForceDeliveryResponse reports how many entries a force-delivery call
// released.
type ForceDeliveryResponse struct {
	Released int `json:"released"`
}

// Consensus is the subset of *raft.ConsensusModule the HTTP layer needs.
type Consensus interface {
	RequestVote(args raft.RequestVoteArgs) (raft.RequestVoteReply, error)
	AppendEntries(args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error)
	Report() (id string, term uint64, role raft.Role, leaderID string, commitIndex uint64)
	IsLeader() bool
	LeaderHint() string
}

// Dispatcher is the subset of replication.Dispatcher the HTTP layer needs.
type Dispatcher interface {
	Submit(msg raftmsg.Message) (raftmsg.Entry, error)
}

// LogReader is the subset of *store.Store the HTTP layer needs.
type LogReader interface {
	Range(filter store.Filter, limit int) ([]raftmsg.Entry, uint64, error)
	RangeRaw(after uint64, limit int) ([]raftmsg.Entry, error)
}

// FailureView is the subset of *failure.Detector the HTTP layer needs.
type FailureView interface {
	Snapshot() map[string]failure.Health
}

// TimeView is the subset of *timesync.Sync the HTTP layer needs, plus the
// server-side half of the NTP-style exchange.
type TimeView interface {
	Stats() timesync.Stats
	Correct(tsRaw, deltaT float64) (float64, error)
	Now() float64
}

// OrderingView is the subset of *ordering.Buffer the HTTP layer needs.
type OrderingView interface {
	Status(sampleSize int) ordering.Status
	ForceDelivery() int
}

// Replicator accepts a single pre-formed entry pushed out-of-band, used
// by the optional POST /replicate catch-up-push path.
type Replicator interface {
	ReplicateOne(entry raftmsg.Entry) error
}
