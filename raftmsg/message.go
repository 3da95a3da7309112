// Package raftmsg defines the wire-level data model shared by every
// component of the cluster: the client message, the log entry that wraps
// it for replication, and the persistent consensus metadata.
package raftmsg

// Message is a single client message as it flows through the cluster.
//
// OriginalTs must never be mutated once the message has been committed;
// CorrectedTs is filled in by the applying node's time-correction step.
type Message struct {
	MsgID       string  `json:"msg_id"`
	Sender      string  `json:"sender,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	Payload     []byte  `json:"payload"`
	OriginalTs  float64 `json:"original_ts"`
	CorrectedTs float64 `json:"corrected_ts,omitempty"`
	Seq         uint64  `json:"seq"`
}

// Entry is a log entry: a Message wrapped with the term in which the
// leader appended it. Index equals the message's eventual Seq.
type Entry struct {
	Term    uint64  `json:"term"`
	Index   uint64  `json:"index"`
	Message Message `json:"message"`
}

// Meta is the persistent consensus metadata that must survive restarts.
type Meta struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

// LastLogInfo describes the tail of a log for RequestVote up-to-date checks.
type LastLogInfo struct {
	Index uint64
	Term  uint64
}

// IsAtLeastAsUpToDate reports whether the candidate's (candidateTerm,
// candidateIndex) is at least as
// up-to-date as this log's tail, per the Raft comparison: higher term
// wins; equal term, higher or equal index wins.
func (l LastLogInfo) IsAtLeastAsUpToDate(candidateTerm, candidateIndex uint64) bool {
	if candidateTerm != l.Term {
		return candidateTerm > l.Term
	}
	return candidateIndex >= l.Index
}
