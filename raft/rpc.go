package raft

import "github.com/aecra/msgcluster/raftmsg"

// RequestVoteArgs. See figure 2 in the Raft paper.
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesArgs. See figure 2 in the Raft paper.
type AppendEntriesArgs struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leader_id"`
	PrevLogIndex uint64          `json:"prev_log_index"`
	PrevLogTerm  uint64          `json:"prev_log_term"`
	Entries      []raftmsg.Entry `json:"entries"`
	LeaderCommit uint64          `json:"leader_commit"`
}

type AppendEntriesReply struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// ConflictIndex lets the leader skip straight past a known mismatch
	// instead of decrementing NextIndex one at a time on every reject.
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
}

// Transport sends the two consensus RPCs to a named peer. Implementations
// live in package api (JSON-over-HTTP, per spec §6); this interface keeps
// the consensus module ignorant of the wire format, matching the
// teacher's Server.Call seam in aecra-raft/raft/raft.go.
type Transport interface {
	RequestVote(peer string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesReply, error)
}
