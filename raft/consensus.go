// Package raft implements the replicated-log consensus module: a
// Raft-style single-leader state machine over role, term, vote, and log,
// generalized from aecra-raft/raft/raft.go (an Eli Bendersky-style
// ConsensusModule) to carry raftmsg.Message entries, a durable store
// (package store) instead of an in-memory-only log, and a pluggable
// Transport instead of net/rpc, per spec §4.1.
package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/store"
)

// Role is the node's place in the consensus state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Dead
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Dead:
		return "Dead"
	default:
		panic("unreachable")
	}
}

const (
	minElectionTimeoutMs = 300
	maxElectionTimeoutMs = 600
	heartbeatInterval    = 200 * time.Millisecond
	tickInterval         = 10 * time.Millisecond
)

// ApplyFunc hands a newly committed entry to the apply pipeline
// (time-correction -> ordering buffer -> store write -> delivery
// record). Invoked strictly in increasing Index order, from a single
// goroutine, per spec §4.1/§5.
type ApplyFunc func(entry raftmsg.Entry)

// ConsensusModule is one node's Raft state machine.
type ConsensusModule struct {
	mu sync.Mutex

	selfID string // this node's advertised URL, used as candidate_id/leader_id
	peers  []string
	quorum int // nodes (including self) required to advance commit_index, per spec §6's --quorum

	store     *store.Store
	transport Transport
	apply     ApplyFunc
	log       zerolog.Logger

	// Persistent state (mirrored from store; store is the durable copy).
	currentTerm uint64
	votedFor    string
	entries     []raftmsg.Entry // entries[i] has Index == i+1

	// Volatile state.
	role               Role
	commitIndex        uint64
	lastApplied        uint64
	leaderID           string
	electionResetEvent time.Time

	// Volatile leader state.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	newCommitReadyChan chan struct{}
	triggerAEChan      chan struct{}
	doneChan           chan struct{}
	fatalErr           error
}

// New constructs a ConsensusModule. It loads persisted term/vote/log from
// store and, once started, begins as Follower. Call Start to begin timers.
// quorum is the number of nodes (including self) that must have
// match_index >= N before commit_index can advance to N; callers default
// it to strict majority ((len(peers)+1)/2 + 1) when the operator leaves
// --quorum unset. It never affects leader election, which always
// requires a strict majority of votes regardless of this setting.
func New(selfID string, peers []string, quorum int, st *store.Store, transport Transport, apply ApplyFunc, logger zerolog.Logger) (*ConsensusModule, error) {
	if quorum < 1 {
		quorum = 1
	}
	cm := &ConsensusModule{
		selfID:             selfID,
		peers:              peers,
		quorum:             quorum,
		store:              st,
		transport:          transport,
		apply:              apply,
		log:                logger.With().Str("component", "raft").Str("node", selfID).Logger(),
		role:               Follower,
		nextIndex:          make(map[string]uint64),
		matchIndex:         make(map[string]uint64),
		newCommitReadyChan: make(chan struct{}, 16),
		triggerAEChan:      make(chan struct{}, 1),
		doneChan:           make(chan struct{}),
	}

	meta, err := st.GetMeta()
	if err != nil {
		return nil, fmt.Errorf("persistence_fatal: load meta: %w", err)
	}
	cm.currentTerm = meta.CurrentTerm
	cm.votedFor = meta.VotedFor

	last, err := st.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("persistence_fatal: load last index: %w", err)
	}
	var undelivered []raftmsg.Entry
	for i := uint64(1); i <= last; i++ {
		e, err := st.Get(i)
		if err != nil {
			return nil, fmt.Errorf("persistence_fatal: load entry %d: %w", i, err)
		}
		cm.entries = append(cm.entries, e)
		if e.Message.CorrectedTs != 0 {
			// Already ran through the apply pipeline and was delivered
			// before the crash/restart.
			cm.lastApplied = i
		} else {
			// Durable and committed, but the ordering buffer hadn't
			// released it yet (store.MarkDelivered never ran) when this
			// node went down. It must not be silently skipped: re-queue
			// it through the apply pipeline now, before Start, or it
			// becomes permanently invisible to GET /messages.
			undelivered = append(undelivered, e)
		}
	}
	cm.commitIndex = uint64(len(cm.entries))

	for _, e := range undelivered {
		apply(e)
	}

	return cm, nil
}

// Start begins the election timer and the apply loop. Safe to call once.
func (cm *ConsensusModule) Start() {
	cm.mu.Lock()
	cm.electionResetEvent = time.Now()
	cm.mu.Unlock()
	go cm.runElectionTimer()
	go cm.commitChanSender()
}

// Stop transitions the module to Dead, drains any already-committed entry
// the background apply loop hasn't picked up yet, then halts all timers
// and the apply loop. Idempotent.
func (cm *ConsensusModule) Stop() {
	cm.mu.Lock()
	if cm.role == Dead {
		cm.mu.Unlock()
		return
	}
	cm.role = Dead
	cm.mu.Unlock()

	// Once role is Dead, RequestVote/AppendEntries/AppendFromLeader all
	// refuse to run, so commitIndex can't move again after this point:
	// draining once here can't race a concurrent commit and drop it.
	cm.drainApply()
	close(cm.doneChan)
}

// drainApply applies every entry between lastApplied and commitIndex
// synchronously, so a graceful shutdown never loses an already-committed
// entry to a race between doneChan closing and a pending
// newCommitReadyChan signal in commitChanSender.
func (cm *ConsensusModule) drainApply() {
	cm.mu.Lock()
	var pending []raftmsg.Entry
	if cm.commitIndex > cm.lastApplied {
		pending = append(pending, cm.entries[cm.lastApplied:cm.commitIndex]...)
		cm.lastApplied = cm.commitIndex
	}
	cm.mu.Unlock()

	for _, e := range pending {
		cm.apply(e)
	}
}

// FatalErr returns the persistence error that forced this node to stop
// serving, if any. Per spec §7/§8, persistence_fatal errors are
// unrecoverable: the node must refuse to proceed rather than risk
// divergence.
func (cm *ConsensusModule) FatalErr() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.fatalErr
}

func (cm *ConsensusModule) fail(err error) {
	cm.log.Error().Err(err).Msg("persistence fatal, stopping consensus module")
	cm.fatalErr = err
	cm.role = Dead
	select {
	case <-cm.doneChan:
	default:
		close(cm.doneChan)
	}
}

// Report returns a snapshot of identity/role/term/leader hint for the
// /status endpoint.
func (cm *ConsensusModule) Report() (id string, term uint64, role Role, leaderID string, commitIndex uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.selfID, cm.currentTerm, cm.role, cm.leaderID, cm.commitIndex
}

// LocalLastIndex returns the highest index this node currently holds,
// used by the catch-up routine as its "local_last_seq" per spec §4.3.
func (cm *ConsensusModule) LocalLastIndex() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return uint64(len(cm.entries))
}

// IsLeader reports whether this node currently believes itself leader.
func (cm *ConsensusModule) IsLeader() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.role == Leader
}

// LeaderHint returns the URL of the peer most recently identified as
// leader, or "" if unknown.
func (cm *ConsensusModule) LeaderHint() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.leaderID
}

// electionTimeout draws a randomized interval in [300ms, 600ms), per
// spec §4.1.
func electionTimeout() time.Duration {
	d := minElectionTimeoutMs + rand.Intn(maxElectionTimeoutMs-minElectionTimeoutMs)
	return time.Duration(d) * time.Millisecond
}

func (cm *ConsensusModule) runElectionTimer() {
	timeout := electionTimeout()
	cm.mu.Lock()
	termStarted := cm.currentTerm
	cm.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.doneChan:
			return
		case <-ticker.C:
		}

		cm.mu.Lock()
		if cm.role != Candidate && cm.role != Follower {
			cm.mu.Unlock()
			return
		}
		if termStarted != cm.currentTerm {
			cm.mu.Unlock()
			return
		}
		if elapsed := time.Since(cm.electionResetEvent); elapsed >= timeout {
			cm.startElection()
			cm.mu.Unlock()
			return
		}
		cm.mu.Unlock()
	}
}

// startElection transitions to Candidate and broadcasts RequestVote.
// Caller must hold cm.mu.
func (cm *ConsensusModule) startElection() {
	cm.role = Candidate
	cm.currentTerm++
	savedTerm := cm.currentTerm
	cm.electionResetEvent = time.Now()
	cm.votedFor = cm.selfID
	if err := cm.persistMeta(); err != nil {
		cm.fail(err)
		return
	}
	cm.log.Info().Uint64("term", savedTerm).Msg("starting election")

	votes := 1 // vote for self
	var voteMu sync.Mutex

	lastIndex, lastTerm := cm.lastLogIndexAndTerm()
	for _, peer := range cm.peers {
		peer := peer
		go func() {
			args := RequestVoteArgs{
				Term:         savedTerm,
				CandidateID:  cm.selfID,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			}
			reply, err := cm.transport.RequestVote(peer, args)
			if err != nil {
				cm.log.Debug().Err(err).Str("peer", peer).Msg("RequestVote transient_network failure")
				return
			}

			cm.mu.Lock()
			defer cm.mu.Unlock()
			if cm.role != Candidate || cm.currentTerm != savedTerm {
				return
			}
			if reply.Term > cm.currentTerm {
				cm.becomeFollower(reply.Term)
				return
			}
			if reply.VoteGranted {
				voteMu.Lock()
				votes++
				n := votes
				voteMu.Unlock()
				if n*2 > len(cm.peers)+1 {
					cm.startLeader()
				}
			}
		}()
	}

	go cm.runElectionTimer()
}

// becomeFollower adopts term and resets vote. Caller must hold cm.mu.
func (cm *ConsensusModule) becomeFollower(term uint64) {
	cm.role = Follower
	cm.currentTerm = term
	cm.votedFor = ""
	cm.leaderID = ""
	cm.electionResetEvent = time.Now()
	if err := cm.persistMeta(); err != nil {
		cm.fail(err)
		return
	}
	go cm.runElectionTimer()
}

// startLeader switches to Leader and begins heartbeats. Caller must hold
// cm.mu.
func (cm *ConsensusModule) startLeader() {
	cm.role = Leader
	cm.leaderID = cm.selfID
	last := uint64(len(cm.entries))
	for _, peer := range cm.peers {
		cm.nextIndex[peer] = last + 1
		cm.matchIndex[peer] = 0
	}
	cm.log.Info().Uint64("term", cm.currentTerm).Msg("became leader")
	go cm.runAEsTimer()
}

func (cm *ConsensusModule) runAEsTimer() {
	cm.leaderSendAEs()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.doneChan:
			return
		case <-ticker.C:
		case _, ok := <-cm.triggerAEChan:
			if !ok {
				return
			}
		}
		cm.mu.Lock()
		if cm.role != Leader {
			cm.mu.Unlock()
			return
		}
		cm.mu.Unlock()
		cm.leaderSendAEs()
	}
}

// leaderSendAEs sends one round of AppendEntries (heartbeat or with
// entries) to every peer concurrently.
func (cm *ConsensusModule) leaderSendAEs() {
	cm.mu.Lock()
	if cm.role != Leader {
		cm.mu.Unlock()
		return
	}
	savedTerm := cm.currentTerm
	cm.mu.Unlock()

	for _, peer := range cm.peers {
		peer := peer
		go func() {
			cm.mu.Lock()
			if cm.role != Leader {
				cm.mu.Unlock()
				return
			}
			ni := cm.nextIndex[peer]
			if ni == 0 {
				ni = 1
			}
			prevLogIndex := ni - 1
			var prevLogTerm uint64
			if prevLogIndex > 0 && prevLogIndex <= uint64(len(cm.entries)) {
				prevLogTerm = cm.entries[prevLogIndex-1].Term
			}
			var entries []raftmsg.Entry
			if ni <= uint64(len(cm.entries)) {
				entries = append(entries, cm.entries[ni-1:]...)
			}
			args := AppendEntriesArgs{
				Term:         savedTerm,
				LeaderID:     cm.selfID,
				PrevLogIndex: prevLogIndex,
				PrevLogTerm:  prevLogTerm,
				Entries:      entries,
				LeaderCommit: cm.commitIndex,
			}
			cm.mu.Unlock()

			reply, err := cm.transport.AppendEntries(peer, args)
			if err != nil {
				cm.log.Debug().Err(err).Str("peer", peer).Msg("AppendEntries transient_network failure")
				return
			}

			cm.mu.Lock()
			defer cm.mu.Unlock()
			if cm.role != Leader || cm.currentTerm != savedTerm {
				return
			}
			if reply.Term > cm.currentTerm {
				cm.becomeFollower(reply.Term)
				return
			}
			if reply.Success {
				cm.nextIndex[peer] = ni + uint64(len(entries))
				cm.matchIndex[peer] = cm.nextIndex[peer] - 1
				cm.advanceCommitIndex()
			} else {
				// log_inconsistency: back off next_index. Prefer the
				// follower's conflict hint when it gave one.
				if reply.ConflictIndex > 0 && reply.ConflictIndex < ni {
					cm.nextIndex[peer] = reply.ConflictIndex
				} else if ni > 1 {
					cm.nextIndex[peer] = ni - 1
				}
			}
		}()
	}
}

// advanceCommitIndex implements the leader commit rule of spec §4.1:
// commit index N advances when cm.quorum nodes (including self) have
// match_index >= N and the entry at N was appended in the current term.
// cm.quorum defaults to strict majority but is operator-configurable via
// --quorum, per spec §6. Caller must hold cm.mu.
func (cm *ConsensusModule) advanceCommitIndex() {
	for n := cm.commitIndex + 1; n <= uint64(len(cm.entries)); n++ {
		if cm.entries[n-1].Term != cm.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range cm.peers {
			if cm.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= cm.quorum {
			cm.commitIndex = n
		}
	}
	select {
	case cm.newCommitReadyChan <- struct{}{}:
	default:
	}
}

func (cm *ConsensusModule) lastLogIndexAndTerm() (uint64, uint64) {
	if n := len(cm.entries); n > 0 {
		return cm.entries[n-1].Index, cm.entries[n-1].Term
	}
	return 0, 0
}

// persistMeta flushes current_term/voted_for to the durable store.
// Caller must hold cm.mu.
func (cm *ConsensusModule) persistMeta() error {
	return cm.store.SetMeta(raftmsg.Meta{CurrentTerm: cm.currentTerm, VotedFor: cm.votedFor})
}

// RequestVote handles an inbound vote request per spec §4.1.
func (cm *ConsensusModule) RequestVote(args RequestVoteArgs) (RequestVoteReply, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.role == Dead {
		return RequestVoteReply{}, fmt.Errorf("node stopped")
	}

	if args.Term > cm.currentTerm {
		cm.becomeFollower(args.Term)
		if cm.fatalErr != nil {
			return RequestVoteReply{}, cm.fatalErr
		}
	}

	lastIndex, lastTerm := cm.lastLogIndexAndTerm()
	grant := cm.currentTerm == args.Term &&
		(cm.votedFor == "" || cm.votedFor == args.CandidateID) &&
		(args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex))

	if grant {
		cm.votedFor = args.CandidateID
		cm.electionResetEvent = time.Now()
		if err := cm.persistMeta(); err != nil {
			cm.fail(err)
			return RequestVoteReply{}, err
		}
	}

	return RequestVoteReply{Term: cm.currentTerm, VoteGranted: grant}, nil
}

// AppendEntries handles an inbound AppendEntries (heartbeat or with
// entries) per spec §4.1.
func (cm *ConsensusModule) AppendEntries(args AppendEntriesArgs) (AppendEntriesReply, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.role == Dead {
		return AppendEntriesReply{}, fmt.Errorf("node stopped")
	}

	if args.Term > cm.currentTerm {
		cm.becomeFollower(args.Term)
		if cm.fatalErr != nil {
			return AppendEntriesReply{}, cm.fatalErr
		}
	}

	reply := AppendEntriesReply{Term: cm.currentTerm}
	if args.Term < cm.currentTerm {
		return reply, nil // stale_term
	}

	if cm.role != Follower {
		cm.role = Follower
	}
	cm.leaderID = args.LeaderID
	cm.electionResetEvent = time.Now()

	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > uint64(len(cm.entries)) {
			reply.ConflictIndex = uint64(len(cm.entries)) + 1
			return reply, nil // log_inconsistency: missing entry
		}
		if cm.entries[args.PrevLogIndex-1].Term != args.PrevLogTerm {
			conflictTerm := cm.entries[args.PrevLogIndex-1].Term
			idx := args.PrevLogIndex
			for idx > 1 && cm.entries[idx-2].Term == conflictTerm {
				idx--
			}
			reply.ConflictIndex = idx
			return reply, nil // log_inconsistency: term mismatch
		}
	}

	reply.Success = true

	insertAt := args.PrevLogIndex
	newIdx := 0
	for {
		if insertAt >= uint64(len(cm.entries)) || newIdx >= len(args.Entries) {
			break
		}
		if cm.entries[insertAt].Term != args.Entries[newIdx].Term {
			break
		}
		insertAt++
		newIdx++
	}

	if newIdx < len(args.Entries) {
		if insertAt < uint64(len(cm.entries)) {
			if err := cm.store.TruncateFrom(insertAt + 1); err != nil {
				cm.fail(err)
				return AppendEntriesReply{}, err
			}
			cm.entries = cm.entries[:insertAt]
		}
		for _, e := range args.Entries[newIdx:] {
			if err := cm.store.Append(e); err != nil && err != store.ErrDuplicateMsgID {
				cm.fail(err)
				return AppendEntriesReply{}, err
			}
			cm.entries = append(cm.entries, e)
		}
	}

	if args.LeaderCommit > cm.commitIndex {
		last := uint64(len(cm.entries))
		if args.LeaderCommit < last {
			cm.commitIndex = args.LeaderCommit
		} else {
			cm.commitIndex = last
		}
		select {
		case cm.newCommitReadyChan <- struct{}{}:
		default:
		}
	}

	return reply, nil
}

// AppendFromLeader is used by the replication dispatcher on the leader
// itself to append a freshly submitted client entry to its own log,
// exactly as it would via AppendEntries, and returns the assigned index.
func (cm *ConsensusModule) AppendFromLeader(msg raftmsg.Message) (raftmsg.Entry, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.role != Leader {
		return raftmsg.Entry{}, fmt.Errorf("not_leader")
	}
	index := uint64(len(cm.entries)) + 1
	msg.Seq = index
	entry := raftmsg.Entry{Term: cm.currentTerm, Index: index, Message: msg}
	if err := cm.store.Append(entry); err != nil {
		if err == store.ErrDuplicateMsgID {
			return raftmsg.Entry{}, err
		}
		cm.fail(err)
		return raftmsg.Entry{}, err
	}
	cm.entries = append(cm.entries, entry)
	// self counts toward its own match index implicitly in advanceCommitIndex
	select {
	case cm.triggerAEChan <- struct{}{}:
	default:
	}
	return entry, nil
}

// InstallCommitted installs an entry already known to be committed
// elsewhere (via catch-up or an admin /replicate push) directly into the
// in-memory log cache and durable store, without going through the
// normal RequestVote/AppendEntries path. The entry must be the next
// contiguous index; out-of-order installs are rejected rather than risk
// a gap the node could never detect later.
func (cm *ConsensusModule) InstallCommitted(entry raftmsg.Entry) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entry.Index != uint64(len(cm.entries))+1 {
		return fmt.Errorf("log_inconsistency: install expected index %d, got %d", len(cm.entries)+1, entry.Index)
	}
	if err := cm.store.Append(entry); err != nil && err != store.ErrDuplicateMsgID {
		cm.fail(err)
		return err
	}
	cm.entries = append(cm.entries, entry)
	if entry.Index > cm.commitIndex {
		cm.commitIndex = entry.Index
	}
	if entry.Index > cm.lastApplied {
		cm.lastApplied = entry.Index
	}
	if entry.Term > cm.currentTerm {
		cm.currentTerm = entry.Term
		if err := cm.persistMeta(); err != nil {
			cm.fail(err)
			return err
		}
	}
	return nil
}

// MatchIndexReached reports whether commit_index has reached at least
// index, used by the quorum-synchronous replication dispatcher to poll
// for commit.
func (cm *ConsensusModule) MatchIndexReached(index uint64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.commitIndex >= index
}

// commitChanSender is the apply loop: single goroutine, strictly
// increasing index order, per spec §4.1/§5.
func (cm *ConsensusModule) commitChanSender() {
	for {
		select {
		case <-cm.doneChan:
			return
		case <-cm.newCommitReadyChan:
		}

		cm.mu.Lock()
		var pending []raftmsg.Entry
		if cm.commitIndex > cm.lastApplied {
			pending = append(pending, cm.entries[cm.lastApplied:cm.commitIndex]...)
			cm.lastApplied = cm.commitIndex
		}
		cm.mu.Unlock()

		for _, e := range pending {
			cm.log.Debug().Uint64("index", e.Index).Msg("applying committed entry")
			cm.apply(e)
		}
	}
}
