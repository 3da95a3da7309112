package raft

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/store"
)

// fakeTransport routes RPCs directly to the in-process peer modules,
// matching aecra-raft's test harness style of wiring consensus modules
// together without a real network.
type fakeTransport struct {
	peers map[string]*ConsensusModule
}

func (f *fakeTransport) RequestVote(peer string, args RequestVoteArgs) (RequestVoteReply, error) {
	cm, ok := f.peers[peer]
	if !ok {
		return RequestVoteReply{}, errNoPeer
	}
	return cm.RequestVote(args)
}

func (f *fakeTransport) AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	cm, ok := f.peers[peer]
	if !ok {
		return AppendEntriesReply{}, errNoPeer
	}
	return cm.AppendEntries(args)
}

var errNoPeer = &peerError{"no such peer"}

type peerError struct{ msg string }

func (e *peerError) Error() string { return e.msg }

func newTestCluster(t *testing.T, n int) ([]*ConsensusModule, *fakeTransport, func()) {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	transport := &fakeTransport{peers: make(map[string]*ConsensusModule, n)}
	var stores []*store.Store
	var dirs []string
	var cms []*ConsensusModule

	for i, id := range ids {
		dir, err := os.MkdirTemp("", "raft-test-*")
		if err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, dir)

		st, err := store.Open(dir + "/log.db")
		if err != nil {
			t.Fatal(err)
		}
		stores = append(stores, st)

		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}

		logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.Disabled)
		quorum := len(peers)/2 + 1
		cm, err := New(id, peers, quorum, st, transport, func(raftmsg.Entry) {}, logger)
		if err != nil {
			t.Fatal(err)
		}
		cms = append(cms, cm)
		transport.peers[id] = cm
	}

	cleanup := func() {
		for _, cm := range cms {
			cm.Stop()
		}
		for _, st := range stores {
			st.Close()
		}
		for _, d := range dirs {
			os.RemoveAll(d)
		}
	}
	return cms, transport, cleanup
}

func awaitLeader(t *testing.T, cms []*ConsensusModule) *ConsensusModule {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, cm := range cms {
			if cm.IsLeader() {
				return cm
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestElectsExactlyOneLeader(t *testing.T) {
	cms, _, cleanup := newTestCluster(t, 3)
	defer cleanup()

	for _, cm := range cms {
		cm.Start()
	}

	awaitLeader(t, cms)

	count := 0
	for _, cm := range cms {
		if cm.IsLeader() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one leader, got %d", count)
	}
}

func TestAppendFromLeaderReplicatesAndCommits(t *testing.T) {
	cms, _, cleanup := newTestCluster(t, 3)
	defer cleanup()

	for _, cm := range cms {
		cm.Start()
	}
	leader := awaitLeader(t, cms)

	entry, err := leader.AppendFromLeader(raftmsg.Message{MsgID: "m1", Sender: "a", Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("AppendFromLeader: %v", err)
	}
	if entry.Index != 1 {
		t.Fatalf("expected index 1, got %d", entry.Index)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader.MatchIndexReached(1) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry never committed")
}

func TestAppendFromLeaderRejectsOnFollower(t *testing.T) {
	cms, _, cleanup := newTestCluster(t, 3)
	defer cleanup()

	for _, cm := range cms {
		cm.Start()
	}
	leader := awaitLeader(t, cms)

	var follower *ConsensusModule
	for _, cm := range cms {
		if cm != leader {
			follower = cm
			break
		}
	}

	if _, err := follower.AppendFromLeader(raftmsg.Message{MsgID: "m1"}); err == nil {
		t.Fatal("expected not_leader error from a follower")
	}
}

func TestInstallCommittedRejectsNonContiguousIndex(t *testing.T) {
	cms, _, cleanup := newTestCluster(t, 1)
	defer cleanup()

	cm := cms[0]
	err := cm.InstallCommitted(raftmsg.Entry{Index: 5, Term: 1, Message: raftmsg.Message{MsgID: "m1"}})
	if err == nil {
		t.Fatal("expected an index-gap rejection")
	}
}
