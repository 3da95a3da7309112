package replication

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/store"
)

// fakeConsensus is a minimal in-memory stand-in for *raft.ConsensusModule,
// following aecra-raft's own practice of testing raft.go's collaborators
// against small hand-written fakes rather than a live cluster.
type fakeConsensus struct {
	leader       bool
	hint         string
	nextIndex    uint64
	matchReached uint64
	appended     []raftmsg.Message
}

func (f *fakeConsensus) IsLeader() bool     { return f.leader }
func (f *fakeConsensus) LeaderHint() string { return f.hint }

func (f *fakeConsensus) AppendFromLeader(msg raftmsg.Message) (raftmsg.Entry, error) {
	f.nextIndex++
	msg.Seq = f.nextIndex
	f.appended = append(f.appended, msg)
	return raftmsg.Entry{Index: f.nextIndex, Term: 1, Message: msg}, nil
}

func (f *fakeConsensus) MatchIndexReached(index uint64) bool {
	return f.matchReached >= index
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAsyncDispatcherRejectsNonLeader(t *testing.T) {
	cm := &fakeConsensus{leader: false}
	d := New("async", cm, openTestStore(t), time.Second)

	_, err := d.Submit(raftmsg.Message{Sender: "a"})
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestAsyncDispatcherReturnsAsSoonAsAppended(t *testing.T) {
	cm := &fakeConsensus{leader: true}
	d := New("async", cm, openTestStore(t), time.Second)

	entry, err := d.Submit(raftmsg.Message{Sender: "a"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), entry.Index)
}

func TestAsyncDispatcherStampsMsgIDWhenAbsent(t *testing.T) {
	cm := &fakeConsensus{leader: true}
	d := New("async", cm, openTestStore(t), time.Second)

	entry, err := d.Submit(raftmsg.Message{Sender: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, entry.Message.MsgID)
}

func TestQuorumDispatcherWaitsForCommit(t *testing.T) {
	cm := &fakeConsensus{leader: true}
	st := openTestStore(t)
	d := New("sync_quorum", cm, st, 500*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cm.matchReached = 1
	}()

	start := time.Now()
	entry, err := d.Submit(raftmsg.Message{Sender: "a"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), entry.Index)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQuorumDispatcherTimesOutWhenUnreachable(t *testing.T) {
	cm := &fakeConsensus{leader: true}
	d := New("sync_quorum", cm, openTestStore(t), 30*time.Millisecond)

	_, err := d.Submit(raftmsg.Message{Sender: "a"})
	require.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestDuplicateMsgIDReturnsPriorEntryWithoutReappending(t *testing.T) {
	cm := &fakeConsensus{leader: true}
	st := openTestStore(t)
	d := New("async", cm, st, time.Second)

	first, err := d.Submit(raftmsg.Message{Sender: "a", MsgID: "fixed"})
	require.NoError(t, err)

	require.NoError(t, st.Append(first))

	second, err := d.Submit(raftmsg.Message{Sender: "a", MsgID: "fixed"})
	require.NoError(t, err)
	require.Equal(t, first.Index, second.Index)
	require.Len(t, cm.appended, 1)
}
