package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aecra/msgcluster/raftmsg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendAndGet(t *testing.T) {
	st := openTestStore(t)

	entry := raftmsg.Entry{Index: 1, Term: 1, Message: raftmsg.Message{MsgID: "m1", Sender: "a", CorrectedTs: 1.0}}
	require.NoError(t, st.Append(entry))

	got, err := st.Get(1)
	require.NoError(t, err)
	require.Equal(t, "m1", got.Message.MsgID)
}

func TestAppendDuplicateMsgID(t *testing.T) {
	st := openTestStore(t)

	e1 := raftmsg.Entry{Index: 1, Term: 1, Message: raftmsg.Message{MsgID: "dup"}}
	e2 := raftmsg.Entry{Index: 2, Term: 1, Message: raftmsg.Message{MsgID: "dup"}}
	require.NoError(t, st.Append(e1))
	require.ErrorIs(t, st.Append(e2), ErrDuplicateMsgID)
}

func TestTruncateFromRemovesTailAndMsgIDIndex(t *testing.T) {
	st := openTestStore(t)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, st.Append(raftmsg.Entry{Index: i, Term: 1, Message: raftmsg.Message{MsgID: string(rune('a' + i))}}))
	}
	require.NoError(t, st.TruncateFrom(2))

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	_, found, err := st.GetByMsgID(string(rune('a' + 2)))
	require.NoError(t, err)
	require.False(t, found)
}

func TestRangeHidesUndeliveredEntries(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.Append(raftmsg.Entry{Index: 1, Term: 1, Message: raftmsg.Message{MsgID: "m1", CorrectedTs: 0}}))
	require.NoError(t, st.Append(raftmsg.Entry{Index: 2, Term: 1, Message: raftmsg.Message{MsgID: "m2", CorrectedTs: 5.0}}))

	entries, _, err := st.Range(Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "m2", entries[0].Message.MsgID)

	raw, err := st.RangeRaw(0, 10)
	require.NoError(t, err)
	require.Len(t, raw, 2)
}

func TestMarkDeliveredRevealsEntryToRange(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Append(raftmsg.Entry{Index: 1, Term: 1, Message: raftmsg.Message{MsgID: "m1", CorrectedTs: 0}}))

	entries, _, err := st.Range(Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 0)

	require.NoError(t, st.MarkDelivered(1, 42.0))

	entries, _, err = st.Range(Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 42.0, entries[0].Message.CorrectedTs)
}

func TestMetaRoundTrip(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SetMeta(raftmsg.Meta{CurrentTerm: 7, VotedFor: "peer-1"}))

	meta, err := st.GetMeta()
	require.NoError(t, err)
	require.Equal(t, uint64(7), meta.CurrentTerm)
	require.Equal(t, "peer-1", meta.VotedFor)
}
