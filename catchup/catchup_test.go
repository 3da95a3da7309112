package catchup

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aecra/msgcluster/raftmsg"
)

func TestRunAgainstAppliesContiguousEntriesInOrder(t *testing.T) {
	var applied []uint64
	r := New(
		func(peer string, after uint64) ([]raftmsg.Entry, error) {
			return []raftmsg.Entry{
				{Index: after + 1, Term: 1},
				{Index: after + 2, Term: 1},
			}, nil
		},
		func(e raftmsg.Entry) { applied = append(applied, e.Index) },
		func() uint64 { return 0 },
		zerolog.Nop(),
	)

	require.NoError(t, r.RunAgainst("peer-1"))
	require.Equal(t, []uint64{1, 2}, applied)
}

func TestRunAgainstRejectsGap(t *testing.T) {
	r := New(
		func(peer string, after uint64) ([]raftmsg.Entry, error) {
			return []raftmsg.Entry{{Index: 3, Term: 1}}, nil // expected 1, got 3
		},
		func(e raftmsg.Entry) {},
		func() uint64 { return 0 },
		zerolog.Nop(),
	)

	err := r.RunAgainst("peer-1")
	require.Error(t, err)
}

func TestRunAgainstPropagatesFetchFailure(t *testing.T) {
	r := New(
		func(peer string, after uint64) ([]raftmsg.Entry, error) {
			return nil, errors.New("connection refused")
		},
		func(e raftmsg.Entry) {},
		func() uint64 { return 0 },
		zerolog.Nop(),
	)

	err := r.RunAgainst("peer-1")
	require.Error(t, err)
}

func TestRunAgainstNoOpWhenNothingMissing(t *testing.T) {
	called := false
	r := New(
		func(peer string, after uint64) ([]raftmsg.Entry, error) { return nil, nil },
		func(e raftmsg.Entry) { called = true },
		func() uint64 { return 5 },
		zerolog.Nop(),
	)

	require.NoError(t, r.RunAgainst("peer-1"))
	require.False(t, called)
}
